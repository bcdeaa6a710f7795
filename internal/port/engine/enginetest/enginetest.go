// Package enginetest provides a scripted fake engine for exercising the run
// coordinator and permission broker without a real agent process.
package enginetest

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/agentdeck/agentdeck/internal/port/engine"
)

// ToolUse scripts one gate callback invocation.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Step is one scripted engine action: an optional tool-use gate followed by
// an optional message to yield. A gate runs inside Next, suspending the
// message loop exactly like a real engine awaiting authorization.
type Step struct {
	ToolUse *ToolUse
	Message json.RawMessage
}

// Fake is a scripted engine.Engine implementation.
type Fake struct {
	Steps    []Step
	StartErr error // returned from Start
	FinalErr error // returned from Next after the script instead of io.EOF

	mu        sync.Mutex
	opts      engine.Options
	decisions []engine.Decision
}

// Start returns a stream that replays the script.
func (f *Fake) Start(_ context.Context, opts engine.Options) (engine.Stream, error) {
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()
	return &stream{f: f}, nil
}

// Options returns the options the coordinator started the engine with.
func (f *Fake) Options() engine.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

// Decisions returns the gate decisions observed so far, in order.
func (f *Fake) Decisions() []engine.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Decision(nil), f.decisions...)
}

type stream struct {
	f *Fake
	i int
}

func (s *stream) Next(ctx context.Context) (engine.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return engine.Message{}, err
		}
		if s.i >= len(s.f.Steps) {
			if s.f.FinalErr != nil {
				return engine.Message{}, s.f.FinalErr
			}
			return engine.Message{}, io.EOF
		}
		step := s.f.Steps[s.i]
		s.i++

		if step.ToolUse != nil {
			gate := s.f.Options().CanUseTool
			d, err := gate(ctx, step.ToolUse.ID, step.ToolUse.Name, step.ToolUse.Input)
			if err != nil {
				return engine.Message{}, err
			}
			s.f.mu.Lock()
			s.f.decisions = append(s.f.decisions, d)
			s.f.mu.Unlock()
		}

		if step.Message == nil {
			continue
		}
		return engine.ParseMessage(step.Message)
	}
}

func (s *stream) Close() error { return nil }
