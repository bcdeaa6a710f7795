// Package engine defines the port for the external agent engine: an
// asynchronous message stream plus an authorization callback invoked once
// per tool use. The engine itself is a black box; this package pins down
// only the contract the run coordinator depends on.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message types the coordinator inspects. Everything else is forwarded
// without interpretation.
const (
	MessageSystem      = "system"
	MessageAssistant   = "assistant"
	MessageUser        = "user"
	MessageResult      = "result"
	MessageStreamEvent = "stream_event"

	SubtypeInit    = "init"
	SubtypeSuccess = "success"
)

// Message is one entry of the engine's stream. Raw preserves the exact
// bytes received so forwarding stays verbatim; the envelope fields are
// parsed out for routing decisions only.
type Message struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseMessage decodes the envelope fields and retains the raw bytes.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("parse engine message: %w", err)
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return m, nil
}

// MarshalJSON emits the original bytes when present, so a parsed message
// round-trips without loss.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Raw != nil {
		return m.Raw, nil
	}
	type plain Message
	return json.Marshal(plain(m))
}

// IsInit reports whether this is the run's initialization message, which
// carries the engine-assigned session token needed for resuming.
func (m Message) IsInit() bool {
	return m.Type == MessageSystem && m.Subtype == SubtypeInit
}

// IsResult reports whether this is the run's terminal message.
func (m Message) IsResult() bool {
	return m.Type == MessageResult
}

// Succeeded reports whether a terminal message marks a successful run.
func (m Message) Succeeded() bool {
	return m.IsResult() && m.Subtype == SubtypeSuccess
}

// Behavior tags a gate decision returned to the engine.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision is the gate callback's answer for one tool use.
type Decision struct {
	Behavior     Behavior
	UpdatedInput json.RawMessage // allow only; nil means input unchanged
	Reason       string          // deny only
}

// Allow builds an allow decision forwarding the given input.
func Allow(input json.RawMessage) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny builds a deny decision with a reason.
func Deny(reason string) Decision {
	return Decision{Behavior: BehaviorDeny, Reason: reason}
}

// GateFunc authorizes one tool use. toolUseID may be empty when the engine
// did not assign one. The call may block until a human decision or the
// context is cancelled; it never returns an error for a deny — denial is a
// normal decision, not a failure.
type GateFunc func(ctx context.Context, toolUseID, toolName string, input json.RawMessage) (Decision, error)

// Options configures one engine run.
type Options struct {
	Prompt         string
	Cwd            string
	AdditionalDirs []string
	Model          string
	Resume         string // engine session token from a prior run, if continuing
	CanUseTool     GateFunc
}

// Stream yields engine messages in order. Next returns io.EOF when the
// engine closed the stream.
type Stream interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Engine starts agent executions.
type Engine interface {
	Start(ctx context.Context, opts Options) (Stream, error)
}
