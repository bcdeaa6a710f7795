// Package agentcli implements the engine port by spawning the agent CLI in
// streaming JSON mode. Messages arrive as newline-delimited JSON on stdout;
// tool authorization runs over the CLI's control channel: the process emits
// a control_request and suspends the tool until a control_response is
// written back on stdin.
package agentcli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/port/engine"
)

// maxLineBytes bounds a single NDJSON line. Large tool results can run to
// megabytes.
const maxLineBytes = 16 << 20

// Engine spawns one CLI process per run.
type Engine struct {
	cfg *config.Engine
}

// New creates an Engine from the engine configuration.
func New(cfg *config.Engine) *Engine {
	return &Engine{cfg: cfg}
}

// buildArgs assembles the CLI argument list for one run.
func buildArgs(opts engine.Options) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	for _, dir := range opts.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}
	return args
}

// Start spawns the CLI, submits the prompt and returns the message stream.
func (e *Engine) Start(ctx context.Context, opts engine.Options) (engine.Stream, error) {
	if e.cfg.Command == "" {
		return nil, fmt.Errorf("engine command not configured")
	}
	if _, err := exec.LookPath(e.cfg.Command); err != nil {
		return nil, fmt.Errorf("engine binary not found: %s", e.cfg.Command)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Command, buildArgs(opts)...) //nolint:gosec // command from trusted config
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), e.cfg.ExtraEnv...)

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := newStream(stdout, stdin, opts.CanUseTool)
	s.cmd = cmd
	s.stderr = stderr

	if err := s.writeJSON(promptMessage(opts.Prompt)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("submit prompt: %w", err)
	}

	slog.Info("engine started", "pid", cmd.Process.Pid, "cwd", opts.Cwd, "resume", opts.Resume != "")
	return s, nil
}

func promptMessage(prompt string) any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	}
}

// stream consumes the CLI's NDJSON output. Control requests are answered
// inline: the gate call suspends Next exactly as the CLI suspends the tool.
type stream struct {
	scanner *bufio.Scanner
	gate    engine.GateFunc

	writeMu sync.Mutex
	stdin   io.WriteCloser

	cmd    *exec.Cmd
	stderr *bytes.Buffer

	closeOnce sync.Once
}

func newStream(stdout io.Reader, stdin io.WriteCloser, gate engine.GateFunc) *stream {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	return &stream{scanner: sc, stdin: stdin, gate: gate}
}

// controlRequest is the CLI's inbound authorization envelope.
type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype   string          `json:"subtype"`
		ToolName  string          `json:"tool_name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
	} `json:"request"`
}

// Next returns the next engine message. io.EOF signals clean stream end.
func (s *stream) Next(ctx context.Context) (engine.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return engine.Message{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return engine.Message{}, fmt.Errorf("read engine output: %w", err)
			}
			return engine.Message{}, s.exitError()
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			slog.Debug("engine emitted non-json line", "line", string(line))
			continue
		}

		if probe.Type == "control_request" {
			if err := s.handleControl(ctx, line); err != nil {
				return engine.Message{}, err
			}
			continue
		}

		// ParseMessage retains the raw bytes; copy out of the scanner's
		// buffer first.
		raw := make([]byte, len(line))
		copy(raw, line)
		return engine.ParseMessage(raw)
	}
}

// handleControl runs the gate for a can_use_tool request and writes the
// response. Unknown control subtypes are answered with an error so the CLI
// does not hang waiting.
func (s *stream) handleControl(ctx context.Context, line []byte) error {
	var req controlRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return fmt.Errorf("decode control request: %w", err)
	}

	if req.Request.Subtype != "can_use_tool" {
		return s.writeJSON(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "error",
				"request_id": req.RequestID,
				"error":      fmt.Sprintf("unsupported control subtype %q", req.Request.Subtype),
			},
		})
	}

	d, err := s.gate(ctx, req.Request.ToolUseID, req.Request.ToolName, req.Request.Input)
	if err != nil {
		return fmt.Errorf("gate %s: %w", req.Request.ToolName, err)
	}

	var body map[string]any
	if d.Behavior == engine.BehaviorAllow {
		input := d.UpdatedInput
		if input == nil {
			input = req.Request.Input
		}
		body = map[string]any{"behavior": "allow", "updatedInput": input}
	} else {
		body = map[string]any{"behavior": "deny", "message": d.Reason}
	}

	return s.writeJSON(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": req.RequestID,
			"response":   body,
		},
	})
}

func (s *stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stdin message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// exitError maps process exit into the stream contract: clean exit is
// io.EOF, a failure carries the stderr tail.
func (s *stream) exitError() error {
	if s.cmd == nil {
		return io.EOF
	}
	err := s.cmd.Wait()
	s.cmd = nil
	if err == nil {
		return io.EOF
	}
	tail := s.stderr.String()
	if len(tail) > 512 {
		tail = tail[len(tail)-512:]
	}
	if tail != "" {
		return fmt.Errorf("engine exited: %v: %s", err, tail)
	}
	return fmt.Errorf("engine exited: %w", err)
}

// Close terminates the engine process.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.stdin.Close()
		s.writeMu.Unlock()
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			_ = s.cmd.Wait()
			s.cmd = nil
		}
	})
	return nil
}
