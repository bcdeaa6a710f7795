// Package session defines the Session domain entity: one agent conversation
// bound to a working directory, with session-scoped authorization grants.
package session

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Status represents the current state of a session's most recent run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Session is one agent conversation. The identifier is immutable once
// assigned; status transitions are monotonic per run (idle -> running ->
// completed|error); grants are never removed for the session's lifetime.
//
// Grant and status state is guarded internally so the permission broker and
// the run coordinator can touch the same record from different goroutines.
type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Cwd            string    `json:"cwd"`
	AdditionalDirs []string  `json:"additional_directories,omitempty"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	mu              sync.Mutex
	status          Status
	engineSessionID string
	grants          map[string]struct{}
}

// New creates an idle session with the given identifier.
func New(id, title, cwd string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Title:     title,
		Cwd:       cwd,
		CreatedAt: now,
		UpdatedAt: now,
		status:    StatusIdle,
		grants:    make(map[string]struct{}),
	}
}

// Status returns the session's current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the session status and bumps the update timestamp.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.UpdatedAt = time.Now().UTC()
}

// BeginRun atomically transitions the session into the running status. It
// returns false when a run is already active, so concurrent callers cannot
// both claim the session.
func (s *Session) BeginRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		return false
	}
	s.status = StatusRunning
	s.UpdatedAt = time.Now().UTC()
	return true
}

// EngineSessionID returns the engine-assigned resume token, if reported.
func (s *Session) EngineSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineSessionID
}

// SetEngineSessionID records the engine-assigned resume token. The token is
// set once per session; later init messages for resumed runs overwrite it
// with the same logical conversation.
func (s *Session) SetEngineSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engineSessionID = id
}

// Grant adds a permission key to the session's grant set.
func (s *Session) Grant(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[key] = struct{}{}
}

// HasGrant reports whether the permission key was granted for this session.
func (s *Session) HasGrant(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.grants[key]
	return ok
}

// GrantKeys returns a copy of the grant set, for diagnostics.
func (s *Session) GrantKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.grants))
	for k := range s.grants {
		keys = append(keys, k)
	}
	return keys
}

// Summary is the wire representation of a session for list responses and
// list snapshots consumed by the timeline reducer.
type Summary struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	Cwd            string    `json:"cwd"`
	AdditionalDirs []string  `json:"additional_directories,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Summarize builds the wire summary for a session.
func (s *Session) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:             s.ID,
		Title:          s.Title,
		Status:         s.status,
		Cwd:            s.Cwd,
		AdditionalDirs: s.AdditionalDirs,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// StartRequest holds the fields needed to start a run on a new session.
type StartRequest struct {
	Prompt         string   `json:"prompt"`
	Cwd            string   `json:"cwd"`
	AdditionalDirs []string `json:"additional_directories,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// Validate checks the request for required fields.
func (r *StartRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// TitleFromPrompt derives a session title from the first prompt: the first
// line, trimmed to at most 60 runes on a word boundary.
func TitleFromPrompt(prompt string) string {
	line := strings.TrimSpace(prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	runes := []rune(line)
	if len(runes) <= 60 {
		return line
	}
	cut := string(runes[:60])
	if i := strings.LastIndexByte(cut, ' '); i > 20 {
		cut = cut[:i]
	}
	return cut + "…"
}

// Behavior tags a permission decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision is a resolved authorization for one tool-use request. Allow may
// carry a modified input; Persist grants the permission key for the rest of
// the session. Deny carries a human-readable reason.
type Decision struct {
	Behavior     Behavior        `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
	Persist      bool            `json:"persist,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Validate checks that the decision uses a known behavior tag.
func (d *Decision) Validate() error {
	switch d.Behavior {
	case BehaviorAllow, BehaviorDeny:
		return nil
	default:
		return ErrUnknownBehavior
	}
}

// PermissionRequest describes one outstanding authorization decision as seen
// by observers. The resolution continuation lives in the permission broker's
// pending table, not here.
type PermissionRequest struct {
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
}
