// Package event defines the normalized event union emitted by the run
// coordinator and consumed by the timeline reducer. Events for one session
// are causally ordered: a permission.request for a tool-use identifier
// precedes any later reference to it, and a terminal session.status is the
// last event of its run.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain/session"
)

// Type identifies the kind of normalized event.
type Type string

const (
	// TypeEngineMessage forwards an engine message verbatim.
	TypeEngineMessage Type = "engine.message"
	// TypePermissionRequest signals a tool use suspended on authorization.
	TypePermissionRequest Type = "permission.request"
	// TypeSessionStatus signals a session status/title/cwd change.
	TypeSessionStatus Type = "session.status"
	// TypeSessionDeleted signals that a session was removed.
	TypeSessionDeleted Type = "session.deleted"
	// TypeRunError surfaces a coordinator-level failure to observers.
	TypeRunError Type = "run.error"
)

// Event is the transport envelope. Every event carries the session
// identifier; payload shape depends on Type.
type Event struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// EngineMessagePayload wraps a verbatim engine message.
type EngineMessagePayload struct {
	Message json.RawMessage `json:"message"`
}

// PermissionRequestPayload announces a suspended tool-use authorization.
type PermissionRequestPayload struct {
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// SessionStatusPayload carries a status transition. Title and Cwd are
// optional refinements; Error is set only for status "error".
type SessionStatusPayload struct {
	Status session.Status `json:"status"`
	Title  string         `json:"title,omitempty"`
	Cwd    string         `json:"cwd,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// RunErrorPayload carries a transient, dismissible error message.
type RunErrorPayload struct {
	Message string `json:"message"`
}

// New builds an event with a marshalled payload. A payload that fails to
// marshal is a programming error; it is reported so callers can log it.
func New(t Type, sessionID string, payload any) (Event, error) {
	ev := Event{Type: t, SessionID: sessionID, EmittedAt: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// EngineMessage wraps one engine message for session sessionID.
func EngineMessage(sessionID string, raw json.RawMessage) (Event, error) {
	return New(TypeEngineMessage, sessionID, EngineMessagePayload{Message: raw})
}

// PermissionRequest announces the suspended tool use toolUseID.
func PermissionRequest(sessionID, toolUseID, toolName string, input json.RawMessage) (Event, error) {
	return New(TypePermissionRequest, sessionID, PermissionRequestPayload{
		ToolUseID: toolUseID,
		ToolName:  toolName,
		Input:     input,
	})
}

// SessionStatus reports a status transition for sessionID.
func SessionStatus(sessionID string, p SessionStatusPayload) (Event, error) {
	return New(TypeSessionStatus, sessionID, p)
}

// SessionDeleted reports removal of sessionID.
func SessionDeleted(sessionID string) (Event, error) {
	return New(TypeSessionDeleted, sessionID, nil)
}

// RunError surfaces a coordinator failure for sessionID.
func RunError(sessionID, message string) (Event, error) {
	return New(TypeRunError, sessionID, RunErrorPayload{Message: message})
}

// DecodePayload unmarshals the event payload into dst.
func (e Event) DecodePayload(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
