// Package reducer rebuilds per-session view state from the normalized event
// stream. State is a deterministic fold: applying the same ordered event
// sequence from the empty state always yields the same result. The fold
// trusts the transport for exactly-once, per-session-ordered delivery and
// performs no deduplication.
package reducer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain/event"
	"github.com/agentdeck/agentdeck/internal/domain/session"
)

// PartialBuffer accumulates in-flight streamed text for display. It is not
// part of the persisted timeline; a new content block discards it.
type PartialBuffer struct {
	Active bool
	Text   string
}

// SessionView is the reconstructed state of one session.
type SessionView struct {
	ID             string
	Title          string
	Status         session.Status
	Cwd            string
	UpdatedAt      time.Time
	Messages       []json.RawMessage
	Pending        []session.PermissionRequest
	WorkspaceFiles map[string]struct{}
	Partial        PartialBuffer
	Hydrated       bool
}

// State is the full reducer projection: all known sessions plus the active
// selection and a transient global error.
type State struct {
	Sessions    map[string]*SessionView
	ActiveID    string
	GlobalError string

	// pendingStart marks that a new session was requested and the next
	// status event for an unknown session should become the active one.
	pendingStart bool
}

// NewState returns the empty projection.
func NewState() *State {
	return &State{Sessions: make(map[string]*SessionView)}
}

// ExpectSession arms the placeholder for a session being started: the first
// status event for a session this state has not seen binds the selection.
func (s *State) ExpectSession() {
	s.pendingStart = true
}

// SetActive selects a session.
func (s *State) SetActive(id string) {
	s.ActiveID = id
}

// DismissError clears the transient global error.
func (s *State) DismissError() {
	s.GlobalError = ""
}

// ResolvePermission removes a suspended permission request from the session's
// pending list once a decision for it has been submitted. Unknown sessions
// and tool-use IDs are no-ops.
func (s *State) ResolvePermission(sessionID, toolUseID string) {
	v, ok := s.Sessions[sessionID]
	if !ok {
		return
	}
	kept := v.Pending[:0]
	for _, req := range v.Pending {
		if req.ToolUseID != toolUseID {
			kept = append(kept, req)
		}
	}
	v.Pending = kept
}

// Apply folds one event into the state.
func (s *State) Apply(ev event.Event) {
	switch ev.Type {
	case event.TypeEngineMessage:
		var p event.EngineMessagePayload
		if err := ev.DecodePayload(&p); err != nil {
			return
		}
		v := s.ensure(ev.SessionID)
		v.Messages = append(v.Messages, p.Message)
		v.scanMessage(p.Message)

	case event.TypePermissionRequest:
		var p event.PermissionRequestPayload
		if err := ev.DecodePayload(&p); err != nil {
			return
		}
		v := s.ensure(ev.SessionID)
		v.Pending = append(v.Pending, session.PermissionRequest{
			ToolUseID: p.ToolUseID,
			ToolName:  p.ToolName,
			Input:     p.Input,
		})

	case event.TypeSessionStatus:
		var p event.SessionStatusPayload
		if err := ev.DecodePayload(&p); err != nil {
			return
		}
		_, known := s.Sessions[ev.SessionID]
		v := s.ensure(ev.SessionID)
		v.Status = p.Status
		if p.Title != "" {
			v.Title = p.Title
		}
		if p.Cwd != "" {
			v.Cwd = p.Cwd
		}
		v.UpdatedAt = ev.EmittedAt
		if !known && s.pendingStart {
			s.ActiveID = ev.SessionID
			s.pendingStart = false
		}

	case event.TypeSessionDeleted:
		delete(s.Sessions, ev.SessionID)
		if s.ActiveID == ev.SessionID {
			s.ActiveID = s.mostRecentlyUpdated()
		}

	case event.TypeRunError:
		var p event.RunErrorPayload
		if err := ev.DecodePayload(&p); err != nil {
			return
		}
		s.GlobalError = p.Message
	}
}

// ApplyList merges a session-list snapshot. Locally reconstructed fields
// (messages, pending, hydration) survive for sessions already known; entries
// absent from the snapshot are dropped. A selection pointing at a dropped
// entry is cleared, and when no selection remains the most recently updated
// session from the snapshot is selected.
func (s *State) ApplyList(sums []session.Summary) {
	next := make(map[string]*SessionView, len(sums))
	for _, sum := range sums {
		if v, ok := s.Sessions[sum.ID]; ok {
			v.Title = sum.Title
			v.Status = sum.Status
			v.Cwd = sum.Cwd
			v.UpdatedAt = sum.UpdatedAt
			next[sum.ID] = v
			continue
		}
		next[sum.ID] = &SessionView{
			ID:             sum.ID,
			Title:          sum.Title,
			Status:         sum.Status,
			Cwd:            sum.Cwd,
			UpdatedAt:      sum.UpdatedAt,
			WorkspaceFiles: make(map[string]struct{}),
		}
	}
	s.Sessions = next
	if s.ActiveID != "" {
		if _, ok := next[s.ActiveID]; !ok {
			s.ActiveID = ""
		}
	}
	if s.ActiveID == "" {
		s.ActiveID = s.mostRecentlyUpdated()
	}
}

// ApplyHistory replaces a session's message list wholesale from a history
// fetch and marks it hydrated. The workspace-file set is rebuilt from the
// replaced messages.
func (s *State) ApplyHistory(sessionID string, msgs []json.RawMessage) {
	v := s.ensure(sessionID)
	v.Messages = append([]json.RawMessage(nil), msgs...)
	v.Hydrated = true
	v.WorkspaceFiles = make(map[string]struct{})
	v.Partial = PartialBuffer{}
	for _, m := range msgs {
		v.scanMessage(m)
	}
}

func (s *State) ensure(id string) *SessionView {
	if v, ok := s.Sessions[id]; ok {
		return v
	}
	v := &SessionView{ID: id, Status: session.StatusIdle, WorkspaceFiles: make(map[string]struct{})}
	s.Sessions[id] = v
	return v
}

// mostRecentlyUpdated picks the remaining session with the newest update
// timestamp. Ties break on identifier so replays stay deterministic.
func (s *State) mostRecentlyUpdated() string {
	var best *SessionView
	for _, v := range s.Sessions {
		if best == nil || v.UpdatedAt.After(best.UpdatedAt) ||
			(v.UpdatedAt.Equal(best.UpdatedAt) && v.ID < best.ID) {
			best = v
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

// scanMessage pulls presentation-relevant detail out of one engine message:
// written/edited file paths and streamed partial content.
func (v *SessionView) scanMessage(raw json.RawMessage) {
	var env struct {
		Type    string `json:"type"`
		Message struct {
			Content []struct {
				Type  string `json:"type"`
				Name  string `json:"name"`
				Input struct {
					FilePath string `json:"file_path"`
				} `json:"input"`
			} `json:"content"`
		} `json:"message"`
		Event struct {
			Type  string                     `json:"type"`
			Delta map[string]json.RawMessage `json:"delta"`
		} `json:"event"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Type {
	case "assistant":
		for _, block := range env.Message.Content {
			if block.Type != "tool_use" {
				continue
			}
			if block.Name != "Write" && block.Name != "Edit" {
				continue
			}
			if block.Input.FilePath != "" {
				v.WorkspaceFiles[block.Input.FilePath] = struct{}{}
			}
		}
	case "stream_event":
		v.applyStreamEvent(env.Event.Type, env.Event.Delta)
	}
}

// applyStreamEvent updates the partial buffer. The delta's payload field is
// named after the first segment of its type tag: text_delta carries "text",
// thinking_delta carries "thinking".
func (v *SessionView) applyStreamEvent(typ string, delta map[string]json.RawMessage) {
	switch typ {
	case "content_block_start":
		v.Partial = PartialBuffer{Active: true}
	case "content_block_delta":
		if !v.Partial.Active {
			return
		}
		var deltaType string
		if raw, ok := delta["type"]; ok {
			if err := json.Unmarshal(raw, &deltaType); err != nil {
				return
			}
		}
		field := deltaType
		if i := strings.IndexByte(field, '_'); i >= 0 {
			field = field[:i]
		}
		raw, ok := delta[field]
		if !ok {
			return
		}
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return
		}
		v.Partial.Text += text
	case "content_block_stop":
		v.Partial.Active = false
	}
}
