package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentdeck/agentdeck/internal/domain/session"
)

// SessionAPI is the slice of the session service the handlers need.
type SessionAPI interface {
	StartRun(ctx context.Context, req *session.StartRequest) (*session.Session, error)
	ContinueRun(ctx context.Context, id, prompt string) (*session.Session, error)
	CancelRun(ctx context.Context, id string) error
	SubmitDecision(ctx context.Context, sessionID, toolUseID string, d session.Decision) error
	PendingRequests(sessionID string) []session.PermissionRequest
	GetSession(ctx context.Context, id string) (session.Summary, error)
	ListSessions(ctx context.Context) ([]session.Summary, error)
	FetchHistory(ctx context.Context, id string) ([]json.RawMessage, error)
	DeleteSession(ctx context.Context, id string) error
	RecentCwds(ctx context.Context, limit int) ([]string, error)
}

// Handlers bundles the dependencies of the HTTP surface.
type Handlers struct {
	Sessions SessionAPI
}

// StartRun handles POST /api/v1/sessions/start.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[session.StartRequest](w, r)
	if !ok {
		return
	}

	sess, err := h.Sessions.StartRun(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, sess.Summarize())
}

type continueRequest struct {
	Prompt string `json:"prompt"`
}

// ContinueRun handles POST /api/v1/sessions/{id}/continue.
func (h *Handlers) ContinueRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[continueRequest](w, r)
	if !ok {
		return
	}

	sess, err := h.Sessions.ContinueRun(r.Context(), id, req.Prompt)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Summarize())
}

// CancelRun handles POST /api/v1/sessions/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Sessions.CancelRun(r.Context(), id); err != nil {
		writeDomainError(w, err, "no active run for session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type decisionRequest struct {
	ToolUseID string `json:"tool_use_id"`
	session.Decision
}

// SubmitDecision handles POST /api/v1/sessions/{id}/decision.
func (h *Handlers) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[decisionRequest](w, r)
	if !ok {
		return
	}
	if req.ToolUseID == "" {
		writeError(w, http.StatusBadRequest, "tool_use_id is required")
		return
	}

	if err := h.Sessions.SubmitDecision(r.Context(), id, req.ToolUseID, req.Decision); err != nil {
		writeDomainError(w, err, "permission request not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// PendingRequests handles GET /api/v1/sessions/{id}/pending.
func (h *Handlers) PendingRequests(w http.ResponseWriter, r *http.Request) {
	pending := h.Sessions.PendingRequests(urlParam(r, "id"))
	if pending == nil {
		pending = []session.PermissionRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sums, err := h.Sessions.ListSessions(r.Context())
	if err != nil {
		writeDomainError(w, err, "sessions unavailable")
		return
	}
	if sums == nil {
		sums = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, sums)
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Sessions.GetSession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// History handles GET /api/v1/sessions/{id}/history.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Sessions.FetchHistory(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if msgs == nil {
		msgs = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// DeleteSession handles DELETE /api/v1/sessions/{id}.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.DeleteSession(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// RecentCwds handles GET /api/v1/sessions/recent-cwds.
func (h *Handlers) RecentCwds(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	cwds, err := h.Sessions.RecentCwds(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err, "sessions unavailable")
		return
	}
	if cwds == nil {
		cwds = []string{}
	}
	writeJSON(w, http.StatusOK, cwds)
}
