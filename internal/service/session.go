// Package service wires the domain together: the session registry, the run
// coordinator, the permission broker and the fan-out of normalized events to
// the store, the message bus and connected clients.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/adapter/otel"
	"github.com/agentdeck/agentdeck/internal/adapter/ristretto"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/domain/event"
	"github.com/agentdeck/agentdeck/internal/domain/session"
	"github.com/agentdeck/agentdeck/internal/gate"
	"github.com/agentdeck/agentdeck/internal/port/broadcast"
	"github.com/agentdeck/agentdeck/internal/port/engine"
	"github.com/agentdeck/agentdeck/internal/port/eventbus"
	"github.com/agentdeck/agentdeck/internal/port/sessionstore"
	"github.com/agentdeck/agentdeck/internal/runner"
)

// SessionService owns the live session registry and drives runs. It is the
// single emitter of normalized events: every event flows through emit, which
// persists side effects before publishing to the bus and broadcasting.
type SessionService struct {
	store     sessionstore.Store
	bus       eventbus.Bus
	hub       broadcast.Broadcaster
	history   *ristretto.HistoryCache
	metrics   *otel.Metrics
	engineCfg *config.Engine

	broker *gate.Broker
	runner *runner.Runner

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session.Session
	active   map[string]*runner.Handle
}

// NewSessionService creates the service and its internal broker and run
// coordinator. history and metrics may be nil.
func NewSessionService(
	eng engine.Engine,
	store sessionstore.Store,
	bus eventbus.Bus,
	hub broadcast.Broadcaster,
	history *ristretto.HistoryCache,
	metrics *otel.Metrics,
	engineCfg *config.Engine,
) *SessionService {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	s := &SessionService{
		store:      store,
		bus:        bus,
		hub:        hub,
		history:    history,
		metrics:    metrics,
		engineCfg:  engineCfg,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sessions:   make(map[string]*session.Session),
		active:     make(map[string]*runner.Handle),
	}
	s.broker = gate.NewBroker(s.emit)
	s.runner = runner.New(eng, s.broker, s.emit, s.persistSession, metrics)
	return s
}

// StartRun creates a new session and launches its first run.
func (s *SessionService) StartRun(ctx context.Context, req *session.StartRequest) (*session.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate start request: %w", err)
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = s.engineCfg.DefaultCwd
	}
	model := s.engineCfg.ResolveModel(req.Model)

	sess := session.New(uuid.NewString(), session.TitleFromPrompt(req.Prompt), cwd)
	sess.AdditionalDirs = req.AdditionalDirs
	sess.Model = model
	sess.SetStatus(session.StatusRunning)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	if err := s.store.CreateSession(ctx, recordOf(sess)); err != nil {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.emitStatus(ctx, sess, "")
	s.echoPrompt(ctx, sess.ID, req.Prompt)

	s.track(sess.ID, s.runner.Start(s.rootCtx, req.Prompt, sess, "", model))

	slog.Info("run started", "session_id", sess.ID, "cwd", cwd, "model", model)
	return sess, nil
}

// ContinueRun launches a follow-up run on an existing session, resuming the
// engine conversation when a resume token was captured.
func (s *SessionService) ContinueRun(ctx context.Context, id, prompt string) (*session.Session, error) {
	req := session.StartRequest{Prompt: prompt}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate continue request: %w", err)
	}

	sess, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.BeginRun() {
		return nil, fmt.Errorf("session %s already has an active run: %w", id, domain.ErrConflict)
	}
	s.persistSession(ctx, sess)
	s.emitStatus(ctx, sess, "")
	s.echoPrompt(ctx, sess.ID, prompt)

	s.track(sess.ID, s.runner.Start(s.rootCtx, prompt, sess, sess.EngineSessionID(), sess.Model))

	slog.Info("run continued", "session_id", sess.ID, "resume", sess.EngineSessionID() != "")
	return sess, nil
}

// CancelRun aborts the session's active run. Pending permission requests are
// denied and the run ends without an error status.
func (s *SessionService) CancelRun(_ context.Context, id string) error {
	s.mu.Lock()
	h, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s has no active run: %w", id, domain.ErrConflict)
	}
	h.Cancel()
	slog.Info("run cancelled", "session_id", id)
	return nil
}

// SubmitDecision resolves one suspended permission request.
func (s *SessionService) SubmitDecision(ctx context.Context, sessionID, toolUseID string, d session.Decision) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("validate decision: %w", err)
	}
	if !s.broker.Resolve(sessionID, toolUseID, d) {
		return fmt.Errorf("no pending request %s/%s: %w", sessionID, toolUseID, domain.ErrNotFound)
	}
	if s.metrics != nil {
		s.metrics.PermissionDecisions.Add(ctx, 1)
	}
	return nil
}

// PendingRequests returns the session's outstanding permission requests.
func (s *SessionService) PendingRequests(sessionID string) []session.PermissionRequest {
	return s.broker.Pending(sessionID)
}

// GetSession returns one session summary.
func (s *SessionService) GetSession(ctx context.Context, id string) (session.Summary, error) {
	sess, err := s.lookup(ctx, id)
	if err != nil {
		return session.Summary{}, err
	}
	return sess.Summarize(), nil
}

// ListSessions returns all sessions, most recently updated first. Live
// registry state overrides the persisted snapshot.
func (s *SessionService) ListSessions(ctx context.Context) ([]session.Summary, error) {
	sums, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range sums {
		if live, ok := s.sessions[sums[i].ID]; ok {
			sums[i] = live.Summarize()
		}
	}
	return sums, nil
}

// FetchHistory returns the session's ordered message history, serving from
// the in-process cache when possible.
func (s *SessionService) FetchHistory(ctx context.Context, id string) ([]json.RawMessage, error) {
	if s.history != nil {
		if msgs, ok := s.history.Get(id); ok {
			return msgs, nil
		}
	}
	msgs, err := s.store.LoadHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if s.history != nil {
		s.history.Set(id, msgs)
	}
	return msgs, nil
}

// DeleteSession removes a session, aborting its active run first.
func (s *SessionService) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	if h, ok := s.active[id]; ok {
		h.Cancel()
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	if err := s.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if s.history != nil {
		s.history.Invalidate(id)
	}

	ev, err := event.SessionDeleted(id)
	if err != nil {
		slog.Error("build session.deleted event", "session_id", id, "error", err)
		return nil
	}
	s.emit(ctx, ev)
	slog.Info("session deleted", "session_id", id)
	return nil
}

// RecentCwds returns distinct working directories by most recent use.
// limit is clamped to [1, 20]; zero selects the default of 8.
func (s *SessionService) RecentCwds(ctx context.Context, limit int) ([]string, error) {
	switch {
	case limit <= 0:
		limit = 8
	case limit > 20:
		limit = 20
	}
	cwds, err := s.store.ListRecentCwds(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent cwds: %w", err)
	}
	return cwds, nil
}

// Shutdown cancels all active runs and waits for them to finish or for ctx
// to expire.
func (s *SessionService) Shutdown(ctx context.Context) {
	s.rootCancel()
	s.mu.Lock()
	handles := make([]*runner.Handle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return
		}
	}
}

// --- Internal helpers ---

// emit is the single event sink. Side effects (history append, session
// persistence, metrics) happen before the event reaches the bus and the
// connected clients, so consumers observe state the store already has.
func (s *SessionService) emit(ctx context.Context, ev event.Event) {
	// Runs emit from a context that may already be cancelled; persistence
	// and publishing must still happen.
	ctx = context.WithoutCancel(ctx)

	switch ev.Type {
	case event.TypeEngineMessage:
		var p event.EngineMessagePayload
		if err := ev.DecodePayload(&p); err != nil {
			slog.Error("decode engine message payload", "session_id", ev.SessionID, "error", err)
		} else if err := s.store.AppendMessage(ctx, ev.SessionID, p.Message); err != nil {
			slog.Error("append message", "session_id", ev.SessionID, "error", err)
		}
		if s.history != nil {
			s.history.Invalidate(ev.SessionID)
		}
	case event.TypePermissionRequest:
		if s.metrics != nil {
			s.metrics.PermissionPrompts.Add(ctx, 1)
		}
	case event.TypeSessionStatus:
		if sess := s.find(ev.SessionID); sess != nil {
			s.persistSession(ctx, sess)
		}
	}

	if err := s.bus.Publish(ctx, ev); err != nil {
		slog.Error("publish event", "type", ev.Type, "session_id", ev.SessionID, "error", err)
	}
	s.hub.BroadcastEvent(ctx, ev)
}

func (s *SessionService) emitStatus(ctx context.Context, sess *session.Session, errMsg string) {
	ev, err := event.SessionStatus(sess.ID, event.SessionStatusPayload{
		Status: sess.Status(),
		Title:  sess.Title,
		Cwd:    sess.Cwd,
		Error:  errMsg,
	})
	if err != nil {
		slog.Error("build session.status event", "session_id", sess.ID, "error", err)
		return
	}
	s.emit(ctx, ev)
}

// echoPrompt mirrors the submitted prompt into the session timeline as a
// user message, so reconnecting clients see their own input.
func (s *SessionService) echoPrompt(ctx context.Context, sessionID, prompt string) {
	raw, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	})
	if err != nil {
		slog.Error("marshal prompt echo", "session_id", sessionID, "error", err)
		return
	}
	ev, err := event.EngineMessage(sessionID, raw)
	if err != nil {
		slog.Error("build prompt echo event", "session_id", sessionID, "error", err)
		return
	}
	s.emit(ctx, ev)
}

// track registers an active run handle and removes it when the run finishes.
func (s *SessionService) track(id string, h *runner.Handle) {
	s.mu.Lock()
	s.active[id] = h
	s.mu.Unlock()
	go func() {
		<-h.Done()
		s.mu.Lock()
		if s.active[id] == h {
			delete(s.active, id)
		}
		s.mu.Unlock()
	}()
}

func (s *SessionService) find(id string) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// lookup returns the live session, materializing it from the store if this
// process has not touched it yet. A persisted status of running is stale
// after a restart and is normalized to error.
func (s *SessionService) lookup(ctx context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	rec, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess := session.New(rec.Summary.ID, rec.Summary.Title, rec.Summary.Cwd)
	sess.AdditionalDirs = rec.Summary.AdditionalDirs
	sess.Model = rec.Model
	sess.SetEngineSessionID(rec.EngineSessionID)
	status := rec.Summary.Status
	if status == session.StatusRunning {
		status = session.StatusError
	}
	sess.SetStatus(status)
	sess.CreatedAt = rec.Summary.CreatedAt
	sess.UpdatedAt = rec.Summary.UpdatedAt

	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess, nil
}

// persistSession writes the session's current snapshot to the store. Used as
// the run coordinator's update callback and on status transitions.
func (s *SessionService) persistSession(ctx context.Context, sess *session.Session) {
	rec := recordOf(sess)
	if err := s.store.UpdateSession(context.WithoutCancel(ctx), rec); err != nil {
		slog.Error("persist session", "session_id", sess.ID, "error", err)
	}
}

func recordOf(sess *session.Session) *sessionstore.Record {
	return &sessionstore.Record{
		Summary:         sess.Summarize(),
		Model:           sess.Model,
		EngineSessionID: sess.EngineSessionID(),
	}
}
