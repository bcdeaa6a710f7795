package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/domain/event"
	"github.com/agentdeck/agentdeck/internal/domain/session"
	"github.com/agentdeck/agentdeck/internal/port/engine/enginetest"
	"github.com/agentdeck/agentdeck/internal/port/eventbus"
	"github.com/agentdeck/agentdeck/internal/port/sessionstore"
)

// memStore is an in-memory sessionstore.Store for tests.
type memStore struct {
	mu           sync.Mutex
	recs         map[string]*sessionstore.Record
	msgs         map[string][]json.RawMessage
	lastCwdLimit int
}

func newMemStore() *memStore {
	return &memStore{
		recs: make(map[string]*sessionstore.Record),
		msgs: make(map[string][]json.RawMessage),
	}
}

func (m *memStore) CreateSession(_ context.Context, rec *sessionstore.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.Summary.ID] = &cp
	return nil
}

func (m *memStore) UpdateSession(_ context.Context, rec *sessionstore.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.Summary.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *rec
	m.recs[rec.Summary.ID] = &cp
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*sessionstore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) ListSessions(_ context.Context) ([]session.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sums []session.Summary
	for _, rec := range m.recs {
		sums = append(sums, rec.Summary)
	}
	sort.Slice(sums, func(i, j int) bool {
		return sums[i].UpdatedAt.After(sums[j].UpdatedAt)
	})
	return sums, nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.recs, id)
	delete(m.msgs, id)
	return nil
}

func (m *memStore) AppendMessage(_ context.Context, sessionID string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[sessionID] = append(m.msgs[sessionID], payload)
	return nil
}

func (m *memStore) LoadHistory(_ context.Context, sessionID string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[sessionID]; !ok {
		return nil, domain.ErrNotFound
	}
	return append([]json.RawMessage(nil), m.msgs[sessionID]...), nil
}

func (m *memStore) ListRecentCwds(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCwdLimit = limit
	return []string{"/work/a", "/work/b"}, nil
}

func (m *memStore) record(id string) *sessionstore.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (m *memStore) messages(id string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.msgs[id]...)
}

// memBus records published events and satisfies eventbus.Bus.
type memBus struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *memBus) Publish(_ context.Context, ev event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *memBus) Subscribe(context.Context, string, eventbus.Handler) (func(), error) {
	return func() {}, nil
}

func (b *memBus) Drain() error { return nil }
func (b *memBus) Close() error { return nil }

func (b *memBus) byType(t event.Type) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// memHub counts broadcasts.
type memHub struct {
	mu    sync.Mutex
	count int
}

func (h *memHub) BroadcastEvent(context.Context, event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
}

func (h *memHub) broadcasts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func testEngineCfg() *config.Engine {
	return &config.Engine{
		DefaultCwd: "/work/default",
		ModelAlias: map[string]string{"sonnet": "claude-sonnet-4-20250514"},
	}
}

func newTestService(fake *enginetest.Fake) (*SessionService, *memStore, *memBus, *memHub) {
	store := newMemStore()
	bus := &memBus{}
	hub := &memHub{}
	svc := NewSessionService(fake, store, bus, hub, nil, nil, testEngineCfg())
	return svc, store, bus, hub
}

func waitTerminal(t *testing.T, svc *SessionService, id string) session.Summary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		sum, err := svc.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sum.Status.Terminal() {
			return sum
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never reached a terminal status (last %q)", id, sum.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitPending(t *testing.T, svc *SessionService, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(svc.PendingRequests(id)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("permission request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRun_FullLifecycle(t *testing.T) {
	t.Parallel()

	fake := &enginetest.Fake{Steps: []enginetest.Step{
		{Message: json.RawMessage(`{"type":"system","subtype":"init","session_id":"eng-42"}`)},
		{Message: json.RawMessage(`{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}`)},
		{Message: json.RawMessage(`{"type":"result","subtype":"success"}`)},
	}}
	svc, store, bus, hub := newTestService(fake)

	sess, err := svc.StartRun(context.Background(), &session.StartRequest{
		Prompt: "add a login page\nwith oauth",
		Model:  "sonnet",
	})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Title != "add a login page" {
		t.Errorf("title not derived from first prompt line: %q", sess.Title)
	}
	if sess.Cwd != "/work/default" {
		t.Errorf("default cwd not applied: %q", sess.Cwd)
	}

	sum := waitTerminal(t, svc, sess.ID)
	if sum.Status != session.StatusCompleted {
		t.Fatalf("expected completed, got %q", sum.Status)
	}

	if got := fake.Options().Model; got != "claude-sonnet-4-20250514" {
		t.Errorf("model alias not resolved: %q", got)
	}

	// Persisted record carries the resume token and terminal status.
	rec := store.record(sess.ID)
	if rec == nil {
		t.Fatal("session not persisted")
	}
	if rec.EngineSessionID != "eng-42" {
		t.Errorf("resume token not persisted: %q", rec.EngineSessionID)
	}
	if rec.Summary.Status != session.StatusCompleted {
		t.Errorf("persisted status %q", rec.Summary.Status)
	}

	// History holds the prompt echo plus the engine messages.
	msgs := store.messages(sess.ID)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(msgs))
	}
	var first struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msgs[0], &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "user" {
		t.Errorf("first message should be the prompt echo, got type %q", first.Type)
	}

	// Every event reached both the bus and the hub.
	if statuses := bus.byType(event.TypeSessionStatus); len(statuses) != 2 {
		t.Errorf("expected running+completed status events, got %d", len(statuses))
	}
	if hub.broadcasts() == 0 {
		t.Error("no events broadcast to clients")
	}
}

func TestStartRun_RejectsEmptyPrompt(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newTestService(&enginetest.Fake{})
	_, err := svc.StartRun(context.Background(), &session.StartRequest{Prompt: "   "})
	if !errors.Is(err, session.ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestContinueRun_ConflictWhileRunning(t *testing.T) {
	t.Parallel()

	fake := &enginetest.Fake{Steps: []enginetest.Step{
		{ToolUse: &enginetest.ToolUse{ID: "tu-1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)}},
		{Message: json.RawMessage(`{"type":"result","subtype":"success"}`)},
	}}
	svc, _, _, _ := newTestService(fake)

	sess, err := svc.StartRun(context.Background(), &session.StartRequest{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	// Run is suspended on the Bash permission request.
	waitPending(t, svc, sess.ID)

	if _, err := svc.ContinueRun(context.Background(), sess.ID, "again"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := svc.SubmitDecision(context.Background(), sess.ID, "tu-1", session.Decision{Behavior: session.BehaviorAllow}); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, svc, sess.ID)
}

func TestContinueRun_ConcurrentCallsStartOneRun(t *testing.T) {
	t.Parallel()

	fake := &enginetest.Fake{Steps: []enginetest.Step{
		{ToolUse: &enginetest.ToolUse{ID: "tu-1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)}},
		{Message: json.RawMessage(`{"type":"result","subtype":"success"}`)},
	}}
	svc, _, _, _ := newTestService(fake)

	sess, err := svc.StartRun(context.Background(), &session.StartRequest{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	waitPending(t, svc, sess.ID)
	if err := svc.SubmitDecision(context.Background(), sess.ID, "tu-1", session.Decision{Behavior: session.BehaviorAllow}); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, svc, sess.ID)

	// Both callers race the idle->running transition; the session must admit
	// exactly one of them.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ContinueRun(context.Background(), sess.ID, "again")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var started, rejected int
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, domain.ErrConflict):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if started != 1 || rejected != 1 {
		t.Fatalf("expected exactly one run to start, got %d started / %d rejected", started, rejected)
	}

	waitPending(t, svc, sess.ID)
	if err := svc.SubmitDecision(context.Background(), sess.ID, "tu-1", session.Decision{Behavior: session.BehaviorDeny}); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, svc, sess.ID)
}

func TestContinueRun_ResumesWithEngineToken(t *testing.T) {
	t.Parallel()

	fake := &enginetest.Fake{Steps: []enginetest.Step{
		{Message: json.RawMessage(`{"type":"system","subtype":"init","session_id":"eng-resume"}`)},
		{Message: json.RawMessage(`{"type":"result","subtype":"success"}`)},
	}}
	svc, _, _, _ := newTestService(fake)

	sess, err := svc.StartRun(context.Background(), &session.StartRequest{Prompt: "first"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, svc, sess.ID)

	if _, err := svc.ContinueRun(context.Background(), sess.ID, "second"); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, svc, sess.ID)

	if got := fake.Options().Resume; got != "eng-resume" {
		t.Errorf("continue did not resume engine conversation: %q", got)
	}
}

func TestCancelRun_NoActiveRun(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newTestService(&enginetest.Fake{})
	if err := svc.CancelRun(context.Background(), "missing"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSubmitDecision_UnknownRequest(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newTestService(&enginetest.Fake{})
	err := svc.SubmitDecision(context.Background(), "s1", "tu-x", session.Decision{Behavior: session.BehaviorAllow})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitDecision_RejectsUnknownBehavior(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newTestService(&enginetest.Fake{})
	err := svc.SubmitDecision(context.Background(), "s1", "tu-x", session.Decision{Behavior: "maybe"})
	if !errors.Is(err, session.ErrUnknownBehavior) {
		t.Fatalf("expected ErrUnknownBehavior, got %v", err)
	}
}

func TestDeleteSession_EmitsEventAndRemoves(t *testing.T) {
	t.Parallel()

	fake := &enginetest.Fake{Steps: []enginetest.Step{
		{Message: json.RawMessage(`{"type":"result","subtype":"success"}`)},
	}}
	svc, store, bus, _ := newTestService(fake)

	sess, err := svc.StartRun(context.Background(), &session.StartRequest{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, svc, sess.ID)

	if err := svc.DeleteSession(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	if store.record(sess.ID) != nil {
		t.Error("session still in store after delete")
	}
	if got := bus.byType(event.TypeSessionDeleted); len(got) != 1 {
		t.Errorf("expected one session.deleted event, got %d", len(got))
	}

	if _, err := svc.GetSession(context.Background(), sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRecentCwds_ClampsLimit(t *testing.T) {
	t.Parallel()

	svc, store, _, _ := newTestService(&enginetest.Fake{})

	if _, err := svc.RecentCwds(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if store.lastCwdLimit != 8 {
		t.Errorf("zero limit should default to 8, got %d", store.lastCwdLimit)
	}

	if _, err := svc.RecentCwds(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	if store.lastCwdLimit != 20 {
		t.Errorf("limit should clamp to 20, got %d", store.lastCwdLimit)
	}
}

func TestLookup_NormalizesStaleRunningStatus(t *testing.T) {
	t.Parallel()

	svc, store, _, _ := newTestService(&enginetest.Fake{})

	rec := &sessionstore.Record{
		Summary: session.Summary{
			ID:        "stale-1",
			Title:     "left running",
			Status:    session.StatusRunning,
			UpdatedAt: time.Now().UTC(),
		},
	}
	if err := store.CreateSession(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	sum, err := svc.GetSession(context.Background(), "stale-1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != session.StatusError {
		t.Errorf("stale running status not normalized, got %q", sum.Status)
	}
}
