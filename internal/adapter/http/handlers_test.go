package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	adhttp "github.com/agentdeck/agentdeck/internal/adapter/http"
	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/domain/session"
)

// fakeSessions implements adhttp.SessionAPI with canned state.
type fakeSessions struct {
	sessions  map[string]*session.Session
	pending   map[string][]session.PermissionRequest
	history   map[string][]json.RawMessage
	cwds      []string
	lastLimit int

	decisions []session.Decision
	cancelled []string
	deleted   []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[string]*session.Session),
		pending:  make(map[string][]session.PermissionRequest),
		history:  make(map[string][]json.RawMessage),
	}
}

func (f *fakeSessions) StartRun(_ context.Context, req *session.StartRequest) (*session.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess := session.New("sess-1", session.TitleFromPrompt(req.Prompt), req.Cwd)
	sess.SetStatus(session.StatusRunning)
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessions) ContinueRun(_ context.Context, id, prompt string) (*session.Session, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, session.ErrEmptyPrompt
	}
	sess, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if sess.Status() == session.StatusRunning {
		return nil, domain.ErrConflict
	}
	sess.SetStatus(session.StatusRunning)
	return sess, nil
}

func (f *fakeSessions) CancelRun(_ context.Context, id string) error {
	if _, ok := f.sessions[id]; !ok {
		return domain.ErrConflict
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSessions) SubmitDecision(_ context.Context, sessionID, toolUseID string, d session.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	for _, p := range f.pending[sessionID] {
		if p.ToolUseID == toolUseID {
			f.decisions = append(f.decisions, d)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeSessions) PendingRequests(sessionID string) []session.PermissionRequest {
	return f.pending[sessionID]
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (session.Summary, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return session.Summary{}, domain.ErrNotFound
	}
	return sess.Summarize(), nil
}

func (f *fakeSessions) ListSessions(_ context.Context) ([]session.Summary, error) {
	var out []session.Summary
	for _, sess := range f.sessions {
		out = append(out, sess.Summarize())
	}
	return out, nil
}

func (f *fakeSessions) FetchHistory(_ context.Context, id string) ([]json.RawMessage, error) {
	if _, ok := f.sessions[id]; !ok {
		return nil, domain.ErrNotFound
	}
	return f.history[id], nil
}

func (f *fakeSessions) DeleteSession(_ context.Context, id string) error {
	if _, ok := f.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.sessions, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSessions) RecentCwds(_ context.Context, limit int) ([]string, error) {
	f.lastLimit = limit
	return f.cwds, nil
}

func newTestServer(f *fakeSessions) *httptest.Server {
	r := chi.NewRouter()
	adhttp.MountRoutes(r, &adhttp.Handlers{Sessions: f})
	return httptest.NewServer(r)
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestStartRun_CreatesSession(t *testing.T) {
	t.Parallel()

	f := newFakeSessions()
	srv := newTestServer(f)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/start", session.StartRequest{
		Prompt: "refactor the parser",
		Cwd:    "/work/proj",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	sum := decodeBody[session.Summary](t, resp)
	if sum.ID != "sess-1" {
		t.Errorf("id = %q, want sess-1", sum.ID)
	}
	if sum.Status != session.StatusRunning {
		t.Errorf("status = %q, want running", sum.Status)
	}
	if sum.Title != "refactor the parser" {
		t.Errorf("title = %q", sum.Title)
	}
}

func TestStartRun_EmptyPromptIs400(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeSessions())
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/start", session.StartRequest{Prompt: "   "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStartRun_MalformedBodyIs400(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeSessions())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/sessions/start", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestContinueRun_ConflictIs409(t *testing.T) {
	t.Parallel()

	f := newFakeSessions()
	sess := session.New("sess-1", "t", "/work")
	sess.SetStatus(session.StatusRunning)
	f.sessions["sess-1"] = sess
	srv := newTestServer(f)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/sess-1/continue", map[string]string{"prompt": "more"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestContinueRun_UnknownSessionIs404(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeSessions())
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/nope/continue", map[string]string{"prompt": "more"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelRun_NoActiveRunIs409(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeSessions())
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/sess-1/cancel", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSubmitDecision_ResolvesPending(t *testing.T) {
	t.Parallel()

	f := newFakeSessions()
	f.sessions["sess-1"] = session.New("sess-1", "t", "/work")
	f.pending["sess-1"] = []session.PermissionRequest{{ToolUseID: "tu-1", ToolName: "Bash"}}
	srv := newTestServer(f)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/sess-1/decision", map[string]any{
		"tool_use_id": "tu-1",
		"behavior":    "allow",
		"persist":     true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(f.decisions))
	}
	if f.decisions[0].Behavior != session.BehaviorAllow || !f.decisions[0].Persist {
		t.Errorf("decision = %+v", f.decisions[0])
	}
}

func TestSubmitDecision_MissingToolUseIDIs400(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeSessions())
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/sess-1/decision", map[string]any{"behavior": "allow"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitDecision_UnknownBehaviorIs400(t *testing.T) {
	t.Parallel()

	f := newFakeSessions()
	f.pending["sess-1"] = []session.PermissionRequest{{ToolUseID: "tu-1"}}
	srv := newTestServer(f)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/sess-1/decision", map[string]any{
		"tool_use_id": "tu-1",
		"behavior":    "maybe",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitDecision_UnknownRequestIs404(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeSessions())
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/sess-1/decision", map[string]any{
		"tool_use_id": "tu-missing",
		"behavior":    "deny",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPendingRequests_EmptyIsJSONArray(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeSessions())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sessions/sess-1/pending")
	if err != nil {
		t.Fatal(err)
	}
	pending := decodeBody[[]session.PermissionRequest](t, resp)
	if pending == nil || len(pending) != 0 {
		t.Fatalf("pending = %#v, want empty array", pending)
	}
}

func TestListSessions_ReturnsSummaries(t *testing.T) {
	t.Parallel()

	f := newFakeSessions()
	f.sessions["sess-1"] = session.New("sess-1", "first", "/a")
	srv := newTestServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	sums := decodeBody[[]session.Summary](t, resp)
	if len(sums) != 1 || sums[0].ID != "sess-1" {
		t.Fatalf("sums = %+v", sums)
	}
}

func TestHistory_WrapsMessages(t *testing.T) {
	t.Parallel()

	f := newFakeSessions()
	f.sessions["sess-1"] = session.New("sess-1", "t", "/a")
	f.history["sess-1"] = []json.RawMessage{json.RawMessage(`{"type":"user"}`)}
	srv := newTestServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sessions/sess-1/history")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody[map[string][]json.RawMessage](t, resp)
	if len(body["messages"]) != 1 {
		t.Fatalf("messages = %d, want 1", len(body["messages"]))
	}
}

func TestDeleteSession_RemovesAndReports(t *testing.T) {
	t.Parallel()

	f := newFakeSessions()
	f.sessions["sess-1"] = session.New("sess-1", "t", "/a")
	srv := newTestServer(f)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/sessions/sess-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.deleted) != 1 || f.deleted[0] != "sess-1" {
		t.Fatalf("deleted = %v", f.deleted)
	}
}

func TestRecentCwds_PassesLimit(t *testing.T) {
	t.Parallel()

	f := newFakeSessions()
	f.cwds = []string{"/a", "/b"}
	srv := newTestServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sessions/recent-cwds?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	cwds := decodeBody[[]string](t, resp)
	if len(cwds) != 2 {
		t.Fatalf("cwds = %v", cwds)
	}
	if f.lastLimit != 5 {
		t.Fatalf("limit = %d, want 5", f.lastLimit)
	}
}

func TestRecentCwds_BadLimitIs400(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeSessions())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sessions/recent-cwds?limit=lots")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
