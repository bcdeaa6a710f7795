// Package runner implements the run coordinator: it drives a single agent
// execution bound to one session, gates every tool use through the
// permission broker, normalizes the engine's stream into outbound events,
// and guarantees cleanup on every exit path.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/agentdeck/agentdeck/internal/adapter/otel"
	"github.com/agentdeck/agentdeck/internal/domain/event"
	"github.com/agentdeck/agentdeck/internal/domain/session"
	"github.com/agentdeck/agentdeck/internal/gate"
	"github.com/agentdeck/agentdeck/internal/port/engine"
)

// Sink receives the coordinator's normalized events in emission order.
type Sink func(ctx context.Context, ev event.Event)

// SessionUpdate is invoked when the coordinator learns something durable
// about the session, such as the engine-assigned resume token.
type SessionUpdate func(ctx context.Context, sess *session.Session)

// Runner starts and supervises agent executions. One Runner serves all
// sessions; at most one run is active per session at a time, enforced by
// the caller through the session status.
type Runner struct {
	engine   engine.Engine
	broker   *gate.Broker
	sink     Sink
	onUpdate SessionUpdate
	metrics  *otel.Metrics
}

// New creates a Runner. onUpdate and metrics may be nil.
func New(eng engine.Engine, broker *gate.Broker, sink Sink, onUpdate SessionUpdate, metrics *otel.Metrics) *Runner {
	return &Runner{
		engine:   eng,
		broker:   broker,
		sink:     sink,
		onUpdate: onUpdate,
		metrics:  metrics,
	}
}

// Handle controls one in-flight run.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel signals the run's cancellation token: any suspended permission
// decision resolves to deny and the engine connection stops. Cancellation
// is not an error; no error status is emitted for it.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the run has fully finished, including cleanup.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start launches a run for sess. resume carries the engine session token
// when continuing a prior conversation; model is the resolved engine model
// identifier. The session must already be in status running.
func (r *Runner) Start(ctx context.Context, prompt string, sess *session.Session, resume, model string) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	if r.metrics != nil {
		r.metrics.RunsStarted.Add(ctx, 1)
	}

	go r.run(runCtx, prompt, sess, resume, model, h.done)
	return h
}

func (r *Runner) run(ctx context.Context, prompt string, sess *session.Session, resume, model string, done chan struct{}) {
	started := time.Now()
	ctx, span := otel.StartRunSpan(ctx, sess.ID, model)
	defer span.End()
	defer close(done)
	defer CleanupTempArtifacts(sess.Cwd)
	defer func() {
		if r.metrics != nil {
			r.metrics.RunDuration.Record(context.Background(), time.Since(started).Seconds())
		}
	}()

	gateFn := func(gctx context.Context, toolUseID, toolName string, input json.RawMessage) (engine.Decision, error) {
		gctx, gspan := otel.StartGateSpan(gctx, toolUseID, toolName)
		defer gspan.End()
		return r.broker.Decide(gctx, sess, toolUseID, toolName, input)
	}

	stream, err := r.engine.Start(ctx, engine.Options{
		Prompt:         prompt,
		Cwd:            sess.Cwd,
		AdditionalDirs: sess.AdditionalDirs,
		Model:          model,
		Resume:         resume,
		CanUseTool:     gateFn,
	})
	if err != nil {
		if ctx.Err() != nil {
			r.finishCancelled(sess)
			return
		}
		r.fail(sess, err)
		return
	}
	defer func() { _ = stream.Close() }()

	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// Stream exhausted without an explicit terminal result: a
				// session must never stay stuck in running.
				r.finishIfRunning(sess)
			case ctx.Err() != nil || errors.Is(err, context.Canceled):
				r.finishCancelled(sess)
			default:
				r.fail(sess, err)
			}
			return
		}

		if msg.IsInit() && msg.SessionID != "" {
			sess.SetEngineSessionID(msg.SessionID)
			if r.onUpdate != nil {
				r.onUpdate(ctx, sess)
			}
			slog.Debug("engine session token captured",
				"session_id", sess.ID, "engine_session_id", msg.SessionID)
		}

		r.forward(sess, msg)

		if msg.IsResult() {
			status := session.StatusError
			if msg.Succeeded() {
				status = session.StatusCompleted
			}
			r.transition(sess, status, "")
		}
	}
}

// forward re-emits one engine message verbatim on the outbound stream.
func (r *Runner) forward(sess *session.Session, msg engine.Message) {
	ev, err := event.EngineMessage(sess.ID, msg.Raw)
	if err != nil {
		slog.Error("engine message event", "session_id", sess.ID, "error", err)
		return
	}
	r.sink(context.Background(), ev)
}

// transition moves the session to a terminal status and emits the matching
// status event. Already-terminal sessions are left untouched so a terminal
// status event is emitted exactly once per run.
func (r *Runner) transition(sess *session.Session, status session.Status, cause string) {
	if sess.Status().Terminal() {
		return
	}
	sess.SetStatus(status)

	ev, err := event.SessionStatus(sess.ID, event.SessionStatusPayload{
		Status: status,
		Title:  sess.Title,
		Cwd:    sess.Cwd,
		Error:  cause,
	})
	if err != nil {
		slog.Error("status event", "session_id", sess.ID, "error", err)
		return
	}
	r.sink(context.Background(), ev)

	if r.metrics != nil {
		switch status {
		case session.StatusCompleted:
			r.metrics.RunsCompleted.Add(context.Background(), 1)
		case session.StatusError:
			r.metrics.RunsFailed.Add(context.Background(), 1)
		}
	}

	slog.Info("run finished", "session_id", sess.ID, "status", status)
}

// finishIfRunning synthesizes a completed status when the stream ended
// without a terminal result.
func (r *Runner) finishIfRunning(sess *session.Session) {
	if sess.Status() == session.StatusRunning {
		r.transition(sess, session.StatusCompleted, "")
	}
}

// finishCancelled closes out an aborted run: not an error, and a status
// event only if the session had not already reached a terminal state.
func (r *Runner) finishCancelled(sess *session.Session) {
	slog.Info("run cancelled", "session_id", sess.ID)
	r.finishIfRunning(sess)
}

// fail reports an engine failure as a terminal error status plus a
// transient run.error for observers showing a global banner. The failure is
// never retried here; retry is a user-initiated new run.
func (r *Runner) fail(sess *session.Session, cause error) {
	slog.Error("engine run failed", "session_id", sess.ID, "error", cause)

	if ev, err := event.RunError(sess.ID, cause.Error()); err == nil {
		r.sink(context.Background(), ev)
	}
	r.transition(sess, session.StatusError, cause.Error())
}
