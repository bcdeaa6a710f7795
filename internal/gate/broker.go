package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/domain/event"
	"github.com/agentdeck/agentdeck/internal/domain/session"
	"github.com/agentdeck/agentdeck/internal/port/engine"
)

// AbortReason is the fixed deny reason used when a run is cancelled while a
// permission request is outstanding.
const AbortReason = "session aborted"

// defaultDenyReason is used when a deny decision arrives without one.
const defaultDenyReason = "user denied the request"

// Emitter publishes a normalized event to the outbound stream.
type Emitter func(ctx context.Context, ev event.Event)

// pendingDecision is one suspended authorization: a single-use continuation
// completed by Resolve or by run cancellation.
type pendingDecision struct {
	sessionID string
	request   session.PermissionRequest
	ch        chan session.Decision // buffer 1; first write wins
}

// Broker decides whether a requested tool invocation may proceed. It never
// returns an error to the engine: every gate resolves to an explicit allow
// or deny.
type Broker struct {
	emit Emitter

	mu      sync.Mutex
	pending map[string]*pendingDecision // key: sessionID + "/" + toolUseID
}

// NewBroker creates a Broker that announces permission requests through emit.
func NewBroker(emit Emitter) *Broker {
	return &Broker{
		emit:    emit,
		pending: make(map[string]*pendingDecision),
	}
}

func pendingKey(sessionID, toolUseID string) string {
	return sessionID + "/" + toolUseID
}

// Decide authorizes one tool use for sess. Non-gated tools and tools covered
// by a session grant return immediately; gated tools suspend until a
// decision arrives via Resolve or ctx is cancelled, in which case the result
// is a deny with the fixed abort reason.
func (b *Broker) Decide(ctx context.Context, sess *session.Session, toolUseID, toolName string, input json.RawMessage) (engine.Decision, error) {
	key := PermissionKey(toolName, input)

	if sess.HasGrant(key) {
		return engine.Allow(input), nil
	}

	if !gated(toolName) {
		return engine.Allow(input), nil
	}

	if toolUseID == "" {
		toolUseID = uuid.NewString()
	}

	pd := &pendingDecision{
		sessionID: sess.ID,
		request: session.PermissionRequest{
			ToolUseID: toolUseID,
			ToolName:  toolName,
			Input:     input,
		},
		ch: make(chan session.Decision, 1),
	}

	b.mu.Lock()
	if _, exists := b.pending[pendingKey(sess.ID, toolUseID)]; exists {
		// Tool-use identifiers are single-use; a duplicate request is denied
		// without disturbing the original.
		b.mu.Unlock()
		slog.Warn("duplicate permission request ignored",
			"session_id", sess.ID, "tool_use_id", toolUseID, "tool", toolName)
		return engine.Deny("duplicate tool use identifier"), nil
	}
	b.pending[pendingKey(sess.ID, toolUseID)] = pd
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, pendingKey(sess.ID, toolUseID))
		b.mu.Unlock()
	}()

	ev, err := event.PermissionRequest(sess.ID, toolUseID, toolName, input)
	if err != nil {
		slog.Error("permission request event", "error", err)
	} else {
		b.emit(ctx, ev)
	}

	slog.Info("permission requested",
		"session_id", sess.ID,
		"tool_use_id", toolUseID,
		"tool", toolName,
		"permission_key", key,
	)

	select {
	case d := <-pd.ch:
		if d.Behavior == session.BehaviorAllow {
			if d.Persist {
				sess.Grant(key)
			}
			updated := d.UpdatedInput
			if updated == nil {
				updated = input
			}
			return engine.Allow(updated), nil
		}
		reason := d.Reason
		if reason == "" {
			reason = defaultDenyReason
		}
		return engine.Deny(reason), nil

	case <-ctx.Done():
		return engine.Deny(AbortReason), nil
	}
}

// Resolve completes a suspended decision. Returns false when no pending
// entry matches — already resolved, aborted, or never existed; such
// submissions are no-ops.
func (b *Broker) Resolve(sessionID, toolUseID string, d session.Decision) bool {
	b.mu.Lock()
	pd, ok := b.pending[pendingKey(sessionID, toolUseID)]
	if ok {
		delete(b.pending, pendingKey(sessionID, toolUseID))
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case pd.ch <- d:
		return true
	default:
		return false
	}
}

// Pending returns the outstanding permission requests for one session.
func (b *Broker) Pending(sessionID string) []session.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []session.PermissionRequest
	for _, pd := range b.pending {
		if pd.sessionID == sessionID {
			out = append(out, pd.request)
		}
	}
	return out
}
