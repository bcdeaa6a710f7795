package reducer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentdeck/agentdeck/internal/domain/event"
	"github.com/agentdeck/agentdeck/internal/domain/session"
	"github.com/agentdeck/agentdeck/internal/port/eventbus"
)

// Follower drives a State from a live event bus subscription. The bus
// delivers one session's events in order; the follower serializes
// application across sessions with a mutex.
type Follower struct {
	mu    sync.Mutex
	state *State
}

// NewFollower creates a follower over the empty state.
func NewFollower() *Follower {
	return &Follower{state: NewState()}
}

// Follow subscribes the follower to a session's feed, or to all sessions
// when sessionID is empty. The returned function cancels the subscription.
func (f *Follower) Follow(ctx context.Context, bus eventbus.Bus, sessionID string) (func(), error) {
	return bus.Subscribe(ctx, sessionID, func(_ context.Context, ev event.Event) error {
		f.mu.Lock()
		f.state.Apply(ev)
		f.mu.Unlock()
		return nil
	})
}

// Seed applies a session-list snapshot before live events arrive.
func (f *Follower) Seed(sums []session.Summary) {
	f.mu.Lock()
	f.state.ApplyList(sums)
	f.mu.Unlock()
}

// Hydrate replaces one session's messages from a history fetch.
func (f *Follower) Hydrate(sessionID string, msgs []json.RawMessage) {
	f.mu.Lock()
	f.state.ApplyHistory(sessionID, msgs)
	f.mu.Unlock()
}

// ResolvePermission drops a pending permission request after the caller has
// submitted its decision, so the view stops showing it as suspended.
func (f *Follower) ResolvePermission(sessionID, toolUseID string) {
	f.mu.Lock()
	f.state.ResolvePermission(sessionID, toolUseID)
	f.mu.Unlock()
}

// With runs fn with exclusive access to the state. fn must not retain the
// state beyond the call.
func (f *Follower) With(fn func(*State)) {
	f.mu.Lock()
	fn(f.state)
	f.mu.Unlock()
}
