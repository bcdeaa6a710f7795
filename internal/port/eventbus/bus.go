// Package eventbus defines the port for the event transport between the run
// coordinator and remote timeline consumers. The transport must preserve
// per-session order; cross-session interleaving is unconstrained. Delivery
// is assumed exactly-once and ordered — consumers do not deduplicate.
package eventbus

import (
	"context"

	"github.com/agentdeck/agentdeck/internal/domain/event"
)

// Handler processes one event received from the bus.
type Handler func(ctx context.Context, ev event.Event) error

// Bus publishes and subscribes to normalized session events.
type Bus interface {
	// Publish appends an event to its session's ordered feed.
	Publish(ctx context.Context, ev event.Event) error

	// Subscribe registers a handler for one session's feed, or for all
	// sessions when sessionID is empty. The returned function cancels the
	// subscription.
	Subscribe(ctx context.Context, sessionID string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains subscriptions before closing.
	Drain() error

	// Close shuts down the bus connection immediately.
	Close() error
}
