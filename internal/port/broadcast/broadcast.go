// Package broadcast defines the port for fanning normalized events out to
// connected presentation clients.
package broadcast

import (
	"context"

	"github.com/agentdeck/agentdeck/internal/domain/event"
)

// Broadcaster sends normalized events to all connected clients.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, ev event.Event)
}
