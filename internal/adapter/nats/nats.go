// Package nats implements the event bus port using NATS JetStream. Each
// session publishes to its own subject, so per-session ordering follows from
// stream order; cross-session interleaving is unconstrained.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentdeck/agentdeck/internal/domain/event"
	"github.com/agentdeck/agentdeck/internal/port/eventbus"
)

const (
	streamName    = "AGENTDECK"
	subjectPrefix = "sessions.events."
)

// Bus implements eventbus.Bus on a JetStream stream.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the event stream
// exists.
func Connect(ctx context.Context, url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Bus{nc: nc, js: js}, nil
}

// subjectFor maps a session to its ordered feed subject. An empty session
// selects the wildcard across all feeds.
func subjectFor(sessionID string) string {
	if sessionID == "" {
		return subjectPrefix + ">"
	}
	return subjectPrefix + sessionID
}

// Publish appends an event to its session's feed.
func (b *Bus) Publish(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.js.Publish(ctx, subjectFor(ev.SessionID), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe registers a handler for one session's feed, or all feeds when
// sessionID is empty. Messages are dispatched one at a time so the handler
// observes stream order.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, handler eventbus.Handler) (func(), error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subjectFor(sessionID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev event.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			slog.Error("decode bus event", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			return
		}
		if err := handler(ctx, ev); err != nil {
			slog.Error("event handler failed", "type", ev.Type, "session_id", ev.SessionID, "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Drain flushes in-flight messages before closing the connection.
func (b *Bus) Drain() error {
	return b.nc.Drain()
}

// Close shuts down the NATS connection immediately.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}
