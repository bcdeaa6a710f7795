// Package sessionstore defines the port for persisted sessions and their
// message history. The store backfills the reducer's hydration path; live
// state lives in the in-memory registry.
package sessionstore

import (
	"context"
	"encoding/json"

	"github.com/agentdeck/agentdeck/internal/domain/session"
)

// Record is the persisted shape of a session.
type Record struct {
	Summary         session.Summary
	Model           string
	EngineSessionID string
}

// Store persists sessions and their ordered message history.
type Store interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, rec *Record) error

	// UpdateSession updates status, title and the engine session token.
	UpdateSession(ctx context.Context, rec *Record) error

	// GetSession returns one session, or domain.ErrNotFound.
	GetSession(ctx context.Context, id string) (*Record, error)

	// ListSessions returns all sessions ordered by most recent update.
	ListSessions(ctx context.Context) ([]session.Summary, error)

	// DeleteSession removes a session and its history.
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage appends one engine message to a session's history.
	AppendMessage(ctx context.Context, sessionID string, payload json.RawMessage) error

	// LoadHistory returns a session's messages in append order.
	LoadHistory(ctx context.Context, sessionID string) ([]json.RawMessage, error)

	// ListRecentCwds returns distinct working directories by most recent use.
	ListRecentCwds(ctx context.Context, limit int) ([]string, error)
}
