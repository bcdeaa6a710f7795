package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/domain/session"
	"github.com/agentdeck/agentdeck/internal/port/sessionstore"
)

// Store implements sessionstore.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateSession(ctx context.Context, rec *sessionstore.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, title, status, cwd, additional_dirs, model, engine_session_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Summary.ID, rec.Summary.Title, string(rec.Summary.Status), rec.Summary.Cwd,
		pgTextArray(rec.Summary.AdditionalDirs), rec.Model, rec.EngineSessionID,
		rec.Summary.CreatedAt, rec.Summary.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", rec.Summary.ID, err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, rec *sessionstore.Record) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET title = $2, status = $3, cwd = $4, additional_dirs = $5, model = $6,
		     engine_session_id = $7, updated_at = $8
		 WHERE id = $1`,
		rec.Summary.ID, rec.Summary.Title, string(rec.Summary.Status), rec.Summary.Cwd,
		pgTextArray(rec.Summary.AdditionalDirs), rec.Model, rec.EngineSessionID,
		rec.Summary.UpdatedAt)
	return execExpectOne(tag.RowsAffected(), err, "update session %s", rec.Summary.ID)
}

func (s *Store) GetSession(ctx context.Context, id string) (*sessionstore.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, status, cwd, additional_dirs, model, engine_session_id, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)

	var rec sessionstore.Record
	var status string
	err := row.Scan(&rec.Summary.ID, &rec.Summary.Title, &status, &rec.Summary.Cwd,
		&rec.Summary.AdditionalDirs, &rec.Model, &rec.EngineSessionID,
		&rec.Summary.CreatedAt, &rec.Summary.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get session %s", id)
	}
	rec.Summary.Status = session.Status(status)
	return &rec, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]session.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, status, cwd, additional_dirs, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sums []session.Summary
	for rows.Next() {
		var sum session.Summary
		var status string
		if err := rows.Scan(&sum.ID, &sum.Title, &status, &sum.Cwd,
			&sum.AdditionalDirs, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Status = session.Status(status)
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return execExpectOne(tag.RowsAffected(), err, "delete session %s", id)
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, payload json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_messages (session_id, payload) VALUES ($1, $2)`,
		sessionID, payload)
	if err != nil {
		return fmt.Errorf("append message to %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) LoadHistory(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM session_messages WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", sessionID, err)
	}
	defer rows.Close()

	msgs := []json.RawMessage{}
	for rows.Next() {
		var payload json.RawMessage
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, payload)
	}
	return msgs, rows.Err()
}

func (s *Store) ListRecentCwds(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cwd FROM sessions WHERE cwd <> ''
		 GROUP BY cwd ORDER BY max(updated_at) DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent cwds: %w", err)
	}
	defer rows.Close()

	var cwds []string
	for rows.Next() {
		var cwd string
		if err := rows.Scan(&cwd); err != nil {
			return nil, fmt.Errorf("scan cwd: %w", err)
		}
		cwds = append(cwds, cwd)
	}
	return cwds, rows.Err()
}

// --- Helpers ---

// pgTextArray converts a string slice to a pgx-compatible text array.
// nil slices become empty arrays to avoid SQL NULL.
func pgTextArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// notFoundWrap maps pgx.ErrNoRows onto domain.ErrNotFound, keeping the
// query context in the message.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns domain.ErrNotFound with the given message.
func execExpectOne(affected int64, err error, format string, args ...any) error {
	if err != nil {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
	}
	if affected == 0 {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", domain.ErrNotFound)
	}
	return nil
}
