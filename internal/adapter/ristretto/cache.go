// Package ristretto provides an in-process cache for session message
// history, backed by dgraph-io/ristretto. History reads hit the store only
// on a miss; appends invalidate.
package ristretto

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// HistoryCache caches a session's full message history keyed by session ID.
type HistoryCache struct {
	c   *ristretto.Cache[string, []byte]
	ttl time.Duration
}

// NewHistoryCache creates a history cache. maxCostBytes bounds the total
// size of cached histories in bytes.
func NewHistoryCache(maxCostBytes int64, ttl time.Duration) (*HistoryCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &HistoryCache{c: c, ttl: ttl}, nil
}

// Get returns the cached history for a session, if present.
func (h *HistoryCache) Get(sessionID string) ([]json.RawMessage, bool) {
	data, found := h.c.Get(sessionID)
	if !found {
		return nil, false
	}
	var msgs []json.RawMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		h.c.Del(sessionID)
		return nil, false
	}
	return msgs, true
}

// Set stores a session's history.
func (h *HistoryCache) Set(sessionID string, msgs []json.RawMessage) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	h.c.SetWithTTL(sessionID, data, int64(len(data)), h.ttl)
}

// Invalidate drops the cached history for a session.
func (h *HistoryCache) Invalidate(sessionID string) {
	h.c.Del(sessionID)
}

// Close shuts down the cache and releases resources.
func (h *HistoryCache) Close() {
	h.c.Close()
}
