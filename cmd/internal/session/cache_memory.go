package session

import (
	"context"
	"sync"
	"time"
)

type memoryCacheEntry struct {
	s         *Session
	expiresAt time.Time
}

// InMemoryCache is a process-local Cache for tests and single-node runs.
type InMemoryCache struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries map[string]memoryCacheEntry
}

// NewInMemoryCache builds an empty cache. A nil clock uses the wall clock.
func NewInMemoryCache(clock func() time.Time) *InMemoryCache {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &InMemoryCache{clock: clock, entries: make(map[string]memoryCacheEntry)}
}

func (c *InMemoryCache) Get(ctx context.Context, id string) (*Session, error) {
	const op = "session.cache.get"
	if id == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "id is required"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return nil, NotFoundError{Op: op, Resource: "session " + id}
	}
	if !c.clock().Before(entry.expiresAt) {
		delete(c.entries, id)
		return nil, NotFoundError{Op: op, Resource: "session " + id}
	}
	return entry.s.Clone(), nil
}

func (c *InMemoryCache) Set(ctx context.Context, s *Session, ttl time.Duration) error {
	const op = "session.cache.set"
	if s == nil || s.ID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "session with id is required"}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.ID] = memoryCacheEntry{s: s.Clone(), expiresAt: c.clock().Add(ttl)}
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, id string) error {
	const op = "session.cache.delete"
	if id == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "id is required"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

// Len reports how many entries are cached, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
