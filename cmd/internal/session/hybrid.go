package session

import (
	"context"
	"log/slog"
	"time"
)

// Hybrid combines the Redis cache and the durable store behind one surface.
//
// Reads are cache-aside: a cache hit wins, a miss falls through to the
// durable store and backfills the cache best-effort. Writes are strict:
// Save and Delete succeed only when BOTH backends succeed, so a split
// write is reported to the caller instead of papered over. Storage errors
// are logged here and never escape as errors; callers see absence or false.
type Hybrid struct {
	log     *slog.Logger
	cache   Cache
	durable DurableStore
	ttl     time.Duration
}

// HybridOption configures a Hybrid.
type HybridOption func(*Hybrid)

// WithCacheTTL overrides the cache lifetime for saved and backfilled
// sessions (default DefaultCacheTTL).
func WithCacheTTL(ttl time.Duration) HybridOption {
	return func(h *Hybrid) {
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// NewHybrid builds the two-tier store.
func NewHybrid(log *slog.Logger, cache Cache, durable DurableStore, opts ...HybridOption) *Hybrid {
	h := &Hybrid{
		log:     log,
		cache:   cache,
		durable: durable,
		ttl:     DefaultCacheTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Get returns the session or nil when it does not exist anywhere. Durable
// hits are backfilled into the cache so the next read is fast.
func (h *Hybrid) Get(ctx context.Context, id string) *Session {
	if id == "" {
		return nil
	}

	s, err := h.cache.Get(ctx, id)
	if err == nil {
		return s
	}
	if !IsNotFound(err) {
		h.log.Error("session.cache_read_failed", "context_id", id, "error", err)
	}

	durable, err := h.durable.Get(ctx, id)
	if err != nil {
		if !IsNotFound(err) {
			h.log.Error("session.durable_read_failed", "context_id", id, "error", err)
		}
		return nil
	}

	if err := h.cache.Set(ctx, &durable, h.ttl); err != nil {
		h.log.Warn("session.backfill_failed", "context_id", id, "error", err)
	}
	return &durable
}

// Save writes the session to both backends and reports whether both took
// the write. On a partial failure the stale side converges once the cache
// entry expires.
func (h *Hybrid) Save(ctx context.Context, s *Session) bool {
	if s == nil || s.ID == "" {
		return false
	}

	cacheOK := true
	if err := h.cache.Set(ctx, s, h.ttl); err != nil {
		h.log.Error("session.cache_write_failed", "context_id", s.ID, "error", err)
		cacheOK = false
	}

	durableOK := true
	if err := h.durable.Save(ctx, *s); err != nil {
		h.log.Error("session.durable_write_failed", "context_id", s.ID, "error", err)
		durableOK = false
	}

	return cacheOK && durableOK
}

// Delete evicts the cache entry and soft-deletes the durable row. A
// session unknown to the durable store reports false.
func (h *Hybrid) Delete(ctx context.Context, id string, now time.Time) bool {
	if id == "" {
		return false
	}

	cacheOK := true
	if err := h.cache.Delete(ctx, id); err != nil {
		h.log.Error("session.cache_evict_failed", "context_id", id, "error", err)
		cacheOK = false
	}

	durableOK := true
	if err := h.durable.SoftDelete(ctx, id, now); err != nil {
		if !IsNotFound(err) {
			h.log.Error("session.durable_delete_failed", "context_id", id, "error", err)
		}
		durableOK = false
	}

	return cacheOK && durableOK
}

// ListActive lists active sessions from the durable store; the cache has
// no secondary index to answer this.
func (h *Hybrid) ListActive(ctx context.Context, userID string) []Session {
	out, err := h.durable.ListActive(ctx, userID)
	if err != nil {
		h.log.Error("session.list_active_failed", "user_id", userID, "error", err)
		return nil
	}
	return out
}

// ListExpired lists active sessions whose deadline has passed.
func (h *Hybrid) ListExpired(ctx context.Context, now time.Time) []Session {
	out, err := h.durable.ListExpired(ctx, now)
	if err != nil {
		h.log.Error("session.list_expired_failed", "error", err)
		return nil
	}
	return out
}
