package session

import (
	"context"
	"time"
)

// DefaultCacheTTL is how long a cached session lives without a refresh.
const DefaultCacheTTL = 24 * time.Hour

// Cache is the fast read-through layer of the hybrid store. Get returns a
// NotFoundError for misses and for entries whose TTL has lapsed. Deleting
// an absent entry is not an error.
type Cache interface {
	Get(ctx context.Context, id string) (*Session, error)
	Set(ctx context.Context, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}
