package session

import (
	"context"
	"time"
)

// DurableStore is the persistent side of the hybrid store. Save upserts
// the full session row; deletion is a soft status flip so history stays
// auditable. Implementations never consult the wall clock themselves,
// callers pass now explicitly.
type DurableStore interface {
	// Get returns a session by id including soft-deleted ones, or a
	// NotFoundError when no row exists.
	Get(ctx context.Context, id string) (Session, error)

	// Save inserts or fully replaces the session row.
	Save(ctx context.Context, s Session) error

	// SoftDelete flips the status to deleted and stamps updated_at.
	// Returns a NotFoundError when no row exists.
	SoftDelete(ctx context.Context, id string, now time.Time) error

	// ListActive returns active sessions, newest update first. An empty
	// userID lists all active sessions, otherwise only those the user
	// participates in.
	ListActive(ctx context.Context, userID string) ([]Session, error)

	// ListExpired returns active sessions whose expiry deadline has
	// passed as of now.
	ListExpired(ctx context.Context, now time.Time) ([]Session, error)
}
