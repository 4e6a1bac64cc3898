package admission

import (
	"context"
	"time"
)

// Store persists quotas and ban records.
//
// Implementations must be safe for concurrent use. Time never comes from
// inside the store: callers pass now explicitly so the Controller's clock
// stays the single source of truth.
type Store interface {
	// GetQuota returns the user's quota or a NotFoundError.
	GetQuota(ctx context.Context, userID string) (*Quota, error)
	// CreateQuota inserts a new quota row. A duplicate user yields a
	// ConflictError.
	CreateQuota(ctx context.Context, q *Quota) (*Quota, error)
	// UpdateQuota replaces the stored quota, minute log included.
	UpdateQuota(ctx context.Context, q *Quota) (*Quota, error)

	// CreateBan appends a ban record to the user's trail.
	CreateBan(ctx context.Context, rec *BanRecord) (*BanRecord, error)
	// UpdateBan rewrites an existing record (used to expire a ban early).
	UpdateBan(ctx context.Context, rec *BanRecord) (*BanRecord, error)
	// ActiveBan returns the most recent ban still in force at now, or a
	// NotFoundError when the user has none.
	ActiveBan(ctx context.Context, userID string, now time.Time) (*BanRecord, error)
	// ListBans returns the user's records, newest first, capped at limit.
	ListBans(ctx context.Context, userID string, limit int) ([]BanRecord, error)
	// ListActiveBans returns every record still in force at now, newest first.
	ListActiveBans(ctx context.Context, now time.Time) ([]BanRecord, error)
}
