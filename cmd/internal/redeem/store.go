package redeem

import (
	"context"
	"time"
)

// CreateRecord is a normalized code insert payload.
type CreateRecord struct {
	ID         string
	CodeHash   string
	Amount     int64
	CreatedBy  *string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	MaxUses    int
	UsedCount  int
	RevokedAt  *time.Time
	Note       *string
	ConsumedAt *time.Time
	ConsumedBy *string
}

// ConsumeRecord describes one redemption attempt.
type ConsumeRecord struct {
	CodeHash string
	UserID   string
	Now      time.Time
}

// Store is the persistence boundary for redeem codes.
type Store interface {
	Create(ctx context.Context, in CreateRecord) (Code, error)
	GetByCodeHash(ctx context.Context, codeHash string) (Code, error)
	// Consume atomically claims one use of an active code. It returns
	// ErrNotFound for unknown hashes and ErrNotActive for codes that
	// are revoked, expired, or fully used.
	Consume(ctx context.Context, in ConsumeRecord) (Code, error)
}
