package redeem

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// InMemoryStore keeps codes in process memory. Used when no database
// is configured and in tests. Consume applies the same guards as the
// Postgres store.
type InMemoryStore struct {
	mu    sync.Mutex
	codes map[string]Code // keyed by code hash
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{codes: make(map[string]Code)}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) Create(ctx context.Context, in CreateRecord) (Code, error) {
	if s == nil {
		return Code{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Code{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.CodeHash) == "" {
		return Code{}, ErrInvalidInput
	}
	if in.Amount <= 0 || in.MaxUses <= 0 {
		return Code{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[in.CodeHash]; ok {
		return Code{}, errors.New("redeem: code hash already exists")
	}
	c := Code{
		ID:         in.ID,
		Amount:     in.Amount,
		CreatedBy:  clonePtr(in.CreatedBy),
		CreatedAt:  in.CreatedAt,
		ExpiresAt:  in.ExpiresAt,
		MaxUses:    in.MaxUses,
		UsedCount:  in.UsedCount,
		RevokedAt:  cloneTimePtr(in.RevokedAt),
		Note:       clonePtr(in.Note),
		ConsumedAt: cloneTimePtr(in.ConsumedAt),
		ConsumedBy: clonePtr(in.ConsumedBy),
	}
	s.codes[in.CodeHash] = c
	return cloneCode(c), nil
}

func (s *InMemoryStore) GetByCodeHash(ctx context.Context, codeHash string) (Code, error) {
	if s == nil {
		return Code{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Code{}, err
	}
	codeHash = strings.TrimSpace(codeHash)
	if codeHash == "" {
		return Code{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[codeHash]
	if !ok {
		return Code{}, ErrNotFound
	}
	return cloneCode(c), nil
}

func (s *InMemoryStore) Consume(ctx context.Context, in ConsumeRecord) (Code, error) {
	if s == nil {
		return Code{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Code{}, err
	}
	if strings.TrimSpace(in.CodeHash) == "" || strings.TrimSpace(in.UserID) == "" {
		return Code{}, ErrInvalidInput
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[in.CodeHash]
	if !ok {
		return Code{}, ErrNotFound
	}
	if c.RevokedAt != nil || !c.ExpiresAt.After(now) || c.UsedCount >= c.MaxUses {
		return Code{}, ErrNotActive
	}

	c.UsedCount++
	c.ConsumedAt = &now
	user := in.UserID
	c.ConsumedBy = &user
	s.codes[in.CodeHash] = c
	return cloneCode(c), nil
}

func cloneCode(c Code) Code {
	c.CreatedBy = clonePtr(c.CreatedBy)
	c.RevokedAt = cloneTimePtr(c.RevokedAt)
	c.Note = clonePtr(c.Note)
	c.ConsumedAt = cloneTimePtr(c.ConsumedAt)
	c.ConsumedBy = clonePtr(c.ConsumedBy)
	return c
}

func clonePtr(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTimePtr(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
