package admission

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a process-local Store for tests and single-node runs
// without Postgres.
type InMemoryStore struct {
	mu     sync.Mutex
	quotas map[string]*Quota
	bans   []*BanRecord
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{quotas: make(map[string]*Quota)}
}

func (s *InMemoryStore) GetQuota(ctx context.Context, userID string) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userID]
	if !ok {
		return nil, NotFoundError{Op: "admission.GetQuota", Resource: "quota"}
	}
	return copyQuota(q), nil
}

func (s *InMemoryStore) CreateQuota(ctx context.Context, q *Quota) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quotas[q.UserID]; ok {
		return nil, ConflictError{Op: "admission.CreateQuota", Field: "user_id"}
	}
	s.quotas[q.UserID] = copyQuota(q)
	return copyQuota(q), nil
}

func (s *InMemoryStore) UpdateQuota(ctx context.Context, q *Quota) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quotas[q.UserID]; !ok {
		return nil, NotFoundError{Op: "admission.UpdateQuota", Resource: "quota"}
	}
	s.quotas[q.UserID] = copyQuota(q)
	return copyQuota(q), nil
}

func (s *InMemoryStore) CreateBan(ctx context.Context, rec *BanRecord) (*BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans = append(s.bans, copyBan(rec))
	return copyBan(rec), nil
}

func (s *InMemoryStore) UpdateBan(ctx context.Context, rec *BanRecord) (*BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.bans {
		if b.ID == rec.ID {
			s.bans[i] = copyBan(rec)
			return copyBan(rec), nil
		}
	}
	return nil, NotFoundError{Op: "admission.UpdateBan", Resource: "ban_record"}
}

func (s *InMemoryStore) ActiveBan(ctx context.Context, userID string, now time.Time) (*BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *BanRecord
	for _, b := range s.bans {
		if b.UserID != userID || !b.IsActive(now) {
			continue
		}
		// Later insert wins a started-at tie.
		if best == nil || !b.StartedAt.Before(best.StartedAt) {
			best = b
		}
	}
	if best == nil {
		return nil, NotFoundError{Op: "admission.ActiveBan", Resource: "ban_record"}
	}
	return copyBan(best), nil
}

func (s *InMemoryStore) ListBans(ctx context.Context, userID string, limit int) ([]BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	out := make([]BanRecord, 0, limit)
	for i := len(s.bans) - 1; i >= 0 && len(out) < limit; i-- {
		if s.bans[i].UserID == userID {
			out = append(out, *copyBan(s.bans[i]))
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListActiveBans(ctx context.Context, now time.Time) ([]BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BanRecord
	for i := len(s.bans) - 1; i >= 0; i-- {
		if s.bans[i].IsActive(now) {
			out = append(out, *copyBan(s.bans[i]))
		}
	}
	return out, nil
}

func copyQuota(q *Quota) *Quota {
	cp := *q
	cp.MinuteLog = append([]time.Time(nil), q.MinuteLog...)
	return &cp
}

func copyBan(b *BanRecord) *BanRecord {
	cp := *b
	if b.ExpiresAt != nil {
		t := *b.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
