package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a map-backed DurableStore for tests and local runs.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewInMemoryStore builds an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]Session)}
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Session, error) {
	const op = "session.store.get"
	if id == "" {
		return Session{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, NotFoundError{Op: op, Resource: "session " + id}
	}
	return *sess.Clone(), nil
}

func (s *InMemoryStore) Save(ctx context.Context, sess Session) error {
	const op = "session.store.save"
	if sess.ID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "session id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess.Clone()
	return nil
}

func (s *InMemoryStore) SoftDelete(ctx context.Context, id string, now time.Time) error {
	const op = "session.store.soft_delete"
	if id == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return NotFoundError{Op: op, Resource: "session " + id}
	}
	sess.Status = StatusDeleted
	sess.UpdatedAt = now
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) ListActive(ctx context.Context, userID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Status != StatusActive {
			continue
		}
		if userID != "" && !sess.HasParticipant(userID) {
			continue
		}
		out = append(out, *sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) ListExpired(ctx context.Context, now time.Time) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Status == StatusActive && sess.IsExpired(now) {
			out = append(out, *sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
