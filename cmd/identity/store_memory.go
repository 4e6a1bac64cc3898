package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a process-local Store for dev mode and tests.
type InMemoryStore struct {
	mu    sync.Mutex
	users map[string]User
}

// NewInMemoryStore creates an empty in-memory user registry.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]User),
	}
}

func (s *InMemoryStore) CreateUser(_ context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	userID := NormalizeUserID(in.UserID)
	if userID == "" {
		return User{}, pgInvalid(op, "missing user_id")
	}
	nickname := NormalizeNickname(in.Nickname)
	if nickname == "" {
		nickname = userID
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userID]; exists {
		return User{}, ConflictError{Op: op, Field: "user_id"}
	}

	u := User{
		ID:         userID,
		Nickname:   nickname,
		IsActive:   true,
		CreatedAt:  now,
		LastActive: now,
	}
	s.users[userID] = u
	return copyUser(u), nil
}

func (s *InMemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	const op = "identity.GetUser"

	userID = NormalizeUserID(userID)
	if userID == "" {
		return User{}, pgInvalid(op, "missing user_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return copyUser(u), nil
}

func (s *InMemoryStore) UpdateNickname(_ context.Context, userID, nickname string, now time.Time) error {
	const op = "identity.UpdateNickname"

	userID = NormalizeUserID(userID)
	if userID == "" {
		return pgInvalid(op, "missing user_id")
	}
	nickname = NormalizeNickname(nickname)
	if nickname == "" {
		return pgInvalid(op, "missing nickname")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	u.Nickname = nickname
	if now.After(u.LastActive) {
		u.LastActive = now
	}
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) SetBanned(_ context.Context, userID string, banned bool) error {
	const op = "identity.SetBanned"

	userID = NormalizeUserID(userID)
	if userID == "" {
		return pgInvalid(op, "missing user_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	u.IsBanned = banned
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) SetCurrentContext(_ context.Context, userID string, contextID *string) error {
	const op = "identity.SetCurrentContext"

	userID = NormalizeUserID(userID)
	if userID == "" {
		return pgInvalid(op, "missing user_id")
	}
	contextID = pgTrimPtr(contextID)

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	if contextID == nil {
		u.CurrentContextID = nil
	} else {
		id := *contextID
		u.CurrentContextID = &id
	}
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) TouchLastActive(_ context.Context, userID string, now time.Time) error {
	userID = NormalizeUserID(userID)
	if userID == "" {
		return pgInvalid("identity.TouchLastActive", "missing user_id")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	if now.After(u.LastActive) {
		u.LastActive = now
		s.users[userID] = u
	}
	return nil
}

func (s *InMemoryStore) ListActiveUsers(_ context.Context, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.IsActive {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CountActiveUsers(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, u := range s.users {
		if u.IsActive {
			n++
		}
	}
	return n, nil
}

func copyUser(u User) User {
	out := u
	if u.CurrentContextID != nil {
		id := *u.CurrentContextID
		out.CurrentContextID = &id
	}
	if u.Metadata != nil {
		m := make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			m[k] = v
		}
		out.Metadata = m
	}
	return out
}
