package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/identity"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/identity/ids"
)

// UserDirectory is the slice of the user registry the manager needs:
// ensuring senders exist and tracking which session a user is bound to.
// identity.Registry satisfies it.
type UserDirectory interface {
	GetOrCreate(ctx context.Context, userID, nickname string) (identity.User, error)
	BindContext(ctx context.Context, userID, contextID string) error
	CurrentContext(ctx context.Context, userID string) (string, error)
}

// Manager implements conversation semantics over the hybrid store:
// creating and resolving sessions, participant membership, message
// history, and lifecycle transitions. Mutating operations report bool;
// failures are logged inside the storage layer.
type Manager struct {
	log     *slog.Logger
	storage *Hybrid
	users   UserDirectory
	clock   func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the manager clock (tests).
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager constructs a Manager.
func NewManager(log *slog.Logger, storage *Hybrid, users UserDirectory, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:     log,
		storage: storage,
		users:   users,
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// GroupSessionID is the stable session id for a chat group, so that every
// message from the same group resolves to the same session.
func GroupSessionID(groupID string) string { return "group_" + groupID }

// CreateInput describes a new session. ID and Name are derived when
// empty; the creator is always a participant; TTL zero means no expiry
// deadline.
type CreateInput struct {
	ID           string
	Type         Type
	Name         string
	CreatorID    string
	CreatorName  string
	Participants []string
	TTL          time.Duration
	Metadata     map[string]string
}

// Create registers the creator in the user directory, builds the session
// and writes it through the hybrid store. Private sessions are bound as
// the creator's current session.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Session, error) {
	const op = "session.Create"

	creatorID := strings.TrimSpace(in.CreatorID)
	if creatorID == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "creator_id is required"}
	}
	switch in.Type {
	case TypePrivate, TypeGroup, TypeMultiUser, TypeRolePlay:
	default:
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown session type"}
	}

	if _, err := m.users.GetOrCreate(ctx, creatorID, in.CreatorName); err != nil {
		return nil, OpError{Op: op, Kind: ErrUnavailable, Msg: "user directory: " + err.Error()}
	}

	now := m.clock()
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = ids.NewContextID()
	}

	participants := append([]string(nil), in.Participants...)
	if !containsString(participants, creatorID) {
		participants = append(participants, creatorID)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = defaultName(in.Type, id)
	}

	s := &Session{
		ID:           id,
		Type:         in.Type,
		Name:         name,
		CreatorID:    creatorID,
		Participants: participants,
		Messages:     []Message{},
		MaxMessages:  DefaultMaxMessages,
		Status:       StatusActive,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.TTL > 0 {
		deadline := now.Add(in.TTL)
		s.ExpiresAt = &deadline
	}

	if !m.storage.Save(ctx, s) {
		return nil, OpError{Op: op, Kind: ErrUnavailable, Msg: "storage rejected session " + id}
	}

	if in.Type == TypePrivate {
		if err := m.users.BindContext(ctx, creatorID, id); err != nil {
			m.log.Warn("session.bind_failed", "user_id", creatorID, "context_id", id, "error", err)
		}
	}

	m.log.Info("session.created", "context_id", id, "type", string(in.Type), "creator_id", creatorID)
	return s, nil
}

// Get returns a session by id, or nil when unknown.
func (m *Manager) Get(ctx context.Context, id string) *Session {
	return m.storage.Get(ctx, id)
}

// GetOrCreatePrivate resolves the user's current private session, creating
// and binding a fresh one when there is none or the bound one is no longer
// active.
func (m *Manager) GetOrCreatePrivate(ctx context.Context, userID, userName string) (*Session, error) {
	cur, err := m.users.CurrentContext(ctx, userID)
	if err != nil {
		m.log.Warn("session.current_lookup_failed", "user_id", userID, "error", err)
	}
	if cur != "" {
		if s := m.storage.Get(ctx, cur); s != nil && s.Status == StatusActive {
			return s, nil
		}
	}

	name := strings.TrimSpace(userName)
	if name == "" {
		name = strings.TrimSpace(userID)
	}
	return m.Create(ctx, CreateInput{
		Type:        TypePrivate,
		Name:        "私聊_" + name,
		CreatorID:   userID,
		CreatorName: userName,
	})
}

// GetOrCreateGroup resolves the stable session for a chat group, creating
// it on first contact and enrolling the sender as a participant.
func (m *Manager) GetOrCreateGroup(ctx context.Context, userID, userName, groupID string) (*Session, error) {
	const op = "session.GetOrCreateGroup"

	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "group_id is required"}
	}

	id := GroupSessionID(groupID)
	if s := m.storage.Get(ctx, id); s != nil && s.Status != StatusDeleted {
		// The next group message wakes a paused or expired group back up.
		if s.Status != StatusActive {
			s.Status = StatusActive
			if !m.Update(ctx, s) {
				return nil, OpError{Op: op, Kind: ErrUnavailable, Msg: "could not reactivate group session " + id}
			}
		}
		if !s.HasParticipant(userID) {
			if !m.AddParticipant(ctx, id, userID, userName) {
				return nil, OpError{Op: op, Kind: ErrUnavailable, Msg: "could not join group session " + id}
			}
			if joined := m.storage.Get(ctx, id); joined != nil {
				return joined, nil
			}
		}
		return s, nil
	}

	return m.Create(ctx, CreateInput{
		ID:          id,
		Type:        TypeGroup,
		Name:        "群聊_" + groupID,
		CreatorID:   userID,
		CreatorName: userName,
	})
}

// Update stamps updated_at and writes the session through both backends.
func (m *Manager) Update(ctx context.Context, s *Session) bool {
	if s == nil || s.ID == "" {
		return false
	}
	s.UpdatedAt = m.clock()
	return m.storage.Save(ctx, s)
}

// Delete unbinds every participant still pointing at the session, then
// evicts and soft-deletes it. Deleting an unknown session reports false.
func (m *Manager) Delete(ctx context.Context, id string) bool {
	if s := m.storage.Get(ctx, id); s != nil {
		for _, pid := range s.Participants {
			cur, err := m.users.CurrentContext(ctx, pid)
			if err != nil || cur != id {
				continue
			}
			if err := m.users.BindContext(ctx, pid, ""); err != nil {
				m.log.Warn("session.unbind_failed", "user_id", pid, "context_id", id, "error", err)
			}
		}
	}

	ok := m.storage.Delete(ctx, id, m.clock())
	if ok {
		m.log.Info("session.deleted", "context_id", id)
	}
	return ok
}

// AddParticipant enrolls a user into the session. Adding someone already
// present reports true without a write.
func (m *Manager) AddParticipant(ctx context.Context, sessionID, userID, userName string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	s := m.storage.Get(ctx, sessionID)
	if s == nil || s.Status == StatusDeleted {
		return false
	}
	if s.HasParticipant(userID) {
		return true
	}
	if _, err := m.users.GetOrCreate(ctx, userID, userName); err != nil {
		m.log.Error("session.participant_register_failed", "user_id", userID, "error", err)
		return false
	}
	s.Participants = append(s.Participants, userID)
	if !m.Update(ctx, s) {
		return false
	}
	m.log.Info("session.participant_added", "context_id", sessionID, "user_id", userID)
	return true
}

// RemoveParticipant withdraws a user. The creator leaving archives the
// session. Removing someone not present reports true.
func (m *Manager) RemoveParticipant(ctx context.Context, sessionID, userID string) bool {
	s := m.storage.Get(ctx, sessionID)
	if s == nil || s.Status == StatusDeleted {
		return false
	}
	if !s.HasParticipant(userID) {
		return true
	}

	kept := s.Participants[:0]
	for _, p := range s.Participants {
		if p != userID {
			kept = append(kept, p)
		}
	}
	s.Participants = kept

	if userID == s.CreatorID {
		s.Status = StatusArchived
	}

	if cur, err := m.users.CurrentContext(ctx, userID); err == nil && cur == sessionID {
		if err := m.users.BindContext(ctx, userID, ""); err != nil {
			m.log.Warn("session.unbind_failed", "user_id", userID, "context_id", sessionID, "error", err)
		}
	}

	if !m.Update(ctx, s) {
		return false
	}
	m.log.Info("session.participant_removed", "context_id", sessionID, "user_id", userID)
	return true
}

// MessageInput describes a message to append. Role defaults to user and
// Type to text.
type MessageInput struct {
	SenderID   string
	SenderName string
	Role       Role
	Content    string
	Type       MessageType
	IsSystem   bool
}

// AddMessage appends to the session history, trimming the oldest entries
// beyond the session's message cap, and persists the result.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, in MessageInput) bool {
	s := m.storage.Get(ctx, sessionID)
	if s == nil || s.Status == StatusDeleted {
		return false
	}

	now := m.clock()
	role := in.Role
	if role == "" {
		role = RoleUser
	}
	msgType := in.Type
	if msgType == "" {
		msgType = MessageText
	}

	s.Append(Message{
		ID:         ids.NewMessageID(now),
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Role:       role,
		Content:    in.Content,
		Type:       msgType,
		Timestamp:  now,
		IsSystem:   in.IsSystem,
	})
	return m.Update(ctx, s)
}

// GetMessages returns the last limit messages in chronological order; a
// non positive limit returns the full history.
func (m *Manager) GetMessages(ctx context.Context, sessionID string, limit int) []Message {
	s := m.storage.Get(ctx, sessionID)
	if s == nil {
		return nil
	}
	return s.Recent(limit)
}

// CurrentSession resolves the session the user is currently bound to, or
// nil when unbound or the session is gone.
func (m *Manager) CurrentSession(ctx context.Context, userID string) *Session {
	cur, err := m.users.CurrentContext(ctx, userID)
	if err != nil {
		m.log.Warn("session.current_lookup_failed", "user_id", userID, "error", err)
		return nil
	}
	if cur == "" {
		return nil
	}
	return m.storage.Get(ctx, cur)
}

// ListActive lists active sessions; an empty userID lists all of them.
func (m *Manager) ListActive(ctx context.Context, userID string) []Session {
	return m.storage.ListActive(ctx, userID)
}

// Pause suspends an active session.
func (m *Manager) Pause(ctx context.Context, id string) bool {
	return m.setStatus(ctx, id, StatusPaused)
}

// Resume reactivates a paused session.
func (m *Manager) Resume(ctx context.Context, id string) bool {
	return m.setStatus(ctx, id, StatusActive)
}

func (m *Manager) setStatus(ctx context.Context, id string, status Status) bool {
	s := m.storage.Get(ctx, id)
	if s == nil || s.Status == StatusDeleted {
		return false
	}
	s.Status = status
	return m.Update(ctx, s)
}

// CleanupExpired flips active sessions past their deadline to expired and
// returns how many were swept. Writes go through the hybrid store so the
// cache stays coherent.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	now := m.clock()
	expired := m.storage.ListExpired(ctx, now)

	n := 0
	for i := range expired {
		s := expired[i]
		s.Status = StatusExpired
		s.UpdatedAt = now
		if m.storage.Save(ctx, &s) {
			n++
		}
	}
	if n > 0 {
		m.log.Info("session.expired_swept", "count", n)
	}
	return n
}

func defaultName(t Type, id string) string {
	short := strings.TrimPrefix(id, "ctx_")
	if len(short) > 8 {
		short = short[:8]
	}
	return string(t) + "_" + short
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
