package session

import "time"

// Type distinguishes how a session came to exist and who it serves.
type Type string

const (
	TypePrivate   Type = "private"
	TypeGroup     Type = "group"
	TypeMultiUser Type = "multi_user"
	TypeRolePlay  Type = "role_play"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusExpired  Status = "expired"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Role tells who authored a message within the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType is the payload kind of a message.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageVoice   MessageType = "voice"
	MessageSystem  MessageType = "system"
	MessageCommand MessageType = "command"
)

// DefaultMaxMessages bounds the retained history of a session.
const DefaultMaxMessages = 200

// Message is one entry in a session's history.
type Message struct {
	ID         string      `json:"message_id"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Type       MessageType `json:"message_type"`
	Timestamp  time.Time   `json:"timestamp"`
	IsSystem   bool        `json:"is_system,omitempty"`
}

// Session is a conversation with participants and a bounded history.
type Session struct {
	ID           string            `json:"context_id"`
	Type         Type              `json:"type"`
	Name         string            `json:"name"`
	CreatorID    string            `json:"creator_id"`
	Participants []string          `json:"participants"`
	Messages     []Message         `json:"messages"`
	MaxMessages  int               `json:"max_messages"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// HasParticipant reports whether userID is part of the session.
func (s *Session) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// IsExpired reports whether the session's expiry deadline has passed.
// Sessions without a deadline never expire.
func (s *Session) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Append adds a message to the history and drops the oldest entries once
// the history exceeds MaxMessages.
func (s *Session) Append(m Message) {
	s.Messages = append(s.Messages, m)
	limit := s.MaxMessages
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	if len(s.Messages) > limit {
		trimmed := make([]Message, limit)
		copy(trimmed, s.Messages[len(s.Messages)-limit:])
		s.Messages = trimmed
	}
}

// Recent returns the last limit messages in chronological order. A non
// positive limit returns the full history. The result is a copy.
func (s *Session) Recent(limit int) []Message {
	msgs := s.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Clone returns a deep copy so callers can mutate it freely.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Participants = append([]string(nil), s.Participants...)
	out.Messages = append([]Message(nil), s.Messages...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
