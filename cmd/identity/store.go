package identity

import (
	"context"
	"time"
)

// User is a QQ account the robot has seen.
type User struct {
	ID       string // QQ number
	Nickname string

	IsActive bool
	IsBanned bool

	// Session id the user's private messages currently bind to, if any.
	CurrentContextID *string

	Metadata map[string]string

	CreatedAt  time.Time
	LastActive time.Time
}

// CreateUserInput registers a newly seen QQ account.
type CreateUserInput struct {
	UserID   string
	Nickname string
	Now      time.Time
}

// Store is the user-registry persistence boundary.
//
// Operations that persist a timestamp take an explicit now so callers control
// the clock; stores never read the wall clock themselves.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)

	// UpdateNickname also touches last_active: a nickname change is only
	// observed while the user is talking to the robot.
	UpdateNickname(ctx context.Context, userID, nickname string, now time.Time) error

	// SetBanned flips the ban flag. It intentionally does NOT touch
	// last_active: banning is an admin action, not user activity.
	SetBanned(ctx context.Context, userID string, banned bool) error

	// SetCurrentContext binds (or, with nil, unbinds) the private session the
	// user's direct messages route to.
	SetCurrentContext(ctx context.Context, userID string, contextID *string) error

	TouchLastActive(ctx context.Context, userID string, now time.Time) error

	// ListActiveUsers returns active users ordered by last_active descending.
	ListActiveUsers(ctx context.Context, limit int) ([]User, error)
	CountActiveUsers(ctx context.Context) (int, error)
}
