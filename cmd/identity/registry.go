package identity

import (
	"context"
	"log/slog"
	"time"
)

// Registry is the user-registry service the router and gateway talk to.
// It layers get-or-create and nickname-refresh semantics over a Store.
type Registry struct {
	log   *slog.Logger
	store Store
	clock func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the registry clock (tests).
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry constructs a Registry.
func NewRegistry(log *slog.Logger, store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:   log,
		store: store,
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// GetOrCreate returns the user for a QQ number, registering it on first
// contact. A non-empty nickname differing from the stored one refreshes it.
func (r *Registry) GetOrCreate(ctx context.Context, userID, nickname string) (User, error) {
	const op = "identity.GetOrCreate"

	userID = NormalizeUserID(userID)
	if userID == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing user_id"}
	}
	nickname = NormalizeNickname(nickname)
	now := r.clock()

	u, err := r.store.GetUser(ctx, userID)
	switch {
	case err == nil:
		if nickname != "" && nickname != u.Nickname {
			if uerr := r.store.UpdateNickname(ctx, userID, nickname, now); uerr != nil {
				return User{}, uerr
			}
			u.Nickname = nickname
			if now.After(u.LastActive) {
				u.LastActive = now
			}
		}
		return u, nil

	case IsNotFound(err):
		created, cerr := r.store.CreateUser(ctx, CreateUserInput{
			UserID:   userID,
			Nickname: nickname,
			Now:      now,
		})
		if cerr == nil {
			r.log.Info("user.registered", "user_id", userID)
			return created, nil
		}
		// Lost a registration race: the row exists now, fetch it.
		if IsConflict(cerr) {
			return r.store.GetUser(ctx, userID)
		}
		return User{}, cerr

	default:
		return User{}, err
	}
}

// Touch bumps the user's last_active timestamp.
func (r *Registry) Touch(ctx context.Context, userID string) error {
	return r.store.TouchLastActive(ctx, userID, r.clock())
}

// SetBanned flips the ban flag on the registry row.
func (r *Registry) SetBanned(ctx context.Context, userID string, banned bool) error {
	return r.store.SetBanned(ctx, userID, banned)
}

// BindContext points the user's private messages at a session.
func (r *Registry) BindContext(ctx context.Context, userID, contextID string) error {
	if contextID == "" {
		return r.store.SetCurrentContext(ctx, userID, nil)
	}
	return r.store.SetCurrentContext(ctx, userID, &contextID)
}

// CurrentContext returns the session id bound to the user, or "" if none.
func (r *Registry) CurrentContext(ctx context.Context, userID string) (string, error) {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if u.CurrentContextID == nil {
		return "", nil
	}
	return *u.CurrentContextID, nil
}

// ActiveUsers lists recently active users, newest first.
func (r *Registry) ActiveUsers(ctx context.Context, limit int) ([]User, error) {
	return r.store.ListActiveUsers(ctx, limit)
}
