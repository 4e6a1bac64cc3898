package redeem

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/identity/ids"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/security/token"
)

const (
	defaultCodeBytes = 12
	defaultTTL       = 30 * 24 * time.Hour
	maxNoteLen       = 512
)

// Code represents a redeem code row. The plain code itself is never
// stored; only its hash is.
type Code struct {
	ID         string
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

// CreateInput describes code creation.
type CreateInput struct {
	Amount    int64
	TTL       time.Duration
	MaxUses   int
	Note      *string
	CreatedBy *string
}

// QuotaGranter credits redeemed amounts to a user's token quota.
// *admission.Controller satisfies it.
type QuotaGranter interface {
	AddQuota(ctx context.Context, userID string, amount int64) error
}

// Service mints and redeems quota gift codes.
type Service struct {
	log       *slog.Logger
	store     Store
	grants    QuotaGranter
	codeBytes int
	clock     func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithCodeBytes sets the length of generated codes in random bytes.
func WithCodeBytes(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		s.codeBytes = n
		return nil
	}
}

// WithClock overrides the service clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Service) error {
		if clock != nil {
			s.clock = clock
		}
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(log *slog.Logger, store Store, grants QuotaGranter, opts ...Option) (*Service, error) {
	if store == nil || grants == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:       log,
		store:     store,
		grants:    grants,
		codeBytes: defaultCodeBytes,
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateCode mints a new code and returns it plus the plain code
// string. The plain code is shown exactly once; afterwards only its
// hash exists.
func (s *Service) CreateCode(ctx context.Context, in CreateInput) (Code, string, error) {
	if s == nil || s.store == nil {
		return Code{}, "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Code{}, "", err
	}
	if in.Amount <= 0 {
		return Code{}, "", ErrInvalidInput
	}

	now := s.clock()
	ttl := in.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxUses := in.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}
	note := trimPtr(in.Note)
	if note != nil && len(*note) > maxNoteLen {
		return Code{}, "", ErrInvalidInput
	}

	plain, err := newOpaqueCode(s.codeBytes)
	if err != nil {
		return Code{}, "", err
	}
	codeID, err := ids.NewULID(now)
	if err != nil {
		return Code{}, "", err
	}

	c, err := s.store.Create(ctx, CreateRecord{
		ID:        codeID,
		CodeHash:  token.HashSHA256Hex(plain),
		Amount:    in.Amount,
		CreatedBy: trimPtr(in.CreatedBy),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		MaxUses:   maxUses,
		Note:      note,
	})
	if err != nil {
		return Code{}, "", err
	}
	s.log.Info("redeem.code_created",
		"code_id", c.ID,
		"amount", c.Amount,
		"max_uses", c.MaxUses,
		"expires_at", c.ExpiresAt)
	return c, plain, nil
}

// Redeem claims one use of a code and credits its amount to the user.
// It returns the amount granted. ErrNotFound and ErrNotActive cover
// the unknown and inactive cases; anything else is a storage or grant
// failure.
func (s *Service) Redeem(ctx context.Context, code, userID string) (int64, error) {
	if s == nil || s.store == nil {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	code = strings.TrimSpace(code)
	userID = strings.TrimSpace(userID)
	if code == "" || userID == "" {
		return 0, ErrInvalidInput
	}

	c, err := s.store.Consume(ctx, ConsumeRecord{
		CodeHash: token.HashSHA256Hex(code),
		UserID:   userID,
		Now:      s.clock(),
	})
	if err != nil {
		return 0, err
	}

	// The use is already burned at this point. A grant failure loses
	// the redemption, so it is logged at error level for manual repair.
	if err := s.grants.AddQuota(ctx, userID, c.Amount); err != nil {
		s.log.Error("redeem.grant_failed",
			"code_id", c.ID,
			"user_id", userID,
			"amount", c.Amount,
			"error", err)
		return 0, err
	}
	s.log.Info("redeem.granted",
		"code_id", c.ID,
		"user_id", userID,
		"amount", c.Amount,
		"used_count", c.UsedCount)
	return c.Amount, nil
}

func newOpaqueCode(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = defaultCodeBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
