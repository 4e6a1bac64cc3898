package redeem

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/security/token"
)

type stubGranter struct {
	mu     sync.Mutex
	err    error
	grants map[string]int64
}

func (g *stubGranter) AddQuota(_ context.Context, userID string, amount int64) error {
	if g.err != nil {
		return g.err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.grants == nil {
		g.grants = make(map[string]int64)
	}
	g.grants[userID] += amount
	return nil
}

func (g *stubGranter) granted(userID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grants[userID]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, grants QuotaGranter, clock func() time.Time) *Service {
	t.Helper()
	svc, err := NewService(testLogger(), NewInMemoryStore(), grants, WithClock(clock))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewService_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewService(testLogger(), nil, &stubGranter{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil store: got %v, want ErrInvalidInput", err)
	}
	if _, err := NewService(testLogger(), NewInMemoryStore(), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil granter: got %v, want ErrInvalidInput", err)
	}
	if _, err := NewService(testLogger(), NewInMemoryStore(), &stubGranter{}, WithCodeBytes(0)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero code bytes: got %v, want ErrInvalidInput", err)
	}
}

func TestCreateCode_Defaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &stubGranter{}, func() time.Time { return now })

	c, plain, err := svc.CreateCode(context.Background(), CreateInput{Amount: 500})
	if err != nil {
		t.Fatalf("create code: %v", err)
	}
	if c.ID == "" || plain == "" {
		t.Fatalf("expected code id and plain code, got %+v / %q", c, plain)
	}
	if got, want := len(plain), base64.RawURLEncoding.EncodedLen(defaultCodeBytes); got != want {
		t.Fatalf("plain code length = %d, want %d", got, want)
	}
	if c.Amount != 500 || c.MaxUses != 1 || c.UsedCount != 0 {
		t.Fatalf("got %+v", c)
	}
	if !c.CreatedAt.Equal(now) || !c.ExpiresAt.Equal(now.Add(defaultTTL)) {
		t.Fatalf("created_at=%v expires_at=%v", c.CreatedAt, c.ExpiresAt)
	}

	// Only the hash is stored; the plain code must round-trip to it.
	stored, err := svc.store.GetByCodeHash(context.Background(), token.HashSHA256Hex(plain))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if stored.ID != c.ID {
		t.Fatalf("stored id = %q, want %q", stored.ID, c.ID)
	}
}

func TestCreateCode_Validation(t *testing.T) {
	t.Parallel()

	longNote := ""
	for len(longNote) <= maxNoteLen {
		longNote += "考研加油"
	}

	cases := []struct {
		name string
		in   CreateInput
	}{
		{"zero amount", CreateInput{Amount: 0}},
		{"negative amount", CreateInput{Amount: -100}},
		{"long note", CreateInput{Amount: 100, Note: &longNote}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc := newTestService(t, &stubGranter{}, nil)
			if _, _, err := svc.CreateCode(context.Background(), tc.in); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestRedeem_SingleUse(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	grants := &stubGranter{}
	svc := newTestService(t, grants, func() time.Time { return now })

	_, plain, err := svc.CreateCode(context.Background(), CreateInput{Amount: 1000})
	if err != nil {
		t.Fatalf("create code: %v", err)
	}

	got, err := svc.Redeem(context.Background(), plain, "10001")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got != 1000 {
		t.Fatalf("granted = %d, want 1000", got)
	}
	if grants.granted("10001") != 1000 {
		t.Fatalf("quota credited = %d, want 1000", grants.granted("10001"))
	}

	if _, err := svc.Redeem(context.Background(), plain, "10002"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second redeem: got %v, want ErrNotActive", err)
	}
	if grants.granted("10002") != 0 {
		t.Fatalf("second user credited %d, want 0", grants.granted("10002"))
	}
}

func TestRedeem_MultiUse(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	grants := &stubGranter{}
	svc := newTestService(t, grants, func() time.Time { return now })

	_, plain, err := svc.CreateCode(context.Background(), CreateInput{Amount: 300, MaxUses: 3})
	if err != nil {
		t.Fatalf("create code: %v", err)
	}

	for i := 0; i < 3; i++ {
		user := "1000" + strconv.Itoa(i)
		if _, err := svc.Redeem(context.Background(), plain, user); err != nil {
			t.Fatalf("redeem %d: %v", i, err)
		}
	}
	if _, err := svc.Redeem(context.Background(), plain, "10009"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("fourth redeem: got %v, want ErrNotActive", err)
	}
}

func TestRedeem_Expired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	grants := &stubGranter{}
	svc := newTestService(t, grants, func() time.Time { return now })

	_, plain, err := svc.CreateCode(context.Background(), CreateInput{Amount: 100, TTL: time.Hour})
	if err != nil {
		t.Fatalf("create code: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.Redeem(context.Background(), plain, "10001"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("got %v, want ErrNotActive", err)
	}
	if grants.granted("10001") != 0 {
		t.Fatalf("expired code credited %d, want 0", grants.granted("10001"))
	}
}

func TestRedeem_UnknownCode(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &stubGranter{}, nil)
	if _, err := svc.Redeem(context.Background(), "no-such-code", "10001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRedeem_Validation(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &stubGranter{}, nil)
	if _, err := svc.Redeem(context.Background(), "", "10001"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty code: got %v, want ErrInvalidInput", err)
	}
	if _, err := svc.Redeem(context.Background(), "abc", "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty user: got %v, want ErrInvalidInput", err)
	}
}

func TestRedeem_GrantFailureBurnsUse(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	grants := &stubGranter{err: errors.New("quota store down")}
	svc := newTestService(t, grants, func() time.Time { return now })

	_, plain, err := svc.CreateCode(context.Background(), CreateInput{Amount: 100})
	if err != nil {
		t.Fatalf("create code: %v", err)
	}

	if _, err := svc.Redeem(context.Background(), plain, "10001"); err == nil {
		t.Fatal("expected grant failure to surface")
	}
	// The use was consumed before the grant failed; the code stays burned.
	if _, err := svc.Redeem(context.Background(), plain, "10001"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("retry: got %v, want ErrNotActive", err)
	}
}

func TestInMemoryStore_ConsumeGuards(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	revoked := now.Add(-time.Minute)

	store := NewInMemoryStore()
	_, err := store.Create(context.Background(), CreateRecord{
		ID:        "01JWMEM000000000000000TEST",
		CodeHash:  "deadbeef",
		Amount:    100,
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Hour),
		MaxUses:   1,
		RevokedAt: &revoked,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.Consume(context.Background(), ConsumeRecord{CodeHash: "deadbeef", UserID: "10001", Now: now})
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("revoked code: got %v, want ErrNotActive", err)
	}
	_, err = store.Consume(context.Background(), ConsumeRecord{CodeHash: "absent", UserID: "10001", Now: now})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown hash: got %v, want ErrNotFound", err)
	}
}
