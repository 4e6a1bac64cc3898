package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/identity/ids"
)

// DenialCode identifies why admission was refused.
type DenialCode string

const (
	CodeBanned             DenialCode = "BANNED"
	CodeQuotaExceeded      DenialCode = "QUOTA_EXCEEDED"
	CodeRateLimitExceeded  DenialCode = "RATE_LIMIT_EXCEEDED"
	CodeDailyLimitExceeded DenialCode = "DAILY_LIMIT_EXCEEDED"
)

// Decision is the outcome of CheckAdmission. When Allowed is false, Code
// carries the machine-readable cause and Reason the user-facing text.
type Decision struct {
	Allowed bool
	Code    DenialCode
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(code DenialCode, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// UserFlagger mirrors ban state onto the user registry so that user listings
// show who is currently banned. Optional; admission works without it.
type UserFlagger interface {
	SetBanned(ctx context.Context, userID string, banned bool) error
}

// Controller is the admission service: ban checks, token quotas, rate
// limiting, and abuse heuristics behind a single decision surface.
type Controller struct {
	log      *slog.Logger
	store    Store
	cfg      Config
	clock    func() time.Time
	trackers *trackerSet
	flags    UserFlagger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the controller clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithUserFlags wires the user registry so bans flip the user's banned flag.
func WithUserFlags(f UserFlagger) Option {
	return func(c *Controller) { c.flags = f }
}

// NewController constructs a Controller.
func NewController(log *slog.Logger, store Store, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		log:      log,
		store:    store,
		cfg:      cfg.withDefaults(),
		clock:    func() time.Time { return time.Now().UTC() },
		trackers: newTrackerSet(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// CheckAdmission decides whether a user's next message may enter the
// pipeline. Checks run in order and stop at the first failure: active ban,
// total quota, per-minute rate, daily quota.
//
// Internal errors are logged and treated as allowed. Locking users out
// because Postgres blinked would punish the wrong party.
func (c *Controller) CheckAdmission(ctx context.Context, userID string) Decision {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return allow()
	}
	now := c.clock()

	rec, err := c.store.ActiveBan(ctx, userID, now)
	switch {
	case err == nil:
		return deny(CodeBanned, banMessage(rec, now))
	case !IsNotFound(err):
		c.log.Error("admission.ban_check_failed", "user_id", userID, "error", err)
		return allow()
	}

	q, err := c.loadQuota(ctx, userID, now)
	if err != nil {
		c.log.Error("admission.quota_check_failed", "user_id", userID, "error", err)
		return allow()
	}

	// The request's token cost is unknown until after generation, so the
	// balance check here only fires once the raw balance has gone negative
	// (an admin shrank total_quota below used).
	if q.TotalQuota-q.Used < 0 {
		return deny(CodeQuotaExceeded, fmt.Sprintf("配额不足，剩余 %d Token", q.Remaining()))
	}
	if q.MinuteExceeded(now) {
		return deny(CodeRateLimitExceeded, "请求过于频繁，请稍后再试。")
	}
	if q.DailyRemaining() <= 0 {
		return deny(CodeDailyLimitExceeded, "今日配额已用完，请明天再试。")
	}
	return allow()
}

// Consume spends tokens from the user's quota and stamps the minute log.
// It re-validates first and returns false without mutating anything when the
// spend would overdraw the total or daily budget or the minute window is
// already full. Unlike CheckAdmission this fails closed: a storage error
// means the spend is refused.
func (c *Controller) Consume(ctx context.Context, userID string, tokens int64) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" || tokens < 0 {
		return false
	}
	now := c.clock()

	// Serialize per user so two in-flight messages cannot both pass
	// validation and overdraw the same budget.
	t := c.trackers.get(userID, now)
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := c.loadQuota(ctx, userID, now)
	if err != nil {
		c.log.Error("admission.consume_load_failed", "user_id", userID, "error", err)
		return false
	}

	switch {
	case q.Remaining() < tokens:
		c.log.Warn("admission.consume_refused", "user_id", userID, "tokens", tokens, "remaining", q.Remaining())
		return false
	case q.DailyRemaining() < tokens:
		c.log.Warn("admission.consume_refused", "user_id", userID, "tokens", tokens, "daily_remaining", q.DailyRemaining())
		return false
	case q.MinuteExceeded(now):
		c.log.Warn("admission.consume_refused", "user_id", userID, "tokens", tokens, "cause", "minute_limit")
		return false
	}

	q.Used += tokens
	q.DailyUsed += tokens
	q.pruneMinuteLog(now)
	q.MinuteLog = append(q.MinuteLog, now)
	q.UpdatedAt = now

	if _, err := c.store.UpdateQuota(ctx, q); err != nil {
		c.log.Error("admission.consume_update_failed", "user_id", userID, "error", err)
		return false
	}
	c.log.Debug("admission.consumed", "user_id", userID, "tokens", tokens)
	return true
}

// DetectAbuse runs the four heuristics against the user's sliding windows
// and reports the first match. Window state lives in process memory only.
func (c *Controller) DetectAbuse(userID, content string, tokensUsed int64) (bool, string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ""
	}
	now := c.clock()
	rules := c.cfg.Rules

	t := c.trackers.get(userID, now)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests = pruneTimes(t.requests, now, rules.RapidWindow)
	t.requests = append(t.requests, now)
	if len(t.requests) > rules.RapidThreshold {
		return true, AbuseRapidRequests
	}

	if tokensUsed > 0 && tokensUsed > int64(rules.TokenBurstThreshold) {
		c.log.Warn("admission.token_burst", "user_id", userID, "tokens", tokensUsed)
		return true, AbuseTokenBurst
	}

	if content != "" {
		t.messages = pruneTimes(t.messages, now, rules.SpamWindow)
		t.messages = append(t.messages, now)
		if len(t.messages) > rules.SpamThreshold {
			return true, AbuseSpamming
		}

		t.contents = pruneContents(t.contents, now, rules.RepeatWindow)
		digest := contentDigest(content)
		repeats := 0
		for _, e := range t.contents {
			if e.digest == digest {
				repeats++
			}
		}
		t.contents = append(t.contents, contentEntry{at: now, digest: digest})
		if repeats >= rules.RepeatThreshold {
			return true, AbuseRepeatedContent
		}
	}

	return false, ""
}

// BanInput describes a ban to create. Type defaults to temporary and
// DurationHours to 1; DurationHours is ignored for permanent bans.
type BanInput struct {
	UserID        string
	Reason        BanReason
	Type          BanType
	DurationHours int
	Details       string
}

// Ban creates a ban record, flips the user's banned flag, and clears the
// user's sliding windows so the slate is clean when the ban lifts.
func (c *Controller) Ban(ctx context.Context, in BanInput) (*BanRecord, error) {
	const op = "admission.Ban"

	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing user_id"}
	}
	if in.Reason == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing reason"}
	}
	banType := in.Type
	if banType == "" {
		banType = BanTemporary
	}
	if banType != BanTemporary && banType != BanPermanent {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown ban type"}
	}

	now := c.clock()
	var expires *time.Time
	if banType == BanTemporary {
		hours := in.DurationHours
		if hours <= 0 {
			hours = 1
		}
		t := now.Add(time.Duration(hours) * time.Hour)
		expires = &t
	}

	rec := &BanRecord{
		ID:        ids.NewBanID(),
		UserID:    userID,
		Reason:    in.Reason,
		Type:      banType,
		StartedAt: now,
		ExpiresAt: expires,
		Details:   in.Details,
	}
	created, err := c.store.CreateBan(ctx, rec)
	if err != nil {
		return nil, err
	}

	c.setUserFlag(ctx, userID, true)
	c.trackers.clear(userID)

	c.log.Warn("user.banned",
		"user_id", userID, "reason", string(in.Reason), "ban_type", string(banType))
	return created, nil
}

// BanForSpam applies the standard one-hour spam ban.
func (c *Controller) BanForSpam(ctx context.Context, userID string) (*BanRecord, error) {
	return c.Ban(ctx, BanInput{
		UserID:        userID,
		Reason:        ReasonSpamming,
		Type:          BanTemporary,
		DurationHours: 1,
		Details:       "检测到刷屏行为",
	})
}

// BanForAbuse applies the standard 24-hour abuse ban.
func (c *Controller) BanForAbuse(ctx context.Context, userID string) (*BanRecord, error) {
	return c.Ban(ctx, BanInput{
		UserID:        userID,
		Reason:        ReasonMaliciousBehavior,
		Type:          BanTemporary,
		DurationHours: 24,
		Details:       "检测到恶意滥用行为",
	})
}

// BanPermanently creates a ban that never expires.
func (c *Controller) BanPermanently(ctx context.Context, userID string, reason BanReason, details string) (*BanRecord, error) {
	return c.Ban(ctx, BanInput{
		UserID:  userID,
		Reason:  reason,
		Type:    BanPermanent,
		Details: details,
	})
}

// Unban lifts the user's active ban by moving its expiry to now and clears
// the banned flag. Returns false when there was nothing to lift. A permanent
// ban cannot be lifted this way; its record ignores the expiry.
func (c *Controller) Unban(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, OpError{Op: "admission.Unban", Kind: ErrInvalidInput, Msg: "missing user_id"}
	}
	now := c.clock()

	rec, err := c.store.ActiveBan(ctx, userID, now)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	rec.ExpiresAt = &now
	if _, err := c.store.UpdateBan(ctx, rec); err != nil {
		return false, err
	}

	c.setUserFlag(ctx, userID, false)
	c.log.Info("user.unbanned", "user_id", userID)
	return true, nil
}

// IsBanned reports whether the user has a ban in force. Storage errors read
// as "not banned", consistent with CheckAdmission's fail-open stance.
func (c *Controller) IsBanned(ctx context.Context, userID string) bool {
	_, err := c.store.ActiveBan(ctx, strings.TrimSpace(userID), c.clock())
	if err == nil {
		return true
	}
	if !IsNotFound(err) {
		c.log.Error("admission.ban_check_failed", "user_id", userID, "error", err)
	}
	return false
}

// ActiveBanRecord returns the ban currently in force, or a NotFoundError.
func (c *Controller) ActiveBanRecord(ctx context.Context, userID string) (*BanRecord, error) {
	return c.store.ActiveBan(ctx, strings.TrimSpace(userID), c.clock())
}

// ListBans returns the user's ban trail, newest first.
func (c *Controller) ListBans(ctx context.Context, userID string, limit int) ([]BanRecord, error) {
	return c.store.ListBans(ctx, strings.TrimSpace(userID), limit)
}

// ListActiveBans returns all bans in force right now, newest first.
func (c *Controller) ListActiveBans(ctx context.Context) ([]BanRecord, error) {
	return c.store.ListActiveBans(ctx, c.clock())
}

// Usage is a point-in-time snapshot of a user's quota state.
type Usage struct {
	UserID         string `json:"user_id"`
	TotalQuota     int64  `json:"total_quota"`
	Used           int64  `json:"used"`
	Remaining      int64  `json:"remaining"`
	DailyLimit     int64  `json:"daily_limit"`
	DailyUsed      int64  `json:"daily_used"`
	DailyRemaining int64  `json:"daily_remaining"`
	MinuteLimit    int    `json:"minute_limit"`
	MinuteCount    int    `json:"minute_count"`
	MinuteExceeded bool   `json:"minute_exceeded"`
}

// GetUsage returns the user's current usage, creating the default quota on
// first sight.
func (c *Controller) GetUsage(ctx context.Context, userID string) (Usage, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Usage{}, OpError{Op: "admission.GetUsage", Kind: ErrInvalidInput, Msg: "missing user_id"}
	}
	now := c.clock()
	q, err := c.loadQuota(ctx, userID, now)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		UserID:         q.UserID,
		TotalQuota:     q.TotalQuota,
		Used:           q.Used,
		Remaining:      q.Remaining(),
		DailyLimit:     q.DailyLimit,
		DailyUsed:      q.DailyUsed,
		DailyRemaining: q.DailyRemaining(),
		MinuteLimit:    q.MinuteLimit,
		MinuteCount:    q.MinuteCount(now),
		MinuteExceeded: q.MinuteExceeded(now),
	}, nil
}

// AddQuota grants extra total quota. A negative amount revokes quota.
func (c *Controller) AddQuota(ctx context.Context, userID string, amount int64) error {
	return c.mutateQuota(ctx, userID, func(q *Quota) {
		q.TotalQuota += amount
	})
}

// SetDailyLimit replaces the user's daily budget.
func (c *Controller) SetDailyLimit(ctx context.Context, userID string, limit int64) error {
	if limit < 0 {
		return OpError{Op: "admission.SetDailyLimit", Kind: ErrInvalidInput, Msg: "negative limit"}
	}
	return c.mutateQuota(ctx, userID, func(q *Quota) {
		q.DailyLimit = limit
	})
}

// SetMinuteLimit replaces the user's per-minute request cap.
func (c *Controller) SetMinuteLimit(ctx context.Context, userID string, limit int) error {
	if limit < 1 {
		return OpError{Op: "admission.SetMinuteLimit", Kind: ErrInvalidInput, Msg: "limit below 1"}
	}
	return c.mutateQuota(ctx, userID, func(q *Quota) {
		q.MinuteLimit = limit
	})
}

// ResetUser zeroes all usage counters and the minute log.
func (c *Controller) ResetUser(ctx context.Context, userID string) error {
	return c.mutateQuota(ctx, userID, func(q *Quota) {
		q.Used = 0
		q.DailyUsed = 0
		q.MinuteLog = nil
	})
}

// ResetDaily zeroes today's usage and schedules the next rollover 24h out.
func (c *Controller) ResetDaily(ctx context.Context, userID string) error {
	now := c.clock()
	return c.mutateQuota(ctx, userID, func(q *Quota) {
		q.DailyUsed = 0
		q.DailyResetAt = now.Add(24 * time.Hour)
	})
}

// SweepTrackers drops sliding-window state for users idle longer than
// idleFor and reports how many were dropped. Run it periodically; the
// registry otherwise grows by one entry per user ever seen.
func (c *Controller) SweepTrackers(idleFor time.Duration) int {
	return c.trackers.sweep(c.clock().Add(-idleFor))
}

// ---- internals ----

// loadQuota fetches the quota, creating the default row on first sight and
// rolling the daily counters when the reset time has passed. The returned
// copy has a pruned minute log.
func (c *Controller) loadQuota(ctx context.Context, userID string, now time.Time) (*Quota, error) {
	q, err := c.store.GetQuota(ctx, userID)
	switch {
	case err == nil:

	case IsNotFound(err):
		created, cerr := c.store.CreateQuota(ctx, NewQuota(userID, c.cfg, now))
		if cerr == nil {
			c.log.Info("quota.created", "user_id", userID)
			return created, nil
		}
		// Lost a creation race: the row exists now, fetch it.
		if !IsConflict(cerr) {
			return nil, cerr
		}
		q, err = c.store.GetQuota(ctx, userID)
		if err != nil {
			return nil, err
		}

	default:
		return nil, err
	}

	if !now.Before(q.DailyResetAt) {
		q.DailyUsed = 0
		q.DailyResetAt = now.Add(24 * time.Hour)
		q.UpdatedAt = now
		if _, err := c.store.UpdateQuota(ctx, q); err != nil {
			return nil, err
		}
		c.log.Info("quota.daily_reset", "user_id", userID)
	}

	q.pruneMinuteLog(now)
	return q, nil
}

// mutateQuota applies fn under the user's lock and persists the result.
func (c *Controller) mutateQuota(ctx context.Context, userID string, fn func(*Quota)) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return OpError{Op: "admission.mutateQuota", Kind: ErrInvalidInput, Msg: "missing user_id"}
	}
	now := c.clock()

	t := c.trackers.get(userID, now)
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := c.loadQuota(ctx, userID, now)
	if err != nil {
		return err
	}
	fn(q)
	q.UpdatedAt = now
	_, err = c.store.UpdateQuota(ctx, q)
	return err
}

// setUserFlag mirrors ban state to the user registry, best-effort.
func (c *Controller) setUserFlag(ctx context.Context, userID string, banned bool) {
	if c.flags == nil {
		return
	}
	if err := c.flags.SetBanned(ctx, userID, banned); err != nil {
		c.log.Warn("admission.user_flag_failed", "user_id", userID, "banned", banned, "error", err)
	}
}
