package admission

import "time"

// Quota is a user's token budget plus the sliding per-minute request log.
//
// Remaining and DailyRemaining clamp at zero: Used may legitimately exceed
// TotalQuota after an admin shrinks the budget, and callers only ever need
// the non-negative balance.
type Quota struct {
	UserID string

	TotalQuota int64
	Used       int64

	DailyLimit   int64
	DailyUsed    int64
	DailyResetAt time.Time

	MinuteLimit int
	MinuteLog   []time.Time

	UpdatedAt time.Time
}

// NewQuota returns a fresh quota with the configured limits. The first daily
// reset is scheduled 24h out.
func NewQuota(userID string, cfg Config, now time.Time) *Quota {
	cfg = cfg.withDefaults()
	return &Quota{
		UserID:       userID,
		TotalQuota:   cfg.TotalQuota,
		DailyLimit:   cfg.DailyLimit,
		DailyResetAt: now.Add(24 * time.Hour),
		MinuteLimit:  cfg.MinuteLimit,
		UpdatedAt:    now,
	}
}

// Remaining is the unspent share of the total budget, never negative.
func (q *Quota) Remaining() int64 {
	return max(0, q.TotalQuota-q.Used)
}

// DailyRemaining is today's unspent share, never negative.
func (q *Quota) DailyRemaining() int64 {
	return max(0, q.DailyLimit-q.DailyUsed)
}

// MinuteCount counts requests inside the sliding 60s window ending at now.
func (q *Quota) MinuteCount(now time.Time) int {
	n := 0
	for _, ts := range q.MinuteLog {
		if now.Sub(ts) < time.Minute {
			n++
		}
	}
	return n
}

// MinuteExceeded reports whether the per-minute request limit is hit.
func (q *Quota) MinuteExceeded(now time.Time) bool {
	return q.MinuteCount(now) >= q.MinuteLimit
}

// pruneMinuteLog drops entries older than 60s relative to now.
func (q *Quota) pruneMinuteLog(now time.Time) {
	kept := q.MinuteLog[:0]
	for _, ts := range q.MinuteLog {
		if now.Sub(ts) < time.Minute {
			kept = append(kept, ts)
		}
	}
	q.MinuteLog = kept
}

// EstimateTokens estimates the token cost of text with a Unicode-aware
// heuristic: roughly four ASCII characters per token and one token per
// non-ASCII character (CJK, emoji). Used when the upstream model does not
// report real usage.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
