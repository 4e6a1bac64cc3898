package admission

import (
	"fmt"
	"time"
)

// BanType distinguishes bans that expire from bans that do not.
type BanType string

const (
	BanTemporary BanType = "temporary"
	BanPermanent BanType = "permanent"
)

// BanReason is the stable, machine-readable cause stored with a ban.
type BanReason string

const (
	ReasonRateLimitExceeded BanReason = "rate_limit_exceeded"
	ReasonTokenAbuse        BanReason = "token_abuse"
	ReasonMaliciousBehavior BanReason = "malicious_behavior"
	ReasonSpamming          BanReason = "spamming"
	ReasonManual            BanReason = "manual"
)

// Abuse descriptions returned by DetectAbuse, in the user's language.
const (
	AbuseRapidRequests   = "请求过于频繁"
	AbuseTokenBurst      = "Token消耗异常"
	AbuseSpamming        = "检测到刷屏行为"
	AbuseRepeatedContent = "发送重复内容"
)

// BanRecord is one ban in a user's audit trail. Records are never deleted;
// unbanning rewrites ExpiresAt so history stays intact.
type BanRecord struct {
	ID        string
	UserID    string
	Reason    BanReason
	Type      BanType
	StartedAt time.Time
	ExpiresAt *time.Time
	Details   string
}

// IsActive reports whether the ban is in force at now. Permanent bans are
// always active; a temporary ban without an expiry is treated as inactive.
func (r *BanRecord) IsActive(now time.Time) bool {
	if r.Type == BanPermanent {
		return true
	}
	if r.ExpiresAt == nil {
		return false
	}
	return now.Before(*r.ExpiresAt)
}

// Remaining reports how much ban time is left at now. ok is false for
// permanent bans, which have no expiry.
func (r *BanRecord) Remaining(now time.Time) (time.Duration, bool) {
	if r.Type == BanPermanent {
		return 0, false
	}
	if r.ExpiresAt == nil {
		return 0, true
	}
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// banMessage renders the user-facing denial text for an active ban.
func banMessage(rec *BanRecord, now time.Time) string {
	if rec.Type == BanPermanent {
		return "您已被永久封禁。"
	}
	if d, ok := rec.Remaining(now); ok && d > 0 {
		return fmt.Sprintf("您已被封禁，剩余 %d 分钟。", int64(d.Seconds())/60)
	}
	return "您已被封禁。"
}
