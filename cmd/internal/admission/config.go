package admission

import "time"

// Default per-user quota limits, applied when a user is first seen.
const (
	DefaultTotalQuota  int64 = 50000
	DefaultDailyLimit  int64 = 5000
	DefaultMinuteLimit int   = 200
)

// Config carries the quota defaults handed to new users and the abuse
// detection thresholds. The zero value is usable: missing fields fall back
// to the defaults above.
type Config struct {
	TotalQuota  int64
	DailyLimit  int64
	MinuteLimit int

	Rules DetectionRules
}

// DetectionRules tunes the four abuse heuristics.
type DetectionRules struct {
	RapidWindow    time.Duration // rapid-request window
	RapidThreshold int           // requests tolerated within RapidWindow

	TokenBurstThreshold int // single-call token spend above this is abuse

	SpamWindow    time.Duration // spam window over message timestamps
	SpamThreshold int

	RepeatWindow    time.Duration // repeated-content window
	RepeatThreshold int           // identical messages tolerated within RepeatWindow
}

// DefaultConfig returns the stock limits and detection rules.
func DefaultConfig() Config {
	return Config{
		TotalQuota:  DefaultTotalQuota,
		DailyLimit:  DefaultDailyLimit,
		MinuteLimit: DefaultMinuteLimit,
		Rules:       DefaultDetectionRules(),
	}
}

// DefaultDetectionRules returns the stock abuse detection thresholds.
func DefaultDetectionRules() DetectionRules {
	return DetectionRules{
		RapidWindow:         60 * time.Second,
		RapidThreshold:      10,
		TokenBurstThreshold: 1000,
		SpamWindow:          10 * time.Second,
		SpamThreshold:       5,
		RepeatWindow:        30 * time.Second,
		RepeatThreshold:     3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TotalQuota <= 0 {
		c.TotalQuota = def.TotalQuota
	}
	if c.DailyLimit <= 0 {
		c.DailyLimit = def.DailyLimit
	}
	if c.MinuteLimit <= 0 {
		c.MinuteLimit = def.MinuteLimit
	}
	c.Rules = c.Rules.withDefaults()
	return c
}

func (r DetectionRules) withDefaults() DetectionRules {
	def := DefaultDetectionRules()
	if r.RapidWindow <= 0 {
		r.RapidWindow = def.RapidWindow
	}
	if r.RapidThreshold <= 0 {
		r.RapidThreshold = def.RapidThreshold
	}
	if r.TokenBurstThreshold <= 0 {
		r.TokenBurstThreshold = def.TokenBurstThreshold
	}
	if r.SpamWindow <= 0 {
		r.SpamWindow = def.SpamWindow
	}
	if r.SpamThreshold <= 0 {
		r.SpamThreshold = def.SpamThreshold
	}
	if r.RepeatWindow <= 0 {
		r.RepeatWindow = def.RepeatWindow
	}
	if r.RepeatThreshold <= 0 {
		r.RepeatThreshold = def.RepeatThreshold
	}
	return r
}
