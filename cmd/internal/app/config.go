package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Shared token QQ clients present when connecting to /ws (OneBot convention).
	// Empty means the gateway accepts unauthenticated connections.
	AccessToken string

	// Bearer token guarding the /admin/* surface. Empty disables admin routes.
	AdminToken string

	// Security policy:
	// If true, both AccessToken and AdminToken MUST be configured at startup.
	RequireAuth bool

	// If true, ROBOT_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and token hashing
	// must be HMAC-based.
	RequireTokenHMAC bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Origin patterns accepted for the websocket upgrade, in addition to
	// same-host. Empty means same-host only.
	WSAllowedOrigins []string

	// How often the session janitor sweeps expired sessions.
	SessionCleanupInterval time.Duration

	// Admission trackers idle longer than this are dropped by the janitor.
	TrackerIdleAfter time.Duration

	// Per-user token quota defaults handed to new users. Zero falls back
	// to the admission package defaults.
	QuotaTotal     int64
	QuotaDaily     int64
	QuotaPerMinute int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("ROBOT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("ROBOT_LOG_LEVEL", "info"),
		LogFormat: EnvString("ROBOT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("ROBOT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ROBOT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ROBOT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ROBOT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("ROBOT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("ROBOT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("ROBOT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("ROBOT_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("ROBOT_REDIS_ADDR", ""),
		RedisPassword: EnvString("ROBOT_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("ROBOT_REDIS_DB", 0),

		ReadinessRequireDB: EnvBool("ROBOT_READINESS_REQUIRE_DB", false),

		AccessToken: EnvString("ROBOT_ACCESS_TOKEN", ""),
		AdminToken:  EnvString("ROBOT_ADMIN_TOKEN", ""),
		RequireAuth: EnvBool("ROBOT_REQUIRE_AUTH", false),

		RequireTokenHMAC: EnvBool("ROBOT_REQUIRE_TOKEN_HMAC", false),

		CORSAllowedOrigins:   EnvStrings("ROBOT_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("ROBOT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("ROBOT_CORS_MAX_AGE_SECONDS", 600),

		WSAllowedOrigins: EnvStrings("ROBOT_WS_ALLOWED_ORIGINS", nil),

		SessionCleanupInterval: EnvDuration("ROBOT_SESSION_CLEANUP_INTERVAL", time.Hour),
		TrackerIdleAfter:       EnvDuration("ROBOT_TRACKER_IDLE_AFTER", 24*time.Hour),

		QuotaTotal:     int64(EnvInt("ROBOT_QUOTA_TOTAL", 0)),
		QuotaDaily:     int64(EnvInt("ROBOT_QUOTA_DAILY", 0)),
		QuotaPerMinute: EnvInt("ROBOT_QUOTA_PER_MINUTE", 0),
	}
}
