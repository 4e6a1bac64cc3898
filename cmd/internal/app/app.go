// Package app wires the robot runtime: config, logging, storage
// backends, the message processing services, and the HTTP server that
// fronts them.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/identity"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/admin"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/admission"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/gateway"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/intent"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/redeem"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/router"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/session"
)

// App is the robot runtime: it owns the storage backends, the message
// processing services, and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	rdb       *redis.Client

	users    *identity.Registry
	accounts *admission.Controller
	sessions *session.Manager
	codes    *redeem.Service
	routes   *router.Router
	ws       *gateway.Gateway
	admin    *admin.Handler
}

// New constructs a fully wired App from config and logger. Postgres
// backs the durable stores when ROBOT_DATABASE_URL is set, Redis the
// session cache when ROBOT_REDIS_ADDR is set; both fall back to
// in-memory implementations for single-node and dev runs.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	ctx := context.Background()
	a := &App{cfg: cfg, log: log}

	var (
		userStore  identity.Store
		quotaStore admission.Store
		durable    session.DurableStore
		codeStore  redeem.Store
	)
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.dbPool = pool
		a.dbEnabled = true

		us, err := identity.NewPostgresStore(pool)
		if err != nil {
			a.close()
			return nil, err
		}
		qs, err := admission.NewPostgresStore(pool)
		if err != nil {
			a.close()
			return nil, err
		}
		ds, err := session.NewPostgresStore(pool)
		if err != nil {
			a.close()
			return nil, err
		}
		cs, err := redeem.NewPostgresStore(pool)
		if err != nil {
			a.close()
			return nil, err
		}
		userStore, quotaStore, durable, codeStore = us, qs, ds, cs
		log.Info("store.postgres")
	} else {
		userStore = identity.NewInMemoryStore()
		quotaStore = admission.NewInMemoryStore()
		durable = session.NewInMemoryStore()
		codeStore = redeem.NewInMemoryStore()
		log.Info("store.memory")
	}

	var cache session.Cache
	if cfg.RedisAddr != "" {
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.rdb = rdb
		cache = session.NewRedisCache(rdb)
		log.Info("cache.redis", "addr", cfg.RedisAddr)
	} else {
		cache = session.NewInMemoryCache(nil)
		log.Info("cache.memory")
	}

	a.users = identity.NewRegistry(log, userStore)
	a.accounts = admission.NewController(log, quotaStore, admission.Config{
		TotalQuota:  cfg.QuotaTotal,
		DailyLimit:  cfg.QuotaDaily,
		MinuteLimit: cfg.QuotaPerMinute,
	}, admission.WithUserFlags(a.users))
	a.sessions = session.NewManager(log, session.NewHybrid(log, cache, durable), a.users)

	codes, err := redeem.NewService(log, codeStore, a.accounts)
	if err != nil {
		a.close()
		return nil, err
	}
	a.codes = codes

	rec, err := intent.NewRecognizer(log, intent.DefaultRules())
	if err != nil {
		a.close()
		return nil, err
	}
	a.routes = router.New(log, a.accounts, a.sessions, rec, router.WithRedeemer(a.codes))

	wsCfg := gateway.LoadConfigFromEnv()
	wsCfg.AccessToken = cfg.AccessToken
	wsCfg.AllowedOrigins = cfg.WSAllowedOrigins
	a.ws = gateway.NewGateway(log, a.routes, a.accounts, wsCfg)

	a.admin = admin.NewHandler(log, a.accounts, a.sessions, a.ws.Bots(), a.codes, cfg.AdminToken)

	return a, nil
}

// Run starts the HTTP server and the janitor, blocking until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.rdb, a.dbEnabled, a.ws, a.admin)

	var handler http.Handler = mux
	handler = WithSecurityHeaders(handler)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go a.janitor(janitorCtx)

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"redis_enabled", a.rdb != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.close()
		return err
	}

	a.close()
	a.log.Info("server.stopped")
	return nil
}

// janitor periodically expires sessions and drops idle admission
// trackers so neither store grows without bound.
func (a *App) janitor(ctx context.Context) {
	every := nonZeroDuration(a.cfg.SessionCleanupInterval, time.Hour)
	idle := nonZeroDuration(a.cfg.TrackerIdleAfter, 24*time.Hour)

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			expired := a.sessions.CleanupExpired(ctx)
			dropped := a.accounts.SweepTrackers(idle)
			if expired > 0 || dropped > 0 {
				a.log.Info("janitor.swept", "expired_sessions", expired, "idle_trackers", dropped)
			}
		}
	}
}

func (a *App) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can
// reach; wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
