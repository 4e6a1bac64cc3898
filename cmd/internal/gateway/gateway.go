package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/identity/ids"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/admission"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/router"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/security/token"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// MessageRouter routes one decoded message event. *router.Router
// satisfies it.
type MessageRouter interface {
	Route(ctx context.Context, in router.Incoming) router.Result
}

// Accountant settles token spend and abuse detection after a reply.
// *admission.Controller satisfies it.
type Accountant interface {
	Consume(ctx context.Context, userID string, tokens int64) bool
	DetectAbuse(userID, content string, tokensUsed int64) (bool, string)
	BanForSpam(ctx context.Context, userID string) (*admission.BanRecord, error)
	BanForAbuse(ctx context.Context, userID string) (*admission.BanRecord, error)
}

// Config tunes the websocket endpoint.
type Config struct {
	// Shared secret OneBot clients must present (Authorization header
	// or access_token query parameter). Empty accepts any client.
	AccessToken string

	// Origins accepted on upgrade, in addition to same-host. Bots
	// usually send no Origin header at all, which is always accepted.
	AllowedOrigins []string

	// Dev-only: skip the websocket library's origin verification.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// LoadConfigFromEnv reads the ROBOT_WS_* tuning knobs over the
// defaults. Token and origins are wired by the app layer, not here.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.DevInsecure = envBoolWS("ROBOT_WS_DEV_INSECURE", false)
	cfg.WriteTimeout = envDurationWS("ROBOT_WS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ReadIdleTimeout = envDurationWS("ROBOT_WS_READ_IDLE_TIMEOUT", cfg.ReadIdleTimeout)
	cfg.SendQueueSize = envIntWS("ROBOT_WS_SEND_QUEUE", cfg.SendQueueSize)
	cfg.HeartbeatEvery = envDurationWS("ROBOT_WS_HEARTBEAT_INTERVAL", cfg.HeartbeatEvery)
	cfg.HeartbeatTimeout = envDurationWS("ROBOT_WS_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.RateEvents = envIntWS("ROBOT_WS_RATE_EVENTS", cfg.RateEvents)
	cfg.RateWindow = envDurationWS("ROBOT_WS_RATE_WINDOW", cfg.RateWindow)
	return cfg
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	} else if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// Gateway is the reverse websocket endpoint OneBot clients connect to.
type Gateway struct {
	log      *slog.Logger
	routes   MessageRouter
	accounts Accountant
	bots     *Registry
	cfg      Config

	// Derived for websocket.Accept origin checks and token compare.
	originPatterns []string
	tokenHash      string
}

// NewGateway constructs a Gateway. accounts may be nil, which disables
// post-reply token accounting and auto-bans.
func NewGateway(log *slog.Logger, routes MessageRouter, accounts Accountant, cfg Config) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	g := &Gateway{
		log:            log,
		routes:         routes,
		accounts:       accounts,
		bots:           NewRegistry(log),
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
	if cfg.AccessToken != "" {
		g.tokenHash = token.HashAccessTokenHex(cfg.AccessToken)
	}
	return g
}

// Bots exposes the connection registry.
func (g *Gateway) Bots() *Registry { return g.bots }

// ServeHTTP adapter so the gateway mounts as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the OneBot event loop until
// the connection dies.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("gateway.reject_origin", "error", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !g.authenticate(r) {
		g.log.Info("gateway.reject_token", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	selfID, err := selfIDFromRequest(r)
	if err != nil {
		g.log.Info("gateway.reject_self_id", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "missing or invalid X-Self-ID", http.StatusBadRequest)
		return
	}

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("gateway.accept_failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxEventBytes)

	bot := NewBot(selfID, sessionID, g.cfg.SendQueueSize)
	if old := g.bots.Add(bot); old != nil {
		old.Close()
	} else {
		connectedBots.Inc()
	}
	g.log.Info("gateway.bot_connected", "self_id", selfID, "session_id", sessionID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if g.bots.Remove(bot) {
				connectedBots.Dec()
			}
			bot.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("gateway.bot_disconnected", "self_id", selfID, "session_id", sessionID, "reason", reason)
		})
	}

	// A reconnect for the same self id closes this bot from the new
	// handler; tear the whole connection down when that happens.
	go func() {
		select {
		case <-ctx.Done():
		case <-bot.Done():
			shutdown(websocket.StatusGoingAway, "session replaced")
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-bot.Done():
				return
			case act := <-bot.Send:
				if err := writeAction(ctx, conn, act, g.cfg.WriteTimeout); err != nil {
					g.log.Info("gateway.write_failed", "self_id", selfID, "close_status", websocket.CloseStatus(err), "error", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-bot.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("gateway.ping_failed", "self_id", selfID, "failures", failures, "error", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("gateway.read_failed", "self_id", selfID, "error", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now().UTC()) {
			g.log.Warn("gateway.rate_limited", "self_id", selfID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		g.dispatchFrame(ctx, bot, data)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// dispatchFrame decodes one frame from the client: an event, or the
// response to an action the gateway sent earlier.
func (g *Gateway) dispatchFrame(ctx context.Context, bot *Bot, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		eventsTotal.WithLabelValues("invalid").Inc()
		g.log.Debug("gateway.bad_frame", "self_id", bot.SelfID, "error", err)
		return
	}

	if ev.PostType == "" {
		var res ActionResult
		if err := json.Unmarshal(data, &res); err == nil && res.Status != "" {
			eventsTotal.WithLabelValues("action_result").Inc()
			if res.Retcode != 0 {
				g.log.Warn("gateway.action_rejected", "self_id", bot.SelfID, "retcode", res.Retcode, "echo", res.Echo)
			}
			return
		}
		eventsTotal.WithLabelValues("invalid").Inc()
		return
	}

	eventsTotal.WithLabelValues(ev.PostType).Inc()

	switch ev.PostType {
	case PostMessage:
		g.onMessage(ctx, bot, &ev)
	case PostMetaEvent:
		if ev.MetaEventType == "lifecycle" {
			g.log.Info("gateway.lifecycle", "self_id", bot.SelfID, "sub_type", ev.SubType)
		}
	default:
		// notice and request events are not handled by the robot.
		g.log.Debug("gateway.event_ignored", "self_id", bot.SelfID, "post_type", ev.PostType)
	}
}

// onMessage routes one message event and queues the reply action.
func (g *Gateway) onMessage(ctx context.Context, bot *Bot, ev *Event) {
	userID := strconv.FormatInt(ev.UserID, 10)
	if ev.UserID == 0 {
		g.log.Debug("gateway.message_without_user", "self_id", bot.SelfID)
		return
	}

	in := router.Incoming{
		UserID:      userID,
		UserName:    ev.Sender.DisplayName(ev.UserID),
		Content:     ev.Text(),
		MessageType: "text",
	}
	if ev.IsGroup() {
		in.GroupID = strconv.FormatInt(ev.GroupID, 10)
	}

	res := g.routes.Route(ctx, in)

	if res.Response != "" {
		reply := truncateRunes(res.Response, maxReplyChars)
		if !g.enqueue(ctx, bot, ReplyAction(ev, reply, res.MessageID)) {
			repliesDroppedTotal.Inc()
			g.log.Warn("gateway.reply_dropped", "self_id", bot.SelfID, "message_id", res.MessageID)
		}
	}

	// Accounting runs only for messages the pipeline actually
	// processed; denied messages never feed the abuse windows.
	if res.State != nil {
		g.settle(ctx, in.UserID, in.Content, res.Response)
	}
}

// settle spends the estimated tokens for the exchange and applies an
// automatic ban when the abuse detector trips.
func (g *Gateway) settle(ctx context.Context, userID, content, reply string) {
	if g.accounts == nil {
		return
	}

	spent := int64(admission.EstimateTokens(content + reply))
	if spent > 0 && !g.accounts.Consume(ctx, userID, spent) {
		g.log.Warn("gateway.consume_refused", "user_id", userID, "tokens", spent)
	}

	abusive, reason := g.accounts.DetectAbuse(userID, content, spent)
	if !abusive {
		return
	}

	var err error
	if reason == admission.AbuseTokenBurst {
		_, err = g.accounts.BanForAbuse(ctx, userID)
	} else {
		_, err = g.accounts.BanForSpam(ctx, userID)
	}
	if err != nil {
		g.log.Error("gateway.auto_ban_failed", "user_id", userID, "reason", reason, "error", err)
		return
	}
	autoBansTotal.WithLabelValues(reason).Inc()
	g.log.Warn("gateway.auto_banned", "user_id", userID, "reason", reason)
}

func (g *Gateway) enqueue(ctx context.Context, bot *Bot, act Action) bool {
	select {
	case <-ctx.Done():
		return false
	case <-bot.Done():
		return false
	case bot.Send <- act:
		return true
	default:
		return false
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeAction(parent context.Context, conn *websocket.Conn, act Action, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(act)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- auth ----

// authenticate checks the shared access token. OneBot clients send
// "Authorization: Bearer <token>" or "Authorization: Token <token>";
// some ship it as an access_token query parameter instead.
func (g *Gateway) authenticate(r *http.Request) bool {
	if g.cfg.AccessToken == "" {
		return true
	}

	got := ""
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		switch {
		case strings.HasPrefix(h, "Bearer "):
			got = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		case strings.HasPrefix(h, "Token "):
			got = strings.TrimSpace(strings.TrimPrefix(h, "Token "))
		}
	}
	if got == "" {
		got = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if got == "" {
		return false
	}
	return token.EqualHex64(token.HashAccessTokenHex(got), g.tokenHash)
}

func selfIDFromRequest(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("X-Self-ID"))
	if raw == "" {
		return 0, errors.New("missing X-Self-ID header")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid X-Self-ID: %q", raw)
	}
	return id, nil
}

// ---- origin policy ----

// enforceOrigin accepts requests without an Origin header (bots are not
// browsers) and otherwise requires an allowlist match.
func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	h := originHostPort(s)
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}

// originHostPort returns the lowercased host of an origin value,
// keeping an explicit port when one is present.
func originHostPort(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(u.Host))
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns extracts the host patterns websocket.Accept
// needs for cross-origin upgrades, so both origin layers agree. The
// library matches patterns against the origin's host:port form, so
// both the bare host and the host:port are emitted.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		hp := originHostPort(a)
		if hp == "" || hp == "*" {
			continue
		}
		seen[hp] = struct{}{}
		if h := originHostOnly(a); h != "" && h != hp {
			seen[h] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
