package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/admission"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/pipeline"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/router"
)

type stubRoutes struct {
	mu    sync.Mutex
	calls []router.Incoming
	reply func(in router.Incoming) router.Result
}

func (s *stubRoutes) Route(_ context.Context, in router.Incoming) router.Result {
	s.mu.Lock()
	s.calls = append(s.calls, in)
	s.mu.Unlock()
	if s.reply == nil {
		return router.Result{}
	}
	return s.reply(in)
}

func (s *stubRoutes) call(t *testing.T, i int) router.Incoming {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.calls) {
		t.Fatalf("routed %d messages, want index %d", len(s.calls), i)
	}
	return s.calls[i]
}

type stubAccounts struct {
	mu      sync.Mutex
	abusive bool
	reason  string

	consumed  []int64
	spamBans  []string
	abuseBans []string
}

func (s *stubAccounts) Consume(_ context.Context, _ string, tokens int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = append(s.consumed, tokens)
	return true
}

func (s *stubAccounts) DetectAbuse(_, _ string, _ int64) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abusive, s.reason
}

func (s *stubAccounts) BanForSpam(_ context.Context, userID string) (*admission.BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spamBans = append(s.spamBans, userID)
	return &admission.BanRecord{UserID: userID}, nil
}

func (s *stubAccounts) BanForAbuse(_ context.Context, userID string) (*admission.BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abuseBans = append(s.abuseBans, userID)
	return &admission.BanRecord{UserID: userID}, nil
}

func (s *stubAccounts) snapshot() (consumed []int64, spam, abuse []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.consumed...),
		append([]string(nil), s.spamBans...),
		append([]string(nil), s.abuseBans...)
}

func newTestGateway(t *testing.T, cfg Config, routes MessageRouter, accounts Accountant) (*Gateway, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGateway(log, routes, accounts, cfg)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv
}

func wsURLOf(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func botHeader(token, selfID string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if selfID != "" {
		h.Set("X-Self-ID", selfID)
	}
	return h
}

func dialWS(t *testing.T, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: h})
}

func mustDial(t *testing.T, url string, h http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, url, h)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

type wireAction struct {
	Action string `json:"action"`
	Params struct {
		UserID  int64  `json:"user_id"`
		GroupID int64  `json:"group_id"`
		Message string `json:"message"`
	} `json:"params"`
	Echo string `json:"echo"`
}

func readAction(t *testing.T, conn *websocket.Conn) wireAction {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read action: %v", err)
	}
	var act wireAction
	if err := json.Unmarshal(data, &act); err != nil {
		t.Fatalf("decode action %s: %v", data, err)
	}
	return act
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestGatewayAuth(t *testing.T) {
	t.Parallel()

	_, srv := newTestGateway(t, Config{AccessToken: "secret"}, &stubRoutes{}, nil)
	base := wsURLOf(srv)

	cases := []struct {
		name       string
		url        string
		header     http.Header
		wantStatus int
	}{
		{name: "missing token rejected", url: base, header: botHeader("", "123"), wantStatus: http.StatusUnauthorized},
		{name: "wrong token rejected", url: base, header: botHeader("nope", "123"), wantStatus: http.StatusUnauthorized},
		{name: "bearer token accepted", url: base, header: botHeader("secret", "123")},
		{name: "query token accepted", url: base + "?access_token=secret", header: botHeader("", "123")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := dialWS(t, tc.url, tc.header)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}

			if tc.wantStatus == 0 {
				if err != nil {
					t.Fatalf("dial failed: %v", err)
				}
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				t.Fatal("dial succeeded, want rejection")
			}
			if resp == nil || resp.StatusCode != tc.wantStatus {
				t.Fatalf("response = %+v, want status %d", resp, tc.wantStatus)
			}
		})
	}

	t.Run("token scheme accepted", func(t *testing.T) {
		h := http.Header{}
		h.Set("Authorization", "Token secret")
		h.Set("X-Self-ID", "123")
		conn := mustDial(t, base, h)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
}

func TestGatewaySelfIDValidation(t *testing.T) {
	t.Parallel()

	_, srv := newTestGateway(t, Config{}, &stubRoutes{}, nil)
	base := wsURLOf(srv)

	cases := []struct {
		name   string
		selfID string
		wantOK bool
	}{
		{name: "missing", selfID: "", wantOK: false},
		{name: "not a number", selfID: "abc", wantOK: false},
		{name: "negative", selfID: "-5", wantOK: false},
		{name: "zero", selfID: "0", wantOK: false},
		{name: "valid", selfID: "123", wantOK: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := dialWS(t, base, botHeader("", tc.selfID))
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}

			if tc.wantOK {
				if err != nil {
					t.Fatalf("dial failed: %v", err)
				}
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				t.Fatal("dial succeeded, want 400")
			}
			if resp == nil || resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("response = %+v, want status 400", resp)
			}
		})
	}
}

func TestGatewayOriginPolicy(t *testing.T) {
	t.Parallel()

	_, srv := newTestGateway(t, Config{AllowedOrigins: []string{"https://ops.example.com"}}, &stubRoutes{}, nil)
	base := wsURLOf(srv)

	t.Run("absent origin accepted", func(t *testing.T) {
		conn := mustDial(t, base, botHeader("", "123"))
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	t.Run("allowlisted origin accepted", func(t *testing.T) {
		h := botHeader("", "123")
		h.Set("Origin", "https://ops.example.com")
		conn := mustDial(t, base, h)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	t.Run("unknown origin rejected", func(t *testing.T) {
		h := botHeader("", "123")
		h.Set("Origin", "https://evil.example.com")
		conn, resp, err := dialWS(t, base, h)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			t.Fatal("dial succeeded, want 403")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("response = %+v, want status 403", resp)
		}
	})

	t.Run("any origin rejected without allowlist", func(t *testing.T) {
		_, bare := newTestGateway(t, Config{}, &stubRoutes{}, nil)
		h := botHeader("", "123")
		h.Set("Origin", "https://ops.example.com")
		conn, resp, err := dialWS(t, wsURLOf(bare), h)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			t.Fatal("dial succeeded, want 403")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("response = %+v, want status 403", resp)
		}
	})
}

func TestGatewayPrivateMessageRoundTrip(t *testing.T) {
	t.Parallel()

	routes := &stubRoutes{reply: func(in router.Incoming) router.Result {
		return router.Result{Success: true, MessageID: "msg_ok", Response: "你说：" + in.Content}
	}}
	_, srv := newTestGateway(t, Config{}, routes, nil)

	conn := mustDial(t, wsURLOf(srv), botHeader("", "123"))
	sendFrame(t, conn, `{"time":1750000000,"self_id":123,"post_type":"message","message_type":"private","message_id":1,"user_id":10001,"raw_message":"在吗","sender":{"user_id":10001,"nickname":"小明"}}`)

	act := readAction(t, conn)
	if act.Action != "send_private_msg" {
		t.Fatalf("action = %q, want send_private_msg", act.Action)
	}
	if act.Params.UserID != 10001 {
		t.Fatalf("user_id = %d, want 10001", act.Params.UserID)
	}
	if act.Params.Message != "你说：在吗" {
		t.Fatalf("message = %q", act.Params.Message)
	}
	if act.Echo != "msg_ok" {
		t.Fatalf("echo = %q, want msg_ok", act.Echo)
	}

	in := routes.call(t, 0)
	if in.UserID != "10001" || in.UserName != "小明" || in.GroupID != "" || in.Content != "在吗" || in.MessageType != "text" {
		t.Fatalf("routed incoming = %+v", in)
	}
}

func TestGatewayGroupMessageRoundTrip(t *testing.T) {
	t.Parallel()

	routes := &stubRoutes{reply: func(_ router.Incoming) router.Result {
		return router.Result{Success: true, MessageID: "msg_g", Response: "收到"}
	}}
	_, srv := newTestGateway(t, Config{}, routes, nil)

	conn := mustDial(t, wsURLOf(srv), botHeader("", "123"))
	sendFrame(t, conn, `{"time":1750000000,"self_id":123,"post_type":"message","message_type":"group","message_id":2,"user_id":10001,"group_id":42,"raw_message":"北京天气","sender":{"user_id":10001,"nickname":"小明","card":"学委"}}`)

	act := readAction(t, conn)
	if act.Action != "send_group_msg" {
		t.Fatalf("action = %q, want send_group_msg", act.Action)
	}
	if act.Params.GroupID != 42 {
		t.Fatalf("group_id = %d, want 42", act.Params.GroupID)
	}

	in := routes.call(t, 0)
	if in.GroupID != "42" || in.UserName != "学委" {
		t.Fatalf("routed incoming = %+v", in)
	}
}

func TestGatewayEmptyResponseWritesNothing(t *testing.T) {
	t.Parallel()

	routes := &stubRoutes{reply: func(in router.Incoming) router.Result {
		if in.Content == "skip" {
			return router.Result{Success: true, MessageID: "msg_skip"}
		}
		return router.Result{Success: true, MessageID: "msg_reply", Response: "收到"}
	}}
	_, srv := newTestGateway(t, Config{}, routes, nil)

	conn := mustDial(t, wsURLOf(srv), botHeader("", "123"))
	sendFrame(t, conn, `{"post_type":"message","message_type":"private","user_id":10001,"raw_message":"skip"}`)
	sendFrame(t, conn, `{"post_type":"message","message_type":"private","user_id":10001,"raw_message":"hello"}`)

	// The first frame the client sees must answer the second message.
	act := readAction(t, conn)
	if act.Echo != "msg_reply" {
		t.Fatalf("echo = %q, want msg_reply", act.Echo)
	}
}

func TestGatewayActionResultDoesNotBreakLoop(t *testing.T) {
	t.Parallel()

	routes := &stubRoutes{reply: func(_ router.Incoming) router.Result {
		return router.Result{Success: true, MessageID: "msg_after", Response: "还在"}
	}}
	_, srv := newTestGateway(t, Config{}, routes, nil)

	conn := mustDial(t, wsURLOf(srv), botHeader("", "123"))
	sendFrame(t, conn, `{"status":"failed","retcode":1400,"echo":"earlier"}`)
	sendFrame(t, conn, `{"post_type":"message","message_type":"private","user_id":10001,"raw_message":"在吗"}`)

	act := readAction(t, conn)
	if act.Echo != "msg_after" {
		t.Fatalf("echo = %q, want msg_after", act.Echo)
	}
}

func TestGatewaySettlesAfterReply(t *testing.T) {
	t.Parallel()

	routes := &stubRoutes{reply: func(_ router.Incoming) router.Result {
		return router.Result{Success: true, MessageID: "m", Response: "回复", State: &pipeline.State{}}
	}}
	accounts := &stubAccounts{}
	_, srv := newTestGateway(t, Config{}, routes, accounts)

	conn := mustDial(t, wsURLOf(srv), botHeader("", "123"))
	sendFrame(t, conn, `{"post_type":"message","message_type":"private","user_id":10001,"raw_message":"考研倒计时100天"}`)
	_ = readAction(t, conn)

	waitFor(t, 2*time.Second, func() bool {
		consumed, _, _ := accounts.snapshot()
		return len(consumed) == 1
	}, "token spend never settled")

	consumed, spam, abuse := accounts.snapshot()
	want := int64(admission.EstimateTokens("考研倒计时100天" + "回复"))
	if consumed[0] != want {
		t.Fatalf("consumed %d tokens, want %d", consumed[0], want)
	}
	if len(spam) != 0 || len(abuse) != 0 {
		t.Fatalf("unexpected bans: spam=%v abuse=%v", spam, abuse)
	}
}

func TestGatewaySkipsSettlementForDeniedMessages(t *testing.T) {
	t.Parallel()

	routes := &stubRoutes{reply: func(_ router.Incoming) router.Result {
		// Denied at admission: a response but no pipeline state.
		return router.Result{MessageID: "m", Response: "您已被封禁。", Error: "BANNED"}
	}}
	accounts := &stubAccounts{}
	_, srv := newTestGateway(t, Config{}, routes, accounts)

	conn := mustDial(t, wsURLOf(srv), botHeader("", "123"))
	sendFrame(t, conn, `{"post_type":"message","message_type":"private","user_id":10001,"raw_message":"在吗"}`)
	_ = readAction(t, conn)

	time.Sleep(50 * time.Millisecond)
	consumed, spam, abuse := accounts.snapshot()
	if len(consumed) != 0 || len(spam) != 0 || len(abuse) != 0 {
		t.Fatalf("denied message was settled: consumed=%v spam=%v abuse=%v", consumed, spam, abuse)
	}
}

func TestGatewayAutoBan(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		reason    string
		wantSpam  int
		wantAbuse int
	}{
		{name: "token burst bans for abuse", reason: admission.AbuseTokenBurst, wantAbuse: 1},
		{name: "spamming bans for spam", reason: admission.AbuseSpamming, wantSpam: 1},
		{name: "rapid requests ban for spam", reason: admission.AbuseRapidRequests, wantSpam: 1},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			routes := &stubRoutes{reply: func(_ router.Incoming) router.Result {
				return router.Result{Success: true, MessageID: "m", State: &pipeline.State{}}
			}}
			accounts := &stubAccounts{abusive: true, reason: tc.reason}
			_, srv := newTestGateway(t, Config{}, routes, accounts)

			conn := mustDial(t, wsURLOf(srv), botHeader("", "123"))
			sendFrame(t, conn, `{"post_type":"message","message_type":"private","user_id":10001,"raw_message":"刷屏"}`)

			waitFor(t, 2*time.Second, func() bool {
				_, spam, abuse := accounts.snapshot()
				return len(spam) == tc.wantSpam && len(abuse) == tc.wantAbuse
			}, "auto ban never applied")

			_, spam, abuse := accounts.snapshot()
			for _, id := range append(spam, abuse...) {
				if id != "10001" {
					t.Fatalf("banned user %q, want 10001", id)
				}
			}
		})
	}
}

func TestGatewayRateLimitClosesConnection(t *testing.T) {
	t.Parallel()

	_, srv := newTestGateway(t, Config{RateEvents: 2, RateWindow: time.Minute}, &stubRoutes{}, nil)

	conn := mustDial(t, wsURLOf(srv), botHeader("", "123"))
	for i := 0; i < 3; i++ {
		sendFrame(t, conn, `{"post_type":"meta_event","meta_event_type":"heartbeat"}`)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded after rate limit trip")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want %v (err: %v)", got, websocket.StatusPolicyViolation, err)
	}
}

func TestGatewayReplacesDuplicateSelfID(t *testing.T) {
	t.Parallel()

	routes := &stubRoutes{reply: func(_ router.Incoming) router.Result {
		return router.Result{Success: true, MessageID: "pong", Response: "在"}
	}}
	g, srv := newTestGateway(t, Config{}, routes, nil)
	base := wsURLOf(srv)

	conn1 := mustDial(t, base, botHeader("", "7"))
	sendFrame(t, conn1, `{"post_type":"message","message_type":"private","user_id":1,"raw_message":"ping"}`)
	_ = readAction(t, conn1)

	conn2 := mustDial(t, base, botHeader("", "7"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn1.Read(ctx)
	if err == nil {
		t.Fatal("old connection still readable after replacement")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("close status = %v, want %v (err: %v)", got, websocket.StatusGoingAway, err)
	}

	waitFor(t, 2*time.Second, func() bool { return g.Bots().Count() == 1 }, "registry did not settle on one bot")

	sendFrame(t, conn2, `{"post_type":"message","message_type":"private","user_id":1,"raw_message":"ping"}`)
	if act := readAction(t, conn2); act.Echo != "pong" {
		t.Fatalf("echo = %q, want pong", act.Echo)
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short unchanged", in: "你好", max: 5, want: "你好"},
		{name: "exactly max", in: "abc", max: 3, want: "abc"},
		{name: "cut at rune boundary", in: "考研加油考研加油", max: 4, want: "考研加油"},
		{name: "non positive keeps all", in: "abc", max: 0, want: "abc"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := truncateRunes(tc.in, tc.max); got != tc.want {
				t.Fatalf("truncateRunes(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
		})
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "https://ops.example.com", want: "ops.example.com"},
		{in: "https://ops.example.com:8443", want: "ops.example.com"},
		{in: "ops.example.com:443", want: "ops.example.com"},
		{in: "OPS.Example.com", want: "ops.example.com"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{"https://b.test", "https://a.test:443", "*", "", "https://a.test"})
	want := []string{"a.test", "a.test:443", "b.test"}
	if len(got) != len(want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns = %v, want %v", got, want)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()

	def := DefaultConfig()

	got := Config{}.withDefaults()
	if got.SendQueueSize != def.SendQueueSize {
		t.Fatalf("SendQueueSize = %d, want %d", got.SendQueueSize, def.SendQueueSize)
	}
	if got.WriteTimeout != def.WriteTimeout || got.ReadIdleTimeout != def.ReadIdleTimeout {
		t.Fatalf("timeouts = %v/%v, want defaults", got.WriteTimeout, got.ReadIdleTimeout)
	}
	if got.RateEvents != def.RateEvents || got.RateWindow != def.RateWindow {
		t.Fatalf("rate limits = %d/%v, want defaults", got.RateEvents, got.RateWindow)
	}

	if tiny := (Config{SendQueueSize: 8}).withDefaults(); tiny.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("tiny SendQueueSize = %d, want floor %d", tiny.SendQueueSize, wsMinSendQueueSize)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ROBOT_WS_RATE_EVENTS", "5")
	t.Setenv("ROBOT_WS_HEARTBEAT_INTERVAL", "3s")
	t.Setenv("ROBOT_WS_DEV_INSECURE", "true")
	t.Setenv("ROBOT_WS_SEND_QUEUE", "banana")

	cfg := LoadConfigFromEnv()
	if cfg.RateEvents != 5 {
		t.Fatalf("RateEvents = %d, want 5", cfg.RateEvents)
	}
	if cfg.HeartbeatEvery != 3*time.Second {
		t.Fatalf("HeartbeatEvery = %v, want 3s", cfg.HeartbeatEvery)
	}
	if !cfg.DevInsecure {
		t.Fatal("DevInsecure = false, want true")
	}
	if cfg.SendQueueSize != DefaultConfig().SendQueueSize {
		t.Fatalf("SendQueueSize = %d, want default", cfg.SendQueueSize)
	}
}
