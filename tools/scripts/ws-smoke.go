// Package main provides a CI-friendly smoke test for the OneBot v11
// reverse websocket gateway. It plays the bot side of the wire.
//
// It validates:
//   - handshake with access token + X-Self-ID
//   - lifecycle meta event accepted without a reply
//   - private message -> send_private_msg addressed to the sender
//   - action result accepted, connection stays usable
//   - group message -> send_group_msg for the same group
//   - /help -> command list reply
//   - reconnect with the same self id replaces the old session
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// Bot-side copies of the OneBot v11 frames the gateway speaks. The
// server keeps its wire types internal, so the tool declares the few
// fields it emits and checks.

type sender struct {
	UserID   int64  `json:"user_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
}

type event struct {
	Time     int64  `json:"time"`
	SelfID   int64  `json:"self_id"`
	PostType string `json:"post_type"`

	MessageType string          `json:"message_type,omitempty"`
	SubType     string          `json:"sub_type,omitempty"`
	MessageID   int64           `json:"message_id,omitempty"`
	UserID      int64           `json:"user_id,omitempty"`
	GroupID     int64           `json:"group_id,omitempty"`
	RawMessage  string          `json:"raw_message,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	Sender      *sender         `json:"sender,omitempty"`

	MetaEventType string `json:"meta_event_type,omitempty"`
}

type actionParams struct {
	UserID  int64  `json:"user_id,omitempty"`
	GroupID int64  `json:"group_id,omitempty"`
	Message string `json:"message"`
}

type action struct {
	Action string       `json:"action"`
	Params actionParams `json:"params"`
	Echo   string       `json:"echo,omitempty"`
}

type actionResult struct {
	Status  string `json:"status"`
	Retcode int    `json:"retcode"`
	Echo    string `json:"echo,omitempty"`
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan action
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		token    = flag.String("token", "", "Access token (empty sends no Authorization header)")
		selfID   = flag.Int64("self-id", 10000, "Bot account id sent as X-Self-ID")
		userID   = flag.Int64("user", 10001, "User id the message events come from")
		nickname = flag.String("nickname", "小明", "Sender nickname")
		groupID  = flag.Int64("group", 42, "Group id for the group message step")
		text     = flag.String("text", "今天天气怎么样", "Message text to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *selfID <= 0 {
		fatalf("invalid -self-id: %d", *selfID)
	}
	if *userID <= 0 {
		fatalf("invalid -user: %d", *userID)
	}
	if *groupID <= 0 {
		fatalf("invalid -group: %d", *groupID)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *token, *selfID, *timeout)
	defer closeWS(a.conn)

	if *verbose {
		fmt.Printf("connected: self_id=%d url=%s\n", *selfID, *wsURL)
	}

	mustWriteJSON(root, a.conn, lifecycleEvent(*selfID), *timeout)
	mustAssertNoAction(root, a, 750*time.Millisecond)

	mustWriteJSON(root, a.conn, privateMessage(*selfID, *userID, *nickname, *text), *timeout)
	reply := mustAssertPrivateReply(root, a, *userID, *timeout)
	if *verbose {
		fmt.Printf("private reply: echo=%s text=%q\n", reply.Echo, reply.Params.Message)
	}

	mustWriteJSON(root, a.conn, actionResult{Status: "ok", Retcode: 0, Echo: reply.Echo}, *timeout)

	mustWriteJSON(root, a.conn, groupMessage(*selfID, *userID, *nickname, *groupID, *text), *timeout)
	groupReply := mustAssertGroupReply(root, a, *groupID, *timeout)
	if *verbose {
		fmt.Printf("group reply: echo=%s text=%q\n", groupReply.Echo, groupReply.Params.Message)
	}

	mustWriteJSON(root, a.conn, privateMessage(*selfID, *userID, *nickname, "/help"), *timeout)
	help := mustAssertPrivateReply(root, a, *userID, *timeout)
	if !strings.Contains(help.Params.Message, "可用命令") {
		fatalf("help reply missing command list: got=%q", help.Params.Message)
	}

	b := mustConnect(root, "B", *wsURL, *token, *selfID, *timeout)
	defer closeWS(b.conn)

	mustAwaitReplaced(root, a, *timeout)

	fmt.Printf("OK: self_id=%d user=%d group=%d private_echo=%s group_echo=%s\n",
		*selfID, *userID, *groupID, reply.Echo, groupReply.Echo)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, accessToken string, selfID int64, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("X-Self-ID", strconv.FormatInt(selfID, 10))
	if strings.TrimSpace(accessToken) != "" {
		h.Set("Authorization", "Bearer "+accessToken)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan action, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var act action
			if err := json.Unmarshal(data, &act); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if strings.TrimSpace(act.Action) == "" {
				select {
				case c.errCh <- fmt.Errorf("frame without action: %s", data):
				default:
				}
				return
			}

			select {
			case c.inbox <- act:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func lifecycleEvent(selfID int64) event {
	return event{
		Time:          time.Now().Unix(),
		SelfID:        selfID,
		PostType:      "meta_event",
		MetaEventType: "lifecycle",
		SubType:       "connect",
	}
}

func privateMessage(selfID, userID int64, nickname, text string) event {
	return event{
		Time:        time.Now().Unix(),
		SelfID:      selfID,
		PostType:    "message",
		MessageType: "private",
		SubType:     "friend",
		MessageID:   time.Now().UnixNano(),
		UserID:      userID,
		RawMessage:  text,
		Message:     mustJSON(text),
		Sender:      &sender{UserID: userID, Nickname: nickname},
	}
}

func groupMessage(selfID, userID int64, nickname string, groupID int64, text string) event {
	ev := privateMessage(selfID, userID, nickname, text)
	ev.MessageType = "group"
	ev.SubType = "normal"
	ev.GroupID = groupID
	return ev
}

func mustAssertPrivateReply(parent context.Context, c *smokeClient, userID int64, stepTimeout time.Duration) action {
	act := c.mustReadAction(parent, stepTimeout)

	if act.Action != "send_private_msg" {
		fatalf("unexpected action (%s): got=%q want=%q", c.name, act.Action, "send_private_msg")
	}
	if act.Params.UserID != userID {
		fatalf("private reply user_id mismatch (%s): got=%d want=%d", c.name, act.Params.UserID, userID)
	}
	if strings.TrimSpace(act.Params.Message) == "" {
		fatalf("private reply empty message (%s)", c.name)
	}
	if !strings.HasPrefix(act.Echo, "msg_") {
		fatalf("private reply echo not a message id (%s): %q", c.name, act.Echo)
	}
	return act
}

func mustAssertGroupReply(parent context.Context, c *smokeClient, groupID int64, stepTimeout time.Duration) action {
	act := c.mustReadAction(parent, stepTimeout)

	if act.Action != "send_group_msg" {
		fatalf("unexpected action (%s): got=%q want=%q", c.name, act.Action, "send_group_msg")
	}
	if act.Params.GroupID != groupID {
		fatalf("group reply group_id mismatch (%s): got=%d want=%d", c.name, act.Params.GroupID, groupID)
	}
	if strings.TrimSpace(act.Params.Message) == "" {
		fatalf("group reply empty message (%s)", c.name)
	}
	if !strings.HasPrefix(act.Echo, "msg_") {
		fatalf("group reply echo not a message id (%s): %q", c.name, act.Echo)
	}
	return act
}

func mustAssertNoAction(parent context.Context, c *smokeClient, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	select {
	case <-ctx.Done():
		return
	case err := <-c.errCh:
		if err == nil {
			fatalf("connection closed unexpectedly (%s)", c.name)
		}
		fatalf("connection closed unexpectedly (%s): %v", c.name, err)
	case act, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed unexpectedly (%s)", c.name)
		}
		fatalf("unexpected action %q received (%s)", act.Action, c.name)
	}
}

// mustAwaitReplaced waits for the server to close the connection after
// a reconnect with the same self id took over the session. The read
// loop surfaces the close as an error on errCh.
func mustAwaitReplaced(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for session takeover close (%s): %v", c.name, ctx.Err())
	case err := <-c.errCh:
		if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
			fatalf("takeover close status (%s): got=%v want=%v (%v)", c.name, status, websocket.StatusGoingAway, err)
		}
	}
}

func (c *smokeClient) mustReadAction(parent context.Context, stepTimeout time.Duration) action {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for action (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for action (%s)", c.name)
			}
			fatalf("connection error while waiting for action (%s): %v", c.name, err)
		case act, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for action (%s)", c.name)
			}
			return act
		}
	}
}

func mustWriteJSON(parent context.Context, conn *websocket.Conn, v any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
