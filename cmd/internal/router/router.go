package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/identity/ids"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/admission"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/intent"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/pipeline"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/session"
)

// Gatekeeper decides whether a message may enter the pipeline.
// *admission.Controller satisfies it.
type Gatekeeper interface {
	CheckAdmission(ctx context.Context, userID string) admission.Decision
}

// CodeRedeemer claims quota gift codes for the /redeem command.
// *redeem.Service satisfies it.
type CodeRedeemer interface {
	Redeem(ctx context.Context, code, userID string) (int64, error)
}

// Incoming is one message as received from the chat platform.
type Incoming struct {
	UserID      string
	UserName    string
	GroupID     string // empty for private messages
	Content     string
	MessageType string // text, image, voice, system, command; defaults to text
}

// Result is the outcome of routing one message. Error carries the
// denial or pipeline error code; detail lives on the State snapshot.
type Result struct {
	Success   bool
	MessageID string
	Response  string
	Error     string
	ElapsedMS int64
	State     *pipeline.State
}

// Router wires admission, sessions and the pipeline together.
type Router struct {
	log      *slog.Logger
	gate     Gatekeeper
	sessions *session.Manager
	dispatch *pipeline.Dispatcher
	machine  *pipeline.Machine
	redeem   CodeRedeemer
	clock    func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock overrides the router clock (tests).
func WithClock(clock func() time.Time) RouterOption {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRedeemer enables the /redeem command. Without it the command
// replies that redemption is disabled.
func WithRedeemer(rd CodeRedeemer) RouterOption {
	return func(r *Router) {
		r.redeem = rd
	}
}

// New builds a Router. The dispatcher starts with the built-in
// responders plus the context management and command handlers; use
// Dispatcher to register more.
func New(log *slog.Logger, gate Gatekeeper, sessions *session.Manager, classifier pipeline.Classifier, opts ...RouterOption) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		log:      log,
		gate:     gate,
		sessions: sessions,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.dispatch = pipeline.NewDispatcher()
	for _, t := range []intent.Type{intent.ContextCreate, intent.ContextJoin, intent.ContextLeave, intent.ContextEnd} {
		r.dispatch.Register(t, r.handleContext)
	}
	r.dispatch.Register(intent.Command, r.handleCommand)

	r.machine = pipeline.NewMachine(log, classifier, r.dispatch.Respond,
		pipeline.WithContextLoader(r.loadHistory),
		pipeline.WithMachineClock(r.clock),
	)
	return r
}

// Dispatcher exposes the intent handler table for extension.
func (r *Router) Dispatcher() *pipeline.Dispatcher { return r.dispatch }

// Route processes one incoming message end to end: admission check,
// session resolution, message recording, pipeline run, reply recording.
// Denied messages return before any session is touched. Session
// resolution failures degrade to stateless processing rather than
// rejecting the message.
func (r *Router) Route(ctx context.Context, in Incoming) (res Result) {
	start := r.clock()
	msgID := ids.NewMessageID(start)

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("router.route_panicked", "message_id", msgID, "panic", fmt.Sprint(rec))
			res = Result{
				MessageID: msgID,
				Response:  "抱歉，处理您的消息时出现错误。",
				Error:     fmt.Sprint(rec),
				ElapsedMS: r.elapsedMS(start),
			}
		}
	}()

	r.log.Info("router.message_received",
		"message_id", msgID,
		"user_id", in.UserID,
		"group_id", in.GroupID)

	if dec := r.gate.CheckAdmission(ctx, in.UserID); !dec.Allowed {
		admissionDeniedTotal.WithLabelValues(string(dec.Code)).Inc()
		r.log.Warn("router.admission_denied",
			"message_id", msgID,
			"user_id", in.UserID,
			"code", string(dec.Code))
		return Result{
			MessageID: msgID,
			Response:  dec.Reason,
			Error:     string(dec.Code),
			ElapsedMS: r.elapsedMS(start),
		}
	}

	st := pipeline.NewState(pipeline.Input{
		MessageID:   msgID,
		UserID:      in.UserID,
		UserName:    in.UserName,
		GroupID:     in.GroupID,
		Content:     in.Content,
		MessageType: in.MessageType,
	}, start)

	sessionType := session.TypePrivate
	if in.GroupID != "" {
		sessionType = session.TypeGroup
	}
	st.SessionType = string(sessionType)

	s := r.resolveSession(ctx, in, sessionType)
	if s != nil {
		st.SessionID = s.ID
		r.sessions.AddMessage(ctx, s.ID, session.MessageInput{
			SenderID:   in.UserID,
			SenderName: in.UserName,
			Role:       session.RoleUser,
			Content:    in.Content,
			Type:       parseMessageType(in.MessageType),
		})
	}

	st = r.machine.Run(ctx, st)

	// The context handlers may have ended or left the session this
	// message was recorded in; the reply still belongs to it.
	if s != nil && st.Response != "" {
		r.sessions.AddMessage(ctx, s.ID, session.MessageInput{
			SenderID:   "robot",
			SenderName: "Robot",
			Role:       session.RoleAssistant,
			Content:    st.Response,
			Type:       session.MessageText,
		})
	}

	elapsed := r.elapsedMS(start)
	outcome := "completed"
	if st.Failed() {
		outcome = "failed"
	}
	messagesTotal.WithLabelValues(string(st.Intent), outcome).Inc()
	processingSeconds.Observe(float64(elapsed) / 1000)

	res = Result{
		Success:   st.Completed(),
		MessageID: msgID,
		Response:  st.Response,
		ElapsedMS: elapsed,
		State:     st,
	}
	if st.Failed() {
		res.Error = st.ErrorCode
	}
	r.log.Info("router.message_processed",
		"message_id", msgID,
		"intent", string(st.Intent),
		"outcome", outcome,
		"elapsed_ms", elapsed)
	return res
}

func (r *Router) resolveSession(ctx context.Context, in Incoming, t session.Type) *session.Session {
	var (
		s   *session.Session
		err error
	)
	if t == session.TypeGroup {
		s, err = r.sessions.GetOrCreateGroup(ctx, in.UserID, in.UserName, in.GroupID)
	} else {
		s, err = r.sessions.GetOrCreatePrivate(ctx, in.UserID, in.UserName)
	}
	if err != nil {
		r.log.Error("router.session_resolve_failed", "user_id", in.UserID, "error", err)
		return nil
	}
	return s
}

// loadHistory fills the state with the session's recent turns before
// response generation.
func (r *Router) loadHistory(ctx context.Context, st *pipeline.State) error {
	if st.SessionID == "" {
		return nil
	}
	msgs := r.sessions.GetMessages(ctx, st.SessionID, st.HistoryLimit)
	turns := make([]pipeline.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, pipeline.Turn{Role: string(m.Role), Content: m.Content})
	}
	st.History = turns
	return nil
}

// handleContext serves the four context management intents.
func (r *Router) handleContext(ctx context.Context, st *pipeline.State) (string, error) {
	switch st.Intent {
	case intent.ContextCreate:
		s, err := r.sessions.Create(ctx, session.CreateInput{
			Type:        session.TypePrivate,
			Name:        "对话_" + st.UserName,
			CreatorID:   st.UserID,
			CreatorName: st.UserName,
		})
		if err != nil {
			return "", err
		}
		return "已创建新对话：" + s.ID, nil
	case intent.ContextJoin:
		return "加入对话功能正在开发中...", nil
	case intent.ContextLeave:
		if st.SessionID == "" {
			return "您不在任何对话中", nil
		}
		r.sessions.RemoveParticipant(ctx, st.SessionID, st.UserID)
		return "已离开当前对话", nil
	case intent.ContextEnd:
		if st.SessionID == "" {
			return "您不在任何对话中", nil
		}
		r.sessions.Delete(ctx, st.SessionID)
		return "对话已结束", nil
	}
	return "未知上下文操作", nil
}

func (r *Router) elapsedMS(start time.Time) int64 {
	return r.clock().Sub(start).Milliseconds()
}

func parseMessageType(s string) session.MessageType {
	switch t := session.MessageType(s); t {
	case session.MessageText, session.MessageImage, session.MessageVoice, session.MessageSystem, session.MessageCommand:
		return t
	}
	return session.MessageText
}
