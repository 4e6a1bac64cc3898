package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/intent"
)

// Classifier assigns an intent to cleaned message text.
// *intent.Recognizer satisfies it.
type Classifier interface {
	Classify(text string) intent.Result
}

// ContextLoader attaches session context to the state before response
// generation. A nil loader skips the stage.
type ContextLoader func(ctx context.Context, st *State) error

// Responder produces the reply text for a state whose intent is set.
type Responder func(ctx context.Context, st *State) (string, error)

// Machine executes the stage table for one message at a time. It is
// safe for concurrent use as long as each call gets its own State.
type Machine struct {
	log        *slog.Logger
	classifier Classifier
	loader     ContextLoader
	responder  Responder
	clock      func() time.Time
	table      []step
}

type step struct {
	enter Stage
	code  string
	run   func(context.Context, *State) error
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithContextLoader wires the stage that refreshes session context.
func WithContextLoader(l ContextLoader) MachineOption {
	return func(m *Machine) { m.loader = l }
}

// WithMachineClock overrides the time source, for tests.
func WithMachineClock(clock func() time.Time) MachineOption {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMachine builds a pipeline machine around the given collaborators.
// The responder is usually a Dispatcher's Respond method.
func NewMachine(log *slog.Logger, classifier Classifier, responder Responder, opts ...MachineOption) *Machine {
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		log:        log,
		classifier: classifier,
		responder:  responder,
		clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.table = []step{
		{enter: StagePreprocessing, code: CodeInputProcess, run: m.preprocess},
		{enter: StageIntentClassifying, code: CodeIntentClassify, run: m.classify},
		{enter: StageContextLoading, code: CodeContextLoad, run: m.loadContext},
		{enter: StageProcessing, code: CodeResponseGenerate, run: m.respond},
		{enter: StagePostprocessing, code: CodeGraphExecution, run: m.postprocess},
	}
	return m
}

// Run drives the state through every stage in order. It always returns
// the same state it was given, in a terminal stage: completed when all
// steps succeeded, failed with an error code and an apology response
// otherwise. Panics in steps are contained and reported as execution
// errors.
func (m *Machine) Run(ctx context.Context, st *State) (out *State) {
	out = st
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("pipeline.step_panicked", "message_id", st.MessageID, "stage", string(st.Stage), "panic", fmt.Sprint(r))
			m.fail(st, CodeGraphExecution, fmt.Errorf("stage %s panicked: %v", st.Stage, r))
		}
	}()

	for _, s := range m.table {
		st.Stage = s.enter
		st.UpdatedAt = m.clock()
		if err := s.run(ctx, st); err != nil {
			m.fail(st, s.code, err)
			return st
		}
	}

	st.Stage = StageCompleted
	st.UpdatedAt = m.clock()
	m.log.Debug("pipeline.completed",
		"message_id", st.MessageID,
		"intent", string(st.Intent),
		"session_id", st.SessionID)
	return st
}

func (m *Machine) preprocess(_ context.Context, st *State) error {
	st.Content = intent.CleanText(st.Content)
	st.Entities = intent.ExtractEntities(st.Content)
	return nil
}

func (m *Machine) classify(_ context.Context, st *State) error {
	if m.classifier == nil {
		st.Intent = intent.Unknown
		return errors.New("no classifier configured")
	}
	res := m.classifier.Classify(st.Content)
	st.Intent = res.Intent
	st.Confidence = res.Confidence
	st.Command = res.Command
	m.log.Debug("pipeline.intent_classified",
		"message_id", st.MessageID,
		"intent", string(res.Intent),
		"confidence", res.Confidence)
	return nil
}

func (m *Machine) loadContext(ctx context.Context, st *State) error {
	if m.loader == nil {
		return nil
	}
	return m.loader(ctx, st)
}

func (m *Machine) respond(ctx context.Context, st *State) error {
	if m.responder == nil {
		return errors.New("no responder configured")
	}
	reply, err := m.responder(ctx, st)
	if err != nil {
		return err
	}
	st.Response = reply
	return nil
}

func (m *Machine) postprocess(_ context.Context, st *State) error {
	if !st.NeedResponse {
		st.Response = ""
	}
	return nil
}

func (m *Machine) fail(st *State, code string, err error) {
	st.Stage = StageFailed
	st.ErrorCode = code
	st.ErrorMessage = err.Error()
	st.Response = failureReply(code)
	st.UpdatedAt = m.clock()
	m.log.Error("pipeline.failed",
		"message_id", st.MessageID,
		"code", code,
		"error", err)
}

// failureReply maps an error code to the apology shown to the user.
func failureReply(code string) string {
	switch code {
	case CodeIntentClassify:
		return "抱歉，我无法理解您的意思。"
	case CodeContextLoad:
		return "抱歉，加载对话上下文时出现错误。"
	case CodeResponseGenerate:
		return "抱歉，生成回复时出现错误。"
	default:
		return "抱歉，处理您的请求时出现错误。"
	}
}
