package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/intent"
)

func newTestRecognizer(t *testing.T) *intent.Recognizer {
	t.Helper()
	r, err := intent.NewRecognizer(slog.Default(), nil)
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}
	return r
}

func newTestState(content string) *State {
	return NewState(Input{
		MessageID:   "msg_test",
		UserID:      "10001",
		UserName:    "小明",
		Content:     content,
		MessageType: "text",
	}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func TestMachine_ChatEchoesCleanedText(t *testing.T) {
	t.Parallel()
	m := NewMachine(slog.Default(), newTestRecognizer(t), NewDispatcher().Respond)

	st := m.Run(context.Background(), newTestState("  你好   世界 "))

	if !st.Completed() {
		t.Fatalf("Stage = %q, want %q", st.Stage, StageCompleted)
	}
	if st.Content != "你好 世界" {
		t.Fatalf("Content = %q, want cleaned %q", st.Content, "你好 世界")
	}
	if st.Intent != intent.Chat {
		t.Fatalf("Intent = %q, want %q", st.Intent, intent.Chat)
	}
	if st.Response != "你说：你好 世界" {
		t.Fatalf("Response = %q", st.Response)
	}
	if st.ErrorCode != "" || st.ErrorMessage != "" {
		t.Fatalf("error fields set on success: code=%q msg=%q", st.ErrorCode, st.ErrorMessage)
	}
}

func TestMachine_WeatherUsesExtractedLocation(t *testing.T) {
	t.Parallel()
	m := NewMachine(slog.Default(), newTestRecognizer(t), NewDispatcher().Respond)

	st := m.Run(context.Background(), newTestState("北京今天天气怎么样"))

	if st.Intent != intent.Weather {
		t.Fatalf("Intent = %q, want %q", st.Intent, intent.Weather)
	}
	if !st.Entities.HasLocation || st.Entities.Location != "北京" {
		t.Fatalf("Entities = %+v, want location 北京", st.Entities)
	}
	if st.Response != "正在查询北京的天气信息..." {
		t.Fatalf("Response = %q", st.Response)
	}
}

func TestMachine_WeatherFallsBackToUnknownPlace(t *testing.T) {
	t.Parallel()
	m := NewMachine(slog.Default(), newTestRecognizer(t), NewDispatcher().Respond)

	st := m.Run(context.Background(), newTestState("今天天气怎么样"))

	if st.Response != "正在查询未知地点的天气信息..." {
		t.Fatalf("Response = %q", st.Response)
	}
}

func TestMachine_RolePlayAnswersStub(t *testing.T) {
	t.Parallel()
	m := NewMachine(slog.Default(), newTestRecognizer(t), NewDispatcher().Respond)

	st := m.Run(context.Background(), newTestState("扮演一个老师"))

	if st.Intent != intent.RolePlay {
		t.Fatalf("Intent = %q, want %q", st.Intent, intent.RolePlay)
	}
	if st.Response != "角色扮演功能正在开发中..." {
		t.Fatalf("Response = %q", st.Response)
	}
}

func TestMachine_CommandFallsThroughToDefault(t *testing.T) {
	t.Parallel()
	m := NewMachine(slog.Default(), newTestRecognizer(t), NewDispatcher().Respond)

	st := m.Run(context.Background(), newTestState("/help"))

	if st.Intent != intent.Command {
		t.Fatalf("Intent = %q, want %q", st.Intent, intent.Command)
	}
	if st.Command != "help" {
		t.Fatalf("Command = %q, want %q", st.Command, "help")
	}
	if st.Response != "我收到了你的消息。" {
		t.Fatalf("Response = %q", st.Response)
	}
}

func TestMachine_StagesRunInOrder(t *testing.T) {
	t.Parallel()

	var stages []Stage
	loader := func(_ context.Context, st *State) error {
		stages = append(stages, st.Stage)
		if st.Intent == intent.Unknown {
			t.Errorf("context loaded before classification, intent still %q", st.Intent)
		}
		st.History = append(st.History, Turn{Role: "user", Content: "之前说过的话"})
		return nil
	}
	responder := func(_ context.Context, st *State) (string, error) {
		stages = append(stages, st.Stage)
		if len(st.History) == 0 {
			t.Errorf("responder ran before context loading")
		}
		return "好的", nil
	}

	m := NewMachine(slog.Default(), newTestRecognizer(t), responder, WithContextLoader(loader))
	st := m.Run(context.Background(), newTestState("你好"))

	if !st.Completed() {
		t.Fatalf("Stage = %q, want %q", st.Stage, StageCompleted)
	}
	want := []Stage{StageContextLoading, StageProcessing}
	if len(stages) != len(want) {
		t.Fatalf("observed stages %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("observed stages %v, want %v", stages, want)
		}
	}
}

func TestMachine_LoaderFailureSetsContextApology(t *testing.T) {
	t.Parallel()

	loader := func(_ context.Context, _ *State) error {
		return errors.New("redis gone")
	}
	m := NewMachine(slog.Default(), newTestRecognizer(t), NewDispatcher().Respond, WithContextLoader(loader))

	st := m.Run(context.Background(), newTestState("你好"))

	if !st.Failed() {
		t.Fatalf("Stage = %q, want %q", st.Stage, StageFailed)
	}
	if st.ErrorCode != CodeContextLoad {
		t.Fatalf("ErrorCode = %q, want %q", st.ErrorCode, CodeContextLoad)
	}
	if st.Response != "抱歉，加载对话上下文时出现错误。" {
		t.Fatalf("Response = %q", st.Response)
	}
	if !strings.Contains(st.ErrorMessage, "redis gone") {
		t.Fatalf("ErrorMessage = %q, want cause preserved", st.ErrorMessage)
	}
}

func TestMachine_ResponderFailureSetsGenerateApology(t *testing.T) {
	t.Parallel()

	responder := func(_ context.Context, _ *State) (string, error) {
		return "", errors.New("model unavailable")
	}
	m := NewMachine(slog.Default(), newTestRecognizer(t), responder)

	st := m.Run(context.Background(), newTestState("你好"))

	if st.ErrorCode != CodeResponseGenerate {
		t.Fatalf("ErrorCode = %q, want %q", st.ErrorCode, CodeResponseGenerate)
	}
	if st.Response != "抱歉，生成回复时出现错误。" {
		t.Fatalf("Response = %q", st.Response)
	}
}

func TestMachine_NoClassifierFailsClassification(t *testing.T) {
	t.Parallel()
	m := NewMachine(slog.Default(), nil, NewDispatcher().Respond)

	st := m.Run(context.Background(), newTestState("你好"))

	if !st.Failed() {
		t.Fatalf("Stage = %q, want %q", st.Stage, StageFailed)
	}
	if st.ErrorCode != CodeIntentClassify {
		t.Fatalf("ErrorCode = %q, want %q", st.ErrorCode, CodeIntentClassify)
	}
	if st.Intent != intent.Unknown {
		t.Fatalf("Intent = %q, want %q", st.Intent, intent.Unknown)
	}
	if st.Response != "抱歉，我无法理解您的意思。" {
		t.Fatalf("Response = %q", st.Response)
	}
}

func TestMachine_PanicIsContained(t *testing.T) {
	t.Parallel()

	responder := func(_ context.Context, _ *State) (string, error) {
		panic("boom")
	}
	m := NewMachine(slog.Default(), newTestRecognizer(t), responder)

	st := m.Run(context.Background(), newTestState("你好"))

	if st == nil {
		t.Fatalf("Run returned nil state after panic")
	}
	if !st.Failed() {
		t.Fatalf("Stage = %q, want %q", st.Stage, StageFailed)
	}
	if st.ErrorCode != CodeGraphExecution {
		t.Fatalf("ErrorCode = %q, want %q", st.ErrorCode, CodeGraphExecution)
	}
	if st.Response != "抱歉，处理您的请求时出现错误。" {
		t.Fatalf("Response = %q", st.Response)
	}
	if !strings.Contains(st.ErrorMessage, "boom") {
		t.Fatalf("ErrorMessage = %q, want panic value preserved", st.ErrorMessage)
	}
}

func TestMachine_SuppressedResponseIsCleared(t *testing.T) {
	t.Parallel()

	responder := func(_ context.Context, st *State) (string, error) {
		st.NeedResponse = false
		return "不该出现的回复", nil
	}
	m := NewMachine(slog.Default(), newTestRecognizer(t), responder)

	st := m.Run(context.Background(), newTestState("你好"))

	if !st.Completed() {
		t.Fatalf("Stage = %q, want %q", st.Stage, StageCompleted)
	}
	if st.Response != "" {
		t.Fatalf("Response = %q, want suppressed", st.Response)
	}
}

func TestMachine_ClockStampsUpdates(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	m := NewMachine(slog.Default(), newTestRecognizer(t), NewDispatcher().Respond, WithMachineClock(clock))

	st := m.Run(context.Background(), NewState(Input{MessageID: "msg_clock", UserID: "10001", Content: "你好"}, base))

	if !st.UpdatedAt.After(st.CreatedAt) {
		t.Fatalf("UpdatedAt = %v not after CreatedAt = %v", st.UpdatedAt, st.CreatedAt)
	}
	if got, want := st.UpdatedAt, base.Add(6*time.Second); !got.Equal(want) {
		t.Fatalf("UpdatedAt = %v, want %v", got, want)
	}
}

func TestFailureReplyMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code string
		want string
	}{
		{CodeIntentClassify, "抱歉，我无法理解您的意思。"},
		{CodeContextLoad, "抱歉，加载对话上下文时出现错误。"},
		{CodeResponseGenerate, "抱歉，生成回复时出现错误。"},
		{CodeInputProcess, "抱歉，处理您的请求时出现错误。"},
		{CodeGraphExecution, "抱歉，处理您的请求时出现错误。"},
	}
	for _, tc := range cases {
		if got := failureReply(tc.code); got != tc.want {
			t.Fatalf("failureReply(%q) = %q, want %q", tc.code, got, tc.want)
		}
	}
}
