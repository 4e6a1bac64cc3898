package pipeline

import (
	"testing"
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/intent"
)

func TestNewStateDefaults(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := NewState(Input{
		MessageID: "msg_1",
		UserID:    "10001",
		UserName:  "小明",
		GroupID:   "42",
		Content:   "你好",
	}, now)

	if st.Stage != StageReceived {
		t.Fatalf("Stage = %q, want %q", st.Stage, StageReceived)
	}
	if st.Intent != intent.Unknown {
		t.Fatalf("Intent = %q, want %q", st.Intent, intent.Unknown)
	}
	if st.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("HistoryLimit = %d, want %d", st.HistoryLimit, DefaultHistoryLimit)
	}
	if !st.NeedResponse {
		t.Fatalf("NeedResponse = false, want true")
	}
	if st.ResponseType != "text" {
		t.Fatalf("ResponseType = %q, want %q", st.ResponseType, "text")
	}
	if !st.CreatedAt.Equal(now) || !st.UpdatedAt.Equal(now) {
		t.Fatalf("timestamps = %v/%v, want %v", st.CreatedAt, st.UpdatedAt, now)
	}
}

func TestStateCloneIsDeep(t *testing.T) {
	t.Parallel()
	st := newTestState("你好")
	st.History = []Turn{{Role: "user", Content: "第一句"}}
	st.Metadata = map[string]string{"source": "qq"}

	got := st.Clone()
	got.History[0].Content = "改掉了"
	got.Metadata["source"] = "other"

	if st.History[0].Content != "第一句" {
		t.Fatalf("clone shares history with original")
	}
	if st.Metadata["source"] != "qq" {
		t.Fatalf("clone shares metadata with original")
	}
}

func TestStageTerminal(t *testing.T) {
	t.Parallel()
	cases := []struct {
		stage Stage
		want  bool
	}{
		{StageReceived, false},
		{StagePreprocessing, false},
		{StageIntentClassifying, false},
		{StageContextLoading, false},
		{StageProcessing, false},
		{StagePostprocessing, false},
		{StageCompleted, true},
		{StageFailed, true},
	}
	for _, tc := range cases {
		if got := tc.stage.Terminal(); got != tc.want {
			t.Fatalf("Terminal(%q) = %v, want %v", tc.stage, got, tc.want)
		}
	}
}
