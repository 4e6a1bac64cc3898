package pipeline

import (
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/intent"
)

// Stage is the processing stage a message is currently in.
type Stage string

const (
	StageReceived          Stage = "received"
	StagePreprocessing     Stage = "preprocessing"
	StageIntentClassifying Stage = "intent_classifying"
	StageContextLoading    Stage = "context_loading"
	StageProcessing        Stage = "processing"
	StagePostprocessing    Stage = "postprocessing"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// Terminal reports whether the stage ends the pipeline.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Error codes surfaced on failed states. The values are part of the
// result payload and must stay stable across releases.
const (
	CodeInputProcess     = "INPUT_PROCESS_ERROR"
	CodeIntentClassify   = "INTENT_CLASSIFY_ERROR"
	CodeContextLoad      = "CONTEXT_LOAD_ERROR"
	CodeResponseGenerate = "RESPONSE_GENERATE_ERROR"
	CodeGraphExecution   = "GRAPH_EXECUTION_ERROR"
)

// DefaultHistoryLimit is how many conversation turns a state carries
// when nothing overrides it.
const DefaultHistoryLimit = 10

// Turn is one prior exchange attached to a state by the context loader.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// State carries a single message through the pipeline. The Machine
// mutates it in place; callers snapshot with Clone when they need an
// immutable copy.
type State struct {
	MessageID   string
	UserID      string
	UserName    string
	GroupID     string // empty for private chats
	Content     string
	MessageType string

	Intent     intent.Type
	Confidence float64
	Command    string
	Entities   intent.Entities

	Stage Stage

	SessionID    string
	SessionType  string
	History      []Turn
	HistoryLimit int

	Response     string
	ResponseType string
	NeedResponse bool

	ErrorCode    string
	ErrorMessage string

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Input is what the router hands the pipeline for one incoming message.
type Input struct {
	MessageID   string
	UserID      string
	UserName    string
	GroupID     string
	Content     string
	MessageType string
}

// NewState builds the initial state for an incoming message. The stage
// starts at received and the intent is unknown until classification.
func NewState(in Input, now time.Time) *State {
	return &State{
		MessageID:    in.MessageID,
		UserID:       in.UserID,
		UserName:     in.UserName,
		GroupID:      in.GroupID,
		Content:      in.Content,
		MessageType:  in.MessageType,
		Intent:       intent.Unknown,
		Stage:        StageReceived,
		HistoryLimit: DefaultHistoryLimit,
		ResponseType: "text",
		NeedResponse: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy of the state.
func (st *State) Clone() *State {
	out := *st
	if st.History != nil {
		out.History = make([]Turn, len(st.History))
		copy(out.History, st.History)
	}
	if st.Metadata != nil {
		out.Metadata = make(map[string]string, len(st.Metadata))
		for k, v := range st.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Failed reports whether the pipeline ended in the failed stage.
func (st *State) Failed() bool { return st.Stage == StageFailed }

// Completed reports whether the pipeline ran every stage successfully.
func (st *State) Completed() bool { return st.Stage == StageCompleted }
