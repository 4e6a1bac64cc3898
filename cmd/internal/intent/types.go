package intent

// Type is a recognized message intent.
type Type string

const (
	Chat          Type = "chat"
	Weather       Type = "weather"
	RolePlay      Type = "role_play"
	ContextCreate Type = "context_create"
	ContextJoin   Type = "context_join"
	ContextLeave  Type = "context_leave"
	ContextEnd    Type = "context_end"
	UserBan       Type = "user_ban"
	Command       Type = "command"
	Unknown       Type = "unknown"
)

// Result is the outcome of classifying one message.
type Result struct {
	Intent     Type
	Confidence float64
	RawInput   string
	Command    string
	Reasoning  string
}

// Entities holds what ExtractEntities finds in a message. Hour is nil
// when no plausible clock hour appears.
type Entities struct {
	HasTime     bool
	TimeType    string
	Hour        *int
	HasLocation bool
	Location    string
}
