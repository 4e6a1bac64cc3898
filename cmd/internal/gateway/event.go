package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
)

// OneBot v11 post types.
const (
	PostMessage   = "message"
	PostNotice    = "notice"
	PostRequest   = "request"
	PostMetaEvent = "meta_event"
)

// Event is a OneBot v11 event frame. Only the fields the robot acts on
// are decoded; the rest of the frame is ignored.
type Event struct {
	Time     int64  `json:"time"`
	SelfID   int64  `json:"self_id"`
	PostType string `json:"post_type"`

	// message events
	MessageType string          `json:"message_type,omitempty"`
	SubType     string          `json:"sub_type,omitempty"`
	MessageID   int64           `json:"message_id,omitempty"`
	UserID      int64           `json:"user_id,omitempty"`
	GroupID     int64           `json:"group_id,omitempty"`
	RawMessage  string          `json:"raw_message,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	Sender      Sender          `json:"sender,omitempty"`

	// meta events
	MetaEventType string `json:"meta_event_type,omitempty"`
}

// Sender identifies the account a message event came from.
type Sender struct {
	UserID   int64  `json:"user_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
}

// DisplayName prefers the group card over the account nickname, falling
// back to the bare user id.
func (s Sender) DisplayName(userID int64) string {
	if name := strings.TrimSpace(s.Card); name != "" {
		return name
	}
	if name := strings.TrimSpace(s.Nickname); name != "" {
		return name
	}
	return strconv.FormatInt(userID, 10)
}

// segment is one entry of a OneBot segment-array message.
type segment struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

// Text returns the plain text of a message event. raw_message wins when
// present; otherwise the message field is decoded as either a plain
// string or a segment array whose text segments are concatenated.
func (e *Event) Text() string {
	if s := strings.TrimSpace(e.RawMessage); s != "" {
		return s
	}
	if len(e.Message) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(e.Message, &plain); err == nil {
		return strings.TrimSpace(plain)
	}

	var segs []segment
	if err := json.Unmarshal(e.Message, &segs); err != nil {
		return ""
	}
	var b strings.Builder
	for _, s := range segs {
		if s.Type == "text" {
			b.WriteString(s.Data.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// IsGroup reports whether the event came from a group chat.
func (e *Event) IsGroup() bool { return e.MessageType == "group" }

// Action is a OneBot v11 API call written back to the client.
type Action struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

// PrivateMessageParams is the params body of send_private_msg.
type PrivateMessageParams struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

// GroupMessageParams is the params body of send_group_msg.
type GroupMessageParams struct {
	GroupID int64  `json:"group_id"`
	Message string `json:"message"`
}

// ReplyAction builds the send action answering the given event.
func ReplyAction(ev *Event, text, echo string) Action {
	if ev.IsGroup() {
		return Action{
			Action: "send_group_msg",
			Params: GroupMessageParams{GroupID: ev.GroupID, Message: text},
			Echo:   echo,
		}
	}
	return Action{
		Action: "send_private_msg",
		Params: PrivateMessageParams{UserID: ev.UserID, Message: text},
		Echo:   echo,
	}
}

// ActionResult is the client's response to an earlier Action.
type ActionResult struct {
	Status  string `json:"status"`
	Retcode int    `json:"retcode"`
	Echo    string `json:"echo,omitempty"`
}
