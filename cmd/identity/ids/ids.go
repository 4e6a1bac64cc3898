package ids

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewContextID returns a session/context id: "ctx_" + 32 hex chars.
func NewContextID() string {
	return "ctx_" + uuidHex()
}

// NewBanID returns a ban-record id: "ban_" + 32 hex chars.
func NewBanID() string {
	return "ban_" + uuidHex()
}

// NewMessageID returns a message id: "msg_" + 8 hex chars + "_" + unix seconds.
// The embedded timestamp makes ids greppable in logs.
func NewMessageID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return "msg_" + uuidHex()[:8] + "_" + strconv.FormatInt(now.Unix(), 10)
}

func uuidHex() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
