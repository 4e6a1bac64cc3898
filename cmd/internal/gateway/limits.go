package gateway

import "time"

const (
	// Max bytes per websocket frame read.
	maxEventBytes = 64 << 10 // 64 KiB

	// Max reply text length (runes) written back to the client.
	maxReplyChars = 4000
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection event budget. A single bot multiplexes many end
	// users, so this sits well above the per-user admission limits.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
