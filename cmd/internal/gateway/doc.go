// Package gateway terminates reverse WebSocket connections from OneBot
// v11 clients (the QQ side of the robot). It authenticates the client
// by access token, decodes message events, hands them to the message
// router, writes the reply action back on the same socket, and settles
// token accounting and abuse detection after each reply.
//
// Connection handling follows one writer goroutine per socket with a
// bounded send queue, server pings with bounded failures, a
// per-connection event rate limit, and idempotent shutdown.
package gateway
