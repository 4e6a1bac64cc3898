package gateway

import "sync"

// Bot represents one connected OneBot client.
//
// Send is never closed by the gateway; done signals the connection
// goroutines to stop and Close is idempotent.
type Bot struct {
	SelfID    int64
	SessionID string
	Send      chan Action

	done      chan struct{}
	closeOnce sync.Once
}

// NewBot constructs a Bot with a bounded send queue.
func NewBot(selfID int64, sessionID string, sendQueueSize int) *Bot {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Bot{
		SelfID:    selfID,
		SessionID: sessionID,
		Send:      make(chan Action, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel closed when the bot is shutting down.
func (b *Bot) Done() <-chan struct{} {
	if b == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return b.done
}

// Close signals the connection goroutines to stop. It does not close
// Send so concurrent senders stay safe.
func (b *Bot) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		close(b.done)
	})
}
