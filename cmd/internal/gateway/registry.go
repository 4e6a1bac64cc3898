package gateway

import (
	"log/slog"
	"sync"
)

// Registry tracks connected bots by self id. A reconnect for an already
// registered self id replaces the previous connection.
type Registry struct {
	log *slog.Logger

	mu   sync.RWMutex
	bots map[int64]*Bot
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:  log,
		bots: make(map[int64]*Bot),
	}
}

// Add registers a bot and returns the connection it replaced, if any.
// The caller is responsible for closing the replaced bot.
func (r *Registry) Add(b *Bot) *Bot {
	if b == nil {
		return nil
	}
	r.mu.Lock()
	old := r.bots[b.SelfID]
	r.bots[b.SelfID] = b
	r.mu.Unlock()

	if old != nil {
		r.log.Warn("gateway.bot_replaced", "self_id", b.SelfID, "old_session", old.SessionID, "new_session", b.SessionID)
	}
	return old
}

// Remove deregisters the bot, but only while it is still the current
// connection for its self id. Removing a replaced bot is a no-op, and
// the return value reports whether an entry was actually removed.
func (r *Registry) Remove(b *Bot) bool {
	if b == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.bots[b.SelfID]; ok && cur.SessionID == b.SessionID {
		delete(r.bots, b.SelfID)
		return true
	}
	return false
}

// Get returns the current connection for a self id, or nil.
func (r *Registry) Get(selfID int64) *Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bots[selfID]
}

// Count returns the number of connected bots.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bots)
}
