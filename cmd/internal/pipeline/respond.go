package pipeline

import (
	"context"
	"sync"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/intent"
)

// Dispatcher picks a responder by classified intent. Intents without a
// registered handler fall through to the fallback. The zero defaults
// cover chat, weather and role play; the router registers the context
// management handlers on top.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[intent.Type]Responder
	fallback Responder
}

// NewDispatcher returns a dispatcher preloaded with the built-in
// handlers.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[intent.Type]Responder),
		fallback: respondDefault,
	}
	d.handlers[intent.Chat] = respondChat
	d.handlers[intent.Weather] = respondWeather
	d.handlers[intent.RolePlay] = respondRolePlay
	return d
}

// Register installs or replaces the handler for an intent.
func (d *Dispatcher) Register(t intent.Type, r Responder) {
	if r == nil {
		return
	}
	d.mu.Lock()
	d.handlers[t] = r
	d.mu.Unlock()
}

// SetFallback replaces the handler used when no intent matches.
func (d *Dispatcher) SetFallback(r Responder) {
	if r == nil {
		return
	}
	d.mu.Lock()
	d.fallback = r
	d.mu.Unlock()
}

// Respond generates the reply for the state's intent. It satisfies the
// Machine's Responder signature.
func (d *Dispatcher) Respond(ctx context.Context, st *State) (string, error) {
	d.mu.RLock()
	h, ok := d.handlers[st.Intent]
	if !ok {
		h = d.fallback
	}
	d.mu.RUnlock()
	return h(ctx, st)
}

func respondChat(_ context.Context, st *State) (string, error) {
	return "你说：" + st.Content, nil
}

func respondWeather(_ context.Context, st *State) (string, error) {
	location := st.Entities.Location
	if location == "" {
		location = "未知地点"
	}
	return "正在查询" + location + "的天气信息...", nil
}

func respondRolePlay(_ context.Context, _ *State) (string, error) {
	return "角色扮演功能正在开发中...", nil
}

func respondDefault(_ context.Context, _ *State) (string, error) {
	return "我收到了你的消息。", nil
}
