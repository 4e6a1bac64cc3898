package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/pipeline"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/redeem"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/session"
)

const commandHelp = `可用命令：
/help 查看帮助
/status 查看当前对话状态
/redeem <兑换码> 兑换 token 额度
直接发消息即可聊天，支持天气查询、角色扮演、创建对话、结束对话。`

// handleCommand serves slash commands. Unknown commands reply with a
// hint rather than failing the pipeline.
func (r *Router) handleCommand(ctx context.Context, st *pipeline.State) (string, error) {
	switch strings.ToLower(st.Command) {
	case "", "help", "帮助", "start":
		return commandHelp, nil
	case "status", "状态":
		return r.commandStatus(ctx, st), nil
	case "redeem", "兑换":
		return r.commandRedeem(ctx, st)
	case "ban", "unban", "config":
		return "该命令仅在管理接口开放。", nil
	default:
		return "未知命令：" + st.Command + "，发送 /help 查看可用命令。", nil
	}
}

func (r *Router) commandStatus(ctx context.Context, st *pipeline.State) string {
	s := r.sessions.CurrentSession(ctx, st.UserID)
	if s == nil {
		return "当前没有进行中的对话，直接发消息即可开始。"
	}
	kind := "私聊"
	if s.Type == session.TypeGroup {
		kind = "群聊"
	}
	return fmt.Sprintf("当前对话：%s（%s），已记录 %d 条消息。", s.Name, kind, len(s.Messages))
}

// commandRedeem claims a quota gift code. Business outcomes become
// user-facing replies; only backend failures propagate as errors.
func (r *Router) commandRedeem(ctx context.Context, st *pipeline.State) (string, error) {
	if r.redeem == nil {
		return "兑换功能未开启。", nil
	}
	code := commandArg(st.Content)
	if code == "" {
		return "用法：/redeem <兑换码>", nil
	}

	amount, err := r.redeem.Redeem(ctx, code, st.UserID)
	switch {
	case err == nil:
		return fmt.Sprintf("兑换成功，已到账 %d token。", amount), nil
	case errors.Is(err, redeem.ErrNotFound):
		return "兑换码不存在，请检查后重试。", nil
	case errors.Is(err, redeem.ErrNotActive):
		return "兑换码已失效或已被使用。", nil
	case errors.Is(err, redeem.ErrInvalidInput):
		return "用法：/redeem <兑换码>", nil
	default:
		return "", err
	}
}

// commandArg returns the first argument after the command token.
func commandArg(content string) string {
	fields := strings.Fields(content)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}
