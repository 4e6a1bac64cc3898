package intent

// Rule matches text to an intent by keyword substrings or regular
// expressions. Higher priority rules are tried first.
type Rule struct {
	Intent      Type
	Keywords    []string
	Patterns    []string
	Priority    int
	Description string
}

// DefaultRules is the built-in rule set. The catch-all chat rule sits at
// the bottom so any text that matches nothing else still lands on chat.
func DefaultRules() []Rule {
	return []Rule{
		{
			Intent:      Weather,
			Keywords:    []string{"天气", "气温", "温度", "下雨", "下雪", "晴天", "阴天", "刮风"},
			Patterns:    []string{`.*天气.*`, `.*(?:气温|温度).*`, `.*(?:雨|雪|晴|阴|风).*`},
			Priority:    10,
			Description: "天气查询意图",
		},
		{
			Intent:      RolePlay,
			Keywords:    []string{"扮演", "角色", "角色扮演", "变成", "当作"},
			Patterns:    []string{`扮演.*`, `角色.*`, `变成.*`},
			Priority:    15,
			Description: "角色扮演意图",
		},
		{
			Intent:      ContextCreate,
			Keywords:    []string{"创建对话", "新建对话", "创建上下文", "开始对话"},
			Patterns:    []string{`创建.*(?:对话|上下文)`, `新建.*对话`},
			Priority:    20,
			Description: "创建上下文意图",
		},
		{
			Intent:      ContextJoin,
			Keywords:    []string{"加入对话", "进入对话", "加入上下文"},
			Patterns:    []string{`加入.*(?:对话|上下文)`, `进入.*对话`},
			Priority:    20,
			Description: "加入上下文意图",
		},
		{
			Intent:      ContextLeave,
			Keywords:    []string{"离开对话", "退出对话", "离开上下文"},
			Patterns:    []string{`(?:离开|退出).*(?:对话|上下文)`},
			Priority:    20,
			Description: "离开上下文意图",
		},
		{
			Intent:      ContextEnd,
			Keywords:    []string{"结束对话", "终止对话", "结束上下文", "关闭对话"},
			Patterns:    []string{`(?:结束|终止|关闭).*(?:对话|上下文)`},
			Priority:    20,
			Description: "结束上下文意图",
		},
		{
			Intent:      Command,
			Keywords:    []string{"/help", "/start", "/status", "/config", "/ban", "/unban", "/redeem", "兑换"},
			Patterns:    []string{`/[a-zA-Z]+`},
			Priority:    30,
			Description: "命令操作意图",
		},
		{
			Intent:      Chat,
			Keywords:    []string{"你好", "嗨", "在吗", "早上好", "晚安", "谢谢", "再见"},
			Patterns:    []string{`.*`},
			Priority:    0,
			Description: "普通聊天意图（默认）",
		},
	}
}
