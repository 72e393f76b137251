package llm

import "context"

// 角色常量。
const (
	RoleSystem    = "system"
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// Message 是一轮对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice 对应 chat completion 响应中的一个候选。
type Choice struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

// Completion 是模型返回的原始结构，调用方读取 Choices[0].Message.Content。
type Completion struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
}

// FirstContent 返回第一个候选的内容；没有候选时返回 false。
func (c *Completion) FirstContent() (string, bool) {
	if c == nil || len(c.Choices) == 0 {
		return "", false
	}
	return c.Choices[0].Message.Content, true
}

// ChatClient 定义了调用大模型的统一接口。
type ChatClient interface {
	Chat(ctx context.Context, messages []Message) (*Completion, error)
}

// ChatFunc 让普通函数满足 ChatClient。
type ChatFunc func(ctx context.Context, messages []Message) (*Completion, error)

func (f ChatFunc) Chat(ctx context.Context, messages []Message) (*Completion, error) {
	return f(ctx, messages)
}

// StaticReply 构造只返回固定内容的 Completion，便于测试与离线运行。
func StaticReply(content string) *Completion {
	return &Completion{Choices: []Choice{{Message: Message{Role: RoleAssistant, Content: content}}}}
}
