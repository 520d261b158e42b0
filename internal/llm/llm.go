package llm

import (
	"context"
	"errors"
)

// ErrStreamStopped 表示流式消费方主动停止了接收。
var ErrStreamStopped = errors.New("stream stopped by consumer")

// Role 标识一条对话消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role    Role
	Content string
	// ToolCalls 仅在 assistant 消息中出现。
	ToolCalls []ToolCall
	// ToolCallID 仅在 tool 消息中出现，对应被回应的调用。
	ToolCallID string
}

// ToolCall 是大模型请求执行的一次工具调用。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool 描述一个可供调用的工具，Parameters 为 JSON Schema。
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Request 描述一次模型调用的完整上下文。
type Request struct {
	System      string
	Knowledge   []KnowledgeCard
	Messages    []Message
	Tools       []Tool
	Temperature float64
}

// Response 是一次模型调用的输出：文本与/或工具调用。
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// DeltaFunc 接收流式文本片段，返回 false 表示停止接收。
type DeltaFunc func(delta string) bool

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error)
}
