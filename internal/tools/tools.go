package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenMCP-Wallet/internal/wallet"
)

// Spec 描述提供给大模型的工具签名，Parameters 为 JSON Schema。
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Call 是大模型发起的一次工具调用。
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Result 是工具调用的观察结果。出错时 Content 为 {"error": ...}。
type Result struct {
	CallID  string `json:"call_id"`
	Tool    string `json:"tool"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

type handler func(ctx context.Context, agent wallet.Agent, args json.RawMessage) (any, error)

type tool struct {
	spec Spec
	run  handler
}

// Set 是绑定到单个 Agent 的只读工具表。
type Set struct {
	agent wallet.Agent
	tools map[string]tool
	order []string
}

// Derive 基于 Agent 构造固定的工具表。
func Derive(agent wallet.Agent) *Set {
	set := &Set{agent: agent, tools: make(map[string]tool, len(catalog))}
	for _, t := range catalog {
		set.tools[t.spec.Name] = t
		set.order = append(set.order, t.spec.Name)
	}
	return set
}

// Agent 返回工具表绑定的 Agent。
func (s *Set) Agent() wallet.Agent {
	if s == nil {
		return nil
	}
	return s.agent
}

// Names 返回全部工具名称，按名称排序。
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names
}

// Specs 返回全部工具签名。
func (s *Set) Specs() []Spec {
	if s == nil {
		return nil
	}
	out := make([]Spec, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].spec)
	}
	return out
}

// Dispatch 执行一次工具调用。未知工具、参数错误与执行失败都会转换为错误观察。
func (s *Set) Dispatch(ctx context.Context, call Call) Result {
	result := Result{CallID: call.ID, Tool: call.Name}
	if s == nil || s.agent == nil {
		return failure(result, errors.New("工具表未绑定钱包"))
	}
	t, ok := s.tools[call.Name]
	if !ok {
		return failure(result, fmt.Errorf("未知工具: %s", call.Name))
	}

	args := json.RawMessage(strings.TrimSpace(call.Arguments))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return failure(result, fmt.Errorf("工具 %s 的参数不是合法 JSON", call.Name))
	}

	value, err := t.run(ctx, s.agent, args)
	if err != nil {
		return failure(result, err)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return failure(result, fmt.Errorf("序列化工具结果失败: %w", err))
	}
	result.Content = string(encoded)
	return result
}

func failure(result Result, err error) Result {
	encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
	result.Content = string(encoded)
	result.IsError = true
	return result
}
