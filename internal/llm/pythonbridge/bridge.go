package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"OpenMCP-Wallet/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

var _ llm.Client = (*Client)(nil)

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: ResolveScriptPath(workingDir, scriptPath),
		workingDir: workingDir,
	}, nil
}

type wireToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireRequest struct {
	System      string              `json:"system"`
	Knowledge   []llm.KnowledgeCard `json:"knowledge,omitempty"`
	Messages    []wireMessage       `json:"messages"`
	Tools       []wireTool          `json:"tools,omitempty"`
	Temperature float64             `json:"temperature"`
}

type wireResponse struct {
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

// Complete 调用外部脚本，请求以 JSON 写入 stdin，结果从 stdout 读取。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(toWire(req))
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var resp wireResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}

	out := &llm.Response{Content: resp.Content}
	for _, call := range resp.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall(call))
	}
	return out, nil
}

// Stream 脚本不支持增量输出，完整文本作为单个片段交付。
func (c *Client) Stream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (*llm.Response, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" && onDelta != nil && !onDelta(resp.Content) {
		return nil, llm.ErrStreamStopped
	}
	return resp, nil
}

func toWire(req llm.Request) wireRequest {
	out := wireRequest{
		System:      req.System,
		Knowledge:   req.Knowledge,
		Temperature: req.Temperature,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
	}
	for _, msg := range req.Messages {
		wm := wireMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, call := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall(call))
		}
		out.Messages = append(out.Messages, wm)
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, wireTool(tool))
	}
	return out
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
