package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"OpenMCP-Wallet/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 通过 openai-go SDK 调用支持工具调用的大模型。
type Client struct {
	sdk   sdk.Client
	model string
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。SDK 的自动重试被关闭。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL + "/"),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Client{sdk: sdk.NewClient(opts...), model: model}, nil
}

// Complete 发起一次非流式调用。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	completion, err := c.sdk.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}
	return toResponse(completion.Choices[0].Message), nil
}

// Stream 发起流式调用，文本片段逐个交给 onDelta，工具调用在结束后汇总返回。
func (c *Client) Stream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (*llm.Response, error) {
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, c.buildParams(req))
	defer stream.Close()

	acc := sdk.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" && onDelta != nil {
			if !onDelta(delta) {
				return nil, llm.ErrStreamStopped
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("OpenAI 流式响应失败: %w", err)
	}
	if len(acc.Choices) == 0 {
		return nil, errors.New("OpenAI 流式响应中没有有效的 choices")
	}
	return toResponse(acc.Choices[0].Message), nil
}

func toResponse(msg sdk.ChatCompletionMessage) *llm.Response {
	resp := &llm.Response{Content: msg.Content}
	for _, call := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return resp
}

func (c *Client) buildParams(req llm.Request) sdk.ChatCompletionNewParams {
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	if notes := renderKnowledge(req.Knowledge); notes != "" {
		messages = append(messages, sdk.SystemMessage(notes))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleUser:
			messages = append(messages, sdk.UserMessage(msg.Content))
		case llm.RoleTool:
			messages = append(messages, sdk.ToolMessage(msg.Content, msg.ToolCallID))
		case llm.RoleAssistant:
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = sdk.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			messages = append(messages, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(c.model),
		Messages:    messages,
		Temperature: sdk.Float(req.Temperature),
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: sdk.String(tool.Description),
				Parameters:  sdk.FunctionParameters(tool.Parameters),
			},
		})
	}
	return params
}

func renderKnowledge(cards []llm.KnowledgeCard) string {
	if len(cards) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Reference notes:\n")
	for _, card := range cards {
		fmt.Fprintf(&b, "- %s: %s\n", card.Title, card.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
