package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Wallet/internal/errors"
	"OpenMCP-Wallet/internal/events"
	"OpenMCP-Wallet/internal/knowledge"
	"OpenMCP-Wallet/internal/llm"
	"OpenMCP-Wallet/internal/session"
	"OpenMCP-Wallet/internal/storage/mysql"
	"OpenMCP-Wallet/internal/tools"
	"OpenMCP-Wallet/pkg/logger"
)

const (
	defaultMaxSteps    = 10
	defaultTemperature = 0.3

	// DefaultSystemPrompt 是未配置系统指令时使用的默认值。
	DefaultSystemPrompt = "You are a crypto wallet assistant. Use the provided tools to read balances, prices and chain state for the user's wallet, and to send transfers only when the user explicitly asks. Answer concisely."

	budgetNotice = "I could not finish this request within the allowed number of steps. Please try a simpler question."
)

// Sessions 用于按钱包身份解析会话。
type Sessions interface {
	Resolve(walletKey string) (*session.Session, error)
}

// ToolCall 是一次对话中工具调用的摘要。
type ToolCall struct {
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	IsError   bool   `json:"is_error"`
}

// Reply 是一次完整对话交换的结果。
type Reply struct {
	RequestID string     `json:"request_id"`
	Text      string     `json:"response"`
	Steps     int        `json:"steps"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Pipeline 将用户消息交给大模型，并在模型请求时通过会话工具表执行工具调用。
type Pipeline struct {
	sessions    Sessions
	model       llm.Client
	knowledge   knowledge.Provider
	history     mysql.ChatRepository
	publisher   events.Publisher
	system      string
	temperature float64
	maxSteps    int
	log         *slog.Logger
}

// Option 定义可选的 Pipeline 配置。
type Option func(*Pipeline)

// WithSystemPrompt 覆盖默认系统指令。
func WithSystemPrompt(prompt string) Option {
	return func(p *Pipeline) {
		if strings.TrimSpace(prompt) != "" {
			p.system = prompt
		}
	}
}

// WithTemperature 设置采样温度。0 保持默认值。
func WithTemperature(t float64) Option {
	return func(p *Pipeline) {
		if t > 0 {
			p.temperature = t
		}
	}
}

// WithMaxSteps 设置单次对话的模型调用上限。
func WithMaxSteps(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxSteps = n
		}
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(p *Pipeline) {
		p.knowledge = provider
	}
}

// WithHistory 配置对话记录仓库。
func WithHistory(repo mysql.ChatRepository) Option {
	return func(p *Pipeline) {
		p.history = repo
	}
}

// WithPublisher 配置事件发布通道。
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// New 创建对话管线。
func New(sessions Sessions, model llm.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		sessions:    sessions,
		model:       model,
		publisher:   events.Nop{},
		system:      DefaultSystemPrompt,
		temperature: defaultTemperature,
		maxSteps:    defaultMaxSteps,
		log:         logger.Named("chat"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Chat 执行一次完整的对话交换并返回最终回复。
func (p *Pipeline) Chat(ctx context.Context, walletKey, message string) (*Reply, error) {
	ex, err := p.begin(walletKey, message)
	if err != nil {
		return nil, err
	}

	for ex.steps < p.maxSteps {
		resp, err := p.model.Complete(ctx, ex.req)
		if err != nil {
			return nil, p.modelError(ex, err)
		}
		if ex.absorb(ctx, p, resp) {
			break
		}
	}

	reply := ex.reply()
	p.finish(ctx, ex, reply, false)
	return reply, nil
}

// Stream 与 Chat 执行相同的循环，但把每个模型步骤的文本片段实时交给调用方。
// 调用方停止迭代即取消本次交换。返回的序列只能迭代一次，再次迭代只产出 INVALID_ARGUMENT 错误。
func (p *Pipeline) Stream(ctx context.Context, walletKey, message string) (iter.Seq2[string, error], error) {
	ex, err := p.begin(walletKey, message)
	if err != nil {
		return nil, err
	}

	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", xerrors.New(xerrors.CodeInvalidArgument, "流式回复已被消费", xerrors.WithMetadata("request_id", ex.requestID)))
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		onDelta := func(delta string) bool {
			if stopped {
				return false
			}
			if !yield(delta, nil) {
				stopped = true
				return false
			}
			return true
		}

		for ex.steps < p.maxSteps {
			resp, err := p.model.Stream(ctx, ex.req, onDelta)
			if stopped || errors.Is(err, llm.ErrStreamStopped) {
				p.log.Info("流式对话被调用方中止", slog.String("request_id", ex.requestID))
				return
			}
			if err != nil {
				yield("", p.modelError(ex, err))
				return
			}
			if ex.absorb(ctx, p, resp) {
				break
			}
		}

		reply := ex.reply()
		if !ex.done && ex.lastText == "" {
			if !yield(reply.Text, nil) {
				return
			}
		}
		p.finish(ctx, ex, reply, true)
	}, nil
}

func (p *Pipeline) begin(walletKey, message string) (*exchange, error) {
	if strings.TrimSpace(message) == "" {
		return nil, xerrors.New(xerrors.CodeMissingParameter, "message 不能为空")
	}
	if p.model == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if p.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话注册表")
	}
	sess, err := p.sessions.Resolve(walletKey)
	if err != nil {
		return nil, err
	}

	return &exchange{
		requestID: uuid.NewString(),
		session:   sess,
		message:   message,
		req: llm.Request{
			System:      p.system,
			Knowledge:   p.collectKnowledge(message),
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: message}},
			Tools:       toolSpecs(sess.Tools),
			Temperature: p.temperature,
		},
	}, nil
}

func (p *Pipeline) modelError(ex *exchange, err error) error {
	p.log.Warn("大模型调用失败",
		slog.String("request_id", ex.requestID),
		slog.String("wallet", ex.session.WalletKey),
		slog.Int("step", ex.steps+1),
		slog.Any("error", err),
	)
	return xerrors.Wrap(xerrors.CodeModelInvocation, err, "大模型调用失败", xerrors.WithMetadata("request_id", ex.requestID))
}

// finish 保存对话记录并发布完成事件，两者的失败只记录日志。
func (p *Pipeline) finish(ctx context.Context, ex *exchange, reply *Reply, streamed bool) {
	if !ex.done {
		p.log.Warn("对话达到步骤上限", slog.String("request_id", ex.requestID), slog.Int("steps", ex.steps))
	}

	if p.history != nil {
		calls := make([]mysql.ToolCallRecord, 0, len(reply.ToolCalls))
		for _, c := range reply.ToolCalls {
			calls = append(calls, mysql.ToolCallRecord{Tool: c.Tool, Arguments: c.Arguments, IsError: c.IsError})
		}
		record := mysql.ChatRecord{
			RequestID: ex.requestID,
			SessionID: ex.session.ID,
			Wallet:    ex.session.WalletKey,
			Message:   ex.message,
			Reply:     reply.Text,
			Steps:     reply.Steps,
			ToolCalls: calls,
			Streamed:  streamed,
			CreatedAt: time.Now().UTC(),
		}
		if err := p.history.Save(ctx, record); err != nil {
			p.log.Error("保存对话记录失败", slog.String("request_id", ex.requestID), slog.Any("error", err))
		}
	}

	evt := events.New(events.TypeChatCompleted, ex.session.WalletKey, ex.session.ID)
	evt.RequestID = ex.requestID
	p.publish(ctx, evt)
}

func (p *Pipeline) publish(ctx context.Context, evt events.Event) {
	if err := p.publisher.Publish(ctx, evt); err != nil {
		p.log.Warn("发布事件失败", slog.String("type", string(evt.Type)), slog.Any("error", err))
	}
}

func (p *Pipeline) collectKnowledge(message string) []llm.KnowledgeCard {
	if p.knowledge == nil {
		return nil
	}
	snippets := p.knowledge.Query(message)
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, s := range snippets {
		if strings.TrimSpace(s.Title) == "" && strings.TrimSpace(s.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{Title: s.Title, Content: s.Content})
	}
	return cards
}

func toolSpecs(set *tools.Set) []llm.Tool {
	specs := set.Specs()
	out := make([]llm.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, llm.Tool{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}

// exchange 保存一次对话交换的运行状态。
type exchange struct {
	requestID string
	session   *session.Session
	message   string
	req       llm.Request

	steps    int
	done     bool
	final    string
	lastText string
	calls    []ToolCall
}

// absorb 处理一个模型步骤的输出，返回 true 表示已得到最终回答。
func (ex *exchange) absorb(ctx context.Context, p *Pipeline, resp *llm.Response) bool {
	ex.steps++
	if resp == nil {
		resp = &llm.Response{}
	}
	text := strings.TrimSpace(resp.Content)
	if text != "" {
		ex.lastText = text
	}
	if len(resp.ToolCalls) == 0 {
		ex.done = true
		ex.final = text
		return true
	}

	ex.req.Messages = append(ex.req.Messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	for _, call := range resp.ToolCalls {
		result := ex.session.Tools.Dispatch(ctx, tools.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		ex.calls = append(ex.calls, ToolCall{Tool: call.Name, Arguments: call.Arguments, IsError: result.IsError})
		ex.req.Messages = append(ex.req.Messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    result.Content,
			ToolCallID: call.ID,
		})

		p.log.Debug("工具调用完成",
			slog.String("request_id", ex.requestID),
			slog.String("tool", call.Name),
			slog.Bool("is_error", result.IsError),
		)
		evt := events.New(events.TypeToolCalled, ex.session.WalletKey, ex.session.ID)
		evt.RequestID = ex.requestID
		evt.Tool = call.Name
		evt.IsError = result.IsError
		p.publish(ctx, evt)
	}
	return false
}

func (ex *exchange) reply() *Reply {
	text := ex.final
	if text == "" {
		text = ex.lastText
	}
	if text == "" && !ex.done {
		text = budgetNotice
	}
	return &Reply{
		RequestID: ex.requestID,
		Text:      text,
		Steps:     ex.steps,
		ToolCalls: append([]ToolCall(nil), ex.calls...),
	}
}
