package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Wallet/internal/chat"
	xerrors "OpenMCP-Wallet/internal/errors"
	"OpenMCP-Wallet/internal/portfolio"
	"OpenMCP-Wallet/internal/pricecache"
	"OpenMCP-Wallet/internal/session"
	"OpenMCP-Wallet/internal/storage/mysql"
	"OpenMCP-Wallet/pkg/logger"
)

const maxBodyBytes = 1 << 20

// SessionManager 创建、替换或移除钱包会话。
type SessionManager interface {
	Init(ctx context.Context, walletKey string) (*session.Session, error)
	Evict(walletKey string) bool
}

// signCapable 由能够签名转账的钱包代理实现。
type signCapable interface {
	CanSign() bool
}

// ChatService 执行对话交换。
type ChatService interface {
	Chat(ctx context.Context, walletKey, message string) (*chat.Reply, error)
	Stream(ctx context.Context, walletKey, message string) (iter.Seq2[string, error], error)
}

// PortfolioService 生成持仓快照。
type PortfolioService interface {
	Get(ctx context.Context, walletKey string) (*portfolio.Snapshot, error)
}

// PriceReader 读取价格缓存。
type PriceReader interface {
	Get(symbol string) (pricecache.Entry, bool)
	Snapshot() []pricecache.Entry
}

// Server 负责暴露 REST 接口，供聊天客户端驱动钱包会话。
type Server struct {
	addr            string
	sessions        SessionManager
	chat            ChatService
	portfolio       PortfolioService
	prices          PriceReader
	history         mysql.ChatRepository
	shutdownTimeout time.Duration
	log             *slog.Logger
	audit           *slog.Logger
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithSessions 配置会话注册表。
func WithSessions(s SessionManager) Option {
	return func(srv *Server) { srv.sessions = s }
}

// WithChat 配置对话管线。
func WithChat(c ChatService) Option {
	return func(srv *Server) { srv.chat = c }
}

// WithPortfolio 配置持仓聚合器。
func WithPortfolio(p PortfolioService) Option {
	return func(srv *Server) { srv.portfolio = p }
}

// WithPrices 配置价格缓存。
func WithPrices(p PriceReader) Option {
	return func(srv *Server) { srv.prices = p }
}

// WithHistory 配置对话记录仓库。
func WithHistory(repo mysql.ChatRepository) Option {
	return func(srv *Server) { srv.history = repo }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	srv := &Server{
		addr:            addr,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
		audit:           logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv
}

// Handler 返回注册了全部路由的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/sessions", s.handleInitSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{wallet}", s.handleEvictSession)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/v1/chat/history", s.handleChatHistory)
	mux.HandleFunc("GET /api/v1/portfolio/{wallet}", s.handlePortfolio)
	mux.HandleFunc("GET /api/v1/prices", s.handlePrices)
	mux.HandleFunc("GET /api/v1/prices/{symbol}", s.handlePrice)
	return s.withAudit(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type sessionRequest struct {
	Wallet string `json:"wallet"`
}

type sessionResponse struct {
	SessionID string   `json:"session_id"`
	Wallet    string   `json:"wallet"`
	Tools     []string `json:"tools"`
	CanSign   bool     `json:"can_sign"`
}

type chatRequest struct {
	Wallet  string `json:"wallet"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "会话注册表未初始化"))
		return
	}
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Init(r.Context(), req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := sessionResponse{
		SessionID: sess.ID,
		Wallet:    sess.WalletKey,
		Tools:     sess.Tools.Names(),
	}
	if signer, ok := sess.Agent.(signCapable); ok {
		resp.CanSign = signer.CanSign()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleEvictSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "会话注册表未初始化"))
		return
	}
	wallet := strings.TrimSpace(r.PathValue("wallet"))
	if !s.sessions.Evict(wallet) {
		s.writeError(w, r, xerrors.New(xerrors.CodeSessionNotFound, "钱包会话不存在", xerrors.WithMetadata("wallet", wallet)))
		return
	}
	s.audit.Info("session_evicted", slog.String("wallet", wallet))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "对话管线未初始化"))
		return
	}
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := s.chat.Chat(r.Context(), req.Wallet, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleChatStream 以 text/event-stream 逐段返回模型输出。
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "对话管线未初始化"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, xerrors.New(xerrors.CodeUnknown, "当前连接不支持流式响应"))
		return
	}
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	seq, err := s.chat.Stream(r.Context(), req.Wallet, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for fragment, err := range seq {
		if err != nil {
			s.log.Warn("流式对话失败", slog.String("wallet", req.Wallet), slog.Any("error", err))
			payload, _ := json.Marshal(errorBody(err))
			writeEvent(w, "error", string(payload))
			flusher.Flush()
			return
		}
		writeEvent(w, "", fragment)
		flusher.Flush()
		if r.Context().Err() != nil {
			return
		}
	}
	writeEvent(w, "done", "[DONE]")
	flusher.Flush()
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "对话记录仓库未初始化"))
		return
	}
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeMissingParameter, "wallet 不能为空"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.history.ListByWallet(r.Context(), wallet, limit)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对话记录失败"))
		return
	}
	if records == nil {
		records = []mysql.ChatRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if s.portfolio == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "持仓聚合器未初始化"))
		return
	}
	snap, err := s.portfolio.Get(r.Context(), r.PathValue("wallet"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "价格缓存未初始化"))
		return
	}
	entries := s.prices.Snapshot()
	if entries == nil {
		entries = []pricecache.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "价格缓存未初始化"))
		return
	}
	symbol := r.PathValue("symbol")
	entry, ok := s.prices.Get(symbol)
	if !ok {
		s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, "暂无该资产的报价", xerrors.WithMetadata("symbol", symbol)))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorPayload struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func errorBody(err error) map[string]errorPayload {
	payload := errorPayload{Code: string(xerrors.CodeUnknown), Message: "internal error"}
	if e, ok := xerrors.From(err); ok {
		payload = errorPayload{Code: string(e.Code()), Message: e.Message(), Metadata: e.Metadata()}
	}
	return map[string]errorPayload{"error": payload}
}

// writeError 按错误码的严重程度记录日志，并返回对应的 HTTP 状态码。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	s.log.LogAttrs(r.Context(), severityLevel(xerrors.SeverityOf(err)), "请求处理失败",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
	writeJSON(w, status, errorBody(err))
}

func severityLevel(sev xerrors.Severity) slog.Level {
	switch sev {
	case xerrors.SeverityInfo:
		return slog.LevelInfo
	case xerrors.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeEvent(w http.ResponseWriter, event, data string) {
	var sb strings.Builder
	if event != "" {
		sb.WriteString("event: ")
		sb.WriteString(event)
		sb.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	_, _ = w.Write([]byte(sb.String()))
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
