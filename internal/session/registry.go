package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Wallet/internal/errors"
	"OpenMCP-Wallet/internal/tools"
	"OpenMCP-Wallet/internal/wallet"
	"OpenMCP-Wallet/pkg/logger"
)

// Session 绑定一个钱包身份与其 Agent、工具表。
type Session struct {
	ID        string
	WalletKey string
	Agent     wallet.Agent
	Tools     *tools.Set
	CreatedAt time.Time

	lastUsed atomicTime
}

// LastUsed 返回会话最近一次被访问的时间。
func (s *Session) LastUsed() time.Time {
	return s.lastUsed.Load()
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now)
}

// Observer 在会话被创建时收到通知。
type Observer func(ctx context.Context, s *Session)

// Registry 维护钱包身份到会话的映射，同一身份以最后一次初始化为准。
type Registry struct {
	factory  wallet.Factory
	now      func() time.Time
	observer Observer
	log      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option 定义可选配置。
type Option func(*Registry)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver 注册会话创建回调。
func WithObserver(fn Observer) Option {
	return func(r *Registry) {
		r.observer = fn
	}
}

// NewRegistry 创建会话注册表。
func NewRegistry(factory wallet.Factory, opts ...Option) *Registry {
	r := &Registry{
		factory:  factory,
		now:      time.Now,
		log:      logger.Named("session"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Init 为钱包身份构造 Agent 与工具表，并覆盖已有会话。
func (r *Registry) Init(ctx context.Context, walletKey string) (*Session, error) {
	walletKey = strings.TrimSpace(walletKey)
	if walletKey == "" {
		return nil, xerrors.New(xerrors.CodeMissingParameter, "wallet 不能为空")
	}
	if r.factory == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 Agent 工厂")
	}

	agent, err := r.factory(ctx, walletKey)
	if err != nil {
		r.log.Warn("初始化钱包 Agent 失败", slog.String("wallet", walletKey), slog.Any("error", err))
		return nil, xerrors.Wrap(xerrors.CodeExternalFetch, err, "初始化钱包 Agent 失败", xerrors.WithMetadata("wallet", walletKey))
	}

	now := r.now()
	s := &Session{
		ID:        uuid.NewString(),
		WalletKey: walletKey,
		Agent:     agent,
		Tools:     tools.Derive(agent),
		CreatedAt: now,
	}
	s.touch(now)

	r.mu.Lock()
	_, replaced := r.sessions[walletKey]
	r.sessions[walletKey] = s
	r.mu.Unlock()

	r.log.Info("会话已初始化",
		slog.String("wallet", walletKey),
		slog.String("session_id", s.ID),
		slog.Bool("replaced", replaced),
	)
	if r.observer != nil {
		r.observer(ctx, s)
	}
	return s, nil
}

// Lookup 返回钱包身份对应的会话。不存在时返回 false。
func (r *Registry) Lookup(walletKey string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[strings.TrimSpace(walletKey)]
	r.mu.RUnlock()
	if ok {
		s.touch(r.now())
	}
	return s, ok
}

// Resolve 与 Lookup 相同，但在会话不存在时返回 SESSION_NOT_FOUND。
func (r *Registry) Resolve(walletKey string) (*Session, error) {
	if strings.TrimSpace(walletKey) == "" {
		return nil, xerrors.New(xerrors.CodeMissingParameter, "wallet 不能为空")
	}
	s, ok := r.Lookup(walletKey)
	if !ok {
		return nil, xerrors.New(xerrors.CodeSessionNotFound, "钱包会话不存在，请先初始化", xerrors.WithMetadata("wallet", walletKey))
	}
	return s, nil
}

// Evict 删除钱包身份对应的会话。
func (r *Registry) Evict(walletKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.TrimSpace(walletKey)
	if _, ok := r.sessions[key]; !ok {
		return false
	}
	delete(r.sessions, key)
	return true
}

// Prune 删除空闲时间超过 idle 的会话，返回删除数量。idle <= 0 时不做任何处理。
func (r *Registry) Prune(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, s := range r.sessions {
		if s.LastUsed().Before(cutoff) {
			delete(r.sessions, key)
			removed++
		}
	}
	if removed > 0 {
		r.log.Info("已回收空闲会话", slog.Int("count", removed))
	}
	return removed
}

// RunPruner 周期性回收空闲会话，直到 ctx 结束。
func (r *Registry) RunPruner(ctx context.Context, idle, interval time.Duration) {
	if idle <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune(idle)
		}
	}
}

// Len 返回当前会话数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
