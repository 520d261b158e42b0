package pricecache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "OpenMCP-Wallet/internal/errors"
	"OpenMCP-Wallet/internal/pricefeed"
	"OpenMCP-Wallet/pkg/logger"
)

const defaultInterval = time.Hour

// Fetcher 以一次请求获取一组资产的报价。
type Fetcher interface {
	SimplePrices(ctx context.Context, ids []string) (map[string]pricefeed.Quote, error)
}

// Mirror 接收每一次成功刷新后的完整快照。
type Mirror interface {
	Store(ctx context.Context, entries []Entry) error
}

// Entry 是缓存中单个资产的报价。
type Entry struct {
	Symbol       string    `json:"symbol"`
	USDPrice     float64   `json:"usd_price"`
	USD24hChange float64   `json:"usd_24h_change"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Cache 维护定期刷新的价格快照。
type Cache struct {
	fetcher  Fetcher
	mirror   Mirror
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	entries atomic.Pointer[map[string]Entry]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option 定义可选配置。
type Option func(*Cache)

// WithInterval 设置刷新周期。
func WithInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMirror 设置快照镜像。
func WithMirror(m Mirror) Option {
	return func(c *Cache) {
		c.mirror = m
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger 替换日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// New 创建价格缓存。构造过程不发起任何请求。
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:  fetcher,
		interval: defaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log == nil {
		c.log = logger.Named("pricecache")
	}
	return c
}

// Interval 返回当前刷新周期。
func (c *Cache) Interval() time.Duration {
	return c.interval
}

// Start 启动后台刷新：立即刷新一次，之后每个周期刷新一次。重复调用无效。
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, c.done)
}

// Stop 停止后台刷新并等待其退出。
func (c *Cache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Cache) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	_ = c.Refresh(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Refresh 同步执行一次刷新。失败时保留原有快照，只记录告警日志。
func (c *Cache) Refresh(ctx context.Context) error {
	if c.fetcher == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "价格数据源未配置")
	}

	quotes, err := c.fetcher.SimplePrices(ctx, pricefeed.WatchlistIDs())
	if err != nil {
		c.log.Warn("价格刷新失败，保留旧快照", slog.Any("error", err))
		return xerrors.Wrap(xerrors.CodeExternalFetch, err, "价格刷新失败")
	}

	next := make(map[string]Entry, len(pricefeed.Watchlist))
	stamp := c.now()
	for _, asset := range pricefeed.Watchlist {
		quote, ok := quotes[asset.ID]
		if !ok {
			c.log.Warn("价格响应缺少资产，保留旧快照", slog.String("asset", asset.ID))
			return xerrors.New(xerrors.CodeExternalFetch, fmt.Sprintf("价格响应缺少 %s", asset.ID))
		}
		if !validPrice(quote.USDPrice) {
			c.log.Warn("价格响应数值非法，保留旧快照", slog.String("asset", asset.ID), slog.Float64("usd", quote.USDPrice))
			return xerrors.New(xerrors.CodeExternalFetch, fmt.Sprintf("%s 价格非法", asset.ID))
		}
		change := quote.USD24hChange
		if math.IsNaN(change) || math.IsInf(change, 0) {
			change = 0
		}
		next[asset.Symbol] = Entry{
			Symbol:       asset.Symbol,
			USDPrice:     quote.USDPrice,
			USD24hChange: change,
			LastUpdated:  stamp,
		}
	}

	c.entries.Store(&next)
	c.log.Debug("价格快照已更新", slog.Int("assets", len(next)))

	if c.mirror != nil {
		if err := c.mirror.Store(ctx, c.Snapshot()); err != nil {
			c.log.Warn("同步价格快照失败", slog.Any("error", err))
		}
	}
	return nil
}

func validPrice(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Get 返回最近一次成功刷新的报价，首次刷新前返回 false。
func (c *Cache) Get(symbol string) (Entry, bool) {
	current := c.entries.Load()
	if current == nil {
		return Entry{}, false
	}
	entry, ok := (*current)[strings.ToUpper(strings.TrimSpace(symbol))]
	return entry, ok
}

// Snapshot 按 Watchlist 顺序返回当前所有报价。
func (c *Cache) Snapshot() []Entry {
	current := c.entries.Load()
	if current == nil {
		return nil
	}
	out := make([]Entry, 0, len(*current))
	for _, asset := range pricefeed.Watchlist {
		if entry, ok := (*current)[asset.Symbol]; ok {
			out = append(out, entry)
		}
	}
	return out
}
