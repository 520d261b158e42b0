package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	xerrors "OpenMCP-Wallet/internal/errors"
	"OpenMCP-Wallet/internal/pricecache"
	"OpenMCP-Wallet/internal/pricefeed"
	"OpenMCP-Wallet/internal/session"
	"OpenMCP-Wallet/internal/wallet"
	"OpenMCP-Wallet/pkg/logger"
)

// Sessions 用于按钱包身份解析会话。
type Sessions interface {
	Resolve(walletKey string) (*session.Session, error)
}

// Prices 提供关注列表资产的缓存报价。
type Prices interface {
	Get(symbol string) (pricecache.Entry, bool)
}

// NativeHolding 是原生资产持仓。
type NativeHolding struct {
	Symbol   string  `json:"symbol"`
	Balance  float64 `json:"balance"`
	USDPrice float64 `json:"usd_price"`
	USDValue float64 `json:"usd_value"`
}

// TokenHolding 是代币持仓。PriceError 非空表示该代币报价失败，USDValue 记为 0。
type TokenHolding struct {
	Address    string  `json:"address"`
	Symbol     string  `json:"symbol"`
	Balance    float64 `json:"balance"`
	USDPrice   float64 `json:"usd_price"`
	USDValue   float64 `json:"usd_value"`
	Stable     bool    `json:"stable"`
	PriceError string  `json:"price_error,omitempty"`
}

// WatchItem 是关注列表中单个资产的缓存报价。缓存尚无数据时价格为 0。
type WatchItem struct {
	Symbol       string     `json:"symbol"`
	USDPrice     float64    `json:"usd_price"`
	USD24hChange float64    `json:"usd_24h_change"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`
}

// Snapshot 汇总钱包的持仓与关注列表报价。
type Snapshot struct {
	Wallet    string         `json:"wallet"`
	Native    NativeHolding  `json:"native"`
	Tokens    []TokenHolding `json:"tokens"`
	Watchlist []WatchItem    `json:"watchlist"`
	TotalUSD  float64        `json:"total_usd"`
}

// Aggregator 组合会话 Agent 的余额与报价，生成持仓快照。
type Aggregator struct {
	sessions Sessions
	prices   Prices
	log      *slog.Logger
}

// New 创建持仓聚合器。prices 可以为 nil，此时关注列表全部为 0。
func New(sessions Sessions, prices Prices) *Aggregator {
	return &Aggregator{sessions: sessions, prices: prices, log: logger.Named("portfolio")}
}

// Get 返回钱包的持仓快照。
func (a *Aggregator) Get(ctx context.Context, walletKey string) (*Snapshot, error) {
	if a.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话注册表")
	}
	sess, err := a.sessions.Resolve(walletKey)
	if err != nil {
		return nil, err
	}
	agent := sess.Agent

	nativeBalance, err := agent.NativeBalance(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalFetch, err, "查询原生资产余额失败")
	}
	balances, err := agent.TokenBalances(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalFetch, err, "查询代币余额失败")
	}
	nativePrice, err := agent.NativePrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalFetch, err, "查询原生资产价格失败")
	}

	snap := &Snapshot{
		Wallet: sess.WalletKey,
		Native: NativeHolding{
			Symbol:   agent.NativeSymbol(),
			Balance:  roundBalance(nativeBalance),
			USDPrice: roundUSD(nativePrice),
			USDValue: roundUSD(nativeBalance * nativePrice),
		},
		Tokens:    a.priceTokens(ctx, sess.WalletKey, agent, balances),
		Watchlist: a.watchlist(),
	}

	total := nativeBalance * nativePrice
	for _, t := range snap.Tokens {
		total += t.USDValue
	}
	snap.TotalUSD = roundUSD(total)
	return snap, nil
}

// priceTokens 并发查询非稳定币报价，单个代币失败只影响该代币。
func (a *Aggregator) priceTokens(ctx context.Context, walletKey string, agent wallet.Agent, balances []wallet.TokenBalance) []TokenHolding {
	holdings := make([]TokenHolding, len(balances))
	var wg sync.WaitGroup
	for i, b := range balances {
		holdings[i] = TokenHolding{
			Address: b.Address,
			Symbol:  b.Symbol,
			Balance: roundBalance(b.Balance),
			Stable:  b.Stable,
		}
		if b.Stable {
			holdings[i].USDPrice = 1
			holdings[i].USDValue = roundUSD(b.Balance)
			continue
		}

		wg.Add(1)
		go func(h *TokenHolding, balance float64) {
			defer wg.Done()
			price, err := agent.TokenPrice(ctx, h.Address)
			if err == nil && (math.IsNaN(price) || math.IsInf(price, 0) || price < 0) {
				err = fmt.Errorf("无效的代币报价: %v", price)
			}
			if err != nil {
				a.log.Warn("查询代币价格失败",
					slog.String("wallet", walletKey),
					slog.String("token", h.Address),
					slog.Any("error", err),
				)
				h.PriceError = err.Error()
				return
			}
			h.USDPrice = roundUSD(price)
			h.USDValue = roundUSD(balance * price)
		}(&holdings[i], b.Balance)
	}
	wg.Wait()
	return holdings
}

func (a *Aggregator) watchlist() []WatchItem {
	items := make([]WatchItem, 0, len(pricefeed.Watchlist))
	for _, asset := range pricefeed.Watchlist {
		item := WatchItem{Symbol: asset.Symbol}
		if a.prices != nil {
			if entry, ok := a.prices.Get(asset.Symbol); ok {
				updated := entry.LastUpdated
				item.USDPrice = roundUSD(entry.USDPrice)
				item.USD24hChange = roundUSD(entry.USD24hChange)
				item.LastUpdated = &updated
			}
		}
		items = append(items, item)
	}
	return items
}

func roundBalance(v float64) float64 { return roundTo(v, 1e8) }

func roundUSD(v float64) float64 { return roundTo(v, 1e2) }

func roundTo(v, scale float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*scale) / scale
}
