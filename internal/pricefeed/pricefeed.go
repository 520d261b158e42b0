package pricefeed

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// ErrPriceUnavailable 表示数据源没有返回所请求资产的价格。
var ErrPriceUnavailable = errors.New("price unavailable")

// Asset 描述一个被价格缓存跟踪的资产。
type Asset struct {
	ID     string
	Symbol string
}

// Watchlist 是价格缓存固定跟踪的资产集合，顺序即展示顺序。
var Watchlist = []Asset{
	{ID: "bitcoin", Symbol: "BTC"},
	{ID: "ethereum", Symbol: "ETH"},
	{ID: "solana", Symbol: "SOL"},
}

// WatchlistIDs 返回 Watchlist 中全部资产的 CoinGecko ID。
func WatchlistIDs() []string {
	ids := make([]string, 0, len(Watchlist))
	for _, asset := range Watchlist {
		ids = append(ids, asset.ID)
	}
	return ids
}

// Quote 是单个资产的美元报价。
type Quote struct {
	ID           string
	USDPrice     float64
	USD24hChange float64
}

func newHTTPClient(client *http.Client, timeout time.Duration) *http.Client {
	if client != nil {
		return client
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func statusError(source string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("%s 返回错误状态 %d: %s", source, resp.StatusCode, strings.TrimSpace(string(body)))
}
