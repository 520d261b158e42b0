package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGeckoConfig 描述 CoinGecko 客户端的连接参数。
type CoinGeckoConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// CoinGecko 调用 simple/price 接口批量获取报价。
type CoinGecko struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewCoinGecko 创建 CoinGecko 客户端。
func NewCoinGecko(cfg CoinGeckoConfig) *CoinGecko {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultCoinGeckoURL
	}
	return &CoinGecko{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: newHTTPClient(cfg.HTTPClient, cfg.Timeout),
	}
}

// SimplePrices 以一次请求获取 ids 的美元价格与 24 小时涨跌幅。
// 响应中缺失价格的资产不会出现在结果中，由调用方判断完整性。
func (c *CoinGecko) SimplePrices(ctx context.Context, ids []string) (map[string]Quote, error) {
	if len(ids) == 0 {
		return map[string]Quote{}, nil
	}

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", "usd")
	query.Set("include_24hr_change", "true")
	endpoint := c.baseURL + "/simple/price?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建 CoinGecko 请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 CoinGecko 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("CoinGecko", resp)
	}

	var decoded map[string]struct {
		USD    *float64 `json:"usd"`
		Change *float64 `json:"usd_24h_change"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 CoinGecko 响应失败: %w", err)
	}

	quotes := make(map[string]Quote, len(decoded))
	for id, entry := range decoded {
		if entry.USD == nil {
			continue
		}
		quote := Quote{ID: id, USDPrice: *entry.USD}
		if entry.Change != nil {
			quote.USD24hChange = *entry.Change
		}
		quotes[id] = quote
	}
	return quotes, nil
}
