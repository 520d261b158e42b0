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

const defaultDefiLlamaURL = "https://coins.llama.fi"

// DefiLlamaConfig 描述 DefiLlama 客户端的连接参数。
type DefiLlamaConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// DefiLlama 通过 prices/current 接口查询单个资产的实时价格。
type DefiLlama struct {
	baseURL    string
	httpClient *http.Client
}

// NewDefiLlama 创建 DefiLlama 客户端。
func NewDefiLlama(cfg DefiLlamaConfig) *DefiLlama {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultDefiLlamaURL
	}
	return &DefiLlama{
		baseURL:    baseURL,
		httpClient: newHTTPClient(cfg.HTTPClient, cfg.Timeout),
	}
}

// NativeCoin 返回 CoinGecko ID 对应的 DefiLlama 资产标识。
func NativeCoin(coingeckoID string) string {
	return "coingecko:" + coingeckoID
}

// TokenCoin 返回链上合约对应的 DefiLlama 资产标识。
func TokenCoin(chain, address string) string {
	return strings.ToLower(chain) + ":" + strings.ToLower(address)
}

// Price 查询资产的美元价格，结果不做缓存。
func (d *DefiLlama) Price(ctx context.Context, coin string) (float64, error) {
	coin = strings.TrimSpace(coin)
	if coin == "" {
		return 0, fmt.Errorf("资产标识不能为空")
	}

	endpoint := d.baseURL + "/prices/current/" + url.PathEscape(coin)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("构建 DefiLlama 请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求 DefiLlama 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError("DefiLlama", resp)
	}

	var decoded struct {
		Coins map[string]struct {
			Price  float64 `json:"price"`
			Symbol string  `json:"symbol"`
		} `json:"coins"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("解析 DefiLlama 响应失败: %w", err)
	}

	if entry, ok := decoded.Coins[coin]; ok {
		return entry.Price, nil
	}
	for key, entry := range decoded.Coins {
		if strings.EqualFold(key, coin) {
			return entry.Price, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", coin, ErrPriceUnavailable)
}
