package main

import (
	"context"
	"fmt"
	"log/slog"

	"OpenMCP-Wallet/internal/config"
	"OpenMCP-Wallet/internal/events"
	"OpenMCP-Wallet/internal/knowledge"
	"OpenMCP-Wallet/internal/llm"
	"OpenMCP-Wallet/internal/llm/openai"
	"OpenMCP-Wallet/internal/llm/pythonbridge"
	"OpenMCP-Wallet/internal/pricecache"
	"OpenMCP-Wallet/internal/pricefeed"
	"OpenMCP-Wallet/internal/storage/mysql"
	"OpenMCP-Wallet/pkg/logger"
)

// closers 按注册的逆序释放资源。
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func newPriceCache(ctx context.Context, cfg *config.Config, res *closers) (*pricecache.Cache, error) {
	fetcher := pricefeed.NewCoinGecko(pricefeed.CoinGeckoConfig{
		BaseURL: cfg.Prices.CoinGeckoURL,
		APIKey:  cfg.Prices.CoinGeckoAPIKey,
		Timeout: cfg.Prices.HTTPTimeout,
	})
	opts := []pricecache.Option{pricecache.WithInterval(cfg.Prices.RefreshInterval)}

	if cfg.Storage.Redis.URL != "" {
		mirror, err := pricecache.NewRedisMirror(ctx, pricecache.RedisMirrorConfig{
			URL: cfg.Storage.Redis.URL,
			Key: cfg.Storage.Redis.Key,
			TTL: cfg.Storage.Redis.TTL,
		})
		if err != nil {
			return nil, err
		}
		res.add(mirror.Close)
		opts = append(opts, pricecache.WithMirror(mirror))
	}
	return pricecache.New(fetcher, opts...), nil
}

func newModelClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout,
		})
	case "python_bridge":
		py := cfg.LLM.Python
		return pythonbridge.NewClient(py.PythonExecutable, py.ScriptPath, py.WorkingDir)
	default:
		return nil, fmt.Errorf("不支持的大模型提供方: %s", cfg.LLM.Provider)
	}
}

func newChatHistory(ctx context.Context, cfg *config.Config, res *closers) (mysql.ChatRepository, error) {
	store := cfg.Storage.ChatStore
	switch store.Driver {
	case "", "memory":
		return mysql.NewMemoryChatRepository(cfg.Runtime.DataDir)
	case "mysql":
		repo, err := mysql.NewSQLChatRepository(ctx, mysql.Config{
			DSN:             store.DSN,
			MaxOpenConns:    store.MaxOpenConns,
			MaxIdleConns:    store.MaxIdleConns,
			ConnMaxLifetime: store.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		res.add(repo.Close)
		return repo, nil
	default:
		return nil, fmt.Errorf("不支持的对话存储驱动: %s", store.Driver)
	}
}

func newPublisher(cfg *config.Config, res *closers) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "nop":
		return events.Nop{}, nil
	case "memory":
		return events.NewMemory(0), nil
	case "rabbitmq":
		pub, err := events.NewRabbitMQ(events.RabbitMQConfig{URL: cfg.Events.URL, Exchange: cfg.Events.Exchange})
		if err != nil {
			return nil, err
		}
		res.add(pub.Close)
		return pub, nil
	default:
		return nil, fmt.Errorf("不支持的事件驱动: %s", cfg.Events.Driver)
	}
}

// newKnowledge 在未配置知识库文件时返回 nil。
func newKnowledge(cfg *config.Config) (knowledge.Provider, error) {
	if cfg.Knowledge.Path == "" {
		return nil, nil
	}
	provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
	if err != nil {
		return nil, err
	}
	return provider, nil
}
