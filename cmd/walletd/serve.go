package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"OpenMCP-Wallet/internal/api"
	"OpenMCP-Wallet/internal/chat"
	"OpenMCP-Wallet/internal/config"
	"OpenMCP-Wallet/internal/events"
	"OpenMCP-Wallet/internal/portfolio"
	"OpenMCP-Wallet/internal/pricefeed"
	"OpenMCP-Wallet/internal/session"
	"OpenMCP-Wallet/internal/web3/ethereum"
	"OpenMCP-Wallet/internal/web3/provider"
	"OpenMCP-Wallet/pkg/logger"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and the background price refresher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), a.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("walletd")
	defer logger.Sync()

	var res closers
	defer res.closeAll()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	res.add(func() error { chains.Close(); return nil })
	chain, err := chains.DefaultChain()
	if err != nil {
		return err
	}

	quoter := pricefeed.NewDefiLlama(pricefeed.DefiLlamaConfig{
		BaseURL: cfg.Prices.DefiLlamaURL,
		Timeout: cfg.Prices.HTTPTimeout,
	})

	cache, err := newPriceCache(ctx, cfg, &res)
	if err != nil {
		return err
	}
	cache.Start(ctx)
	defer cache.Stop()

	model, err := newModelClient(cfg)
	if err != nil {
		return err
	}
	history, err := newChatHistory(ctx, cfg, &res)
	if err != nil {
		return err
	}
	publisher, err := newPublisher(cfg, &res)
	if err != nil {
		return err
	}
	kb, err := newKnowledge(cfg)
	if err != nil {
		return err
	}

	sessions := session.NewRegistry(
		ethereum.NewFactory(chain, cfg.Web3.SignerKey, quoter),
		session.WithObserver(func(ctx context.Context, s *session.Session) {
			if err := publisher.Publish(ctx, events.New(events.TypeSessionInitialized, s.WalletKey, s.ID)); err != nil {
				log.Warn("发布会话事件失败", slog.Any("error", err))
			}
		}),
	)
	go sessions.RunPruner(ctx, cfg.Session.IdleTTL, cfg.Session.PruneInterval)

	pipeline := chat.New(sessions, model,
		chat.WithSystemPrompt(cfg.Chat.SystemPrompt),
		chat.WithTemperature(cfg.Chat.Temperature),
		chat.WithMaxSteps(cfg.Chat.MaxSteps),
		chat.WithKnowledgeProvider(kb),
		chat.WithHistory(history),
		chat.WithPublisher(publisher),
	)

	server := api.NewServer(cfg.Server.Address,
		api.WithSessions(sessions),
		api.WithChat(pipeline),
		api.WithPortfolio(portfolio.New(sessions, cache)),
		api.WithPrices(cache),
		api.WithHistory(history),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)

	log.Info("walletd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("chain", chain.Name),
		slog.String("llm", cfg.LLM.Provider),
		slog.Duration("price_refresh", cache.Interval()),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("walletd 已停止")
	return nil
}
