package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"OpenMCP-Wallet/internal/config"
	"OpenMCP-Wallet/pkg/logger"
)

type app struct {
	configPath string
	envFile    string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Chat-driven wallet gateway",
		Long:          "walletd serves wallet sessions, a tool-invoking chat pipeline, portfolio snapshots and a cached BTC/ETH/SOL watchlist over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "配置文件路径 (默认读取 WALLETD_CONFIG 或 "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "启动前加载的 .env 文件")

	rootCmd.AddCommand(
		newServeCmd(a),
		newPricesCmd(a),
	)
	return rootCmd
}

// load 依次加载 .env、配置文件与日志。
func (a *app) load() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("加载 %s 失败: %w", a.envFile, err)
		}
	}

	path := a.configPath
	if path == "" {
		path = config.PathFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	a.cfg = cfg
	return nil
}
