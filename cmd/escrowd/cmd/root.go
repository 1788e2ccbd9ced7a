package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"AgentEscrow/internal/config"
	"AgentEscrow/pkg/logger"
)

var (
	// 构建时通过 -ldflags 注入。
	Version   = "0.1.0"
	CommitSHA = "unknown"
	BuildTime = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "escrowd",
	Short: "Agent task escrow service",
	Long: `escrowd holds task payments in escrow between requester and worker agents,
resolves rejected deliverables through a verifier quorum and settles the
outcome against the ledger.`,
	Version:       fmt.Sprintf("%s (Build: %s, Commit: %s)", Version, BuildTime, CommitSHA),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 运行根命令。
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "escrowd:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $ESCROW_CONFIG or ./configs/escrowd.yaml)")
	rootCmd.SetVersionTemplate(`Version: {{.Version}}
`)
}

// loadConfig 解析配置路径并初始化全局日志。
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("ESCROW_CONFIG")
	}
	if path == "" {
		path = filepath.Join("configs", "escrowd.yaml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	logger.L().Info("配置已加载", "path", path)
	return cfg, nil
}
