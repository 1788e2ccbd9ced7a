package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"AgentEscrow/cmd/escrowd/app"
	"AgentEscrow/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the escrow API and timers",
	Long: `Start escrowd with the specified configuration.

This command will:
1. Load configuration and environment overrides
2. Open storage, ledger, notification and lock backends
3. Rebuild pending timers from stored escrows and disputes
4. Serve the HTTP API until SIGINT or SIGTERM`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg)
	defer func() {
		if err := a.Close(); err != nil {
			logger.L().Warn("释放资源失败", "error", err)
		}
	}()
	if err := a.Init(ctx); err != nil {
		return err
	}
	return a.Run(ctx)
}
