package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"AgentEscrow/internal/storage/mysql"
	"AgentEscrow/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply MySQL schema migrations",
	Long: `Apply the embedded schema migrations to the configured MySQL database.
Already applied versions are skipped.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Storage.Driver != "mysql" {
		return errors.New("storage.driver 不是 mysql，无需迁移")
	}
	db, err := mysql.Open(cmd.Context(), cfg.Storage.MySQL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(cmd.Context()); err != nil {
		return err
	}
	logger.L().Info("数据库迁移完成")
	return nil
}
