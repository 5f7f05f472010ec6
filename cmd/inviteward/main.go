package main

import (
	"fmt"
	"os"

	"inviteward/internal/config"
	"inviteward/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const programName = "inviteward"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Discord invite attribution bot",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (defaults to $CONFIG_PATH or config.yaml)")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(leaderboardCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.Path()
}

// openStore connects and migrates the configured database.
func openStore(cfg config.Config, logger *zap.Logger) (*storage.Store, error) {
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info("storage ready", zap.String("driver", cfg.Database.Driver))
	return store, nil
}
