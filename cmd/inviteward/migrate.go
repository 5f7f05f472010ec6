package main

import (
	"context"
	"fmt"
	"time"

	"inviteward/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func loadOffline() (config.Config, *zap.Logger, error) {
	cfg, err := config.Read(configPath())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadOffline()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			store.Close()
			return nil
		},
	}
}

func leaderboardCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard <guild-id>",
		Short: "Print a guild's invite leaderboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadOffline()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			entries, err := store.GetLeaderboard(ctx, args[0], limit)
			if err != nil {
				return fmt.Errorf("leaderboard: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no invites recorded")
				return nil
			}
			for i, entry := range entries {
				fmt.Fprintf(out, "%2d. %s %d\n", i+1, entry.UserID, entry.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of entries")
	return cmd
}
