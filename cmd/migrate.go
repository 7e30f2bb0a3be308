package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the history schema",
	Long:  "Creates the member_history table, surrogate key sequence, append-only triggers, latest-write view and sync log, and adds a column for every configured tracked attribute.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg, "migrate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		if err := st.CheckSchema(ctx); err != nil {
			return err
		}

		zap.L().Info("history schema up to date",
			zap.String("driver", cfg.Store.Driver),
			zap.Strings("tracked_attributes", st.Tracked()),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
