package main

import (
	"github.com/spf13/cobra"

	"github.com/execution-hub/dataspace-connector/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStores(cmd.Context(), cfg, true, logger)
	if err != nil {
		return err
	}
	st.close()
	logger.Info().Str("store_driver", cfg.StoreDriver).Msg("migrations applied")
	return nil
}
