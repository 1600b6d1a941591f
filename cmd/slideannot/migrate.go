package main

import (
	"github.com/spf13/cobra"

	"github.com/slidelab/slideannot/internal/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Backfill access lists and group summaries on existing annotations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := buildLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		store, err := sqlite.Open(rootCtx, cfg.DBPath, sqlite.Options{
			History: cfg.History,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		return store.Migrate(rootCtx)
	},
}
