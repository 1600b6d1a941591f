package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/storage/sqlite"
)

var (
	gcAge      int
	gcVersions int
	gcDryRun   bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove old annotation versions and orphaned annotations",
	Long: `Sweeps annotations whose items are gone, archived versions past the
retention window, and element versions abandoned by interrupted saves.
Removal requires an age of at least 7 days; use --dry-run to preview.`,
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

		if !cmd.Flags().Changed("age") {
			gcAge = cfg.GC.MinAgeDays
		}
		if !cmd.Flags().Changed("versions") {
			gcVersions = cfg.GC.KeepInactiveVersions
		}

		store, err := sqlite.Open(rootCtx, cfg.DBPath, sqlite.Options{
			History: cfg.History,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		report, err := store.RemoveOldAnnotations(rootCtx, storage.GCOptions{
			DryRun:               gcDryRun,
			MinAgeDays:           gcAge,
			KeepInactiveVersions: gcVersions,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	gcCmd.Flags().IntVar(&gcAge, "age", 30, "Minimum age in days before a version is removable")
	gcCmd.Flags().IntVar(&gcVersions, "versions", 10, "Inactive versions to keep per annotation")
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Report what would be removed without removing it")
}
