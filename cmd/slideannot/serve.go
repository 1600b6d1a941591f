package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/server"
	"github.com/slidelab/slideannot/internal/storage/sqlite"
	"github.com/slidelab/slideannot/internal/telemetry"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the annotation HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		log, err := buildLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if err := telemetry.Init(rootCtx, "slideannot", Version); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(ctx)
		}()

		store, err := sqlite.Open(rootCtx, cfg.DBPath, sqlite.Options{
			History: cfg.History,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		// Startup backfill. Individual document failures are logged and
		// skipped inside; only infrastructure errors surface here.
		if err := store.Migrate(rootCtx); err != nil {
			return err
		}

		metrics := telemetry.NewAnnotationMetrics()
		store.OnSave(metrics.SaveObserved)

		log.Info("starting slideannot",
			zap.String("version", Version),
			zap.String("db", store.Path()),
			zap.Bool("history", store.History()))

		srv := server.New(store, server.Options{
			Metrics:    metrics,
			GCDefaults: cfg.GC,
			Log:        log,
		})
		return srv.Start(rootCtx, cfg.Listen)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
}
