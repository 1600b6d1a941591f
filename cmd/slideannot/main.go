// Command slideannot serves and maintains an annotation store for
// whole-slide microscopy images.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slidelab/slideannot/internal/config"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

var (
	cfgPath string
	dbPath  string

	// Signal-aware context for graceful shutdown.
	rootCtx context.Context
)

var rootCmd = &cobra.Command{
	Use:           "slideannot",
	Short:         "Annotation store for whole-slide microscopy images",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "",
		"Config file path (default: slideannot.yaml in the working directory)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "",
		"Database path (overrides the configured db_path)")

	rootCmd.AddCommand(serveCmd, gcCmd, migrateCmd, configCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration, applying the --db
// override on top of file and environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
