// Package main is the entry point for the ProxBalance CLI and daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "proxbalance",
	Short: "Load balancing and node evacuation for Proxmox VE clusters",
	Long: `proxbalance scores cluster nodes, recommends guest migrations,
runs guarded automatic migration cycles and drains nodes for maintenance.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openServer loads the configuration and wires every component. The caller
// owns the returned server and must Close it.
func openServer(ctx context.Context) (*server.Server, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	srv, err := server.Open(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return srv, logger, nil
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}

// printJSON writes v to stdout as indented JSON.
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
