// Package main provides a CLI tool for managing the migration history schema.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/repository/postgres"
)

const usage = "Usage: migrate [-config path] <up|down|down-all|version|force N>"

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		logger.Fatal(usage)
	}
	command := args[0]

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	m, err := postgres.NewMigrator(cfg.Database.URL(), logger)
	if err != nil {
		logger.Fatal("Failed to create migrator", zap.Error(err))
	}
	defer m.Close()

	logger.Info("Connected to database",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name),
	)

	if err := run(m, command, args[1:], logger); err != nil {
		m.Close()
		logger.Sync()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(m *postgres.Migrator, command string, args []string, logger *zap.Logger) error {
	switch command {
	case "up":
		if err := m.Up(); err != nil {
			return err
		}
		logger.Info("Migrations completed successfully")

	case "down":
		if err := m.Down(); err != nil {
			return err
		}
		logger.Info("Rollback completed successfully")

	case "down-all":
		if err := m.DownAll(); err != nil {
			return err
		}
		logger.Info("All migrations rolled back successfully")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		logger.Info("Current migration version",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty),
		)

	case "force":
		if len(args) < 1 {
			return fmt.Errorf("usage: migrate force <version>")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[0], err)
		}
		logger.Info("Forcing version...", zap.Int("version", version))
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force failed: %w", err)
		}
		logger.Info("Version forced successfully")

	default:
		return fmt.Errorf("unknown command %q. %s", command, usage)
	}
	return nil
}
