package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/nimasrn/payment-gateway/internal/config"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/pg"
)

// cli [up|down|redo|status|version] --env=.env --dir=./migrations
func main() {
	cfg, err := config.Load(getEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	_ = logger.Configure(cfg.AppEnv, cfg.LogLevel)
	defer logger.Sync()

	command := "up"
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "--") {
		command = os.Args[1]
	}
	if !slices.Contains(pg.MigrationCommands, command) {
		logger.Error("unknown command", "command", command, "allowed", pg.MigrationCommands)
		os.Exit(2)
	}

	dir := getMigrationPath(cfg.MigrationsDir)
	if dir == "" {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgConf := pg.Config{
		User:     cfg.PostgresWriteUser,
		Host:     cfg.PostgresWriteHost,
		Port:     cfg.PostgresWritePort,
		Password: cfg.PostgresWritePassword,
		Database: cfg.PostgresWriteDatabase,
	}
	if err := pg.RunMigration(ctx, pgConf, dir, command); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		stop()
		os.Exit(1)
	}
}

func getEnvPath() string {
	if p := argValue("--env="); p != "" {
		if _, err := os.Stat(p); err != nil {
			logger.Error("failed to open the passed env file", "error", err)
			return ""
		}
		return p
	}
	if _, err := os.Stat(".env"); err != nil {
		return ""
	}
	return ".env"
}

func getMigrationPath(fallback string) string {
	dir := argValue("--dir=")
	if dir == "" {
		dir = fallback
	}
	if _, err := os.Stat(dir); err != nil {
		logger.Error("failed to open the migrations directory", "dir", dir, "error", err)
		return ""
	}
	return dir
}

func argValue(prefix string) string {
	for _, a := range os.Args[1:] {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return ""
}
