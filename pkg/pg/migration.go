package pg

import (
	"context"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/pressly/goose/v3"
)

// MigrationCommands are the goose commands the CLI exposes.
var MigrationCommands = []string{"up", "down", "redo", "status", "version"}

// RunMigration runs one goose command against the write database.
func RunMigration(ctx context.Context, cfg Config, dir, command string, args ...string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetLogger(logger.GetLogger())
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}

	if version, err := goose.GetDBVersionContext(ctx, db); err == nil {
		logger.Info("migrations", "command", command, "dir", dir, "version", version)
	}
	return nil
}
