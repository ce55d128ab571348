package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/matt-riley/flagtree/internal/config"
	"github.com/matt-riley/flagtree/internal/logging"
	"github.com/matt-riley/flagtree/migrations"
)

var errDatabaseURLRequired = errors.New("DATABASE_URL is required to run migrations")

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status|version]",
		Short:     "Apply or inspect database migrations",
		Long:      `Apply the embedded goose migrations to DATABASE_URL. Defaults to "up".`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Persistent() {
				return errDatabaseURLRequired
			}
			slog.SetDefault(logging.New(cfg.LogLevel))

			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			return runMigrations(cmd.Context(), pool, command)
		},
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool, command string) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	return migrate(ctx, db, command)
}

func migrate(ctx context.Context, db *sql.DB, command string) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	switch command {
	case "up":
		if err := goose.UpContext(ctx, db, "."); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	case "down":
		if err := goose.DownContext(ctx, db, "."); err != nil {
			return fmt.Errorf("roll back migration: %w", err)
		}
	case "status":
		if err := goose.StatusContext(ctx, db, "."); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	case "version":
		version, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("migration version: %w", err)
		}
		slog.Info("migration version", "version", version)
		return nil
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}

	slog.Info("migrations applied", "command", command)
	return nil
}
