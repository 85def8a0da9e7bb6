package main

import (
	"AuctionLedger/internal/config"
	"AuctionLedger/internal/observability"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list applied versions")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  AUCTION_POSTGRES_DSN  - Postgres connection string")
		fmt.Println("  MIGRATIONS_DIR        - read migrations from disk instead of the embedded set")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	var files fs.FS = migrations.Files
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		applied, err := migrator.Applied(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		fmt.Println(strings.Join(applied, "\n"))

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
