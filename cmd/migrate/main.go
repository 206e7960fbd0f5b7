// Command migrate applies the schema for the Postgres-backed stores: the
// idempotency records, the invalidation replay log and the ledger tables
// used when LEDGER_MODE=postgres.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/giftescrow/internal/config"
	"github.com/mbd888/giftescrow/internal/logging"
	"github.com/mbd888/giftescrow/migrations"
)

var commands = []string{"up", "down", "status", "version", "redo", "up-to", "down-to"}

func main() {
	if len(os.Args) < 2 || !slices.Contains(commands, os.Args[1]) {
		fmt.Fprintf(os.Stderr, "usage: migrate <%s> [version]\n", strings.Join(commands, "|"))
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	start := time.Now()
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	logger.Info("migration finished", "command", command, "version", version, "took", time.Since(start))
	return nil
}
