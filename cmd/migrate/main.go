// Command migrate applies or rolls back the schema under migrations/
// against DATABASE_URL using golang-migrate. It intentionally does not go
// through
// internal/config.Load, since a migration run has no business requiring
// REDIS_URL or any of the worker-only settings that package validates.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/aiseo-platform/orchestrator/internal/logging"
)

const sourceURL = "file://migrations"

func main() {
	os.Exit(run())
}

func run() int {
	logger := logging.New(getEnv("LOG_LEVEL", "info"))

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "migrate: DATABASE_URL environment variable is required")
		return 1
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|version>")
		return 1
	}

	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		logger.Error("migrate: failed to initialize", "error", err)
		return 1
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("migrate: source close failed", "error", srcErr)
		}
		if dbErr != nil {
			logger.Warn("migrate: database close failed", "error", dbErr)
		}
	}()

	switch os.Args[1] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil {
			err = verr
			break
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "migrate: unknown command %q (want up|down|version)\n", os.Args[1])
		return 1
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("migrate: command failed", "command", os.Args[1], "error", err)
		return 1
	}

	logger.Info("migrate: command completed", "command", os.Args[1])
	return 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
