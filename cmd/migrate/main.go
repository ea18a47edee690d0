// Command migrate applies, rolls back, or reports on the embedded Goose
// migrations against the configured PostgreSQL database.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"

	"github.com/gridplane/gridplane/internal/migrate"
)

func main() {
	_ = godotenv.Load()

	action := flag.String("action", "up", "Migration action: up, down, status, version")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dbHost := getEnv("POSTGRES_HOST", "localhost")
		dbPort := getEnv("POSTGRES_PORT", "5432")
		dbUser := getEnv("POSTGRES_USER", "gridplane")
		dbPass := getEnv("POSTGRES_PASSWORD", "")
		dbName := getEnv("POSTGRES_DB", "gridplane")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPass, dbHost, dbPort, dbName)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("Error: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	migrator := migrate.NewMigrator(db, logger)
	ctx := context.Background()

	switch *action {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	case "version":
		var version int64
		version, err = migrator.Version(ctx)
		if err == nil {
			fmt.Printf("Database version: %d\n", version)
		}
	default:
		fmt.Printf("Unknown action: %s\n", *action)
		os.Exit(1)
	}

	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
