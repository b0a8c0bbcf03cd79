// Package main is the entrypoint for the relay control plane.
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/agent-relay/internal/config"
	"github.com/morezero/agent-relay/internal/server"
	"github.com/morezero/agent-relay/pkg/db"
)

const usage = `Usage: relay-server [command]
       relay-server serve              Start the control plane (NATS API, WebSocket/NATS agent sessions, HTTP).
       relay-server migrate up         Create or update the session history tables.
       relay-server migrate status     Show migration status.
       relay-server ensure-db [name]   Create database if missing (default name: relay_test). Uses DATABASE_URL host/user.
       relay-server clear              Truncate session history; schema is preserved.

Commands:
  serve           (default) Start the relay server.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. relay_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Truncate agent_sessions; schema preserved.

Environment: COMMS_URL, DATABASE_URL (optional for serve, required otherwise), MIGRATION_PATH,
RELAY_HTTP_ADDR / RELAY_HTTP_PORT (default 8080), RELAY_WS_PATH, RELAY_MIN_AGENT_VERSION.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("relay-server migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := withPool(runMigrateUp); err != nil {
				log.Fatalf("relay-server migrate up: %v", err)
			}
		case "status":
			if err := withPool(runMigrateStatus); err != nil {
				log.Fatalf("relay-server migrate status: %v", err)
			}
		default:
			log.Fatalf("relay-server migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "clear":
		if err := withPool(runClear); err != nil {
			log.Fatalf("relay-server clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "relay_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("relay-server ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("relay-server: %v", err)
	}
}

// withPool loads DB config, opens a pool and runs fn with it.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	config.SetupLogging(cfg.LogLevel)
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
}

func runClear(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
	if err := db.ClearSessions(ctx, pool); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	targetURL, err := targetDatabaseURL(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	created, err := db.EnsureDatabase(context.Background(), targetURL)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Database %q created.\n", dbName)
	} else {
		fmt.Printf("Database %q already exists.\n", dbName)
	}
	return nil
}

// targetDatabaseURL swaps the database name in databaseURL, keeping the
// host, credentials and query (e.g. sslmode).
func targetDatabaseURL(databaseURL, dbName string) (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}
