package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearSessions removes all session history. Schema is preserved.
func ClearSessions(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing session history", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE agent_sessions`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Session history cleared", clearLogPrefix))
	return nil
}
