package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearth/backend/internal/models"
)

// Pool abstracts the pgx connection pool to make testing easier.
type Pool interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
}

// Connect initialises a PostgreSQL connection pool using the provided database URL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// VerifySchema checks that a table exists for every registered entity and
// reports all missing tables at once.
func VerifySchema(ctx context.Context, pool Pool, entities []models.Entity) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var missing []string
	for _, entity := range entities {
		var exists bool
		if err := conn.QueryRow(ctx, `
            SELECT EXISTS (
                SELECT 1 FROM information_schema.tables
                WHERE table_schema = current_schema() AND table_name = $1
            )
        `, entity.Table).Scan(&exists); err != nil {
			return fmt.Errorf("inspect table %s: %w", entity.Table, err)
		}
		if !exists {
			missing = append(missing, fmt.Sprintf("%s (%s)", entity.Table, entity.Name))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("schema is missing tables: %s; run `hearth migrate up`", strings.Join(missing, ", "))
	}
	return nil
}
