package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hearth/backend/internal/auth"
	"github.com/hearth/backend/internal/db"
	"github.com/hearth/backend/internal/models"
)

const sessionColumns = `id, user_id, refresh_token_hash, ip_address, user_agent, expires_at, is_valid, created_at, updated_at`

// PostgresSessionStore persists refresh-token sessions to PostgreSQL.
type PostgresSessionStore struct {
	pool db.Pool
}

// NewPostgresSessionStore constructs a session store backed by PostgreSQL.
func NewPostgresSessionStore(pool db.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// CreateSession locks the user row, invalidates the user's valid sessions and
// inserts the new one inside a single transaction.
func (s *PostgresSessionStore) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("begin session transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, session.UserID).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrNotFound
		}
		return models.Session{}, fmt.Errorf("lock user: %w", err)
	}

	if _, err := tx.Exec(ctx, `
        UPDATE sessions
        SET is_valid = FALSE, updated_at = $2
        WHERE user_id = $1 AND is_valid
    `, session.UserID, session.CreatedAt.UTC()); err != nil {
		return models.Session{}, fmt.Errorf("invalidate previous sessions: %w", err)
	}

	session.IsValid = true
	if _, err := tx.Exec(ctx, `
        INSERT INTO sessions (`+sessionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, session.ID, session.UserID, session.RefreshTokenHash, session.IPAddress, session.UserAgent,
		session.ExpiresAt.UTC(), session.IsValid, session.CreatedAt.UTC(), session.UpdatedAt.UTC()); err != nil {
		if pgCode(err) == pgUniqueViolation {
			return models.Session{}, ErrConflict
		}
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, fmt.Errorf("commit session transaction: %w", err)
	}
	return session, nil
}

// FindValidByRefreshToken loads the valid, unexpired session for tokenHash.
func (s *PostgresSessionStore) FindValidByRefreshToken(ctx context.Context, tokenHash string, now time.Time) (models.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT `+sessionColumns+`
        FROM sessions
        WHERE refresh_token_hash = $1 AND is_valid AND expires_at > $2
    `, tokenHash, now.UTC())

	var session models.Session
	if err := row.Scan(&session.ID, &session.UserID, &session.RefreshTokenHash, &session.IPAddress, &session.UserAgent,
		&session.ExpiresAt, &session.IsValid, &session.CreatedAt, &session.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, auth.ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("select session: %w", err)
	}

	session.ExpiresAt = session.ExpiresAt.UTC()
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	return session, nil
}

// Rotate swaps the stored token hash only if it still equals oldHash.
func (s *PostgresSessionStore) Rotate(ctx context.Context, sessionID, oldHash, newHash string, expiresAt time.Time) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE sessions
        SET refresh_token_hash = $3, expires_at = $4, updated_at = now()
        WHERE id = $1 AND refresh_token_hash = $2 AND is_valid
    `, sessionID, oldHash, newHash, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("rotate session: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return auth.ErrSessionNotFound
	}
	return nil
}

// InvalidateAllForUser marks every valid session of userID invalid.
func (s *PostgresSessionStore) InvalidateAllForUser(ctx context.Context, userID string) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE sessions
        SET is_valid = FALSE, updated_at = now()
        WHERE user_id = $1 AND is_valid
    `, userID)
	if err != nil {
		return 0, fmt.Errorf("invalidate sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepExpired deletes sessions that are expired or invalid.
func (s *PostgresSessionStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM sessions
        WHERE NOT is_valid OR expires_at <= $1
    `, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ auth.SessionStore = (*PostgresSessionStore)(nil)
