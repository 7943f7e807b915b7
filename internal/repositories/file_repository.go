package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hearth/backend/internal/db"
	"github.com/hearth/backend/internal/files"
	"github.com/hearth/backend/internal/models"
)

const fileColumns = `id, sender, receiver, content_hash, filename, size, stored_path, created_at`

// PostgresFileRepository persists file records to PostgreSQL.
type PostgresFileRepository struct {
	pool db.Pool
}

// NewPostgresFileRepository constructs a file repository backed by PostgreSQL.
func NewPostgresFileRepository(pool db.Pool) *PostgresFileRepository {
	return &PostgresFileRepository{pool: pool}
}

// Create inserts rec. A second record for the same sender, receiver and
// content hash yields files.ErrDuplicateRecord.
func (r *PostgresFileRepository) Create(ctx context.Context, rec models.FileRecord) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO file_records (`+fileColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, rec.ID, rec.Sender, rec.Receiver, rec.ContentHash, rec.Filename, rec.Size, rec.StoredPath, rec.CreatedAt.UTC())
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return files.ErrDuplicateRecord
		}
		return fmt.Errorf("insert file record: %w", err)
	}
	return nil
}

// FindByHash returns the newest record for hash.
func (r *PostgresFileRepository) FindByHash(ctx context.Context, hash string) (models.FileRecord, error) {
	return r.findOne(ctx, `
        SELECT `+fileColumns+` FROM file_records
        WHERE content_hash = $1
        ORDER BY created_at DESC
        LIMIT 1
    `, hash)
}

// FindByReceiverAndFilename returns the newest record sent to receiver under filename.
func (r *PostgresFileRepository) FindByReceiverAndFilename(ctx context.Context, receiver, filename string) (models.FileRecord, error) {
	return r.findOne(ctx, `
        SELECT `+fileColumns+` FROM file_records
        WHERE receiver = $1 AND filename = $2
        ORDER BY created_at DESC
        LIMIT 1
    `, receiver, filename)
}

// ListByReceiver returns every record addressed to receiver, newest first.
func (r *PostgresFileRepository) ListByReceiver(ctx context.Context, receiver string) ([]models.FileRecord, error) {
	return r.findMany(ctx, `
        SELECT `+fileColumns+` FROM file_records
        WHERE receiver = $1
        ORDER BY created_at DESC
    `, receiver)
}

// ListByHash returns every record of hash, newest first.
func (r *PostgresFileRepository) ListByHash(ctx context.Context, hash string) ([]models.FileRecord, error) {
	return r.findMany(ctx, `
        SELECT `+fileColumns+` FROM file_records
        WHERE content_hash = $1
        ORDER BY created_at DESC
    `, hash)
}

// CountByStoredPath returns how many records reference storedPath.
func (r *PostgresFileRepository) CountByStoredPath(ctx context.Context, storedPath string) (int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var n int
	if err := conn.QueryRow(ctx, `SELECT count(*) FROM file_records WHERE stored_path = $1`, storedPath).Scan(&n); err != nil {
		return 0, fmt.Errorf("count file records: %w", err)
	}
	return n, nil
}

// DeleteByID removes a single record.
func (r *PostgresFileRepository) DeleteByID(ctx context.Context, id string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM file_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return files.ErrRecordNotFound
	}
	return nil
}

// DeleteByHash removes every record of hash and reports how many were removed.
func (r *PostgresFileRepository) DeleteByHash(ctx context.Context, hash string) (int64, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM file_records WHERE content_hash = $1`, hash)
	if err != nil {
		return 0, fmt.Errorf("delete file records by hash: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresFileRepository) findOne(ctx context.Context, query string, args ...any) (models.FileRecord, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rec, err := scanFileRecord(conn.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FileRecord{}, files.ErrRecordNotFound
	}
	return rec, err
}

func (r *PostgresFileRepository) findMany(ctx context.Context, query string, args ...any) ([]models.FileRecord, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query file records: %w", err)
	}
	defer rows.Close()

	var records []models.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file records: %w", err)
	}
	return records, nil
}

func scanFileRecord(row pgx.Row) (models.FileRecord, error) {
	var rec models.FileRecord
	if err := row.Scan(&rec.ID, &rec.Sender, &rec.Receiver, &rec.ContentHash, &rec.Filename, &rec.Size, &rec.StoredPath, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.FileRecord{}, err
		}
		return models.FileRecord{}, fmt.Errorf("scan file record: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

var _ files.MetadataStore = (*PostgresFileRepository)(nil)
