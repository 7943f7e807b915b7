package repositories

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hearth/backend/internal/apperr"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = apperr.New(apperr.KindNotFound, "record not found")
	// ErrConflict indicates the attempted write would violate a uniqueness constraint.
	ErrConflict = apperr.New(apperr.KindConflict, "record conflict")
)

const pgUniqueViolation = "23505"

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
