package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/models"
)

// ErrSessionNotFound indicates the refresh token does not map to an active session.
var ErrSessionNotFound = apperr.New(apperr.KindNotFound, "session not found")

// SessionStore persists refresh-token sessions.
//
// CreateSession invalidates every valid session of the user before inserting
// the new one; implementations must do both in one atomic step. Rotate is a
// compare-and-swap on the stored token hash and fails with ErrSessionNotFound
// when the session is gone, invalid, or already rotated.
type SessionStore interface {
	CreateSession(ctx context.Context, session models.Session) (models.Session, error)
	FindValidByRefreshToken(ctx context.Context, tokenHash string, now time.Time) (models.Session, error)
	Rotate(ctx context.Context, sessionID, oldHash, newHash string, expiresAt time.Time) error
	InvalidateAllForUser(ctx context.Context, userID string) (int64, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// HashToken returns the digest under which a refresh token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
