package handlers

import (
	"context"
	"io"
	"os"

	"github.com/gorilla/websocket"

	"github.com/hearth/backend/internal/auth"
	"github.com/hearth/backend/internal/files"
	"github.com/hearth/backend/internal/models"
)

// SessionService drives the authentication flows.
type SessionService interface {
	Login(ctx context.Context, in auth.LoginInput) (auth.LoginResult, error)
	Refresh(ctx context.Context, in auth.RefreshInput) (models.SessionTokens, error)
	Logout(ctx context.Context, userID string) error
	Register(ctx context.Context, in auth.RegisterInput) (models.User, error)
	Authenticate(ctx context.Context, accessToken string) (auth.AccessClaims, error)
}

// FileService ingests and serves stored files on behalf of an actor.
type FileService interface {
	Ingest(ctx context.Context, actor files.Actor, receiver, filename string, r io.Reader) (models.FileRecord, error)
	Verify(ctx context.Context, actor files.Actor, hash string) (files.VerifyResult, error)
	List(ctx context.Context, actor files.Actor, receiver string) ([]models.FileRecord, error)
	Open(ctx context.Context, actor files.Actor, receiver, filename string) (*os.File, models.FileRecord, error)
	Delete(ctx context.Context, actor files.Actor, receiver, filename string) error
	Purge(ctx context.Context, actor files.Actor, hash string) (int64, error)
}

// NotificationHub owns live notification connections.
type NotificationHub interface {
	Serve(ctx context.Context, username string, conn *websocket.Conn)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
