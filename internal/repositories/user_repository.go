package repositories

import (
	"context"

	"github.com/hearth/backend/internal/models"
)

// UserRepository defines the data access contract for users.
type UserRepository interface {
	Create(ctx context.Context, user models.User) error
	FindByUsername(ctx context.Context, username string) (models.User, error)
	FindByID(ctx context.Context, id string) (models.User, error)
	UserExists(ctx context.Context, username string) (bool, error)
	Upsert(ctx context.Context, user models.User) error
}
