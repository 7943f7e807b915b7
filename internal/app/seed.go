package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearth/backend/internal/auth"
	"github.com/hearth/backend/internal/db"
	"github.com/hearth/backend/internal/models"
	"github.com/hearth/backend/internal/repositories"
)

const minAdminPasswordLength = 8

type adminSeed struct {
	Username string
	Email    string
	Password string
}

func adminFromEnv() adminSeed {
	return adminSeed{
		Username: strings.TrimSpace(os.Getenv("HEARTH_ADMIN_USERNAME")),
		Email:    strings.TrimSpace(os.Getenv("HEARTH_ADMIN_EMAIL")),
		Password: os.Getenv("HEARTH_ADMIN_PASSWORD"),
	}
}

type userUpserter interface {
	Upsert(ctx context.Context, user models.User) error
}

func seedAdmin(ctx context.Context, pool db.Pool, in adminSeed) (models.User, error) {
	return upsertAdmin(ctx, repositories.NewPostgresUserRepository(pool), auth.DefaultPasswordHasher(), in, time.Now)
}

// upsertAdmin creates the admin account or resets its password and role.
func upsertAdmin(ctx context.Context, users userUpserter, hasher *auth.PasswordHasher, in adminSeed, now func() time.Time) (models.User, error) {
	var errs []error
	if in.Username == "" {
		errs = append(errs, errors.New("HEARTH_ADMIN_USERNAME is required"))
	}
	if in.Email == "" {
		errs = append(errs, errors.New("HEARTH_ADMIN_EMAIL is required"))
	}
	if len(in.Password) < minAdminPasswordLength {
		errs = append(errs, fmt.Errorf("HEARTH_ADMIN_PASSWORD must be at least %d characters", minAdminPasswordLength))
	}
	if len(errs) > 0 {
		return models.User{}, fmt.Errorf("seed admin: %w", errors.Join(errs...))
	}

	hash, err := hasher.Hash(in.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash admin password: %w", err)
	}

	ts := now().UTC()
	user := models.User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        strings.ToLower(in.Email),
		PasswordHash: hash,
		IsAdmin:      true,
		IsActive:     true,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if err := users.Upsert(ctx, user); err != nil {
		return models.User{}, fmt.Errorf("upsert admin: %w", err)
	}
	return user, nil
}
