// Package store provides the persistence driver abstraction. Drivers hand out
// a *gorm.DB; each component owns its models and repository on top of it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Common errors for store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store closed")
)

// Driver defines the interface for a persistence backend.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Init opens the database.
	Init(ctx context.Context) error

	// DB returns the open handle. Nil before Init.
	DB() *gorm.DB

	Close() error

	// Name returns the driver name (sqlite, memory).
	Name() string
}

// Migrate creates or updates the tables for models.
func Migrate(ctx context.Context, db *gorm.DB, models ...any) error {
	if db == nil {
		return ErrClosed
	}
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// MapError translates gorm errors into the package sentinels so callers can
// use errors.Is without importing gorm.
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	default:
		return err
	}
}
