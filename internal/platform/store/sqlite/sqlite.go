// Package sqlite implements the sqlite and memory persistence drivers using GORM.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

// DBFile is the database file name under data_dir.
const DBFile = "tezmesh.db"

func init() {
	store.Register("sqlite", NewDriver)
	store.Register("memory", NewMemoryDriver)
}

// Driver implements store.Driver on SQLite.
type Driver struct {
	name string
	dsn  string
	dir  string
	db   *gorm.DB
}

// NewDriver creates a file-backed SQLite driver under cfg.DataDir.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}
	path := filepath.Join(cfg.DataDir, DBFile)
	return &Driver{
		name: "sqlite",
		dir:  cfg.DataDir,
		dsn:  "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on",
	}, nil
}

// NewMemoryDriver creates a private in-memory database. Each instance gets
// its own name so parallel tests never share state.
func NewMemoryDriver(_ *store.DriverConfig) (store.Driver, error) {
	return &Driver{
		name: "memory",
		dsn:  "file:mem-" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000",
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return d.name
}

// Init opens the database. A single connection serializes writers, which is
// what SQLite does internally anyway, and keeps an in-memory database alive
// for the driver's lifetime.
func (d *Driver) Init(ctx context.Context) error {
	if d.dir != "" {
		if err := os.MkdirAll(d.dir, 0o750); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(d.dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	d.db = db
	return nil
}

// DB returns the open handle.
func (d *Driver) DB() *gorm.DB {
	return d.db
}

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	d.db = nil
	return sqlDB.Close()
}
