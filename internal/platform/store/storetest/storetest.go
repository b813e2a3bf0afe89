// Package storetest opens throwaway in-memory databases for repository tests.
package storetest

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store/sqlite"
)

// Open returns a migrated in-memory database closed at test cleanup.
func Open(t testing.TB, models ...any) *gorm.DB {
	t.Helper()
	d, err := sqlite.NewMemoryDriver(nil)
	if err != nil {
		t.Fatalf("storetest: %v", err)
	}
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatalf("storetest: init: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	if len(models) > 0 {
		if err := store.Migrate(ctx, d.DB(), models...); err != nil {
			t.Fatalf("storetest: %v", err)
		}
	}
	return d.DB()
}
