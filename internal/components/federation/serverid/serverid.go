// Package serverid persists this server's federation identity.
package serverid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
)

// Identity is the host this server is addressed by and its stable server id.
type Identity struct {
	Host     string    `json:"host"`
	ServerID string    `json:"serverId"`
	Created  time.Time `json:"createdAt"`
}

// Origin returns the bundle sender fields for this identity.
func (id Identity) Origin() bundle.Origin {
	return bundle.Origin{Host: id.Host, ServerID: id.ServerID}
}

// row is the single persisted server identity. Slot is always 1.
type row struct {
	Slot      int    `gorm:"primaryKey;autoIncrement:false"`
	ServerID  string `gorm:"not null"`
	CreatedAt time.Time
}

func (row) TableName() string { return "server_identities" }

// Models lists the tables owned by this package.
func Models() []any { return []any{&row{}} }

// LoadOrCreate returns the persisted server id, generating a UUIDv7 on first
// boot. Host comes from config and is never stored, so a changed public
// origin keeps the same server id.
func LoadOrCreate(ctx context.Context, db *gorm.DB, host string) (Identity, error) {
	if host == "" {
		return Identity{}, errors.New("serverid: empty host")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Identity{}, err
	}
	seed := row{Slot: 1, ServerID: id.String(), CreatedAt: time.Now().UTC()}
	var got row
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		return tx.Where("slot = ?", 1).First(&got).Error
	})
	if err != nil {
		return Identity{}, fmt.Errorf("serverid: %w", err)
	}
	return Identity{Host: host, ServerID: got.ServerID, Created: got.CreatedAt}, nil
}
