package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

var (
	ErrTeamNotFound = errors.New("team not found")
	ErrTeamExists   = errors.New("team already exists")
	ErrInvalidTeam  = errors.New("invalid team")
)

const (
	TeamRoleOwner  = "owner"
	TeamRoleAdmin  = "admin"
	TeamRoleMember = "member"
)

// Team groups local and federated members.
type Team struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex;not null"`
	Primary   bool      `json:"primary" gorm:"column:is_primary"`
	CreatedAt time.Time `json:"created_at"`
}

func (Team) TableName() string { return "teams" }

// TeamMember records a user@host address as a member of a team.
type TeamMember struct {
	TeamID   string    `json:"team_id" gorm:"primaryKey"`
	Address  string    `json:"address" gorm:"primaryKey"`
	Role     string    `json:"role" gorm:"not null"`
	JoinedAt time.Time `json:"joined_at"`
}

func (TeamMember) TableName() string { return "team_members" }

// ValidTeamRole reports whether role is a known team role.
func ValidTeamRole(role string) bool {
	switch role {
	case TeamRoleOwner, TeamRoleAdmin, TeamRoleMember:
		return true
	}
	return false
}

// TeamDirectory answers "is user X a member of team Y" and manages teams.
type TeamDirectory struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTeamDirectory(db *gorm.DB) *TeamDirectory {
	return &TeamDirectory{db: db, now: time.Now}
}

// WithTx returns a directory that runs its queries inside tx.
func (d *TeamDirectory) WithTx(tx *gorm.DB) *TeamDirectory {
	return &TeamDirectory{db: tx, now: d.now}
}

// Create adds a team. Only one team may be primary.
func (d *TeamDirectory) Create(ctx context.Context, name string, primary bool) (*Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidTeam
	}
	t := &Team{ID: UUIDv7(), Name: name, Primary: primary, CreatedAt: d.now().UTC()}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if primary {
			if err := tx.Model(&Team{}).Where("is_primary = ?", true).Update("is_primary", false).Error; err != nil {
				return err
			}
		}
		return store.MapError(tx.Create(t).Error)
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil, ErrTeamExists
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// EnsurePrimary returns the primary team, creating it under name if none exists.
func (d *TeamDirectory) EnsurePrimary(ctx context.Context, name string) (*Team, error) {
	t, err := d.Primary(ctx)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrTeamNotFound) {
		return nil, err
	}
	if existing, err := d.GetByName(ctx, name); err == nil {
		existing.Primary = true
		if err := d.db.WithContext(ctx).Model(existing).Update("is_primary", true).Error; err != nil {
			return nil, err
		}
		return existing, nil
	}
	return d.Create(ctx, name, true)
}

func (d *TeamDirectory) Primary(ctx context.Context) (*Team, error) {
	return d.first(ctx, "is_primary = ?", true)
}

func (d *TeamDirectory) Get(ctx context.Context, id string) (*Team, error) {
	return d.first(ctx, "id = ?", id)
}

func (d *TeamDirectory) GetByName(ctx context.Context, name string) (*Team, error) {
	return d.first(ctx, "name = ?", name)
}

func (d *TeamDirectory) first(ctx context.Context, query string, arg any) (*Team, error) {
	var t Team
	err := store.MapError(d.db.WithContext(ctx).Where(query, arg).First(&t).Error)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *TeamDirectory) List(ctx context.Context) ([]*Team, error) {
	var teams []*Team
	if err := d.db.WithContext(ctx).Order("created_at").Find(&teams).Error; err != nil {
		return nil, err
	}
	return teams, nil
}

// AddMember upserts address into the team with role.
func (d *TeamDirectory) AddMember(ctx context.Context, teamID, address, role string) (*TeamMember, error) {
	if _, err := d.Get(ctx, teamID); err != nil {
		return nil, err
	}
	if role == "" {
		role = TeamRoleMember
	}
	m := &TeamMember{TeamID: teamID, Address: strings.ToLower(address), Role: role, JoinedAt: d.now().UTC()}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}, {Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(m).Error
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RemoveMember drops address from the team. Removing a non-member is not an error.
func (d *TeamDirectory) RemoveMember(ctx context.Context, teamID, address string) error {
	return d.db.WithContext(ctx).
		Where("team_id = ? AND address = ?", teamID, strings.ToLower(address)).
		Delete(&TeamMember{}).Error
}

func (d *TeamDirectory) IsMember(ctx context.Context, teamID, address string) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&TeamMember{}).
		Where("team_id = ? AND address = ?", teamID, strings.ToLower(address)).
		Count(&n).Error
	return n > 0, err
}

func (d *TeamDirectory) Members(ctx context.Context, teamID string) ([]*TeamMember, error) {
	var ms []*TeamMember
	err := d.db.WithContext(ctx).Where("team_id = ?", teamID).Order("joined_at").Find(&ms).Error
	return ms, err
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&User{}, &Session{}, &Team{}, &TeamMember{}}
}
