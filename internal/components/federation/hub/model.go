// Package hub is the team side of the hub/spoke relationship: it approves
// personal servers as spokes, issues their scoped tokens, and answers their
// federated reads while the registry entry stays active.
package hub

import (
	"errors"
	"fmt"
	"time"
)

// Status of a registry entry.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

var (
	ErrAlreadyConnected  = errors.New("spoke already connected")
	ErrSpokeInactive     = errors.New("spoke is not active")
	ErrInviteInvalid     = errors.New("invite code is invalid, expired or exhausted")
	ErrInviteRequired    = errors.New("an invite code is required")
	ErrTokenInvalid      = errors.New("federation token invalid")
	ErrInsufficientScope = errors.New("token lacks the required capability")
	ErrNotFound          = errors.New("spoke not found")
	ErrInvalidStatus     = errors.New("invalid spoke status")
	ErrInvalidRequest    = errors.New("invalid request")
)

// ParseStatus accepts the three entry statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusSuspended, StatusRevoked:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Entry is the hub's record of one approved spoke user.
type Entry struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	SpokeHost  string    `json:"spokeHost" gorm:"not null;uniqueIndex:idx_hub_spoke_user"`
	UserID     string    `json:"userId" gorm:"not null;uniqueIndex:idx_hub_spoke_user"`
	TeamID     string    `json:"teamId" gorm:"not null;index"`
	Role       string    `json:"role" gorm:"not null"`
	ApprovedAt time.Time `json:"approvedAt"`
	ApprovedBy string    `json:"approvedBy"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Status     Status    `json:"status" gorm:"not null;index"`
}

func (Entry) TableName() string { return "hub_spokes" }

// Invite lets a spoke join a specific team.
type Invite struct {
	Code      string     `json:"code" gorm:"primaryKey"`
	TeamID    string     `json:"teamId" gorm:"not null"`
	Role      string     `json:"role" gorm:"not null"`
	CreatedBy string     `json:"createdBy"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	MaxUses   int        `json:"maxUses"`
	Uses      int        `json:"uses"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (Invite) TableName() string { return "hub_invites" }

// usable reports whether the invite can be consumed at now. MaxUses 0 is unlimited.
func (i *Invite) usable(now time.Time) bool {
	if i.ExpiresAt != nil && !now.Before(*i.ExpiresAt) {
		return false
	}
	return i.MaxUses == 0 || i.Uses < i.MaxUses
}

// Models lists the tables owned by this package.
func Models() []any { return []any{&Entry{}, &Invite{}} }

// ApproveRequest is the body of POST /federation/approve-spoke.
type ApproveRequest struct {
	SpokeHost  string `json:"spokeHost"`
	UserID     string `json:"userId"`
	Role       string `json:"role,omitempty"`
	InviteCode string `json:"inviteCode,omitempty"`
}

// Approval is returned to the spoke on approval and on token refresh.
type Approval struct {
	TeamID          string    `json:"teamId"`
	TeamName        string    `json:"teamName"`
	Role            string    `json:"role"`
	FederationToken string    `json:"federationToken"`
	TokenExpiresAt  time.Time `json:"tokenExpiresAt"`
}

// Principal is the caller of a federated read, taken from the token.
type Principal struct {
	UserID    string   `json:"userId"`
	SpokeHost string   `json:"spokeHost"`
	TeamID    string   `json:"teamId"`
	Scope     []string `json:"scope"`
}

// Address is the principal's user@host.
func (p *Principal) Address() string {
	return p.UserID + "@" + p.SpokeHost
}
