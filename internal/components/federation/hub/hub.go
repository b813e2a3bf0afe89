package hub

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/notify"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/scopedtoken"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/hostport"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

// Options configures the hub service.
type Options struct {
	LocalHost         string
	Capabilities      []string
	PrimaryTeam       string
	RequireInviteCode bool
	RefreshGrace      time.Duration

	Issuer   *scopedtoken.Issuer
	Verifier *scopedtoken.Verifier
	Teams    *identity.TeamDirectory
	Tez      *tez.Store
	Notifier notify.Notifier
	Log      *slog.Logger
}

// Service implements the hub side of the join protocol.
type Service struct {
	db   *gorm.DB
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

func NewService(db *gorm.DB, opts Options) *Service {
	return &Service{db: db, opts: opts, log: logutil.NoopIfNil(opts.Log), now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Approve registers a spoke user, adds them to a team and issues a token.
func (s *Service) Approve(ctx context.Context, req ApproveRequest, approvedBy string) (*Approval, error) {
	spokeHost, err := hostport.Normalize(req.SpokeHost, "")
	if err != nil {
		return nil, fmt.Errorf("%w: spokeHost: %v", ErrInvalidRequest, err)
	}
	if !identity.ValidUsername(req.UserID) {
		return nil, fmt.Errorf("%w: userId", ErrInvalidRequest)
	}
	if req.Role != "" && !identity.ValidTeamRole(req.Role) {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidRequest, req.Role)
	}

	// Fast path: the spoke already has an entry. Re-checked in the transaction.
	if e, err := s.get(ctx, spokeHost, req.UserID); err == nil {
		return nil, entryConflict(e)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var primary *identity.Team
	if req.InviteCode == "" {
		if s.opts.RequireInviteCode {
			return nil, ErrInviteRequired
		}
		if primary, err = s.opts.Teams.EnsurePrimary(ctx, s.opts.PrimaryTeam); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	entry := &Entry{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SpokeHost:  spokeHost,
		UserID:     req.UserID,
		Role:       req.Role,
		ApprovedAt: now,
		ApprovedBy: approvedBy,
		LastSeenAt: now,
		Status:     StatusActive,
	}
	var (
		team  *identity.Team
		token string
		exp   time.Time
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Entry
		err := tx.Where("spoke_host = ? AND user_id = ?", spokeHost, req.UserID).First(&existing).Error
		if err == nil {
			return entryConflict(&existing)
		}
		if !errors.Is(store.MapError(err), store.ErrNotFound) {
			return err
		}

		if primary != nil {
			entry.TeamID = primary.ID
		} else {
			inv, err := consumeInvite(tx, req.InviteCode, now)
			if err != nil {
				return err
			}
			entry.TeamID = inv.TeamID
			if entry.Role == "" {
				entry.Role = inv.Role
			}
			entry.ApprovedBy = approvedBy + " via invite"
		}
		if entry.Role == "" {
			entry.Role = identity.TeamRoleMember
		}
		if err := store.MapError(tx.Create(entry).Error); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return ErrAlreadyConnected
			}
			return err
		}

		// Membership and token share the entry's fate: a failure here must
		// not leave an active entry behind that blocks every retry.
		teams := s.opts.Teams.WithTx(tx)
		if team, err = teams.Get(ctx, entry.TeamID); err != nil {
			return err
		}
		address := entry.UserID + "@" + entry.SpokeHost
		if _, err := teams.AddMember(ctx, team.ID, address, entry.Role); err != nil {
			return err
		}
		token, exp, err = s.opts.Issuer.Issue(scopedtoken.Claims{
			Subject:  entry.UserID,
			Audience: entry.SpokeHost,
			TeamID:   team.ID,
			Scope:    s.opts.Capabilities,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("spoke approved", "spoke_host", spokeHost, "user_id", entry.UserID, "team_id", team.ID, "role", entry.Role)
	s.notify(ctx, entry)
	return &Approval{TeamID: team.ID, TeamName: team.Name, Role: entry.Role, FederationToken: token, TokenExpiresAt: exp}, nil
}

func entryConflict(e *Entry) error {
	if e.Status == StatusActive {
		return ErrAlreadyConnected
	}
	return fmt.Errorf("%w: %s", ErrSpokeInactive, e.Status)
}

func consumeInvite(tx *gorm.DB, code string, now time.Time) (*Invite, error) {
	var inv Invite
	if err := tx.Where("code = ?", code).First(&inv).Error; err != nil {
		if errors.Is(store.MapError(err), store.ErrNotFound) {
			return nil, ErrInviteInvalid
		}
		return nil, err
	}
	if !inv.usable(now) {
		return nil, ErrInviteInvalid
	}
	res := tx.Model(&Invite{}).
		Where("code = ? AND (max_uses = 0 OR uses < max_uses)", code).
		Update("uses", gorm.Expr("uses + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrInviteInvalid
	}
	return &inv, nil
}

// Authorize verifies a bearer token, requires capability, and requires the
// registry entry for (aud, sub) to be active. The token is necessary but not
// sufficient.
func (s *Service) Authorize(ctx context.Context, bearer, capability string) (*Principal, error) {
	claims, err := s.opts.Verifier.Verify(bearer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !claims.HasScope(capability) {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientScope, capability)
	}
	if err := s.requireActive(ctx, claims.Audience, claims.Subject); err != nil {
		return nil, err
	}
	return &Principal{UserID: claims.Subject, SpokeHost: claims.Audience, TeamID: claims.TeamID, Scope: claims.Scope}, nil
}

func (s *Service) requireActive(ctx context.Context, spokeHost, userID string) error {
	e, err := s.get(ctx, spokeHost, userID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: no registry entry", ErrSpokeInactive)
	}
	if err != nil {
		return err
	}
	if e.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrSpokeInactive, e.Status)
	}
	return s.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", e.ID).
		Update("last_seen_at", s.now().UTC()).Error
}

// Refresh exchanges a token expired by at most the refresh grace for a fresh one.
func (s *Service) Refresh(ctx context.Context, bearer string) (*Approval, error) {
	claims, err := s.opts.Verifier.VerifyExpiredWithin(bearer, s.opts.RefreshGrace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	e, err := s.get(ctx, claims.Audience, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: no registry entry", ErrSpokeInactive)
	}
	if err != nil {
		return nil, err
	}
	if e.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrSpokeInactive, e.Status)
	}
	team, err := s.opts.Teams.Get(ctx, e.TeamID)
	if err != nil {
		return nil, err
	}
	token, exp, err := s.opts.Issuer.Issue(scopedtoken.Claims{
		Subject:  e.UserID,
		Audience: e.SpokeHost,
		TeamID:   e.TeamID,
		Scope:    s.opts.Capabilities,
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("federation token refreshed", "spoke_host", e.SpokeHost, "user_id", e.UserID)
	return &Approval{TeamID: team.ID, TeamName: team.Name, Role: e.Role, FederationToken: token, TokenExpiresAt: exp}, nil
}

// Retire removes the registry entry and team membership named by bearer so
// the spoke user can join again later. Tokens expired by at most the refresh
// grace are accepted. Only active entries can be retired; a suspended or
// revoked entry stays in place.
func (s *Service) Retire(ctx context.Context, bearer string) error {
	claims, err := s.opts.Verifier.VerifyExpiredWithin(bearer, s.opts.RefreshGrace)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	e, err := s.get(ctx, claims.Audience, claims.Subject)
	if err != nil {
		return err
	}
	if e.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrSpokeInactive, e.Status)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND status = ?", e.ID, StatusActive).Delete(&Entry{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return s.opts.Teams.WithTx(tx).RemoveMember(ctx, e.TeamID, e.UserID+"@"+e.SpokeHost)
	})
	if err != nil {
		return err
	}
	s.log.Info("spoke left", "spoke_host", e.SpokeHost, "user_id", e.UserID, "team_id", e.TeamID)
	return nil
}

func (s *Service) get(ctx context.Context, spokeHost, userID string) (*Entry, error) {
	var e Entry
	err := store.MapError(s.db.WithContext(ctx).
		Where("spoke_host = ? AND user_id = ?", spokeHost, userID).First(&e).Error)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns registry entries, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status) ([]*Entry, error) {
	q := s.db.WithContext(ctx).Order("spoke_host, user_id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*Entry
	err := q.Find(&out).Error
	return out, err
}

// SetStatus moves the entries of spokeHost (only userID's when set) to status.
func (s *Service) SetStatus(ctx context.Context, spokeHost, userID string, status Status) ([]*Entry, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	host, err := hostport.Normalize(spokeHost, "")
	if err != nil {
		return nil, fmt.Errorf("%w: spokeHost: %v", ErrInvalidRequest, err)
	}
	q := s.db.WithContext(ctx).Model(&Entry{}).Where("spoke_host = ?", host)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	res := q.Update("status", status)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	var changed []*Entry
	q = s.db.WithContext(ctx).Where("spoke_host = ?", host)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&changed).Error; err != nil {
		return nil, err
	}
	s.log.Info("spoke status changed", "spoke_host", host, "user_id", userID, "status", status, "entries", len(changed))
	for _, e := range changed {
		s.notify(ctx, e)
	}
	return changed, nil
}

func (s *Service) notify(ctx context.Context, e *Entry) {
	if s.opts.Notifier == nil {
		return
	}
	s.opts.Notifier.Notify(ctx, notify.Event{
		Type: notify.EventMembershipChanged,
		Data: map[string]any{
			"side":      "hub",
			"spokeHost": e.SpokeHost,
			"userId":    e.UserID,
			"teamId":    e.TeamID,
			"status":    e.Status,
		},
	})
}

var inviteEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CreateInvite issues an invite code for teamID. ttl 0 never expires; maxUses 0 is unlimited.
func (s *Service) CreateInvite(ctx context.Context, teamID, role, createdBy string, ttl time.Duration, maxUses int) (*Invite, error) {
	if role == "" {
		role = identity.TeamRoleMember
	}
	if !identity.ValidTeamRole(role) || maxUses < 0 || ttl < 0 {
		return nil, ErrInvalidRequest
	}
	if _, err := s.opts.Teams.Get(ctx, teamID); err != nil {
		return nil, err
	}
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	inv := &Invite{
		Code:      strings.ToLower(inviteEncoding.EncodeToString(buf)),
		TeamID:    teamID,
		Role:      role,
		CreatedBy: createdBy,
		MaxUses:   maxUses,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		inv.ExpiresAt = &exp
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) ListInvites(ctx context.Context) ([]*Invite, error) {
	var out []*Invite
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error
	return out, err
}
