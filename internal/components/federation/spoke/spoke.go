// Package spoke is the personal-server side of the hub/spoke relationship. It
// records the hubs a local user has joined and calls those hubs with the
// cached scoped token.
package spoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/hub"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/notify"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/hostport"
	httpclient "github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/client"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

// Hub endpoints called by a spoke.
const (
	ApprovePath  = "/federation/approve-spoke"
	BriefingPath = "/federation/team-briefing"
	RefreshPath  = "/federation/refresh-token"
	LeavePath    = "/federation/leave-hub"
)

// DefaultJoinTimeout bounds the approve-spoke call.
const DefaultJoinTimeout = 15 * time.Second

// refreshSkew refreshes a cached token slightly before it expires.
const refreshSkew = 30 * time.Second

var (
	ErrAlreadyJoined  = errors.New("already joined this hub")
	ErrHubUnreachable = errors.New("hub unreachable")
	ErrNotFound       = errors.New("membership not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// HubError is a non-2xx answer from the hub, propagated as-is.
type HubError struct {
	Status     int
	ReasonCode string
	Message    string
}

func (e *HubError) Error() string {
	if e.ReasonCode != "" {
		return fmt.Sprintf("hub answered %d %s: %s", e.Status, e.ReasonCode, e.Message)
	}
	return fmt.Sprintf("hub answered %d", e.Status)
}

// Membership is the spoke's view of one joined hub.
type Membership struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	HubHost         string     `json:"hubHost" gorm:"not null;uniqueIndex:idx_spoke_hub_user"`
	UserID          string     `json:"userId" gorm:"not null;uniqueIndex:idx_spoke_hub_user"`
	TeamID          string     `json:"teamId"`
	TeamName        string     `json:"teamName"`
	Role            string     `json:"role"`
	FederationToken string     `json:"-"`
	TokenExpiresAt  time.Time  `json:"tokenExpiresAt"`
	JoinedAt        time.Time  `json:"joinedAt"`
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
}

func (Membership) TableName() string { return "spoke_memberships" }

// Models lists the tables owned by this package.
func Models() []any { return []any{&Membership{}} }

// JoinRequest is the body of POST /federation/join-as-spoke.
type JoinRequest struct {
	HubHost    string `json:"hubHost"`
	UserID     string `json:"userId,omitempty"`
	Role       string `json:"role,omitempty"`
	InviteCode string `json:"inviteCode,omitempty"`
}

// Options configures the spoke service.
type Options struct {
	LocalHost   string
	Scheme      string
	Client      httpclient.HTTPClient
	JoinTimeout time.Duration
	Notifier    notify.Notifier
	Log         *slog.Logger
}

type Service struct {
	db   *gorm.DB
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

func NewService(db *gorm.DB, opts Options) *Service {
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	return &Service{db: db, opts: opts, log: logutil.NoopIfNil(opts.Log), now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Join asks hubHost to approve this server for req.UserID and stores the
// resulting membership.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*Membership, error) {
	hubHost, err := hostport.Normalize(req.HubHost, "")
	if err != nil {
		return nil, fmt.Errorf("%w: hubHost: %v", ErrInvalidRequest, err)
	}
	if !identity.ValidUsername(req.UserID) {
		return nil, fmt.Errorf("%w: userId", ErrInvalidRequest)
	}
	if _, err := s.Get(ctx, hubHost, req.UserID); err == nil {
		return nil, ErrAlreadyJoined
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	body, err := json.Marshal(hub.ApproveRequest{
		SpokeHost:  s.opts.LocalHost,
		UserID:     req.UserID,
		Role:       req.Role,
		InviteCode: req.InviteCode,
	})
	if err != nil {
		return nil, err
	}
	joinCtx, cancel := context.WithTimeout(ctx, s.opts.JoinTimeout)
	defer cancel()

	var approval hub.Approval
	if err := s.call(joinCtx, http.MethodPost, hubHost, ApprovePath, "", body, &approval); err != nil {
		s.log.Warn("join failed", "hub_host", hubHost, "user_id", req.UserID, "error", err)
		return nil, err
	}

	now := s.now().UTC()
	m := &Membership{
		ID:              uuid.Must(uuid.NewV7()).String(),
		HubHost:         hubHost,
		UserID:          req.UserID,
		TeamID:          approval.TeamID,
		TeamName:        approval.TeamName,
		Role:            approval.Role,
		FederationToken: approval.FederationToken,
		TokenExpiresAt:  approval.TokenExpiresAt,
		JoinedAt:        now,
	}
	if err := store.MapError(s.db.WithContext(ctx).Create(m).Error); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrAlreadyJoined
		}
		return nil, err
	}
	s.log.Info("joined hub", "hub_host", hubHost, "user_id", m.UserID, "team_id", m.TeamID, "role", m.Role)
	s.notify(ctx, m, "joined")
	return m, nil
}

func (s *Service) Get(ctx context.Context, hubHost, userID string) (*Membership, error) {
	var m Membership
	err := store.MapError(s.db.WithContext(ctx).
		Where("hub_host = ? AND user_id = ?", hubHost, userID).First(&m).Error)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// List returns the hubs userID has joined.
func (s *Service) List(ctx context.Context, userID string) ([]*Membership, error) {
	var out []*Membership
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("joined_at").Find(&out).Error
	return out, err
}

// ListAll returns every membership on this server.
func (s *Service) ListAll(ctx context.Context) ([]*Membership, error) {
	var out []*Membership
	err := s.db.WithContext(ctx).Order("user_id, joined_at").Find(&out).Error
	return out, err
}

// Leave retires the membership on the hub and then forgets it locally. An
// unreachable hub aborts the leave so the user can retry. A hub that rejects
// the token or no longer knows the entry has nothing left to retire.
func (s *Service) Leave(ctx context.Context, hubHost, userID string) error {
	m, err := s.Get(ctx, hubHost, userID)
	if err != nil {
		return err
	}
	err = s.call(ctx, http.MethodPost, m.HubHost, LeavePath, m.FederationToken, nil, nil)
	var he *HubError
	switch {
	case err == nil:
	case errors.As(err, &he) && he.Status >= 400 && he.Status < 500:
		s.log.Warn("hub refused leave, forgetting membership", "hub_host", hubHost, "user_id", userID, "error", err)
	default:
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&Membership{}, "id = ?", m.ID).Error; err != nil {
		return err
	}
	s.log.Info("left hub", "hub_host", hubHost, "user_id", userID)
	s.notify(ctx, m, "left")
	return nil
}

// Refresh exchanges the cached token for a fresh one.
func (s *Service) Refresh(ctx context.Context, hubHost, userID string) (*Membership, error) {
	m, err := s.Get(ctx, hubHost, userID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, m)
}

func (s *Service) refresh(ctx context.Context, m *Membership) (*Membership, error) {
	var approval hub.Approval
	if err := s.call(ctx, http.MethodPost, m.HubHost, RefreshPath, m.FederationToken, nil, &approval); err != nil {
		return nil, err
	}
	updates := map[string]any{
		"federation_token": approval.FederationToken,
		"token_expires_at": approval.TokenExpiresAt,
		"role":             approval.Role,
		"team_name":        approval.TeamName,
	}
	if err := s.db.WithContext(ctx).Model(&Membership{}).Where("id = ?", m.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	m.FederationToken = approval.FederationToken
	m.TokenExpiresAt = approval.TokenExpiresAt
	m.Role = approval.Role
	m.TeamName = approval.TeamName
	s.log.Debug("federation token refreshed", "hub_host", m.HubHost, "user_id", m.UserID)
	return m, nil
}

// Briefing fetches the team briefing from the hub, refreshing an expired
// token first, and stamps lastSyncAt on success.
func (s *Service) Briefing(ctx context.Context, hubHost, userID string) (json.RawMessage, error) {
	m, err := s.Get(ctx, hubHost, userID)
	if err != nil {
		return nil, err
	}
	if !s.now().Before(m.TokenExpiresAt.Add(-refreshSkew)) {
		if m, err = s.refresh(ctx, m); err != nil {
			return nil, err
		}
	}
	var raw json.RawMessage
	if err := s.call(ctx, http.MethodGet, m.HubHost, BriefingPath, m.FederationToken, nil, &raw); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&Membership{}).Where("id = ?", m.ID).Update("last_sync_at", now).Error; err != nil {
		return nil, err
	}
	return raw, nil
}

// call performs one request against a hub. Transport failures become
// ErrHubUnreachable and non-2xx answers become *HubError.
func (s *Service) call(ctx context.Context, method, host, path, bearer string, body []byte, out any) error {
	u := url.URL{Scheme: s.opts.Scheme, Host: host, Path: path}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.opts.Client.DoNoRedirect(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHubUnreachable, host, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHubUnreachable, host, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		he := &HubError{Status: resp.StatusCode}
		if detail, ok := api.ParseError(data); ok {
			he.ReasonCode = detail.ReasonCode
			he.Message = detail.Message
		}
		return he
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &HubError{Status: http.StatusBadGateway, ReasonCode: api.ReasonInvalidJSON, Message: "hub response is not valid JSON"}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, m *Membership, change string) {
	if s.opts.Notifier == nil {
		return
	}
	s.opts.Notifier.Notify(ctx, notify.Event{
		Type:  notify.EventMembershipChanged,
		Users: []string{m.UserID},
		Data: map[string]any{
			"side":     "spoke",
			"change":   change,
			"hubHost":  m.HubHost,
			"teamId":   m.TeamID,
			"teamName": m.TeamName,
			"role":     m.Role,
		},
		At: s.now().UTC(),
	})
}
