package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
)

// Capabilities a spoke token can carry.
const (
	CapReadTez      = "read:tez"
	CapWriteTez     = "write:tez"
	CapReadLibrary  = "read:library"
	CapReadBriefing = "read:briefing"
)

// DefaultCapabilities is the scope granted when none is configured.
var DefaultCapabilities = []string{CapReadTez, CapWriteTez, CapReadLibrary, CapReadBriefing}

// ErrMissingQuery is returned by Search for a blank query.
var ErrMissingQuery = errors.New("query parameter q is required")

// Briefing digests the principal's team and reports the principal's role in it.
func (s *Service) Briefing(ctx context.Context, p *Principal) (*tez.Briefing, error) {
	team, err := s.opts.Teams.Get(ctx, p.TeamID)
	if err != nil {
		return nil, err
	}
	b, err := s.opts.Tez.Briefing(ctx, team.ID, s.now())
	if err != nil {
		return nil, err
	}
	b.TeamName = team.Name
	if b.Role, err = s.teamRole(ctx, p); err != nil {
		return nil, err
	}
	return b, nil
}

// Search matches q against the principal's team tez.
func (s *Service) Search(ctx context.Context, p *Principal, q string, limit int) ([]*tez.Tez, error) {
	if strings.TrimSpace(q) == "" {
		return nil, ErrMissingQuery
	}
	return s.opts.Tez.SearchTeam(ctx, p.TeamID, q, limit)
}

// ListTez returns the principal's team tez, newest first.
func (s *Service) ListTez(ctx context.Context, p *Principal, limit int) ([]*tez.Tez, error) {
	return s.opts.Tez.ListForTeam(ctx, p.TeamID, limit)
}

// PostTez stores a team tez written by the principal. Recipients default to
// every team member.
func (s *Service) PostTez(ctx context.Context, p *Principal, d tez.Draft) (*tez.Tez, error) {
	if len(d.To) == 0 {
		members, err := s.opts.Teams.Members(ctx, p.TeamID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			d.To = append(d.To, m.Address)
		}
	}
	if d.Visibility == "" {
		d.Visibility = tez.VisibilityTeam
	}
	t, err := tez.Compose(d, p.Address(), s.now())
	if err != nil {
		return nil, err
	}
	t.TeamID = p.TeamID
	t.OriginHost = p.SpokeHost
	if err := s.opts.Tez.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("store team tez: %w", err)
	}
	s.log.Info("team tez stored", "tez_id", t.ID, "team_id", p.TeamID, "from", t.From)
	return t, nil
}

// teamRole reports the principal's role in their team, or "" when no longer a member.
func (s *Service) teamRole(ctx context.Context, p *Principal) (string, error) {
	members, err := s.opts.Teams.Members(ctx, p.TeamID)
	if err != nil {
		return "", err
	}
	addr := strings.ToLower(p.Address())
	for _, m := range members {
		if m.Address == addr {
			return m.Role, nil
		}
	}
	return "", nil
}
