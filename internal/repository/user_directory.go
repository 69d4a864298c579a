package repository

import (
	"context"
	"strings"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/service"
)

// UserDirectory is the config-seeded principal directory. Entries are
// immutable after load; lookups hand out copies.
type UserDirectory struct {
	byID    map[string]*domain.Principal
	byEmail map[string]*domain.Principal
}

var _ service.UserLookup = (*UserDirectory)(nil)

func NewUserDirectory(cfg *config.Config) *UserDirectory {
	d := &UserDirectory{
		byID:    make(map[string]*domain.Principal),
		byEmail: make(map[string]*domain.Principal),
	}
	for _, seed := range cfg.Users {
		p := principalFromSeed(seed)
		d.byID[p.ID] = p
		d.byEmail[p.Email] = p
	}
	return d
}

func principalFromSeed(seed config.UserSeed) *domain.Principal {
	tier := domain.Tier(strings.ToLower(seed.Tier))
	if !tier.Valid() {
		tier = domain.TierFree
	}
	status := domain.PrincipalActive
	switch strings.ToLower(seed.Status) {
	case "disabled", "suspended":
		status = domain.PrincipalSuspended
	case "deleted":
		status = domain.PrincipalDeleted
	}
	return &domain.Principal{
		ID:       seed.ID,
		Email:    strings.ToLower(strings.TrimSpace(seed.Email)),
		Tier:     tier,
		Status:   status,
		Verifier: seed.Verifier,
		Roles:    append([]string(nil), seed.Roles...),
	}
}

func (d *UserDirectory) ByEmail(_ context.Context, email string) (*domain.Principal, error) {
	p, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, infraerrors.NotFound("USER_NOT_FOUND", "user not found")
	}
	return clonePrincipal(p), nil
}

func (d *UserDirectory) ByID(_ context.Context, id string) (*domain.Principal, error) {
	p, ok := d.byID[id]
	if !ok {
		return nil, infraerrors.NotFound("USER_NOT_FOUND", "user not found")
	}
	return clonePrincipal(p), nil
}

func clonePrincipal(p *domain.Principal) *domain.Principal {
	out := *p
	out.Roles = append([]string(nil), p.Roles...)
	return &out
}
