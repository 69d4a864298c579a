// Package domain holds the entities shared across services, repositories
// and handlers.
package domain

// Tier is the subscription level of a principal. Tier names double as
// built-in role names.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierResearch   Tier = "research"
	TierAdmin      Tier = "admin"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise, TierResearch, TierAdmin:
		return true
	}
	return false
}

// PrincipalStatus gates authentication and authorization.
type PrincipalStatus string

const (
	PrincipalActive    PrincipalStatus = "active"
	PrincipalSuspended PrincipalStatus = "suspended"
	PrincipalDeleted   PrincipalStatus = "deleted"
)

// Principal is an authenticated identity. ID is immutable; everything else
// is managed by an external directory.
type Principal struct {
	ID       string          `json:"id"`
	Email    string          `json:"email"`
	Tier     Tier            `json:"tier"`
	Status   PrincipalStatus `json:"status"`
	Verifier string          `json:"-"`
	Roles    []string        `json:"roles,omitempty"`
}

func (p *Principal) IsActive() bool {
	return p != nil && p.Status == PrincipalActive
}

// RoleNames returns the principal's assigned roles, defaulting to the role
// named after the tier.
func (p *Principal) RoleNames() []string {
	if p == nil {
		return nil
	}
	if len(p.Roles) > 0 {
		return p.Roles
	}
	if p.Tier != "" {
		return []string{string(p.Tier)}
	}
	return nil
}
