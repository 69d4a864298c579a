package service_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helixflow/helixgate/internal/domain"
	"github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/service"
)

func newRBAC(t *testing.T, roles map[string]domain.Role) *service.RBACService {
	t.Helper()
	svc, err := service.NewRBACService(roles)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestBuiltinTierPermissions(t *testing.T) {
	svc := newRBAC(t, nil)

	free := &domain.Principal{ID: "u-free", Tier: domain.TierFree}
	require.True(t, svc.HasPermission(free, domain.PermAPIAccess))
	require.True(t, svc.HasPermission(free, domain.PermModelInference))
	require.False(t, svc.HasPermission(free, domain.PermRateLimitBypass))
	require.False(t, svc.HasPermission(free, domain.PermMonitoringRead))

	enterprise := &domain.Principal{ID: "u-ent", Tier: domain.TierEnterprise}
	require.True(t, svc.HasPermission(enterprise, domain.PermMonitoringRead))
	require.False(t, svc.HasPermission(enterprise, domain.PermRateLimitBypass))
	require.False(t, svc.HasPermission(enterprise, domain.PermSystemAdmin))

	for _, tier := range []domain.Tier{domain.TierResearch, domain.TierAdmin} {
		p := &domain.Principal{ID: "u-" + string(tier), Tier: tier}
		require.Len(t, svc.EffectivePermissions(p), len(domain.AllPermissions()))
		require.True(t, svc.HasPermission(p, domain.PermRateLimitBypass))
	}
}

func TestRoleInheritance(t *testing.T) {
	roles := map[string]domain.Role{
		"reader": {Name: "reader", Permissions: []domain.Permission{domain.PermUserRead}},
		"editor": {
			Name:        "editor",
			Permissions: []domain.Permission{domain.PermUserUpdate},
			Inherits:    []string{"reader"},
		},
	}
	svc := newRBAC(t, roles)

	p := &domain.Principal{ID: "u-1", Roles: []string{"editor"}}
	require.ElementsMatch(t,
		[]domain.Permission{domain.PermUserRead, domain.PermUserUpdate},
		svc.EffectivePermissions(p))
}

func TestInheritanceCycleTerminates(t *testing.T) {
	roles := map[string]domain.Role{
		"a": {Name: "a", Permissions: []domain.Permission{domain.PermUserRead}, Inherits: []string{"b"}},
		"b": {Name: "b", Permissions: []domain.Permission{domain.PermBillingRead}, Inherits: []string{"a"}},
	}
	svc := newRBAC(t, roles)

	p := &domain.Principal{ID: "u-1", Roles: []string{"a"}}
	require.ElementsMatch(t,
		[]domain.Permission{domain.PermUserRead, domain.PermBillingRead},
		svc.EffectivePermissions(p))
}

func TestUnknownRoleGrantsNothing(t *testing.T) {
	svc := newRBAC(t, nil)

	p := &domain.Principal{ID: "u-1", Roles: []string{"does-not-exist"}}
	require.Empty(t, svc.EffectivePermissions(p))

	err := svc.RequirePermission(p, domain.PermAPIAccess)
	require.Equal(t, "PERMISSION_DENIED", errors.Reason(err))
	require.Equal(t, 403, errors.Code(err))
}

func TestInvalidateRefreshesGrants(t *testing.T) {
	roles := map[string]domain.Role{
		"ops": {Name: "ops", Permissions: []domain.Permission{domain.PermMonitoringRead}},
	}
	svc := newRBAC(t, roles)

	p := &domain.Principal{ID: "u-9", Roles: []string{"ops"}}
	require.True(t, svc.HasPermission(p, domain.PermMonitoringRead))
	require.False(t, svc.HasPermission(p, domain.PermSystemAdmin))

	roles["ops"] = domain.Role{
		Name:        "ops",
		Permissions: []domain.Permission{domain.PermMonitoringRead, domain.PermSystemAdmin},
	}
	svc.Invalidate("u-9")
	require.True(t, svc.HasPermission(p, domain.PermSystemAdmin))
}

func TestTierDoublesAsRole(t *testing.T) {
	svc := newRBAC(t, nil)

	// No explicit roles: the tier name is the role.
	p := &domain.Principal{ID: "u-1", Tier: domain.TierResearch}
	require.True(t, svc.HasPermission(p, domain.PermRateLimitBypass))

	// Explicit roles override the tier default.
	q := &domain.Principal{ID: "u-2", Tier: domain.TierResearch, Roles: []string{"free"}}
	require.False(t, svc.HasPermission(q, domain.PermRateLimitBypass))
}
