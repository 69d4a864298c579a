package domain

// Permission is one atom of the closed authorization enumeration.
type Permission string

const (
	PermAPIAccess       Permission = "api.access"
	PermRateLimitBypass Permission = "api.rate_limit_bypass"

	PermModelList      Permission = "model.list"
	PermModelInference Permission = "model.inference"
	PermModelAdmin     Permission = "model.admin"

	PermUserRead   Permission = "user.read"
	PermUserUpdate Permission = "user.update"
	PermUserAdmin  Permission = "user.admin"

	PermBillingRead   Permission = "billing.read"
	PermBillingUpdate Permission = "billing.update"
	PermBillingAdmin  Permission = "billing.admin"

	PermSystemAdmin     Permission = "system.admin"
	PermMonitoringRead  Permission = "monitoring.read"
	PermMonitoringAdmin Permission = "monitoring.admin"
)

// AllPermissions returns every atom, in declaration order.
func AllPermissions() []Permission {
	return []Permission{
		PermAPIAccess, PermRateLimitBypass,
		PermModelList, PermModelInference, PermModelAdmin,
		PermUserRead, PermUserUpdate, PermUserAdmin,
		PermBillingRead, PermBillingUpdate, PermBillingAdmin,
		PermSystemAdmin, PermMonitoringRead, PermMonitoringAdmin,
	}
}

// Role is a named permission grant. Inherits lists role names whose
// effective permissions are unioned in; the graph must be a DAG, but
// resolution tolerates cycles.
type Role struct {
	Name        string
	Description string
	Permissions []Permission
	Inherits    []string
}

// BuiltinRoles returns the shipped tier-aligned role set. Rate limit
// bypass is reserved for the all-permission roles so tier budgets stay
// enforceable for free/pro/enterprise.
func BuiltinRoles() map[string]Role {
	return map[string]Role{
		"free": {
			Name:        "free",
			Description: "Basic user with limited access",
			Permissions: []Permission{
				PermAPIAccess,
				PermModelList,
				PermModelInference,
				PermUserRead,
				PermBillingRead,
			},
		},
		"pro": {
			Name:        "pro",
			Description: "Professional user with enhanced access",
			Permissions: []Permission{
				PermAPIAccess,
				PermModelList,
				PermModelInference,
				PermUserRead,
				PermUserUpdate,
				PermBillingRead,
				PermBillingUpdate,
			},
		},
		"enterprise": {
			Name:        "enterprise",
			Description: "Enterprise user with advanced features",
			Permissions: []Permission{
				PermAPIAccess,
				PermModelList,
				PermModelInference,
				PermModelAdmin,
				PermUserRead,
				PermUserUpdate,
				PermUserAdmin,
				PermBillingRead,
				PermBillingUpdate,
				PermBillingAdmin,
				PermMonitoringRead,
			},
		},
		"research": {
			Name:        "research",
			Description: "Research user with full access",
			Permissions: AllPermissions(),
			Inherits:    []string{"enterprise"},
		},
		"admin": {
			Name:        "admin",
			Description: "System administrator with full access",
			Permissions: AllPermissions(),
		},
	}
}
