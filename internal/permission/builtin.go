package permission

// Permissions referenced by the governance workflow.
const (
	PlannerRead     = "planner:read"
	PlannerWrite    = "planner:write"
	PlannerSubmit   = "planner:submit"
	PlannerApprove  = "planner:approve"
	GovernanceAdmin = "governance:admin"
	AuditRead       = "audit:read"
)

// builtinRoles is the default role set shipped with plangov. Deployments
// override it with catalog.yaml.
var builtinRoles = []Role{
	{
		ID:          "role_viewer",
		Name:        "Viewer",
		Permissions: []string{"users:read", "stores:read", PlannerRead},
		Description: "Read-only access to users, stores, and the planner",
	},
	{
		ID:   "role_planner",
		Name: "Planner",
		Permissions: []string{
			"users:read", "stores:read", PlannerRead, PlannerWrite, PlannerSubmit,
		},
		Description: "Builds campaigns and submits them for review",
	},
	{
		ID:   "role_manager",
		Name: "Manager",
		Permissions: []string{
			"users:read", "stores:read", PlannerRead, PlannerWrite, PlannerSubmit,
			PlannerApprove, AuditRead,
		},
		Description: "Approves or rejects campaigns under review",
	},
	{
		ID:   "role_admin",
		Name: "Administrator",
		Permissions: []string{
			"users:read", "users:write", "stores:read", "stores:write",
			PlannerRead, PlannerWrite, PlannerSubmit, PlannerApprove,
			AuditRead, GovernanceAdmin,
		},
		Description: "Full governance control including catalog and actor management",
	},
}

var builtinTiers = []Tier{
	{
		ID:          "tier_store",
		Name:        "Store",
		Permissions: []string{"reports:export_store"},
		Description: "Exports scoped to a single store",
	},
	{
		ID:          "tier_region",
		Name:        "Region",
		Permissions: []string{"reports:export_store", "reports:export_region"},
		Description: "Exports across the stores of one region",
	},
	{
		ID:          "tier_program",
		Name:        "Program",
		Permissions: []string{"reports:export_region", "reports:export_cross_program"},
		Description: "Cross-program exports",
	},
}

// DefaultCatalog returns the built-in catalog. It panics only if the
// built-in definitions are themselves invalid.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(builtinRoles, builtinTiers)
	if err != nil {
		panic("permission: invalid built-in catalog: " + err.Error())
	}
	return c
}
