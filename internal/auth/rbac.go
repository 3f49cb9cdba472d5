package auth

const (
	RoleAdmin     = "ADMIN"
	RoleOperator  = "OPERATOR"
	RoleViewer    = "VIEWER"
	RoleAnonymous = "ANONYMOUS"
)

// Permission names, matching the literal strings the gateway's route table
// checks against.
const (
	PermAdminRoles    = "admin:roles"
	PermAdminAudit    = "admin:audit"
	PermViewMetrics   = "view:metrics"
	PermMonitorNodes  = "monitor:nodes"
	PermNodeCreate    = "write:node:create"
	PermNodeDelete    = "write:node:delete"
)

// permissions is the role→permission table. ADMIN ⊃ OPERATOR ⊃ VIEWER.
var permissions = map[string][]string{
	RoleAdmin:     {PermAdminRoles, PermAdminAudit, PermViewMetrics, PermMonitorNodes, PermNodeCreate, PermNodeDelete},
	RoleOperator:  {PermViewMetrics, PermMonitorNodes, PermNodeCreate},
	RoleViewer:    {PermViewMetrics},
	RoleAnonymous: {},
}

// RolePermissions returns the permission set granted to a role. An unknown
// role resolves to no permissions, same as ANONYMOUS.
func RolePermissions(role string) []string {
	return permissions[role]
}

// HasPermission reports whether a role carries the named permission.
func HasPermission(role, perm string) bool {
	for _, p := range permissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// CredentialStore resolves usernames the Auth config's admin/operator lists
// don't name, and decides whether a username even has a password on file.
type CredentialStore interface {
	HasUser(username string) bool
}

// ResolveRole implements the role-resolution precedence: configured admin
// list → ADMIN; configured operator list → OPERATOR; else VIEWER if the
// credential store recognizes the user; else ANONYMOUS (login rejected).
func ResolveRole(username string, adminUsers, operatorUsers []string, store CredentialStore) string {
	if contains(adminUsers, username) {
		return RoleAdmin
	}
	if contains(operatorUsers, username) {
		return RoleOperator
	}
	if store != nil && store.HasUser(username) {
		return RoleViewer
	}
	return RoleAnonymous
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
