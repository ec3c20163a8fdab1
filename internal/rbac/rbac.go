package rbac

// Role is a per-workspace membership role. There is no global role: a Role
// value is only meaningful for the workspace the membership belongs to.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// rank maps each role to its position in the privilege order
// (owner > admin > editor > viewer). Unknown roles rank 0 and therefore
// fail every minimum-role comparison.
func rank(role Role) int {
	switch role {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Valid reports whether role is one of the four known roles. Invalid role
// strings must be rejected at the boundary before reaching the rank table.
func Valid(role Role) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

// Normalize returns the role if valid, otherwise the least-privileged role.
func Normalize(role string) Role {
	if Valid(Role(role)) {
		return Role(role)
	}
	return RoleViewer
}

// HasMinimumRole reports whether actual holds at least the privilege of
// required.
func HasMinimumRole(actual, required Role) bool {
	return rank(actual) >= rank(required)
}

func IsAdminOrOwner(role Role) bool {
	return role == RoleOwner || role == RoleAdmin
}

// CanEdit reports whether the role may create records in the workspace.
func CanEdit(role Role) bool {
	return rank(role) >= rank(RoleEditor)
}

// CanModify decides whether a user may mutate a specific record. Owners and
// admins may modify any record in the workspace; editors only records they
// own; viewers never. Unrecognized roles deny.
func CanModify(role Role, userID, entityOwnerID string) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleEditor:
		return userID == entityOwnerID
	case RoleViewer:
		return false
	default:
		return false
	}
}
