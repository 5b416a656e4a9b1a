package domain

// Role is an operator role carried in access tokens.
type Role string

// Roles ordered by privilege.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r grants at least the privileges of required.
func (r Role) HasPermission(required Role) bool {
	return roleRank[r] >= roleRank[required] && roleRank[r] > 0
}
