package auth

import "strings"

// Role enumerates the access levels an authenticated caller can hold.
type Role string

const (
	// RoleUser is the default access level for intake operators.
	RoleUser Role = "user"
	// RoleAdmin may write any lead regardless of ownership.
	RoleAdmin Role = "admin"
)

// ParseRole normalizes a raw role claim, defaulting unknown values to user.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Identity is the authenticated caller supplied to the mutation pipeline.
// A zero Identity means the request carried no usable credentials.
type Identity struct {
	UserID string
	Role   Role
}

// IsZero reports whether no caller identity is present.
func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.UserID) == ""
}

// CanWrite is the capability predicate for record mutation: the caller must
// own the record or hold the admin role.
func (i Identity) CanWrite(ownerID string) bool {
	if i.IsZero() {
		return false
	}
	return i.UserID == ownerID || i.Role == RoleAdmin
}
