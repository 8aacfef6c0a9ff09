package service

// Roles carried in the identity provider token.
const (
	RoleAdmin      = "admin"
	RoleTreasurer  = "treasurer"
	RoleInstructor = "instructor"
	RoleMember     = "member"
)

// Caller is the authenticated principal a ledger operation runs for.
type Caller struct {
	UserID string
	ClubID string
	Role   string
}

// IsManager reports whether the caller may manage every entry of the club ledger.
func (c Caller) IsManager() bool {
	switch c.Role {
	case RoleAdmin, RoleTreasurer, RoleInstructor:
		return true
	}
	return false
}
