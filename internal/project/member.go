package project

import (
	"time"

	"github.com/google/uuid"
)

// Role is a member's role within a project. The hierarchy is strict:
// owner > admin > member > viewer.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// AtLeast reports whether r sits at or above other in the hierarchy.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// ValidAssignableRole reports whether r can be stored on a member row. Owner is implicit on the
// project and never assignable.
func ValidAssignableRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// Member is a membership row. The owner never appears here.
type Member struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	UserID    uuid.UUID
	Role      Role
	CreatedAt time.Time
}

// MemberWithProfile joins a membership with the user's public profile.
type MemberWithProfile struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Email       string
	DisplayName *string
	Role        Role
	CreatedAt   time.Time
}
