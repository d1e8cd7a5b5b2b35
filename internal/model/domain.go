package model

import (
	"github.com/google/uuid"
)

type UserRole string

const (
	UserRoleOperatorAdmin  UserRole = "OPERATOR_ADMIN"
	UserRoleOperatorViewer UserRole = "OPERATOR_VIEWER"
)

func (r UserRole) Valid() bool {
	return r == UserRoleOperatorAdmin || r == UserRoleOperatorViewer
}

// Principal is the authenticated caller of the ops API.
type Principal struct {
	UserID uuid.UUID
	Role   UserRole
}

func (p Principal) IsAdmin() bool {
	return p.Role == UserRoleOperatorAdmin
}
