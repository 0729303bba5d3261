package auth

import (
	"context"

	"ssocore.org/internal/sentinel"
	"ssocore.org/internal/token"
)

// ActiveRoles reads a principal's current roles for token rotation.
// Deactivated principals yield sentinel.ErrAccountInactive.
type ActiveRoles struct {
	Store CredentialStore
}

var _ token.RoleSource = ActiveRoles{}

func (r ActiveRoles) CurrentRoles(ctx context.Context, principalID string) ([]string, error) {
	p, err := r.Store.GetByID(ctx, principalID)
	if err != nil {
		return nil, storeErr("load principal", err)
	}
	if !p.Active {
		return nil, sentinel.ErrAccountInactive
	}
	return p.Roles, nil
}
