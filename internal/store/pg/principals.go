package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"ssocore.org/internal/auth"
	"ssocore.org/internal/sentinel"
)

// PrincipalStore implements auth.CredentialStore.
type PrincipalStore struct {
	db *sql.DB
}

var _ auth.CredentialStore = (*PrincipalStore)(nil)

const principalSelect = `
	select p.id, p.email, p.password_hash, p.active, p.verified, p.created_at, p.updated_at,
	       coalesce(array_agg(pr.role order by pr.role) filter (where pr.role is not null), '{}') as roles
	from principals p
	left join principal_roles pr on pr.principal_id = p.id
`

func (s *PrincipalStore) GetByIdentity(ctx context.Context, identity string) (auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, principalSelect+` where p.email = $1 group by p.id`, auth.NormalizeIdentity(identity))
	return scanPrincipal(row)
}

func (s *PrincipalStore) GetByID(ctx context.Context, id string) (auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, principalSelect+` where p.id = $1 group by p.id`, id)
	return scanPrincipal(row)
}

func (s *PrincipalStore) GetRoles(ctx context.Context, principalID string) ([]string, error) {
	p, err := s.GetByID(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return p.Roles, nil
}

func (s *PrincipalStore) Create(ctx context.Context, p *auth.Principal) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: principal id is required", sentinel.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	p.Email = auth.NormalizeIdentity(p.Email)
	if err := tx.QueryRowContext(ctx, `
		insert into principals (id, email, password_hash, active, verified)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, p.ID, p.Email, p.PasswordHash, p.Active, p.Verified).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return mapErr("insert principal", err)
	}
	for _, role := range p.Roles {
		if _, err := tx.ExecContext(ctx, `
			insert into principal_roles (principal_id, role) values ($1, $2)
			on conflict do nothing
		`, p.ID, role); err != nil {
			return mapErr("insert principal role", err)
		}
	}
	return mapErr("commit", tx.Commit())
}

func (s *PrincipalStore) Update(ctx context.Context, p auth.Principal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update principals
		set email = $2, password_hash = $3, active = $4, verified = $5, updated_at = now()
		where id = $1
	`, p.ID, auth.NormalizeIdentity(p.Email), p.PasswordHash, p.Active, p.Verified)
	if err != nil {
		return mapErr("update principal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		delete from principal_roles where principal_id = $1 and not (role = any($2))
	`, p.ID, pq.Array(p.Roles)); err != nil {
		return mapErr("prune principal roles", err)
	}
	for _, role := range p.Roles {
		if _, err := tx.ExecContext(ctx, `
			insert into principal_roles (principal_id, role) values ($1, $2)
			on conflict do nothing
		`, p.ID, role); err != nil {
			return mapErr("insert principal role", err)
		}
	}
	return mapErr("commit", tx.Commit())
}

func (s *PrincipalStore) SetActive(ctx context.Context, principalID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		update principals set active = $2, updated_at = now() where id = $1
	`, principalID, active)
	if err != nil {
		return mapErr("set active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PrincipalStore) AssignRole(ctx context.Context, principalID, role string) error {
	if _, err := s.db.ExecContext(ctx, `
		insert into principal_roles (principal_id, role) values ($1, $2)
		on conflict do nothing
	`, principalID, role); err != nil {
		return mapErr("assign role", err)
	}
	return nil
}

func (s *PrincipalStore) RevokeRole(ctx context.Context, principalID, role string) error {
	if _, err := s.db.ExecContext(ctx, `
		delete from principal_roles where principal_id = $1 and role = $2
	`, principalID, role); err != nil {
		return mapErr("revoke role", err)
	}
	return nil
}

func scanPrincipal(row *sql.Row) (auth.Principal, error) {
	var p auth.Principal
	if err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &p.Active, &p.Verified, &p.CreatedAt, &p.UpdatedAt, pq.Array(&p.Roles)); err != nil {
		return auth.Principal{}, mapErr("scan principal", err)
	}
	return p, nil
}
