package pg

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"ssocore.org/internal/rbac"
	"ssocore.org/internal/sentinel"
)

// RoleStore implements rbac.Source.
type RoleStore struct {
	db *sql.DB
}

var _ rbac.Source = (*RoleStore)(nil)

func (s *RoleStore) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select name, description, permissions, updated_at from roles order by name
	`)
	if err != nil {
		return nil, mapErr("list roles", err)
	}
	defer rows.Close()

	var out []rbac.Role
	for rows.Next() {
		var r rbac.Role
		if err := rows.Scan(&r.Name, &r.Description, pq.Array(&r.Permissions), &r.UpdatedAt); err != nil {
			return nil, mapErr("scan role", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list roles", err)
	}
	return out, nil
}

func (s *RoleStore) UpsertRole(ctx context.Context, role rbac.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (name, description, permissions, updated_at)
		values ($1, $2, $3, $4)
		on conflict (name) do update
		set description = excluded.description,
		    permissions = excluded.permissions,
		    updated_at = excluded.updated_at
	`, role.Name, role.Description, pq.Array(role.Permissions), role.UpdatedAt.UTC())
	return mapErr("upsert role", err)
}

func (s *RoleStore) DeleteRole(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where name = $1`, name)
	if err != nil {
		return mapErr("delete role", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
