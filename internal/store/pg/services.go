package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"ssocore.org/internal/registry"
	"ssocore.org/internal/sentinel"
)

// ServiceStore implements registry.Store.
type ServiceStore struct {
	db *sql.DB
}

var _ registry.Store = (*ServiceStore)(nil)

const serviceColumns = `name, base_url, health_url, allowed_roles, liveness, last_probe_at, last_error, registered_at, updated_at`

func (s *ServiceStore) Upsert(ctx context.Context, svc registry.Service) (registry.Service, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into services (name, base_url, health_url, allowed_roles, liveness, registered_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $6)
		on conflict (name) do update
		set base_url = excluded.base_url,
		    health_url = excluded.health_url,
		    allowed_roles = excluded.allowed_roles,
		    updated_at = excluded.updated_at
		returning `+serviceColumns+`, (xmax = 0) as created
	`, svc.Name, svc.BaseURL, svc.HealthURL, pq.Array(svc.AllowedRoles), string(registry.LivenessUnknown), svc.UpdatedAt.UTC())

	var created bool
	out, err := scanService(row, &created)
	if err != nil {
		return registry.Service{}, false, err
	}
	return out, created, nil
}

func (s *ServiceStore) Get(ctx context.Context, name string) (registry.Service, error) {
	row := s.db.QueryRowContext(ctx, `select `+serviceColumns+` from services where name = $1`, name)
	return scanService(row)
}

func (s *ServiceStore) List(ctx context.Context) ([]registry.Service, error) {
	rows, err := s.db.QueryContext(ctx, `select `+serviceColumns+` from services order by name`)
	if err != nil {
		return nil, mapErr("list services", err)
	}
	defer rows.Close()
	var out []registry.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list services", err)
	}
	return out, nil
}

func (s *ServiceStore) SetLiveness(ctx context.Context, name string, l registry.Liveness, probedAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		update services set liveness = $2, last_probe_at = $3, last_error = $4 where name = $1
	`, name, string(l), probedAt.UTC(), lastErr)
	if err != nil {
		return mapErr("set liveness", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *ServiceStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `delete from services where name = $1`, name)
	if err != nil {
		return mapErr("delete service", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanService(row scanner, extra ...any) (registry.Service, error) {
	var (
		svc      registry.Service
		liveness string
		probed   sql.NullTime
	)
	dest := []any{&svc.Name, &svc.BaseURL, &svc.HealthURL, pq.Array(&svc.AllowedRoles), &liveness, &probed, &svc.LastError, &svc.RegisteredAt, &svc.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return registry.Service{}, mapErr("scan service", err)
	}
	svc.Liveness = registry.Liveness(liveness)
	if probed.Valid {
		svc.LastProbeAt = probed.Time
	}
	return svc, nil
}
