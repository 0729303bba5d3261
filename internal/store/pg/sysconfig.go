package pg

import (
	"context"
	"database/sql"

	"ssocore.org/internal/config"
)

// SystemConfigStore implements config.Source over system_config.
type SystemConfigStore struct {
	db *sql.DB
}

var _ config.Source = (*SystemConfigStore)(nil)

func (s *SystemConfigStore) LoadSettings(ctx context.Context) ([]config.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `select key, value, value_type, updated_at from system_config`)
	if err != nil {
		return nil, mapErr("load system config", err)
	}
	defer rows.Close()
	var out []config.Setting
	for rows.Next() {
		var st config.Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.Type, &st.UpdatedAt); err != nil {
			return nil, mapErr("scan system config", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Put stores one setting.
func (s *SystemConfigStore) Put(ctx context.Context, st config.Setting) error {
	_, err := s.db.ExecContext(ctx, `
		insert into system_config (key, value, value_type, updated_at)
		values ($1, $2, $3, now())
		on conflict (key) do update
		set value = excluded.value, value_type = excluded.value_type, updated_at = now()
	`, st.Key, st.Value, st.Type)
	return mapErr("put system config", err)
}
