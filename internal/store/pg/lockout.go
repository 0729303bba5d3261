package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ssocore.org/internal/lockout"
)

// LockoutStore implements lockout.Store with a single upsert per failure.
type LockoutStore struct {
	db *sql.DB
}

var _ lockout.Store = (*LockoutStore)(nil)

// $1 identity, $2 now, $3 window ms, $4 threshold, $5 lock duration ms.
const recordFailureSQL = `
	insert into lockouts as l (identity, failures, window_start, locked_until)
	values ($1, 1, $2, case when 1 >= $4 then $2 + $5::double precision * interval '1 millisecond' end)
	on conflict (identity) do update set
		failures = case
			when l.window_start + $3::double precision * interval '1 millisecond' <= $2 then 1
			else l.failures + 1 end,
		window_start = case
			when l.window_start + $3::double precision * interval '1 millisecond' <= $2 then $2
			else l.window_start end,
		locked_until = case
			when (case
				when l.window_start + $3::double precision * interval '1 millisecond' <= $2 then 1
				else l.failures + 1 end) >= $4
			then $2 + $5::double precision * interval '1 millisecond'
			else l.locked_until end
	returning failures, window_start, locked_until
`

func (s *LockoutStore) Get(ctx context.Context, identity string) (lockout.Record, bool, error) {
	rec := lockout.Record{Identity: identity}
	var locked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select failures, window_start, locked_until from lockouts where identity = $1
	`, identity).Scan(&rec.Failures, &rec.WindowStart, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return lockout.Record{}, false, nil
	}
	if err != nil {
		return lockout.Record{}, false, mapErr("get lockout", err)
	}
	if locked.Valid {
		rec.LockedUntil = locked.Time
	}
	return rec, true, nil
}

func (s *LockoutStore) RecordFailure(ctx context.Context, identity string, now time.Time, p lockout.Policy) (lockout.Record, error) {
	rec := lockout.Record{Identity: identity}
	var locked sql.NullTime
	err := s.db.QueryRowContext(ctx, recordFailureSQL,
		identity,
		now.UTC(),
		float64(p.Window.Milliseconds()),
		p.Threshold,
		float64(p.Duration.Milliseconds()),
	).Scan(&rec.Failures, &rec.WindowStart, &locked)
	if err != nil {
		return lockout.Record{}, mapErr("record failure", err)
	}
	if locked.Valid {
		rec.LockedUntil = locked.Time
	}
	return rec, nil
}

func (s *LockoutStore) Reset(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `delete from lockouts where identity = $1`, identity)
	return mapErr("reset lockout", err)
}

// PruneExpired drops records whose window and lock both ended before now.
func (s *LockoutStore) PruneExpired(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from lockouts
		where window_start <= $1
		  and (locked_until is null or locked_until <= $2)
	`, now.Add(-window).UTC(), now.UTC())
	if err != nil {
		return 0, mapErr("prune lockouts", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
