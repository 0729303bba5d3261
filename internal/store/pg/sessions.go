package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"ssocore.org/internal/token"
)

// SessionStore implements token.SessionStore. The tip of a lineage is its
// only session that is neither revoked nor superseded.
type SessionStore struct {
	db *sql.DB
}

var _ token.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) Create(ctx context.Context, sess *token.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, lineage, principal_id, secret_hash, roles, predecessor_id, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.Lineage, sess.PrincipalID, sess.SecretHash, pq.Array(sess.Roles),
		nullString(sess.PredecessorID), sess.IssuedAt.UTC(), sess.ExpiresAt.UTC())
	return mapErr("insert session", err)
}

func (s *SessionStore) Find(ctx context.Context, id string) (*token.Session, error) {
	var (
		sess         token.Session
		predecessor  sql.NullString
		supersededBy sql.NullString
		revokedAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, lineage, principal_id, secret_hash, roles, predecessor_id, superseded_by,
		       issued_at, expires_at, revoked, revoked_at
		from sessions where id = $1
	`, id).Scan(&sess.ID, &sess.Lineage, &sess.PrincipalID, &sess.SecretHash, pq.Array(&sess.Roles),
		&predecessor, &supersededBy, &sess.IssuedAt, &sess.ExpiresAt, &sess.Revoked, &revokedAt)
	if err != nil {
		return nil, mapErr("find session", err)
	}
	sess.PredecessorID = predecessor.String
	sess.SupersededBy = supersededBy.String
	if revokedAt.Valid {
		sess.RevokedAt = revokedAt.Time
	}
	return &sess, nil
}

// Advance marks prevID superseded and inserts next in one transaction. The
// conditional update serializes concurrent rotations on the row lock.
func (s *SessionStore) Advance(ctx context.Context, prevID string, next *token.Session, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update sessions
		set revoked = true, revoked_at = $3, superseded_by = $2
		where id = $1 and not revoked and superseded_by is null
	`, prevID, next.ID, now.UTC())
	if err != nil {
		return mapErr("supersede session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `select 1 from sessions where id = $1`, prevID).Scan(&exists)
		if err != nil {
			return mapErr("find session", err)
		}
		return token.ErrStaleTip
	}
	if _, err := tx.ExecContext(ctx, `
		insert into sessions (id, lineage, principal_id, secret_hash, roles, predecessor_id, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, next.ID, next.Lineage, next.PrincipalID, next.SecretHash, pq.Array(next.Roles),
		nullString(next.PredecessorID), next.IssuedAt.UTC(), next.ExpiresAt.UTC()); err != nil {
		return mapErr("insert session", err)
	}
	return mapErr("commit", tx.Commit())
}

func (s *SessionStore) RevokeLineage(ctx context.Context, lineage string, now time.Time) (int, error) {
	return s.revoke(ctx, `update sessions set revoked = true, revoked_at = $2 where lineage = $1 and not revoked`, lineage, now)
}

func (s *SessionStore) RevokeByPrincipal(ctx context.Context, principalID string, now time.Time) (int, error) {
	return s.revoke(ctx, `update sessions set revoked = true, revoked_at = $2 where principal_id = $1 and not revoked`, principalID, now)
}

func (s *SessionStore) revoke(ctx context.Context, query, key string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, query, key, now.UTC())
	if err != nil {
		return 0, mapErr("revoke sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr("revoke sessions", err)
	}
	return int(n), nil
}

// PruneExpired deletes sessions that expired before cutoff.
func (s *SessionStore) PruneExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, mapErr("prune sessions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
