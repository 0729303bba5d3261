// Package token issues, verifies and rotates access/refresh token pairs.
//
// Access tokens are self-contained JWTs verified without any store lookup.
// Refresh tokens are opaque "<id>.<secret>" strings; only a hash of the
// secret is stored. Each login starts a lineage, and every rotation appends
// a new tip to it. Presenting a token that was already rotated away revokes
// the whole lineage.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/ids"
	"ssocore.org/internal/obs"
	"ssocore.org/internal/sentinel"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "ssocore"

	accessTokenType = "access"
	secretBytes     = 32
)

// Claims carried by an access token.
type Claims struct {
	Roles     []string `json:"roles"`
	Lineage   string   `json:"sid,omitempty"`
	TokenType string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Pair is the result of Issue and Rotate.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Lineage          string
	PrincipalID      string
	Roles            []string
}

// RoleSource returns a principal's current roles. It is consulted on rotation
// so role changes reach the next access token.
type RoleSource interface {
	CurrentRoles(ctx context.Context, principalID string) ([]string, error)
}

// Engine mints and validates tokens.
type Engine struct {
	store     SessionStore
	keys      Keys
	issuer    string
	lifetimes func() (access, refresh time.Duration)
	now       func() time.Time
	roles     RoleSource
	audit     audit.Appender
	logger    *slog.Logger
}

// Option configures Engine behavior.
type Option func(*Engine) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) Option {
	return func(e *Engine) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			e.issuer = issuer
		}
		return nil
	}
}

// WithTTL sets fixed token lifetimes.
func WithTTL(access, refresh time.Duration) Option {
	return func(e *Engine) error {
		if access <= 0 || refresh <= 0 {
			return fmt.Errorf("%w: token lifetimes must be positive", sentinel.ErrInvalidInput)
		}
		e.lifetimes = func() (time.Duration, time.Duration) { return access, refresh }
		return nil
	}
}

// WithLifetimes reads lifetimes on every issuance so runtime overrides apply.
func WithLifetimes(fn func() (access, refresh time.Duration)) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.lifetimes = fn
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

func WithRoleSource(rs RoleSource) Option {
	return func(e *Engine) error {
		e.roles = rs
		return nil
	}
}

func WithAudit(a audit.Appender) Option {
	return func(e *Engine) error {
		e.audit = a
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// NewEngine constructs an Engine. It refuses to start without key material.
func NewEngine(store SessionStore, keys Keys, opts ...Option) (*Engine, error) {
	if !keys.valid() {
		return nil, sentinel.ErrNoKeyMaterial
	}
	if store == nil {
		return nil, fmt.Errorf("%w: session store is required", sentinel.ErrInvalidInput)
	}
	e := &Engine{
		store:  store,
		keys:   keys,
		issuer: defaultIssuer,
		lifetimes: func() (time.Duration, time.Duration) {
			return defaultAccessTTL, defaultRefreshTTL
		},
		now:    time.Now,
		logger: obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Issue starts a new lineage for principalID and returns a fresh pair.
func (e *Engine) Issue(ctx context.Context, principalID string, roles []string) (Pair, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Pair{}, fmt.Errorf("%w: principal id is required", sentinel.ErrInvalidInput)
	}
	now := e.now()
	roles = normalizeRoles(roles)
	refresh, sess, err := e.newSession(principalID, ids.NewLineage(), roles, now)
	if err != nil {
		return Pair{}, err
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return Pair{}, storeErr("create session", err)
	}
	return e.pair(sess, refresh, now)
}

// VerifyAccess validates an access token using only key material and the clock.
func (e *Engine) VerifyAccess(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, sentinel.ErrMalformedToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{e.keys.method.Alg()}),
		jwt.WithTimeFunc(e.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(e.issuer),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return e.keys.verifyKey, nil
	})
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.TokenType != accessTokenType || strings.TrimSpace(claims.Subject) == "" {
		return nil, sentinel.ErrMalformedToken
	}
	return claims, nil
}

// Rotate exchanges a refresh token for a new pair. Only the current tip of a
// lineage can be rotated; presenting an older token revokes the lineage and
// fails with ErrTokenReused.
func (e *Engine) Rotate(ctx context.Context, raw string) (Pair, error) {
	sess, err := e.lookup(ctx, raw)
	if err != nil {
		obs.TokenRotation("rejected")
		return Pair{}, err
	}
	now := e.now()

	if sess.SupersededBy != "" {
		return Pair{}, e.replay(ctx, sess, now)
	}
	if sess.Revoked {
		obs.TokenRotation("revoked")
		return Pair{}, sentinel.ErrTokenRevoked
	}
	if !now.Before(sess.ExpiresAt) {
		obs.TokenRotation("expired")
		return Pair{}, sentinel.ErrTokenExpired
	}

	roles := sess.Roles
	if e.roles != nil {
		current, err := e.roles.CurrentRoles(ctx, sess.PrincipalID)
		if err != nil {
			if errors.Is(err, sentinel.ErrAccountInactive) || errors.Is(err, sentinel.ErrNotFound) {
				_, _ = e.store.RevokeLineage(ctx, sess.Lineage, now)
				obs.TokenRotation("inactive")
				return Pair{}, sentinel.ErrTokenRevoked
			}
			return Pair{}, err
		}
		roles = normalizeRoles(current)
	}

	refresh, next, err := e.newSession(sess.PrincipalID, sess.Lineage, roles, now)
	if err != nil {
		return Pair{}, err
	}
	next.PredecessorID = sess.ID
	if err := e.store.Advance(ctx, sess.ID, next, now); err != nil {
		if errors.Is(err, ErrStaleTip) {
			return Pair{}, e.lostRace(ctx, sess, now)
		}
		return Pair{}, storeErr("advance lineage", err)
	}

	if err := e.record(ctx, audit.Entry{
		Actor:    sess.PrincipalID,
		Action:   "token.rotated",
		Target:   sess.Lineage,
		Metadata: map[string]string{"from": sess.ID, "to": next.ID},
	}); err != nil {
		_, _ = e.store.RevokeLineage(ctx, sess.Lineage, now)
		return Pair{}, err
	}
	obs.TokenRotation("success")
	return e.pair(next, refresh, now)
}

// Revoke ends the lineage the refresh token belongs to. Revoking an already
// revoked token succeeds.
func (e *Engine) Revoke(ctx context.Context, raw string) error {
	sess, err := e.lookup(ctx, raw)
	if err != nil {
		return err
	}
	n, err := e.store.RevokeLineage(ctx, sess.Lineage, e.now())
	if err != nil {
		return storeErr("revoke lineage", err)
	}
	if n == 0 {
		return nil
	}
	return e.record(ctx, audit.Entry{
		Actor:  sess.PrincipalID,
		Action: "token.revoked",
		Target: sess.Lineage,
	})
}

// RevokeAll revokes every session owned by principalID.
func (e *Engine) RevokeAll(ctx context.Context, principalID string) error {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return fmt.Errorf("%w: principal id is required", sentinel.ErrInvalidInput)
	}
	n, err := e.store.RevokeByPrincipal(ctx, principalID, e.now())
	if err != nil {
		return storeErr("revoke principal sessions", err)
	}
	if n == 0 {
		return nil
	}
	return e.record(ctx, audit.Entry{
		Action:   "token.revoked_all",
		Target:   principalID,
		Severity: audit.SeverityWarning,
		Metadata: map[string]string{"sessions": fmt.Sprint(n)},
	})
}

// RevokeLineage revokes one lineage by id.
func (e *Engine) RevokeLineage(ctx context.Context, lineage string) error {
	if _, err := e.store.RevokeLineage(ctx, lineage, e.now()); err != nil {
		return storeErr("revoke lineage", err)
	}
	return nil
}

// lostRace classifies a failed Advance. A concurrent rotation superseded the
// session and is reuse; a concurrent logout or RevokeAll only revoked it.
func (e *Engine) lostRace(ctx context.Context, sess *Session, now time.Time) error {
	cur, err := e.store.Find(ctx, sess.ID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return storeErr("reload session", err)
	}
	if cur != nil && cur.Revoked && cur.SupersededBy == "" {
		obs.TokenRotation("revoked")
		return sentinel.ErrTokenRevoked
	}
	return e.replay(ctx, sess, now)
}

func (e *Engine) replay(ctx context.Context, sess *Session, now time.Time) error {
	obs.TokenReplay()
	obs.TokenRotation("reused")
	n, err := e.store.RevokeLineage(ctx, sess.Lineage, now)
	if err != nil {
		e.logger.Error("revoke lineage after reuse failed", "lineage", sess.Lineage, "error", err)
	}
	_ = e.record(ctx, audit.Entry{
		Actor:    sess.PrincipalID,
		Action:   "token.reused",
		Target:   sess.Lineage,
		Outcome:  audit.OutcomeFailure,
		Severity: audit.SeverityCritical,
		Metadata: map[string]string{
			"presented": sess.ID,
			"revoked":   fmt.Sprint(n),
		},
	})
	return sentinel.ErrTokenReused
}

func (e *Engine) lookup(ctx context.Context, raw string) (*Session, error) {
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		return nil, sentinel.ErrMalformedToken
	}
	sess, err := e.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, sentinel.ErrMalformedToken
		}
		return nil, storeErr("find session", err)
	}
	if !secureCompareHash(sess.SecretHash, secret) {
		return nil, sentinel.ErrMalformedToken
	}
	return sess, nil
}

func (e *Engine) newSession(principalID, lineage string, roles []string, now time.Time) (string, *Session, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	_, refreshTTL := e.lifetimes()
	sess := &Session{
		ID:          ids.NewAt(now),
		Lineage:     lineage,
		PrincipalID: principalID,
		SecretHash:  hashSecret(secret),
		Roles:       roles,
		IssuedAt:    now,
		ExpiresAt:   now.Add(refreshTTL),
	}
	return sess.ID + "." + secret, sess, nil
}

func (e *Engine) pair(sess *Session, refresh string, now time.Time) (Pair, error) {
	access, exp, err := e.signAccess(sess, now)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  exp,
		RefreshExpiresAt: sess.ExpiresAt,
		Lineage:          sess.Lineage,
		PrincipalID:      sess.PrincipalID,
		Roles:            append([]string(nil), sess.Roles...),
	}, nil
}

func (e *Engine) signAccess(sess *Session, now time.Time) (string, time.Time, error) {
	accessTTL, _ := e.lifetimes()
	exp := now.Add(accessTTL)
	claims := Claims{
		Roles:     sess.Roles,
		Lineage:   sess.Lineage,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.issuer,
			Subject:   sess.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.NewAt(now),
		},
	}
	tok := jwt.NewWithClaims(e.keys.method, claims)
	if e.keys.keyID != "" {
		tok.Header["kid"] = e.keys.keyID
	}
	signed, err := tok.SignedString(e.keys.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) error {
	if e.audit == nil {
		return nil
	}
	return e.audit.Append(ctx, entry)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return sentinel.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return sentinel.ErrInvalidSignature
	default:
		return sentinel.ErrMalformedToken
	}
}

func storeErr(op string, err error) error {
	if errors.Is(err, sentinel.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", sentinel.ErrStoreUnavailable, op, err)
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 {
		return "", "", errors.New("invalid refresh token format")
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
