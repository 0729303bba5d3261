// Package auth authenticates principals and manages their credentials.
//
// A login attempt runs through the lockout gate before the credential store
// is touched. Locked, unknown and wrong-password attempts each spend one
// password-hash verification and surface as errors that the HTTP boundary
// renders identically.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/ids"
	"ssocore.org/internal/lockout"
	"ssocore.org/internal/obs"
	"ssocore.org/internal/sentinel"
	"ssocore.org/internal/token"
)

const (
	ActionLoginSucceeded  = "auth.login.succeeded"
	ActionLoginFailed     = "auth.login.failed"
	ActionLoginLocked     = "auth.login.locked"
	ActionAccountLocked   = "auth.account.locked"
	ActionAccountInactive = "auth.account.inactive"
	ActionPrincipalNew    = "principal.created"
	ActionDeactivated     = "principal.deactivated"
	ActionPasswordChanged = "principal.password_changed"
	ActionRoleAssigned    = "principal.role_assigned"
	ActionRoleRevoked     = "principal.role_revoked"
)

// Gate is the lockout tracker as seen by the authenticator.
type Gate interface {
	CheckAllowed(ctx context.Context, identity string) (lockout.Status, error)
	RecordFailure(ctx context.Context, identity string) (int, error)
	RecordSuccess(ctx context.Context, identity string) error
	Policy() lockout.Policy
}

// Issuer is the token engine as seen by the authenticator.
type Issuer interface {
	Issue(ctx context.Context, principalID string, roles []string) (token.Pair, error)
	RevokeAll(ctx context.Context, principalID string) error
	RevokeLineage(ctx context.Context, lineage string) error
}

// Authenticator verifies credentials and issues sessions.
type Authenticator struct {
	store   CredentialStore
	gate    Gate
	tokens  Issuer
	audit   audit.Appender
	keyMode string
	params  Params
	dummy   string
	logger  *slog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator) error

func WithAudit(a audit.Appender) Option {
	return func(x *Authenticator) error {
		x.audit = a
		return nil
	}
}

// WithLockoutKeyMode selects "identity" or "ip+identity" lockout keys.
func WithLockoutKeyMode(mode string) Option {
	return func(x *Authenticator) error {
		switch mode {
		case "", "identity", "ip+identity":
			x.keyMode = mode
			return nil
		}
		return fmt.Errorf("%w: lockout key mode %q", sentinel.ErrInvalidInput, mode)
	}
}

// WithParams overrides the argon2id cost for new hashes.
func WithParams(p Params) Option {
	return func(x *Authenticator) error {
		if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 || p.SaltLength == 0 || p.KeyLength == 0 {
			return fmt.Errorf("%w: argon2 params", sentinel.ErrInvalidInput)
		}
		x.params = p
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(x *Authenticator) error {
		if logger != nil {
			x.logger = logger
		}
		return nil
	}
}

// NewAuthenticator wires the credential store, lockout gate and token issuer.
func NewAuthenticator(store CredentialStore, gate Gate, tokens Issuer, opts ...Option) (*Authenticator, error) {
	if store == nil || gate == nil || tokens == nil {
		return nil, fmt.Errorf("%w: store, gate and issuer are required", sentinel.ErrInvalidInput)
	}
	a := &Authenticator{
		store:   store,
		gate:    gate,
		tokens:  tokens,
		keyMode: "identity",
		params:  DefaultParams,
		logger:  obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	dummy, err := a.params.Hash(ids.New())
	if err != nil {
		return nil, fmt.Errorf("auth: dummy hash: %w", err)
	}
	a.dummy = dummy
	return a, nil
}

// Login authenticates creds and issues a new token pair.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) (token.Pair, Principal, error) {
	identity := NormalizeIdentity(creds.Identity)
	if identity == "" || creds.Password == "" {
		a.burn(creds.Password)
		obs.LoginOutcome("invalid")
		return token.Pair{}, Principal{}, sentinel.ErrInvalidCredentials
	}
	key := lockout.Key(a.keyMode, identity, creds.IP)

	status, err := a.gate.CheckAllowed(ctx, key)
	if err != nil {
		return token.Pair{}, Principal{}, err
	}
	if status.Locked {
		a.burn(creds.Password)
		obs.LoginOutcome("locked")
		if err := a.record(ctx, audit.Entry{
			Action:   ActionLoginLocked,
			Target:   identity,
			Outcome:  audit.OutcomeFailure,
			Severity: audit.SeverityWarning,
			Metadata: map[string]string{"locked_until": status.Until.UTC().Format(time.RFC3339)},
		}); err != nil {
			return token.Pair{}, Principal{}, err
		}
		return token.Pair{}, Principal{}, sentinel.ErrAccountLocked
	}

	p, err := a.store.GetByIdentity(ctx, identity)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return token.Pair{}, Principal{}, unavailable("load principal", err)
		}
		a.burn(creds.Password)
		return token.Pair{}, Principal{}, a.fail(ctx, key, identity, "", "unknown_identity")
	}

	ok, err := VerifyPassword(p.PasswordHash, creds.Password)
	if err != nil {
		a.logger.Error("password verification failed", "principal_id", p.ID, "error", err)
	}
	if !ok {
		return token.Pair{}, Principal{}, a.fail(ctx, key, identity, p.ID, "bad_password")
	}

	// Inactive is reported only to callers who proved the password, so the
	// status of an account is not disclosed to guessers.
	if !p.Active {
		obs.LoginOutcome("inactive")
		if err := a.record(ctx, audit.Entry{
			Actor:    p.ID,
			Action:   ActionAccountInactive,
			Target:   p.ID,
			Outcome:  audit.OutcomeFailure,
			Severity: audit.SeverityWarning,
		}); err != nil {
			return token.Pair{}, Principal{}, err
		}
		return token.Pair{}, Principal{}, sentinel.ErrAccountInactive
	}

	if err := a.gate.RecordSuccess(ctx, key); err != nil {
		return token.Pair{}, Principal{}, err
	}
	pair, err := a.tokens.Issue(ctx, p.ID, p.Roles)
	if err != nil {
		return token.Pair{}, Principal{}, err
	}
	if err := a.record(ctx, audit.Entry{
		Actor:    p.ID,
		Action:   ActionLoginSucceeded,
		Target:   p.ID,
		Metadata: map[string]string{"lineage": pair.Lineage},
	}); err != nil {
		if rerr := a.tokens.RevokeLineage(ctx, pair.Lineage); rerr != nil {
			a.logger.Error("revoke unaudited session failed", "lineage", pair.Lineage, "error", rerr)
		}
		return token.Pair{}, Principal{}, err
	}
	obs.LoginOutcome("success")
	return pair, p, nil
}

// fail records a failed credential check against key and audits it.
func (a *Authenticator) fail(ctx context.Context, key, identity, principalID, reason string) error {
	obs.LoginOutcome("invalid")
	n, err := a.gate.RecordFailure(ctx, key)
	if err != nil {
		return err
	}
	actor := principalID
	if actor == "" {
		actor = audit.SystemActor
	}
	if err := a.record(ctx, audit.Entry{
		Actor:   actor,
		Action:  ActionLoginFailed,
		Target:  identity,
		Outcome: audit.OutcomeFailure,
		Metadata: map[string]string{
			"reason":   reason,
			"failures": strconv.Itoa(n),
		},
	}); err != nil {
		return err
	}
	if n == a.gate.Policy().Threshold {
		if err := a.record(ctx, audit.Entry{
			Actor:    actor,
			Action:   ActionAccountLocked,
			Target:   identity,
			Outcome:  audit.OutcomeFailure,
			Severity: audit.SeverityWarning,
			Metadata: map[string]string{"failures": strconv.Itoa(n)},
		}); err != nil {
			return err
		}
	}
	return sentinel.ErrInvalidCredentials
}

// burn spends one verification so every rejected attempt costs the same.
func (a *Authenticator) burn(password string) {
	_, _ = VerifyPassword(a.dummy, password)
}

// Register creates an active principal with a hashed password.
func (a *Authenticator) Register(ctx context.Context, email, password string, roles []string) (Principal, error) {
	email = NormalizeIdentity(email)
	if email == "" || !strings.Contains(email, "@") {
		return Principal{}, fmt.Errorf("%w: a valid email is required", sentinel.ErrInvalidInput)
	}
	if len(password) < 8 {
		return Principal{}, fmt.Errorf("%w: password must be at least 8 characters", sentinel.ErrInvalidInput)
	}
	hash, err := a.params.Hash(password)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		Roles:        roles,
	}
	if err := a.store.Create(ctx, &p); err != nil {
		return Principal{}, storeErr("create principal", err)
	}
	if err := a.record(ctx, audit.Entry{
		Action:   ActionPrincipalNew,
		Target:   p.ID,
		Metadata: map[string]string{"email": p.Email, "roles": strings.Join(p.Roles, ",")},
	}); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// SetPassword replaces a principal's password and ends its sessions.
func (a *Authenticator) SetPassword(ctx context.Context, principalID, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", sentinel.ErrInvalidInput)
	}
	p, err := a.store.GetByID(ctx, principalID)
	if err != nil {
		return storeErr("load principal", err)
	}
	hash, err := a.params.Hash(password)
	if err != nil {
		return err
	}
	p.PasswordHash = hash
	if err := a.store.Update(ctx, p); err != nil {
		return storeErr("update principal", err)
	}
	if err := a.tokens.RevokeAll(ctx, principalID); err != nil {
		return err
	}
	return a.record(ctx, audit.Entry{
		Action:   ActionPasswordChanged,
		Target:   principalID,
		Severity: audit.SeverityWarning,
	})
}

// Deactivate soft-deactivates a principal and revokes every session it owns.
func (a *Authenticator) Deactivate(ctx context.Context, principalID string) error {
	if err := a.store.SetActive(ctx, principalID, false); err != nil {
		return storeErr("deactivate principal", err)
	}
	if err := a.tokens.RevokeAll(ctx, principalID); err != nil {
		return err
	}
	return a.record(ctx, audit.Entry{
		Action:   ActionDeactivated,
		Target:   principalID,
		Severity: audit.SeverityWarning,
	})
}

// AssignRole grants role to a principal. Existing access tokens keep their
// roles until the next rotation.
func (a *Authenticator) AssignRole(ctx context.Context, principalID, role string) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return fmt.Errorf("%w: role is required", sentinel.ErrInvalidInput)
	}
	if err := a.store.AssignRole(ctx, principalID, role); err != nil {
		return storeErr("assign role", err)
	}
	return a.record(ctx, audit.Entry{Action: ActionRoleAssigned, Target: principalID, Metadata: map[string]string{"role": role}})
}

// RevokeRole removes role from a principal.
func (a *Authenticator) RevokeRole(ctx context.Context, principalID, role string) error {
	if err := a.store.RevokeRole(ctx, principalID, strings.TrimSpace(role)); err != nil {
		return storeErr("revoke role", err)
	}
	return a.record(ctx, audit.Entry{Action: ActionRoleRevoked, Target: principalID, Metadata: map[string]string{"role": role}})
}

// Principal loads a principal by id.
func (a *Authenticator) Principal(ctx context.Context, principalID string) (Principal, error) {
	p, err := a.store.GetByID(ctx, principalID)
	if err != nil {
		return Principal{}, storeErr("load principal", err)
	}
	return p, nil
}

func (a *Authenticator) record(ctx context.Context, e audit.Entry) error {
	if a.audit == nil {
		return nil
	}
	return a.audit.Append(ctx, e)
}

// storeErr passes through taxonomy errors and wraps everything else.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound),
		errors.Is(err, sentinel.ErrConflict),
		errors.Is(err, sentinel.ErrInvalidInput),
		errors.Is(err, sentinel.ErrStoreUnavailable):
		return err
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	if errors.Is(err, sentinel.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", sentinel.ErrStoreUnavailable, op, err)
}
