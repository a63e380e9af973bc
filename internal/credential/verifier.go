package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/model"
)

// Mode selects how much the verifier trusts its identity collaborator.
type Mode string

const (
	// ModeDegraded checks signatures and the local scope table only.
	// There is no revocation: a compromised key stays valid until its
	// grant is removed or expires.
	ModeDegraded Mode = "degraded"
	// ModeFull adds the revocation check and fails closed when the
	// collaborator cannot be reached.
	ModeFull Mode = "full"
)

const (
	DefaultMaxSkew        = 300 * time.Second
	DefaultResolveTimeout = 3 * time.Second
)

// Options configures a Verifier.
type Options struct {
	Mode           Mode
	Resolver       Resolver
	Grants         *GrantTable
	Nonces         NonceStore
	MaxSkew        time.Duration
	ResolveTimeout time.Duration
	Now            func() time.Time
}

// Verifier turns a signed command into an Authorization.
type Verifier struct {
	mode     Mode
	resolver Resolver
	grants   *GrantTable
	nonces   NonceStore
	maxSkew  time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewVerifier applies defaults. A missing resolver falls back to the grant
// table, which also forces degraded mode.
func NewVerifier(opts Options) *Verifier {
	v := &Verifier{
		mode:     opts.Mode,
		resolver: opts.Resolver,
		grants:   opts.Grants,
		nonces:   opts.Nonces,
		maxSkew:  opts.MaxSkew,
		timeout:  opts.ResolveTimeout,
		now:      opts.Now,
	}
	if v.grants == nil {
		v.grants = NewGrantTable(nil)
	}
	if v.resolver == nil {
		v.resolver = NewStaticResolver(v.grants)
		v.mode = ModeDegraded
	}
	if v.mode == "" {
		v.mode = ModeDegraded
	}
	if v.nonces == nil {
		v.nonces = NewMemoryNonceStore()
	}
	if v.maxSkew <= 0 {
		v.maxSkew = DefaultMaxSkew
	}
	if v.timeout <= 0 {
		v.timeout = DefaultResolveTimeout
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Mode reports the active verification mode.
func (v *Verifier) Mode() Mode { return v.mode }

// Grants exposes the scope table so reloads can replace it.
func (v *Verifier) Grants() *GrantTable { return v.grants }

// Verify runs freshness, identity, signature, grant, scope, revocation and
// replay checks in that order. The nonce mark only advances when every
// other check passed.
func (v *Verifier) Verify(ctx context.Context, cmd *model.Command) (*model.Authorization, error) {
	auth, err := v.check(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := v.nonces.Advance(ctx, cmd.Issuer, cmd.Nonce); err != nil {
		if errors.Is(err, ErrReplayDetected) {
			return nil, v.fail(model.ReasonReplayDetected, cmd, err)
		}
		return nil, model.Fail(model.StepVerify, model.ReasonInternal, cmd.Issuer, err)
	}
	return auth, nil
}

// Inspect runs every check Verify does but leaves the nonce mark untouched.
// Replays are still reported.
func (v *Verifier) Inspect(ctx context.Context, cmd *model.Command) (*model.Authorization, error) {
	auth, err := v.check(ctx, cmd)
	if err != nil {
		return nil, err
	}
	last, ok, err := v.nonces.HighWater(ctx, cmd.Issuer)
	if err != nil {
		return nil, model.Fail(model.StepVerify, model.ReasonInternal, cmd.Issuer, err)
	}
	if ok && cmd.Nonce <= last {
		return nil, v.fail(model.ReasonReplayDetected, cmd, ErrReplayDetected)
	}
	return auth, nil
}

func (v *Verifier) check(ctx context.Context, cmd *model.Command) (*model.Authorization, error) {
	now := v.now()

	skew := now.Sub(time.Unix(cmd.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return nil, v.fail(model.ReasonExpired, cmd,
			fmt.Errorf("%w: timestamp skew %s exceeds %s", ErrExpired, skew, v.maxSkew))
	}
	return v.authorize(ctx, cmd, now)
}

// Reauthorize rebuilds the Authorization of a command that passed Verify
// earlier and was held for confirmation. Freshness and replay are not
// rechecked; identity, signature, grant and revocation are.
func (v *Verifier) Reauthorize(ctx context.Context, cmd *model.Command) (*model.Authorization, error) {
	return v.authorize(ctx, cmd, v.now())
}

func (v *Verifier) authorize(ctx context.Context, cmd *model.Command, now time.Time) (*model.Authorization, error) {
	rctx, cancel := context.WithTimeout(ctx, v.timeout)
	id, err := v.resolver.Resolve(rctx, cmd.Issuer)
	cancel()
	if err != nil {
		if errors.Is(err, ErrUnknownIssuer) {
			return nil, v.fail(model.ReasonBadSignature, cmd, fmt.Errorf("%w: %v", ErrBadSignature, err))
		}
		return nil, v.fail(model.ReasonIdentityUnavailable, cmd, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err))
	}

	msg, err := cmd.SigningBytes()
	if err != nil {
		return nil, v.fail(model.ReasonBadSignature, cmd, fmt.Errorf("%w: %v", ErrBadSignature, err))
	}
	ok, err := canon.Verify(id.PublicKey, msg, cmd.Signature)
	if err != nil || !ok {
		return nil, v.fail(model.ReasonBadSignature, cmd, ErrBadSignature)
	}

	grant, found := v.grants.Lookup(cmd.Issuer)
	if !found {
		return nil, v.fail(model.ReasonScopeInsufficient, cmd, fmt.Errorf("%w: no grant", ErrScopeInsufficient))
	}
	if cmd.Credential != "" && grant.ID != "" && cmd.Credential != grant.ID {
		return nil, v.fail(model.ReasonScopeInsufficient, cmd,
			fmt.Errorf("%w: credential %q does not match grant", ErrScopeInsufficient, cmd.Credential))
	}
	if grant.Revoked {
		return nil, v.fail(model.ReasonScopeInsufficient, cmd, fmt.Errorf("%w: grant revoked", ErrScopeInsufficient))
	}
	if !grant.ExpiresAt.IsZero() && now.After(grant.ExpiresAt) {
		return nil, v.fail(model.ReasonExpired, cmd, fmt.Errorf("%w: grant expired at %s", ErrExpired, grant.ExpiresAt))
	}
	if !grant.Allows(cmd.SchemaType) {
		return nil, v.fail(model.ReasonScopeInsufficient, cmd,
			fmt.Errorf("%w: %s not in %v", ErrScopeInsufficient, cmd.SchemaType, grant.Scopes))
	}

	if v.mode == ModeFull && id.Revoked {
		return nil, v.fail(model.ReasonRevoked, cmd, ErrRevoked)
	}

	constraints := make(map[string]int64, len(grant.Constraints))
	for k, val := range grant.Constraints {
		constraints[k] = val
	}
	return &model.Authorization{
		Issuer:      cmd.Issuer,
		Scopes:      append([]string(nil), grant.Scopes...),
		Constraints: constraints,
		Expiry:      grant.ExpiresAt,
		Mode:        string(v.mode),
	}, nil
}

func (v *Verifier) fail(code model.ReasonCode, cmd *model.Command, err error) error {
	return model.Fail(model.StepVerify, code, cmd.Issuer, err)
}
