package credential

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ppiankov/hivegate/internal/canon"
)

// Identity is what the identity collaborator knows about an issuer.
type Identity struct {
	PublicKey ed25519.PublicKey
	Revoked   bool
}

// Resolver looks up an issuer's identity. Implementations must honor ctx
// deadlines; the verifier always calls them with a bounded timeout.
type Resolver interface {
	Resolve(ctx context.Context, issuer string) (Identity, error)
}

// StaticResolver serves identities from the local grant table.
type StaticResolver struct {
	grants *GrantTable
}

// NewStaticResolver returns a resolver backed by grants.
func NewStaticResolver(grants *GrantTable) *StaticResolver {
	return &StaticResolver{grants: grants}
}

func (r *StaticResolver) Resolve(_ context.Context, issuer string) (Identity, error) {
	g, ok := r.grants.Lookup(issuer)
	if !ok || g.PublicKey == "" {
		return Identity{}, ErrUnknownIssuer
	}
	pub, err := canon.ParsePublicKey(g.PublicKey)
	if err != nil {
		return Identity{}, fmt.Errorf("grant %s: %w", issuer, err)
	}
	return Identity{PublicKey: pub, Revoked: g.Revoked}, nil
}

// HTTPResolver queries a remote identity service:
//
//	GET {base}/identities/{issuer} -> {"public_key": "<hex>", "revoked": false}
//
// A 404 means the issuer is unknown; any other failure is reported as
// ErrIdentityUnavailable.
type HTTPResolver struct {
	base   string
	client *http.Client
}

// NewHTTPResolver creates a resolver with the given request timeout.
func NewHTTPResolver(base string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type identityResponse struct {
	PublicKey string `json:"public_key"`
	Revoked   bool   `json:"revoked"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, issuer string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.base+"/identities/"+url.PathEscape(issuer), nil)
	if err != nil {
		return Identity{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Identity{}, ErrUnknownIssuer
	case resp.StatusCode != http.StatusOK:
		return Identity{}, fmt.Errorf("%w: status %d", ErrIdentityUnavailable, resp.StatusCode)
	}

	var body identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Identity{}, fmt.Errorf("%w: decode: %v", ErrIdentityUnavailable, err)
	}
	pub, err := canon.ParsePublicKey(body.PublicKey)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return Identity{PublicKey: pub, Revoked: body.Revoked}, nil
}

// CachedResolver memoizes successful lookups for a bounded TTL.
// Revoked identities are not cached so a later lookup sees reinstatement.
type CachedResolver struct {
	inner Resolver
	cache *expirable.LRU[string, Identity]
}

// NewCachedResolver wraps inner with an expirable LRU.
func NewCachedResolver(inner Resolver, size int, ttl time.Duration) *CachedResolver {
	if size <= 0 {
		size = 1024
	}
	return &CachedResolver{
		inner: inner,
		cache: expirable.NewLRU[string, Identity](size, nil, ttl),
	}
}

func (r *CachedResolver) Resolve(ctx context.Context, issuer string) (Identity, error) {
	if id, ok := r.cache.Get(issuer); ok {
		return id, nil
	}
	id, err := r.inner.Resolve(ctx, issuer)
	if err != nil {
		return Identity{}, err
	}
	if !id.Revoked {
		r.cache.Add(issuer, id)
	}
	return id, nil
}

// Purge drops every cached identity.
func (r *CachedResolver) Purge() {
	r.cache.Purge()
}
