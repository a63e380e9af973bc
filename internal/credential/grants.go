package credential

import (
	"strings"
	"sync"
	"time"
)

// Grant is one entry of the local scope table.
type Grant struct {
	ID          string           `yaml:"id,omitempty" json:"id,omitempty"`
	Issuer      string           `yaml:"issuer" json:"issuer"`
	PublicKey   string           `yaml:"public_key" json:"public_key"`
	Scopes      []string         `yaml:"scopes" json:"scopes"`
	Constraints map[string]int64 `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	ExpiresAt   time.Time        `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
	Revoked     bool             `yaml:"revoked,omitempty" json:"revoked,omitempty"`
}

// Allows reports whether schemaType falls under one of the grant's scopes.
func (g Grant) Allows(schemaType string) bool {
	for _, s := range g.Scopes {
		if MatchScope(s, schemaType) {
			return true
		}
	}
	return false
}

// MatchScope matches exact scopes, "*" and prefix patterns like "hive:fee-policy/*".
func MatchScope(pattern, schemaType string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "/*"):
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(schemaType, prefix) && len(schemaType) > len(prefix)
	default:
		return pattern == schemaType
	}
}

// GrantTable is the issuer -> grant index. It is replaced wholesale on
// policy reload.
type GrantTable struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewGrantTable builds a table. Later entries for the same issuer win.
func NewGrantTable(grants []Grant) *GrantTable {
	t := &GrantTable{}
	t.Replace(grants)
	return t
}

// Replace swaps the table contents.
func (t *GrantTable) Replace(grants []Grant) {
	m := make(map[string]Grant, len(grants))
	for _, g := range grants {
		m[g.Issuer] = g
	}
	t.mu.Lock()
	t.grants = m
	t.mu.Unlock()
}

// Lookup returns the grant held by issuer.
func (t *GrantTable) Lookup(issuer string) (Grant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.grants[issuer]
	return g, ok
}

// Len returns the number of issuers with a grant.
func (t *GrantTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.grants)
}
