package confirm

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/hivegate/internal/canon"
)

// ErrUnauthorized is returned when a resolution is not signed by a
// configured operator key.
var ErrUnauthorized = errors.New("operator not authorized")

// Timeouts maps danger bands to confirmation lifetimes.
type Timeouts struct {
	Critical time.Duration `yaml:"critical"` // danger >= 9
	High     time.Duration `yaml:"high"`     // danger >= 7
	Default  time.Duration `yaml:"default"`
}

// DefaultTimeouts returns the stock confirmation lifetimes.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Critical: 15 * time.Minute,
		High:     time.Hour,
		Default:  4 * time.Hour,
	}
}

// For returns the lifetime of a confirmation at the given danger score.
// Zero fields fall back to the stock value.
func (t Timeouts) For(danger int) time.Duration {
	d := DefaultTimeouts()
	pick := func(v, fallback time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return fallback
	}
	switch {
	case danger >= 9:
		return pick(t.Critical, d.Critical)
	case danger >= 7:
		return pick(t.High, d.High)
	default:
		return pick(t.Default, d.Default)
	}
}

// Operator is a key allowed to resolve confirmations.
type Operator struct {
	ID        string `yaml:"id" json:"id"`
	PublicKey string `yaml:"public_key" json:"public_key"`
}

// Resolution is an operator's signed answer to a confirmation.
type Resolution struct {
	ConfirmationID string
	Approve        bool
	OperatorID     string
	Signature      string
}

// State returns the confirmation state this resolution requests.
func (r Resolution) State() State {
	if r.Approve {
		return Approved
	}
	return Rejected
}

// ResolutionMessage returns the bytes an operator signs.
func ResolutionMessage(id string, approve bool) []byte {
	verdict := "reject"
	if approve {
		verdict = "approve"
	}
	return []byte("hivegate-confirm:" + id + ":" + verdict)
}

// Sign fills in the resolution's signature.
func (r *Resolution) Sign(s interface {
	Sign(msg []byte) (string, error)
}) error {
	sig, err := s.Sign(ResolutionMessage(r.ConfirmationID, r.Approve))
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// Authenticator checks resolutions against configured operator keys.
type Authenticator struct {
	keys map[string]ed25519.PublicKey
}

// NewAuthenticator parses the operator keys.
func NewAuthenticator(ops []Operator) (*Authenticator, error) {
	a := &Authenticator{keys: make(map[string]ed25519.PublicKey, len(ops))}
	for _, op := range ops {
		if op.ID == "" {
			return nil, fmt.Errorf("operator id must not be empty")
		}
		if _, dup := a.keys[op.ID]; dup {
			return nil, fmt.Errorf("duplicate operator %q", op.ID)
		}
		pub, err := canon.ParsePublicKey(op.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", op.ID, err)
		}
		a.keys[op.ID] = pub
	}
	return a, nil
}

// Len returns the number of configured operators.
func (a *Authenticator) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Verify fails closed: no operators configured means nobody may resolve.
func (a *Authenticator) Verify(r Resolution) error {
	if a == nil {
		return fmt.Errorf("%w: no operators configured", ErrUnauthorized)
	}
	pub, ok := a.keys[r.OperatorID]
	if !ok {
		return fmt.Errorf("%w: unknown operator %q", ErrUnauthorized, r.OperatorID)
	}
	valid, err := canon.Verify(pub, ResolutionMessage(r.ConfirmationID, r.Approve), r.Signature)
	if err != nil || !valid {
		return fmt.Errorf("%w: bad signature from %q", ErrUnauthorized, r.OperatorID)
	}
	return nil
}
