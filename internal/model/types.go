package model

import (
	"math"
	"strings"
	"time"

	"github.com/ppiankov/hivegate/internal/canon"
)

// Verdict is the outcome of one authorization decision.
type Verdict string

const (
	Allow   Verdict = "allow"
	Deny    Verdict = "deny"
	Pending Verdict = "pending"
)

// ReasonCode labels why a decision came out the way it did.
// Every Deny receipt carries exactly one.
type ReasonCode string

const (
	ReasonNone ReasonCode = ""

	// verification
	ReasonBadSignature        ReasonCode = "BadSignature"
	ReasonScopeInsufficient   ReasonCode = "ScopeInsufficient"
	ReasonExpired             ReasonCode = "Expired"
	ReasonReplayDetected      ReasonCode = "ReplayDetected"
	ReasonRevoked             ReasonCode = "Revoked"
	ReasonIdentityUnavailable ReasonCode = "IdentityUnavailable"

	// policy
	ReasonForbiddenAction     ReasonCode = "ForbiddenAction"
	ReasonMagnitudeExceeded   ReasonCode = "MagnitudeExceeded"
	ReasonRateLimited         ReasonCode = "RateLimited"
	ReasonQuietHoursBlocked   ReasonCode = "QuietHoursBlocked"
	ReasonSpendingCapExceeded ReasonCode = "SpendingCapExceeded"

	// settlement
	ReasonLockExpired                  ReasonCode = "LockExpired"
	ReasonAlreadySettled               ReasonCode = "AlreadySettled"
	ReasonInsufficientEscrow           ReasonCode = "InsufficientEscrow"
	ReasonUnreachableSettlementBackend ReasonCode = "UnreachableSettlementBackend"

	// confirmation
	ReasonOperatorDenied      ReasonCode = "OperatorDenied"
	ReasonConfirmationExpired ReasonCode = "ConfirmationExpired"

	ReasonInternal ReasonCode = "Internal"
)

// Step names the stage of the decision pipeline that produced an outcome.
type Step string

const (
	StepVerify       Step = "verify"
	StepRules        Step = "rules"
	StepForbidden    Step = "forbidden"
	StepMagnitude    Step = "magnitude"
	StepRateLimit    Step = "rate_limit"
	StepQuietHours   Step = "quiet_hours"
	StepSpending     Step = "spending"
	StepPayment      Step = "payment"
	StepConfirmation Step = "confirmation"
	StepSettlement   Step = "settlement"
	StepOperator     Step = "operator"
	StepExpiry       Step = "expiry"
)

// PaymentProof references the escrow lock paying for a command.
// Proof is the condition-specific witness (hex preimage or signature).
type PaymentProof struct {
	LockID string `json:"lock_id"`
	Proof  string `json:"proof,omitempty"`
}

// Command is one inbound management request. It is built by the transport,
// consumed once and never mutated.
type Command struct {
	SchemaType   string         `json:"schema_type"`
	Payload      map[string]any `json:"payload"`
	Issuer       string         `json:"issuer"`
	Credential   string         `json:"credential,omitempty"`
	PaymentProof *PaymentProof  `json:"payment_proof,omitempty"`
	Signature    string         `json:"signature"`
	Nonce        uint64         `json:"nonce"`
	Timestamp    int64          `json:"timestamp"`
}

// Target is the policy-relevant view of a command's payload.
type Target struct {
	Action       string
	Category     string
	PeerID       string
	ChannelID    string
	FeeChangePct float64
	HasFeeChange bool
	AmountSats   int64
	// AmountInvalid is set when amount_sats is present but is not a
	// non-negative whole number that fits in int64.
	AmountInvalid bool
}

// Category returns the schema family: "hive:fee-policy/v1" -> "fee-policy".
func Category(schemaType string) string {
	s := schemaType
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	return s
}

// Target extracts the fields the policy engine reasons about.
// Missing or mistyped fields are left at their zero value.
func (c *Command) Target() Target {
	t := Target{Category: Category(c.SchemaType)}
	t.Action = t.Category
	if c.Payload == nil {
		return t
	}
	if a, ok := c.Payload["action"].(string); ok && a != "" {
		t.Action = a
	}
	if p, ok := c.Payload["peer_id"].(string); ok {
		t.PeerID = p
	}
	if ch, ok := c.Payload["channel_id"].(string); ok {
		t.ChannelID = ch
	}
	if v, ok := c.Payload["fee_change_pct"]; ok {
		if f, ok := toFloat(v); ok {
			t.FeeChangePct = math.Abs(f)
			t.HasFeeChange = true
		}
	}
	if v, ok := c.Payload["amount_sats"]; ok && v != nil {
		f, ok := toFloat(v)
		switch {
		case !ok, f < 0, f != math.Trunc(f), f >= math.MaxInt64:
			t.AmountInvalid = true
		default:
			t.AmountSats = int64(f)
		}
	}
	return t
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// SigningBytes returns the canonical bytes an issuer signs: every field
// except the signature itself.
func (c *Command) SigningBytes() ([]byte, error) {
	body := map[string]any{
		"schema_type": c.SchemaType,
		"payload":     c.Payload,
		"issuer":      c.Issuer,
		"credential":  c.Credential,
		"nonce":       c.Nonce,
		"timestamp":   c.Timestamp,
	}
	if c.PaymentProof != nil {
		body["payment_proof"] = map[string]any{
			"lock_id": c.PaymentProof.LockID,
			"proof":   c.PaymentProof.Proof,
		}
	}
	return canon.Marshal(body)
}

// Digest returns the command digest stamped on receipts and confirmations.
func (c *Command) Digest() (string, error) {
	b, err := c.SigningBytes()
	if err != nil {
		return "", err
	}
	return canon.Digest(b), nil
}

// MessageSigner produces a hex signature over a message.
type MessageSigner interface {
	Sign(msg []byte) (string, error)
}

// Sign fills in the command's signature.
func (c *Command) Sign(s MessageSigner) error {
	b, err := c.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := s.Sign(b)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// Authorization is the verdict of credential verification. It lives for one
// decision and is folded into the receipt, never persisted on its own.
type Authorization struct {
	Issuer      string
	Scopes      []string
	Constraints map[string]int64
	Expiry      time.Time
	Mode        string
}

// Constraint returns the issuer-specific bound for name, if any.
func (a *Authorization) Constraint(name string) (int64, bool) {
	if a == nil || a.Constraints == nil {
		return 0, false
	}
	v, ok := a.Constraints[name]
	return v, ok
}
