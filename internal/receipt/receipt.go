// Package receipt implements the append-only, hash-chained record of every
// authorization decision and its settlement outcome.
package receipt

import (
	"errors"
	"time"

	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/model"
)

// GenesisHash is the prev_hash of the first receipt.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrChainBroken        = errors.New("receipt chain broken")
	ErrDuplicateReceiptID = errors.New("duplicate receipt id")
	ErrNotFound           = errors.New("receipt not found")
)

// Settlement records what happened to the payment behind a decision.
type Settlement string

const (
	SettlementNone      Settlement = "none"
	SettlementSettled   Settlement = "settled"
	SettlementUnsettled Settlement = "unsettled"
	SettlementRefunded  Settlement = "refunded"
)

// Receipt is one immutable decision record. ID, PrevHash, Hash and
// NodeSignature are assigned by the Ledger on append.
type Receipt struct {
	ID              uint64           `json:"receipt_id"`
	Timestamp       time.Time        `json:"ts"`
	Issuer          string           `json:"issuer"`
	SchemaType      string           `json:"schema_type"`
	CommandDigest   string           `json:"command_digest"`
	CommandBody     string           `json:"command_body,omitempty"`
	Decision        model.Verdict    `json:"decision"`
	Reason          model.ReasonCode `json:"reason,omitempty"`
	Step            model.Step       `json:"step,omitempty"`
	Resource        string           `json:"resource,omitempty"`
	Danger          int              `json:"danger_score"`
	Settlement      Settlement       `json:"settlement"`
	LockID          string           `json:"lock_id,omitempty"`
	ConfirmationID  string           `json:"confirmation_id,omitempty"`
	PolicyHash      string           `json:"policy_hash"`
	StateHashBefore string           `json:"state_hash_before"`
	StateHashAfter  string           `json:"state_hash_after"`
	IssuerSignature string           `json:"issuer_signature,omitempty"`
	PrevHash        string           `json:"prev_hash"`
	Hash            string           `json:"receipt_hash"`
	NodeSignature   string           `json:"node_signature,omitempty"`
}

// TimeFormat is how receipt timestamps are serialized for hashing and storage.
const TimeFormat = time.RFC3339Nano

// fields returns every hashed field. PrevHash is hashed as the chain prefix,
// and the hash and node signature are outputs.
func (r *Receipt) fields() map[string]any {
	return map[string]any{
		"receipt_id":        r.ID,
		"ts":                r.Timestamp.UTC().Format(TimeFormat),
		"issuer":            r.Issuer,
		"schema_type":       r.SchemaType,
		"command_digest":    r.CommandDigest,
		"command_body":      r.CommandBody,
		"decision":          string(r.Decision),
		"reason":            string(r.Reason),
		"step":              string(r.Step),
		"resource":          r.Resource,
		"danger_score":      r.Danger,
		"settlement":        string(r.Settlement),
		"lock_id":           r.LockID,
		"confirmation_id":   r.ConfirmationID,
		"policy_hash":       r.PolicyHash,
		"state_hash_before": r.StateHashBefore,
		"state_hash_after":  r.StateHashAfter,
		"issuer_signature":  r.IssuerSignature,
	}
}

// ComputeHash returns sha256(prev_hash || canonical(fields)).
func ComputeHash(r *Receipt) (string, error) {
	body, err := canon.Marshal(r.fields())
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(r.PrevHash)+len(body))
	buf = append(buf, r.PrevHash...)
	buf = append(buf, body...)
	return canon.Digest(buf), nil
}

// Query filters receipts for export. Zero values match everything.
type Query struct {
	Issuer   string
	Decision model.Verdict
	From     time.Time
	To       time.Time
	Limit    int
}

// Match reports whether r satisfies the filter, ignoring Limit.
func (q Query) Match(r *Receipt) bool {
	if q.Issuer != "" && r.Issuer != q.Issuer {
		return false
	}
	if q.Decision != "" && r.Decision != q.Decision {
		return false
	}
	if !q.From.IsZero() && r.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !r.Timestamp.Before(q.To) {
		return false
	}
	return true
}

// Batch is a sealed merkle root over a contiguous run of receipts.
type Batch struct {
	Seq           uint64    `json:"seq"`
	FromID        uint64    `json:"from_id"`
	ToID          uint64    `json:"to_id"`
	Root          string    `json:"merkle_root"`
	SealedAt      time.Time `json:"sealed_at"`
	NodeSignature string    `json:"node_signature,omitempty"`
}
