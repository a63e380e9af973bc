package escrow

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/hivegate/internal/canon"
)

// Condition is the release condition of a lock. The set of variants is
// closed: HashLock, PubKeyLock and TimeLock.
type Condition interface {
	Kind() string
	condition()
}

// HashLock releases on a preimage whose sha256 equals Hash (hex).
type HashLock struct {
	Hash string
}

// PubKeyLock releases on an ed25519 signature by PubKey (hex) over
// ClaimMessage(lock_id).
type PubKeyLock struct {
	PubKey string
}

// TimeLock is claimable before Deadline and refundable after it.
type TimeLock struct {
	Deadline time.Time
}

const (
	KindHash   = "htlc"
	KindPubKey = "p2pk"
	KindTime   = "timelock"
)

func (HashLock) Kind() string   { return KindHash }
func (PubKeyLock) Kind() string { return KindPubKey }
func (TimeLock) Kind() string   { return KindTime }

func (HashLock) condition()   {}
func (PubKeyLock) condition() {}
func (TimeLock) condition()   {}

// ClaimMessage is what a PubKeyLock holder signs to claim.
func ClaimMessage(lockID string) []byte {
	return []byte("hivegate-escrow-claim:" + lockID)
}

// Validate checks the condition is well formed.
func Validate(c Condition) error {
	switch c := c.(type) {
	case HashLock:
		raw, err := hex.DecodeString(c.Hash)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("%w: hash must be 32 hex bytes", ErrInvalidCondition)
		}
	case PubKeyLock:
		if _, err := canon.ParsePublicKey(c.PubKey); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
	case TimeLock:
		if c.Deadline.IsZero() {
			return fmt.Errorf("%w: timelock needs a deadline", ErrInvalidCondition)
		}
	default:
		return fmt.Errorf("%w: %T", ErrInvalidCondition, c)
	}
	return nil
}

// checkProof dispatches claim verification by variant.
func checkProof(c Condition, lockID, proof string) error {
	switch c := c.(type) {
	case HashLock:
		preimage, err := hex.DecodeString(strings.TrimSpace(proof))
		if err != nil {
			return fmt.Errorf("%w: preimage is not hex", ErrInvalidProof)
		}
		want, _ := hex.DecodeString(c.Hash)
		if !bytes.Equal(canon.DigestBytes(preimage), want) {
			return fmt.Errorf("%w: preimage does not match hash", ErrInvalidProof)
		}
	case PubKeyLock:
		pub, err := canon.ParsePublicKey(c.PubKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		ok, err := canon.Verify(pub, ClaimMessage(lockID), proof)
		if err != nil || !ok {
			return fmt.Errorf("%w: signature does not verify", ErrInvalidProof)
		}
	case TimeLock:
	default:
		return fmt.Errorf("%w: %T", ErrInvalidCondition, c)
	}
	return nil
}

// EncodeCondition flattens a condition for storage.
func EncodeCondition(c Condition) (kind, value string) {
	switch c := c.(type) {
	case HashLock:
		return KindHash, c.Hash
	case PubKeyLock:
		return KindPubKey, c.PubKey
	case TimeLock:
		return KindTime, c.Deadline.UTC().Format(time.RFC3339Nano)
	}
	return "", ""
}

// DecodeCondition is the inverse of EncodeCondition.
func DecodeCondition(kind, value string) (Condition, error) {
	switch kind {
	case KindHash:
		return HashLock{Hash: value}, nil
	case KindPubKey:
		return PubKeyLock{PubKey: value}, nil
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		return TimeLock{Deadline: t}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCondition, kind)
}
