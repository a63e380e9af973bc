package receipt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ppiankov/hivegate/internal/canon"
)

const (
	leafTag byte = 0x00
	nodeTag byte = 0x01
)

func leafHash(receiptHash []byte) [32]byte {
	buf := make([]byte, 0, 1+len(receiptHash))
	buf = append(buf, leafTag)
	buf = append(buf, receiptHash...)
	return sha256.Sum256(buf)
}

func nodeHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 1+64)
	buf = append(buf, nodeTag)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

func leaves(receipts []*Receipt) ([][32]byte, error) {
	out := make([][32]byte, len(receipts))
	for i, r := range receipts {
		raw, err := canon.DecodeDigest(r.Hash)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("receipt %d: malformed hash %q", r.ID, r.Hash)
		}
		out[i] = leafHash(raw)
	}
	return out, nil
}

// nextLevel pairs nodes; a trailing odd node is hashed with zeros.
func nextLevel(level [][32]byte) [][32]byte {
	n := len(level)
	next := make([][32]byte, (n+1)/2)
	for i := 0; i < n; i += 2 {
		if i+1 < n {
			next[i/2] = nodeHash(level[i], level[i+1])
		} else {
			next[i/2] = nodeHash(level[i], [32]byte{})
		}
	}
	return next
}

func encodeRoot(h [32]byte) string {
	return canon.Prefix + hex.EncodeToString(h[:])
}

// MerkleRoot computes the root over receipt hashes in the given order.
// An empty set has root sha256("").
func MerkleRoot(receipts []*Receipt) (string, error) {
	if len(receipts) == 0 {
		return encodeRoot(sha256.Sum256(nil)), nil
	}
	level, err := leaves(receipts)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return encodeRoot(level[0]), nil
}

// Proof shows that one receipt is included under a merkle root.
type Proof struct {
	ReceiptID   uint64   `json:"receipt_id"`
	ReceiptHash string   `json:"receipt_hash"`
	Siblings    []string `json:"siblings"`
	// Left[i] is true when Siblings[i] sits to the left of the path.
	Left []bool `json:"left"`
	Root string `json:"merkle_root"`
}

// BuildProof returns the inclusion proof for receipts[idx].
func BuildProof(receipts []*Receipt, idx int) (*Proof, error) {
	if idx < 0 || idx >= len(receipts) {
		return nil, fmt.Errorf("proof index %d out of range", idx)
	}
	level, err := leaves(receipts)
	if err != nil {
		return nil, err
	}
	p := &Proof{ReceiptID: receipts[idx].ID, ReceiptHash: receipts[idx].Hash}
	pos := idx
	for len(level) > 1 {
		var sib [32]byte
		left := pos%2 == 1
		if left {
			sib = level[pos-1]
		} else if pos+1 < len(level) {
			sib = level[pos+1]
		}
		p.Siblings = append(p.Siblings, hex.EncodeToString(sib[:]))
		p.Left = append(p.Left, left)
		level = nextLevel(level)
		pos /= 2
	}
	p.Root = encodeRoot(level[0])
	return p, nil
}

// VerifyProof recomputes the root from a proof.
func VerifyProof(p *Proof) bool {
	if p == nil || len(p.Siblings) != len(p.Left) {
		return false
	}
	raw, err := canon.DecodeDigest(p.ReceiptHash)
	if err != nil || len(raw) != sha256.Size {
		return false
	}
	h := leafHash(raw)
	for i, s := range p.Siblings {
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != 32 {
			return false
		}
		var sib [32]byte
		copy(sib[:], b)
		if p.Left[i] {
			h = nodeHash(sib, h)
		} else {
			h = nodeHash(h, sib)
		}
	}
	want, err := canon.DecodeDigest(p.Root)
	if err != nil {
		return false
	}
	return bytes.Equal(h[:], want)
}
