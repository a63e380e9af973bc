package receipt

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/metrics"
	"github.com/ppiankov/hivegate/internal/model"
)

// Options configures a Ledger.
type Options struct {
	Store   Store
	Signer  model.MessageSigner
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Ledger is the single writer for a receipt chain. Appends are serialized;
// once a chain break or duplicate ID is seen, every further append fails
// until the process is restarted on a repaired store.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	signer  model.MessageSigner
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Recorder

	tailID   uint64
	tailHash string
	halted   error
}

// Open loads the chain tail from the store and checks that the tail receipt
// still hashes to its stored value.
func Open(ctx context.Context, opts Options) (*Ledger, error) {
	l := &Ledger{
		store:    opts.Store,
		signer:   opts.Signer,
		now:      opts.Now,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		tailHash: GenesisHash,
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}

	last, err := l.store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("receipt: load tail: %w", err)
	}
	if last != nil {
		h, err := ComputeHash(last)
		if err != nil || h != last.Hash {
			l.halt(fmt.Errorf("%w: tail receipt %d does not match its hash", ErrChainBroken, last.ID))
		}
		l.tailID = last.ID
		l.tailHash = last.Hash
	}
	return l, nil
}

func (l *Ledger) halt(err error) {
	if l.halted == nil {
		l.halted = err
		l.log.Error("receipt ledger halted", zap.Error(err))
	}
}

// Halted returns the error that stopped the ledger, if any.
func (l *Ledger) Halted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Head returns the ID and hash of the last appended receipt. An empty
// ledger reports 0 and GenesisHash.
func (l *Ledger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailID, l.tailHash
}

// Append assigns the next ID, links r to the tail, hashes, signs and stores
// it. The returned receipt is the stored record.
func (l *Ledger) Append(ctx context.Context, r Receipt) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return nil, l.halted
	}

	last, err := l.store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("receipt: load tail: %w", err)
	}
	switch {
	case last == nil && l.tailID != 0,
		last != nil && (last.ID != l.tailID || last.Hash != l.tailHash):
		l.halt(fmt.Errorf("%w: stored tail diverged from ledger head %d", ErrChainBroken, l.tailID))
		return nil, l.halted
	}

	if r.Timestamp.IsZero() {
		r.Timestamp = l.now()
	}
	r.Timestamp = r.Timestamp.UTC()
	if r.Settlement == "" {
		r.Settlement = SettlementNone
	}
	r.ID = l.tailID + 1
	r.PrevHash = l.tailHash
	r.Hash, err = ComputeHash(&r)
	if err != nil {
		return nil, fmt.Errorf("receipt: hash: %w", err)
	}
	r.NodeSignature = ""
	if l.signer != nil {
		raw, _ := canon.DecodeDigest(r.Hash)
		if r.NodeSignature, err = l.signer.Sign(raw); err != nil {
			return nil, fmt.Errorf("receipt: sign: %w", err)
		}
	}

	if err := l.store.Append(ctx, &r); err != nil {
		if errors.Is(err, ErrDuplicateReceiptID) {
			l.halt(err)
		}
		return nil, fmt.Errorf("receipt: append %d: %w", r.ID, err)
	}
	l.tailID = r.ID
	l.tailHash = r.Hash
	l.metrics.ObserveReceipt()
	return &r, nil
}

// Query returns receipts matching q.
func (l *Ledger) Query(ctx context.Context, q Query) ([]*Receipt, error) {
	return l.store.Query(ctx, q)
}

// VerifyOptions supplies the keys used to check signatures. Nil keys skip
// the corresponding check.
type VerifyOptions struct {
	NodeKey    ed25519.PublicKey
	IssuerKeys func(issuer string) (ed25519.PublicKey, bool)
}

// VerifyResult holds the outcome of a chain verification.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Checked int    `json:"checked"`
	Error   string `json:"error,omitempty"`
	// BrokenAt is the ID of the first receipt that failed.
	BrokenAt uint64 `json:"broken_at,omitempty"`
	// IssuerUnchecked counts issuer signatures with no known key.
	IssuerUnchecked int `json:"issuer_unchecked,omitempty"`
}

// VerifyChain recomputes every receipt hash in [from, to] (to == 0 means
// the tail), checks linkage to the preceding receipt and, where present,
// both signatures.
func (l *Ledger) VerifyChain(ctx context.Context, from, to uint64, opts VerifyOptions) (VerifyResult, error) {
	if from == 0 {
		from = 1
	}
	if to != 0 && to < from {
		return VerifyResult{}, fmt.Errorf("invalid range %d..%d", from, to)
	}
	receipts, err := l.store.Range(ctx, from-1, to)
	if err != nil {
		return VerifyResult{}, err
	}
	return Verify(receipts, from, opts), nil
}

// Verify checks a run of receipts starting at id from. When from > 1 the
// first element must be receipt from-1, which anchors the linkage.
func Verify(receipts []*Receipt, from uint64, opts VerifyOptions) VerifyResult {
	prevHash := GenesisHash
	if from > 1 {
		if len(receipts) == 0 || receipts[0].ID != from-1 {
			return VerifyResult{Error: fmt.Sprintf("receipt %d missing", from-1), BrokenAt: from - 1}
		}
		prevHash = receipts[0].Hash
		receipts = receipts[1:]
	}

	res := VerifyResult{}
	expectID := from
	for _, r := range receipts {
		if r.ID != expectID {
			return broken(res, expectID, fmt.Sprintf("expected receipt %d, found %d", expectID, r.ID))
		}
		if r.PrevHash != prevHash {
			return broken(res, r.ID, fmt.Sprintf("prev_hash mismatch: expected %s, got %s", prevHash, r.PrevHash))
		}
		h, err := ComputeHash(r)
		if err != nil {
			return broken(res, r.ID, fmt.Sprintf("hash: %v", err))
		}
		if h != r.Hash {
			return broken(res, r.ID, fmt.Sprintf("hash mismatch: computed %s, stored %s", h, r.Hash))
		}
		if opts.NodeKey != nil {
			raw, _ := canon.DecodeDigest(r.Hash)
			if ok, _ := canon.Verify(opts.NodeKey, raw, r.NodeSignature); !ok {
				return broken(res, r.ID, "node signature invalid")
			}
		}
		if r.IssuerSignature != "" {
			if msg := issuerMessage(r); msg == nil {
				return broken(res, r.ID, "command body does not match command digest")
			} else if key, ok := lookup(opts.IssuerKeys, r.Issuer); !ok {
				res.IssuerUnchecked++
			} else if valid, _ := canon.Verify(key, msg, r.IssuerSignature); !valid {
				return broken(res, r.ID, "issuer signature invalid")
			}
		}
		prevHash = r.Hash
		expectID++
		res.Checked++
	}
	res.Valid = true
	return res
}

func broken(res VerifyResult, id uint64, msg string) VerifyResult {
	res.Valid = false
	res.BrokenAt = id
	res.Error = msg
	return res
}

func lookup(fn func(string) (ed25519.PublicKey, bool), issuer string) (ed25519.PublicKey, bool) {
	if fn == nil {
		return nil, false
	}
	return fn(issuer)
}

// issuerMessage returns the signed command bytes, or nil if the stored body
// does not hash to the command digest.
func issuerMessage(r *Receipt) []byte {
	body := []byte(r.CommandBody)
	if r.CommandBody == "" || canon.Digest(body) != r.CommandDigest {
		return nil
	}
	return body
}

// MerkleRoot computes the root over receipts with from <= ts < to.
func (l *Ledger) MerkleRoot(ctx context.Context, from, to time.Time) (string, int, error) {
	receipts, err := l.store.Query(ctx, Query{From: from, To: to})
	if err != nil {
		return "", 0, err
	}
	root, err := MerkleRoot(receipts)
	if err != nil {
		return "", 0, err
	}
	return root, len(receipts), nil
}

// Proof returns the inclusion proof of receipt id within its sealed batch.
func (l *Ledger) Proof(ctx context.Context, id uint64) (*Proof, *Batch, error) {
	batches, err := l.store.Batches(ctx, 0)
	if err != nil {
		return nil, nil, err
	}
	for _, b := range batches {
		if id < b.FromID || id > b.ToID {
			continue
		}
		receipts, err := l.store.Range(ctx, b.FromID, b.ToID)
		if err != nil {
			return nil, nil, err
		}
		p, err := BuildProof(receipts, int(id-b.FromID))
		if err != nil {
			return nil, nil, err
		}
		return p, b, nil
	}
	return nil, nil, fmt.Errorf("%w: %d is not in a sealed batch", ErrNotFound, id)
}

// SealBatch stores a merkle root over every receipt appended since the
// previous batch. It returns nil when there is nothing new to seal.
func (l *Ledger) SealBatch(ctx context.Context) (*Batch, error) {
	l.mu.Lock()
	tail := l.tailID
	l.mu.Unlock()

	prev, err := l.store.LastBatch(ctx)
	if err != nil {
		return nil, err
	}
	b := &Batch{Seq: 1, FromID: 1}
	if prev != nil {
		b.Seq = prev.Seq + 1
		b.FromID = prev.ToID + 1
	}
	if tail < b.FromID {
		return nil, nil
	}
	b.ToID = tail

	receipts, err := l.store.Range(ctx, b.FromID, b.ToID)
	if err != nil {
		return nil, err
	}
	if uint64(len(receipts)) != b.ToID-b.FromID+1 {
		return nil, fmt.Errorf("%w: batch %d..%d has %d receipts", ErrChainBroken, b.FromID, b.ToID, len(receipts))
	}
	if b.Root, err = MerkleRoot(receipts); err != nil {
		return nil, err
	}
	b.SealedAt = l.now().UTC()
	if l.signer != nil {
		raw, _ := canon.DecodeDigest(b.Root)
		if b.NodeSignature, err = l.signer.Sign(raw); err != nil {
			return nil, err
		}
	}
	if err := l.store.SaveBatch(ctx, b); err != nil {
		return nil, err
	}
	l.log.Info("receipt batch sealed",
		zap.Uint64("seq", b.Seq),
		zap.Uint64("from_id", b.FromID),
		zap.Uint64("to_id", b.ToID),
		zap.String("root", b.Root))
	return b, nil
}

// Batches returns the most recent sealed batches.
func (l *Ledger) Batches(ctx context.Context, limit int) ([]*Batch, error) {
	return l.store.Batches(ctx, limit)
}
