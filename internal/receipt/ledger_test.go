package receipt

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/model"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testSigner(t *testing.T) *canon.KeySigner {
	t.Helper()
	s, err := canon.SignerFromSeedHex(strings.Repeat("11", 32))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l, err := Open(context.Background(), Options{
		Store:  store,
		Signer: testSigner(t),
		Now:    func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return l, store
}

func testReceipt(issuer string, decision model.Verdict) Receipt {
	return Receipt{
		Issuer:          issuer,
		SchemaType:      "hive:fee-policy/v1",
		CommandDigest:   canon.Digest([]byte(issuer)),
		Decision:        decision,
		Danger:          3,
		PolicyHash:      "sha256:pol",
		StateHashBefore: "sha256:before",
		StateHashAfter:  "sha256:after",
	}
}

func appendN(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), testReceipt(fmt.Sprintf("agent-%d", i%3), model.Allow)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestAppendLinksChain(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	r1, err := l.Append(ctx, testReceipt("agent-1", model.Allow))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := l.Append(ctx, testReceipt("agent-1", model.Deny))
	if err != nil {
		t.Fatal(err)
	}
	if r1.ID != 1 || r2.ID != 2 {
		t.Fatalf("expected ids 1,2, got %d,%d", r1.ID, r2.ID)
	}
	if r1.PrevHash != GenesisHash {
		t.Errorf("expected genesis prev hash, got %s", r1.PrevHash)
	}
	if r2.PrevHash != r1.Hash {
		t.Errorf("expected r2.prev_hash == r1.hash")
	}
	if r1.Settlement != SettlementNone {
		t.Errorf("expected default settlement none, got %s", r1.Settlement)
	}
	id, hash := l.Head()
	if id != 2 || hash != r2.Hash {
		t.Errorf("unexpected head %d %s", id, hash)
	}
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Append(ctx, testReceipt(fmt.Sprintf("agent-%d", i), model.Allow))
		}(i)
	}
	wg.Wait()

	all, _ := store.Range(ctx, 1, 0)
	if len(all) != 50 {
		t.Fatalf("expected 50 receipts, got %d", len(all))
	}
	for i, r := range all {
		if r.ID != uint64(i+1) {
			t.Fatalf("gap at %d: id %d", i, r.ID)
		}
	}
	res, err := l.VerifyChain(ctx, 0, 0, VerifyOptions{NodeKey: testSigner(t).PublicKey()})
	if err != nil || !res.Valid || res.Checked != 50 {
		t.Fatalf("expected valid chain of 50, got %+v err=%v", res, err)
	}
}

func TestFlippingAnyFieldBreaksChainAtThatReceipt(t *testing.T) {
	flips := map[string]func(*Receipt){
		"receipt_id":        func(r *Receipt) { r.ID += 100 },
		"ts":                func(r *Receipt) { r.Timestamp = r.Timestamp.Add(time.Second) },
		"issuer":            func(r *Receipt) { r.Issuer = "mallory" },
		"schema_type":       func(r *Receipt) { r.SchemaType = "hive:channel-close/v1" },
		"command_digest":    func(r *Receipt) { r.CommandDigest = "sha256:00" },
		"decision":          func(r *Receipt) { r.Decision = model.Deny },
		"reason":            func(r *Receipt) { r.Reason = model.ReasonRateLimited },
		"step":              func(r *Receipt) { r.Step = model.StepSpending },
		"resource":          func(r *Receipt) { r.Resource = "global:day" },
		"danger_score":      func(r *Receipt) { r.Danger = 9 },
		"settlement":        func(r *Receipt) { r.Settlement = SettlementSettled },
		"lock_id":           func(r *Receipt) { r.LockID = "lock-x" },
		"confirmation_id":   func(r *Receipt) { r.ConfirmationID = "cf-x" },
		"policy_hash":       func(r *Receipt) { r.PolicyHash = "sha256:other" },
		"state_hash_before": func(r *Receipt) { r.StateHashBefore = "sha256:x" },
		"state_hash_after":  func(r *Receipt) { r.StateHashAfter = "sha256:y" },
		"issuer_signature":  func(r *Receipt) { r.IssuerSignature = "ab" },
		"prev_hash":         func(r *Receipt) { r.PrevHash = GenesisHash },
		"receipt_hash":      func(r *Receipt) { r.Hash = GenesisHash },
		"node_signature":    func(r *Receipt) { r.NodeSignature = strings.Repeat("0", 128) },
	}

	for name, flip := range flips {
		t.Run(name, func(t *testing.T) {
			l, store := newTestLedger(t)
			appendN(t, l, 5)

			store.mu.Lock()
			flip(store.receipts[2])
			store.mu.Unlock()

			res, err := l.VerifyChain(context.Background(), 1, 0, VerifyOptions{NodeKey: testSigner(t).PublicKey()})
			if err != nil {
				t.Fatal(err)
			}
			if res.Valid {
				t.Fatal("expected tampered chain to be invalid")
			}
			if res.BrokenAt != 3 {
				t.Fatalf("expected break at receipt 3, got %d (%s)", res.BrokenAt, res.Error)
			}
		})
	}
}

func TestVerifyDetectsDeletedReceipt(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, 4)

	store.mu.Lock()
	store.receipts = append(store.receipts[:1], store.receipts[2:]...)
	store.mu.Unlock()

	res, _ := l.VerifyChain(context.Background(), 1, 0, VerifyOptions{})
	if res.Valid || res.BrokenAt != 2 {
		t.Fatalf("expected break at 2, got %+v", res)
	}
}

func TestVerifySubrange(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 6)

	res, err := l.VerifyChain(context.Background(), 3, 5, VerifyOptions{})
	if err != nil || !res.Valid || res.Checked != 3 {
		t.Fatalf("expected 3 valid receipts, got %+v err=%v", res, err)
	}
	if _, err := l.VerifyChain(context.Background(), 5, 3, VerifyOptions{}); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestEmptyChainIsValid(t *testing.T) {
	l, _ := newTestLedger(t)
	res, err := l.VerifyChain(context.Background(), 0, 0, VerifyOptions{})
	if err != nil || !res.Valid || res.Checked != 0 {
		t.Fatalf("expected empty chain valid, got %+v", res)
	}
}

func TestIssuerSignatureChecked(t *testing.T) {
	l, _ := newTestLedger(t)
	issuer, _ := canon.SignerFromSeedHex(strings.Repeat("22", 32))

	cmd := &model.Command{SchemaType: "hive:fee-policy/v1", Issuer: "agent-1", Nonce: 1, Timestamp: testNow.Unix()}
	if err := cmd.Sign(issuer); err != nil {
		t.Fatal(err)
	}
	body, _ := cmd.SigningBytes()
	digest, _ := cmd.Digest()

	r := testReceipt("agent-1", model.Allow)
	r.CommandBody = string(body)
	r.CommandDigest = digest
	r.IssuerSignature = cmd.Signature
	if _, err := l.Append(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	keys := func(id string) (ed25519.PublicKey, bool) {
		if id == "agent-1" {
			return issuer.PublicKey(), true
		}
		return nil, false
	}
	res, _ := l.VerifyChain(context.Background(), 1, 0, VerifyOptions{IssuerKeys: keys})
	if !res.Valid || res.IssuerUnchecked != 0 {
		t.Fatalf("expected valid issuer signature, got %+v", res)
	}

	other, _ := canon.SignerFromSeedHex(strings.Repeat("33", 32))
	wrong := func(string) (ed25519.PublicKey, bool) { return other.PublicKey(), true }
	res, _ = l.VerifyChain(context.Background(), 1, 0, VerifyOptions{IssuerKeys: wrong})
	if res.Valid || res.BrokenAt != 1 {
		t.Fatalf("expected issuer signature failure at 1, got %+v", res)
	}

	res, _ = l.VerifyChain(context.Background(), 1, 0, VerifyOptions{})
	if !res.Valid || res.IssuerUnchecked != 1 {
		t.Fatalf("expected unchecked issuer signature, got %+v", res)
	}
}

type dupStore struct{ *MemoryStore }

func (d dupStore) Append(context.Context, *Receipt) error {
	return fmt.Errorf("%w: forced", ErrDuplicateReceiptID)
}

func TestDuplicateIDHaltsLedger(t *testing.T) {
	l, err := Open(context.Background(), Options{Store: dupStore{NewMemoryStore()}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(context.Background(), testReceipt("a", model.Allow)); !errors.Is(err, ErrDuplicateReceiptID) {
		t.Fatalf("expected ErrDuplicateReceiptID, got %v", err)
	}
	if l.Halted() == nil {
		t.Fatal("expected ledger to halt")
	}
	if _, err := l.Append(context.Background(), testReceipt("a", model.Allow)); err == nil {
		t.Fatal("expected halted ledger to refuse appends")
	}
}

func TestDivergedTailHaltsLedger(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, 2)

	// A foreign writer appends behind the ledger's back.
	store.Append(context.Background(), &Receipt{ID: 3, Hash: "sha256:forged"})

	_, err := l.Append(context.Background(), testReceipt("a", model.Allow))
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if !errors.Is(l.Halted(), ErrChainBroken) {
		t.Fatal("expected ledger halted with ErrChainBroken")
	}
}

func TestOpenDetectsTamperedTail(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, 2)
	store.mu.Lock()
	store.receipts[1].Decision = model.Deny
	store.mu.Unlock()

	reopened, err := Open(context.Background(), Options{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(reopened.Halted(), ErrChainBroken) {
		t.Fatalf("expected reopened ledger halted, got %v", reopened.Halted())
	}
}

func TestReopenContinuesChain(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, 3)

	again, err := Open(context.Background(), Options{Store: store, Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatal(err)
	}
	r, err := again.Append(context.Background(), testReceipt("a", model.Deny))
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != 4 {
		t.Fatalf("expected id 4, got %d", r.ID)
	}
	res, _ := again.VerifyChain(context.Background(), 0, 0, VerifyOptions{})
	if !res.Valid || res.Checked != 4 {
		t.Fatalf("expected 4 valid receipts, got %+v", res)
	}
}

func TestQueryFilters(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		r := testReceipt(fmt.Sprintf("agent-%d", i%2), model.Allow)
		r.Timestamp = testNow.Add(time.Duration(i) * time.Hour)
		if i == 5 {
			r.Decision = model.Deny
		}
		l.Append(ctx, r)
	}

	got, _ := l.Query(ctx, Query{Issuer: "agent-1"})
	if len(got) != 3 {
		t.Errorf("expected 3 receipts for agent-1, got %d", len(got))
	}
	got, _ = l.Query(ctx, Query{From: testNow.Add(2 * time.Hour), To: testNow.Add(4 * time.Hour)})
	if len(got) != 2 {
		t.Errorf("expected 2 receipts in window, got %d", len(got))
	}
	got, _ = l.Query(ctx, Query{Decision: model.Deny})
	if len(got) != 1 || got[0].ID != 6 {
		t.Errorf("expected receipt 6 as the only deny, got %+v", got)
	}
	got, _ = l.Query(ctx, Query{Limit: 2})
	if len(got) != 2 {
		t.Errorf("expected limit 2, got %d", len(got))
	}
}
