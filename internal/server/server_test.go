package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/credential"
	"github.com/ppiankov/hivegate/internal/escrow"
	"github.com/ppiankov/hivegate/internal/gateway"
	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/policy"
	"github.com/ppiankov/hivegate/internal/receipt"
	"github.com/ppiankov/hivegate/internal/rpc"
)

func signer(t *testing.T, b byte) *canon.KeySigner {
	t.Helper()
	s, err := canon.SignerFromSeedHex(strings.Repeat(hex.EncodeToString([]byte{b}), 32))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type harness struct {
	client   *rpc.GatewayClient
	srv      *Server
	gw       *gateway.Gateway
	issuer   *canon.KeySigner
	operator *canon.KeySigner
	nonce    uint64
}

// newHarness serves a fresh gateway over an in-memory listener.
func newHarness(t *testing.T, policyPath string) *harness {
	t.Helper()
	return newHarnessWithEscrow(t, policyPath, nil)
}

func newHarnessWithEscrow(t *testing.T, policyPath string, locks escrow.Store) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{issuer: signer(t, 0x11), operator: signer(t, 0x22)}
	node := signer(t, 0x33)

	verifier := credential.NewVerifier(credential.Options{
		Grants: credential.NewGrantTable([]credential.Grant{{
			Issuer:    "advisor-1",
			PublicKey: hex.EncodeToString(h.issuer.PublicKey()),
			Scopes:    []string{"*"},
		}}),
	})
	ledger := escrow.NewLedger(escrow.Options{Store: locks})
	engine, err := policy.NewEngine(policy.DefaultDocument(), "sha256:test", policy.Options{Payments: ledger})
	if err != nil {
		t.Fatal(err)
	}
	confirmations, err := confirm.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	operators, err := confirm.NewAuthenticator([]confirm.Operator{{
		ID:        "op-1",
		PublicKey: hex.EncodeToString(h.operator.PublicKey()),
	}})
	if err != nil {
		t.Fatal(err)
	}
	receipts, err := receipt.Open(ctx, receipt.Options{Signer: node})
	if err != nil {
		t.Fatal(err)
	}
	h.gw, err = gateway.New(gateway.Options{
		Verifier:      verifier,
		Engine:        engine,
		Escrow:        ledger,
		Confirmations: confirmations,
		Operators:     operators,
		Timeouts:      confirm.DefaultTimeouts(),
		Receipts:      receipts,
		NodeKey:       node.PublicKey(),
	})
	if err != nil {
		t.Fatal(err)
	}

	h.srv = New(h.gw, Config{PolicyPath: policyPath}, nil, nil)
	lis := bufconn.Listen(1 << 20)
	go h.srv.ServeOn(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		h.srv.GracefulStop()
	})
	h.client = rpc.NewGatewayClient(conn)
	return h
}

func (h *harness) command(t *testing.T, schemaType string, payload map[string]any) *rpc.SubmitRequest {
	t.Helper()
	h.nonce++
	cmd := model.Command{
		SchemaType: schemaType,
		Payload:    payload,
		Issuer:     "advisor-1",
		Nonce:      h.nonce,
		Timestamp:  time.Now().Unix(),
	}
	if err := cmd.Sign(h.issuer); err != nil {
		t.Fatal(err)
	}
	return &rpc.SubmitRequest{Command: cmd}
}

func (h *harness) resolve(t *testing.T, id string, approve bool) *rpc.ResolveRequest {
	t.Helper()
	r := confirm.Resolution{ConfirmationID: id, Approve: approve, OperatorID: "op-1"}
	if err := r.Sign(h.operator); err != nil {
		t.Fatal(err)
	}
	return &rpc.ResolveRequest{ConfirmationID: id, Approve: approve, OperatorID: "op-1", Signature: r.Signature}
}

func TestSubmitAllow(t *testing.T) {
	h := newHarness(t, "")
	res, err := h.client.Submit(context.Background(), h.command(t, "hive:fee-policy/v1",
		map[string]any{"channel_id": "800x1x0", "fee_change_pct": 5.0}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Verdict != model.Allow || res.ReceiptID != 1 || res.Danger != 3 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSubmitDenyIsNotAnError(t *testing.T) {
	h := newHarness(t, "")
	res, err := h.client.Submit(context.Background(), h.command(t, "hive:fee-policy/v1",
		map[string]any{"fee_change_pct": 80.0}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Verdict != model.Deny || res.Reason != model.ReasonMagnitudeExceeded || res.Message == "" {
		t.Errorf("unexpected result %+v", res)
	}
}

// brokenLockStore accepts new locks but cannot settle them.
type brokenLockStore struct {
	*escrow.MemoryStore
}

func (s brokenLockStore) Update(context.Context, escrow.Lock) error {
	return errors.New("escrow backend unreachable")
}

func TestSubmitUnsettledIsAborted(t *testing.T) {
	h := newHarnessWithEscrow(t, "", brokenLockStore{escrow.NewMemoryStore()})
	ctx := context.Background()

	sum := sha256.Sum256([]byte("secret"))
	lock, err := h.gw.Escrow().OpenLock(ctx, escrow.LockRequest{
		Issuer:     "advisor-1",
		AmountMsat: 5000,
		Condition:  escrow.HashLock{Hash: hex.EncodeToString(sum[:])},
		Deadline:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("open lock: %v", err)
	}
	req := h.command(t, "hive:fee-policy/v1", map[string]any{"channel_id": "800x1x0", "fee_change_pct": 5.0})
	req.Command.PaymentProof = &model.PaymentProof{LockID: lock.ID, Proof: hex.EncodeToString([]byte("secret"))}
	if err := req.Command.Sign(h.issuer); err != nil {
		t.Fatal(err)
	}

	_, err = h.client.Submit(ctx, req)
	if status.Code(err) != codes.Aborted {
		t.Fatalf("expected Aborted, got %v", err)
	}
	if !strings.Contains(status.Convert(err).Message(), "receipt 1") {
		t.Errorf("error should name the receipt, got %q", status.Convert(err).Message())
	}
	got, err := h.gw.Receipts().Query(ctx, receipt.Query{})
	if err != nil || len(got) != 1 {
		t.Fatalf("query: %v (%d receipts)", err, len(got))
	}
	if r := got[0]; r.Decision != model.Allow || r.Settlement != receipt.SettlementUnsettled {
		t.Errorf("expected unsettled allow receipt, got %s/%s", r.Decision, r.Settlement)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("receipt 4: %w", gateway.ErrUnsettled), codes.Aborted},
		{gateway.ErrInFlight, codes.Aborted},
		{confirm.ErrAlreadyResolved, codes.FailedPrecondition},
		{confirm.ErrUnauthorized, codes.PermissionDenied},
		{receipt.ErrChainBroken, codes.DataLoss},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestPendingListAndReject(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	res, err := h.client.Submit(ctx, h.command(t, "hive:channel-close/v1", map[string]any{"channel_id": "800x1x0"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != model.Pending {
		t.Fatalf("expected pending, got %+v", res)
	}

	list, err := h.client.ListPending(ctx, &rpc.ListPendingRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Confirmations) != 1 || list.Confirmations[0].ID != res.ConfirmationID {
		t.Fatalf("expected the pending confirmation, got %+v", list.Confirmations)
	}
	if list.Confirmations[0].Command.SchemaType != "hive:channel-close/v1" {
		t.Errorf("confirmation should carry the command")
	}

	out, err := h.client.Resolve(ctx, h.resolve(t, res.ConfirmationID, false))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Reason != model.ReasonOperatorDenied {
		t.Errorf("expected OperatorDenied, got %+v", out)
	}

	_, err = h.client.Resolve(ctx, h.resolve(t, res.ConfirmationID, true))
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition, got %v", err)
	}
	list, _ = h.client.ListPending(ctx, &rpc.ListPendingRequest{})
	if len(list.Confirmations) != 0 {
		t.Errorf("nothing should be pending, got %d", len(list.Confirmations))
	}
}

func TestResolveErrors(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	res, err := h.client.Submit(ctx, h.command(t, "hive:channel-close/v1", map[string]any{"channel_id": "800x1x0"}))
	if err != nil {
		t.Fatal(err)
	}

	forged := h.resolve(t, res.ConfirmationID, true)
	forged.OperatorID = "op-2"
	if _, err := h.client.Resolve(ctx, forged); status.Code(err) != codes.PermissionDenied {
		t.Errorf("expected PermissionDenied, got %v", err)
	}
	if _, err := h.client.Resolve(ctx, h.resolve(t, "cf-missing", true)); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := h.client.Resolve(ctx, &rpc.ResolveRequest{}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestReceiptsAndVerify(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := h.client.Submit(ctx, h.command(t, "hive:fee-policy/v1", map[string]any{"fee_change_pct": 5.0})); err != nil {
			t.Fatal(err)
		}
	}

	got, err := h.client.Receipts(ctx, &rpc.ReceiptsRequest{Issuer: "advisor-1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Receipts) != 2 || got.Receipts[0].ID != 1 {
		t.Fatalf("expected first two receipts, got %+v", got.Receipts)
	}
	if got.Receipts[1].PrevHash != got.Receipts[0].Hash {
		t.Error("exported receipts should be linked")
	}

	v, err := h.client.VerifyChain(ctx, &rpc.VerifyChainRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid || v.Checked != 3 || v.HeadID != 3 || v.Halted != "" {
		t.Errorf("unexpected verify result %+v", v)
	}
	if _, err := h.client.VerifyChain(ctx, &rpc.VerifyChainRequest{From: 3, To: 2}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for reversed range, got %v", err)
	}
}

func TestMerkleRootAndProof(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := h.client.Submit(ctx, h.command(t, "hive:fee-policy/v1", map[string]any{"fee_change_pct": 5.0})); err != nil {
			t.Fatal(err)
		}
	}
	root, err := h.client.MerkleRoot(ctx, &rpc.MerkleRootRequest{From: start, To: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if root.Count != 3 || root.Root == "" {
		t.Errorf("unexpected merkle root %+v", root)
	}

	if _, err := h.client.Proof(ctx, &rpc.ProofRequest{ReceiptID: 2}); status.Code(err) != codes.NotFound {
		t.Errorf("unsealed receipt should have no proof, got %v", err)
	}
	if _, err := h.gw.Receipts().SealBatch(ctx); err != nil {
		t.Fatal(err)
	}
	p, err := h.client.Proof(ctx, &rpc.ProofRequest{ReceiptID: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Valid || p.Batch.Root != root.Root {
		t.Errorf("expected valid proof against the same root, got %+v", p)
	}
}

func TestOverrides(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	if _, err := h.client.SetOverride(ctx, &rpc.SetOverrideRequest{Rule: "no_such_rule", Value: "1", Duration: "1h"}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for unknown rule, got %v", err)
	}
	if _, err := h.client.SetOverride(ctx, &rpc.SetOverrideRequest{Rule: policy.RuleMaxFeeChangePct, Value: "40", Duration: "200h"}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for long duration, got %v", err)
	}

	o, err := h.client.SetOverride(ctx, &rpc.SetOverrideRequest{Rule: policy.RuleMaxFeeChangePct, Value: "40", Duration: "4h", SetBy: "op-1"})
	if err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	if o.Rule != policy.RuleMaxFeeChangePct || o.ExpiresAt.Sub(o.CreatedAt) != 4*time.Hour {
		t.Errorf("unexpected override %+v", o)
	}
	res, err := h.client.Submit(ctx, h.command(t, "hive:fee-policy/v1", map[string]any{"fee_change_pct": 30.0}))
	if err != nil || res.Verdict != model.Allow {
		t.Fatalf("override should allow 30%%: %+v (%v)", res, err)
	}

	list, err := h.client.ListOverrides(ctx, &rpc.Empty{})
	if err != nil || len(list.Overrides) != 1 {
		t.Fatalf("expected one override, got %+v (%v)", list, err)
	}
	if _, err := h.client.ClearOverride(ctx, &rpc.ClearOverrideRequest{Rule: policy.RuleMaxFeeChangePct}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.client.ClearOverride(ctx, &rpc.ClearOverrideRequest{Rule: policy.RuleMaxFeeChangePct}); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound clearing twice, got %v", err)
	}
}

func writePolicy(t *testing.T, path, preset, pubKey string) {
	t.Helper()
	doc := "policy_version: 1\npreset: " + preset + "\n"
	if pubKey != "" {
		doc += "grants:\n  - issuer: advisor-1\n    public_key: " + pubKey + "\n    scopes: [\"*\"]\n"
	}
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestReloadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	h := newHarness(t, path)
	pub := hex.EncodeToString(h.issuer.PublicKey())

	writePolicy(t, path, "conservative", pub)
	if err := h.srv.ReloadPolicy(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	doc, hash := h.gw.Engine().Document()
	if doc.Preset != "conservative" || hash == "sha256:test" {
		t.Errorf("expected conservative document, got %s (%s)", doc.Preset, hash)
	}
	if h.gw.Verifier().Grants().Len() != 1 {
		t.Errorf("grants should be replaced from the document")
	}

	writePolicy(t, path, "reckless", pub)
	if err := h.srv.ReloadPolicy(); err == nil {
		t.Fatal("expected error for unknown preset")
	}
	if doc, _ := h.gw.Engine().Document(); doc.Preset != "conservative" {
		t.Errorf("invalid document must not replace the active one, got %s", doc.Preset)
	}
}

func TestReloaderDebouncesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("policy_version: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	reloads := make(chan struct{}, 10)
	r, err := NewReloader(func() error {
		reloads <- struct{}{}
		return nil
	}, []string{path, ""}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Watching() != 1 {
		t.Fatalf("expected one watched file, got %d", r.Watching())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// Give the watcher a moment to start.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("policy_version: 1\npreset: moderate\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a reload after writes")
	}
	select {
	case <-reloads:
		t.Error("burst of writes should reload once")
	case <-time.After(time.Second):
	}
}
