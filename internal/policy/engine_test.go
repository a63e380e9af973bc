package policy

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/escrow"
	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/ratelimit"
	"github.com/ppiankov/hivegate/internal/spending"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

// Tuesday noon UTC.
func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func newTestEngine(t *testing.T, doc *Document, clock *testClock, opts Options) *Engine {
	t.Helper()
	if doc == nil {
		doc = DefaultDocument()
	}
	opts.Now = clock.Now
	e, err := NewEngine(doc, "sha256:test", opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func feeCommand(pct float64) *model.Command {
	return &model.Command{
		SchemaType: "hive:fee-policy/v1",
		Issuer:     "advisor-1",
		Payload:    map[string]any{"channel_id": "800x1x0", "fee_change_pct": pct},
	}
}

func rebalanceCommand(sats int64) *model.Command {
	return &model.Command{
		SchemaType: "hive:rebalance/v1",
		Issuer:     "advisor-1",
		Payload:    map[string]any{"amount_sats": float64(sats)},
	}
}

var noConstraints = &model.Authorization{Issuer: "advisor-1"}

func TestEvaluateAllowUnderModerate(t *testing.T) {
	e := newTestEngine(t, nil, newClock(), Options{})
	d := e.Evaluate(context.Background(), noConstraints, feeCommand(5), 3)
	if d.Verdict != model.Allow {
		t.Fatalf("expected allow, got %s (%v)", d.Verdict, d.Err)
	}
	if d.Hold == nil || d.PolicyHash != "sha256:test" {
		t.Errorf("expected hold and policy hash on allow, got %+v", d)
	}
	d.Hold.Commit()
}

func TestEvaluatePendingAtOrAboveThreshold(t *testing.T) {
	for _, preset := range PresetNames() {
		doc := DefaultDocument()
		doc.Preset = preset
		e := newTestEngine(t, doc, newClock(), Options{})
		rules, err := e.Rules(time.Now())
		if err != nil {
			t.Fatal(err)
		}
		for danger := 0; danger <= rules.MaxDanger; danger++ {
			d := e.Evaluate(context.Background(), noConstraints, feeCommand(1), danger)
			if danger >= rules.RequiredConfirmation && d.Verdict != model.Pending {
				t.Errorf("%s: danger %d >= %d must be pending, got %s", preset, danger, rules.RequiredConfirmation, d.Verdict)
			}
			if danger < rules.RequiredConfirmation && d.Verdict != model.Allow {
				t.Errorf("%s: danger %d expected allow, got %s (%v)", preset, danger, d.Verdict, d.Err)
			}
			d.Hold.Release()
		}
	}
}

func TestEvaluateModerateDanger8IsPending(t *testing.T) {
	e := newTestEngine(t, nil, newClock(), Options{})
	d := e.Evaluate(context.Background(), noConstraints, feeCommand(5), 8)
	if d.Verdict != model.Pending || d.Step != model.StepConfirmation {
		t.Fatalf("expected pending at confirmation step, got %s/%s", d.Verdict, d.Step)
	}
	if d.Hold == nil {
		t.Error("pending decisions keep their hold")
	}
}

func TestEvaluateForbidden(t *testing.T) {
	doc := DefaultDocument()
	doc.Forbidden = Forbidden{
		Actions:  []string{"hive:channel-close/*"},
		Peers:    []string{"02deadbeef"},
		Channels: []string{"700x1x1"},
	}
	e := newTestEngine(t, doc, newClock(), Options{})

	tests := []struct {
		name string
		cmd  *model.Command
		res  string
	}{
		{"action", &model.Command{SchemaType: "hive:channel-close/v1", Issuer: "advisor-1"}, "action:channel-close"},
		{"peer", &model.Command{SchemaType: "hive:fee-policy/v1", Issuer: "advisor-1", Payload: map[string]any{"peer_id": "02DEADBEEF"}}, "peer:02DEADBEEF"},
		{"channel", &model.Command{SchemaType: "hive:fee-policy/v1", Issuer: "advisor-1", Payload: map[string]any{"channel_id": "700x1x1"}}, "channel:700x1x1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(context.Background(), noConstraints, tt.cmd, 1)
			if d.Verdict != model.Deny || d.Reason != model.ReasonForbiddenAction {
				t.Fatalf("expected ForbiddenAction deny, got %s/%s", d.Verdict, d.Reason)
			}
			if d.Resource != tt.res {
				t.Errorf("expected resource %s, got %s", tt.res, d.Resource)
			}
			if model.ReasonOf(d.Err) != model.ReasonForbiddenAction {
				t.Errorf("expected DecisionError to carry the reason, got %v", d.Err)
			}
		})
	}
}

func TestEvaluateMagnitude(t *testing.T) {
	e := newTestEngine(t, nil, newClock(), Options{})
	ctx := context.Background()

	if d := e.Evaluate(ctx, noConstraints, feeCommand(-30), 3); d.Reason != model.ReasonMagnitudeExceeded {
		t.Errorf("expected 30%% fee cut to exceed 25%% cap, got %s", d.Reason)
	}
	if d := e.Evaluate(ctx, noConstraints, rebalanceCommand(600_000), 3); d.Reason != model.ReasonMagnitudeExceeded {
		t.Errorf("expected rebalance over cap denied, got %s", d.Reason)
	}

	tight := &model.Authorization{Issuer: "advisor-1", Constraints: map[string]int64{RuleMaxFeeChangePct: 15}}
	d := e.Evaluate(ctx, tight, feeCommand(20), 3)
	if d.Reason != model.ReasonMagnitudeExceeded || d.Resource != RuleMaxFeeChangePct {
		t.Errorf("expected issuer constraint to tighten fee cap, got %s %s", d.Reason, d.Resource)
	}

	loose := &model.Authorization{Issuer: "advisor-1", Constraints: map[string]int64{RuleMaxFeeChangePct: 90}}
	if d := e.Evaluate(ctx, loose, feeCommand(30), 3); d.Verdict != model.Deny {
		t.Errorf("a constraint must never loosen the cap, got %s", d.Verdict)
	}
}

func TestEvaluateMalformedAmountDenied(t *testing.T) {
	doc := DefaultDocument()
	doc.Spending = spending.Limits{DailySats: 300_000}
	clock := newClock()
	tracker := spending.NewTracker(clock.Now)
	e := newTestEngine(t, doc, clock, Options{Spending: tracker})
	ctx := context.Background()

	for _, amount := range []any{1e19, -500.0, 12.5, "1000"} {
		cmd := rebalanceCommand(0)
		cmd.Payload["amount_sats"] = amount
		d := e.Evaluate(ctx, noConstraints, cmd, 5)
		if d.Verdict != model.Deny || d.Reason != model.ReasonMagnitudeExceeded || d.Step != model.StepMagnitude {
			t.Fatalf("amount %v: expected magnitude deny, got %s %s at %s", amount, d.Verdict, d.Reason, d.Step)
		}
	}
	if u, ok := tracker.Usage(spending.GlobalDay); ok && (u.Committed != 0 || u.Reserved != 0) {
		t.Errorf("malformed amounts must not touch the window, got %+v", u)
	}
}

func TestEvaluateDangerCap(t *testing.T) {
	doc := DefaultDocument()
	doc.Preset = "conservative"
	doc.RequiredConfirmation = 10
	e := newTestEngine(t, doc, newClock(), Options{})
	d := e.Evaluate(context.Background(), noConstraints, feeCommand(1), 8)
	if d.Reason != model.ReasonMagnitudeExceeded || d.Resource != RuleMaxDanger {
		t.Errorf("expected danger 8 over conservative cap 7, got %s %s", d.Reason, d.Resource)
	}
}

func TestEvaluateRateLimitReleasedOnDeny(t *testing.T) {
	doc := DefaultDocument()
	doc.RateLimits = ratelimit.Limits{PerHour: 2}
	rates := ratelimit.NewTracker(newClock().Now)
	e := newTestEngine(t, doc, newClock(), Options{Rates: rates})
	ctx := context.Background()

	// denied later in the pipeline: must not consume a slot
	for i := 0; i < 3; i++ {
		if d := e.Evaluate(ctx, noConstraints, feeCommand(1), 10); d.Verdict != model.Deny {
			t.Fatalf("expected danger deny, got %s", d.Verdict)
		}
	}
	if n := rates.Count("advisor-1", "hour"); n != 0 {
		t.Fatalf("expected no slots used after denies, got %d", n)
	}

	for i := 0; i < 2; i++ {
		d := e.Evaluate(ctx, noConstraints, feeCommand(1), 1)
		if d.Verdict != model.Allow {
			t.Fatalf("evaluate %d: %s (%v)", i, d.Verdict, d.Err)
		}
		d.Hold.Commit()
	}
	d := e.Evaluate(ctx, noConstraints, feeCommand(1), 1)
	if d.Reason != model.ReasonRateLimited || d.Resource != "ratelimit.advisor-1.hour" {
		t.Errorf("expected RateLimited on hour window, got %s %s", d.Reason, d.Resource)
	}
}

func TestEvaluateQuietHours(t *testing.T) {
	doc := DefaultDocument()
	doc.TimeRestrictions = TimeRestrictions{QuietHours: &QuietHours{Start: "22:00", End: "06:00"}}
	clock := newClock()
	e := newTestEngine(t, doc, clock, Options{})
	ctx := context.Background()

	if d := e.Evaluate(ctx, noConstraints, feeCommand(1), 6); d.Verdict != model.Allow {
		t.Fatalf("expected allow at noon, got %s", d.Verdict)
	}

	clock.t = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	d := e.Evaluate(ctx, noConstraints, feeCommand(1), 6)
	if d.Reason != model.ReasonQuietHoursBlocked || d.Step != model.StepQuietHours {
		t.Errorf("expected QuietHoursBlocked at 23:30, got %s/%s", d.Reason, d.Step)
	}
	if d := e.Evaluate(ctx, noConstraints, feeCommand(1), 5); d.Verdict != model.Allow {
		t.Errorf("expected danger at quiet cap allowed, got %s", d.Verdict)
	}
}

func TestEvaluateSpendingCapNoPartialDebit(t *testing.T) {
	doc := DefaultDocument()
	doc.Spending = spending.Limits{DailySats: 300_000, PerIssuerDailySats: 300_000}
	clock := newClock()
	tracker := spending.NewTracker(clock.Now)
	rates := ratelimit.NewTracker(clock.Now)
	e := newTestEngine(t, doc, clock, Options{Spending: tracker, Rates: rates})
	ctx := context.Background()

	var total int64
	for _, amount := range []int64{120_000, 120_000, 120_000, 50_000} {
		d := e.Evaluate(ctx, noConstraints, rebalanceCommand(amount), 5)
		switch d.Verdict {
		case model.Allow:
			d.Hold.Commit()
			total += amount
		case model.Deny:
			if d.Reason != model.ReasonSpendingCapExceeded {
				t.Fatalf("unexpected deny reason %s", d.Reason)
			}
		default:
			t.Fatalf("unexpected verdict %s", d.Verdict)
		}
		u, _ := tracker.Usage(spending.GlobalDay)
		if u.Committed != total || u.Reserved != 0 {
			t.Fatalf("window drifted from allowed total: %+v vs %d", u, total)
		}
		if u.Committed > 300_000 {
			t.Fatalf("cap exceeded: %d", u.Committed)
		}
	}
	if total != 290_000 {
		t.Errorf("expected 290000 sats committed, got %d", total)
	}
	if n := rates.Count("advisor-1", "day"); n != 3 {
		t.Errorf("spending deny must release its rate slot, got %d used", n)
	}
}

func TestPreviewHoldsNothing(t *testing.T) {
	doc := DefaultDocument()
	doc.Spending = spending.Limits{DailySats: 300_000, PerIssuerDailySats: 300_000}
	clock := newClock()
	tracker := spending.NewTracker(clock.Now)
	rates := ratelimit.NewTracker(clock.Now)
	e := newTestEngine(t, doc, clock, Options{Spending: tracker, Rates: rates})
	ctx := context.Background()

	if d := e.Preview(ctx, noConstraints, rebalanceCommand(100_000), 5); d.Verdict != model.Allow || d.Hold != nil {
		t.Fatalf("expected hold-free allow, got %s %+v", d.Verdict, d.Hold)
	}
	if len(tracker.Snapshot()) != 0 || rates.Count("advisor-1", "day") != 0 {
		t.Fatal("preview must not create or touch windows")
	}

	held := e.Evaluate(ctx, noConstraints, rebalanceCommand(250_000), 5)
	if held.Verdict != model.Allow {
		t.Fatalf("expected allow, got %s", held.Verdict)
	}
	if d := e.Preview(ctx, noConstraints, rebalanceCommand(60_000), 5); d.Reason != model.ReasonSpendingCapExceeded {
		t.Errorf("preview should see the outstanding reservation, got %s", d.Reason)
	}
	if d := e.Preview(ctx, noConstraints, rebalanceCommand(50_000), 5); d.Verdict != model.Allow {
		t.Errorf("preview within headroom should allow, got %s", d.Verdict)
	}
	u, _ := tracker.Usage(spending.GlobalDay)
	if u.Reserved != 250_000 || u.Committed != 0 {
		t.Errorf("previews changed the window: %+v", u)
	}
	if n := rates.Count("advisor-1", "day"); n != 1 {
		t.Errorf("previews must not take rate slots, got %d", n)
	}
	held.Hold.Commit()
}

func TestTemporaryOverrideExpires(t *testing.T) {
	clock := newClock()
	store, _ := NewOverrideStore("", clock.Now)
	e := newTestEngine(t, nil, clock, Options{Overrides: store})
	ctx := context.Background()

	if d := e.Evaluate(ctx, noConstraints, feeCommand(30), 3); d.Verdict != model.Deny {
		t.Fatalf("expected 30%% denied before override, got %s", d.Verdict)
	}
	if _, err := store.Set(RuleMaxFeeChangePct, 40, 4*time.Hour, "fee event", "ops"); err != nil {
		t.Fatal(err)
	}

	clock.t = clock.t.Add(4*time.Hour - time.Second)
	if d := e.Evaluate(ctx, noConstraints, feeCommand(30), 3); d.Verdict != model.Allow {
		t.Errorf("expected override honored inside its window, got %s (%v)", d.Verdict, d.Err)
	}

	clock.t = clock.t.Add(time.Second)
	if d := e.Evaluate(ctx, noConstraints, feeCommand(30), 3); d.Verdict != model.Deny {
		t.Errorf("expected override ignored at expiry, got %s", d.Verdict)
	}
	if len(store.List()) != 1 {
		t.Error("expiry must not require clearing the override")
	}
}

func TestEvaluatePayment(t *testing.T) {
	clock := newClock()
	ledger := escrow.NewLedger(escrow.Options{Now: clock.Now})
	doc := DefaultDocument()
	doc.Payments.MinPaymentMsat = 1000
	e := newTestEngine(t, doc, clock, Options{Payments: ledger})
	ctx := context.Background()

	hash := hex.EncodeToString(canon.DigestBytes([]byte("pre")))
	lock, err := ledger.OpenLock(ctx, escrow.LockRequest{
		Issuer: "advisor-1", AmountMsat: 2000,
		Condition: escrow.HashLock{Hash: hash}, Deadline: clock.t.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	cmd := feeCommand(1)
	if d := e.Evaluate(ctx, noConstraints, cmd, 1); d.Reason != model.ReasonInsufficientEscrow {
		t.Errorf("expected missing proof denied, got %s", d.Reason)
	}

	cmd.PaymentProof = &model.PaymentProof{LockID: lock.ID, Proof: hex.EncodeToString([]byte("pre"))}
	d := e.Evaluate(ctx, noConstraints, cmd, 1)
	if d.Verdict != model.Allow || d.Lock == nil || d.Lock.ID != lock.ID {
		t.Fatalf("expected allow with lock, got %s (%v)", d.Verdict, d.Err)
	}
	d.Hold.Release()

	clock.t = clock.t.Add(time.Hour)
	if d := e.Evaluate(ctx, noConstraints, cmd, 1); d.Reason != model.ReasonLockExpired {
		t.Errorf("expected LockExpired, got %s", d.Reason)
	}
}

func TestSetDocumentKeepsPreviousOnError(t *testing.T) {
	e := newTestEngine(t, nil, newClock(), Options{})
	bad := DefaultDocument()
	bad.Overrides = map[string]any{"max_fee_chnage_pct": 10}
	if err := e.SetDocument(bad, "sha256:bad"); err == nil {
		t.Fatal("expected unknown rule to be rejected")
	}
	if _, hash := e.Document(); hash != "sha256:test" {
		t.Errorf("expected previous document in force, got %s", hash)
	}
}

func TestReacquire(t *testing.T) {
	doc := DefaultDocument()
	doc.Spending = spending.Limits{DailySats: 100}
	clock := newClock()
	e := newTestEngine(t, doc, clock, Options{})
	ctx := context.Background()

	d := e.Reacquire(ctx, noConstraints, rebalanceCommand(80), 8)
	if d.Verdict != model.Allow || d.Hold == nil || d.Hold.Amount != 80 {
		t.Fatalf("expected allow with 80 sat hold, got %+v", d)
	}
	d.Hold.Commit()
	if d := e.Reacquire(ctx, noConstraints, rebalanceCommand(80), 8); d.Reason != model.ReasonSpendingCapExceeded {
		t.Errorf("expected cap enforced on reacquire, got %s", d.Reason)
	}
}
