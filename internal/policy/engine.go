package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ppiankov/hivegate/internal/credential"
	"github.com/ppiankov/hivegate/internal/escrow"
	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/ratelimit"
	"github.com/ppiankov/hivegate/internal/spending"
)

// PaymentChecker validates an escrow reference without settling it.
type PaymentChecker interface {
	Check(ctx context.Context, lockID, proof string, minAmount int64) (escrow.Lock, error)
}

// Hold bundles the rate-limit and spending reservations taken during an
// evaluation. Commit or Release it exactly once; repeats are no-ops.
type Hold struct {
	rate   *ratelimit.Reservation
	spend  *spending.Reservation
	Amount int64
}

// Commit turns the reservations into recorded usage.
func (h *Hold) Commit() {
	if h == nil {
		return
	}
	h.rate.Commit()
	h.spend.Commit()
}

// Release frees the reservations.
func (h *Hold) Release() {
	if h == nil {
		return
	}
	h.rate.Rollback()
	h.spend.Rollback()
}

// Decision is the engine's verdict on one command.
type Decision struct {
	Verdict    model.Verdict
	Reason     model.ReasonCode
	Step       model.Step
	Resource   string
	Danger     int
	Rules      RuleSet
	PolicyHash string
	// Lock is the validated escrow lock when the command carries a payment.
	Lock *escrow.Lock
	// Hold is set for Allow and Pending; the caller commits or releases it.
	Hold *Hold
	// Err is the *model.DecisionError behind a Deny.
	Err error
}

type snapshot struct {
	doc    *Document
	hash   string
	preset *Preset
	quiet  *quietWindow
	danger DangerTable
}

// Options wires the engine's collaborators.
type Options struct {
	Overrides *OverrideStore
	Spending  *spending.Tracker
	Rates     *ratelimit.Tracker
	Payments  PaymentChecker
	Now       func() time.Time
}

// Engine evaluates commands against the layered rule set. The document is
// swapped atomically on reload; in-flight evaluations keep the snapshot
// they started with.
type Engine struct {
	snap      atomic.Pointer[snapshot]
	overrides *OverrideStore
	spend     *spending.Tracker
	rates     *ratelimit.Tracker
	payments  PaymentChecker
	now       func() time.Time
}

// NewEngine validates doc and builds an engine around it.
func NewEngine(doc *Document, hash string, opts Options) (*Engine, error) {
	e := &Engine{
		overrides: opts.Overrides,
		spend:     opts.Spending,
		rates:     opts.Rates,
		payments:  opts.Payments,
		now:       opts.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.overrides == nil {
		e.overrides, _ = NewOverrideStore("", e.now)
	}
	if e.spend == nil {
		e.spend = spending.NewTracker(e.now)
	}
	if e.rates == nil {
		e.rates = ratelimit.NewTracker(e.now)
	}
	if err := e.SetDocument(doc, hash); err != nil {
		return nil, err
	}
	return e, nil
}

// SetDocument validates and installs a new policy document. On error the
// previous document stays in force.
func (e *Engine) SetDocument(doc *Document, hash string) error {
	if doc == nil {
		return fmt.Errorf("policy document is nil")
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	preset, err := LoadPreset(doc.Preset)
	if err != nil {
		return err
	}
	quiet, err := doc.TimeRestrictions.QuietHours.compile()
	if err != nil {
		return err
	}
	e.snap.Store(&snapshot{
		doc:    doc,
		hash:   hash,
		preset: preset,
		quiet:  quiet,
		danger: doc.DangerTable(),
	})
	return nil
}

// Document returns the active document and its hash.
func (e *Engine) Document() (*Document, string) {
	s := e.snap.Load()
	return s.doc, s.hash
}

// Overrides returns the temporary override store.
func (e *Engine) Overrides() *OverrideStore { return e.overrides }

// Spending returns the spending tracker.
func (e *Engine) Spending() *spending.Tracker { return e.spend }

// Layers returns the ordered rule layers in force: preset, document,
// named overrides, then temporary overrides.
func (e *Engine) Layers() []Layer {
	s := e.snap.Load()
	return e.layers(s)
}

func (e *Engine) layers(s *snapshot) []Layer {
	layers := []Layer{s.preset.Layer(), s.doc.Layer(), s.doc.OverrideLayer()}
	return append(layers, e.overrides.Layers()...)
}

// Rules resolves the effective rule set at now.
func (e *Engine) Rules(now time.Time) (RuleSet, error) {
	return Resolve(e.Layers(), now)
}

// Danger scores cmd against the current rules.
func (e *Engine) Danger(cmd *model.Command) (int, error) {
	s := e.snap.Load()
	rules, err := Resolve(e.layers(s), e.now())
	if err != nil {
		return 0, err
	}
	return s.danger.Score(cmd, rules), nil
}

// Evaluate runs the decision pipeline:
//
//  1. resolve rules (and tighten by the issuer's constraints)
//  2. forbidden actions, peers and protected channels
//  3. magnitude caps
//  4. rate limits (reserved)
//  5. danger cap, replaced by the quiet-hours cap inside quiet hours
//  6. spending windows (reserved), then the escrow payment check
//  7. confirmation threshold
//
// The first failing check produces a Deny and releases everything reserved
// so far. Allow and Pending carry a Hold the caller must settle.
func (e *Engine) Evaluate(ctx context.Context, auth *model.Authorization, cmd *model.Command, danger int) Decision {
	return e.evaluate(ctx, auth, cmd, danger, true)
}

// Preview runs the same pipeline as Evaluate but only reads the rate and
// spending windows. It never holds capacity, so a concurrent Evaluate is
// unaffected. The returned Decision has no Hold.
func (e *Engine) Preview(ctx context.Context, auth *model.Authorization, cmd *model.Command, danger int) Decision {
	d := e.evaluate(ctx, auth, cmd, danger, false)
	d.Hold = nil
	return d
}

func (e *Engine) evaluate(ctx context.Context, auth *model.Authorization, cmd *model.Command, danger int, reserve bool) Decision {
	s := e.snap.Load()
	now := e.now()
	d := Decision{Danger: danger, PolicyHash: s.hash}

	// Step 1
	rules, err := e.resolveFor(s, auth, now)
	if err != nil {
		return d.deny(model.StepRules, model.ReasonInternal, "rules", err)
	}
	d.Rules = rules
	t := cmd.Target()

	// Step 2
	if res, ok := forbidden(rules, cmd, t); ok {
		return d.deny(model.StepForbidden, model.ReasonForbiddenAction, res,
			fmt.Errorf("%s is forbidden by policy", res))
	}

	// Step 3
	if t.AmountInvalid {
		return d.deny(model.StepMagnitude, model.ReasonMagnitudeExceeded, "amount_sats",
			fmt.Errorf("amount_sats %v is not a whole number of sats in range", cmd.Payload["amount_sats"]))
	}
	if t.HasFeeChange && rules.MaxFeeChangePct > 0 && t.FeeChangePct > rules.MaxFeeChangePct {
		return d.deny(model.StepMagnitude, model.ReasonMagnitudeExceeded, RuleMaxFeeChangePct,
			fmt.Errorf("fee change %.2f%% exceeds %.2f%%", t.FeeChangePct, rules.MaxFeeChangePct))
	}
	if isRebalance(t) && rules.MaxRebalanceSats > 0 && t.AmountSats > rules.MaxRebalanceSats {
		return d.deny(model.StepMagnitude, model.ReasonMagnitudeExceeded, RuleMaxRebalanceSats,
			fmt.Errorf("rebalance of %d sats exceeds %d", t.AmountSats, rules.MaxRebalanceSats))
	}

	// Step 4
	hold := &Hold{}
	if d2, ok := e.reserveRate(&d, hold, cmd.Issuer, rules, reserve); !ok {
		return d2
	}

	// Step 5
	limit, quiet := rules.MaxDanger, false
	if s.quiet.contains(now) {
		limit, quiet = rules.QuietHoursMaxDanger, true
	}
	if danger > limit {
		hold.Release()
		if quiet {
			return d.deny(model.StepQuietHours, model.ReasonQuietHoursBlocked, "quiet_hours",
				fmt.Errorf("danger %d exceeds quiet-hours cap %d", danger, limit))
		}
		return d.deny(model.StepMagnitude, model.ReasonMagnitudeExceeded, RuleMaxDanger,
			fmt.Errorf("danger %d exceeds cap %d", danger, limit))
	}

	// Step 6
	if d2, ok := e.reserveSpend(&d, hold, cmd.Issuer, t.AmountSats, rules, reserve); !ok {
		return d2
	}
	if d2, ok := e.checkPayment(ctx, &d, hold, cmd, rules); !ok {
		return d2
	}

	// Step 7
	d.Hold = hold
	if danger >= rules.RequiredConfirmation {
		d.Verdict = model.Pending
		d.Step = model.StepConfirmation
		return d
	}
	d.Verdict = model.Allow
	return d
}

// Reacquire re-takes the rate, spending and payment holds for a command the
// operator approved after its original hold was lost (process restart).
// The forbidden, magnitude and danger checks are not repeated.
func (e *Engine) Reacquire(ctx context.Context, auth *model.Authorization, cmd *model.Command, danger int) Decision {
	s := e.snap.Load()
	d := Decision{Danger: danger, PolicyHash: s.hash}
	rules, err := e.resolveFor(s, auth, e.now())
	if err != nil {
		return d.deny(model.StepRules, model.ReasonInternal, "rules", err)
	}
	d.Rules = rules

	hold := &Hold{}
	if d2, ok := e.reserveRate(&d, hold, cmd.Issuer, rules, true); !ok {
		return d2
	}
	if d2, ok := e.reserveSpend(&d, hold, cmd.Issuer, cmd.Target().AmountSats, rules, true); !ok {
		return d2
	}
	if d2, ok := e.checkPayment(ctx, &d, hold, cmd, rules); !ok {
		return d2
	}
	d.Hold = hold
	d.Verdict = model.Allow
	return d
}

func (e *Engine) resolveFor(s *snapshot, auth *model.Authorization, now time.Time) (RuleSet, error) {
	if auth == nil {
		return RuleSet{}, errors.New("missing authorization")
	}
	rules, err := Resolve(e.layers(s), now)
	if err != nil {
		return RuleSet{}, err
	}
	return rules.Tighten(auth.Constraints)
}

// reserveRate takes a rate slot, or with reserve false only checks that
// one is free.
func (e *Engine) reserveRate(d *Decision, hold *Hold, issuer string, rules RuleSet, reserve bool) (Decision, bool) {
	limits := ratelimit.Limits{PerHour: rules.MaxActionsPerHour, PerDay: rules.MaxActionsPerDay}
	if !limits.HasLimits() {
		return Decision{}, true
	}
	var res *ratelimit.Reservation
	var err error
	if reserve {
		res, err = e.rates.Reserve(issuer, limits)
	} else {
		err = e.rates.Peek(issuer, limits)
	}
	if err != nil {
		resource := "ratelimit." + issuer
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			resource = le.Resource()
		}
		return d.deny(model.StepRateLimit, model.ReasonRateLimited, resource, err), false
	}
	hold.rate = res
	return Decision{}, true
}

func (e *Engine) reserveSpend(d *Decision, hold *Hold, issuer string, amount int64, rules RuleSet, reserve bool) (Decision, bool) {
	limits := spending.Limits{
		DailySats:          rules.DailyBudgetSats,
		WeeklySats:         rules.WeeklyBudgetSats,
		PerIssuerDailySats: rules.PerIssuerDailySats,
	}
	if amount <= 0 || !limits.HasLimits() {
		return Decision{}, true
	}
	var res *spending.Reservation
	var err error
	if reserve {
		res, err = e.spend.Reserve(issuer, amount, limits)
	} else {
		err = e.spend.Peek(issuer, amount, limits)
	}
	if err != nil {
		hold.Release()
		resource := "spending"
		var ce *spending.CapError
		if errors.As(err, &ce) {
			resource = ce.Result.Window
		}
		return d.deny(model.StepSpending, model.ReasonSpendingCapExceeded, resource, err), false
	}
	hold.spend = res
	hold.Amount = amount
	return Decision{}, true
}

func (e *Engine) checkPayment(ctx context.Context, d *Decision, hold *Hold, cmd *model.Command, rules RuleSet) (Decision, bool) {
	if rules.MinPaymentMsat <= 0 && cmd.PaymentProof == nil {
		return Decision{}, true
	}
	fail := func(code model.ReasonCode, resource string, err error) (Decision, bool) {
		hold.Release()
		return d.deny(model.StepPayment, code, resource, err), false
	}
	if cmd.PaymentProof == nil || cmd.PaymentProof.LockID == "" {
		return fail(model.ReasonInsufficientEscrow, "payment",
			fmt.Errorf("%w: payment of %d msat required", escrow.ErrInsufficientEscrow, rules.MinPaymentMsat))
	}
	lockID := cmd.PaymentProof.LockID
	if e.payments == nil {
		return fail(model.ReasonUnreachableSettlementBackend, lockID, errors.New("no escrow ledger configured"))
	}
	lock, err := e.payments.Check(ctx, lockID, cmd.PaymentProof.Proof, rules.MinPaymentMsat)
	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrLockExpired):
		return fail(model.ReasonLockExpired, lockID, err)
	case errors.Is(err, escrow.ErrAlreadySettled):
		return fail(model.ReasonAlreadySettled, lockID, err)
	case errors.Is(err, escrow.ErrLockNotFound), errors.Is(err, escrow.ErrInvalidProof),
		errors.Is(err, escrow.ErrInsufficientEscrow), errors.Is(err, escrow.ErrInvalidCondition):
		return fail(model.ReasonInsufficientEscrow, lockID, err)
	default:
		return fail(model.ReasonUnreachableSettlementBackend, lockID, err)
	}
	if lock.Issuer != "" && lock.Issuer != cmd.Issuer {
		return fail(model.ReasonInsufficientEscrow, lockID,
			fmt.Errorf("%w: lock belongs to another issuer", escrow.ErrInsufficientEscrow))
	}
	d.Lock = &lock
	return Decision{}, true
}

func (d *Decision) deny(step model.Step, code model.ReasonCode, resource string, err error) Decision {
	out := *d
	out.Verdict = model.Deny
	out.Step = step
	out.Reason = code
	out.Resource = resource
	out.Hold = nil
	out.Err = model.Fail(step, code, resource, err)
	return out
}

func forbidden(rules RuleSet, cmd *model.Command, t model.Target) (string, bool) {
	for _, p := range rules.ForbiddenActions {
		if credential.MatchScope(p, t.Action) || credential.MatchScope(p, cmd.SchemaType) {
			return "action:" + t.Action, true
		}
	}
	if t.PeerID != "" {
		for _, p := range rules.ForbiddenPeers {
			if strings.EqualFold(p, t.PeerID) {
				return "peer:" + t.PeerID, true
			}
		}
	}
	if t.ChannelID != "" {
		for _, c := range rules.ProtectedChannels {
			if c == t.ChannelID {
				return "channel:" + t.ChannelID, true
			}
		}
	}
	return "", false
}

func isRebalance(t model.Target) bool {
	return t.Category == "rebalance" || strings.Contains(t.Action, "rebalance")
}
