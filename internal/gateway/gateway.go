// Package gateway runs the authorization pipeline: credential verification,
// policy evaluation, operator confirmation, escrow settlement and the
// receipt that records every terminal outcome.
package gateway

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/hivegate/internal/alert"
	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/credential"
	"github.com/ppiankov/hivegate/internal/escrow"
	"github.com/ppiankov/hivegate/internal/metrics"
	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/policy"
	"github.com/ppiankov/hivegate/internal/receipt"
)

// ErrUnsettled is returned with an Allow whose escrow claim failed. The
// receipt is written with settlement "unsettled" and nothing is retried.
var ErrUnsettled = errors.New("allowed but unsettled")

// Replenish keeps a floor of open escrow. Zero ThresholdMsat disables it.
type Replenish struct {
	ThresholdMsat int64
	AmountMsat    int64
	Template      escrow.LockRequest
}

// Options wires the gateway's components. Verifier, Engine, Escrow,
// Confirmations and Receipts are required.
type Options struct {
	Verifier          *credential.Verifier
	Engine            *policy.Engine
	Escrow            *escrow.Ledger
	Confirmations     *confirm.Store
	Operators         *confirm.Authenticator
	Timeouts          confirm.Timeouts
	Receipts          *receipt.Ledger
	NodeKey           ed25519.PublicKey
	SettlementTimeout time.Duration
	Replenish         Replenish
	Alerts            *alert.Dispatcher
	Now               func() time.Time
	Logger            *zap.Logger
	Metrics           *metrics.Recorder
}

// Result is the caller-visible outcome of Submit, Resolve or Check.
type Result struct {
	Verdict        model.Verdict      `json:"verdict"`
	Reason         model.ReasonCode   `json:"reason,omitempty"`
	Step           model.Step         `json:"step,omitempty"`
	Resource       string             `json:"resource,omitempty"`
	Message        string             `json:"message,omitempty"`
	Danger         int                `json:"danger_score"`
	Settlement     receipt.Settlement `json:"settlement,omitempty"`
	ConfirmationID string             `json:"confirmation_id,omitempty"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	ReceiptID      uint64             `json:"receipt_id,omitempty"`
	ReceiptHash    string             `json:"receipt_hash,omitempty"`
}

// held is the in-memory state of a Pending command. It is lost on restart;
// approval then re-authorizes and re-reserves.
type held struct {
	auth     *model.Authorization
	decision policy.Decision
}

type Gateway struct {
	verifier      *credential.Verifier
	engine        *policy.Engine
	escrow        *escrow.Ledger
	confirmations *confirm.Store
	operators     *confirm.Authenticator
	timeouts      confirm.Timeouts
	receipts      *receipt.Ledger
	nodeKey       ed25519.PublicKey
	settleTimeout time.Duration
	replenish     Replenish
	alerts        *alert.Dispatcher
	now           func() time.Time
	log           *zap.Logger
	metrics       *metrics.Recorder

	lockMu sync.Map // escrow lock id -> *sync.Mutex

	mu        sync.Mutex
	held      map[string]*held
	finishing map[string]bool
}

func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Verifier == nil:
		return nil, errors.New("gateway: verifier is required")
	case opts.Engine == nil:
		return nil, errors.New("gateway: policy engine is required")
	case opts.Escrow == nil:
		return nil, errors.New("gateway: escrow ledger is required")
	case opts.Confirmations == nil:
		return nil, errors.New("gateway: confirmation store is required")
	case opts.Receipts == nil:
		return nil, errors.New("gateway: receipt ledger is required")
	}
	g := &Gateway{
		verifier:      opts.Verifier,
		engine:        opts.Engine,
		escrow:        opts.Escrow,
		confirmations: opts.Confirmations,
		operators:     opts.Operators,
		timeouts:      opts.Timeouts,
		receipts:      opts.Receipts,
		nodeKey:       opts.NodeKey,
		settleTimeout: opts.SettlementTimeout,
		replenish:     opts.Replenish,
		alerts:        opts.Alerts,
		now:           opts.Now,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		held:          make(map[string]*held),
		finishing:     make(map[string]bool),
	}
	if g.settleTimeout <= 0 {
		g.settleTimeout = 10 * time.Second
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	return g, nil
}

// Engine returns the policy engine.
func (g *Gateway) Engine() *policy.Engine { return g.engine }

// Verifier returns the credential verifier.
func (g *Gateway) Verifier() *credential.Verifier { return g.verifier }

// Receipts returns the receipt ledger.
func (g *Gateway) Receipts() *receipt.Ledger { return g.receipts }

// Escrow returns the escrow ledger.
func (g *Gateway) Escrow() *escrow.Ledger { return g.escrow }

// Confirmations returns the confirmation store.
func (g *Gateway) Confirmations() *confirm.Store { return g.confirmations }

func (g *Gateway) paymentMutex(cmd *model.Command) *sync.Mutex {
	if cmd.PaymentProof == nil || cmd.PaymentProof.LockID == "" {
		return nil
	}
	m, _ := g.lockMu.LoadOrStore(cmd.PaymentProof.LockID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Submit runs one command through the pipeline. Deny is a normal outcome
// and is returned without error; errors mean the outcome could not be
// recorded, or, with ErrUnsettled, that an Allow failed to settle.
func (g *Gateway) Submit(ctx context.Context, cmd *model.Command) (*Result, error) {
	start := time.Now()
	rc := g.newRecord(ctx, cmd)

	auth, err := g.verifier.Verify(ctx, cmd)
	if err != nil {
		rc.issuerSig = ""
		return g.deny(ctx, rc, cmd, model.StepOf(err), model.ReasonOf(err), resourceOf(err, cmd.Issuer), err, false)
	}

	danger, err := g.engine.Danger(cmd)
	if err != nil {
		return g.deny(ctx, rc, cmd, model.StepRules, model.ReasonInternal, "rules", err, true)
	}
	rc.danger = danger

	if mu := g.paymentMutex(cmd); mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}

	dec := g.engine.Evaluate(ctx, auth, cmd, danger)
	g.metrics.ObserveEvaluate(time.Since(start))
	rc.policyHash = dec.PolicyHash

	switch dec.Verdict {
	case model.Deny:
		return g.deny(ctx, rc, cmd, dec.Step, dec.Reason, dec.Resource, dec.Err, true)
	case model.Pending:
		return g.hold(ctx, rc, cmd, auth, dec)
	default:
		return g.allow(ctx, rc, cmd, dec)
	}
}

// Check dry-runs a command: verification without advancing the nonce and a
// full evaluation that reads the rate and spending windows without holding
// them. Nothing is recorded.
func (g *Gateway) Check(ctx context.Context, cmd *model.Command) (*Result, error) {
	auth, err := g.verifier.Inspect(ctx, cmd)
	if err != nil {
		return denyResult(model.StepOf(err), model.ReasonOf(err), resourceOf(err, cmd.Issuer), err, 0), nil
	}
	danger, err := g.engine.Danger(cmd)
	if err != nil {
		return denyResult(model.StepRules, model.ReasonInternal, "rules", err, 0), nil
	}
	dec := g.engine.Preview(ctx, auth, cmd, danger)
	if dec.Verdict == model.Deny {
		return denyResult(dec.Step, dec.Reason, dec.Resource, dec.Err, danger), nil
	}
	return &Result{Verdict: dec.Verdict, Step: dec.Step, Danger: danger}, nil
}

func denyResult(step model.Step, code model.ReasonCode, resource string, err error, danger int) *Result {
	r := &Result{Verdict: model.Deny, Reason: code, Step: step, Resource: resource, Danger: danger}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

func resourceOf(err error, fallback string) string {
	var de *model.DecisionError
	if errors.As(err, &de) && de.Resource != "" {
		return de.Resource
	}
	return fallback
}

// record accumulates receipt fields across the pipeline.
type record struct {
	cmd          *model.Command
	digest       string
	body         string
	issuerSig    string
	danger       int
	policyHash   string
	stateBefore  string
	confirmation string
}

func (g *Gateway) newRecord(ctx context.Context, cmd *model.Command) *record {
	rc := &record{cmd: cmd, issuerSig: cmd.Signature, stateBefore: g.stateHash(ctx)}
	if body, err := cmd.SigningBytes(); err == nil {
		rc.body = string(body)
		rc.digest = canon.Digest(body)
	}
	_, rc.policyHash = g.engine.Document()
	return rc
}

func (g *Gateway) recordFromConfirmation(ctx context.Context, c *confirm.Confirmation) *record {
	rc := g.newRecord(ctx, &c.Command)
	rc.danger = c.Danger
	rc.confirmation = c.ID
	if c.CommandDigest != "" {
		rc.digest = c.CommandDigest
	}
	return rc
}

func (g *Gateway) appendReceipt(ctx context.Context, rc *record, verdict model.Verdict, step model.Step,
	code model.ReasonCode, resource string, settlement receipt.Settlement, lockID string) (*receipt.Receipt, error) {
	r, err := g.receipts.Append(ctx, receipt.Receipt{
		Issuer:          rc.cmd.Issuer,
		SchemaType:      rc.cmd.SchemaType,
		CommandDigest:   rc.digest,
		CommandBody:     rc.body,
		Decision:        verdict,
		Reason:          code,
		Step:            step,
		Resource:        resource,
		Danger:          rc.danger,
		Settlement:      settlement,
		LockID:          lockID,
		ConfirmationID:  rc.confirmation,
		PolicyHash:      rc.policyHash,
		StateHashBefore: rc.stateBefore,
		StateHashAfter:  g.stateHash(ctx),
		IssuerSignature: rc.issuerSig,
	})
	if err != nil {
		g.log.Error("receipt append failed",
			zap.String("issuer", rc.cmd.Issuer),
			zap.String("decision", string(verdict)),
			zap.Error(err))
		if errors.Is(err, receipt.ErrChainBroken) {
			g.alerts.Dispatch(alert.Event{
				Timestamp:  g.now(),
				Type:       alert.TypeLedgerHalted,
				Issuer:     rc.cmd.Issuer,
				SchemaType: rc.cmd.SchemaType,
				Message:    err.Error(),
			})
		}
		return nil, err
	}
	g.metrics.ObserveDecision(string(verdict), string(code))
	g.log.Info("decision recorded",
		zap.Uint64("receipt_id", r.ID),
		zap.String("issuer", r.Issuer),
		zap.String("schema_type", r.SchemaType),
		zap.String("verdict", string(verdict)),
		zap.String("reason", string(code)),
		zap.String("step", string(step)),
		zap.Int("danger", rc.danger))
	return r, nil
}

func resultFrom(r *receipt.Receipt, msg string) *Result {
	return &Result{
		Verdict:        r.Decision,
		Reason:         r.Reason,
		Step:           r.Step,
		Resource:       r.Resource,
		Message:        msg,
		Danger:         r.Danger,
		Settlement:     r.Settlement,
		ConfirmationID: r.ConfirmationID,
		ReceiptID:      r.ID,
		ReceiptHash:    r.Hash,
	}
}

// deny records a Deny. Escrow referenced by the command is refunded only
// when the issuer was authenticated.
func (g *Gateway) deny(ctx context.Context, rc *record, cmd *model.Command, step model.Step,
	code model.ReasonCode, resource string, cause error, refund bool) (*Result, error) {
	settlement := receipt.SettlementNone
	lockID := ""
	if cmd.PaymentProof != nil {
		lockID = cmd.PaymentProof.LockID
	}
	if refund && g.refundOnDeny(ctx, cmd) {
		settlement = receipt.SettlementRefunded
	}
	r, err := g.appendReceipt(ctx, rc, model.Deny, step, code, resource, settlement, lockID)
	if err != nil {
		return nil, err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	g.alerts.Dispatch(alert.Event{
		Timestamp:  g.now(),
		Type:       alert.TypeDeny,
		Issuer:     cmd.Issuer,
		SchemaType: cmd.SchemaType,
		Reason:     string(code),
		Danger:     rc.danger,
		ReceiptID:  r.ID,
		LockID:     lockID,
		Message:    msg,
	})
	return resultFrom(r, msg), nil
}

// refundOnDeny cancels the issuer's own Open HashLock or PubKeyLock
// referenced by a denied command.
func (g *Gateway) refundOnDeny(ctx context.Context, cmd *model.Command) bool {
	if cmd.PaymentProof == nil || cmd.PaymentProof.LockID == "" {
		return false
	}
	lock, err := g.escrow.Get(ctx, cmd.PaymentProof.LockID)
	if err != nil || lock.State != escrow.Open || lock.Issuer != cmd.Issuer {
		return false
	}
	if _, ok := lock.Condition.(escrow.TimeLock); ok {
		return false
	}
	if _, err := g.escrow.Refund(ctx, lock.ID, escrow.RefundCancel); err != nil {
		g.log.Warn("refund on deny failed", zap.String("lock_id", lock.ID), zap.Error(err))
		return false
	}
	g.log.Info("escrow refunded on deny", zap.String("lock_id", lock.ID), zap.String("issuer", cmd.Issuer))
	return true
}

func (g *Gateway) hold(ctx context.Context, rc *record, cmd *model.Command, auth *model.Authorization, dec policy.Decision) (*Result, error) {
	// The held entry is installed under g.mu together with Create, so a
	// Resolve racing on the new ID always finds it.
	g.mu.Lock()
	c, err := g.confirmations.Create(cmd, rc.digest, dec.Danger, dec.PolicyHash, g.timeouts.For(dec.Danger))
	if err == nil {
		g.held[c.ID] = &held{auth: auth, decision: dec}
	}
	g.mu.Unlock()
	if err != nil {
		dec.Hold.Release()
		return g.deny(ctx, rc, cmd, model.StepConfirmation, model.ReasonInternal, "confirmation", err, true)
	}
	g.refreshPending()

	g.metrics.ObserveDecision(string(model.Pending), "")
	g.log.Info("command held for confirmation",
		zap.String("confirmation_id", c.ID),
		zap.String("issuer", cmd.Issuer),
		zap.String("schema_type", cmd.SchemaType),
		zap.Int("danger", dec.Danger),
		zap.Time("expires_at", c.ExpiresAt))
	expires := c.ExpiresAt
	g.alerts.Dispatch(alert.Event{
		Timestamp:      g.now(),
		Type:           alert.TypePending,
		Issuer:         cmd.Issuer,
		SchemaType:     cmd.SchemaType,
		Danger:         dec.Danger,
		ConfirmationID: c.ID,
		ExpiresAt:      &expires,
		Message:        fmt.Sprintf("hivegate approve %s --operator <id>", c.ID),
	})
	return &Result{
		Verdict:        model.Pending,
		Step:           model.StepConfirmation,
		Danger:         dec.Danger,
		ConfirmationID: c.ID,
		ExpiresAt:      &expires,
	}, nil
}

// allow claims the escrow lock, if any, commits the hold and records the
// Allow.
func (g *Gateway) allow(ctx context.Context, rc *record, cmd *model.Command, dec policy.Decision) (*Result, error) {
	settlement := receipt.SettlementNone
	lockID := ""
	var settleErr error
	step, code, resource := model.Step(""), model.ReasonNone, ""

	if dec.Lock != nil {
		lockID = dec.Lock.ID
		sctx, cancel := context.WithTimeout(ctx, g.settleTimeout)
		_, err := g.escrow.Claim(sctx, lockID, cmd.PaymentProof.Proof)
		cancel()
		if err != nil {
			settlement = receipt.SettlementUnsettled
			step, code, resource = model.StepSettlement, settlementReason(err), lockID
			settleErr = model.Fail(model.StepSettlement, code, lockID, fmt.Errorf("%w: %v", ErrUnsettled, err))
			g.metrics.ObserveSettlementFailure()
			g.log.Error("settlement after allow failed",
				zap.String("lock_id", lockID),
				zap.String("issuer", cmd.Issuer),
				zap.Error(err))
		} else {
			settlement = receipt.SettlementSettled
		}
	}
	dec.Hold.Commit()

	r, err := g.appendReceipt(ctx, rc, model.Allow, step, code, resource, settlement, lockID)
	if err != nil {
		return nil, err
	}
	res := resultFrom(r, "")
	if settleErr != nil {
		res.Message = settleErr.Error()
		g.alerts.Dispatch(alert.Event{
			Timestamp:  g.now(),
			Type:       alert.TypeUnsettled,
			Issuer:     cmd.Issuer,
			SchemaType: cmd.SchemaType,
			Reason:     string(code),
			Danger:     rc.danger,
			ReceiptID:  r.ID,
			LockID:     lockID,
			Message:    res.Message,
		})
	}
	return res, settleErr
}

func settlementReason(err error) model.ReasonCode {
	switch {
	case errors.Is(err, escrow.ErrLockExpired):
		return model.ReasonLockExpired
	case errors.Is(err, escrow.ErrAlreadySettled):
		return model.ReasonAlreadySettled
	case errors.Is(err, escrow.ErrInvalidProof), errors.Is(err, escrow.ErrLockNotFound):
		return model.ReasonInsufficientEscrow
	default:
		return model.ReasonUnreachableSettlementBackend
	}
}

func (g *Gateway) refreshPending() {
	if pending, err := g.confirmations.Pending(); err == nil {
		g.metrics.SetPending(len(pending))
	}
}

// stateHash digests the mutable state a decision can change: spending
// windows, open escrow and the policy in force.
func (g *Gateway) stateHash(ctx context.Context) string {
	usage := g.engine.Spending().Snapshot()
	windows := make([]any, 0, len(usage))
	for _, u := range usage {
		windows = append(windows, map[string]any{
			"window":    u.Window,
			"start":     u.Start.UTC().Format(time.RFC3339),
			"committed": u.Committed,
			"reserved":  u.Reserved,
		})
	}
	available, err := g.escrow.Available(ctx)
	if err != nil {
		available = -1
	}
	_, policyHash := g.engine.Document()
	d, err := canon.DigestValue(map[string]any{
		"spending":         windows,
		"escrow_open_msat": available,
		"policy_hash":      policyHash,
	})
	if err != nil {
		return ""
	}
	return d
}

// VerifyOptions returns the keys used to check receipt signatures: the
// node key and issuer keys from the grant table.
func (g *Gateway) VerifyOptions() receipt.VerifyOptions {
	grants := g.verifier.Grants()
	return receipt.VerifyOptions{
		NodeKey: g.nodeKey,
		IssuerKeys: func(issuer string) (ed25519.PublicKey, bool) {
			grant, ok := grants.Lookup(issuer)
			if !ok {
				return nil, false
			}
			pub, err := canon.ParsePublicKey(grant.PublicKey)
			return pub, err == nil
		},
	}
}
