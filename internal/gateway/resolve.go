package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/policy"
)

// ErrInFlight means another goroutine is already recording the outcome of
// the same confirmation.
var ErrInFlight = errors.New("confirmation outcome is being recorded")

// ErrAlreadyRecorded means the confirmation's outcome is already in the
// receipt ledger.
var ErrAlreadyRecorded = errors.New("confirmation outcome already recorded")

// Resolve applies an operator's signed approval or rejection. Only the first
// resolution of a confirmation takes effect; later ones get
// confirm.ErrAlreadyResolved, and resolutions at or after the deadline get
// confirm.ErrExpired.
func (g *Gateway) Resolve(ctx context.Context, r confirm.Resolution) (*Result, error) {
	if g.operators == nil {
		return nil, fmt.Errorf("%w: no operators configured", confirm.ErrUnauthorized)
	}
	if err := g.operators.Verify(r); err != nil {
		g.log.Warn("operator resolution rejected",
			zap.String("confirmation_id", r.ConfirmationID),
			zap.String("operator", r.OperatorID),
			zap.Error(err))
		return nil, err
	}
	h, ok := g.beginFinish(r.ConfirmationID)
	if !ok {
		return nil, ErrInFlight
	}
	c, err := g.confirmations.Resolve(r.ConfirmationID, r.State(), r.OperatorID)
	if err != nil {
		g.abortFinish(r.ConfirmationID, h)
		return nil, err
	}
	g.log.Info("confirmation resolved",
		zap.String("confirmation_id", c.ID),
		zap.String("state", string(c.State)),
		zap.String("operator", c.OperatorID))
	defer g.endFinish(c.ID)
	res, err := g.record(ctx, c, h)
	g.refreshPending()
	return res, err
}

func (g *Gateway) beginFinish(id string) (*held, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finishing[id] {
		return nil, false
	}
	g.finishing[id] = true
	h := g.held[id]
	delete(g.held, id)
	return h, true
}

// abortFinish gives back a held evaluation when the resolution did not
// take effect.
func (g *Gateway) abortFinish(id string, h *held) {
	g.mu.Lock()
	delete(g.finishing, id)
	if h != nil {
		g.held[id] = h
	}
	g.mu.Unlock()
}

func (g *Gateway) endFinish(id string) {
	g.mu.Lock()
	delete(g.finishing, id)
	g.mu.Unlock()
}

// finish records the terminal outcome of a resolved confirmation and marks
// it recorded. It is also the crash-recovery path for confirmations that
// were resolved but never got a receipt.
func (g *Gateway) finish(ctx context.Context, c *confirm.Confirmation) (*Result, error) {
	h, ok := g.beginFinish(c.ID)
	if !ok {
		return nil, ErrInFlight
	}
	defer g.endFinish(c.ID)
	return g.record(ctx, c, h)
}

// record writes the receipt for a terminal confirmation. The caller holds
// the in-flight slot for c.ID.
func (g *Gateway) record(ctx context.Context, c *confirm.Confirmation, h *held) (*Result, error) {
	if cur, err := g.confirmations.Get(c.ID); err == nil && cur.ReceiptID != nil {
		if h != nil {
			h.decision.Hold.Release()
		}
		return nil, fmt.Errorf("%w: %s is receipt %d", ErrAlreadyRecorded, c.ID, *cur.ReceiptID)
	}

	rc := g.recordFromConfirmation(ctx, c)
	cmd := &c.Command
	if c.PolicyHash != "" {
		rc.policyHash = c.PolicyHash
	}

	var (
		res *Result
		err error
	)
	switch c.State {
	case confirm.Approved:
		res, err = g.approve(ctx, rc, cmd, c, h)
	case confirm.Rejected:
		if h != nil {
			h.decision.Hold.Release()
		}
		res, err = g.deny(ctx, rc, cmd, model.StepOperator, model.ReasonOperatorDenied, "operator:"+c.OperatorID,
			fmt.Errorf("rejected by operator %s", c.OperatorID), true)
	case confirm.Expired:
		if h != nil {
			h.decision.Hold.Release()
		}
		res, err = g.deny(ctx, rc, cmd, model.StepExpiry, model.ReasonConfirmationExpired, "confirmation:"+c.ID,
			fmt.Errorf("confirmation expired at %s", c.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z")), true)
	default:
		return nil, fmt.Errorf("confirmation %s is still %s", c.ID, c.State)
	}
	if res == nil {
		return nil, err
	}
	if merr := g.confirmations.MarkRecorded(c.ID, res.ReceiptID); merr != nil {
		g.log.Error("mark confirmation recorded failed",
			zap.String("confirmation_id", c.ID),
			zap.Uint64("receipt_id", res.ReceiptID),
			zap.Error(merr))
	}
	return res, err
}

// approve settles an approved command. A held evaluation is reused; after a
// restart the issuer is re-authorized and the holds re-taken, and any
// failure there turns into a Deny.
func (g *Gateway) approve(ctx context.Context, rc *record, cmd *model.Command, c *confirm.Confirmation, h *held) (*Result, error) {
	if mu := g.paymentMutex(cmd); mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}

	var dec policy.Decision
	if h != nil {
		dec = h.decision
		if dec.Lock != nil {
			if _, err := g.escrow.Check(ctx, dec.Lock.ID, cmd.PaymentProof.Proof, 0); err != nil {
				dec.Hold.Release()
				return g.deny(ctx, rc, cmd, model.StepSettlement, settlementReason(err), dec.Lock.ID, err, true)
			}
		}
	} else {
		auth, err := g.verifier.Reauthorize(ctx, cmd)
		if err != nil {
			return g.deny(ctx, rc, cmd, model.StepOf(err), model.ReasonOf(err), resourceOf(err, cmd.Issuer), err, false)
		}
		dec = g.engine.Reacquire(ctx, auth, cmd, c.Danger)
		rc.policyHash = dec.PolicyHash
		if dec.Verdict == model.Deny {
			return g.deny(ctx, rc, cmd, dec.Step, dec.Reason, dec.Resource, dec.Err, true)
		}
	}
	return g.allow(ctx, rc, cmd, dec)
}
