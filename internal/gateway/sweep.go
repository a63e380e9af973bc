package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	ExpiredConfirmations int    `json:"expired_confirmations"`
	Recovered            int    `json:"recovered"`
	ExpiredLocks         int    `json:"expired_locks"`
	PrunedOverrides      int    `json:"pruned_overrides"`
	ReplenishedLockID    string `json:"replenished_lock_id,omitempty"`
}

// Sweep expires overdue confirmations and escrow locks, drops lapsed
// temporary overrides, records outcomes left unrecorded by a crash and tops
// up escrow when a replenish floor is configured. Errors from one stage do
// not stop the others.
func (g *Gateway) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		rep  SweepReport
		errs []error
	)

	expired, err := g.confirmations.ExpireDue()
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range expired {
		if _, err := g.finish(ctx, c); err != nil {
			if !skippable(err) {
				errs = append(errs, err)
			}
			continue
		}
		rep.ExpiredConfirmations++
	}

	unrecorded, err := g.confirmations.Unrecorded()
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range unrecorded {
		if _, err := g.finish(ctx, c); err != nil {
			if !skippable(err) {
				errs = append(errs, err)
			}
			continue
		}
		rep.Recovered++
	}

	if n, err := g.escrow.Sweep(ctx); err != nil {
		errs = append(errs, err)
	} else {
		rep.ExpiredLocks = n
	}

	if n, err := g.engine.Overrides().Prune(g.now()); err != nil {
		errs = append(errs, err)
	} else {
		rep.PrunedOverrides = n
	}

	if g.replenish.ThresholdMsat > 0 {
		lock, err := g.escrow.ReplenishIfBelow(ctx, g.replenish.ThresholdMsat, g.replenish.AmountMsat, g.replenish.Template)
		if err != nil {
			errs = append(errs, err)
		} else if lock != nil {
			rep.ReplenishedLockID = lock.ID
		}
	}

	g.refreshPending()
	if rep != (SweepReport{}) {
		g.log.Info("sweep complete",
			zap.Int("expired_confirmations", rep.ExpiredConfirmations),
			zap.Int("recovered", rep.Recovered),
			zap.Int("expired_locks", rep.ExpiredLocks),
			zap.Int("pruned_overrides", rep.PrunedOverrides),
			zap.String("replenished_lock_id", rep.ReplenishedLockID))
	}
	return rep, errors.Join(errs...)
}

// Run sweeps every sweepEvery and seals a merkle batch every sealEvery
// until ctx is cancelled. A zero interval disables that job. One sweep runs
// immediately so outcomes left by a previous process are recorded first.
func (g *Gateway) Run(ctx context.Context, sweepEvery, sealEvery time.Duration) error {
	if _, err := g.Sweep(ctx); err != nil {
		g.log.Warn("startup sweep", zap.Error(err))
	}

	var sweepC, sealC <-chan time.Time
	if sweepEvery > 0 {
		t := time.NewTicker(sweepEvery)
		defer t.Stop()
		sweepC = t.C
	}
	if sealEvery > 0 {
		t := time.NewTicker(sealEvery)
		defer t.Stop()
		sealC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweepC:
			if _, err := g.Sweep(ctx); err != nil {
				g.log.Warn("sweep", zap.Error(err))
			}
		case <-sealC:
			b, err := g.receipts.SealBatch(ctx)
			if err != nil {
				g.log.Error("seal merkle batch", zap.Error(err))
				continue
			}
			if b != nil {
				g.log.Info("merkle batch sealed",
					zap.Uint64("seq", b.Seq),
					zap.Uint64("from_id", b.FromID),
					zap.Uint64("to_id", b.ToID),
					zap.String("root", b.Root))
			}
		}
	}
}

// skippable errors mean another path already owns the outcome, or the
// outcome was recorded as unsettled.
func skippable(err error) bool {
	return errors.Is(err, ErrInFlight) || errors.Is(err, ErrAlreadyRecorded) || errors.Is(err, ErrUnsettled)
}
