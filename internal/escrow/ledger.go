package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/hivegate/internal/metrics"
)

// Funder moves funds into escrow. It is the wallet collaborator; the ledger
// only records the resulting lock.
type Funder interface {
	Fund(ctx context.Context, amountMsat int64) error
}

// LockRequest describes a lock to open.
type LockRequest struct {
	Issuer     string
	AmountMsat int64
	Condition  Condition
	// Deadline optionally bounds claims on HashLock and PubKeyLock locks.
	Deadline time.Time
}

// Options configures a Ledger.
type Options struct {
	Store       Store
	Funder      Funder
	FundTimeout time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Recorder
}

// Ledger manages lock lifecycles. Transitions on one lock are serialized by
// a per-lock mutex; different locks proceed independently.
type Ledger struct {
	store       Store
	funder      Funder
	fundTimeout time.Duration
	now         func() time.Time
	log         *zap.Logger
	metrics     *metrics.Recorder
	keys        sync.Map
}

func NewLedger(opts Options) *Ledger {
	l := &Ledger{
		store:       opts.Store,
		funder:      opts.Funder,
		fundTimeout: opts.FundTimeout,
		now:         opts.Now,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	if l.fundTimeout <= 0 {
		l.fundTimeout = 10 * time.Second
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	return l
}

func (l *Ledger) mutex(id string) *sync.Mutex {
	m, _ := l.keys.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// OpenLock records a new Open lock.
func (l *Ledger) OpenLock(ctx context.Context, req LockRequest) (Lock, error) {
	if req.AmountMsat <= 0 {
		return Lock{}, fmt.Errorf("%w: amount must be positive", ErrInvalidCondition)
	}
	if err := Validate(req.Condition); err != nil {
		return Lock{}, err
	}
	lock := Lock{
		ID:         uuid.NewString(),
		Issuer:     req.Issuer,
		AmountMsat: req.AmountMsat,
		Condition:  req.Condition,
		Deadline:   req.Deadline,
		State:      Open,
		CreatedAt:  l.now().UTC(),
	}
	if err := l.store.Insert(ctx, lock); err != nil {
		return Lock{}, fmt.Errorf("insert lock: %w", err)
	}
	l.metrics.ObserveEscrowTransition(string(Open))
	l.log.Info("escrow lock opened",
		zap.String("lock_id", lock.ID),
		zap.String("kind", lock.Condition.Kind()),
		zap.Int64("amount_msat", lock.AmountMsat))
	return lock, nil
}

// Get returns a lock by ID.
func (l *Ledger) Get(ctx context.Context, id string) (Lock, error) {
	return l.store.Get(ctx, id)
}

// Check validates that a claim with proof would succeed and that the lock
// covers minAmount, without changing any state.
func (l *Ledger) Check(ctx context.Context, id, proof string, minAmount int64) (Lock, error) {
	lock, err := l.store.Get(ctx, id)
	if err != nil {
		return Lock{}, err
	}
	if err := l.claimable(lock, proof); err != nil {
		return lock, err
	}
	if lock.AmountMsat < minAmount {
		return lock, fmt.Errorf("%w: lock holds %d msat, need %d", ErrInsufficientEscrow, lock.AmountMsat, minAmount)
	}
	return lock, nil
}

func (l *Ledger) claimable(lock Lock, proof string) error {
	switch lock.State {
	case Open:
	case Expired:
		return ErrLockExpired
	default:
		return ErrAlreadySettled
	}
	if d := lock.deadline(); !d.IsZero() && !l.now().Before(d) {
		return ErrLockExpired
	}
	return checkProof(lock.Condition, lock.ID, proof)
}

// Claim settles an Open lock. The deadline takes precedence over a valid
// proof: a HashLock or PubKeyLock claimed late is marked Expired.
func (l *Ledger) Claim(ctx context.Context, id, proof string) (Lock, error) {
	mu := l.mutex(id)
	mu.Lock()
	defer mu.Unlock()

	lock, err := l.store.Get(ctx, id)
	if err != nil {
		return Lock{}, err
	}
	if err := l.claimable(lock, proof); err != nil {
		if errors.Is(err, ErrLockExpired) && lock.State == Open {
			if _, isTime := lock.Condition.(TimeLock); !isTime {
				if _, terr := l.transition(ctx, lock, Expired, ""); terr != nil {
					return lock, terr
				}
			}
		}
		return lock, err
	}
	return l.transition(ctx, lock, Claimed, "")
}

// Refund returns an Open lock's funds. TimeLock locks refund once their
// deadline has passed; HashLock and PubKeyLock locks only on RefundCancel.
func (l *Ledger) Refund(ctx context.Context, id string, reason RefundReason) (Lock, error) {
	mu := l.mutex(id)
	mu.Lock()
	defer mu.Unlock()

	lock, err := l.store.Get(ctx, id)
	if err != nil {
		return Lock{}, err
	}
	if lock.State != Open {
		return lock, ErrAlreadySettled
	}
	switch c := lock.Condition.(type) {
	case TimeLock:
		if l.now().Before(c.Deadline) {
			return lock, fmt.Errorf("%w: timelock deadline %s not reached", ErrRefundNotAllowed, c.Deadline.Format(time.RFC3339))
		}
		if reason == "" {
			reason = RefundTimeout
		}
	case HashLock, PubKeyLock:
		if reason != RefundCancel {
			return lock, fmt.Errorf("%w: %s lock needs an operator cancel", ErrRefundNotAllowed, c.Kind())
		}
	default:
		return lock, fmt.Errorf("%w: %T", ErrInvalidCondition, c)
	}
	return l.transition(ctx, lock, Refunded, reason)
}

// Sweep expires HashLock and PubKeyLock locks whose claim deadline passed.
// TimeLock locks stay Open so their holder can refund them.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	open, err := l.store.List(ctx, Open)
	if err != nil {
		return 0, err
	}
	now := l.now()
	n := 0
	for _, candidate := range open {
		if _, isTime := candidate.Condition.(TimeLock); isTime {
			continue
		}
		if candidate.Deadline.IsZero() || now.Before(candidate.Deadline) {
			continue
		}
		expired, err := l.expire(ctx, candidate.ID, now)
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

func (l *Ledger) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	mu := l.mutex(id)
	mu.Lock()
	defer mu.Unlock()

	lock, err := l.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if lock.State != Open || lock.Deadline.IsZero() || now.Before(lock.Deadline) {
		return false, nil
	}
	_, err = l.transition(ctx, lock, Expired, "")
	return err == nil, err
}

func (l *Ledger) transition(ctx context.Context, lock Lock, to State, reason RefundReason) (Lock, error) {
	lock.State = to
	lock.SettledAt = l.now().UTC()
	lock.RefundReason = reason
	if err := l.store.Update(ctx, lock); err != nil {
		return lock, fmt.Errorf("update lock %s: %w", lock.ID, err)
	}
	l.metrics.ObserveEscrowTransition(string(to))
	l.log.Info("escrow lock settled",
		zap.String("lock_id", lock.ID),
		zap.String("state", string(to)),
		zap.String("reason", string(reason)))
	return lock, nil
}

// Available sums the amounts of all Open locks.
func (l *Ledger) Available(ctx context.Context) (int64, error) {
	open, err := l.store.List(ctx, Open)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, lock := range open {
		total += lock.AmountMsat
	}
	return total, nil
}

// ReplenishIfBelow funds and opens a new lock for amount when the available
// balance is under threshold. Existing locks are never touched. It returns
// nil when no replenishment was needed.
func (l *Ledger) ReplenishIfBelow(ctx context.Context, threshold, amount int64, template LockRequest) (*Lock, error) {
	available, err := l.Available(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplenishFailed, err)
	}
	if available >= threshold {
		return nil, nil
	}
	if l.funder == nil {
		return nil, fmt.Errorf("%w: no funder configured", ErrReplenishFailed)
	}

	fctx, cancel := context.WithTimeout(ctx, l.fundTimeout)
	defer cancel()
	if err := l.funder.Fund(fctx, amount); err != nil {
		l.log.Warn("escrow replenish failed", zap.Int64("amount_msat", amount), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrReplenishFailed, err)
	}

	template.AmountMsat = amount
	lock, err := l.OpenLock(ctx, template)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplenishFailed, err)
	}
	return &lock, nil
}
