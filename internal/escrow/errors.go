package escrow

import "errors"

var (
	ErrLockNotFound       = errors.New("escrow lock not found")
	ErrLockExpired        = errors.New("escrow lock expired")
	ErrAlreadySettled     = errors.New("escrow lock already settled")
	ErrInvalidProof       = errors.New("invalid claim proof")
	ErrRefundNotAllowed   = errors.New("refund not allowed")
	ErrInsufficientEscrow = errors.New("insufficient escrow")
	ErrReplenishFailed    = errors.New("replenish failed")
	ErrInvalidCondition   = errors.New("invalid lock condition")
)
