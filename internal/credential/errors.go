package credential

import "errors"

var (
	ErrBadSignature        = errors.New("bad signature")
	ErrScopeInsufficient   = errors.New("scope insufficient")
	ErrExpired             = errors.New("expired")
	ErrReplayDetected      = errors.New("replay detected")
	ErrRevoked             = errors.New("credential revoked")
	ErrIdentityUnavailable = errors.New("identity collaborator unavailable")
	ErrUnknownIssuer       = errors.New("unknown issuer")
)
