package canon

import "errors"

var (
	ErrNonFiniteFloat   = errors.New("non-finite float values are not allowed")
	ErrNonStringMapKey  = errors.New("map keys must be strings")
	ErrUnsupportedType  = errors.New("unsupported type for canonicalization")
	ErrKeyCollision     = errors.New("normalized map key collision")
	ErrInvalidKey       = errors.New("invalid ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature encoding")
	ErrInvalidSeedSize  = errors.New("invalid ed25519 seed size")
)
