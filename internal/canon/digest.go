package canon

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix marks every digest string produced by this package.
const Prefix = "sha256:"

// DigestBytes returns the raw SHA-256 digest of data.
func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Digest returns "sha256:<hex>" of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// DigestValue canonicalizes v and returns its digest.
func DigestValue(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// DecodeDigest strips the prefix and returns the raw digest bytes.
func DecodeDigest(d string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(d, Prefix))
}

// ParsePublicKey decodes a hex ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a hex ed25519 signature over msg.
func Verify(pub ed25519.PublicKey, msg []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, ErrInvalidSignature
	}
	return ed25519.Verify(pub, msg, sig), nil
}

// KeySigner signs with an ed25519 private key loaded from a seed.
type KeySigner struct {
	priv ed25519.PrivateKey
}

// SignerFromSeedHex loads a signer from a 32-byte hex seed.
func SignerFromSeedHex(seedHex string) (*KeySigner, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeedSize
	}
	return &KeySigner{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(priv ed25519.PrivateKey) *KeySigner {
	return &KeySigner{priv: priv}
}

// Sign returns the hex signature of msg.
func (s *KeySigner) Sign(msg []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, msg)), nil
}

// PublicKey returns the signer's public key.
func (s *KeySigner) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}
