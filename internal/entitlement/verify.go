package entitlement

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	apperrors "tiergate/internal/errors"
)

// SignatureVerifier checks Ed25519 signatures over the raw decoded
// payload bytes of an invite code. It carries no mutable state and is
// safe for concurrent use.
type SignatureVerifier struct {
	key ed25519.PublicKey
}

// NewSignatureVerifier builds a verifier from a standard-base64 encoded
// Ed25519 public key, as carried in configuration. An empty key, an
// undecodable key, or a key of the wrong length all report
// ErrKeyNotConfigured: verification must never silently succeed.
func NewSignatureVerifier(encodedKey string) (*SignatureVerifier, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, apperrors.ErrKeyNotConfigured
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 public key: %v", apperrors.ErrKeyNotConfigured, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d",
			apperrors.ErrKeyNotConfigured, ed25519.PublicKeySize, len(key))
	}

	return &SignatureVerifier{key: ed25519.PublicKey(key)}, nil
}

// Verify checks that signature was produced over exactly payload by the
// holder of the configured key's private half. The payload here is the
// decoded JSON bytes, not the Base64URL text the code carries.
func (v *SignatureVerifier) Verify(payload, signature []byte) error {
	if v == nil || len(v.key) != ed25519.PublicKeySize {
		return apperrors.ErrKeyNotConfigured
	}
	if !ed25519.Verify(v.key, payload, signature) {
		return apperrors.ErrInvalidSignature
	}
	return nil
}
