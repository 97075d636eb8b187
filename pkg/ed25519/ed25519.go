// Package ed25519 wraps the accessory identity primitives: keygen, signing,
// and verification over the stdlib implementation.
package ed25519

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// ErrInvalidParams is returned when a key or signature has the wrong size.
var ErrInvalidParams = errors.New("ed25519: invalid params")

// GenerateKey returns a fresh (32-byte public, 64-byte private) keypair.
func GenerateKey() (public, private []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Sign signs data with private, a 64-byte Ed25519 private key.
func Sign(private, data []byte) ([]byte, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, ErrInvalidParams
	}
	return ed25519.Sign(private, data), nil
}

// Verify reports whether signature over data was produced by the private
// key matching public.
func Verify(public, data, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(public, data, signature)
}
