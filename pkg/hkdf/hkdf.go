// Package hkdf derives the fixed-size session sub-keys HAP pairing needs
// from HKDF-SHA-512 (RFC 5869), salted and labeled per step.
package hkdf

import (
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sha512 runs HKDF-SHA-512 extract-then-expand over key with the given salt
// and info strings, returning a 32-byte output.
func Sha512(key []byte, salt, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha512.New, key, []byte(salt), []byte(info))
	_, err := io.ReadFull(r, out[:])
	return out, err
}
