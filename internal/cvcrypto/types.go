package cvcrypto

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Hash is a SHA-256 digest.
type Hash [32]byte

// Fingerprint is the first 8 bytes of the domain-separated hash of a public key.
type Fingerprint [8]byte

// PublicKey is an Ed25519 public key.
type PublicKey [32]byte

// PrivateKey is an Ed25519 private key seed.
type PrivateKey [32]byte

// Signature is an Ed25519 signature.
type Signature [64]byte

// SessionKey is a symmetric key derived by ECDH and HKDF.
type SessionKey [32]byte

// OperaID identifies a mesh cluster.
type OperaID [16]byte

func (h Hash) String() string        { return hex.EncodeToString(h[:]) }
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }
func (p PublicKey) String() string   { return hex.EncodeToString(p[:]) }
func (o OperaID) String() string     { return hex.EncodeToString(o[:]) }

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var p PublicKey
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(p) {
		return p, fmt.Errorf("public key must be %d hex bytes", len(p))
	}
	copy(p[:], b)
	return p, nil
}

// Equal compares two hashes in constant time.
func (h Hash) Equal(o Hash) bool {
	return subtle.ConstantTimeCompare(h[:], o[:]) == 1
}

// IsZero reports whether the hash is all zero bytes.
func (h Hash) IsZero() bool {
	var z Hash
	return h == z
}

// Wipe zeroes the key in place.
func (k *PrivateKey) Wipe() { Zero(k[:]) }

// Wipe zeroes the key in place.
func (k *SessionKey) Wipe() { Zero(k[:]) }
