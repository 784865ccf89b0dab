// Package cvcrypto holds the cryptographic primitives used by the witness
// chain, the RF privacy firewall, the Opera mesh and the Chirp channel.
//
// All hashing that feeds a protocol goes through DomainHash, which inserts a
// single 0x00 byte between the domain tag and the data. The separator is
// written even when no data follows.
package cvcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"runtime"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Domain separation tags.
const (
	DomainFingerprint = "securacv:pubkey:fingerprint"
	DomainGenesis     = "securacv:genesis:v1"
	DomainPayload     = "securacv:payload:v1"
	DomainChain       = "securacv:chain:v1"
	DomainOperaID     = "securacv:opera:id:v0"
	DomainMeshAuth    = "securacv:mesh:auth:v0"
	DomainMeshSession = "securacv:mesh:session:v0"
	DomainMeshMessage = "securacv:mesh:message:v0"
	DomainPairConfirm = "securacv:pair:confirm:v0"
	DomainRFSession   = "canary:session:v0:"
	DomainChirpSess   = "securacv:chirp:session:v0"
	DomainChirpWit    = "securacv:chirp:witness:v0"
)

// AEAD sizes.
const (
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

var (
	// ErrRandom is returned when the random source cannot produce bytes.
	// Callers at boot treat it as fatal.
	ErrRandom = errors.New("cvcrypto: random source failed")
	// ErrECDH is returned for public keys that are not valid curve points
	// or that produce a low-order shared secret.
	ErrECDH = errors.New("cvcrypto: key agreement failed")
)

// Reader is the CSPRNG used by Fill. Tests may replace it.
var Reader io.Reader = rand.Reader

// Fill reads len(b) bytes from the CSPRNG.
func Fill(b []byte) error {
	if _, err := io.ReadFull(Reader, b); err != nil {
		return fmt.Errorf("%w: %v", ErrRandom, err)
	}
	return nil
}

// SHA256 hashes data without domain separation.
func SHA256(data []byte) Hash {
	return sha256.Sum256(data)
}

// DomainHash computes SHA-256(domain || 0x00 || parts...).
func DomainHash(domain string, parts ...[]byte) Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// FingerprintOf returns the 8-byte fingerprint of a public key.
func FingerprintOf(pub PublicKey) Fingerprint {
	h := DomainHash(DomainFingerprint, pub[:])
	var fp Fingerprint
	copy(fp[:], h[:8])
	return fp
}

// GenerateKeypair draws a 32-byte seed from the CSPRNG and derives the
// Ed25519 public key.
func GenerateKeypair() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	if err := Fill(priv[:]); err != nil {
		return PrivateKey{}, PublicKey{}, err
	}
	return priv, PublicFromPrivate(priv), nil
}

// PublicFromPrivate derives the Ed25519 public key for a seed.
func PublicFromPrivate(priv PrivateKey) PublicKey {
	key := ed25519.NewKeyFromSeed(priv[:])
	var pub PublicKey
	copy(pub[:], key[32:])
	Zero(key)
	return pub
}

// Sign signs msg with the expanded key priv||pub. A pub that does not belong
// to priv yields a signature that fails verification.
func Sign(priv PrivateKey, pub PublicKey, msg []byte) Signature {
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(key, priv[:])
	copy(key[32:], pub[:])
	var sig Signature
	copy(sig[:], ed25519.Sign(key, msg))
	Zero(key)
	return sig
}

// Verify checks an Ed25519 signature.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}

// VerifyFunc has the signature of Verify. Components that check signatures
// accept one so the check can be observed or replaced.
type VerifyFunc func(pub PublicKey, msg []byte, sig Signature) bool

// ECDH runs X25519 between an Ed25519 private seed and an Ed25519 public
// key, converting both to their Montgomery form.
func ECDH(priv PrivateKey, peer PublicKey) ([32]byte, error) {
	var out [32]byte
	p, err := new(edwards25519.Point).SetBytes(peer[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrECDH, err)
	}
	digest := sha512.Sum512(priv[:])
	scalar := digest[:32]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	shared, err := curve25519.X25519(scalar, p.BytesMontgomery())
	Zero(digest[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrECDH, err)
	}
	copy(out[:], shared)
	Zero(shared)
	return out, nil
}

// HKDF derives 32 bytes from ikm with HKDF-SHA256, no salt.
func HKDF(ikm []byte, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, ikm, nil, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 and empty associated data.
// The result is ciphertext || tag.
func Seal(key SessionKey, nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open decrypts ciphertext || tag. It reports false on authentication failure.
func Open(key SessionKey, nonce [NonceSize]byte, sealed []byte) ([]byte, bool) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, false
	}
	pt, err := aead.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return nil, false
	}
	return pt, true
}

// Zero overwrites b with zeros. It is kept out of line and b is kept alive
// past the loop so the stores cannot be elided.
//
//go:noinline
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
