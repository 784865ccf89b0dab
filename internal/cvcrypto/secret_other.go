//go:build !linux

package cvcrypto

import (
	"fmt"
	"sync"
)

// SecretBuffer holds key material and zeroes it on Close. Memory locking is
// only available on linux; elsewhere the buffer lives on the heap.
type SecretBuffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewSecretBuffer allocates a zeroed secret buffer of size bytes.
func NewSecretBuffer(size int) (*SecretBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret buffer size must be positive, got %d", size)
	}
	return &SecretBuffer{data: make([]byte, size)}, nil
}

// NewSecretFrom copies src into a new buffer and zeroes src.
func NewSecretFrom(src []byte) (*SecretBuffer, error) {
	b, err := NewSecretBuffer(len(src))
	if err != nil {
		return nil, err
	}
	copy(b.data, src)
	Zero(src)
	return b, nil
}

// Bytes returns the protected bytes. It panics after Close.
func (b *SecretBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("cvcrypto: read from closed secret buffer")
	}
	return b.data
}

// Locked always reports false on this platform.
func (b *SecretBuffer) Locked() bool { return false }

// Close zeroes the buffer. It is idempotent.
func (b *SecretBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)
	b.data = nil
	return nil
}
