//go:build linux

package cvcrypto

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// SecretBuffer holds key material outside the Go heap. The backing memory is
// an anonymous mapping that is locked against swap and excluded from core
// dumps. When the platform refuses the mapping (for example because of a low
// RLIMIT_MEMLOCK) the buffer falls back to a heap slice; Close still zeroes it.
type SecretBuffer struct {
	mu     sync.Mutex
	data   []byte
	mapped bool
	closed bool
}

// NewSecretBuffer allocates a zeroed secret buffer of size bytes.
func NewSecretBuffer(size int) (*SecretBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret buffer size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return &SecretBuffer{data: make([]byte, size)}, nil
	}
	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data)
		return &SecretBuffer{data: make([]byte, size)}, nil
	}
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	return &SecretBuffer{data: data, mapped: true}, nil
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

// Bytes returns the protected bytes. The slice must not outlive the buffer.
// It panics after Close.
func (b *SecretBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("cvcrypto: read from closed secret buffer")
	}
	return b.data
}

// Locked reports whether the buffer is backed by mlocked memory.
func (b *SecretBuffer) Locked() bool { return b.mapped }

// Close zeroes and releases the buffer. It is idempotent.
func (b *SecretBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)
	if !b.mapped {
		b.data = nil
		return nil
	}
	var first error
	if err := unix.Munlock(b.data); err != nil {
		first = fmt.Errorf("munlock: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil && first == nil {
		first = fmt.Errorf("munmap: %w", err)
	}
	b.data = nil
	return first
}
