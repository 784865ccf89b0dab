// Package nvs is a namespaced key/value store with scoped handles, in the
// style of the ESP-IDF non-volatile storage API the witness firmware was
// written against.
//
// A handle is opened read-only or read-write on one namespace. Writes on a
// read-write handle are staged in order and applied by Commit as one batch;
// Close commits anything still staged and releases the handle.
package nvs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Namespaces used by the device.
const (
	NamespaceCore  = "securacv"
	NamespaceRF    = "rf"
	NamespaceMesh  = "mesh"
	NamespaceChirp = "chirp"
)

var (
	// ErrReadOnly is returned by writes on a read-only handle.
	ErrReadOnly = errors.New("nvs: handle is read-only")
	// ErrClosed is returned by any use of a closed handle.
	ErrClosed = errors.New("nvs: handle is closed")
	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("nvs: storage unavailable")
)

// Kind tags the stored type of a value.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindU8
	KindU32
	KindBytes
)

// Op is one staged mutation.
type Op struct {
	Key    string
	Kind   Kind
	Val    []byte
	Remove bool
	Clear  bool
}

// Backend persists namespaced values. Apply must apply ops in order; a
// backend that supports transactions applies the whole batch atomically.
type Backend interface {
	Load(ns, key string) (Kind, []byte, bool, error)
	Apply(ns string, ops []Op) error
	Ping() error
}

// Store hands out scoped handles over a backend.
type Store struct {
	backend Backend
	mu      sync.Mutex
}

// New returns a store over b.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// OpenRO opens a read-only handle on ns.
func (s *Store) OpenRO(ns string) (*Handle, error) { return s.open(ns, false) }

// OpenRW opens a read-write handle on ns.
func (s *Store) OpenRW(ns string) (*Handle, error) { return s.open(ns, true) }

func (s *Store) open(ns string, rw bool) (*Handle, error) {
	if err := s.backend.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Handle{store: s, ns: ns, rw: rw}, nil
}

// Handle is a scoped view of one namespace.
type Handle struct {
	store   *Store
	ns      string
	rw      bool
	pending []Op
	closed  bool
	err     error
}

// Err returns the last read error, if any. Getters fall back to their
// default on error.
func (h *Handle) Err() error { return h.err }

func (h *Handle) lookup(key string) (Kind, []byte, bool) {
	if h.closed {
		h.err = ErrClosed
		return 0, nil, false
	}
	for i := len(h.pending) - 1; i >= 0; i-- {
		op := h.pending[i]
		if op.Clear {
			return 0, nil, false
		}
		if op.Key != key {
			continue
		}
		if op.Remove {
			return 0, nil, false
		}
		return op.Kind, op.Val, true
	}
	h.store.mu.Lock()
	kind, val, ok, err := h.store.backend.Load(h.ns, key)
	h.store.mu.Unlock()
	if err != nil {
		h.err = err
		return 0, nil, false
	}
	return kind, val, ok
}

// Has reports whether key is present.
func (h *Handle) Has(key string) bool {
	_, _, ok := h.lookup(key)
	return ok
}

// GetBool returns the bool at key, or def.
func (h *Handle) GetBool(key string, def bool) bool {
	kind, val, ok := h.lookup(key)
	if !ok || kind != KindBool || len(val) != 1 {
		return def
	}
	return val[0] != 0
}

// GetU8 returns the byte at key, or def.
func (h *Handle) GetU8(key string, def uint8) uint8 {
	kind, val, ok := h.lookup(key)
	if !ok || kind != KindU8 || len(val) != 1 {
		return def
	}
	return val[0]
}

// GetU32 returns the uint32 at key, or def.
func (h *Handle) GetU32(key string, def uint32) uint32 {
	kind, val, ok := h.lookup(key)
	if !ok || kind != KindU32 || len(val) != 4 {
		return def
	}
	return binary.LittleEndian.Uint32(val)
}

// GetBytes returns a copy of the blob at key, or def.
func (h *Handle) GetBytes(key string, def []byte) []byte {
	kind, val, ok := h.lookup(key)
	if !ok || kind != KindBytes {
		return def
	}
	return append([]byte(nil), val...)
}

// GetFixed copies the blob at key into dst when the lengths match exactly.
func (h *Handle) GetFixed(key string, dst []byte) bool {
	kind, val, ok := h.lookup(key)
	if !ok || kind != KindBytes || len(val) != len(dst) {
		return false
	}
	copy(dst, val)
	return true
}

func (h *Handle) stage(op Op) error {
	if h.closed {
		return ErrClosed
	}
	if !h.rw {
		return ErrReadOnly
	}
	h.pending = append(h.pending, op)
	return nil
}

// PutBool stages a bool.
func (h *Handle) PutBool(key string, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return h.stage(Op{Key: key, Kind: KindBool, Val: []byte{b}})
}

// PutU8 stages a byte.
func (h *Handle) PutU8(key string, v uint8) error {
	return h.stage(Op{Key: key, Kind: KindU8, Val: []byte{v}})
}

// PutU32 stages a little-endian uint32.
func (h *Handle) PutU32(key string, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return h.stage(Op{Key: key, Kind: KindU32, Val: b[:]})
}

// PutBytes stages a copy of v.
func (h *Handle) PutBytes(key string, v []byte) error {
	return h.stage(Op{Key: key, Kind: KindBytes, Val: append([]byte(nil), v...)})
}

// Remove stages deletion of key.
func (h *Handle) Remove(key string) error {
	return h.stage(Op{Key: key, Remove: true})
}

// Clear stages deletion of every key in the namespace.
func (h *Handle) Clear() error {
	return h.stage(Op{Clear: true})
}

// Commit applies staged writes. On failure the staged writes are dropped and
// the caller may retry with a new handle.
func (h *Handle) Commit() error {
	if h.closed {
		return ErrClosed
	}
	if len(h.pending) == 0 {
		return nil
	}
	ops := h.pending
	h.pending = nil
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if err := h.store.backend.Apply(h.ns, ops); err != nil {
		return fmt.Errorf("commit %s: %w", h.ns, err)
	}
	return nil
}

// Discard drops staged writes and releases the handle.
func (h *Handle) Discard() {
	h.pending = nil
	h.closed = true
}

// Close commits staged writes and releases the handle. Close is idempotent.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	err := h.Commit()
	h.closed = true
	return err
}
