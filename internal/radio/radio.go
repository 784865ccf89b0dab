// Package radio carries short frames between nearby devices. It stands in
// for the connectionless peer-to-peer radio the mesh and chirp protocols
// were built for: frames of at most MaxFrameSize bytes, addressed by a
// 6-byte MAC, with a broadcast address and no delivery guarantee.
package radio

import (
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
)

// MaxFrameSize is the largest frame the radio carries.
const MaxFrameSize = 250

// MAC is a radio hardware address.
type MAC [6]byte

// Broadcast addresses every device in range.
var Broadcast = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (m MAC) String() string { return hex.EncodeToString(m[:]) }

// IsBroadcast reports whether m is the broadcast address.
func (m MAC) IsBroadcast() bool { return m == Broadcast }

var (
	// ErrFrameSize is returned for empty frames and frames over MaxFrameSize.
	ErrFrameSize = errors.New("radio: frame size out of range")
	// ErrClosed is returned by a closed transport.
	ErrClosed = errors.New("radio: transport closed")
)

// Transport sends frames. Sends are fire-and-forget; a nil error means the
// frame was handed to the medium, not that anyone received it.
type Transport interface {
	Send(dst MAC, frame []byte) error
	Broadcast(frame []byte) error
	LocalMAC() MAC
}

// Frame is one received frame.
type Frame struct {
	Src  MAC
	Data []byte
	RSSI int8
}

// Slot is a single-frame receive buffer shared between the receive path and
// the main loop. The receive path drops frames while one is pending; the
// main loop takes at most one frame per call.
type Slot struct {
	pending atomic.Bool
	wmu     sync.Mutex
	src     MAC
	rssi    int8
	n       int
	buf     [MaxFrameSize]byte
	dropped atomic.Uint64
}

// Deliver copies data into the slot. It reports false when the frame was
// dropped because of its size or because a frame is still pending.
func (s *Slot) Deliver(src MAC, data []byte, rssi int8) bool {
	if len(data) == 0 || len(data) > MaxFrameSize {
		s.dropped.Add(1)
		return false
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.pending.Load() {
		s.dropped.Add(1)
		return false
	}
	s.src, s.rssi = src, rssi
	s.n = copy(s.buf[:], data)
	s.pending.Store(true)
	return true
}

// Take returns the pending frame, if any, and frees the slot.
func (s *Slot) Take() (Frame, bool) {
	if !s.pending.Load() {
		return Frame{}, false
	}
	f := Frame{Src: s.src, RSSI: s.rssi, Data: append([]byte(nil), s.buf[:s.n]...)}
	s.pending.Store(false)
	return f, true
}

// Pending reports whether a frame is waiting.
func (s *Slot) Pending() bool { return s.pending.Load() }

// Dropped returns how many frames the slot has refused.
func (s *Slot) Dropped() uint64 { return s.dropped.Load() }
