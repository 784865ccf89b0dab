// Package cbor writes the canonical CBOR subset used for witness payloads
// into a caller-provided buffer, and decodes payloads for inspection.
package cbor

import (
	"encoding/binary"
	"math"
)

// Major types.
const (
	majorUint  = 0 << 5
	majorNeg   = 1 << 5
	majorBytes = 2 << 5
	majorText  = 3 << 5
	majorMap   = 5 << 5
	majorOther = 7 << 5
)

const (
	simpleFalse = 0xF4
	simpleTrue  = 0xF5
	simpleNull  = 0xF6
	float64Head = 0xFB
)

// Writer appends CBOR items to a fixed buffer. Once a write would overflow
// the buffer the writer is in error and every later write is a no-op.
type Writer struct {
	buf []byte
	pos int
	err bool
}

// NewWriter returns a writer over buf. The writer never grows buf.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Reset rewinds the writer and clears the error state.
func (w *Writer) Reset() {
	w.pos = 0
	w.err = false
}

// OK reports whether every write so far fit in the buffer.
func (w *Writer) OK() bool { return !w.err }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return w.pos }

// Bytes returns the encoded bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf[:w.pos] }

func (w *Writer) reserve(n int) []byte {
	if w.err || len(w.buf)-w.pos < n {
		w.err = true
		return nil
	}
	b := w.buf[w.pos : w.pos+n]
	w.pos += n
	return b
}

func (w *Writer) head(major byte, v uint64) {
	switch {
	case v < 24:
		if b := w.reserve(1); b != nil {
			b[0] = major | byte(v)
		}
	case v <= math.MaxUint8:
		if b := w.reserve(2); b != nil {
			b[0] = major | 24
			b[1] = byte(v)
		}
	case v <= math.MaxUint16:
		if b := w.reserve(3); b != nil {
			b[0] = major | 25
			binary.BigEndian.PutUint16(b[1:], uint16(v))
		}
	case v <= math.MaxUint32:
		if b := w.reserve(5); b != nil {
			b[0] = major | 26
			binary.BigEndian.PutUint32(b[1:], uint32(v))
		}
	default:
		if b := w.reserve(9); b != nil {
			b[0] = major | 27
			binary.BigEndian.PutUint64(b[1:], v)
		}
	}
}

// Map writes a map header with n key/value pairs.
func (w *Writer) Map(n int) {
	if n < 0 {
		w.err = true
		return
	}
	w.head(majorMap, uint64(n))
}

// Uint writes an unsigned integer in its shortest form.
func (w *Writer) Uint(v uint64) { w.head(majorUint, v) }

// Int writes a signed integer, choosing the unsigned or negative major type.
func (w *Writer) Int(v int64) {
	if v >= 0 {
		w.head(majorUint, uint64(v))
		return
	}
	w.head(majorNeg, uint64(-(v + 1)))
}

// Text writes a UTF-8 text string.
func (w *Writer) Text(s string) {
	w.head(majorText, uint64(len(s)))
	if b := w.reserve(len(s)); b != nil {
		copy(b, s)
	}
}

// ByteString writes a byte string.
func (w *Writer) ByteString(p []byte) {
	w.head(majorBytes, uint64(len(p)))
	if b := w.reserve(len(p)); b != nil {
		copy(b, p)
	}
}

// Bool writes true or false.
func (w *Writer) Bool(v bool) {
	if b := w.reserve(1); b != nil {
		if v {
			b[0] = simpleTrue
		} else {
			b[0] = simpleFalse
		}
	}
}

// Null writes the null simple value.
func (w *Writer) Null() {
	if b := w.reserve(1); b != nil {
		b[0] = simpleNull
	}
}

// Float64 writes an IEEE-754 double.
func (w *Writer) Float64(v float64) {
	if b := w.reserve(9); b != nil {
		b[0] = float64Head
		binary.BigEndian.PutUint64(b[1:], math.Float64bits(v))
	}
}

// KeyText is a convenience for a text key followed by a text value.
func (w *Writer) KeyText(k, v string) {
	w.Text(k)
	w.Text(v)
}

// KeyUint writes a text key followed by an unsigned value.
func (w *Writer) KeyUint(k string, v uint64) {
	w.Text(k)
	w.Uint(v)
}

// KeyInt writes a text key followed by a signed value.
func (w *Writer) KeyInt(k string, v int64) {
	w.Text(k)
	w.Int(v)
}

// KeyFloat writes a text key followed by a double.
func (w *Writer) KeyFloat(k string, v float64) {
	w.Text(k)
	w.Float64(v)
}

// KeyBool writes a text key followed by a bool.
func (w *Writer) KeyBool(k string, v bool) {
	w.Text(k)
	w.Bool(v)
}
