package witness

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
)

// RecordType classifies a witness record.
type RecordType uint8

const (
	TypeBoot RecordType = iota
	TypeEvent
	TypeTamper
	TypeStateChange
)

var typeNames = [...]string{"BOOT", "EVNT", "TAMP", "STCH"}

func (t RecordType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "UNKN"
}

// Record is one signed, hash-chained observation.
type Record struct {
	Seq         uint32
	TimeBucket  uint32
	Type        RecordType
	PayloadHash cvcrypto.Hash
	PrevHash    cvcrypto.Hash
	ChainHash   cvcrypto.Hash
	Signature   cvcrypto.Signature
	PayloadLen  uint32
	Verified    bool
	Payload     []byte
}

// Binary layout of an archived record, all integers big-endian:
//
//	[4]  seq
//	[4]  time bucket
//	[1]  type
//	[1]  verified
//	[32] payload hash
//	[32] prev hash
//	[32] chain hash
//	[64] signature
//	[4]  payload length
//	[n]  payload
const recordHeaderSize = 4 + 4 + 1 + 1 + 32 + 32 + 32 + 64 + 4

// MaxPayload bounds archived payloads.
const MaxPayload = 4096

var errRecordTooLarge = errors.New("record payload too large")

// MarshalBinary encodes r in the archive layout.
func (r Record) MarshalBinary() ([]byte, error) {
	if len(r.Payload) > MaxPayload {
		return nil, errRecordTooLarge
	}
	buf := make([]byte, recordHeaderSize+len(r.Payload))
	off := 0
	binary.BigEndian.PutUint32(buf[off:], r.Seq)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.TimeBucket)
	off += 4
	buf[off] = byte(r.Type)
	off++
	if r.Verified {
		buf[off] = 1
	}
	off++
	off += copy(buf[off:], r.PayloadHash[:])
	off += copy(buf[off:], r.PrevHash[:])
	off += copy(buf[off:], r.ChainHash[:])
	off += copy(buf[off:], r.Signature[:])
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Payload)))
	off += 4
	copy(buf[off:], r.Payload)
	return buf, nil
}

// readRecord decodes one record from rd. It returns io.EOF only when rd is
// exhausted exactly at a record boundary.
func readRecord(rd io.Reader) (Record, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("read record header: %w", err)
	}
	var r Record
	off := 0
	r.Seq = binary.BigEndian.Uint32(hdr[off:])
	off += 4
	r.TimeBucket = binary.BigEndian.Uint32(hdr[off:])
	off += 4
	r.Type = RecordType(hdr[off])
	off++
	r.Verified = hdr[off] == 1
	off++
	off += copy(r.PayloadHash[:], hdr[off:])
	off += copy(r.PrevHash[:], hdr[off:])
	off += copy(r.ChainHash[:], hdr[off:])
	off += copy(r.Signature[:], hdr[off:])
	n := binary.BigEndian.Uint32(hdr[off:])
	if n > MaxPayload {
		return Record{}, errRecordTooLarge
	}
	r.PayloadLen = n
	r.Payload = make([]byte, n)
	if _, err := io.ReadFull(rd, r.Payload); err != nil {
		return Record{}, fmt.Errorf("read record payload: %w", err)
	}
	return r, nil
}
