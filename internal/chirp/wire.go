package chirp

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
)

// Magic is the first byte of every chirp frame. Mesh frames start with
// their protocol version, which is never this value.
const Magic = 0xC4

// ProtocolVersion is the chirp wire version.
const ProtocolVersion = 0

// MsgType identifies a chirp frame.
type MsgType uint8

const (
	MsgPresence MsgType = iota + 1
	MsgWitness
	MsgAck
	MsgMute
)

// AckType is the meaning of a CHIRP_ACK.
type AckType uint8

const (
	AckSeen AckType = iota
	AckConfirmed
	AckResolved
)

// Wire sizes.
const (
	HeaderSize      = 1 + 1 + 1 + 8 + 1 + 4 + 8
	EmojiFieldSize  = 20
	presenceSize    = EmojiFieldSize + 2
	witnessSize     = 6 + 32 + 64
	ackSize         = 8 + 1
	muteSize        = 2
	hopOffset       = 11
	confirmOffset   = HeaderSize + 2
	muteReasonUnset = 255
)

var errShort = errors.New("chirp: short frame")

// SessionID is the public handle of an ephemeral session.
type SessionID [8]byte

func (s SessionID) String() string { return hex.EncodeToString(s[:]) }

// Nonce identifies one chirp frame.
type Nonce [8]byte

func (n Nonce) String() string { return hex.EncodeToString(n[:]) }

// ParseNonce decodes a 16-character hex nonce.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(n) {
		return n, fmt.Errorf("chirp: invalid nonce %q", s)
	}
	copy(n[:], b)
	return n, nil
}

type header struct {
	Type      MsgType
	Session   SessionID
	Hops      uint8
	Timestamp uint32
	Nonce     Nonce
}

func (h header) appendBinary(b []byte) []byte {
	b = append(b, Magic, ProtocolVersion, byte(h.Type))
	b = append(b, h.Session[:]...)
	b = append(b, h.Hops)
	b = binary.LittleEndian.AppendUint32(b, h.Timestamp)
	return append(b, h.Nonce[:]...)
}

func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, errShort
	}
	if b[0] != Magic || b[1] != ProtocolVersion {
		return header{}, fmt.Errorf("chirp: bad magic or version %#x/%d", b[0], b[1])
	}
	var h header
	h.Type = MsgType(b[2])
	copy(h.Session[:], b[3:11])
	h.Hops = b[hopOffset]
	h.Timestamp = binary.LittleEndian.Uint32(b[12:16])
	copy(h.Nonce[:], b[16:24])
	return h, nil
}

type presence struct {
	Emoji     string
	Listening bool
	AgeMin    uint8
}

func (p presence) appendBinary(b []byte) []byte {
	var e [EmojiFieldSize]byte
	copy(e[:EmojiFieldSize-1], p.Emoji)
	b = append(b, e[:]...)
	l := byte(0)
	if p.Listening {
		l = 1
	}
	return append(b, l, p.AgeMin)
}

func parsePresence(b []byte) (presence, error) {
	if len(b) < presenceSize {
		return presence{}, errShort
	}
	e := b[:EmojiFieldSize]
	n := 0
	for n < len(e) && e[n] != 0 {
		n++
	}
	return presence{Emoji: string(e[:n]), Listening: b[EmojiFieldSize] != 0, AgeMin: b[EmojiFieldSize+1]}, nil
}

type witness struct {
	Category     Category
	Urgency      Urgency
	ConfirmCount uint8
	TTLMinutes   uint8
	Template     TemplateID
	Detail       Detail
	Pubkey       cvcrypto.PublicKey
	Sig          cvcrypto.Signature
}

func (w witness) appendBinary(b []byte) []byte {
	b = append(b, byte(w.Category), byte(w.Urgency), w.ConfirmCount, w.TTLMinutes, byte(w.Template), byte(w.Detail))
	b = append(b, w.Pubkey[:]...)
	return append(b, w.Sig[:]...)
}

func parseWitness(b []byte) (witness, error) {
	if len(b) < witnessSize {
		return witness{}, errShort
	}
	w := witness{
		Category:     Category(b[0]),
		Urgency:      Urgency(b[1]),
		ConfirmCount: b[2],
		TTLMinutes:   b[3],
		Template:     TemplateID(b[4]),
		Detail:       Detail(b[5]),
	}
	copy(w.Pubkey[:], b[6:38])
	copy(w.Sig[:], b[38:102])
	return w, nil
}

// witnessDigest covers the nonce and the message fields. Hop and
// confirmation counts change in transit and are not signed.
func witnessDigest(n Nonce, c Category, u Urgency, t TemplateID, d Detail) cvcrypto.Hash {
	return cvcrypto.DomainHash(cvcrypto.DomainChirpWit, n[:], []byte{byte(c), byte(u), byte(t), byte(d)})
}

type ack struct {
	Original Nonce
	Type     AckType
}

func (a ack) appendBinary(b []byte) []byte {
	b = append(b, a.Original[:]...)
	return append(b, byte(a.Type))
}

func parseAck(b []byte) (ack, error) {
	if len(b) < ackSize {
		return ack{}, errShort
	}
	var a ack
	copy(a.Original[:], b)
	a.Type = AckType(b[8])
	return a, nil
}
