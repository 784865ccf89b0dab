package mesh

import (
	"encoding/binary"
	"errors"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/radio"
)

// Frame layout.
const (
	ProtocolVersion = 0
	HeaderSize      = 1 + 1 + 16 + 8 + 8 + 4
	SignatureSize   = 64
	MinFrameSize    = HeaderSize + SignatureSize
	MaxPayload      = radio.MaxFrameSize - MinFrameSize
)

// MsgType identifies a mesh message.
type MsgType uint8

const (
	MsgHeartbeat MsgType = iota
	MsgAuthChallenge
	MsgAuthResponse
	MsgAuthComplete
	MsgTamperAlert
	MsgPowerAlert
	MsgOfflineImminent
	MsgPeerList
	MsgPairDiscover
	MsgPairOffer
	MsgPairAccept
	MsgPairConfirm
	MsgPairComplete
	MsgLeaveOpera
	MsgEncrypted
)

func (t MsgType) isPairing() bool { return t >= MsgPairDiscover && t <= MsgPairComplete }

// ErrFrame is returned for frames that cannot be parsed.
var ErrFrame = errors.New("mesh: malformed frame")

// Header is the plaintext frame header. Integers are little-endian on the
// wire.
type Header struct {
	Version   uint8
	Type      MsgType
	OperaID   cvcrypto.OperaID
	Sender    cvcrypto.Fingerprint
	Counter   uint64
	Timestamp uint32
}

// AppendBinary appends the encoded header to b.
func (h Header) AppendBinary(b []byte) []byte {
	b = append(b, h.Version, byte(h.Type))
	b = append(b, h.OperaID[:]...)
	b = append(b, h.Sender[:]...)
	b = binary.LittleEndian.AppendUint64(b, h.Counter)
	return binary.LittleEndian.AppendUint32(b, h.Timestamp)
}

type frame struct {
	Header
	payload []byte
	signed  []byte
	sig     cvcrypto.Signature
}

func parseFrame(b []byte) (frame, error) {
	if len(b) < MinFrameSize || len(b) > radio.MaxFrameSize {
		return frame{}, ErrFrame
	}
	var f frame
	f.Version = b[0]
	f.Type = MsgType(b[1])
	copy(f.OperaID[:], b[2:18])
	copy(f.Sender[:], b[18:26])
	f.Counter = binary.LittleEndian.Uint64(b[26:34])
	f.Timestamp = binary.LittleEndian.Uint32(b[34:38])
	end := len(b) - SignatureSize
	f.payload = b[HeaderSize:end]
	f.signed = b[:end]
	copy(f.sig[:], b[end:])
	return f, nil
}

func messageDigest(signed []byte) cvcrypto.Hash {
	return cvcrypto.DomainHash(cvcrypto.DomainMeshMessage, signed)
}

// seal frames payload under h and signs it with the device key.
func (m *Mesh) seal(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	b := make([]byte, 0, HeaderSize+len(payload)+SignatureSize)
	b = h.AppendBinary(b)
	b = append(b, payload...)
	d := messageDigest(b)
	sig, err := m.id.Sign(d[:])
	if err != nil {
		return nil, err
	}
	return append(b, sig[:]...), nil
}

func (m *Mesh) verifyFrame(pub cvcrypto.PublicKey, f frame) bool {
	m.counters.VerifyAttempts++
	d := messageDigest(f.signed)
	return m.verify(pub, d[:], f.sig)
}
