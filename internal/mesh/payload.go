package mesh

import (
	"bytes"
	"encoding/binary"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
)

// Field sizes.
const (
	MaxPeerNameLen  = 24
	MaxOperaNameLen = 32
	AlertDetailSize = 48
	authNonceSize   = 32
)

func putString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

type heartbeat struct {
	Status     uint8
	UptimeS    uint32
	PeerCount  uint8
	BatteryPct uint8
}

const heartbeatSize = 7

func (p heartbeat) marshal() []byte {
	b := make([]byte, heartbeatSize)
	b[0] = p.Status
	binary.LittleEndian.PutUint32(b[1:], p.UptimeS)
	b[5], b[6] = p.PeerCount, p.BatteryPct
	return b
}

func parseHeartbeat(b []byte) (heartbeat, bool) {
	if len(b) < heartbeatSize {
		return heartbeat{}, false
	}
	return heartbeat{Status: b[0], UptimeS: binary.LittleEndian.Uint32(b[1:]), PeerCount: b[5], BatteryPct: b[6]}, true
}

type tamperAlert struct {
	Type       AlertType
	Severity   uint8
	WitnessSeq uint32
	Detail     string
}

const tamperAlertSize = 1 + 1 + 4 + AlertDetailSize

func (p tamperAlert) marshal() []byte {
	b := make([]byte, tamperAlertSize)
	b[0], b[1] = byte(p.Type), p.Severity
	binary.LittleEndian.PutUint32(b[2:], p.WitnessSeq)
	putString(b[6:], p.Detail)
	return b
}

func parseTamperAlert(b []byte) (tamperAlert, bool) {
	if len(b) < tamperAlertSize {
		return tamperAlert{}, false
	}
	return tamperAlert{
		Type:       AlertType(b[0]),
		Severity:   b[1],
		WitnessSeq: binary.LittleEndian.Uint32(b[2:]),
		Detail:     getString(b[6:tamperAlertSize]),
	}, true
}

type powerAlert struct {
	Type       AlertType
	VoltageMv  uint16
	RuntimeMin uint16
}

const powerAlertSize = 5

func (p powerAlert) marshal() []byte {
	b := make([]byte, powerAlertSize)
	b[0] = byte(p.Type)
	binary.LittleEndian.PutUint16(b[1:], p.VoltageMv)
	binary.LittleEndian.PutUint16(b[3:], p.RuntimeMin)
	return b
}

func parsePowerAlert(b []byte) (powerAlert, bool) {
	if len(b) < powerAlertSize {
		return powerAlert{}, false
	}
	return powerAlert{
		Type:       AlertType(b[0]),
		VoltageMv:  binary.LittleEndian.Uint16(b[1:]),
		RuntimeMin: binary.LittleEndian.Uint16(b[3:]),
	}, true
}

type offlineImminent struct {
	Reason    AlertType
	FinalSeq  uint32
	FinalHash [8]byte
}

const offlineImminentSize = 1 + 4 + 8

func (p offlineImminent) marshal() []byte {
	b := make([]byte, offlineImminentSize)
	b[0] = byte(p.Reason)
	binary.LittleEndian.PutUint32(b[1:], p.FinalSeq)
	copy(b[5:], p.FinalHash[:])
	return b
}

func parseOfflineImminent(b []byte) (offlineImminent, bool) {
	if len(b) < offlineImminentSize {
		return offlineImminent{}, false
	}
	p := offlineImminent{Reason: AlertType(b[0]), FinalSeq: binary.LittleEndian.Uint32(b[1:])}
	copy(p.FinalHash[:], b[5:13])
	return p, true
}

type pairDiscover struct {
	Pubkey cvcrypto.PublicKey
	Name   string
	Role   PairingRole
}

const pairDiscoverSize = 32 + MaxPeerNameLen + 1 + 1

func (p pairDiscover) marshal() []byte {
	b := make([]byte, pairDiscoverSize)
	copy(b, p.Pubkey[:])
	putString(b[32:32+MaxPeerNameLen+1], p.Name)
	b[pairDiscoverSize-1] = byte(p.Role)
	return b
}

func parsePairDiscover(b []byte) (pairDiscover, bool) {
	if len(b) < pairDiscoverSize {
		return pairDiscover{}, false
	}
	var p pairDiscover
	copy(p.Pubkey[:], b)
	p.Name = getString(b[32 : 32+MaxPeerNameLen+1])
	p.Role = PairingRole(b[pairDiscoverSize-1])
	return p, true
}

// pairOffer is used for both PAIR_OFFER and PAIR_ACCEPT. In an accept the
// name is the joiner's device name and the member count is zero.
type pairOffer struct {
	EphPub  cvcrypto.PublicKey
	DevPub  cvcrypto.PublicKey
	Name    string
	Members uint8
}

const pairOfferSize = 32 + 32 + MaxOperaNameLen + 1 + 1

func (p pairOffer) marshal() []byte {
	b := make([]byte, pairOfferSize)
	copy(b, p.EphPub[:])
	copy(b[32:], p.DevPub[:])
	putString(b[64:64+MaxOperaNameLen+1], p.Name)
	b[pairOfferSize-1] = p.Members
	return b
}

func parsePairOffer(b []byte) (pairOffer, bool) {
	if len(b) < pairOfferSize {
		return pairOffer{}, false
	}
	var p pairOffer
	copy(p.EphPub[:], b)
	copy(p.DevPub[:], b[32:])
	p.Name = getString(b[64 : 64+MaxOperaNameLen+1])
	p.Members = b[pairOfferSize-1]
	return p, true
}

type pairComplete struct {
	Sealed [OperaSecretSize + cvcrypto.TagSize]byte
	Nonce  [cvcrypto.NonceSize]byte
}

const pairCompleteSize = OperaSecretSize + cvcrypto.TagSize + cvcrypto.NonceSize

func (p pairComplete) marshal() []byte {
	b := make([]byte, 0, pairCompleteSize)
	b = append(b, p.Sealed[:]...)
	return append(b, p.Nonce[:]...)
}

func parsePairComplete(b []byte) (pairComplete, bool) {
	if len(b) < pairCompleteSize {
		return pairComplete{}, false
	}
	var p pairComplete
	copy(p.Sealed[:], b)
	copy(p.Nonce[:], b[len(p.Sealed):])
	return p, true
}

type authChallenge struct {
	Nonce  [authNonceSize]byte
	Pubkey cvcrypto.PublicKey
}

const authChallengeSize = authNonceSize + 32

func (p authChallenge) marshal() []byte {
	b := make([]byte, 0, authChallengeSize)
	b = append(b, p.Nonce[:]...)
	return append(b, p.Pubkey[:]...)
}

func parseAuthChallenge(b []byte) (authChallenge, bool) {
	if len(b) < authChallengeSize {
		return authChallenge{}, false
	}
	var p authChallenge
	copy(p.Nonce[:], b)
	copy(p.Pubkey[:], b[authNonceSize:])
	return p, true
}

// authResponse carries no public key: the responder is already identified
// by the header fingerprint, and the frame would not fit the radio with it.
type authResponse struct {
	ChallengeSig cvcrypto.Signature
	OperaProof   cvcrypto.Signature
}

const authResponseSize = 128

func (p authResponse) marshal() []byte {
	b := make([]byte, 0, authResponseSize)
	b = append(b, p.ChallengeSig[:]...)
	return append(b, p.OperaProof[:]...)
}

func parseAuthResponse(b []byte) (authResponse, bool) {
	if len(b) < authResponseSize {
		return authResponse{}, false
	}
	var p authResponse
	copy(p.ChallengeSig[:], b)
	copy(p.OperaProof[:], b[64:])
	return p, true
}
