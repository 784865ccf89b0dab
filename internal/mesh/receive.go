package mesh

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/radio"
)

// Handle processes one received frame. Frames for another opera are
// dropped before any signature work.
func (m *Mesh) Handle(now uint32, rf radio.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Disabled {
		return
	}
	f, err := parseFrame(rf.Data)
	if err != nil || f.Version != ProtocolVersion {
		m.logger.Debug("dropped malformed frame", zap.Stringer("src", rf.Src), zap.Int("len", len(rf.Data)))
		return
	}
	if f.Type.isPairing() {
		m.handlePairingLocked(now, rf, f)
		return
	}
	if !m.opera.Configured || f.OperaID != m.opera.ID {
		return
	}

	p := m.peerByFP(f.Sender)
	if p == nil {
		p = m.joinerHeardLocked(now, f)
	}
	if p == nil || p.State == PeerRemoved {
		m.authFailureLocked(now, "message from unknown sender", f.Sender.String())
		return
	}
	if !m.verifyFrame(p.Pubkey, f) {
		m.authFailureLocked(now, "bad mesh signature", p.Name)
		return
	}
	if f.Counter <= p.RxCounter {
		m.counters.Replays++
		m.metrics.MeshReplay()
		m.health.Log(now, healthlog.Warning, healthlog.Mesh, "replayed mesh message", p.Name)
		return
	}
	ts := m.timestamp(now)
	if f.Timestamp > ts+FutureToleranceS || (ts > f.Timestamp && ts-f.Timestamp > MessageTTLS) {
		m.logger.Debug("dropped stale frame", zap.String("peer", p.Name), zap.Uint32("ts", f.Timestamp), zap.Uint32("now", ts))
		return
	}

	p.RxCounter = f.Counter
	p.LastSeenMs = now
	p.RSSI = rf.RSSI
	p.MAC = rf.Src
	switch p.State {
	case PeerUnknown, PeerDiscovered, PeerStale, PeerOffline:
		m.setPeerState(now, p, PeerConnected)
	}
	m.counters.MessagesRx++

	switch f.Type {
	case MsgHeartbeat:
		// liveness only
	case MsgAuthChallenge:
		m.onChallengeLocked(now, p, f.payload)
	case MsgAuthResponse:
		m.onResponseLocked(now, p, f.payload)
	case MsgAuthComplete:
		if p.State == PeerAuthenticating {
			p.SessionEstablished = true
			m.setPeerState(now, p, PeerConnected)
		}
	case MsgTamperAlert:
		m.onTamperLocked(now, p, f.payload)
	case MsgPowerAlert:
		m.onPowerLocked(now, p, f.payload)
	case MsgOfflineImminent:
		m.onOfflineLocked(now, p, f.payload)
	case MsgLeaveOpera:
		m.setPeerState(now, p, PeerRemoved)
		p.session.Wipe()
		m.health.Log(now, healthlog.Notice, healthlog.Mesh, "peer left opera", p.Name)
	default:
		m.logger.Debug("unhandled message type", zap.Uint8("type", uint8(f.Type)))
	}
}

func (m *Mesh) authFailureLocked(now uint32, msg, detail string) {
	m.counters.AuthFailures++
	m.metrics.MeshAuthFailure()
	m.health.Log(now, healthlog.Warning, healthlog.Mesh, msg, detail)
}

func authChallengeDigest(nonce [authNonceSize]byte, opera cvcrypto.OperaID) cvcrypto.Hash {
	return cvcrypto.DomainHash(cvcrypto.DomainMeshAuth, nonce[:], opera[:])
}

func operaProofDigest(opera cvcrypto.OperaID) cvcrypto.Hash {
	return cvcrypto.DomainHash(cvcrypto.DomainMeshAuth, opera[:])
}

// challengeLocked starts the handshake with p.
func (m *Mesh) challengeLocked(now uint32, p *Peer) {
	if err := cvcrypto.Fill(p.authNonce[:]); err != nil {
		return
	}
	p.authPending = true
	p.authSentMs = now
	_ = m.sendLocked(now, p, MsgAuthChallenge, authChallenge{Nonce: p.authNonce, Pubkey: m.pub}.marshal())
}

func (m *Mesh) onChallengeLocked(now uint32, p *Peer, b []byte) {
	c, ok := parseAuthChallenge(b)
	if !ok || c.Pubkey != p.Pubkey {
		m.authFailureLocked(now, "bad auth challenge", p.Name)
		return
	}
	cd := authChallengeDigest(c.Nonce, m.opera.ID)
	od := operaProofDigest(m.opera.ID)
	var r authResponse
	var err error
	if r.ChallengeSig, err = m.id.Sign(cd[:]); err != nil {
		return
	}
	if r.OperaProof, err = m.id.Sign(od[:]); err != nil {
		return
	}
	if p.session, err = m.sessionKey(p.Pubkey); err != nil {
		m.health.Log(now, healthlog.Error, healthlog.Crypto, "mesh session key failed", err.Error())
		return
	}
	m.setPeerState(now, p, PeerAuthenticating)
	_ = m.sendLocked(now, p, MsgAuthResponse, r.marshal())
}

func (m *Mesh) onResponseLocked(now uint32, p *Peer, b []byte) {
	r, ok := parseAuthResponse(b)
	if !ok || !p.authPending {
		return
	}
	cd := authChallengeDigest(p.authNonce, m.opera.ID)
	od := operaProofDigest(m.opera.ID)
	m.counters.VerifyAttempts += 2
	if !m.verify(p.Pubkey, cd[:], r.ChallengeSig) || !m.verify(p.Pubkey, od[:], r.OperaProof) {
		m.authFailureLocked(now, "auth response rejected", p.Name)
		return
	}
	var err error
	if p.session, err = m.sessionKey(p.Pubkey); err != nil {
		m.health.Log(now, healthlog.Error, healthlog.Crypto, "mesh session key failed", err.Error())
		return
	}
	p.authPending = false
	p.SessionEstablished = true
	cvcrypto.Zero(p.authNonce[:])
	m.setPeerState(now, p, PeerConnected)
	m.logger.Info("peer authenticated", zap.String("peer", p.Name))
	_ = m.sendLocked(now, p, MsgAuthComplete, nil)
}

func (m *Mesh) storeAlertLocked(now uint32, p *Peer, a Alert) {
	a.TimestampMs = now
	a.Sender = p.Fingerprint
	a.SenderName = p.Name
	m.alerts[m.alertHead] = a
	m.alertHead = (m.alertHead + 1) % MaxAlerts
	if m.alertCount < MaxAlerts {
		m.alertCount++
	}
	m.counters.AlertsRx++
	p.AlertCount++
	m.health.Log(now, a.Severity, healthlog.Mesh,
		fmt.Sprintf("mesh alert from %s: %s", p.Name, a.Type), a.Detail)
	if m.onAlert != nil {
		m.onAlert(a)
	}
}

func (m *Mesh) onTamperLocked(now uint32, p *Peer, b []byte) {
	t, ok := parseTamperAlert(b)
	if !ok {
		return
	}
	sev := healthlog.Level(t.Severity)
	if sev > healthlog.Tamper {
		sev = healthlog.Tamper
	}
	m.setPeerState(now, p, PeerAlert)
	m.storeAlertLocked(now, p, Alert{Type: t.Type, Severity: sev, WitnessSeq: t.WitnessSeq, Detail: t.Detail})
}

func (m *Mesh) onPowerLocked(now uint32, p *Peer, b []byte) {
	pa, ok := parsePowerAlert(b)
	if !ok {
		return
	}
	m.setPeerState(now, p, PeerAlert)
	m.storeAlertLocked(now, p, Alert{
		Type:     pa.Type,
		Severity: healthlog.Alert,
		Detail:   fmt.Sprintf("Voltage: %dmV, Runtime: %dmin", pa.VoltageMv, pa.RuntimeMin),
	})
}

func (m *Mesh) onOfflineLocked(now uint32, p *Peer, b []byte) {
	o, ok := parseOfflineImminent(b)
	if !ok {
		return
	}
	m.setPeerState(now, p, PeerOffline)
	m.storeAlertLocked(now, p, Alert{
		Type:       o.Reason,
		Severity:   healthlog.Tamper,
		WitnessSeq: o.FinalSeq,
		Detail:     fmt.Sprintf("Final seq: %d, hash: %x", o.FinalSeq, o.FinalHash),
	})
}
