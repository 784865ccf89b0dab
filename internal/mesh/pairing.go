package mesh

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/radio"
)

// pairing frames carry a zero opera id and counter; they are signed with
// the device key named in the payload or, after the offer, the key of the
// device being paired with.
type pairing struct {
	role      PairingRole
	startedMs uint32

	peerPub   cvcrypto.PublicKey
	peerMAC   radio.MAC
	peerName  string
	havePeer  bool
	operaName string

	ephPriv cvcrypto.PrivateKey
	ephPub  cvcrypto.PublicKey
	haveEph bool

	key           cvcrypto.SessionKey
	code          uint32
	codeDisplayed bool
	codeConfirmed bool

	peerConfirm     cvcrypto.Hash
	havePeerConfirm bool

	// complete is the sealed opera secret the initiator repeats until the
	// joiner is heard inside the opera.
	complete []byte
}

func (p *pairing) wipe() {
	p.ephPriv.Wipe()
	p.key.Wipe()
}

func (p *pairing) newEphemeral() error {
	if p.haveEph {
		return nil
	}
	priv, pub, err := cvcrypto.GenerateKeypair()
	if err != nil {
		return err
	}
	p.ephPriv, p.ephPub, p.haveEph = priv, pub, true
	return nil
}

// deriveKey sets the session key and the six-digit code from the peer's
// ephemeral key.
func (p *pairing) deriveKey(peerEph cvcrypto.PublicKey) error {
	shared, err := cvcrypto.ECDH(p.ephPriv, peerEph)
	if err != nil {
		return err
	}
	defer cvcrypto.Zero(shared[:])
	k, err := cvcrypto.HKDF(shared[:], cvcrypto.DomainMeshSession)
	if err != nil {
		return err
	}
	p.key = cvcrypto.SessionKey(k)
	p.code = pairingCode(p.key)
	p.codeDisplayed = true
	return nil
}

func pairingCode(key cvcrypto.SessionKey) uint32 {
	h := cvcrypto.DomainHash(cvcrypto.DomainPairConfirm, key[:])
	return (uint32(h[0])<<16 | uint32(h[1])<<8 | uint32(h[2])) % 1000000
}

func confirmDigest(key cvcrypto.SessionKey, code uint32) cvcrypto.Hash {
	var c [4]byte
	binary.LittleEndian.PutUint32(c[:], code)
	return cvcrypto.DomainHash(cvcrypto.DomainPairConfirm, key[:], c[:])
}

// StartPairingInitiator opens the opera to a new member, creating the
// opera first when this device has none.
func (m *Mesh) StartPairingInitiator(now uint32, operaName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pairing != nil {
		return ErrPairing
	}
	if !m.opera.Configured {
		var s [OperaSecretSize]byte
		if err := cvcrypto.Fill(s[:]); err != nil {
			return err
		}
		sb, err := cvcrypto.NewSecretFrom(s[:])
		id := deriveOperaID(s)
		cvcrypto.Zero(s[:])
		if err != nil {
			return fmt.Errorf("hold opera secret: %w", err)
		}
		m.secret = sb
		if operaName == "" {
			operaName = DefaultOperaName
		}
		m.opera = OperaConfig{Enabled: true, Configured: true, ID: id, Name: truncate(operaName, MaxOperaNameLen)}
		m.persistLocked(now)
		m.health.Log(now, healthlog.Notice, healthlog.Mesh, "opera created", m.opera.Name)
	} else if !m.opera.Enabled {
		m.opera.Enabled = true
		m.persistLocked(now)
	}
	m.beginPairingLocked(now, RoleInitiator, PairingInit)
	return nil
}

// StartPairingJoiner advertises this device to an initiator nearby.
func (m *Mesh) StartPairingJoiner(now uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pairing != nil {
		return ErrPairing
	}
	if m.opera.Configured {
		return ErrInOpera
	}
	m.beginPairingLocked(now, RoleJoiner, PairingJoin)
	return nil
}

func (m *Mesh) beginPairingLocked(now uint32, role PairingRole, s State) {
	m.discovered.Flush()
	m.pairing = &pairing{role: role, startedMs: now}
	m.state = s
	m.lastDiscoverMs = now - DiscoverIntervalMs
	m.health.Log(now, healthlog.Info, healthlog.Mesh, "pairing started", role.String())
}

// CancelPairing abandons the pairing session, if any.
func (m *Mesh) CancelPairing(now uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pairing == nil {
		return
	}
	m.cancelPairingLocked()
	m.health.Log(now, healthlog.Info, healthlog.Mesh, "pairing cancelled", "")
}

func (m *Mesh) cancelPairingLocked() {
	if m.pairing == nil {
		return
	}
	m.pairing.wipe()
	m.pairing = nil
	switch {
	case !m.opera.Enabled:
		m.state = Disabled
	case m.opera.Configured:
		m.state = Connecting
	default:
		m.state = NoOpera
	}
}

// ConfirmPairing records that the user checked the code shown on both
// devices and sends this side's confirmation.
func (m *Mesh) ConfirmPairing(now uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr := m.pairing
	if pr == nil || m.state != PairingConfirm || !pr.codeDisplayed {
		return ErrNotConfirming
	}
	pr.codeConfirmed = true
	m.sendConfirmLocked(now)
	m.tryFinishLocked(now)
	return nil
}

// Pairing describes the pairing session.
func (m *Mesh) Pairing() PairingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr := m.pairing
	if pr == nil {
		return PairingStatus{State: m.state}
	}
	return PairingStatus{
		Active:        true,
		Role:          pr.role,
		State:         m.state,
		Code:          pr.code,
		CodeDisplayed: pr.codeDisplayed,
		CodeConfirmed: pr.codeConfirmed,
		PeerName:      pr.peerName,
		StartedMs:     pr.startedMs,
	}
}

func (m *Mesh) sendPairingLocked(now uint32, dst radio.MAC, t MsgType, payload []byte) error {
	f, err := m.seal(Header{
		Version:   ProtocolVersion,
		Type:      t,
		Sender:    m.fp,
		Timestamp: m.timestamp(now),
	}, payload)
	if err != nil {
		return err
	}
	return m.transmit(dst, f)
}

func (m *Mesh) sendConfirmLocked(now uint32) {
	pr := m.pairing
	d := confirmDigest(pr.key, pr.code)
	_ = m.sendPairingLocked(now, pr.peerMAC, MsgPairConfirm, d[:])
}

// pairingTickLocked repeats the discovery broadcast, or the confirmation
// once the local user has confirmed. An initiator holding the opera secret
// for the joiner repeats that instead; it implies the confirmation.
func (m *Mesh) pairingTickLocked(now uint32) {
	pr := m.pairing
	switch m.state {
	case PairingInit, PairingJoin:
		d := pairDiscover{Pubkey: m.pub, Name: m.name, Role: pr.role}
		_ = m.sendPairingLocked(now, radio.Broadcast, MsgPairDiscover, d.marshal())
	case PairingConfirm:
		switch {
		case pr.complete != nil:
			_ = m.sendPairingLocked(now, pr.peerMAC, MsgPairComplete, pr.complete)
		case pr.codeConfirmed:
			m.sendConfirmLocked(now)
		}
	}
}

func (m *Mesh) pairingSignedBy(now uint32, pub cvcrypto.PublicKey, f frame) bool {
	if cvcrypto.FingerprintOf(pub) != f.Sender || !m.verifyFrame(pub, f) {
		m.authFailureLocked(now, "bad pairing signature", f.Sender.String())
		return false
	}
	return true
}

func (m *Mesh) discoveredName(pub cvcrypto.PublicKey, def string) string {
	if v, ok := m.discovered.Get(pub.String()); ok {
		if d := v.(Discovered); d.Name != "" {
			return d.Name
		}
	}
	return def
}

func (m *Mesh) handlePairingLocked(now uint32, rf radio.Frame, f frame) {
	pr := m.pairing
	switch f.Type {
	case MsgPairDiscover:
		d, ok := parsePairDiscover(f.payload)
		if !ok || d.Pubkey == m.pub || !m.pairingSignedBy(now, d.Pubkey, f) {
			return
		}
		m.discovered.SetDefault(d.Pubkey.String(), Discovered{
			Pubkey:      d.Pubkey,
			Fingerprint: f.Sender,
			MAC:         rf.Src,
			Name:        d.Name,
			Role:        d.Role,
			RSSI:        rf.RSSI,
			SeenMs:      now,
		})
		if pr == nil || pr.role != RoleInitiator || m.state != PairingInit || d.Role != RoleJoiner {
			return
		}
		if pr.havePeer && pr.peerPub != d.Pubkey {
			return
		}
		if err := pr.newEphemeral(); err != nil {
			m.health.Log(now, healthlog.Error, healthlog.Crypto, "pairing key generation failed", err.Error())
			return
		}
		pr.peerPub, pr.peerMAC, pr.peerName, pr.havePeer = d.Pubkey, rf.Src, d.Name, true
		offer := pairOffer{EphPub: pr.ephPub, DevPub: m.pub, Name: m.opera.Name, Members: uint8(len(m.peers))}
		_ = m.sendPairingLocked(now, rf.Src, MsgPairOffer, offer.marshal())

	case MsgPairOffer:
		o, ok := parsePairOffer(f.payload)
		if !ok || pr == nil || pr.role != RoleJoiner || m.state != PairingJoin || !m.pairingSignedBy(now, o.DevPub, f) {
			return
		}
		err := pr.newEphemeral()
		if err == nil {
			err = pr.deriveKey(o.EphPub)
		}
		if err != nil {
			m.health.Log(now, healthlog.Error, healthlog.Crypto, "pairing key exchange failed", err.Error())
			m.cancelPairingLocked()
			return
		}
		pr.peerPub, pr.peerMAC, pr.havePeer = o.DevPub, rf.Src, true
		pr.peerName = m.discoveredName(o.DevPub, "Opera Creator")
		pr.operaName = o.Name
		accept := pairOffer{EphPub: pr.ephPub, DevPub: m.pub, Name: m.name}
		_ = m.sendPairingLocked(now, rf.Src, MsgPairAccept, accept.marshal())
		m.state = PairingConfirm
		m.lastDiscoverMs = now
		m.health.Log(now, healthlog.Notice, healthlog.Mesh, "pairing code ready", pr.peerName)

	case MsgPairAccept:
		a, ok := parsePairOffer(f.payload)
		if !ok || pr == nil || pr.role != RoleInitiator || m.state != PairingInit || !pr.havePeer ||
			a.DevPub != pr.peerPub || !m.pairingSignedBy(now, a.DevPub, f) {
			return
		}
		if err := pr.deriveKey(a.EphPub); err != nil {
			m.health.Log(now, healthlog.Error, healthlog.Crypto, "pairing key exchange failed", err.Error())
			m.cancelPairingLocked()
			return
		}
		if a.Name != "" {
			pr.peerName = a.Name
		}
		m.state = PairingConfirm
		m.lastDiscoverMs = now
		m.health.Log(now, healthlog.Notice, healthlog.Mesh, "pairing code ready", pr.peerName)

	case MsgPairConfirm:
		if pr == nil || !pr.havePeer || m.state != PairingConfirm || len(f.payload) < len(pr.peerConfirm) ||
			!m.pairingSignedBy(now, pr.peerPub, f) {
			return
		}
		copy(pr.peerConfirm[:], f.payload)
		pr.havePeerConfirm = true
		m.tryFinishLocked(now)

	case MsgPairComplete:
		if pr == nil {
			m.repeatJoinAckLocked(now, f)
			return
		}
		// Opening the secret under the pairing key proves the initiator
		// derived the same code, so its confirmation need not have arrived.
		c, ok := parsePairComplete(f.payload)
		if !ok || pr.role != RoleJoiner || m.state != PairingConfirm ||
			!pr.codeConfirmed || !m.pairingSignedBy(now, pr.peerPub, f) {
			return
		}
		secret, ok := cvcrypto.Open(pr.key, c.Nonce, c.Sealed[:])
		if !ok || len(secret) != OperaSecretSize {
			m.health.Log(now, healthlog.Error, healthlog.Mesh, "pairing failed: opera secret rejected", pr.peerName)
			m.cancelPairingLocked()
			return
		}
		m.joinOperaLocked(now, secret)
		cvcrypto.Zero(secret)
	}
}

// tryFinishLocked completes pairing once both confirmations are in. The
// initiator then seals the opera secret under the pairing key; it is sent
// from the next pairing tick and repeated until the joiner answers.
func (m *Mesh) tryFinishLocked(now uint32) {
	pr := m.pairing
	if !pr.codeConfirmed || !pr.havePeerConfirm || pr.complete != nil {
		return
	}
	if !confirmDigest(pr.key, pr.code).Equal(pr.peerConfirm) {
		m.health.Log(now, healthlog.Error, healthlog.Mesh, "pairing confirmation mismatch", pr.peerName)
		m.cancelPairingLocked()
		return
	}
	if pr.role != RoleInitiator {
		return
	}
	var c pairComplete
	if err := cvcrypto.Fill(c.Nonce[:]); err != nil {
		return
	}
	sealed, err := cvcrypto.Seal(pr.key, c.Nonce, m.secret.Bytes())
	if err != nil {
		m.health.Log(now, healthlog.Error, healthlog.Crypto, "sealing opera secret failed", err.Error())
		m.cancelPairingLocked()
		return
	}
	copy(c.Sealed[:], sealed)
	pr.complete = c.marshal()
	m.lastDiscoverMs = now - DiscoverIntervalMs
}

// joinerHeardLocked finishes the initiator's side of pairing when the
// first frame signed by the joiner arrives under the opera id. It returns
// the new peer, or nil if f is not that frame.
func (m *Mesh) joinerHeardLocked(now uint32, f frame) *Peer {
	pr := m.pairing
	if pr == nil || pr.role != RoleInitiator || pr.complete == nil ||
		f.Sender != cvcrypto.FingerprintOf(pr.peerPub) || !m.verifyFrame(pr.peerPub, f) {
		return nil
	}
	name := pr.peerName
	if name == "" {
		name = "New Device"
	}
	m.finishPairingLocked(now, name)
	return m.peerByFP(f.Sender)
}

// repeatJoinAckLocked answers a repeated PAIR_COMPLETE from a member this
// device already joined through, whose first heartbeat went missing.
func (m *Mesh) repeatJoinAckLocked(now uint32, f frame) {
	if !m.opera.Configured {
		return
	}
	p := m.peerByFP(f.Sender)
	if p == nil || p.State == PeerRemoved || !m.pairingSignedBy(now, p.Pubkey, f) {
		return
	}
	_ = m.sendLocked(now, p, MsgHeartbeat, m.heartbeatPayload(now))
}

func (m *Mesh) joinOperaLocked(now uint32, secret []byte) {
	pr := m.pairing
	var s [OperaSecretSize]byte
	copy(s[:], secret)
	sb, err := cvcrypto.NewSecretFrom(s[:])
	id := deriveOperaID(s)
	cvcrypto.Zero(s[:])
	if err != nil {
		m.health.Log(now, healthlog.Error, healthlog.Mesh, "pairing failed: cannot hold opera secret", err.Error())
		m.cancelPairingLocked()
		return
	}
	name := pr.operaName
	if name == "" {
		name = DefaultOperaName
	}
	m.secret = sb
	m.opera = OperaConfig{Enabled: true, Configured: true, ID: id, Name: name}
	m.finishPairingLocked(now, pr.peerName)
	if m.state == Active {
		// The initiator adds this device once it hears it.
		m.heartbeatLocked(now)
	}
}

func (m *Mesh) finishPairingLocked(now uint32, peerName string) {
	pr := m.pairing
	if !m.addPeerLocked(now, pr.peerPub, pr.peerMAC, peerName) {
		m.cancelPairingLocked()
		return
	}
	pr.wipe()
	m.pairing = nil
	m.state = Active
	m.persistLocked(now)
	m.logger.Info("paired", zap.String("peer", peerName), zap.String("opera", m.opera.Name))
	m.health.Log(now, healthlog.Notice, healthlog.Mesh, "peer joined opera", peerName)
}

func (m *Mesh) addPeerLocked(now uint32, pub cvcrypto.PublicKey, mac radio.MAC, name string) bool {
	fp := cvcrypto.FingerprintOf(pub)
	p := m.peerByFP(fp)
	if p == nil {
		if len(m.peers) >= MaxPeers {
			m.health.Log(now, healthlog.Warning, healthlog.Mesh, "opera is full", name)
			return false
		}
		p = m.newPeer(now)
		m.peers = append(m.peers, p)
	}
	p.Pubkey, p.Fingerprint, p.MAC = pub, fp, mac
	p.Name = truncate(name, MaxPeerNameLen)
	p.State = PeerConnected
	p.LastSeenMs = now
	if k, err := m.sessionKey(pub); err == nil {
		p.session = k
		p.SessionEstablished = true
	}
	return true
}
