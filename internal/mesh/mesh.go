// Package mesh implements the Opera: a small authenticated cluster of
// devices that exchange heartbeats and tamper alerts over a short-range
// radio.
//
// Every frame is signed with the sender's device key and carries a
// per-sender counter. A receiver accepts a frame only from a known member
// of its own opera, with a valid signature, a counter above the last one
// accepted from that member and a timestamp inside the freshness window.
// Membership is established by pairing, which binds two devices through an
// ephemeral key exchange and a six-digit code shown on both.
package mesh

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/nvs"
	"github.com/kmay89/securacv-canary/internal/radio"
)

// Limits and timing.
const (
	MaxPeers  = 16
	MaxAlerts = 32

	OperaSecretSize = 32

	HeartbeatIntervalMs = 30000
	PeerCheckIntervalMs = 5000
	PeerStaleMs         = 90000
	PeerOfflineMs       = 300000
	ReconnectIntervalMs = 5000
	PairingTimeoutMs    = 120000
	DiscoverIntervalMs  = 2000

	// MessageTTLS is the maximum age of an accepted frame, in seconds.
	MessageTTLS = 300
	// FutureToleranceS is how far ahead of local time a frame timestamp
	// may be, in seconds.
	FutureToleranceS = 30

	DefaultOperaName = "My Canary Opera"
	DefaultPeerName  = "Canary"
)

const (
	keyEnabled     = "enabled"
	keyOperaID     = "opera_id"
	keyOperaSecret = "opera_sec"
	keyOperaName   = "opera_name"
	keyPeerCount   = "peer_cnt"

	peerRecordSize = 32 + 6 + MaxPeerNameLen
)

func peerKey(i int) string { return fmt.Sprintf("peer_%d", i) }

// Identity is the device key. *witness.Chain satisfies it.
type Identity interface {
	Public() cvcrypto.PublicKey
	Fingerprint() cvcrypto.Fingerprint
	Sign(msg []byte) (cvcrypto.Signature, error)
	ECDH(peer cvcrypto.PublicKey) ([32]byte, error)
}

// Config parameterizes New.
type Config struct {
	Identity  Identity
	Name      string
	Transport radio.Transport
	Store     *nvs.Store
	Health    *healthlog.Ring
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	// Verify checks frame signatures. Defaults to cvcrypto.Verify.
	Verify cvcrypto.VerifyFunc
	// CounterBase is added to every outgoing counter so counters keep
	// increasing across reboots. Callers derive it from the boot count.
	CounterBase uint64
	// Clock returns the frame timestamp in seconds. Defaults to the
	// millisecond clock divided by 1000.
	Clock func() uint32
	// OnAlert is called for every alert received from a peer, with the
	// mesh lock held. It must not call back into the Mesh.
	OnAlert func(Alert)
}

// Mesh is one device's view of its opera. It is safe for concurrent use.
type Mesh struct {
	mu sync.Mutex

	id      Identity
	pub     cvcrypto.PublicKey
	fp      cvcrypto.Fingerprint
	name    string
	tr      radio.Transport
	store   *nvs.Store
	health  *healthlog.Ring
	logger  *zap.Logger
	metrics *metrics.Metrics
	verify  cvcrypto.VerifyFunc
	clock   func() uint32
	onAlert func(Alert)

	counterBase uint64
	state       State
	opera       OperaConfig
	secret      *cvcrypto.SecretBuffer
	peers       []*Peer

	alerts     [MaxAlerts]Alert
	alertHead  int
	alertCount int

	counters        Counters
	startMs         uint32
	lastHeartbeatMs uint32
	lastPeerCheckMs uint32
	lastDiscoverMs  uint32

	pairing    *pairing
	discovered *cache.Cache
}

// New loads the persisted opera and peers. Restored peers start OFFLINE
// and are re-authenticated by Update.
func New(cfg Config, now uint32) (*Mesh, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("mesh: no identity")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mesh{
		id:          cfg.Identity,
		pub:         cfg.Identity.Public(),
		fp:          cfg.Identity.Fingerprint(),
		name:        truncate(cfg.Name, MaxPeerNameLen),
		tr:          cfg.Transport,
		store:       cfg.Store,
		health:      cfg.Health,
		logger:      logger.Named("mesh"),
		metrics:     cfg.Metrics,
		verify:      cfg.Verify,
		clock:       cfg.Clock,
		onAlert:     cfg.OnAlert,
		counterBase: cfg.CounterBase,
		state:       Initializing,
		startMs:     now,
		discovered:  cache.New(PairingTimeoutMs*time.Millisecond, 0),
	}
	if m.name == "" {
		m.name = DefaultPeerName
	}
	if m.verify == nil {
		m.verify = cvcrypto.Verify
	}
	if err := m.load(now); err != nil {
		return nil, err
	}
	switch {
	case !m.opera.Enabled:
		m.state = Disabled
	case m.opera.Configured:
		m.state = Connecting
	default:
		m.state = NoOpera
	}
	m.health.Log(now, healthlog.Info, healthlog.Mesh,
		fmt.Sprintf("mesh initialized, state=%s peers=%d", m.state, len(m.peers)), m.opera.Name)
	return m, nil
}

func (m *Mesh) load(now uint32) error {
	h, err := m.store.OpenRO(nvs.NamespaceMesh)
	if err != nil {
		return fmt.Errorf("open mesh store: %w", err)
	}
	defer h.Close()

	m.opera.Enabled = h.GetBool(keyEnabled, false)
	var id cvcrypto.OperaID
	var secret [OperaSecretSize]byte
	defer cvcrypto.Zero(secret[:])
	if !h.GetFixed(keyOperaID, id[:]) || !h.GetFixed(keyOperaSecret, secret[:]) {
		return nil
	}
	if derived := deriveOperaID(secret); derived != id {
		m.health.Log(now, healthlog.Error, healthlog.Mesh, "stored opera id does not match secret", "")
		id = derived
	}
	if m.secret, err = cvcrypto.NewSecretFrom(secret[:]); err != nil {
		return fmt.Errorf("hold opera secret: %w", err)
	}
	m.opera.Configured = true
	m.opera.ID = id
	m.opera.Name = string(h.GetBytes(keyOperaName, []byte(DefaultOperaName)))

	n := int(h.GetU8(keyPeerCount, 0))
	if n > MaxPeers {
		n = MaxPeers
	}
	var rec [peerRecordSize]byte
	for i := 0; i < n; i++ {
		if !h.GetFixed(peerKey(i), rec[:]) {
			continue
		}
		p := m.newPeer(now)
		copy(p.Pubkey[:], rec[:32])
		copy(p.MAC[:], rec[32:38])
		p.Fingerprint = cvcrypto.FingerprintOf(p.Pubkey)
		p.Name = getString(rec[38:])
		p.State = PeerOffline
		m.peers = append(m.peers, p)
	}
	m.opera.PeerCount = len(m.peers)
	return nil
}

func deriveOperaID(secret [OperaSecretSize]byte) cvcrypto.OperaID {
	h := cvcrypto.DomainHash(cvcrypto.DomainOperaID, secret[:])
	var id cvcrypto.OperaID
	copy(id[:], h[:])
	return id
}

func (m *Mesh) newPeer(now uint32) *Peer {
	return &Peer{TxCounter: m.counterBase, LastSeenMs: now}
}

// persistLocked rewrites the mesh namespace from memory.
func (m *Mesh) persistLocked(now uint32) {
	h, err := m.store.OpenRW(nvs.NamespaceMesh)
	if err == nil {
		_ = h.Clear()
		_ = h.PutBool(keyEnabled, m.opera.Enabled)
		if m.opera.Configured && m.secret != nil {
			_ = h.PutBytes(keyOperaID, m.opera.ID[:])
			_ = h.PutBytes(keyOperaSecret, m.secret.Bytes())
			_ = h.PutBytes(keyOperaName, []byte(m.opera.Name))
			_ = h.PutU8(keyPeerCount, uint8(len(m.peers)))
			for i, p := range m.peers {
				var rec [peerRecordSize]byte
				copy(rec[:], p.Pubkey[:])
				copy(rec[32:], p.MAC[:])
				copy(rec[38:], p.Name)
				_ = h.PutBytes(peerKey(i), rec[:])
			}
		}
		err = h.Close()
	}
	if err != nil {
		m.health.Log(now, healthlog.Error, healthlog.Mesh, "failed to persist mesh state", err.Error())
	}
	m.opera.PeerCount = len(m.peers)
}

func (m *Mesh) timestamp(now uint32) uint32 {
	if m.clock != nil {
		return m.clock()
	}
	return now / 1000
}

func (m *Mesh) peerByFP(fp cvcrypto.Fingerprint) *Peer {
	for _, p := range m.peers {
		if p.Fingerprint == fp {
			return p
		}
	}
	return nil
}

func (m *Mesh) sessionKey(pub cvcrypto.PublicKey) (cvcrypto.SessionKey, error) {
	shared, err := m.id.ECDH(pub)
	if err != nil {
		return cvcrypto.SessionKey{}, err
	}
	defer cvcrypto.Zero(shared[:])
	k, err := cvcrypto.HKDF(shared[:], cvcrypto.DomainMeshSession)
	return cvcrypto.SessionKey(k), err
}

func (m *Mesh) setPeerState(now uint32, p *Peer, s PeerState) {
	if p.State == s {
		return
	}
	m.logger.Info("peer state", zap.String("peer", p.Name), zap.Stringer("from", p.State), zap.Stringer("to", s))
	if s == PeerOffline {
		m.health.Log(now, healthlog.Warning, healthlog.Mesh, "peer offline", p.Name)
	}
	p.State = s
}

func (m *Mesh) transmit(dst radio.MAC, frame []byte) error {
	var err error
	switch {
	case m.tr == nil:
		err = ErrNoTransport
	case dst.IsBroadcast():
		err = m.tr.Broadcast(frame)
	default:
		err = m.tr.Send(dst, frame)
	}
	if err != nil {
		m.counters.SendErrors++
		m.logger.Debug("send failed", zap.Stringer("dst", dst), zap.Error(err))
		return err
	}
	m.counters.MessagesTx++
	return nil
}

// sendLocked frames payload for one peer under the opera id and the peer's
// next counter.
func (m *Mesh) sendLocked(now uint32, p *Peer, t MsgType, payload []byte) error {
	if !m.opera.Configured {
		return ErrNoOpera
	}
	p.TxCounter++
	f, err := m.seal(Header{
		Version:   ProtocolVersion,
		Type:      t,
		OperaID:   m.opera.ID,
		Sender:    m.fp,
		Counter:   p.TxCounter,
		Timestamp: m.timestamp(now),
	}, payload)
	if err != nil {
		return err
	}
	p.LastTxMs = now
	return m.transmit(p.MAC, f)
}

// Update runs the periodic work: pairing timeout and discovery,
// heartbeats, peer liveness and re-authentication.
func (m *Mesh) Update(now uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Disabled {
		return
	}
	m.discovered.DeleteExpired()

	if m.pairing != nil {
		if now-m.pairing.startedMs > PairingTimeoutMs {
			m.health.Log(now, healthlog.Warning, healthlog.Mesh, "pairing timed out", "")
			m.cancelPairingLocked()
			return
		}
		if now-m.lastDiscoverMs >= DiscoverIntervalMs {
			m.lastDiscoverMs = now
			m.pairingTickLocked(now)
		}
		return
	}

	if m.state == Active && now-m.lastHeartbeatMs >= HeartbeatIntervalMs {
		m.heartbeatLocked(now)
	}
	if now-m.lastPeerCheckMs >= PeerCheckIntervalMs {
		m.lastPeerCheckMs = now
		m.checkPeersLocked(now)
	}
}

func (m *Mesh) checkPeersLocked(now uint32) {
	online := 0
	for _, p := range m.peers {
		if p.State == PeerRemoved {
			continue
		}
		age := now - p.LastSeenMs
		switch p.State {
		case PeerConnected, PeerAlert:
			if age > PeerOfflineMs {
				m.setPeerState(now, p, PeerOffline)
			} else if age > PeerStaleMs {
				m.setPeerState(now, p, PeerStale)
			}
		case PeerStale:
			if age > PeerOfflineMs {
				m.setPeerState(now, p, PeerOffline)
			}
		}
		if p.State == PeerConnected || p.State == PeerAlert {
			online++
		}
		if !p.SessionEstablished && (m.state == Active || m.state == Connecting) &&
			(p.authSentMs == 0 || now-p.authSentMs >= ReconnectIntervalMs) {
			m.challengeLocked(now, p)
		}
	}
	switch {
	case m.state == Active && online == 0 && len(m.peers) > 0:
		m.state = Connecting
	case m.state == Connecting && online > 0:
		m.state = Active
	}
	m.metrics.SetMeshPeers(online)
}

func (m *Mesh) heartbeatPayload(now uint32) []byte {
	return heartbeat{
		Status:     uint8(m.state),
		UptimeS:    (now - m.startMs) / 1000,
		PeerCount:  uint8(len(m.peers)),
		BatteryPct: 100,
	}.marshal()
}

func (m *Mesh) heartbeatLocked(now uint32) int {
	m.lastHeartbeatMs = now
	hb := m.heartbeatPayload(now)
	sent := 0
	for _, p := range m.peers {
		if p.State == PeerRemoved {
			continue
		}
		if m.sendLocked(now, p, MsgHeartbeat, hb) == nil {
			sent++
		}
	}
	return sent
}

// SendHeartbeat sends a heartbeat to every peer now. It returns the number
// of peers reached.
func (m *Mesh) SendHeartbeat(now uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return 0, ErrNotActive
	}
	return m.heartbeatLocked(now), nil
}

// Status returns a snapshot of the mesh.
func (m *Mesh) Status(now uint32) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:           m.state,
		Enabled:         m.opera.Enabled,
		OperaName:       m.opera.Name,
		PeersTotal:      len(m.peers),
		AlertsStored:    m.alertCount,
		UptimeMs:        now - m.startMs,
		LastHeartbeatMs: m.lastHeartbeatMs,
		Counters:        m.counters,
	}
	if m.opera.Configured {
		s.OperaID = m.opera.ID.String()
	}
	for _, p := range m.peers {
		switch p.State {
		case PeerConnected, PeerAlert:
			s.PeersOnline++
		case PeerStale:
			s.PeersStale++
		case PeerOffline:
			s.PeersOffline++
		}
	}
	return s
}

// State returns the mesh state.
func (m *Mesh) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Counters returns the traffic counters.
func (m *Mesh) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// Peers returns copies of the opera members.
func (m *Mesh) Peers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, len(m.peers))
	for i, p := range m.peers {
		out[i] = *p
		out[i].session = cvcrypto.SessionKey{}
		out[i].authNonce = [authNonceSize]byte{}
	}
	return out
}

// OperaConfig returns the opera membership.
func (m *Mesh) OperaConfig() OperaConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opera
}

// Discovered lists devices heard during pairing, strongest signal first.
func (m *Mesh) Discovered() []Discovered {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.discovered.Items()
	out := make([]Discovered, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(Discovered))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out
}

// SetEnabled turns the mesh on or off and persists the choice. Disabling
// keeps the opera and peers.
func (m *Mesh) SetEnabled(now uint32, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opera.Enabled == on {
		return
	}
	m.opera.Enabled = on
	switch {
	case !on:
		m.cancelPairingLocked()
		m.state = Disabled
	case m.opera.Configured:
		m.state = Connecting
	default:
		m.state = NoOpera
	}
	m.persistLocked(now)
	m.health.Log(now, healthlog.Info, healthlog.Mesh, fmt.Sprintf("mesh %s", m.state), "")
}

// SetOperaName renames the opera locally.
func (m *Mesh) SetOperaName(now uint32, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opera.Configured {
		return ErrNoOpera
	}
	m.opera.Name = truncate(name, MaxOperaNameLen)
	m.persistLocked(now)
	return nil
}

// RemovePeer drops a member from the local opera.
func (m *Mesh) RemovePeer(now uint32, fp cvcrypto.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.peers {
		if p.Fingerprint == fp {
			p.session.Wipe()
			m.peers = append(m.peers[:i], m.peers[i+1:]...)
			m.persistLocked(now)
			m.health.Log(now, healthlog.Notice, healthlog.Mesh, "peer removed", p.Name)
			return nil
		}
	}
	return ErrPeerNotFound
}

// LeaveOpera tells the online members this device is leaving, then forgets
// the opera secret and every peer.
func (m *Mesh) LeaveOpera(now uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opera.Configured {
		return ErrNoOpera
	}
	for _, p := range m.peers {
		if p.State == PeerConnected || p.State == PeerAlert {
			_ = m.sendLocked(now, p, MsgLeaveOpera, nil)
		}
	}
	m.wipeOperaLocked()
	m.persistLocked(now)
	if m.opera.Enabled {
		m.state = NoOpera
	} else {
		m.state = Disabled
	}
	m.health.Log(now, healthlog.Notice, healthlog.Mesh, "left opera", "")
	return nil
}

func (m *Mesh) wipeOperaLocked() {
	for _, p := range m.peers {
		p.session.Wipe()
	}
	m.peers = nil
	if m.secret != nil {
		_ = m.secret.Close()
		m.secret = nil
	}
	m.opera = OperaConfig{Enabled: m.opera.Enabled}
}

// Close wipes key material held in memory.
func (m *Mesh) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPairingLocked()
	for _, p := range m.peers {
		p.session.Wipe()
	}
	if m.secret != nil {
		err := m.secret.Close()
		m.secret = nil
		return err
	}
	return nil
}
