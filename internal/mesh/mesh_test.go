package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/nvs"
	"github.com/kmay89/securacv-canary/internal/radio"
)

type keyIdentity struct {
	priv cvcrypto.PrivateKey
	pub  cvcrypto.PublicKey
}

func (k *keyIdentity) Public() cvcrypto.PublicKey        { return k.pub }
func (k *keyIdentity) Fingerprint() cvcrypto.Fingerprint { return cvcrypto.FingerprintOf(k.pub) }
func (k *keyIdentity) Sign(msg []byte) (cvcrypto.Signature, error) {
	return cvcrypto.Sign(k.priv, k.pub, msg), nil
}
func (k *keyIdentity) ECDH(peer cvcrypto.PublicKey) ([32]byte, error) {
	return cvcrypto.ECDH(k.priv, peer)
}

type device struct {
	name     string
	mac      radio.MAC
	id       *keyIdentity
	slot     *radio.Slot
	store    *nvs.Store
	health   *healthlog.Ring
	m        *Mesh
	verifies int
	alerts   []Alert
}

type testNet struct {
	t    *testing.T
	air  *radio.Air
	now  uint32
	devs []*device
	lose map[radio.MAC]MsgType
}

func newNet(t *testing.T) *testNet {
	return &testNet{t: t, air: radio.NewAir(-50), now: 1000000, lose: make(map[radio.MAC]MsgType)}
}

// loseOnce makes the receiver of the first frame of type mt sent by src
// discard it unhandled.
func (n *testNet) loseOnce(src radio.MAC, mt MsgType) {
	armed := true
	n.air.SetTap(func(s, dst radio.MAC, frame []byte) {
		if armed && s == src && MsgType(frame[1]) == mt {
			armed = false
			n.lose[dst] = mt
		}
	})
}

func (n *testNet) add(name string) *device {
	priv, pub, err := cvcrypto.GenerateKeypair()
	require.NoError(n.t, err)
	store := nvs.New(nvs.NewMemoryBackend())
	d := &device{
		name:   name,
		mac:    radio.MAC{0x02, 0, 0, 0, 0, byte(len(n.devs) + 1)},
		id:     &keyIdentity{priv: priv, pub: pub},
		slot:   &radio.Slot{},
		store:  store,
		health: healthlog.New(store, nil, nil),
	}
	n.boot(d, 0)
	n.devs = append(n.devs, d)
	return d
}

// boot (re)creates the device's mesh over its persisted state.
func (n *testNet) boot(d *device, counterBase uint64) {
	m, err := New(Config{
		Identity:    d.id,
		Name:        d.name,
		Transport:   n.air.Attach(d.mac, d.slot),
		Store:       d.store,
		Health:      d.health,
		CounterBase: counterBase,
		Verify: func(pub cvcrypto.PublicKey, msg []byte, sig cvcrypto.Signature) bool {
			d.verifies++
			return cvcrypto.Verify(pub, msg, sig)
		},
		OnAlert: func(a Alert) { d.alerts = append(d.alerts, a) },
	}, n.now)
	require.NoError(n.t, err)
	d.m = m
}

// pump advances time by step and lets every device take one frame and run
// its periodic work.
func (n *testNet) pump(step uint32) {
	n.now += step
	for _, d := range n.devs {
		if f, ok := d.slot.Take(); ok {
			if mt, lost := n.lose[d.mac]; lost && MsgType(f.Data[1]) == mt {
				delete(n.lose, d.mac)
			} else {
				d.m.Handle(n.now, f)
			}
		}
		d.m.Update(n.now)
	}
}

func (n *testNet) pumpUntil(max int, cond func() bool) bool {
	for i := 0; i < max; i++ {
		if cond() {
			return true
		}
		n.pump(100)
	}
	return cond()
}

func (n *testNet) pair(a, b *device) {
	n.showCode(a, b)
	require.NoError(n.t, a.m.ConfirmPairing(n.now))
	n.pump(100)
	require.NoError(n.t, b.m.ConfirmPairing(n.now))
	n.waitActive(a, b)
}

func (n *testNet) waitActive(a, b *device) {
	require.True(n.t, n.pumpUntil(100, func() bool {
		return a.m.State() == Active && b.m.State() == Active
	}), "pairing did not complete: %s %s", a.m.State(), b.m.State())
}

// showCode runs pairing up to the point where both devices display the
// same code.
func (n *testNet) showCode(a, b *device) {
	t := n.t
	require.NoError(t, a.m.StartPairingInitiator(n.now, "Test Opera"))
	require.NoError(t, b.m.StartPairingJoiner(n.now))
	require.True(t, n.pumpUntil(20, func() bool {
		return a.m.State() == PairingConfirm && b.m.State() == PairingConfirm
	}), "devices did not reach code confirmation")

	pa, pb := a.m.Pairing(), b.m.Pairing()
	require.True(t, pa.CodeDisplayed)
	require.True(t, pb.CodeDisplayed)
	require.Equal(t, pa.Code, pb.Code)
	require.Less(t, pa.Code, uint32(1000000))
}

func hasHealth(r *healthlog.Ring, lvl healthlog.Level, msg string) bool {
	for _, e := range r.Entries(healthlog.Debug) {
		if e.Level == lvl && e.Message == msg {
			return true
		}
	}
	return false
}

func TestPayloadsFitFrame(t *testing.T) {
	sizes := map[string]int{
		"heartbeat":     heartbeatSize,
		"tamper":        tamperAlertSize,
		"power":         powerAlertSize,
		"offline":       offlineImminentSize,
		"discover":      pairDiscoverSize,
		"offer":         pairOfferSize,
		"complete":      pairCompleteSize,
		"challenge":     authChallengeSize,
		"auth_response": authResponseSize,
	}
	for name, n := range sizes {
		assert.LessOrEqual(t, n, MaxPayload, name)
	}
	assert.Equal(t, 38, HeaderSize)
	assert.Equal(t, 148, MaxPayload)
	assert.Len(t, tamperAlert{Detail: "x"}.marshal(), 54)
	assert.Len(t, pairOffer{}.marshal(), 98)
	assert.Len(t, pairComplete{}.marshal(), 60)
}

func TestFrameRoundTrip(t *testing.T) {
	n := newNet(t)
	d := n.add("alpha")
	h := Header{Type: MsgTamperAlert, OperaID: cvcrypto.OperaID{1, 2}, Sender: d.id.Fingerprint(), Counter: 1<<32 + 7, Timestamp: 1234}
	b, err := d.m.seal(h, []byte("payload"))
	require.NoError(t, err)
	f, err := parseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, h, f.Header)
	assert.Equal(t, []byte("payload"), f.payload)
	assert.True(t, d.m.verifyFrame(d.id.pub, f))

	_, err = d.m.seal(h, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	_, err = parseFrame(b[:MinFrameSize-1])
	assert.ErrorIs(t, err, ErrFrame)
}

func TestPairing(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	assert.Equal(t, Disabled, b.m.State())
	n.pair(a, b)

	oa, ob := a.m.OperaConfig(), b.m.OperaConfig()
	assert.True(t, oa.Configured)
	assert.True(t, ob.Configured)
	assert.Equal(t, oa.ID, ob.ID)
	assert.Equal(t, "Test Opera", ob.Name)

	pa, pb := a.m.Peers(), b.m.Peers()
	require.Len(t, pa, 1)
	require.Len(t, pb, 1)
	assert.Equal(t, b.id.Fingerprint(), pa[0].Fingerprint)
	assert.Equal(t, "beta", pa[0].Name)
	assert.Equal(t, PeerConnected, pa[0].State)
	assert.Equal(t, a.id.Fingerprint(), pb[0].Fingerprint)
	assert.Equal(t, "alpha", pb[0].Name)
	assert.True(t, pb[0].SessionEstablished)
	assert.False(t, a.m.Pairing().Active)
	assert.True(t, hasHealth(a.health, healthlog.Notice, "peer joined opera"))

	// The opera secret never appears on the air in the clear.
	a.m.mu.Lock()
	secret := string(a.m.secret.Bytes())
	a.m.mu.Unlock()
	n.air.SetTap(func(src, dst radio.MAC, frame []byte) {
		assert.NotContains(t, string(frame), secret)
	})
	rx := b.m.Counters().MessagesRx
	_, err := a.m.SendHeartbeat(n.now)
	require.NoError(t, err)
	n.pump(100)
	assert.Equal(t, rx+1, b.m.Counters().MessagesRx)
}

func TestPairing_ConfirmOrder(t *testing.T) {
	tests := []struct {
		name        string
		joinerFirst bool
		lossy       bool
		lose        MsgType
		loseFrom    int
	}{
		{name: "initiator first"},
		{name: "joiner first", joinerFirst: true},
		{name: "initiator first, complete lost", lossy: true, lose: MsgPairComplete},
		{name: "joiner first, complete lost", joinerFirst: true, lossy: true, lose: MsgPairComplete},
		{name: "joiner first, confirm lost", joinerFirst: true, lossy: true, lose: MsgPairConfirm},
		{name: "initiator first, confirm lost", lossy: true, lose: MsgPairConfirm},
		{name: "join heartbeat lost", lossy: true, lose: MsgHeartbeat, loseFrom: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNet(t)
			a, b := n.add("alpha"), n.add("beta")
			n.showCode(a, b)
			if tt.lossy {
				n.loseOnce(n.devs[tt.loseFrom].mac, tt.lose)
			}

			first, second := a, b
			if tt.joinerFirst {
				first, second = b, a
			}
			require.NoError(t, first.m.ConfirmPairing(n.now))
			n.pump(100)
			require.NoError(t, second.m.ConfirmPairing(n.now))
			n.waitActive(a, b)
			n.air.SetTap(nil)

			oa, ob := a.m.OperaConfig(), b.m.OperaConfig()
			require.True(t, ob.Configured)
			assert.Equal(t, oa.ID, ob.ID)
			a.m.mu.Lock()
			b.m.mu.Lock()
			assert.Equal(t, a.m.secret.Bytes(), b.m.secret.Bytes())
			b.m.mu.Unlock()
			a.m.mu.Unlock()

			pa, pb := a.m.Peers(), b.m.Peers()
			require.Len(t, pa, 1)
			require.Len(t, pb, 1)
			assert.Equal(t, b.id.Fingerprint(), pa[0].Fingerprint)
			assert.Equal(t, PeerConnected, pa[0].State)
			assert.Equal(t, a.id.Fingerprint(), pb[0].Fingerprint)
			assert.Empty(t, n.lose, "frame was never lost")
			assert.False(t, a.m.Pairing().Active)
			assert.False(t, b.m.Pairing().Active)
		})
	}
}

func TestPairing_InitiatorWaitsForJoiner(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	n.showCode(a, b)
	require.NoError(t, b.m.ConfirmPairing(n.now))
	n.pump(100)

	// The joiner is off the air when the initiator confirms, so the
	// initiator must not count it as a member.
	n.air.Detach(b.mac)
	require.NoError(t, a.m.ConfirmPairing(n.now))
	for i := 0; i < 30; i++ {
		n.pump(100)
	}
	assert.Equal(t, PairingConfirm, a.m.State())
	assert.Empty(t, a.m.Peers())

	n.air.Attach(b.mac, b.slot)
	n.waitActive(a, b)
	assert.Len(t, a.m.Peers(), 1)
}

func TestPairing_CodeMismatch(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	require.NoError(t, a.m.StartPairingInitiator(n.now, ""))
	require.NoError(t, b.m.StartPairingJoiner(n.now))
	require.True(t, n.pumpUntil(20, func() bool {
		return a.m.State() == PairingConfirm && b.m.State() == PairingConfirm
	}))
	b.m.mu.Lock()
	b.m.pairing.code = (b.m.pairing.code + 1) % 1000000
	b.m.mu.Unlock()

	require.NoError(t, a.m.ConfirmPairing(n.now))
	n.pump(100)
	require.NoError(t, b.m.ConfirmPairing(n.now))
	n.pump(100)
	n.pump(100)

	assert.False(t, b.m.OperaConfig().Configured)
	assert.Equal(t, Disabled, b.m.State())
	assert.Empty(t, a.m.Peers())
	assert.Equal(t, Connecting, a.m.State())
	assert.True(t, hasHealth(a.health, healthlog.Error, "pairing confirmation mismatch"))
	assert.True(t, hasHealth(b.health, healthlog.Error, "pairing confirmation mismatch"))
}

func TestPairing_Timeout(t *testing.T) {
	n := newNet(t)
	a := n.add("alpha")
	require.NoError(t, a.m.StartPairingInitiator(n.now, "Lonely"))
	assert.ErrorIs(t, a.m.StartPairingInitiator(n.now, "Again"), ErrPairing)
	assert.ErrorIs(t, a.m.ConfirmPairing(n.now), ErrNotConfirming)
	for i := 0; i < 130; i++ {
		n.pump(1000)
	}
	assert.False(t, a.m.Pairing().Active)
	assert.Equal(t, Connecting, a.m.State())
	assert.True(t, a.m.OperaConfig().Configured)
	assert.True(t, hasHealth(a.health, healthlog.Warning, "pairing timed out"))
	assert.ErrorIs(t, a.m.StartPairingJoiner(n.now), ErrInOpera)
}

func TestOperaIsolation(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	n.pair(a, b)

	other := newNet(t)
	other.now = n.now
	c := other.add("gamma")
	require.NoError(t, c.m.StartPairingInitiator(other.now, "Other Opera"))
	c.m.CancelPairing(other.now)
	require.NotEqual(t, a.m.OperaConfig().ID, c.m.OperaConfig().ID)

	var captured [][]byte
	n.air.SetTap(func(src, dst radio.MAC, frame []byte) { captured = append(captured, frame) })
	_, err := a.m.SendHeartbeat(n.now)
	require.NoError(t, err)
	_, err = a.m.BroadcastTamperAlert(n.now, AlertTamper, healthlog.Tamper, 9, "case opened")
	require.NoError(t, err)
	require.Len(t, captured, 2)

	before := c.m.Counters()
	verifies := c.verifies
	for _, f := range captured {
		c.m.Handle(other.now, radio.Frame{Src: a.mac, Data: f, RSSI: -40})
	}
	after := c.m.Counters()
	assert.Equal(t, verifies, c.verifies, "foreign frames reached signature verification")
	assert.Equal(t, before, after)
	assert.Empty(t, c.m.Alerts())
}

func TestReplayRejected(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	n.pair(a, b)
	n.pump(100)

	var hb []byte
	n.air.SetTap(func(src, dst radio.MAC, frame []byte) {
		if src == a.mac && frame[1] == byte(MsgHeartbeat) {
			hb = frame
		}
	})
	_, err := a.m.SendHeartbeat(n.now)
	require.NoError(t, err)
	require.NotNil(t, hb)
	n.pump(100)
	n.air.SetTap(nil)

	peer := b.m.Peers()[0]
	counters := b.m.Counters()
	require.NoError(t, n.air.Inject(a.mac, b.mac, hb))
	n.pump(100)

	after := b.m.Peers()[0]
	assert.Equal(t, peer.RxCounter, after.RxCounter)
	assert.Equal(t, peer.LastSeenMs, after.LastSeenMs)
	assert.Equal(t, peer.State, after.State)
	assert.Equal(t, counters.MessagesRx, b.m.Counters().MessagesRx)
	assert.Equal(t, counters.Replays+1, b.m.Counters().Replays)
	assert.True(t, hasHealth(b.health, healthlog.Warning, "replayed mesh message"))
}

func TestForgedFrameRejected(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	n.pair(a, b)

	var hb []byte
	n.air.SetTap(func(src, dst radio.MAC, frame []byte) {
		if src == a.mac && frame[1] == byte(MsgHeartbeat) {
			hb = frame
		}
	})
	_, err := a.m.SendHeartbeat(n.now)
	require.NoError(t, err)
	require.NotNil(t, hb)
	n.air.SetTap(nil)
	_, _ = b.slot.Take()

	forged := append([]byte(nil), hb...)
	forged[HeaderSize] ^= 0xFF
	failures := b.m.Counters().AuthFailures
	b.m.Handle(n.now, radio.Frame{Src: a.mac, Data: forged})
	assert.Equal(t, failures+1, b.m.Counters().AuthFailures)

	// A stranger in the same opera id is unknown.
	stranger := append([]byte(nil), hb...)
	stranger[18] ^= 0xFF
	b.m.Handle(n.now, radio.Frame{Src: a.mac, Data: stranger})
	assert.Equal(t, failures+2, b.m.Counters().AuthFailures)
}

func TestStaleFrameDropped(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	n.pair(a, b)
	_, _ = b.slot.Take()

	a.m.mu.Lock()
	p := a.m.peers[0]
	f, err := a.m.seal(Header{
		Type:      MsgHeartbeat,
		OperaID:   a.m.opera.ID,
		Sender:    a.m.fp,
		Counter:   p.TxCounter + 100,
		Timestamp: n.now/1000 - MessageTTLS - 1,
	}, heartbeat{}.marshal())
	a.m.mu.Unlock()
	require.NoError(t, err)

	rx := b.m.Counters().MessagesRx
	b.m.Handle(n.now, radio.Frame{Src: a.mac, Data: f})
	assert.Equal(t, rx, b.m.Counters().MessagesRx)
}

func TestPeerLiveness(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	n.pair(a, b)

	n.air.Detach(a.mac)
	n.devs = []*device{b}
	for i := 0; i < 20; i++ {
		n.pump(5000)
	}
	assert.Equal(t, PeerStale, b.m.Peers()[0].State)
	assert.Equal(t, Connecting, b.m.State())
	for i := 0; i < 45; i++ {
		n.pump(5000)
	}
	assert.Equal(t, PeerOffline, b.m.Peers()[0].State)
	assert.True(t, hasHealth(b.health, healthlog.Warning, "peer offline"))
	s := b.m.Status(n.now)
	assert.Equal(t, 1, s.PeersOffline)
	assert.Equal(t, 0, s.PeersOnline)
}

func TestReconnectAfterReboot(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	n.pair(a, b)
	n.pump(100)
	n.pump(100)

	require.NoError(t, b.m.Close())
	n.boot(b, 1<<32)
	assert.Equal(t, Connecting, b.m.State())
	restored := b.m.Peers()
	require.Len(t, restored, 1)
	assert.Equal(t, PeerOffline, restored[0].State)
	assert.False(t, restored[0].SessionEstablished)
	assert.Equal(t, "alpha", restored[0].Name)
	assert.Equal(t, a.m.OperaConfig().ID, b.m.OperaConfig().ID)

	ok := n.pumpUntil(200, func() bool {
		p := b.m.Peers()[0]
		return p.SessionEstablished && p.State == PeerConnected && b.m.State() == Active
	})
	require.True(t, ok, "peer did not re-authenticate")
	assert.Zero(t, a.m.Counters().Replays)
}

func TestAlerts(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	_, err := a.m.BroadcastTamperAlert(n.now, AlertTamper, healthlog.Tamper, 1, "")
	assert.ErrorIs(t, err, ErrNotActive)
	_, err = a.m.BroadcastOfflineImminent(n.now, AlertOfflineShutdown, 1, cvcrypto.Hash{})
	assert.ErrorIs(t, err, ErrNoOpera)

	n.pair(a, b)
	require.True(t, n.pumpUntil(5, func() bool { return !b.slot.Pending() && !a.slot.Pending() }))

	sent, err := a.m.BroadcastTamperAlert(n.now, AlertBreach, healthlog.Tamper, 42, "enclosure opened")
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	n.pump(100)

	alerts := b.m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBreach, alerts[0].Type)
	assert.Equal(t, healthlog.Tamper, alerts[0].Severity)
	assert.Equal(t, uint32(42), alerts[0].WitnessSeq)
	assert.Equal(t, "enclosure opened", alerts[0].Detail)
	assert.Equal(t, "alpha", alerts[0].SenderName)
	assert.Equal(t, PeerAlert, b.m.Peers()[0].State)
	require.Len(t, b.alerts, 1)

	_, err = a.m.BroadcastPowerAlert(n.now, AlertLowVoltage, 3300, 45)
	require.NoError(t, err)
	n.pump(100)
	require.Len(t, b.m.Alerts(), 2)
	assert.Equal(t, "Voltage: 3300mV, Runtime: 45min", b.m.Alerts()[1].Detail)

	b.m.ClearAlerts(n.now)
	assert.Empty(t, b.m.Alerts())
	assert.Equal(t, PeerConnected, b.m.Peers()[0].State)

	var h cvcrypto.Hash
	h[0], h[7] = 0xAB, 0xCD
	_, err = a.m.BroadcastOfflineImminent(n.now, AlertOfflineShutdown, 77, h)
	require.NoError(t, err)
	n.pump(100)
	alerts = b.m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, healthlog.Tamper, alerts[0].Severity)
	assert.Equal(t, "Final seq: 77, hash: ab000000000000cd", alerts[0].Detail)
	assert.Equal(t, PeerOffline, b.m.Peers()[0].State)
	assert.Equal(t, uint32(3), b.m.Counters().AlertsRx)
}

func TestLeaveAndRemove(t *testing.T) {
	n := newNet(t)
	a, b := n.add("alpha"), n.add("beta")
	n.pair(a, b)
	require.True(t, n.pumpUntil(5, func() bool { return !b.slot.Pending() && !a.slot.Pending() }))

	require.NoError(t, a.m.LeaveOpera(n.now))
	assert.Equal(t, NoOpera, a.m.State())
	assert.False(t, a.m.OperaConfig().Configured)
	assert.Empty(t, a.m.Peers())
	assert.ErrorIs(t, a.m.LeaveOpera(n.now), ErrNoOpera)
	n.pump(100)
	assert.Equal(t, PeerRemoved, b.m.Peers()[0].State)

	h, err := a.store.OpenRO(nvs.NamespaceMesh)
	require.NoError(t, err)
	assert.False(t, h.Has(keyOperaSecret))
	assert.True(t, h.GetBool(keyEnabled, false))
	require.NoError(t, h.Close())

	require.NoError(t, b.m.RemovePeer(n.now, a.id.Fingerprint()))
	assert.Empty(t, b.m.Peers())
	assert.ErrorIs(t, b.m.RemovePeer(n.now, a.id.Fingerprint()), ErrPeerNotFound)

	require.NoError(t, b.m.SetOperaName(n.now, "Renamed"))
	n.boot(b, 1<<32)
	assert.Equal(t, "Renamed", b.m.OperaConfig().Name)
	assert.Empty(t, b.m.Peers())
}

func TestSetEnabled(t *testing.T) {
	n := newNet(t)
	a := n.add("alpha")
	assert.Equal(t, Disabled, a.m.State())
	a.m.SetEnabled(n.now, true)
	assert.Equal(t, NoOpera, a.m.State())
	n.boot(a, 0)
	assert.Equal(t, NoOpera, a.m.State())
	a.m.SetEnabled(n.now, false)
	assert.Equal(t, Disabled, a.m.State())
}
