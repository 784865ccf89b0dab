package rfpresence

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/nvs"
)

// base is one hour after boot, outside the late-night buckets.
const base uint32 = 3600000

func newEngine(t *testing.T) (*Engine, *nvs.MemoryBackend) {
	t.Helper()
	mb := nvs.NewMemoryBackend()
	e, err := New(Config{Store: nvs.New(mb), Health: healthlog.New(nil, nil, nil)}, base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, mb
}

func testMAC() *[6]byte {
	return &[6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
}

func TestDeriveToken(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, SecretSize)

	mac := testMAC()
	a := DeriveToken(secret, 7, mac)
	assert.NotZero(t, a)
	assert.Equal(t, [6]byte{}, *mac, "mac not zeroed")

	assert.Equal(t, a, DeriveToken(secret, 7, testMAC()), "derivation not deterministic")
	assert.NotEqual(t, a, DeriveToken(secret, 8, testMAC()), "epoch does not change the token")

	other := bytes.Repeat([]byte{0x43}, SecretSize)
	assert.NotEqual(t, a, DeriveToken(other, 7, testMAC()), "secret does not change the token")

	mac = testMAC()
	assert.Zero(t, DeriveToken(secret[:16], 7, mac))
	assert.Equal(t, [6]byte{}, *mac, "mac not zeroed on a bad secret")
	assert.Zero(t, DeriveToken(secret, 7, nil))
}

func TestTokenMap_EvictsOldest(t *testing.T) {
	var m tokenMap
	assert.False(t, m.touch(0, 1, -50), "zero token accepted")

	for i := uint32(1); i <= TokenMapSize; i++ {
		require.True(t, m.touch(i, i*10, -50))
	}
	require.Equal(t, TokenMapSize, m.len())

	m.touch(1, 1000, -40)
	m.touch(999, 1001, -45)
	assert.Equal(t, TokenMapSize, m.len())

	seen := map[uint32]bool{}
	for _, e := range m.entries {
		seen[e.Token] = true
	}
	assert.True(t, seen[999], "new token missing")
	assert.True(t, seen[1], "refreshed token evicted")
	assert.False(t, seen[2], "oldest token kept")
}

func TestTokenMap_RSSIStats(t *testing.T) {
	var m tokenMap
	maxR, mean, minR := m.rssiStats(0, ObservationTTLMs)
	assert.Equal(t, []int8{NoiseFloor, NoiseFloor, NoiseFloor}, []int8{maxR, mean, minR})

	m.touch(1, 1000, -40)
	m.touch(2, 1000, -60)
	m.touch(3, 1000, -80)
	maxR, mean, minR = m.rssiStats(2000, ObservationTTLMs)
	assert.Equal(t, []int8{-40, -60, -80}, []int8{maxR, mean, minR})
	assert.Equal(t, 3, m.active(2000, ObservationTTLMs))
	assert.Zero(t, m.active(1000+ObservationTTLMs, ObservationTTLMs))

	m.wipe()
	assert.Zero(t, m.len())
	assert.Equal(t, [TokenMapSize]SessionToken{}, m.entries)
}

func TestRotation_ChangesToken(t *testing.T) {
	e, mb := newEngine(t)

	e.FeedBLE(base+100, testMAC(), -60)
	require.Equal(t, 1, e.tokens.len())
	before := e.tokens.entries[0].Token
	epochBefore := e.Epoch()

	e.Rotate(base + 200)
	assert.Zero(t, e.tokens.len(), "rotation kept tokens")

	e.FeedBLE(base+300, testMAC(), -60)
	require.Equal(t, 1, e.tokens.len())
	after := e.tokens.entries[0].Token

	assert.NotEqual(t, before, after)
	assert.Equal(t, epochBefore+1, e.Epoch())

	_, v, ok, err := mb.Load(nvs.NamespaceRF, keyEpoch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, epochBefore+1, binary.LittleEndian.Uint32(v))
	assert.Equal(t, "session_rotated", e.Snapshot(base+300).LastEvent)
}

func TestRotation_AfterSessionLifetime(t *testing.T) {
	e, _ := newEngine(t)
	e.Update(base + SessionRotateMs - 1)
	assert.Zero(t, e.Epoch())
	e.Update(base + SessionRotateMs)
	assert.Equal(t, uint32(1), e.Epoch())
}

func TestSecret_PersistedAcrossBoots(t *testing.T) {
	mb := nvs.NewMemoryBackend()
	store := nvs.New(mb)

	e1, err := New(Config{Store: store}, base)
	require.NoError(t, err)
	e1.FeedBLE(base, testMAC(), -50)
	tok1 := e1.tokens.entries[0].Token
	require.NoError(t, e1.Close())

	e2, err := New(Config{Store: store}, base)
	require.NoError(t, err)
	defer e2.Close()
	e2.FeedBLE(base, testMAC(), -50)
	assert.Equal(t, tok1, e2.tokens.entries[0].Token)
}

func TestSecret_ZeroRegenerated(t *testing.T) {
	mb := nvs.NewMemoryBackend()
	store := nvs.New(mb)
	h, err := store.OpenRW(nvs.NamespaceRF)
	require.NoError(t, err)
	require.NoError(t, h.PutBytes(keySecret, make([]byte, SecretSize)))
	require.NoError(t, h.Close())

	health := healthlog.New(nil, nil, nil)
	e, err := New(Config{Store: store, Health: health}, base)
	require.NoError(t, err)
	defer e.Close()

	_, v, ok, err := mb.Load(nvs.NamespaceRF, keySecret)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, allZero(v), "all-zero secret kept")
	assert.NotEmpty(t, health.Entries(healthlog.Error))
}

func TestSettings(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	bad := []func(*Settings){
		func(s *Settings) { s.PresenceThresholdMs = 999 },
		func(s *Settings) { s.PresenceThresholdMs = 300001 },
		func(s *Settings) { s.DwellThresholdMs = 4999 },
		func(s *Settings) { s.LostTimeoutMs = 300001 },
		func(s *Settings) { s.MinPresenceCount = 0 },
		func(s *Settings) { s.MinPresenceCount = 51 },
	}
	for i, mut := range bad {
		s := DefaultSettings()
		mut(&s)
		assert.True(t, errors.Is(s.Validate(), ErrSettings), "case %d accepted", i)
	}

	s := DefaultSettings()
	s.EmitImpulseEvents = true
	s.MinPresenceCount = 3
	s.LostTimeoutMs = 45000
	b, err := s.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, settingsSize)
	var back Settings
	require.NoError(t, back.UnmarshalBinary(b))
	assert.Equal(t, s, back)
	assert.Error(t, back.UnmarshalBinary(b[:10]))
}

func TestSettings_PersistedAndValidated(t *testing.T) {
	mb := nvs.NewMemoryBackend()
	store := nvs.New(mb)
	e, err := New(Config{Store: store}, base)
	require.NoError(t, err)

	s := DefaultSettings()
	s.DwellThresholdMs = 20000
	require.NoError(t, e.SetSettings(s))

	s.MinPresenceCount = 0
	assert.ErrorIs(t, e.SetSettings(s), ErrSettings)
	assert.Equal(t, uint32(20000), e.Settings().DwellThresholdMs)
	require.NoError(t, e.Close())

	e2, err := New(Config{Store: store}, base)
	require.NoError(t, err)
	defer e2.Close()
	assert.Equal(t, uint32(20000), e2.Settings().DwellThresholdMs)
	assert.Equal(t, uint8(1), e2.Settings().MinPresenceCount)
}

func TestDisabled_IgnoresInput(t *testing.T) {
	e, _ := newEngine(t)
	e.FeedBLE(base, testMAC(), -50)
	e.Disable()
	assert.False(t, e.Enabled())
	assert.Zero(t, e.tokens.len(), "disable kept tokens")

	mac := testMAC()
	e.FeedBLE(base+100, mac, -50)
	assert.Equal(t, [6]byte{}, *mac)
	assert.Zero(t, e.tokens.len())
	_, ok := e.Update(base + 20000)
	assert.False(t, ok)

	e.Enable()
	e.FeedBLE(base+200, testMAC(), -50)
	assert.Equal(t, 1, e.tokens.len())
}

func TestNoiseFloor(t *testing.T) {
	e, _ := newEngine(t)
	mac := testMAC()
	e.FeedBLE(base, mac, -91)
	assert.Zero(t, e.tokens.len())
	assert.Equal(t, [6]byte{}, *mac)

	mac = testMAC()
	e.FeedWiFiProbe(base, mac, -95)
	assert.Equal(t, [6]byte{}, *mac)
	assert.Zero(t, e.Snapshot(base).ProbeBursts)
}

type timed struct {
	at uint32
	ev Event
}

func TestFSM_DwellAndDepart(t *testing.T) {
	e, _ := newEngine(t)

	var got []timed
	for now := base + 1000; now <= base+160000; now += 1000 {
		if now <= base+80000 {
			e.FeedBLE(now, testMAC(), -60)
		}
		if ev, ok := e.Update(now); ok {
			got = append(got, timed{now, ev})
		}
		if now == base+1000 {
			assert.Equal(t, Impulse, e.State())
		}
	}

	require.Len(t, got, 4)
	assert.Equal(t, timed{base + 11000, Event{
		Name: EventPresenceStarted, Signal: SignalFused, Confidence: ConfModerate,
		CountDelta: 1, Dwell: DwellTransient, TimeBucket: 6, Hint: HintPasserby,
	}}, got[0])
	assert.Equal(t, base+71000, got[1].at)
	assert.Equal(t, EventDwellStarted, got[1].ev.Name)
	assert.Equal(t, int8(0), got[1].ev.CountDelta)

	assert.Equal(t, base+140000, got[2].at)
	assert.Equal(t, EventDeparting, got[2].ev.Name)
	assert.Equal(t, int8(-1), got[2].ev.CountDelta)

	assert.Equal(t, base+155000, got[3].at)
	assert.Equal(t, EventPresenceEnded, got[3].ev.Name)
	assert.Equal(t, Empty, e.State())
}

func TestFSM_PresenceLostTimeout(t *testing.T) {
	e, _ := newEngine(t)

	e.FeedBLE(base+1000, testMAC(), -60)
	var got []timed
	for now := base + 1000; now <= base+70000; now += 1000 {
		if ev, ok := e.Update(now); ok {
			got = append(got, timed{now, ev})
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, EventPresenceStarted, got[0].ev.Name)
	assert.Equal(t, base+61000, got[1].at)
	assert.Equal(t, EventPresenceEnded, got[1].ev.Name)
	assert.Equal(t, int8(-1), got[1].ev.CountDelta)
	assert.Equal(t, Empty, e.State())
}

func TestFSM_ImpulseEventOptIn(t *testing.T) {
	e, _ := newEngine(t)
	s := DefaultSettings()
	s.EmitImpulseEvents = true
	require.NoError(t, e.SetSettings(s))

	e.Update(base)
	e.FeedWiFiProbe(base+100, testMAC(), -50)
	ev, ok := e.Update(base + 1000)
	require.True(t, ok)
	assert.Equal(t, EventImpulse, ev.Name)
	assert.Equal(t, SignalWiFi, ev.Signal)
	assert.Equal(t, ConfLow, ev.Confidence)
}

func TestWiFiBurstDecay(t *testing.T) {
	e, _ := newEngine(t)
	e.Update(base)
	for i := 0; i < 3; i++ {
		e.FeedWiFiProbe(base+100, testMAC(), -55)
	}
	e.Update(base + 1000)
	assert.Equal(t, uint8(3), e.Snapshot(base+1000).ProbeBursts)

	e.Update(base + 5000)
	assert.Equal(t, uint8(2), e.Snapshot(base+5000).ProbeBursts)
	e.Update(base + 10000)
	e.Update(base + 15000)
	assert.Zero(t, e.Snapshot(base+15000).ProbeBursts)
	assert.Equal(t, NoiseFloor, e.probePeak)
}

func TestPowerFlagsExpire(t *testing.T) {
	e, _ := newEngine(t)
	e.FeedPower(base+1000, PowerBrownout)
	e.FeedPower(base+1500, PowerLoadSpike)
	e.Update(base + 2000)
	assert.Equal(t, PowerBrownout|PowerLoadSpike, e.Snapshot(base+2000).PowerFlags)
	e.Update(base + 11500)
	assert.Zero(t, e.Snapshot(base+11500).PowerFlags)
}

func TestObservations_SampledAndExpired(t *testing.T) {
	e, _ := newEngine(t)
	e.FeedTemperature(20)
	e.FeedTemperature(21.5)
	var now uint32
	for now = base + 1000; now <= base+100000; now += 1000 {
		e.FeedBLE(now, testMAC(), -70)
		e.Update(now)
	}
	now -= 1000

	obs := e.Observations()
	require.Len(t, obs, 61)
	for _, o := range obs {
		assert.LessOrEqual(t, now-o.TimestampMs, uint32(ObservationTTLMs))
	}
	last := obs[len(obs)-1]
	assert.Equal(t, now, last.TimestampMs)
	assert.Equal(t, uint8(1), last.BLEDeviceCount)
	assert.Equal(t, int8(-70), last.BLERSSIMean)
	assert.Equal(t, int8(15), last.TempDelta)

	assert.Len(t, e.ExportObservations(), 61*ObservationSize)
}

func TestClassification(t *testing.T) {
	assert.Equal(t, ConfUncertain, confidence(0, 0, NoiseFloor))
	assert.Equal(t, ConfLow, confidence(0, 1, NoiseFloor))
	assert.Equal(t, ConfModerate, confidence(1, 0, -70))
	assert.Equal(t, ConfHigh, confidence(2, 0, -50))
	assert.Equal(t, ConfHigh, confidence(4, 0, -80))

	assert.Equal(t, DwellTransient, dwellClass(29999))
	assert.Equal(t, DwellLingering, dwellClass(30000))
	assert.Equal(t, DwellSustained, dwellClass(120000))

	assert.Equal(t, uint8(0), TimeBucket(599999))
	assert.Equal(t, uint8(143), TimeBucket(143*600000))
	assert.Equal(t, uint8(0), TimeBucket(144*600000))

	assert.Equal(t, HintPasserby, narrativeHint(Presence, DwellTransient, 60))
	assert.Empty(t, narrativeHint(Presence, DwellTransient, 2))
	assert.Equal(t, HintDelivery, narrativeHint(Dwelling, DwellLingering, 60))
	assert.Empty(t, narrativeHint(Dwelling, DwellLingering, 140))
	assert.Equal(t, HintSustained, narrativeHint(Dwelling, DwellSustained, 140))
	assert.Empty(t, narrativeHint(Departing, DwellSustained, 60))
}

func TestSelfTest(t *testing.T) {
	e, _ := newEngine(t)
	e.FeedBLE(base, testMAC(), -50)
	c := e.SelfTest(base + 1000)
	assert.Equal(t, Conformance{
		NoMACStorage: true, TokenRotation: true, AggregateOnly: true, SecureWipe: true, AllPassed: true,
	}, c)
	assert.Equal(t, uint32(1), e.Epoch())
	assert.Zero(t, e.tokens.len())
}

// No MAC fed to the engine may survive anywhere it keeps or exports state.
func TestNoMACSurvives(t *testing.T) {
	e, mb := newEngine(t)
	rng := rand.New(rand.NewSource(1))

	fed := make([][6]byte, 0, 10000)
	now := base
	for i := 0; i < 10000; i++ {
		var mac [6]byte
		rng.Read(mac[:])
		mac[0] |= 0x01
		fed = append(fed, mac)

		in := mac
		rssi := int8(-30 - rng.Intn(60))
		if i%7 == 0 {
			e.FeedWiFiProbe(now, &in, rssi)
		} else {
			e.FeedBLE(now, &in, rssi)
		}
		require.Equal(t, [6]byte{}, in, "mac %d not zeroed", i)

		if i%10 == 0 {
			now += 250
			e.Update(now)
		}
	}

	var state []byte
	e.mu.Lock()
	for _, tok := range e.tokens.entries {
		state = binary.LittleEndian.AppendUint32(state, tok.Token)
		state = binary.LittleEndian.AppendUint32(state, tok.LastSeenMs)
		state = append(state, byte(tok.RSSI))
	}
	e.mu.Unlock()
	state = append(state, e.ExportObservations()...)
	snap, err := json.Marshal(e.Snapshot(now))
	require.NoError(t, err)
	state = append(state, snap...)
	for _, k := range mb.Keys(nvs.NamespaceRF) {
		_, v, _, err := mb.Load(nvs.NamespaceRF, k)
		require.NoError(t, err)
		state = append(state, v...)
	}

	for i, mac := range fed {
		if bytes.Contains(state, mac[:]) {
			t.Fatalf("mac %d found in engine state", i)
		}
	}
}
