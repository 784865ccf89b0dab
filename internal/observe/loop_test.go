package observe

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/securacv-canary/internal/cbor"
	"github.com/kmay89/securacv-canary/internal/gnss"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/nvs"
	"github.com/kmay89/securacv-canary/internal/rfpresence"
	"github.com/kmay89/securacv-canary/internal/vision"
	"github.com/kmay89/securacv-canary/internal/witness"
)

func nmea(body string) []byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return []byte(fmt.Sprintf("$%s*%02X\r\n", body, sum))
}

type rig struct {
	health  *healthlog.Ring
	uart    chan []byte
	records []witness.Record
	lines   []string
	loop    *Loop
}

func newRig(t *testing.T, withVision bool) *rig {
	store := nvs.New(nvs.NewMemoryBackend())
	r := &rig{health: healthlog.New(store, nil, nil), uart: make(chan []byte, 8)}
	c, err := witness.Provision(witness.Config{
		MAC:      [6]byte{0x02, 0, 0, 0, 0, 0x01},
		Firmware: "test",
		Health:   r.health,
		OnRecord: func(rec witness.Record) { r.records = append(r.records, rec) },
	}, store, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(0) })

	cfg := Config{
		Recorder: c,
		GPS:      gnss.NewParser(nil),
		Motion:   gnss.NewMotion(),
		UART:     r.uart,
		Health:   r.health,
		OnStatus: func(s string) { r.lines = append(r.lines, s) },
	}
	if withVision {
		cfg.Vision = vision.NewPresence()
	}
	r.loop = New(cfg)
	return r
}

func decode(t *testing.T, rec witness.Record) map[string]any {
	m, err := cbor.Decode(rec.Payload)
	require.NoError(t, err)
	return m
}

func TestTick_MotionSample(t *testing.T) {
	r := newRig(t, false)
	r.uart <- nmea("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")

	sampled, err := r.loop.Tick(1000)
	require.NoError(t, err)
	require.True(t, sampled)
	require.Len(t, r.records, 2)

	assert.Equal(t, witness.TypeStateChange, r.records[0].Type)
	st := decode(t, r.records[0])
	assert.Equal(t, "state", st["type"])
	assert.Equal(t, "NO_FIX", st["from"])
	assert.Equal(t, "FIX_ACQUIRED", st["to"])
	assert.Equal(t, gnss.ReasonFixObtained, st["reason"])

	assert.Equal(t, witness.TypeEvent, r.records[1].Type)
	assert.Equal(t, r.records[0].ChainHash, r.records[1].PrevHash)
	m := decode(t, r.records[1])
	assert.Len(t, m, 7)
	assert.Equal(t, "FIX_ACQUIRED", m["state"])
	assert.Equal(t, true, m["fix"])
	assert.Equal(t, uint64(8), m["sats"])
	assert.InDelta(t, 48.1173, m["lat"], 1e-4)
	assert.InDelta(t, 11.5167, m["lon"], 1e-4)
	assert.InDelta(t, 545.4, m["alt"], 1e-9)

	sampled, err = r.loop.Tick(1500)
	require.NoError(t, err)
	assert.False(t, sampled)
	assert.Len(t, r.records, 2)
}

func TestTick_MotionReasonLogged(t *testing.T) {
	r := newRig(t, false)
	feed := func(knots string) {
		r.uart <- nmea("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")
		r.uart <- nmea("GPRMC,123519,A,4807.038,N,01131.000,E," + knots + ",084.4,230394,003.1,W")
	}

	now := uint32(0)
	tick := func(knots string) {
		now += DefaultIntervalMs
		feed(knots)
		_, err := r.loop.Tick(now)
		require.NoError(t, err)
	}
	tick("000.0")
	tick("000.0")
	require.Equal(t, gnss.Stationary, r.loop.cfg.Motion.State())
	for i := 0; i < 10 && r.loop.cfg.Motion.State() != gnss.Moving; i++ {
		tick("010.0")
	}
	require.Equal(t, gnss.Moving, r.loop.cfg.Motion.State())

	got := map[string]healthlog.Entry{}
	for _, e := range r.health.Entries(healthlog.Debug) {
		if e.Category == healthlog.GPS {
			got[e.Message] = e
		}
	}
	require.Len(t, got, 3)
	e, ok := got["motion STATIONARY -> MOVING"]
	require.True(t, ok, "%v", got)
	assert.Equal(t, gnss.ReasonStartedMoving, e.Detail)
	assert.Equal(t, healthlog.Info, e.Level)
	assert.Equal(t, gnss.ReasonFixObtained, got["motion NO_FIX -> FIX_ACQUIRED"].Detail)
	assert.Equal(t, gnss.ReasonSpeedLow, got["motion FIX_ACQUIRED -> STATIONARY"].Detail)

	// Losing the fix is a warning.
	now += 5000
	_, err := r.loop.Tick(now)
	require.NoError(t, err)
	lost := false
	for _, e := range r.health.Entries(healthlog.Warning) {
		lost = lost || (e.Category == healthlog.GPS && e.Message == "motion MOVING -> FIX_LOST" && e.Detail == gnss.ReasonTimeout)
	}
	assert.True(t, lost)
}

func TestTick_StatusLine(t *testing.T) {
	r := newRig(t, false)
	for i := 1; i <= 2*StatusEvery; i++ {
		_, err := r.loop.Tick(uint32(i) * DefaultIntervalMs)
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(2*StatusEvery), r.loop.Samples())
	require.Len(t, r.lines, 2)
	assert.True(t, strings.HasPrefix(r.lines[0], "seq="), r.lines[0])
	assert.Contains(t, r.lines[0], "state=NO_FIX")
}

func TestTick_VisionSample(t *testing.T) {
	r := newRig(t, true)
	person := []vision.Detection{{Person: true, Box: vision.BBox{X: 160, Y: 0, W: 40, H: 40, Score: 90}}}
	ev, ok := r.loop.Vision(900, person)
	require.True(t, ok)
	assert.Equal(t, vision.EventPresenceStarted, ev.Name)

	_, err := r.loop.Tick(1000)
	require.NoError(t, err)
	m := decode(t, r.records[len(r.records)-1])
	assert.Len(t, m, 10)
	assert.Equal(t, true, m["presence"])
	assert.Equal(t, false, m["dwelling"])
	assert.Equal(t, uint64(100), m["presence_ms"])
	assert.Equal(t, uint64(90), m["confidence"])
	assert.Equal(t, "presence_started", m["last_event"])
	assert.Equal(t, uint64(1000), m["ts_ms"])

	box, ok := m["bbox"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, uint64(160), box["x"])
	assert.Equal(t, uint64(40), box["w"])
	vox, ok := m["voxel"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, uint64(3), vox["rows"])
	assert.Equal(t, uint64(0), vox["r"])
	assert.Equal(t, uint64(2), vox["c"])

	_, ok = r.loop.Vision(1900, nil)
	assert.False(t, ok)
	_, err = r.loop.Tick(2000)
	require.NoError(t, err)
	m = decode(t, r.records[len(r.records)-1])
	assert.Equal(t, uint64(0), m["confidence"])
}

func TestRFPayload(t *testing.T) {
	wr := cbor.NewWriter(make([]byte, 128))
	RFPayload(wr, rfpresence.Event{Name: "presence_started", Confidence: rfpresence.Confidence(2), TimeBucket: 7, CountDelta: -1})
	require.True(t, wr.OK())
	m, err := cbor.Decode(wr.Bytes())
	require.NoError(t, err)
	assert.Len(t, m, 6)
	assert.Equal(t, "rf", m["type"])
	assert.Equal(t, "moderate", m["conf"])
	assert.Equal(t, int64(-1), m["delta"])
	assert.Equal(t, uint64(7), m["tb"])

	wr.Reset()
	RFPayload(wr, rfpresence.Event{Name: "dwell", Hint: "someone lingered"})
	m, err = cbor.Decode(wr.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "someone lingered", m["hint"])
}

func TestRecordTamper(t *testing.T) {
	r := newRig(t, false)
	rec, err := r.loop.RecordTamper(5000, Tamper{Alert: "TAMPER", Severity: "ALERT", From: "kitchen", PeerSeq: 42, Detail: "lid opened"})
	require.NoError(t, err)
	assert.Equal(t, witness.TypeTamper, rec.Type)
	m := decode(t, rec)
	assert.Equal(t, "tamper", m["type"])
	assert.Equal(t, "kitchen", m["from"])
	assert.Equal(t, uint64(42), m["seq"])

	_, err = r.loop.RecordTamper(5000, Tamper{Detail: strings.Repeat("x", payloadBufSize)})
	assert.ErrorIs(t, err, ErrPayloadOverflow)
	assert.Equal(t, uint32(1), r.loop.Failures())
	found := false
	for _, e := range r.health.Entries(healthlog.Error) {
		found = found || e.Message == "observation payload overflow"
	}
	assert.True(t, found)
}

func TestSetInterval(t *testing.T) {
	r := newRig(t, false)
	assert.ErrorIs(t, r.loop.SetInterval(10), ErrInterval)
	require.NoError(t, r.loop.SetInterval(5000))
	assert.Equal(t, uint32(5000), r.loop.Interval())

	_, _ = r.loop.Tick(0)
	sampled, _ := r.loop.Tick(4999)
	assert.False(t, sampled)
	sampled, _ = r.loop.Tick(5000)
	assert.True(t, sampled)
}
