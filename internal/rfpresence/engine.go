// Package rfpresence detects presence from the BLE and WiFi environment
// without identifying anyone. Radio addresses are reduced to session tokens
// at the package boundary and are never kept; tokens are unlinkable across
// session epochs. Only anonymous aggregates leave the engine.
package rfpresence

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/nvs"
)

// Engine timing and signal constants.
const (
	SessionRotateMs     = 4 * 60 * 60 * 1000
	ObservationTTLMs    = 60000
	ImpulseTimeoutMs    = 5000
	PresenceThresholdMs = 10000
	DwellThresholdMs    = 60000
	LostTimeoutMs       = 30000
	DepartingConfirmMs  = 15000
	MinTransitionMs     = 500
	ProbeDecayMs        = 5000
	PowerFlagTTLMs      = 10000

	// SecretSize is the length of the per-device token secret.
	SecretSize = 32

	keySecret   = "rf_secret"
	keyEpoch    = "rf_epoch"
	keySettings = "rf_settings"
)

// NoiseFloor is the weakest RSSI that is counted.
const NoiseFloor int8 = -90

// Power event flags.
const (
	PowerBrownout   uint8 = 0x01
	PowerLowVoltage uint8 = 0x02
	PowerLoadSpike  uint8 = 0x04
)

// State is the RF presence state.
type State uint8

const (
	Empty State = iota
	Impulse
	Presence
	Dwelling
	Departing
)

var stateNames = [...]string{"empty", "impulse", "presence", "dwelling", "departing"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Config parameterizes New.
type Config struct {
	Store   *nvs.Store
	Health  *healthlog.Ring
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Engine is the RF presence engine. It is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	store   *nvs.Store
	health  *healthlog.Ring
	logger  *zap.Logger
	metrics *metrics.Metrics

	secret       *cvcrypto.SecretBuffer
	epoch        uint32
	sessionStart uint32
	settings     Settings
	enabled      bool

	tokens tokenMap
	obs    obsRing

	state          State
	stateEnterMs   uint32
	lastTransition uint32
	lastEvent      string
	deviceCount    int

	advThisSecond uint32
	lastSecond    uint32
	probeBursts   uint8
	probePeak     int8
	lastDecayMs   uint32
	tempLast      float64
	tempNow       float64
	powerFlags    uint8
	lastPowerMs   uint32
}

// New loads or creates the device secret, the session epoch and the
// settings. A secret that cannot be persisted is still used for this boot.
func New(cfg Config, now uint32) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:        cfg.Store,
		health:       cfg.Health,
		logger:       logger.Named("rf"),
		metrics:      cfg.Metrics,
		settings:     DefaultSettings(),
		sessionStart: now,
		stateEnterMs: now,
		lastEvent:    "boot",
		probePeak:    NoiseFloor,
	}

	var secret [SecretSize]byte
	h, err := cfg.Store.OpenRO(nvs.NamespaceRF)
	if err != nil {
		return nil, fmt.Errorf("open rf store: %w", err)
	}
	have := h.GetFixed(keySecret, secret[:])
	e.epoch = h.GetU32(keyEpoch, 0)
	stored := h.GetBytes(keySettings, nil)
	_ = h.Close()

	if !have || allZero(secret[:]) {
		if have {
			e.health.Log(now, healthlog.Error, healthlog.RF, "RF secret is all zeros, regenerating", "")
		}
		if err := cvcrypto.Fill(secret[:]); err != nil {
			return nil, err
		}
		if err := e.put(func(h *nvs.Handle) error { return h.PutBytes(keySecret, secret[:]) }); err != nil {
			e.health.Log(now, healthlog.Error, healthlog.RF, "failed to persist RF secret", err.Error())
		}
	}
	if e.secret, err = cvcrypto.NewSecretFrom(secret[:]); err != nil {
		return nil, fmt.Errorf("hold rf secret: %w", err)
	}

	if stored != nil {
		var s Settings
		if err := s.UnmarshalBinary(stored); err == nil && s.Validate() == nil {
			e.settings = s
		} else {
			e.health.Log(now, healthlog.Warning, healthlog.RF, "stored RF settings invalid, using defaults", "")
		}
	}
	e.enabled = e.settings.Enabled
	e.health.Log(now, healthlog.Info, healthlog.RF, fmt.Sprintf("RF presence initialized, epoch=%d", e.epoch), "")
	return e, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (e *Engine) put(f func(*nvs.Handle) error) error {
	h, err := e.store.OpenRW(nvs.NamespaceRF)
	if err != nil {
		return err
	}
	if err := f(h); err != nil {
		_ = h.Close()
		return err
	}
	return h.Close()
}

// Close wipes the secret and all session state.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens.wipe()
	e.obs.wipe()
	e.enabled = false
	return e.secret.Close()
}

// Enable turns observation on.
func (e *Engine) Enable() {
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()
}

// Disable turns observation off and wipes the token map.
func (e *Engine) Disable() {
	e.mu.Lock()
	e.enabled = false
	e.tokens.wipe()
	e.mu.Unlock()
}

// Enabled reports whether the engine is observing.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Epoch returns the current session epoch.
func (e *Engine) Epoch() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// State returns the FSM state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Settings returns the active settings.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// SetSettings validates, applies and persists s.
func (e *Engine) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b, _ := s.MarshalBinary()
	e.mu.Lock()
	e.settings = s
	e.enabled = s.Enabled
	e.mu.Unlock()
	if err := e.put(func(h *nvs.Handle) error { return h.PutBytes(keySettings, b) }); err != nil {
		return fmt.Errorf("persist rf settings: %w", err)
	}
	return nil
}

// FeedBLE passes one BLE advertisement through the privacy barrier. mac is
// zeroed before FeedBLE returns.
func (e *Engine) FeedBLE(now uint32, mac *[6]byte, rssi int8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled || rssi < NoiseFloor {
		if mac != nil {
			cvcrypto.Zero(mac[:])
		}
		return
	}
	token := DeriveToken(e.secret.Bytes(), e.epoch, mac)
	if e.tokens.touch(token, now, rssi) {
		e.advThisSecond++
	}
}

// FeedWiFiProbe counts a probe request burst. No token is derived for
// probes; mac is zeroed unread.
func (e *Engine) FeedWiFiProbe(now uint32, mac *[6]byte, rssi int8) {
	if mac != nil {
		cvcrypto.Zero(mac[:])
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled || rssi < NoiseFloor {
		return
	}
	if e.probeBursts < 255 {
		e.probeBursts++
	}
	if rssi > e.probePeak {
		e.probePeak = rssi
	}
}

// FeedTemperature records a temperature reading in degrees Celsius.
func (e *Engine) FeedTemperature(c float64) {
	e.mu.Lock()
	e.tempLast, e.tempNow = e.tempNow, c
	e.mu.Unlock()
}

// FeedPower records power event flags. They clear after PowerFlagTTLMs.
func (e *Engine) FeedPower(now uint32, flags uint8) {
	if flags == 0 {
		return
	}
	e.mu.Lock()
	e.powerFlags |= flags
	e.lastPowerMs = now
	e.mu.Unlock()
}

// Rotate starts a new session epoch. Every token, observation and transient
// signal value of the old session is wiped.
func (e *Engine) Rotate(now uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rotateLocked(now)
}

func (e *Engine) rotateLocked(now uint32) {
	e.epoch++
	e.sessionStart = now
	if err := e.put(func(h *nvs.Handle) error { return h.PutU32(keyEpoch, e.epoch) }); err != nil {
		e.health.Log(now, healthlog.Warning, healthlog.RF, "failed to persist RF epoch", err.Error())
	}
	e.tokens.wipe()
	e.obs.wipe()
	e.probeBursts = 0
	e.probePeak = NoiseFloor
	e.powerFlags = 0
	e.deviceCount = 0
	e.advThisSecond = 0
	e.lastEvent = "session_rotated"
	e.metrics.SetRFTokens(0)
	e.health.Log(now, healthlog.Info, healthlog.RF, fmt.Sprintf("session rotated, new epoch=%d", e.epoch), "")
}

// Update advances the engine to now and returns the event the FSM emitted,
// if any.
func (e *Engine) Update(now uint32) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return Event{}, false
	}

	if now-e.sessionStart >= SessionRotateMs {
		e.rotateLocked(now)
	}
	if now-e.lastDecayMs >= ProbeDecayMs {
		if e.probeBursts > 0 {
			e.probeBursts--
		}
		if e.probeBursts == 0 {
			e.probePeak = NoiseFloor
		}
		e.lastDecayMs = now
	}
	if e.powerFlags != 0 && now-e.lastPowerMs >= PowerFlagTTLMs {
		e.powerFlags = 0
	}
	e.obs.evict(now)

	ev, ok := e.tick(now)

	if sec := now / 1000; sec != e.lastSecond {
		e.obs.push(e.sampleLocked(now))
		e.advThisSecond = 0
		e.lastSecond = sec
	}
	e.metrics.SetRFTokens(e.tokens.active(now, ObservationTTLMs))
	return ev, ok
}

func (e *Engine) sampleLocked(now uint32) Observation {
	maxR, mean, minR := e.tokens.rssiStats(now, ObservationTTLMs)
	return Observation{
		TimestampMs:    now,
		BLEDeviceCount: clampU8(e.tokens.active(now, ObservationTTLMs)),
		BLERSSIMax:     maxR,
		BLERSSIMean:    mean,
		BLERSSIMin:     minR,
		BLEAdvDensity:  clampU8(int(e.advThisSecond)),
		WiFiProbeCount: e.probeBursts,
		WiFiRSSIPeak:   e.probePeak,
		TempDelta:      clampI8((e.tempNow - e.tempLast) * 10),
		PowerFlags:     e.powerFlags,
	}
}

func clampU8(v int) uint8 {
	return uint8(min(max(v, 0), 255))
}

func clampI8(v float64) int8 {
	return int8(min(max(v, -128), 127))
}

func (e *Engine) transition(to State, now uint32) {
	from := e.state
	e.state = to
	e.stateEnterMs = now
	e.lastTransition = now
	e.health.Log(now, healthlog.Info, healthlog.RF, fmt.Sprintf("RF FSM: %s -> %s", from, to), "")
}

func (e *Engine) tick(now uint32) (Event, bool) {
	count := e.tokens.active(now, ObservationTTLMs)
	prev := e.deviceCount
	e.deviceCount = count
	inState := now - e.stateEnterMs
	canMove := now-e.lastTransition >= MinTransitionMs
	minCount := int(e.settings.MinPresenceCount)

	switch e.state {
	case Empty:
		if canMove && (count >= minCount || e.probeBursts > 0) {
			e.transition(Impulse, now)
			if e.settings.EmitImpulseEvents {
				sig := SignalBLE
				if e.probeBursts > 0 {
					sig = SignalWiFi
				}
				return e.event(now, EventImpulse, sig, count), true
			}
		}
	case Impulse:
		switch {
		case count < minCount && e.probeBursts == 0:
			if canMove {
				e.transition(Empty, now)
			}
		case inState >= e.settings.PresenceThresholdMs:
			e.transition(Presence, now)
			return e.event(now, EventPresenceStarted, SignalFused, count), true
		case inState >= ImpulseTimeoutMs && count < minCount:
			if canMove {
				e.transition(Empty, now)
			}
		}
	case Presence:
		switch {
		case count < minCount && inState >= e.settings.LostTimeoutMs:
			e.transition(Empty, now)
			return e.event(now, EventPresenceEnded, SignalFused, -prev), true
		case count < minCount && canMove:
			e.transition(Departing, now)
			return e.event(now, EventDeparting, SignalBLE, count-prev), true
		case count >= minCount && inState >= e.settings.DwellThresholdMs:
			e.transition(Dwelling, now)
			return e.event(now, EventDwellStarted, SignalBLE, 0), true
		}
	case Dwelling:
		if canMove && count < minCount {
			e.transition(Departing, now)
			return e.event(now, EventDeparting, SignalBLE, count-prev), true
		}
	case Departing:
		if count >= minCount {
			if canMove {
				e.transition(Presence, now)
			}
		} else if inState >= DepartingConfirmMs {
			e.transition(Empty, now)
			return e.event(now, EventPresenceEnded, SignalFused, -prev), true
		}
	}
	return Event{}, false
}

func (e *Engine) event(now uint32, name string, sig Signal, delta int) Event {
	count := e.tokens.active(now, ObservationTTLMs)
	_, mean, _ := e.tokens.rssiStats(now, ObservationTTLMs)
	dwell := dwellClass(now - e.stateEnterMs)
	tb := TimeBucket(now)
	ev := Event{
		Name:       name,
		Signal:     sig,
		Confidence: confidence(count, e.probeBursts, mean),
		CountDelta: int8(max(min(delta, 127), -128)),
		Dwell:      dwell,
		TimeBucket: tb,
	}
	if e.settings.EmitNarrativeHints {
		ev.Hint = narrativeHint(e.state, dwell, tb)
	}
	e.lastEvent = name
	return ev
}

// Snapshot is the operator view of the engine. It carries only aggregates.
type Snapshot struct {
	State           string `json:"state"`
	Enabled         bool   `json:"enabled"`
	Confidence      string `json:"confidence"`
	DeviceCount     int    `json:"device_count"`
	RSSIMean        int8   `json:"rssi_mean"`
	StateDurationMs uint32 `json:"state_duration_ms"`
	Dwell           string `json:"dwell_class"`
	UptimeS         uint32 `json:"uptime_s"`
	LastEvent       string `json:"last_event"`
	SessionEpoch    uint32 `json:"session_epoch"`
	ProbeBursts     uint8  `json:"probe_bursts"`
	PowerFlags      uint8  `json:"power_flags"`
}

// Snapshot returns the current state at now.
func (e *Engine) Snapshot(now uint32) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := e.tokens.active(now, ObservationTTLMs)
	_, mean, _ := e.tokens.rssiStats(now, ObservationTTLMs)
	inState := now - e.stateEnterMs
	return Snapshot{
		State:           e.state.String(),
		Enabled:         e.enabled,
		Confidence:      confidence(count, e.probeBursts, mean).String(),
		DeviceCount:     count,
		RSSIMean:        mean,
		StateDurationMs: inState,
		Dwell:           dwellClass(inState).String(),
		UptimeS:         now / 1000,
		LastEvent:       e.lastEvent,
		SessionEpoch:    e.epoch,
		ProbeBursts:     e.probeBursts,
		PowerFlags:      e.powerFlags,
	}
}

// Observations returns the live observation ring, oldest first.
func (e *Engine) Observations() []Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.obs.list()
}

// ExportObservations serializes the live observation ring.
func (e *Engine) ExportObservations() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []byte
	for _, o := range e.obs.list() {
		out = o.AppendBinary(out)
	}
	return out
}
