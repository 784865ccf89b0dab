package observe

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cbor"
	"github.com/kmay89/securacv-canary/internal/gnss"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/rfpresence"
	"github.com/kmay89/securacv-canary/internal/vision"
	"github.com/kmay89/securacv-canary/internal/witness"
)

const (
	// DefaultIntervalMs is the sampling period.
	DefaultIntervalMs = 1000
	// MinIntervalMs bounds operator changes to the sampling period.
	MinIntervalMs = 100
	// StatusEvery is how many sample records pass between status lines.
	StatusEvery = 20

	payloadBufSize = 384
)

// ErrPayloadOverflow is returned when a payload does not fit the buffer.
var ErrPayloadOverflow = errors.New("observe: payload overflow")

// ErrInterval is returned for a sampling period below MinIntervalMs.
var ErrInterval = errors.New("observe: interval too short")

// Recorder commits payloads to the chain. *witness.Chain implements it.
type Recorder interface {
	CreateRecord(now uint32, payload []byte, typ witness.RecordType) (witness.Record, error)
}

// Config parameterizes New. GPS and Motion are required; the rest are
// optional.
type Config struct {
	Recorder Recorder
	GPS      *gnss.Parser
	Motion   *gnss.Motion
	// UART carries raw bytes from the GPS receiver.
	UART <-chan []byte
	// Vision, when set, switches sample records to the presence payload.
	Vision *vision.Presence
	RF     *rfpresence.Engine

	IntervalMs uint32
	Health     *healthlog.Ring
	Logger     *zap.Logger
	// OnStatus receives the periodic status line.
	OnStatus func(string)
}

// Loop is the observation loop. It is driven from the main loop and is not
// safe for concurrent use.
type Loop struct {
	cfg    Config
	logger *zap.Logger

	buf [payloadBufSize]byte
	w   *cbor.Writer

	interval uint32
	lastMs   uint32
	started  bool

	samples  uint32
	failures uint32
}

// New returns a loop that samples on its first Tick.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{cfg: cfg, logger: logger.Named("observe"), interval: cfg.IntervalMs}
	if l.interval == 0 {
		l.interval = DefaultIntervalMs
	}
	l.w = cbor.NewWriter(l.buf[:])
	return l
}

// Interval returns the sampling period in milliseconds.
func (l *Loop) Interval() uint32 { return l.interval }

// SetInterval changes the sampling period.
func (l *Loop) SetInterval(ms uint32) error {
	if ms < MinIntervalMs {
		return ErrInterval
	}
	l.interval = ms
	return nil
}

// Samples returns how many sample records were created.
func (l *Loop) Samples() uint32 { return l.samples }

// Failures returns how many records could not be created.
func (l *Loop) Failures() uint32 { return l.failures }

// Pump drains the UART into the GPS parser without blocking.
func (l *Loop) Pump(now uint32) {
	if l.cfg.UART != nil {
		l.cfg.GPS.Pump(now, l.cfg.UART)
	}
}

// Vision feeds one camera sample to the presence machine. The event, if
// any, shows up as last_event in the next sample record.
func (l *Loop) Vision(now uint32, dets []vision.Detection) (vision.Event, bool) {
	if l.cfg.Vision == nil {
		return vision.Event{}, false
	}
	ev, ok := l.cfg.Vision.Tick(vision.SampleFrom(dets), now)
	if ok {
		l.logger.Debug("vision event", zap.String("event", ev.Name), zap.String("reason", ev.Reason))
	}
	return ev, ok
}

// Tick runs one observation when the interval has elapsed. It reports
// whether it sampled.
func (l *Loop) Tick(now uint32) (bool, error) {
	if l.started && now-l.lastMs < l.interval {
		return false, nil
	}
	l.started = true
	l.lastMs = now

	l.Pump(now)
	fix := l.cfg.GPS.Fix()
	if t, ok := l.cfg.Motion.Update(now, fix.Valid, fix.LastUpdateMs, fix.SpeedMps()); ok {
		l.logger.Info("motion", zap.Stringer("from", t.From), zap.Stringer("to", t.To), zap.String("reason", t.Reason))
		lvl := healthlog.Info
		if t.To == gnss.FixLost {
			lvl = healthlog.Warning
		}
		l.cfg.Health.Log(now, lvl, healthlog.GPS, fmt.Sprintf("motion %s -> %s", t.From, t.To), t.Reason)
		l.w.Reset()
		StatePayload(l.w, t)
		l.commit(now, witness.TypeStateChange)
	}
	if l.cfg.RF != nil {
		if ev, ok := l.cfg.RF.Update(now); ok {
			l.w.Reset()
			RFPayload(l.w, ev)
			l.commit(now, witness.TypeEvent)
		}
	}

	l.w.Reset()
	if l.cfg.Vision != nil {
		VisionPayload(l.w, l.cfg.Vision.Snapshot(now))
	} else {
		MotionPayload(l.w, l.cfg.Motion.State(), fix)
	}
	r, err := l.commit(now, witness.TypeEvent)
	if err != nil && !errors.Is(err, witness.ErrVerifyFailed) {
		return true, err
	}
	l.samples++
	if l.samples%StatusEvery == 0 {
		line := fmt.Sprintf("seq=%d state=%s fix=%t sats=%d ema=%.2f", r.Seq, l.cfg.Motion.State(), fix.Valid, fix.Satellites, l.cfg.Motion.EMA())
		l.logger.Info("status", zap.Uint32("seq", r.Seq), zap.Stringer("state", l.cfg.Motion.State()))
		if l.cfg.OnStatus != nil {
			l.cfg.OnStatus(line)
		}
	}
	return true, err
}

// RecordTamper commits a TAMPER record for an alert received from a peer.
func (l *Loop) RecordTamper(now uint32, t Tamper) (witness.Record, error) {
	l.w.Reset()
	TamperPayload(l.w, t)
	return l.commit(now, witness.TypeTamper)
}

func (l *Loop) commit(now uint32, typ witness.RecordType) (witness.Record, error) {
	if !l.w.OK() {
		l.failures++
		l.cfg.Health.Log(now, healthlog.Error, healthlog.Witness, "observation payload overflow", typ.String())
		return witness.Record{}, ErrPayloadOverflow
	}
	r, err := l.cfg.Recorder.CreateRecord(now, l.w.Bytes(), typ)
	if err != nil {
		l.failures++
		l.logger.Warn("create record", zap.Stringer("type", typ), zap.Error(err))
	}
	return r, err
}
