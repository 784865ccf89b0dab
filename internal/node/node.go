// Package node owns the component graph of one device and runs its main
// loop.
package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/chirp"
	"github.com/kmay89/securacv-canary/internal/gnss"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/mesh"
	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/nvs"
	"github.com/kmay89/securacv-canary/internal/observe"
	"github.com/kmay89/securacv-canary/internal/radio"
	"github.com/kmay89/securacv-canary/internal/rfpresence"
	"github.com/kmay89/securacv-canary/internal/sensor"
	"github.com/kmay89/securacv-canary/internal/vision"
	"github.com/kmay89/securacv-canary/internal/witness"
)

// Config describes the device and its drivers. Store and MAC are required.
type Config struct {
	MAC      [6]byte
	Firmware string
	// Name is shown to mesh peers.
	Name string

	Store   *nvs.Store
	Archive witness.Archive

	// Transport and Slot connect the mesh and chirp channel to a radio.
	// Without them both run without sending or receiving.
	Transport radio.Transport
	Slot      *radio.Slot

	UART   <-chan []byte
	Vision vision.Source
	// Sensors feeds the RF firewall and raises local power and tamper
	// alerts.
	Sensors sensor.Source

	// Defaults for settings that have not been changed by the operator.
	RecordIntervalMs uint32
	TimeBucketMs     uint32
	HealthMinLevel   healthlog.Level

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Clock returns the monotonic millisecond clock. Defaults to the time
	// since Boot.
	Clock func() uint32

	// OnRecord is called for every witness record, for example to export it.
	OnRecord func(witness.Record)
	// OnStatus receives the observation status line.
	OnStatus func(string)
}

// Node is one booted device. Tick must be called from a single goroutine;
// the exported methods may be called concurrently with it.
type Node struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger
	clock  func() uint32
	bootMs uint32

	Health *healthlog.Ring
	Chain  *witness.Chain
	GPS    *gnss.Parser
	Motion *gnss.Motion
	RF     *rfpresence.Engine
	Mesh   *mesh.Mesh
	Chirp  *chirp.Channel

	presence   *vision.Presence
	loop       *observe.Loop
	settings   Settings
	bootBucket uint32

	reboot     chan struct{}
	rebootOnce sync.Once
	closed     bool
}

// Boot builds the component graph. The boot counter is advanced and a BOOT
// record is written before Boot returns. Errors are fatal.
func Boot(cfg Config) (*Node, error) {
	if cfg.Store == nil {
		return nil, errors.New("node: no store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{cfg: cfg, logger: logger, reboot: make(chan struct{})}
	n.clock = cfg.Clock
	if n.clock == nil {
		start := time.Now()
		n.clock = func() uint32 { return uint32(time.Since(start).Milliseconds()) }
	}
	now := n.clock()
	n.bootMs = now

	n.Health = healthlog.New(cfg.Store, logger, cfg.Metrics)
	s, err := loadSettings(cfg.Store, Settings{
		RecordIntervalMs: cfg.RecordIntervalMs,
		TimeBucketMs:     cfg.TimeBucketMs,
		HealthMinLevel:   cfg.HealthMinLevel,
	})
	if err != nil {
		return nil, err
	}
	n.settings = s
	n.bootBucket = s.TimeBucketMs
	n.Health.SetMinLevel(s.HealthMinLevel)

	n.Chain, err = witness.Provision(witness.Config{
		MAC:          cfg.MAC,
		Firmware:     cfg.Firmware,
		TimeBucketMs: s.TimeBucketMs,
		Health:       n.Health,
		Logger:       logger,
		Metrics:      cfg.Metrics,
		Archive:      cfg.Archive,
		OnRecord:     cfg.OnRecord,
	}, cfg.Store, now)
	if err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}
	if _, err := n.Chain.BootAttestation(now); err != nil && !errors.Is(err, witness.ErrVerifyFailed) {
		return nil, fmt.Errorf("boot attestation: %w", err)
	}

	n.GPS = gnss.NewParser(cfg.Metrics)
	n.Motion = gnss.NewMotion()
	if cfg.Vision != nil {
		n.presence = vision.NewPresence()
	}
	if n.RF, err = rfpresence.New(rfpresence.Config{
		Store: cfg.Store, Health: n.Health, Logger: logger, Metrics: cfg.Metrics,
	}, now); err != nil {
		return nil, fmt.Errorf("rf presence: %w", err)
	}

	n.loop = observe.New(observe.Config{
		Recorder:   n.Chain,
		GPS:        n.GPS,
		Motion:     n.Motion,
		UART:       cfg.UART,
		Vision:     n.presence,
		RF:         n.RF,
		IntervalMs: s.RecordIntervalMs,
		Health:     n.Health,
		Logger:     logger,
		OnStatus:   cfg.OnStatus,
	})

	name := cfg.Name
	if name == "" {
		name = n.Chain.DeviceID()
	}
	if n.Mesh, err = mesh.New(mesh.Config{
		Identity:    n.Chain,
		Name:        name,
		Transport:   cfg.Transport,
		Store:       cfg.Store,
		Health:      n.Health,
		Logger:      logger,
		Metrics:     cfg.Metrics,
		CounterBase: uint64(n.Chain.BootCount()) << 32,
		OnAlert:     n.onAlert,
	}, now); err != nil {
		return nil, fmt.Errorf("mesh: %w", err)
	}
	if n.Chirp, err = chirp.New(chirp.Config{
		Transport: cfg.Transport,
		Store:     cfg.Store,
		Health:    n.Health,
		Logger:    logger,
		Metrics:   cfg.Metrics,
	}, now); err != nil {
		return nil, fmt.Errorf("chirp: %w", err)
	}

	n.Health.Log(now, healthlog.Notice, healthlog.System, "boot complete",
		fmt.Sprintf("boot=%d fw=%s", n.Chain.BootCount(), cfg.Firmware))
	logger.Info("booted", zap.String("device", n.Chain.DeviceID()), zap.Uint32("boot", n.Chain.BootCount()))
	return n, nil
}

// Now returns the node clock.
func (n *Node) Now() uint32 { return n.clock() }

// Tick runs one pass of the main loop: UART pump, vision sample, the
// observation loop, one radio frame, then mesh and chirp housekeeping.
func (n *Node) Tick() {
	n.TickAt(n.clock())
}

// TickAt is Tick with an explicit clock reading.
func (n *Node) TickAt(now uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.loop.Pump(now)
	if n.cfg.Sensors != nil {
		for i := 0; i < maxSensorEvents; i++ {
			ev, ok := n.cfg.Sensors.Next(now)
			if !ok {
				break
			}
			n.sense(now, ev)
		}
	}
	if n.cfg.Vision != nil {
		if dets, ok := n.cfg.Vision.Next(); ok {
			n.loop.Vision(now, dets)
		}
	}
	if _, err := n.loop.Tick(now); err != nil {
		n.logger.Warn("observation", zap.Error(err))
	}
	if n.cfg.Slot != nil {
		if f, ok := n.cfg.Slot.Take(); ok {
			n.dispatch(now, f)
		}
	}
	n.Mesh.Update(now)
	n.Chirp.Update(now)
	n.cfg.Metrics.SetHealthUnacked(n.Health.Unacked())
}

// dispatch routes a frame by its first byte.
func (n *Node) dispatch(now uint32, f radio.Frame) {
	if len(f.Data) > 0 && f.Data[0] == chirp.Magic {
		n.Chirp.Handle(now, f)
		return
	}
	n.Mesh.Handle(now, f)
}

// onAlert runs with the mesh lock held, from within Tick.
func (n *Node) onAlert(a mesh.Alert) {
	t := observe.Tamper{
		Alert:    a.Type.String(),
		Severity: a.Severity.String(),
		From:     a.SenderName,
		PeerSeq:  a.WitnessSeq,
		Detail:   a.Detail,
	}
	if t.From == "" {
		t.From = a.Sender.String()
	}
	if _, err := n.loop.RecordTamper(a.TimestampMs, t); err != nil && !errors.Is(err, witness.ErrVerifyFailed) {
		n.logger.Warn("tamper record", zap.Error(err))
	}
}

// RequestReboot asks the daemon to shut the node down and boot again.
func (n *Node) RequestReboot() {
	n.rebootOnce.Do(func() {
		n.Health.Log(n.clock(), healthlog.Notice, healthlog.User, "reboot requested", "")
		close(n.reboot)
	})
}

// RebootRequested is closed once a reboot has been requested.
func (n *Node) RebootRequested() <-chan struct{} { return n.reboot }

// Close tells peers the device is going down, flushes the chain and
// releases the components. The archive is left to the caller.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	now := n.clock()
	st := n.Chain.Status()
	if _, err := n.Mesh.BroadcastOfflineImminent(now, mesh.AlertOfflineShutdown, st.Seq, st.ChainHead); err != nil &&
		!errors.Is(err, mesh.ErrNoOpera) {
		n.logger.Debug("offline notice", zap.Error(err))
	}
	n.Chirp.Disable(now)
	return errors.Join(n.Mesh.Close(), n.RF.Close(), n.Chain.Close(now))
}
