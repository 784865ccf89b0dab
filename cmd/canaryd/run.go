package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmay89/securacv-canary/internal/config"
	"github.com/kmay89/securacv-canary/internal/gnss"
	"github.com/kmay89/securacv-canary/internal/log"
	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/node"
	"github.com/kmay89/securacv-canary/internal/nvs"
	"github.com/kmay89/securacv-canary/internal/operator"
	"github.com/kmay89/securacv-canary/internal/radio"
	"github.com/kmay89/securacv-canary/internal/sensor"
	"github.com/kmay89/securacv-canary/internal/vision"
	"github.com/kmay89/securacv-canary/internal/witness"
)

// tickInterval paces the main loop.
const tickInterval = 10 * time.Millisecond

func newRunCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the device and serve the operator API",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.BindFlags(flags.v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			logger, err := log.New(cfg.LogConfig())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger = logger.With(zap.String("run_id", uuid.NewString()))
			return runDevice(cmd.Context(), cfg, logger)
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

// openStore returns the NVS store for dsn and a function releasing it. An
// empty dsn keeps state in memory for the life of the process.
func openStore(dsn string) (*nvs.Store, func() error, error) {
	if dsn == "" {
		return nvs.New(nvs.NewMemoryBackend()), func() error { return nil }, nil
	}
	b, err := nvs.OpenSQLiteBackend(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open state %s: %w", dsn, err)
	}
	return nvs.New(b), b.Close, nil
}

func openArchive(a config.Archive) (witness.Archive, error) {
	switch a.Kind {
	case "file":
		return witness.OpenFileArchive(a.Path)
	case "sqlite":
		return witness.OpenSQLiteArchive(a.Path)
	}
	return nil, nil
}

func openExporter(e config.Export) (witness.Exporter, error) {
	switch e.Kind {
	case "http":
		return witness.NewHTTPExporter(e.Target), nil
	case "folder":
		return witness.NewFolderExporter(e.Target)
	}
	return nil, nil
}

// device holds everything that survives a reboot of the node.
type device struct {
	ncfg   node.Config
	logger *zap.Logger

	queue *witness.Queue
	early []witness.Record
}

func (d *device) onRecord(r witness.Record) {
	if d.queue == nil {
		d.early = append(d.early, r)
		return
	}
	if !d.queue.Enqueue(r) {
		d.logger.Warn("export queue full, record dropped", zap.Uint32("seq", r.Seq))
	}
}

func runDevice(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	mac, err := cfg.MAC()
	if err != nil {
		return err
	}
	level, err := cfg.HealthMinLevel()
	if err != nil {
		return err
	}
	m := metrics.New()

	store, closeStore, err := openStore(cfg.State.DSN)
	if err != nil {
		return err
	}
	defer closeStore()

	archive, err := openArchive(cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if archive != nil {
		defer archive.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	d := &device{logger: logger}
	d.ncfg = node.Config{
		MAC:              mac,
		Firmware:         cfg.Device.Firmware,
		Name:             cfg.Device.Name,
		Store:            store,
		Archive:          archive,
		RecordIntervalMs: cfg.Record.IntervalMs,
		TimeBucketMs:     cfg.Record.TimeBucketMs,
		HealthMinLevel:   level,
		Logger:           logger,
		Metrics:          m,
		OnRecord:         d.onRecord,
		OnStatus:         func(s string) { logger.Debug(s) },
	}
	start := time.Now()
	d.ncfg.Clock = func() uint32 { return uint32(time.Since(start).Milliseconds()) }

	if cfg.Radio.Kind == "udp" {
		t, err := radio.ListenUDP(cfg.Radio.Listen, cfg.Radio.Addr, radio.MAC(mac), logger)
		if err != nil {
			return err
		}
		defer t.Close()
		slot := &radio.Slot{}
		d.ncfg.Transport, d.ncfg.Slot = t, slot
		g.Go(func() error { return t.Run(gctx, slot) })
	}
	if cfg.GPS.Device != "" {
		rd, err := gnss.OpenDevice(gctx, cfg.GPS.Device)
		if err != nil {
			return fmt.Errorf("open gps: %w", err)
		}
		d.ncfg.UART = rd.Chunks()
	}
	if cfg.Vision.Replay != "" {
		f, err := os.Open(cfg.Vision.Replay)
		if err != nil {
			return fmt.Errorf("open vision replay: %w", err)
		}
		defer f.Close()
		d.ncfg.Vision = vision.NewReplay(f)
	}
	if cfg.Sensor.Replay != "" {
		f, err := os.Open(cfg.Sensor.Replay)
		if err != nil {
			return fmt.Errorf("open sensor replay: %w", err)
		}
		defer f.Close()
		d.ncfg.Sensors = sensor.NewReplay(f)
	}

	exp, err := openExporter(cfg.Export)
	if err != nil {
		return fmt.Errorf("open exporter: %w", err)
	}
	n, err := node.Boot(d.ncfg)
	if err != nil {
		return err
	}
	// The device key is only known after the first boot, so the boot
	// record is held back until the queue exists.
	if exp != nil {
		d.queue = witness.NewQueue(exp, n.Chain.DeviceID(), n.Chain.Public(), logger)
		for _, r := range d.early {
			d.queue.Enqueue(r)
		}
		g.Go(func() error { return d.queue.Run(gctx) })
	}
	d.early = nil

	srv := operator.New(operator.Config{Node: n, Metrics: m, Logger: logger})
	g.Go(func() error { return srv.Serve(gctx, cfg.Operator.Listen) })
	g.Go(func() error { return d.loop(gctx, n, srv) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// loop ticks n until ctx is done, rebooting it when the operator asks.
func (d *device) loop(ctx context.Context, n *node.Node, srv *operator.Server) error {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return n.Close()
		case <-n.RebootRequested():
			d.logger.Info("rebooting")
			if err := n.Close(); err != nil {
				d.logger.Warn("close before reboot", zap.Error(err))
			}
			next, err := node.Boot(d.ncfg)
			if err != nil {
				return fmt.Errorf("reboot: %w", err)
			}
			n = next
			srv.SetNode(n)
		case <-t.C:
			n.Tick()
		}
	}
}
