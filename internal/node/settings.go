package node

import (
	"errors"
	"fmt"

	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/nvs"
	"github.com/kmay89/securacv-canary/internal/observe"
	"github.com/kmay89/securacv-canary/internal/witness"
)

const (
	keyRecordInterval = "rec_ivl"
	keyTimeBucket     = "tbucket"
	keyLogMin         = "log_min"

	maxRecordIntervalMs = 3600000
	minTimeBucketMs     = 1000
)

// ErrSettings is returned for out-of-range settings.
var ErrSettings = errors.New("node: invalid settings")

// Settings are the operator-adjustable device settings. A new time bucket
// applies from the next boot.
type Settings struct {
	RecordIntervalMs uint32          `json:"record_interval_ms"`
	TimeBucketMs     uint32          `json:"time_bucket_ms"`
	HealthMinLevel   healthlog.Level `json:"-"`
}

func (s *Settings) fill() {
	if s.RecordIntervalMs == 0 {
		s.RecordIntervalMs = observe.DefaultIntervalMs
	}
	if s.TimeBucketMs == 0 {
		s.TimeBucketMs = witness.DefaultTimeBucketMs
	}
	if s.HealthMinLevel == healthlog.Debug {
		s.HealthMinLevel = healthlog.Info
	}
}

// Validate checks the ranges of s.
func (s Settings) Validate() error {
	switch {
	case s.RecordIntervalMs < observe.MinIntervalMs || s.RecordIntervalMs > maxRecordIntervalMs:
		return fmt.Errorf("%w: record interval %d ms", ErrSettings, s.RecordIntervalMs)
	case s.TimeBucketMs < minTimeBucketMs:
		return fmt.Errorf("%w: time bucket %d ms", ErrSettings, s.TimeBucketMs)
	case s.HealthMinLevel > healthlog.Tamper:
		return fmt.Errorf("%w: log level %d", ErrSettings, s.HealthMinLevel)
	}
	return nil
}

func loadSettings(store *nvs.Store, def Settings) (Settings, error) {
	def.fill()
	h, err := store.OpenRO(nvs.NamespaceCore)
	if err != nil {
		return def, fmt.Errorf("open settings: %w", err)
	}
	defer h.Close()
	s := Settings{
		RecordIntervalMs: h.GetU32(keyRecordInterval, def.RecordIntervalMs),
		TimeBucketMs:     h.GetU32(keyTimeBucket, def.TimeBucketMs),
		HealthMinLevel:   healthlog.Level(h.GetU8(keyLogMin, uint8(def.HealthMinLevel))),
	}
	if s.Validate() != nil {
		return def, nil
	}
	return s, nil
}

// Settings returns the current settings.
func (n *Node) Settings() Settings {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.settings
}

// SetSettings validates, persists and applies s. It reports whether a
// reboot is needed for every change to take effect.
func (n *Node) SetSettings(s Settings) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	h, err := n.cfg.Store.OpenRW(nvs.NamespaceCore)
	if err != nil {
		return false, err
	}
	_ = h.PutU32(keyRecordInterval, s.RecordIntervalMs)
	_ = h.PutU32(keyTimeBucket, s.TimeBucketMs)
	_ = h.PutU8(keyLogMin, uint8(s.HealthMinLevel))
	if err := h.Close(); err != nil {
		return false, err
	}
	if err := n.loop.SetInterval(s.RecordIntervalMs); err != nil {
		return false, err
	}
	n.Health.SetMinLevel(s.HealthMinLevel)
	reboot := s.TimeBucketMs != n.bootBucket
	n.settings = s
	n.Health.Log(n.clock(), healthlog.Info, healthlog.User, "settings changed",
		fmt.Sprintf("ivl=%d tb=%d log=%s", s.RecordIntervalMs, s.TimeBucketMs, s.HealthMinLevel))
	return reboot, nil
}
