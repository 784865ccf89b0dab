package rfpresence

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Settings bounds.
const (
	MinPresenceThresholdMs = 1000
	MaxPresenceThresholdMs = 300000
	MinDwellThresholdMs    = 5000
	MaxDwellThresholdMs    = 600000
	MinLostTimeoutMs       = 5000
	MaxLostTimeoutMs       = 300000
	MinPresenceCount       = 1
	MaxPresenceCount       = 50
)

// ErrSettings wraps every settings validation failure.
var ErrSettings = errors.New("rfpresence: invalid settings")

// Settings are the operator-tunable engine parameters.
type Settings struct {
	Enabled             bool   `json:"enabled"`
	PresenceThresholdMs uint32 `json:"presence_threshold_ms"`
	DwellThresholdMs    uint32 `json:"dwell_threshold_ms"`
	LostTimeoutMs       uint32 `json:"lost_timeout_ms"`
	MinPresenceCount    uint8  `json:"min_presence_count"`
	EmitImpulseEvents   bool   `json:"emit_impulse_events"`
	EmitNarrativeHints  bool   `json:"emit_narrative_hints"`
}

// DefaultSettings returns the factory settings.
func DefaultSettings() Settings {
	return Settings{
		Enabled:             true,
		PresenceThresholdMs: PresenceThresholdMs,
		DwellThresholdMs:    DwellThresholdMs,
		LostTimeoutMs:       LostTimeoutMs,
		MinPresenceCount:    1,
		EmitNarrativeHints:  true,
	}
}

// Validate checks every field against its bounds.
func (s Settings) Validate() error {
	switch {
	case s.PresenceThresholdMs < MinPresenceThresholdMs || s.PresenceThresholdMs > MaxPresenceThresholdMs:
		return fmt.Errorf("%w: presence threshold %d ms out of range", ErrSettings, s.PresenceThresholdMs)
	case s.DwellThresholdMs < MinDwellThresholdMs || s.DwellThresholdMs > MaxDwellThresholdMs:
		return fmt.Errorf("%w: dwell threshold %d ms out of range", ErrSettings, s.DwellThresholdMs)
	case s.LostTimeoutMs < MinLostTimeoutMs || s.LostTimeoutMs > MaxLostTimeoutMs:
		return fmt.Errorf("%w: lost timeout %d ms out of range", ErrSettings, s.LostTimeoutMs)
	case s.MinPresenceCount < MinPresenceCount || s.MinPresenceCount > MaxPresenceCount:
		return fmt.Errorf("%w: min presence count %d out of range", ErrSettings, s.MinPresenceCount)
	}
	return nil
}

const settingsSize = 16

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// MarshalBinary encodes s in the fixed layout stored under rf_settings.
func (s Settings) MarshalBinary() ([]byte, error) {
	b := make([]byte, settingsSize)
	b[0] = flag(s.Enabled)
	b[1] = s.MinPresenceCount
	b[2] = flag(s.EmitImpulseEvents)
	b[3] = flag(s.EmitNarrativeHints)
	binary.LittleEndian.PutUint32(b[4:], s.PresenceThresholdMs)
	binary.LittleEndian.PutUint32(b[8:], s.DwellThresholdMs)
	binary.LittleEndian.PutUint32(b[12:], s.LostTimeoutMs)
	return b, nil
}

// UnmarshalBinary decodes the rf_settings layout.
func (s *Settings) UnmarshalBinary(b []byte) error {
	if len(b) != settingsSize {
		return fmt.Errorf("%w: stored settings are %d bytes", ErrSettings, len(b))
	}
	*s = Settings{
		Enabled:             b[0] != 0,
		MinPresenceCount:    b[1],
		EmitImpulseEvents:   b[2] != 0,
		EmitNarrativeHints:  b[3] != 0,
		PresenceThresholdMs: binary.LittleEndian.Uint32(b[4:]),
		DwellThresholdMs:    binary.LittleEndian.Uint32(b[8:]),
		LostTimeoutMs:       binary.LittleEndian.Uint32(b[12:]),
	}
	return nil
}
