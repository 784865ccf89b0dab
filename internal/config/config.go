// Package config loads the canaryd configuration from a TOML file, CANARY_
// environment variables and command line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/log"
	"github.com/kmay89/securacv-canary/internal/observe"
	"github.com/kmay89/securacv-canary/internal/witness"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "CANARY"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Device identifies the hardware being emulated.
type Device struct {
	// MAC is the factory MAC, six colon separated hex octets.
	MAC      string `toml:"mac" mapstructure:"mac"`
	Firmware string `toml:"firmware" mapstructure:"firmware"`
	Name     string `toml:"name" mapstructure:"name"`
}

// State is where NVS lives.
type State struct {
	// DSN is an sqlite path. Empty keeps state in memory.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Archive selects the record archive.
type Archive struct {
	Kind string `toml:"kind" mapstructure:"kind"` // none, file, sqlite
	Path string `toml:"path" mapstructure:"path"`
}

// GPS selects the NMEA source.
type GPS struct {
	// Device is a serial device node or an NMEA replay file.
	Device string `toml:"device" mapstructure:"device"`
}

// Vision selects the detection source.
type Vision struct {
	// Replay is a file of JSON detection lines.
	Replay string `toml:"replay" mapstructure:"replay"`
}

// Sensor selects the source of RF sightings, power and tamper events.
type Sensor struct {
	// Replay is a file of JSON sensor event lines.
	Replay string `toml:"replay" mapstructure:"replay"`
}

// Record holds the default record settings. Values changed through the
// operator API take precedence once stored.
type Record struct {
	IntervalMs   uint32 `toml:"interval" mapstructure:"interval"`
	TimeBucketMs uint32 `toml:"time_bucket_ms" mapstructure:"time_bucket_ms"`
}

// Log configures the host logger.
type Log struct {
	Level       string `toml:"level" mapstructure:"level"`
	Format      string `toml:"format" mapstructure:"format"`
	Development bool   `toml:"development" mapstructure:"development"`
}

// Health configures the health ring.
type Health struct {
	MinLevel string `toml:"min_level" mapstructure:"min_level"`
}

// Operator configures the local HTTP API.
type Operator struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// Radio selects the mesh and chirp transport.
type Radio struct {
	Kind   string `toml:"kind" mapstructure:"kind"` // none, udp
	Addr   string `toml:"addr" mapstructure:"addr"` // broadcast address
	Listen string `toml:"listen" mapstructure:"listen"`
}

// Export selects where records are shipped.
type Export struct {
	Kind   string `toml:"kind" mapstructure:"kind"` // none, folder, http
	Target string `toml:"target" mapstructure:"target"`
}

// Config is the whole daemon configuration.
type Config struct {
	Device   Device   `toml:"device" mapstructure:"device"`
	State    State    `toml:"state" mapstructure:"state"`
	Archive  Archive  `toml:"archive" mapstructure:"archive"`
	GPS      GPS      `toml:"gps" mapstructure:"gps"`
	Vision   Vision   `toml:"vision" mapstructure:"vision"`
	Sensor   Sensor   `toml:"sensor" mapstructure:"sensor"`
	Record   Record   `toml:"record" mapstructure:"record"`
	Log      Log      `toml:"log" mapstructure:"log"`
	Health   Health   `toml:"health" mapstructure:"health"`
	Operator Operator `toml:"operator" mapstructure:"operator"`
	Radio    Radio    `toml:"radio" mapstructure:"radio"`
	Export   Export   `toml:"export" mapstructure:"export"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Device:   Device{MAC: "02:00:00:00:00:01", Firmware: "canaryd"},
		Archive:  Archive{Kind: "none"},
		Record:   Record{IntervalMs: observe.DefaultIntervalMs, TimeBucketMs: witness.DefaultTimeBucketMs},
		Log:      Log{Level: "info", Format: "console"},
		Health:   Health{MinLevel: healthlog.Info.String()},
		Operator: Operator{Listen: "127.0.0.1:8080"},
		Radio:    Radio{Kind: "none", Addr: "255.255.255.255:4210", Listen: ":4210"},
		Export:   Export{Kind: "none"},
	}
}

// SetDefaults registers Default with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("device.mac", d.Device.MAC)
	v.SetDefault("device.firmware", d.Device.Firmware)
	v.SetDefault("device.name", d.Device.Name)
	v.SetDefault("state.dsn", d.State.DSN)
	v.SetDefault("archive.kind", d.Archive.Kind)
	v.SetDefault("archive.path", d.Archive.Path)
	v.SetDefault("gps.device", d.GPS.Device)
	v.SetDefault("vision.replay", d.Vision.Replay)
	v.SetDefault("sensor.replay", d.Sensor.Replay)
	v.SetDefault("record.interval", d.Record.IntervalMs)
	v.SetDefault("record.time_bucket_ms", d.Record.TimeBucketMs)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("health.min_level", d.Health.MinLevel)
	v.SetDefault("operator.listen", d.Operator.Listen)
	v.SetDefault("radio.kind", d.Radio.Kind)
	v.SetDefault("radio.addr", d.Radio.Addr)
	v.SetDefault("radio.listen", d.Radio.Listen)
	v.SetDefault("export.kind", d.Export.Kind)
	v.SetDefault("export.target", d.Export.Target)
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"mac":       "device.mac",
	"state":     "state.dsn",
	"gps":       "gps.device",
	"listen":    "operator.listen",
	"log-level": "log.level",
	"radio":     "radio.kind",
	"archive":   "archive.kind",
}

// AddFlags defines the run flags on fs. Their defaults are empty so that
// only flags set on the command line override the file.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("mac", "", "factory MAC (aa:bb:cc:dd:ee:ff)")
	fs.String("state", "", "sqlite file holding device state")
	fs.String("gps", "", "NMEA serial device or replay file")
	fs.String("listen", "", "operator API listen address")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("radio", "", "radio transport (none, udp)")
	fs.String("archive", "", "record archive (none, file, sqlite)")
}

// BindFlags binds the flags defined by AddFlags to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if any, and returns the validated configuration.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if _, err := c.MAC(); err != nil {
		return err
	}
	if _, err := c.HealthMinLevel(); err != nil {
		return err
	}
	if c.Record.IntervalMs < observe.MinIntervalMs {
		return fmt.Errorf("%w: record.interval %d below %d ms", ErrInvalid, c.Record.IntervalMs, observe.MinIntervalMs)
	}
	if _, err := log.New(c.LogConfig()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Archive.Kind {
	case "", "none":
	case "file", "sqlite":
		if c.Archive.Path == "" {
			return fmt.Errorf("%w: archive.path required for %s archive", ErrInvalid, c.Archive.Kind)
		}
	default:
		return fmt.Errorf("%w: archive.kind %q", ErrInvalid, c.Archive.Kind)
	}
	switch c.Radio.Kind {
	case "", "none":
	case "udp":
		if _, _, err := net.SplitHostPort(c.Radio.Addr); err != nil {
			return fmt.Errorf("%w: radio.addr: %v", ErrInvalid, err)
		}
	default:
		return fmt.Errorf("%w: radio.kind %q", ErrInvalid, c.Radio.Kind)
	}
	switch c.Export.Kind {
	case "", "none":
	case "folder", "http":
		if c.Export.Target == "" {
			return fmt.Errorf("%w: export.target required for %s export", ErrInvalid, c.Export.Kind)
		}
	default:
		return fmt.Errorf("%w: export.kind %q", ErrInvalid, c.Export.Kind)
	}
	return nil
}

// MAC parses Device.MAC.
func (c Config) MAC() ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(c.Device.MAC)
	if err != nil || len(hw) != len(mac) {
		return mac, fmt.Errorf("%w: device.mac %q", ErrInvalid, c.Device.MAC)
	}
	copy(mac[:], hw)
	return mac, nil
}

// HealthMinLevel parses Health.MinLevel.
func (c Config) HealthMinLevel() (healthlog.Level, error) {
	if c.Health.MinLevel == "" {
		return healthlog.Info, nil
	}
	l, ok := healthlog.ParseLevel(strings.ToUpper(c.Health.MinLevel))
	if !ok {
		return 0, fmt.Errorf("%w: health.min_level %q", ErrInvalid, c.Health.MinLevel)
	}
	return l, nil
}

// LogConfig returns the logger settings.
func (c Config) LogConfig() log.Config {
	return log.Config{Level: c.Log.Level, Format: c.Log.Format, Development: c.Log.Development}
}

// WriteSample writes the default configuration as TOML.
func WriteSample(w io.Writer) error {
	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	return enc.Encode(Default())
}
