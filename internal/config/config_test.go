package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/securacv-canary/internal/healthlog"
)

func writeConfig(t *testing.T, body string) string {
	tmpDir, err := os.MkdirTemp("", "canary-config-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	path := filepath.Join(tmpDir, "canaryd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(New(), "")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Fatalf("defaults differ (-want +got):\n%s", diff)
	}
	mac, err := c.MAC()
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x02, 0, 0, 0, 0, 0x01}, mac)
}

func TestSampleLoadsBack(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSample(&buf))
	assert.Contains(t, buf.String(), "[device]")
	assert.Contains(t, buf.String(), "time_bucket_ms = 5000")

	c, err := Load(New(), writeConfig(t, buf.String()))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Fatalf("sample differs from defaults (-want +got):\n%s", diff)
	}
}

func TestLoad_Precedence(t *testing.T) {
	path := writeConfig(t, `
[device]
mac = "02:00:00:aa:bb:cc"
name = "porch"

[record]
interval = 2000

[archive]
kind = "sqlite"
path = "/var/lib/canary/records.db"

[health]
min_level = "warning"
`)
	t.Setenv("CANARY_RECORD_INTERVAL", "500")
	t.Setenv("CANARY_OPERATOR_LISTEN", "127.0.0.1:9000")

	v := New()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--listen", "127.0.0.1:9100"}))

	c, err := Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, "porch", c.Device.Name)
	assert.Equal(t, uint32(500), c.Record.IntervalMs)
	assert.Equal(t, "127.0.0.1:9100", c.Operator.Listen)
	assert.Equal(t, "sqlite", c.Archive.Kind)
	lvl, err := c.HealthMinLevel()
	require.NoError(t, err)
	assert.Equal(t, healthlog.Warning, lvl)
	mac, err := c.MAC()
	require.NoError(t, err)
	assert.Equal(t, byte(0xcc), mac[5])
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"mac":            func(c *Config) { c.Device.MAC = "02:00:00" },
		"interval":       func(c *Config) { c.Record.IntervalMs = 10 },
		"health level":   func(c *Config) { c.Health.MinLevel = "loud" },
		"log level":      func(c *Config) { c.Log.Level = "chatty" },
		"log format":     func(c *Config) { c.Log.Format = "xml" },
		"archive kind":   func(c *Config) { c.Archive.Kind = "tape" },
		"archive path":   func(c *Config) { c.Archive.Kind = "file" },
		"radio kind":     func(c *Config) { c.Radio.Kind = "lora" },
		"radio addr":     func(c *Config) { c.Radio.Kind, c.Radio.Addr = "udp", "nowhere" },
		"export kind":    func(c *Config) { c.Export.Kind = "s3" },
		"export missing": func(c *Config) { c.Export.Kind = "http" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
	assert.NoError(t, Default().Validate())
}
