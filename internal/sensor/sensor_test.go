package sensor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay(t *testing.T) {
	in := strings.Join([]string{
		`{"kind":"ble","mac":"aa:bb:cc:dd:ee:01","rssi":-55}`,
		`{"kind":"temp","at_ms":1000,"temp_c":21.5}`,
		`{"kind":"power","at_ms":2000,"flags":2,"mv":3300,"runtime_min":45}`,
		`{"kind":"tamper","at_ms":2000,"detail":"lid opened"}`,
	}, "\n")
	rp := NewReplay(strings.NewReader(in))

	ev, ok := rp.Next(500)
	require.True(t, ok)
	assert.Equal(t, BLE, ev.Kind)
	assert.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}, ev.MAC)
	assert.Equal(t, int8(-55), ev.RSSI)
	assert.Equal(t, uint32(500), ev.AtMs)

	_, ok = rp.Next(1499)
	assert.False(t, ok, "temperature released early")
	ev, ok = rp.Next(1500)
	require.True(t, ok)
	assert.Equal(t, Temperature, ev.Kind)
	assert.InDelta(t, 21.5, ev.TempC, 1e-9)

	ev, ok = rp.Next(3000)
	require.True(t, ok)
	assert.Equal(t, Power, ev.Kind)
	assert.Equal(t, uint8(2), ev.PowerFlags)
	assert.Equal(t, uint16(3300), ev.VoltageMv)
	assert.Equal(t, uint16(45), ev.RuntimeMin)
	ev, ok = rp.Next(3000)
	require.True(t, ok)
	assert.Equal(t, "lid opened", ev.Detail)

	_, ok = rp.Next(9000)
	assert.False(t, ok)
	assert.NoError(t, rp.Err())
}

func TestReplay_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"bad json", `{"kind":`, "line 1"},
		{"bad mac", `{"kind":"probe","mac":"zz"}`, "mac"},
		{"unknown kind", `{"kind":"smoke"}`, "unknown kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rp := NewReplay(strings.NewReader(tt.line))
			_, ok := rp.Next(0)
			assert.False(t, ok)
			assert.ErrorContains(t, rp.Err(), tt.want)
		})
	}
}
