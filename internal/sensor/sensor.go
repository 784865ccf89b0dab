// Package sensor carries the raw inputs that are not GPS or camera: radio
// sightings for the RF firewall, temperature and power readings, and the
// enclosure tamper switch.
package sensor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// Kind names a sensor event.
type Kind string

const (
	BLE         Kind = "ble"
	WiFiProbe   Kind = "probe"
	Temperature Kind = "temp"
	Power       Kind = "power"
	Tamper      Kind = "tamper"
)

// Event is one sensor reading. Which fields are meaningful depends on Kind.
type Event struct {
	Kind Kind
	// AtMs is the device clock reading the event belongs to.
	AtMs uint32

	MAC  [6]byte
	RSSI int8

	TempC float64

	PowerFlags uint8
	VoltageMv  uint16
	RuntimeMin uint16

	Detail string
}

// Source yields sensor events. ok is false when no event is due at now.
type Source interface {
	Next(now uint32) (ev Event, ok bool)
}

type jsonEvent struct {
	Kind       Kind    `json:"kind"`
	AtMs       uint32  `json:"at_ms"`
	MAC        string  `json:"mac"`
	RSSI       int8    `json:"rssi"`
	TempC      float64 `json:"temp_c"`
	Flags      uint8   `json:"flags"`
	VoltageMv  uint16  `json:"mv"`
	RuntimeMin uint16  `json:"runtime_min"`
	Detail     string  `json:"detail"`
}

// Replay is a Source reading one JSON object per line. An event is held
// back until the clock reaches its at_ms, which is relative to the first
// call to Next.
type Replay struct {
	sc     *bufio.Scanner
	line   int
	err    error
	start  uint32
	begun  bool
	next   Event
	queued bool
}

// NewReplay reads events from r.
func NewReplay(r io.Reader) *Replay {
	return &Replay{sc: bufio.NewScanner(r)}
}

// Next returns the next event due at now.
func (rp *Replay) Next(now uint32) (Event, bool) {
	if !rp.begun {
		rp.start, rp.begun = now, true
	}
	if !rp.queued {
		ev, ok := rp.read()
		if !ok {
			return Event{}, false
		}
		rp.next, rp.queued = ev, true
	}
	if now-rp.start < rp.next.AtMs {
		return Event{}, false
	}
	rp.queued = false
	ev := rp.next
	ev.AtMs += rp.start
	return ev, true
}

func (rp *Replay) read() (Event, bool) {
	if rp.err != nil || !rp.sc.Scan() {
		return Event{}, false
	}
	rp.line++
	var raw jsonEvent
	if err := json.Unmarshal(rp.sc.Bytes(), &raw); err != nil {
		rp.err = fmt.Errorf("sensor replay line %d: %w", rp.line, err)
		return Event{}, false
	}
	ev := Event{
		Kind:       raw.Kind,
		AtMs:       raw.AtMs,
		RSSI:       raw.RSSI,
		TempC:      raw.TempC,
		PowerFlags: raw.Flags,
		VoltageMv:  raw.VoltageMv,
		RuntimeMin: raw.RuntimeMin,
		Detail:     raw.Detail,
	}
	switch raw.Kind {
	case BLE, WiFiProbe:
		hw, err := net.ParseMAC(raw.MAC)
		if err != nil || len(hw) != 6 {
			rp.err = fmt.Errorf("sensor replay line %d: mac %q", rp.line, raw.MAC)
			return Event{}, false
		}
		copy(ev.MAC[:], hw)
	case Temperature, Power, Tamper:
	default:
		rp.err = fmt.Errorf("sensor replay line %d: unknown kind %q", rp.line, raw.Kind)
		return Event{}, false
	}
	return ev, true
}

// Err returns the first decode or read error.
func (rp *Replay) Err() error {
	if rp.err != nil {
		return rp.err
	}
	return rp.sc.Err()
}
