package rfpresence

import "encoding/binary"

// ObservationRingSize is how many per-second observations are kept.
const ObservationRingSize = 64

// ObservationSize is the encoded size of an Observation.
const ObservationSize = 13

// Observation is one second of anonymous RF aggregates.
type Observation struct {
	TimestampMs    uint32 `json:"-"`
	BLEDeviceCount uint8  `json:"ble_device_count"`
	BLERSSIMax     int8   `json:"ble_rssi_max"`
	BLERSSIMean    int8   `json:"ble_rssi_mean"`
	BLERSSIMin     int8   `json:"ble_rssi_min"`
	BLEAdvDensity  uint8  `json:"ble_adv_density"`
	WiFiProbeCount uint8  `json:"wifi_probe_count"`
	WiFiRSSIPeak   int8   `json:"wifi_rssi_peak"`
	TempDelta      int8   `json:"temp_delta_dc"`
	PowerFlags     uint8  `json:"power_flags"`
}

// AppendBinary appends the fixed little-endian encoding of o to b.
func (o Observation) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, o.TimestampMs)
	return append(b,
		o.BLEDeviceCount,
		byte(o.BLERSSIMax),
		byte(o.BLERSSIMean),
		byte(o.BLERSSIMin),
		o.BLEAdvDensity,
		o.WiFiProbeCount,
		byte(o.WiFiRSSIPeak),
		byte(o.TempDelta),
		o.PowerFlags,
	)
}

type obsRing struct {
	entries [ObservationRingSize]Observation
	head    int
	n       int
}

func (r *obsRing) push(o Observation) {
	r.entries[r.head] = o
	r.head = (r.head + 1) % ObservationRingSize
	if r.n < ObservationRingSize {
		r.n++
	}
}

// evict wipes entries older than the TTL. Wiped slots stay in the ring
// until overwritten but are never listed.
func (r *obsRing) evict(now uint32) {
	for i := 0; i < r.n; i++ {
		idx := (r.head + ObservationRingSize - 1 - i) % ObservationRingSize
		if e := &r.entries[idx]; *e != (Observation{}) && now-e.TimestampMs > ObservationTTLMs {
			*e = Observation{}
		}
	}
}

func (r *obsRing) list() []Observation {
	out := make([]Observation, 0, r.n)
	for i := r.n - 1; i >= 0; i-- {
		idx := (r.head + ObservationRingSize - 1 - i) % ObservationRingSize
		if r.entries[idx] != (Observation{}) {
			out = append(out, r.entries[idx])
		}
	}
	return out
}

func (r *obsRing) wipe() {
	for i := range r.entries {
		r.entries[i] = Observation{}
	}
	r.head, r.n = 0, 0
}
