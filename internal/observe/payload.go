// Package observe is the observation loop: it samples the sensors on a
// fixed interval, formats each sample as a canonical CBOR map and commits
// it to the witness chain.
package observe

import (
	"github.com/kmay89/securacv-canary/internal/cbor"
	"github.com/kmay89/securacv-canary/internal/gnss"
	"github.com/kmay89/securacv-canary/internal/rfpresence"
	"github.com/kmay89/securacv-canary/internal/vision"
)

// MotionPayload writes the seven-key GPS sample map.
func MotionPayload(w *cbor.Writer, state gnss.MotionState, fix gnss.Fix) {
	w.Map(7)
	w.KeyText("state", state.String())
	w.KeyBool("fix", fix.Valid)
	w.KeyFloat("lat", fix.Lat)
	w.KeyFloat("lon", fix.Lon)
	w.KeyFloat("alt", fix.AltitudeM)
	w.KeyFloat("spd", fix.SpeedMps())
	w.KeyUint("sats", uint64(max(fix.Satellites, 0)))
}

// VisionPayload writes the camera presence sample map.
func VisionPayload(w *cbor.Writer, s vision.Snapshot) {
	w.Map(10)
	w.KeyBool("presence", s.Presence)
	w.KeyBool("dwelling", s.Dwelling)
	w.KeyUint("presence_ms", uint64(s.PresenceMs))
	w.KeyUint("dwell_ms", uint64(s.DwellMs))
	w.KeyInt("confidence", int64(s.Confidence))
	w.Text("voxel")
	w.Map(4)
	w.KeyInt("rows", int64(s.Voxel.Rows))
	w.KeyInt("cols", int64(s.Voxel.Cols))
	w.KeyInt("r", int64(s.Voxel.R))
	w.KeyInt("c", int64(s.Voxel.C))
	w.Text("bbox")
	w.Map(4)
	w.KeyInt("x", int64(s.Box.X))
	w.KeyInt("y", int64(s.Box.Y))
	w.KeyInt("w", int64(s.Box.W))
	w.KeyInt("h", int64(s.Box.H))
	w.KeyText("last_event", s.LastEvent)
	w.KeyUint("uptime_s", uint64(s.UptimeS))
	w.KeyUint("ts_ms", uint64(s.TsMs))
}

// StatePayload writes a motion state change.
func StatePayload(w *cbor.Writer, t gnss.Transition) {
	w.Map(4)
	w.KeyText("type", "state")
	w.KeyText("from", t.From.String())
	w.KeyText("to", t.To.String())
	w.KeyText("reason", t.Reason)
}

// RFPayload writes an RF presence event. The hint key is present only when
// the engine produced one.
func RFPayload(w *cbor.Writer, ev rfpresence.Event) {
	n := 6
	if ev.Hint != "" {
		n++
	}
	w.Map(n)
	w.KeyText("type", "rf")
	w.KeyText("ev", ev.Name)
	w.KeyText("conf", ev.Confidence.String())
	w.KeyText("dwell", ev.Dwell.String())
	w.KeyUint("tb", uint64(ev.TimeBucket))
	w.KeyInt("delta", int64(ev.CountDelta))
	if ev.Hint != "" {
		w.KeyText("hint", ev.Hint)
	}
}

// Tamper is an alert relayed from a mesh peer.
type Tamper struct {
	Alert    string
	Severity string
	From     string
	PeerSeq  uint32
	Detail   string
}

// TamperPayload writes a peer alert.
func TamperPayload(w *cbor.Writer, t Tamper) {
	w.Map(6)
	w.KeyText("type", "tamper")
	w.KeyText("alert", t.Alert)
	w.KeyText("sev", t.Severity)
	w.KeyText("from", t.From)
	w.KeyUint("seq", uint64(t.PeerSeq))
	w.KeyText("detail", t.Detail)
}
