package node

import (
	"github.com/kmay89/securacv-canary/internal/chirp"
	"github.com/kmay89/securacv-canary/internal/mesh"
	"github.com/kmay89/securacv-canary/internal/rfpresence"
	"github.com/kmay89/securacv-canary/internal/witness"
)

// GPSStatus is the fix and parser counters.
type GPSStatus struct {
	Motion        string  `json:"motion"`
	Fix           bool    `json:"fix"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	AltitudeM     float64 `json:"alt_m"`
	SpeedMps      float64 `json:"speed_mps"`
	Satellites    int     `json:"sats"`
	HDOP          float64 `json:"hdop"`
	Mode          string  `json:"mode"`
	Sentences     uint32  `json:"sentences"`
	ChecksumFails uint32  `json:"checksum_fails"`
	SpeedEMA      float64 `json:"speed_ema"`
}

// VisionStatus is the camera presence state.
type VisionStatus struct {
	Presence   bool   `json:"presence"`
	Dwelling   bool   `json:"dwelling"`
	PresenceMs uint32 `json:"presence_ms"`
	DwellMs    uint32 `json:"dwell_ms"`
	Confidence int    `json:"confidence"`
	LastEvent  string `json:"last_event"`
}

// MeshStatus renders mesh.Status for the operator.
type MeshStatus struct {
	State        string `json:"state"`
	Enabled      bool   `json:"enabled"`
	OperaID      string `json:"opera_id,omitempty"`
	OperaName    string `json:"opera_name,omitempty"`
	PeersTotal   int    `json:"peers_total"`
	PeersOnline  int    `json:"peers_online"`
	PeersStale   int    `json:"peers_stale"`
	PeersOffline int    `json:"peers_offline"`
	Alerts       int    `json:"alerts"`
	MessagesTx   uint32 `json:"messages_tx"`
	MessagesRx   uint32 `json:"messages_rx"`
	AuthFailures uint32 `json:"auth_failures"`
	Replays      uint32 `json:"replays"`
}

// ChirpStatus renders chirp.Status for the operator.
type ChirpStatus struct {
	State               string `json:"state"`
	Emoji               string `json:"emoji,omitempty"`
	Nearby              int    `json:"nearby"`
	Recent              int    `json:"recent"`
	CooldownTier        int    `json:"cooldown_tier"`
	CooldownRemainingMs uint32 `json:"cooldown_remaining_ms"`
	Relay               bool   `json:"relay"`
	UrgencyFilter       string `json:"urgency_filter"`
	Muted               bool   `json:"muted"`
	MuteRemainingMs     uint32 `json:"mute_remaining_ms"`
	PresenceMet         bool   `json:"presence_met"`
	CanSend             bool   `json:"can_send"`
	Sent                uint32 `json:"sent"`
	Received            uint32 `json:"received"`
	Relayed             uint32 `json:"relayed"`
	BadSignature        uint32 `json:"bad_signature"`
}

// Status is the whole-device view served at /api/status.
type Status struct {
	DeviceID       string              `json:"device_id"`
	Fingerprint    string              `json:"fingerprint"`
	Firmware       string              `json:"firmware"`
	BootCount      uint32              `json:"boot_count"`
	Seq            uint32              `json:"seq"`
	SeqPersisted   uint32              `json:"seq_persisted"`
	ChainHead      string              `json:"chain_head"`
	VerifyFailures uint32              `json:"verify_failures"`
	UptimeMs       uint32              `json:"uptime_ms"`
	Samples        uint32              `json:"samples"`
	RecordFailures uint32              `json:"record_failures"`
	HealthUnacked  int                 `json:"health_unacked"`
	GPS            GPSStatus           `json:"gps"`
	Vision         *VisionStatus       `json:"vision,omitempty"`
	RF             rfpresence.Snapshot `json:"rf"`
	Mesh           MeshStatus          `json:"mesh"`
	Chirp          ChirpStatus         `json:"chirp"`
}

// Status collects a snapshot of every component.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock()
	cs := n.Chain.Status()
	fix := n.GPS.Fix()
	gc := n.GPS.Counters()
	st := Status{
		DeviceID:       cs.DeviceID,
		Fingerprint:    cs.Fingerprint.String(),
		Firmware:       n.cfg.Firmware,
		BootCount:      cs.BootCount,
		Seq:            cs.Seq,
		SeqPersisted:   cs.SeqPersisted,
		ChainHead:      cs.ChainHead.String(),
		VerifyFailures: cs.VerifyFailures,
		UptimeMs:       now - n.bootMs,
		Samples:        n.loop.Samples(),
		RecordFailures: n.loop.Failures(),
		HealthUnacked:  n.Health.Unacked(),
		GPS: GPSStatus{
			Motion:        n.Motion.State().String(),
			Fix:           fix.Valid,
			Lat:           fix.Lat,
			Lon:           fix.Lon,
			AltitudeM:     fix.AltitudeM,
			SpeedMps:      fix.SpeedMps(),
			Satellites:    fix.Satellites,
			HDOP:          fix.HDOP,
			Mode:          fix.Mode.String(),
			Sentences:     gc.Sentences,
			ChecksumFails: gc.ChecksumFails,
			SpeedEMA:      n.Motion.EMA(),
		},
		RF:    n.RF.Snapshot(now),
		Mesh:  meshStatus(n.Mesh.Status(now)),
		Chirp: chirpStatus(n.Chirp.Status(now)),
	}
	if n.presence != nil {
		v := n.presence.Snapshot(now)
		st.Vision = &VisionStatus{
			Presence:   v.Presence,
			Dwelling:   v.Dwelling,
			PresenceMs: v.PresenceMs,
			DwellMs:    v.DwellMs,
			Confidence: v.Confidence,
			LastEvent:  v.LastEvent,
		}
	}
	return st
}

func meshStatus(s mesh.Status) MeshStatus {
	return MeshStatus{
		State:        s.State.String(),
		Enabled:      s.Enabled,
		OperaID:      s.OperaID,
		OperaName:    s.OperaName,
		PeersTotal:   s.PeersTotal,
		PeersOnline:  s.PeersOnline,
		PeersStale:   s.PeersStale,
		PeersOffline: s.PeersOffline,
		Alerts:       s.AlertsStored,
		MessagesTx:   s.Counters.MessagesTx,
		MessagesRx:   s.Counters.MessagesRx,
		AuthFailures: s.Counters.AuthFailures,
		Replays:      s.Counters.Replays,
	}
}

func chirpStatus(s chirp.Status) ChirpStatus {
	return ChirpStatus{
		State:               s.State.String(),
		Emoji:               s.SessionEmoji,
		Nearby:              s.NearbyCount,
		Recent:              s.RecentCount,
		CooldownTier:        s.CooldownTier,
		CooldownRemainingMs: s.CooldownRemainingMs,
		Relay:               s.RelayEnabled,
		UrgencyFilter:       s.UrgencyFilter.String(),
		Muted:               s.Muted,
		MuteRemainingMs:     s.MuteRemainingMs,
		PresenceMet:         s.PresenceMet,
		CanSend:             s.CanSend,
		Sent:                s.Counters.Sent,
		Received:            s.Counters.Received,
		Relayed:             s.Counters.Relayed,
		BadSignature:        s.Counters.BadSignature,
	}
}

// HeadRecord returns the newest archived record. ok is false when the
// node has no archive or the archive is empty.
func (n *Node) HeadRecord() (witness.Record, bool, error) {
	if n.cfg.Archive == nil {
		return witness.Record{}, false, nil
	}
	return n.cfg.Archive.Head()
}

// Firmware returns the firmware string the node was booted with.
func (n *Node) Firmware() string { return n.cfg.Firmware }
