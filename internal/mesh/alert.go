package mesh

import (
	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
)

// BroadcastTamperAlert sends a tamper alert to every online peer and
// returns how many were reached.
func (m *Mesh) BroadcastTamperAlert(now uint32, typ AlertType, sev healthlog.Level, seq uint32, detail string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return 0, ErrNotActive
	}
	b := tamperAlert{Type: typ, Severity: uint8(sev), WitnessSeq: seq, Detail: detail}.marshal()
	return m.alertOnlineLocked(now, MsgTamperAlert, b), nil
}

// BroadcastPowerAlert sends a power alert to every online peer.
func (m *Mesh) BroadcastPowerAlert(now uint32, typ AlertType, voltageMv, runtimeMin uint16) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return 0, ErrNotActive
	}
	b := powerAlert{Type: typ, VoltageMv: voltageMv, RuntimeMin: runtimeMin}.marshal()
	return m.alertOnlineLocked(now, MsgPowerAlert, b), nil
}

func (m *Mesh) alertOnlineLocked(now uint32, t MsgType, b []byte) int {
	m.counters.AlertsSent++
	sent := 0
	for _, p := range m.peers {
		if p.State != PeerConnected && p.State != PeerAlert {
			continue
		}
		if m.sendLocked(now, p, t, b) == nil {
			sent++
		}
	}
	return sent
}

// BroadcastOfflineImminent warns every known peer, whatever its state,
// that this device is about to go dark. It is sent even when the mesh is
// not active since it may be the last frame the device ever transmits.
func (m *Mesh) BroadcastOfflineImminent(now uint32, reason AlertType, finalSeq uint32, finalHash cvcrypto.Hash) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opera.Configured {
		return 0, ErrNoOpera
	}
	o := offlineImminent{Reason: reason, FinalSeq: finalSeq}
	copy(o.FinalHash[:], finalHash[:])
	b := o.marshal()
	m.counters.AlertsSent++
	sent := 0
	for _, p := range m.peers {
		if p.State == PeerRemoved {
			continue
		}
		if m.sendLocked(now, p, MsgOfflineImminent, b) == nil {
			sent++
		}
	}
	return sent, nil
}

// Alerts returns the stored alerts, oldest first.
func (m *Mesh) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, m.alertCount)
	start := (m.alertHead - m.alertCount + MaxAlerts) % MaxAlerts
	for i := 0; i < m.alertCount; i++ {
		out = append(out, m.alerts[(start+i)%MaxAlerts])
	}
	return out
}

// ClearAlerts empties the alert ring and returns peers in ALERT to
// CONNECTED.
func (m *Mesh) ClearAlerts(now uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = [MaxAlerts]Alert{}
	m.alertHead, m.alertCount = 0, 0
	for _, p := range m.peers {
		p.AlertCount = 0
		if p.State == PeerAlert {
			m.setPeerState(now, p, PeerConnected)
		}
	}
}
