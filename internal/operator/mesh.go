package operator

import (
	"errors"
	"net/http"

	"github.com/kmay89/securacv-canary/internal/mesh"
	"github.com/kmay89/securacv-canary/internal/node"
)

type peerView struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
	State       string `json:"state"`
	RSSI        int8   `json:"rssi"`
	LastSeenMs  uint32 `json:"last_seen_ms"`
	Alerts      uint8  `json:"alerts"`
	Session     bool   `json:"session"`
}

type alertView struct {
	TimestampMs uint32 `json:"ts_ms"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	From        string `json:"from"`
	WitnessSeq  uint32 `json:"witness_seq"`
	Detail      string `json:"detail"`
}

type pairingView struct {
	Active   bool   `json:"active"`
	Role     string `json:"role"`
	State    string `json:"state"`
	Code     uint32 `json:"code,omitempty"`
	PeerName string `json:"peer_name,omitempty"`
}

type meshView struct {
	Status  node.MeshStatus `json:"status"`
	Peers   []peerView      `json:"peers"`
	Alerts  []alertView     `json:"alerts"`
	Pairing pairingView     `json:"pairing"`
}

func (s *Server) meshView() meshView {
	m := s.dev().Mesh
	st := s.dev().Status()
	v := meshView{Status: st.Mesh, Peers: []peerView{}, Alerts: []alertView{}}
	for _, p := range m.Peers() {
		v.Peers = append(v.Peers, peerView{
			Fingerprint: p.Fingerprint.String(),
			Name:        p.Name,
			State:       p.State.String(),
			RSSI:        p.RSSI,
			LastSeenMs:  p.LastSeenMs,
			Alerts:      p.AlertCount,
			Session:     p.SessionEstablished,
		})
	}
	for _, a := range m.Alerts() {
		from := a.SenderName
		if from == "" {
			from = a.Sender.String()
		}
		v.Alerts = append(v.Alerts, alertView{
			TimestampMs: a.TimestampMs,
			Type:        a.Type.String(),
			Severity:    a.Severity.String(),
			From:        from,
			WitnessSeq:  a.WitnessSeq,
			Detail:      a.Detail,
		})
	}
	p := m.Pairing()
	v.Pairing = pairingView{Active: p.Active, Role: p.Role.String(), State: p.State.String(), PeerName: p.PeerName}
	if p.CodeDisplayed {
		v.Pairing.Code = p.Code
	}
	return v
}

func (s *Server) handleMesh(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.meshView())
}

// meshError maps mesh errors to HTTP status codes.
func meshError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, mesh.ErrPeerNotFound):
		writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, mesh.ErrNoOpera), errors.Is(err, mesh.ErrInOpera),
		errors.Is(err, mesh.ErrPairing), errors.Is(err, mesh.ErrNotConfirming),
		errors.Is(err, mesh.ErrNotActive):
		writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, mesh.ErrNoTransport):
		writeError(w, r, http.StatusServiceUnavailable, err)
	default:
		writeError(w, r, http.StatusInternalServerError, err)
	}
}

type pairStartRequest struct {
	OperaName string `json:"opera_name"`
}

func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request) {
	var req pairStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.dev().Mesh.StartPairingInitiator(s.dev().Now(), req.OperaName); err != nil {
		meshError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.meshView().Pairing)
}

func (s *Server) handlePairJoin(w http.ResponseWriter, r *http.Request) {
	if err := s.dev().Mesh.StartPairingJoiner(s.dev().Now()); err != nil {
		meshError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.meshView().Pairing)
}

func (s *Server) handlePairConfirm(w http.ResponseWriter, r *http.Request) {
	if err := s.dev().Mesh.ConfirmPairing(s.dev().Now()); err != nil {
		meshError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.meshView().Pairing)
}

func (s *Server) handlePairCancel(w http.ResponseWriter, _ *http.Request) {
	s.dev().Mesh.CancelPairing(s.dev().Now())
	writeStatus(w, "cancelled")
}

func (s *Server) handleMeshLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.dev().Mesh.LeaveOpera(s.dev().Now()); err != nil {
		meshError(w, r, err)
		return
	}
	writeStatus(w, "left")
}

func (s *Server) handleMeshAlertsClear(w http.ResponseWriter, _ *http.Request) {
	s.dev().Mesh.ClearAlerts(s.dev().Now())
	writeStatus(w, "cleared")
}
