package operator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kmay89/securacv-canary/internal/chirp"
	"github.com/kmay89/securacv-canary/internal/node"
)

type receivedView struct {
	Nonce      string `json:"nonce"`
	From       string `json:"from"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	Urgency    string `json:"urgency"`
	Hops       uint8  `json:"hops"`
	ReceivedMs uint32 `json:"received_ms"`
	Confirms   uint8  `json:"confirms"`
	Validated  bool   `json:"validated"`
	Relayed    bool   `json:"relayed"`
	Dismissed  bool   `json:"dismissed"`
	Suppressed bool   `json:"suppressed"`
}

type nearbyView struct {
	Emoji      string `json:"emoji"`
	RSSI       int8   `json:"rssi"`
	LastSeenMs uint32 `json:"last_seen_ms"`
	Listening  bool   `json:"listening"`
}

type chirpView struct {
	Status node.ChirpStatus `json:"status"`
	Recent []receivedView   `json:"recent"`
	Nearby []nearbyView     `json:"nearby"`
}

func (s *Server) handleChirp(w http.ResponseWriter, _ *http.Request) {
	c := s.dev().Chirp
	v := chirpView{Status: s.dev().Status().Chirp, Recent: []receivedView{}, Nearby: []nearbyView{}}
	for _, r := range c.Recent() {
		v.Recent = append(v.Recent, receivedView{
			Nonce:      r.Nonce.String(),
			From:       r.SenderEmoji,
			Message:    r.Message(),
			Category:   r.Category.String(),
			Urgency:    r.Urgency.String(),
			Hops:       r.HopCount,
			ReceivedMs: r.ReceivedMs,
			Confirms:   r.ConfirmCount,
			Validated:  r.Validated,
			Relayed:    r.Relayed,
			Dismissed:  r.Dismissed,
			Suppressed: r.Suppressed,
		})
	}
	for _, n := range c.NearbyDevices() {
		v.Nearby = append(v.Nearby, nearbyView{Emoji: n.Emoji, RSSI: n.RSSI, LastSeenMs: n.LastSeenMs, Listening: n.Listening})
	}
	writeJSON(w, http.StatusOK, v)
}

func chirpError(w http.ResponseWriter, r *http.Request, err error) {
	var re *chirp.RefusalError
	switch {
	case errors.As(err, &re):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Reason: string(re.Reason), RetryAfterMs: re.RetryAfterMs})
	case errors.Is(err, chirp.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, chirp.ErrAlreadyConfirmed):
		writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, chirp.ErrInvalidMute), errors.Is(err, chirp.ErrInvalidFilter):
		writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, chirp.ErrNoTransport):
		writeError(w, r, http.StatusServiceUnavailable, err)
	default:
		writeError(w, r, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleChirpEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.dev().Chirp.Enable(s.dev().Now()); err != nil {
		chirpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dev().Status().Chirp)
}

func (s *Server) handleChirpDisable(w http.ResponseWriter, _ *http.Request) {
	s.dev().Chirp.Disable(s.dev().Now())
	writeStatus(w, "disabled")
}

type sendRequest struct {
	Template   uint8  `json:"template"`
	Urgency    string `json:"urgency"`
	Detail     uint8  `json:"detail"`
	TTLMinutes uint8  `json:"ttl_minutes"`
}

func (s *Server) handleChirpSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chirp.TemplateID(req.Template)
	t, ok := chirp.LookupTemplate(id)
	if !ok {
		chirpError(w, r, &chirp.RefusalError{Reason: chirp.ReasonInvalidTemplate})
		return
	}
	u := t.Urgency
	if req.Urgency != "" {
		if u, ok = chirp.ParseUrgency(req.Urgency); !ok {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("unknown urgency %q", req.Urgency))
			return
		}
	}
	ttl := req.TTLMinutes
	if ttl == 0 {
		ttl = chirp.DefaultTTLMinutes
	}
	n, err := s.dev().Chirp.Send(s.dev().Now(), id, u, chirp.Detail(req.Detail), ttl)
	if err != nil {
		chirpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "nonce": n.String(), "message": chirp.Message(id, chirp.Detail(req.Detail))})
}

type nonceRequest struct {
	Nonce string `json:"nonce"`
	// All dismisses every stored chirp.
	All bool `json:"all,omitempty"`
	// Resolved sends a RESOLVED ack instead of a confirmation.
	Resolved bool `json:"resolved,omitempty"`
}

func (s *Server) handleChirpConfirm(w http.ResponseWriter, r *http.Request) {
	var req nonceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := chirp.ParseNonce(req.Nonce)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	now := s.dev().Now()
	if req.Resolved {
		err = s.dev().Chirp.Resolve(now, n)
	} else {
		err = s.dev().Chirp.Confirm(now, n)
	}
	if err != nil {
		chirpError(w, r, err)
		return
	}
	writeStatus(w, "confirmed")
}

func (s *Server) handleChirpDismiss(w http.ResponseWriter, r *http.Request) {
	var req nonceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.All {
		s.dev().Chirp.DismissAll()
		writeStatus(w, "dismissed")
		return
	}
	n, err := chirp.ParseNonce(req.Nonce)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.dev().Chirp.Dismiss(n); err != nil {
		chirpError(w, r, err)
		return
	}
	writeStatus(w, "dismissed")
}

type muteRequest struct {
	// Minutes is 15, 30, 60 or 120; 0 unmutes.
	Minutes int `json:"minutes"`
}

func (s *Server) handleChirpMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	now := s.dev().Now()
	if req.Minutes == 0 {
		s.dev().Chirp.Unmute(now)
		writeStatus(w, "unmuted")
		return
	}
	if err := s.dev().Chirp.Mute(now, req.Minutes); err != nil {
		chirpError(w, r, err)
		return
	}
	writeStatus(w, "muted")
}

type chirpSettingsRequest struct {
	Relay         *bool  `json:"relay,omitempty"`
	UrgencyFilter string `json:"urgency_filter,omitempty"`
}

func (s *Server) handleChirpSettings(w http.ResponseWriter, r *http.Request) {
	var req chirpSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c := s.dev().Chirp
	if req.Relay != nil {
		if err := c.SetRelay(*req.Relay); err != nil {
			chirpError(w, r, err)
			return
		}
	}
	if req.UrgencyFilter != "" {
		u, ok := chirp.ParseUrgency(req.UrgencyFilter)
		if !ok {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("unknown urgency %q", req.UrgencyFilter))
			return
		}
		if err := c.SetUrgencyFilter(u); err != nil {
			chirpError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.dev().Status().Chirp)
}
