package operator

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kmay89/securacv-canary/internal/cbor"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/node"
	"github.com/kmay89/securacv-canary/internal/rfpresence"
)

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dev().Status())
}

type identityView struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	Firmware    string `json:"firmware"`
	BootCount   uint32 `json:"boot_count"`
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	c := s.dev().Chain
	writeJSON(w, http.StatusOK, identityView{
		DeviceID:    c.DeviceID(),
		Fingerprint: c.Fingerprint().String(),
		PublicKey:   c.Public().String(),
		Firmware:    s.dev().Firmware(),
		BootCount:   c.BootCount(),
	})
}

type recordView struct {
	Seq        uint32         `json:"seq"`
	TimeBucket uint32         `json:"time_bucket"`
	Type       string         `json:"type"`
	ChainHash  string         `json:"chain_hash"`
	PrevHash   string         `json:"prev_hash"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type headView struct {
	Seq          uint32      `json:"seq"`
	SeqPersisted uint32      `json:"seq_persisted"`
	ChainHead    string      `json:"chain_head"`
	Record       *recordView `json:"record,omitempty"`
}

func (s *Server) handleChainHead(w http.ResponseWriter, r *http.Request) {
	st := s.dev().Chain.Status()
	v := headView{Seq: st.Seq, SeqPersisted: st.SeqPersisted, ChainHead: st.ChainHead.String()}
	rec, found, err := s.dev().HeadRecord()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Errorf("archive head: %w", err))
		return
	}
	if found {
		v.Record = &recordView{
			Seq:        rec.Seq,
			TimeBucket: rec.TimeBucket,
			Type:       rec.Type.String(),
			ChainHash:  rec.ChainHash.String(),
			PrevHash:   rec.PrevHash.String(),
		}
		if m, err := cbor.Decode(rec.Payload); err == nil {
			v.Record.Payload = m
		}
	}
	writeJSON(w, http.StatusOK, v)
}

type entryView struct {
	Seq         uint32 `json:"seq"`
	TimestampMs uint32 `json:"ts_ms"`
	Level       string `json:"level"`
	Category    string `json:"category"`
	Ack         string `json:"ack"`
	Message     string `json:"message"`
	Detail      string `json:"detail,omitempty"`
}

type healthView struct {
	Unacked int         `json:"unacked"`
	Entries []entryView `json:"entries"`
}

// handleHealth lists the health ring. ?min=WARNING filters by level.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	min := healthlog.Debug
	if q := r.URL.Query().Get("min"); q != "" {
		l, ok := healthlog.ParseLevel(strings.ToUpper(q))
		if !ok {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("unknown level %q", q))
			return
		}
		min = l
	}
	h := s.dev().Health
	entries := h.Entries(min)
	v := healthView{Unacked: h.Unacked(), Entries: make([]entryView, 0, len(entries))}
	for _, e := range entries {
		v.Entries = append(v.Entries, entryView{
			Seq:         e.Seq,
			TimestampMs: e.TimestampMs,
			Level:       e.Level.String(),
			Category:    e.Category.String(),
			Ack:         e.Ack.String(),
			Message:     e.Message,
			Detail:      e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, v)
}

type ackRequest struct {
	Status string `json:"status"`
}

func parseAck(w http.ResponseWriter, r *http.Request) (healthlog.AckStatus, bool) {
	req := ackRequest{Status: healthlog.Acknowledged.String()}
	if !decodeJSON(w, r, &req) {
		return 0, false
	}
	st, ok := healthlog.ParseAck(req.Status)
	if !ok || st == healthlog.Unread {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid ack status %q", req.Status))
		return 0, false
	}
	return st, true
}

func (s *Server) handleHealthAck(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 32)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid seq: %w", err))
		return
	}
	st, ok := parseAck(w, r)
	if !ok {
		return
	}
	if err := s.dev().Health.Ack(uint32(seq), st); err != nil {
		writeError(w, r, http.StatusNotFound, err)
		return
	}
	writeStatus(w, st.String())
}

func (s *Server) handleHealthAckAll(w http.ResponseWriter, r *http.Request) {
	st, ok := parseAck(w, r)
	if !ok {
		return
	}
	n := s.dev().Health.AckAll(st)
	writeJSON(w, http.StatusOK, map[string]any{"status": st.String(), "count": n})
}

type settingsView struct {
	RecordIntervalMs uint32 `json:"record_interval_ms"`
	TimeBucketMs     uint32 `json:"time_bucket_ms"`
	LogMinLevel      string `json:"log_min_level"`
	RebootRequired   bool   `json:"reboot_required,omitempty"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	st := s.dev().Settings()
	writeJSON(w, http.StatusOK, settingsView{
		RecordIntervalMs: st.RecordIntervalMs,
		TimeBucketMs:     st.TimeBucketMs,
		LogMinLevel:      st.HealthMinLevel.String(),
	})
}

// handleSetSettings applies a partial update: omitted fields keep their
// current value.
func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	cur := s.dev().Settings()
	req := settingsView{
		RecordIntervalMs: cur.RecordIntervalMs,
		TimeBucketMs:     cur.TimeBucketMs,
		LogMinLevel:      cur.HealthMinLevel.String(),
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	lvl, ok := healthlog.ParseLevel(strings.ToUpper(req.LogMinLevel))
	if !ok {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("unknown level %q", req.LogMinLevel))
		return
	}
	reboot, err := s.dev().SetSettings(node.Settings{
		RecordIntervalMs: req.RecordIntervalMs,
		TimeBucketMs:     req.TimeBucketMs,
		HealthMinLevel:   lvl,
	})
	if errors.Is(err, node.ErrSettings) {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	req.LogMinLevel = lvl.String()
	req.RebootRequired = reboot
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleReboot(w http.ResponseWriter, _ *http.Request) {
	s.dev().RequestReboot()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebooting"})
}

func (s *Server) handleRF(w http.ResponseWriter, _ *http.Request) {
	rf := s.dev().RF
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": rf.Snapshot(s.dev().Now()),
		"settings": rf.Settings(),
	})
}

func (s *Server) handleRFRotate(w http.ResponseWriter, _ *http.Request) {
	s.dev().RF.Rotate(s.dev().Now())
	writeJSON(w, http.StatusOK, map[string]any{"status": "rotated", "epoch": s.dev().RF.Epoch()})
}

func (s *Server) handleRFSettings(w http.ResponseWriter, r *http.Request) {
	req := s.dev().RF.Settings()
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.dev().RF.SetSettings(req); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rfpresence.ErrSettings) {
			status = http.StatusBadRequest
		}
		writeError(w, r, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dev().RF.Settings())
}

func (s *Server) handleRFSelfTest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dev().RF.SelfTest(s.dev().Now()))
}
