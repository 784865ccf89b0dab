package operator

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/kmay89/securacv-canary/internal/witness"
)

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	DeviceID string `json:"device_id"`
	Seq      uint32 `json:"seq"`
}

// handleIngest accepts a protobuf-encoded batch from a device exporter.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != witness.ContentTypeBatch {
		writeError(w, r, http.StatusUnsupportedMediaType, fmt.Errorf("content type must be %s", witness.ContentTypeBatch))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBody))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, err)
		return
	}
	b, err := witness.UnmarshalBatch(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	n, err := s.collector.Ingest(b)
	switch {
	case err == nil:
	case errors.Is(err, witness.ErrDeviceID):
		writeError(w, r, http.StatusBadRequest, err)
		return
	case errors.Is(err, witness.ErrUnknownDevice), errors.Is(err, witness.ErrKeyMismatch):
		writeError(w, r, http.StatusForbidden, err)
		return
	case errors.Is(err, witness.ErrGap), errors.Is(err, witness.ErrLinkMismatch),
		errors.Is(err, witness.ErrHashMismatch), errors.Is(err, witness.ErrPayloadMismatch),
		errors.Is(err, witness.ErrBadSignature):
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	default:
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.metrics.RecordsIngested(n)
	head, _ := s.collector.Head(b.DeviceID)
	writeJSON(w, http.StatusOK, ingestResponse{Accepted: n, DeviceID: b.DeviceID, Seq: head.Seq})
}

func (s *Server) handleCollectorDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Devices())
}
