package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/node"
	"github.com/kmay89/securacv-canary/internal/nvs"
	"github.com/kmay89/securacv-canary/internal/radio"
	"github.com/kmay89/securacv-canary/internal/witness"
)

type fixture struct {
	t       *testing.T
	now     uint32
	node    *node.Node
	records []witness.Record
	srv     *httptest.Server
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, archive witness.Archive) *fixture {
	t.Helper()
	f := &fixture{t: t, now: 1000000, metrics: metrics.New()}
	slot := &radio.Slot{}
	mac := radio.MAC{0x02, 0, 0, 0, 0x20, 0x01}
	n, err := node.Boot(node.Config{
		MAC:       mac,
		Firmware:  "test",
		Store:     nvs.New(nvs.NewMemoryBackend()),
		Archive:   archive,
		Transport: radio.NewAir(-60).Attach(mac, slot),
		Slot:      slot,
		Metrics:   f.metrics,
		Clock:     func() uint32 { return f.now },
		OnRecord:  func(r witness.Record) { f.records = append(f.records, r) },
	})
	require.NoError(t, err)
	f.node = n
	f.srv = httptest.NewServer(New(Config{
		Node:      n,
		Collector: witness.NewCollector(nil),
		Metrics:   f.metrics,
	}).Handler())
	return f
}

func (f *fixture) close() {
	f.srv.Close()
	f.node.Close()
}

func (f *fixture) do(method, path, body string) (int, map[string]any) {
	f.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(f.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	var m map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(f.t, json.Unmarshal(raw, &m), string(raw))
	}
	return resp.StatusCode, m
}

func TestStatusAndIdentity(t *testing.T) {
	f := newFixture(t, nil)
	defer f.close()

	resp, err := http.Get(f.srv.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	code, st := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, f.node.Chain.DeviceID(), st["device_id"])
	assert.Equal(t, "test", st["firmware"])
	assert.Equal(t, float64(1), st["boot_count"])

	code, id := f.do(http.MethodGet, "/api/identity", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, f.node.Chain.Fingerprint().String(), id["fingerprint"])
	assert.Len(t, id["public_key"], 64)
}

func TestChainHead(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "canary-operator-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)
	a, err := witness.OpenFileArchive(tmpDir)
	require.NoError(t, err)
	defer a.Close()

	f := newFixture(t, a)
	defer f.close()

	code, v := f.do(http.MethodGet, "/api/chain/head", "")
	require.Equal(t, http.StatusOK, code)
	rec, ok := v["record"].(map[string]any)
	require.True(t, ok, "expected archived head record, got %v", v)
	assert.Equal(t, "BOOT", rec["type"])
	assert.Equal(t, v["chain_head"], rec["chain_hash"])
	assert.Equal(t, float64(f.records[len(f.records)-1].Seq), rec["seq"])
}

func TestHealthAck(t *testing.T) {
	f := newFixture(t, nil)
	defer f.close()

	code, v := f.do(http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, code)
	entries := v["entries"].([]any)
	require.NotEmpty(t, entries)
	seq := entries[0].(map[string]any)["seq"].(float64)

	code, v = f.do(http.MethodPost, fmt.Sprintf("/api/health/%d/ack", int(seq)), `{"status":"reviewed"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "reviewed", v["status"])

	code, _ = f.do(http.MethodPost, "/api/health/999999/ack", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(http.MethodPost, "/api/health/1/ack", `{"status":"unread"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodPost, "/api/health/x/ack", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, v = f.do(http.MethodPost, "/api/health/ack-all", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "acknowledged", v["status"])

	code, _ = f.do(http.MethodGet, "/api/health?min=bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, v = f.do(http.MethodGet, "/api/health?min=tamper", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, v["entries"])
}

func TestSettings(t *testing.T) {
	f := newFixture(t, nil)
	defer f.close()

	code, v := f.do(http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "INFO", v["log_min_level"])

	code, _ = f.do(http.MethodPost, "/api/settings", `{"record_interval_ms":10}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodPost, "/api/settings", `{"log_min_level":"loud"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodPost, "/api/settings", `{"colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, v = f.do(http.MethodPost, "/api/settings", `{"record_interval_ms":2000,"log_min_level":"warning"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "WARNING", v["log_min_level"])
	assert.Nil(t, v["reboot_required"])
	assert.Equal(t, uint32(2000), f.node.Settings().RecordIntervalMs)

	code, v = f.do(http.MethodPost, "/api/settings", `{"time_bucket_ms":10000}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, v["reboot_required"])
	assert.Equal(t, float64(2000), v["record_interval_ms"])
}

func TestReboot(t *testing.T) {
	f := newFixture(t, nil)
	defer f.close()

	code, _ := f.do(http.MethodPost, "/api/reboot", "")
	assert.Equal(t, http.StatusAccepted, code)
	select {
	case <-f.node.RebootRequested():
	default:
		t.Fatal("reboot was not requested")
	}
}

func TestMeshPairing(t *testing.T) {
	f := newFixture(t, nil)
	defer f.close()

	code, _ := f.do(http.MethodPost, "/api/mesh/pair/confirm", "")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = f.do(http.MethodPost, "/api/mesh/leave", "")
	assert.Equal(t, http.StatusConflict, code)

	code, v := f.do(http.MethodPost, "/api/mesh/pair/start", `{"opera_name":"Block"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, v["active"])
	assert.Equal(t, "initiator", v["role"])

	code, _ = f.do(http.MethodPost, "/api/mesh/pair/join", "")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = f.do(http.MethodPost, "/api/mesh/pair/cancel", "")
	assert.Equal(t, http.StatusOK, code)

	code, v = f.do(http.MethodGet, "/api/mesh", "")
	require.Equal(t, http.StatusOK, code)
	st := v["status"].(map[string]any)
	assert.Equal(t, "Block", st["opera_name"])
	assert.Empty(t, v["peers"])

	code, _ = f.do(http.MethodPost, "/api/mesh/leave", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestChirp(t *testing.T) {
	f := newFixture(t, nil)
	defer f.close()

	code, v := f.do(http.MethodPost, "/api/chirp/send", `{"template":1}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "disabled", v["reason"])

	code, v = f.do(http.MethodPost, "/api/chirp/enable", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", v["state"])

	code, v = f.do(http.MethodPost, "/api/chirp/send", `{"template":1}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "warming_up", v["reason"])
	assert.Greater(t, v["retry_after_ms"], float64(0))

	code, _ = f.do(http.MethodPost, "/api/chirp/send", `{"template":1,"urgency":"panic"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, v = f.do(http.MethodPost, "/api/chirp/send", `{"template":250}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_template", v["reason"])

	code, _ = f.do(http.MethodPost, "/api/chirp/mute", `{"minutes":7}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodPost, "/api/chirp/mute", `{"minutes":15}`)
	assert.Equal(t, http.StatusOK, code)
	code, v = f.do(http.MethodPost, "/api/chirp/settings", `{"relay":false,"urgency_filter":"urgent"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, v["muted"])
	assert.Equal(t, false, v["relay"])
	assert.Equal(t, "urgent", v["urgency_filter"])

	code, _ = f.do(http.MethodPost, "/api/chirp/confirm", `{"nonce":"zz"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodPost, "/api/chirp/confirm", `{"nonce":"0011223344556677"}`)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(http.MethodPost, "/api/chirp/dismiss", `{"all":true}`)
	assert.Equal(t, http.StatusOK, code)

	code, v = f.do(http.MethodGet, "/api/chirp", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, v["recent"])

	code, _ = f.do(http.MethodPost, "/api/chirp/disable", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRF(t *testing.T) {
	f := newFixture(t, nil)
	defer f.close()

	code, v := f.do(http.MethodGet, "/api/rf", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, v, "snapshot")
	code, _ = f.do(http.MethodPost, "/api/rf/rotate", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(http.MethodGet, "/api/rf/selftest", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestIngest(t *testing.T) {
	f := newFixture(t, nil)
	defer f.close()
	for i := 0; i < 3; i++ {
		f.now += 1000
		f.node.TickAt(f.now)
	}
	require.GreaterOrEqual(t, len(f.records), 2)
	c := f.node.Chain

	exp := witness.NewHTTPExporter(f.srv.URL)
	require.NoError(t, exp.Export(context.Background(), witness.Batch{
		DeviceID: c.DeviceID(), PublicKey: c.Public(), Records: f.records,
	}))

	resp, err := http.Get(f.srv.URL + "/api/collector/devices")
	require.NoError(t, err)
	var devices []witness.DeviceHead
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&devices))
	resp.Body.Close()
	require.Len(t, devices, 1)
	assert.Equal(t, c.DeviceID(), devices[0].DeviceID)
	assert.Equal(t, f.records[len(f.records)-1].Seq, devices[0].Seq)

	post := func(ct string, body []byte) int {
		resp, err := http.Post(f.srv.URL+"/api/records", ct, bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusUnsupportedMediaType, post("application/json", []byte("{}")))
	assert.Equal(t, http.StatusBadRequest, post(witness.ContentTypeBatch, []byte{0xff, 0xff}))

	f.now += 1000
	f.node.TickAt(f.now)
	tail := f.records[len(f.records)-1]
	tail.Signature[0] ^= 1
	bad := witness.MarshalBatch(witness.Batch{DeviceID: c.DeviceID(), PublicKey: c.Public(), Records: []witness.Record{tail}})
	assert.Equal(t, http.StatusUnprocessableEntity, post(witness.ContentTypeBatch, bad))

	other := witness.MarshalBatch(witness.Batch{DeviceID: c.DeviceID(), PublicKey: [32]byte{1}})
	assert.Equal(t, http.StatusForbidden, post(witness.ContentTypeBatch, other))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	defer f.close()
	f.do(http.MethodGet, "/api/status", "")

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "canary_records_total")
	assert.Contains(t, string(body), `canary_operator_requests_total{code="200"}`)
}

func TestCollectorOnly(t *testing.T) {
	srv := httptest.NewServer(New(Config{Collector: witness.NewCollector(nil)}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/collector/devices")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
