// Package metrics defines the prometheus collectors exported by the device.
// Every method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the device collectors.
type Metrics struct {
	Registry *prometheus.Registry

	records        prometheus.Counter
	verifyFailures prometheus.Counter
	chainSeq       prometheus.Gauge
	nmeaSentences  *prometheus.CounterVec
	nmeaChecksum   prometheus.Counter
	healthUnacked  prometheus.Gauge
	rfTokens       prometheus.Gauge
	meshAuthFail   prometheus.Counter
	meshReplays    prometheus.Counter
	meshPeers      prometheus.Gauge
	chirpReceived  prometheus.Counter
	chirpRelayed   prometheus.Counter
	ingested       prometheus.Counter
	requests       *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_records_total",
			Help: "Witness records appended to the chain.",
		}),
		verifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_verify_failures_total",
			Help: "Records whose signature failed self-verification.",
		}),
		chainSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canary_chain_seq",
			Help: "Current chain sequence number.",
		}),
		nmeaSentences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_nmea_sentences_total",
			Help: "NMEA sentences parsed, by sentence type.",
		}, []string{"type"}),
		nmeaChecksum: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_nmea_checksum_failures_total",
			Help: "NMEA lines dropped on checksum mismatch.",
		}),
		healthUnacked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canary_health_unacked",
			Help: "Unread health log entries at WARNING or above.",
		}),
		rfTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canary_rf_active_tokens",
			Help: "RF session tokens seen within the observation TTL.",
		}),
		meshAuthFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_mesh_auth_failures_total",
			Help: "Mesh frames dropped for unknown sender or bad signature.",
		}),
		meshReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_mesh_replays_total",
			Help: "Mesh frames dropped for a non-increasing counter.",
		}),
		meshPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canary_mesh_peers",
			Help: "Peers registered in the opera.",
		}),
		chirpReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_chirp_received_total",
			Help: "Chirps stored after passing receive checks.",
		}),
		chirpRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_chirp_relayed_total",
			Help: "Chirps relayed to neighbours.",
		}),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canary_collector_records_total",
			Help: "Exported records accepted by the collector.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canary_operator_requests_total",
			Help: "Operator API requests, by status code.",
		}, []string{"code"}),
	}
	m.Registry.MustRegister(
		m.records, m.verifyFailures, m.chainSeq, m.nmeaSentences, m.nmeaChecksum,
		m.healthUnacked, m.rfTokens, m.meshAuthFail, m.meshReplays, m.meshPeers,
		m.chirpReceived, m.chirpRelayed, m.ingested, m.requests,
	)
	return m
}

func (m *Metrics) RecordCreated(seq uint32) {
	if m == nil {
		return
	}
	m.records.Inc()
	m.chainSeq.Set(float64(seq))
}

func (m *Metrics) VerifyFailure() {
	if m != nil {
		m.verifyFailures.Inc()
	}
}

func (m *Metrics) NMEASentence(kind string) {
	if m != nil {
		m.nmeaSentences.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) NMEAChecksumFailure() {
	if m != nil {
		m.nmeaChecksum.Inc()
	}
}

func (m *Metrics) SetHealthUnacked(n int) {
	if m != nil {
		m.healthUnacked.Set(float64(n))
	}
}

func (m *Metrics) SetRFTokens(n int) {
	if m != nil {
		m.rfTokens.Set(float64(n))
	}
}

func (m *Metrics) MeshAuthFailure() {
	if m != nil {
		m.meshAuthFail.Inc()
	}
}

func (m *Metrics) MeshReplay() {
	if m != nil {
		m.meshReplays.Inc()
	}
}

func (m *Metrics) SetMeshPeers(n int) {
	if m != nil {
		m.meshPeers.Set(float64(n))
	}
}

func (m *Metrics) ChirpReceived() {
	if m != nil {
		m.chirpReceived.Inc()
	}
}

func (m *Metrics) ChirpRelayed() {
	if m != nil {
		m.chirpRelayed.Inc()
	}
}

func (m *Metrics) RecordsIngested(n int) {
	if m != nil {
		m.ingested.Add(float64(n))
	}
}

func (m *Metrics) Request(code int) {
	if m != nil {
		m.requests.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}
