// Package operator is the local HTTP API used to inspect and steer a
// running node. It also accepts exported record batches when the process
// acts as a collector.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/log"
	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/node"
	"github.com/kmay89/securacv-canary/internal/witness"
)

const (
	maxJSONBody  = 64 << 10
	maxBatchBody = 4 << 20

	shutdownTimeout = 5 * time.Second
)

// Config wires the server to its backends. Node is required unless the
// server only collects; Collector enables POST /api/records.
type Config struct {
	Node      *node.Node
	Collector *witness.Collector
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server serves the operator API.
type Server struct {
	node      atomic.Pointer[node.Node]
	collector *witness.Collector
	metrics   *metrics.Metrics
	logger    *zap.Logger
	router    chi.Router
}

// New builds the router.
func New(cfg Config) *Server {
	s := &Server{
		collector: cfg.Collector,
		metrics:   cfg.Metrics,
		logger:    log.OrNop(cfg.Logger).Named("operator"),
	}
	s.node.Store(cfg.Node)
	s.router = s.routes(cfg.Node != nil)
	return s
}

// SetNode points the device routes at n, which replaces the node after a
// reboot. It must not be nil when the server was built with a node.
func (s *Server) SetNode(n *node.Node) { s.node.Store(n) }

func (s *Server) dev() *node.Node { return s.node.Load() }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(device bool) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)

	if s.metrics != nil && s.metrics.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.Route("/api", func(r chi.Router) {
		if s.collector != nil {
			r.Post("/records", s.handleIngest)
			r.Get("/collector/devices", s.handleCollectorDevices)
		}
		if !device {
			return
		}
		r.Get("/status", s.handleStatus)
		r.Get("/identity", s.handleIdentity)
		r.Get("/chain/head", s.handleChainHead)
		r.Get("/health", s.handleHealth)
		r.Post("/health/ack-all", s.handleHealthAckAll)
		r.Post("/health/{seq}/ack", s.handleHealthAck)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSetSettings)
		r.Post("/reboot", s.handleReboot)

		r.Route("/mesh", func(r chi.Router) {
			r.Get("/", s.handleMesh)
			r.Post("/pair/start", s.handlePairStart)
			r.Post("/pair/join", s.handlePairJoin)
			r.Post("/pair/confirm", s.handlePairConfirm)
			r.Post("/pair/cancel", s.handlePairCancel)
			r.Post("/leave", s.handleMeshLeave)
			r.Post("/alerts/clear", s.handleMeshAlertsClear)
		})
		r.Route("/chirp", func(r chi.Router) {
			r.Get("/", s.handleChirp)
			r.Post("/enable", s.handleChirpEnable)
			r.Post("/disable", s.handleChirpDisable)
			r.Post("/send", s.handleChirpSend)
			r.Post("/confirm", s.handleChirpConfirm)
			r.Post("/dismiss", s.handleChirpDismiss)
			r.Post("/mute", s.handleChirpMute)
			r.Post("/settings", s.handleChirpSettings)
		})
		r.Route("/rf", func(r chi.Router) {
			r.Get("/", s.handleRF)
			r.Post("/rotate", s.handleRFRotate)
			r.Post("/settings", s.handleRFSettings)
			r.Get("/selftest", s.handleRFSelfTest)
		})
	})
	return r
}

// requestID tags each request with a fresh id, echoed in X-Request-ID and
// attached to the request logger.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		l := s.logger.With(zap.String("request_id", id))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(log.CtxWith(r.Context(), l)))
		s.metrics.Request(ww.Status())
		l.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Int("status", ww.Status()))
	})
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("operator listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("operator API listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	// RetryAfterMs is set for refusals that clear on their own.
	RetryAfterMs uint32 `json:"retry_after_ms,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.FromCtx(r.Context()).Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return false
	}
	return true
}

func writeStatus(w http.ResponseWriter, status string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
