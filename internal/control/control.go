// Package control serves the HTTP control plane: the external Run-Gate
// controller, channel status, a websocket status stream, Prometheus metrics,
// and the health probes.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/aoip/internal/bridge"
	"github.com/MrWong99/aoip/internal/health"
	"github.com/MrWong99/aoip/internal/link"
	"github.com/MrWong99/aoip/internal/observe"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultStreamInterval is the push period of /v1/stream.
const DefaultStreamInterval = time.Second

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 5 * time.Second

// Gate is the Run-Gate as seen by the control plane.
type Gate interface {
	Enabled() bool
	Poisoned() bool
	Updates() uint64
	Set(enabled bool)
}

// GateState is the JSON view of the gate.
type GateState struct {
	Enabled  bool   `json:"enabled"`
	Poisoned bool   `json:"poisoned"`
	Updates  uint64 `json:"updates"`
}

// LinkState reports whether one network worker has a usable transport.
type LinkState struct {
	Worker    string `json:"worker"`
	Connected bool   `json:"connected"`
}

// Snapshot is the full runtime status pushed by /v1/stream and served by
// /statusz.
type Snapshot struct {
	Session  string               `json:"session"`
	Time     time.Time            `json:"time"`
	Gate     GateState            `json:"gate"`
	Bridge   bridge.Stats         `json:"bridge"`
	Links    []LinkState          `json:"links"`
	Channels []link.ChannelStatus `json:"channels"`
}

// Config wires a [Server].
type Config struct {
	Gate Gate

	// Snapshot returns the current runtime status. Required.
	Snapshot func() Snapshot

	// Health serves /healthz, /readyz, and /statusz. Optional.
	Health *health.Handler

	// Metrics records request latency. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler is served on /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler

	// StreamInterval is the push period of /v1/stream.
	// Default: [DefaultStreamInterval].
	StreamInterval time.Duration

	Logger *slog.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg     Config
	log     *slog.Logger
	handler http.Handler
}

// New builds the control-plane routes.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = DefaultStreamInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, log: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/gate", s.getGate)
	mux.HandleFunc("PUT /v1/gate", s.putGate)
	mux.HandleFunc("GET /v1/channels", s.getChannels)
	mux.HandleFunc("GET /v1/stream", s.stream)
	mux.Handle("GET /metrics", cfg.MetricsHandler)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}

	s.handler = observe.Middleware(cfg.Metrics,
		observe.WithQuietPaths("/metrics", "/healthz", "/readyz"),
		observe.WithRequestLogger(s.log))(mux)
	return s
}

// Handler returns the root handler including the observability middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully. It
// returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Request contexts end with ctx so websocket streams stop on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.log.Info("control plane listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) && serveErr != nil {
		return serveErr
	}
	return err
}

func (s *Server) gateState() GateState {
	g := s.cfg.Gate
	return GateState{Enabled: g.Enabled(), Poisoned: g.Poisoned(), Updates: g.Updates()}
}

func (s *Server) getGate(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gateState())
}

type gateRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) putGate(w http.ResponseWriter, r *http.Request) {
	var req gateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `missing field "enabled"`)
		return
	}

	before := s.cfg.Gate.Enabled()
	s.cfg.Gate.Set(*req.Enabled)
	if before != *req.Enabled {
		observe.GateEvent(r.Context(), *req.Enabled, "http")
		observe.WithTrace(r.Context(), s.log).Info("gate changed", "enabled", *req.Enabled, "source", "http")
	}
	writeJSON(w, http.StatusOK, s.gateState())
}

func (s *Server) getChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Snapshot().Channels)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("control: encode response", "err", err)
	}
}
