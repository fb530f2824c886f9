package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/skobkin/dcgmtop-web/internal/api"
	"github.com/skobkin/dcgmtop-web/internal/config"
	"github.com/skobkin/dcgmtop-web/internal/gpu"
	"github.com/skobkin/dcgmtop-web/internal/sampler"
	"github.com/skobkin/dcgmtop-web/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	metricsNamespace  = "dcgmtop"
)

// Server exposes DCGM telemetry over JSON endpoints, a WebSocket stream and
// optionally Prometheus.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	gpus       []gpu.Info
	gpuIndex   map[string]gpu.Info
	sampler    *sampler.Manager

	ws         wsStats
	requestIDs atomic.Uint64
}

// New assembles a Server for the GPUs discovered through the DCGM session.
// samplerManager may be nil, in which case readiness reports degraded.
func New(cfg config.Config, logger *slog.Logger, gpus []gpu.Info, samplerManager *sampler.Manager) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		gpus:     gpus,
		gpuIndex: make(map[string]gpu.Info, len(gpus)),
		sampler:  samplerManager,
	}
	s.ws.limit = int64(max(cfg.WS.MaxClients, 0))
	for _, info := range gpus {
		s.gpuIndex[info.ID] = info
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withRequestLogging(s.withRecovery(s.routes())),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	for _, prefix := range []string{"", "/api"} {
		mux.HandleFunc("GET "+prefix+"/healthz", s.handleHealthz)
		mux.HandleFunc("GET "+prefix+"/readyz", s.handleReadyz)
		mux.HandleFunc("GET "+prefix+"/version", s.handleVersion)
	}
	mux.HandleFunc("GET /api", s.handleAPIDocs)
	mux.HandleFunc("GET /api/{$}", s.handleAPIDocs)
	mux.HandleFunc("GET /api/gpus", s.handleGPUList)
	mux.HandleFunc("GET /api/gpus/{id}", s.handleGPU)
	mux.HandleFunc("GET /api/gpus/{id}/metrics", s.handleGPUMetrics)
	mux.HandleFunc("GET /ws", s.handleWS)

	if s.cfg.EnablePrometheus {
		mux.Handle("GET /metrics", s.metricsHandler())
	}
	if s.cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr, "gpus", len(s.gpus))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Warn("failed to encode response", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := s.readiness()
	status := http.StatusOK
	if ready.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, ready)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

type apiEndpoint struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	endpoints := []apiEndpoint{
		{Path: "/api/healthz", Description: "liveness probe"},
		{Path: "/api/readyz", Description: "readiness probe, ok once every GPU has a sample"},
		{Path: "/api/version", Description: "build metadata"},
		{Path: "/api/gpus", Description: "GPUs reported by the DCGM session"},
		{Path: "/api/gpus/{id}", Description: "identity of one GPU"},
		{Path: "/api/gpus/{id}/metrics", Description: "latest telemetry snapshot for one GPU"},
		{Path: "/ws", Description: "WebSocket stream: hello, stats, error, pong"},
	}
	if s.cfg.EnablePrometheus {
		endpoints = append(endpoints, apiEndpoint{Path: "/metrics", Description: "Prometheus exposition"})
	}
	s.writeJSON(w, r, http.StatusOK, endpoints)
}

func (s *Server) handleGPUList(w http.ResponseWriter, r *http.Request) {
	gpus := s.gpus
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	s.writeJSON(w, r, http.StatusOK, gpus)
}

func (s *Server) handleGPU(w http.ResponseWriter, r *http.Request) {
	info, ok := s.gpuIndex[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleGPUMetrics(w http.ResponseWriter, r *http.Request) {
	gpuID := r.PathValue("id")
	if _, ok := s.gpuIndex[gpuID]; !ok {
		http.NotFound(w, r)
		return
	}
	if s.sampler == nil {
		http.Error(w, "metrics sampler unavailable", http.StatusServiceUnavailable)
		return
	}
	sample, ok := s.sampler.Latest(gpuID)
	if !ok {
		http.Error(w, "no sample available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, sample)
}

func (s *Server) helloMessage() api.HelloMessage {
	return api.NewHelloMessage(
		int(s.cfg.SampleInterval/time.Millisecond),
		s.cfg.DCGM.Mode,
		s.gpus,
		map[string]bool{
			"profiling":  s.cfg.DCGM.Profiling,
			"prometheus": s.cfg.EnablePrometheus,
		},
	)
}

// defaultGPU resolves APP_DEFAULT_GPU against the discovered GPUs; "auto"
// or an unknown id falls back to the first GPU.
func (s *Server) defaultGPU() string {
	if id := s.cfg.DefaultGPU; id != "" && id != "auto" {
		if _, ok := s.gpuIndex[id]; ok {
			return id
		}
		s.logger.Warn("configured default gpu not found", "gpu_id", id)
	}
	if len(s.gpus) == 0 {
		return ""
	}
	return s.gpus[0].ID
}

type readyResponse struct {
	Status  string `json:"status"`
	GPUs    int    `json:"gpus"`
	Readers int    `json:"metrics_readers"`
	Reason  string `json:"reason,omitempty"`
}

// readiness is ok once every polled GPU has a cached sample. A host without
// GPUs is trivially ready.
func (s *Server) readiness() readyResponse {
	resp := readyResponse{Status: "ok", GPUs: len(s.gpus)}
	switch {
	case len(s.gpus) == 0:
	case s.sampler == nil:
		resp.Status, resp.Reason = "degraded", "sampler_not_configured"
	default:
		resp.Readers = len(s.sampler.GPUIDs())
		switch {
		case resp.Readers == 0:
			resp.Status, resp.Reason = "degraded", "no_metrics_readers"
		case !s.sampler.Ready():
			resp.Status, resp.Reason = "initializing", "waiting_for_samples"
		}
	}
	return resp
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	return append([]string(nil), origins...)
}
