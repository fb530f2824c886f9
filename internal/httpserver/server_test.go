package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/skobkin/dcgmtop-web/internal/config"
	"github.com/skobkin/dcgmtop-web/internal/dcgm"
	"github.com/skobkin/dcgmtop-web/internal/gpu"
	"github.com/skobkin/dcgmtop-web/internal/sampler"
	"github.com/skobkin/dcgmtop-web/internal/version"
)

type stubSource struct {
	mu    sync.Mutex
	power float64
}

func (s *stubSource) BasicMetrics(device uint) (dcgm.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	power := s.power
	temp := int64(61)
	mask := uint64(dcgm.ThrottleSWPowerCap)
	return dcgm.Metrics{
		DeviceID:             device,
		Timestamp:            time.Now().UnixMicro(),
		PowerUsage:           &power,
		GPUTemp:              &temp,
		ClockThrottleReasons: &mask,
		ThrottleReasons:      dcgm.DecodeThrottleReasons(mask),
	}, nil
}

func (s *stubSource) PowerActivity(device uint) (dcgm.PowerActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dcgm.PowerActivity{DeviceID: device, PowerUsage: s.power, SMActive: 0.73, Timestamp: time.Now().UnixMicro()}, nil
}

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, config.Config{}, nil, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}

	respAPI, err := http.Get(ts.URL + "/api/healthz")
	if err != nil {
		t.Fatalf("GET /api/healthz failed: %v", err)
	}
	respAPI.Body.Close()
	if respAPI.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for /api/healthz, got %d", respAPI.StatusCode)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	gpus := []gpu.Info{{ID: "0"}}

	// Sampler not configured -> degraded.
	_, ts := newTestHTTPServer(t, cfg, gpus, nil)

	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "sampler_not_configured")
	assertReadyz(t, ts.URL+"/api/readyz", http.StatusServiceUnavailable, "degraded", "sampler_not_configured")

	// Sampler configured but not ready -> initializing.
	manager := newTestManager(t, &stubSource{power: 100}, false)

	_, tsInit := newTestHTTPServer(t, cfg, gpus, manager)

	assertReadyz(t, tsInit.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_samples")

	runManager(t, manager)
	assertReadyz(t, tsInit.URL+"/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil)

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestAPIDocsListsEndpoints(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true
	_, ts := newTestHTTPServer(t, cfg, nil, nil)

	resp, err := http.Get(ts.URL + "/api")
	if err != nil {
		t.Fatalf("GET /api failed: %v", err)
	}
	defer resp.Body.Close()

	var endpoints []apiEndpoint
	if err := json.NewDecoder(resp.Body).Decode(&endpoints); err != nil {
		t.Fatalf("decode: %v", err)
	}
	paths := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		paths[e.Path] = true
	}
	for _, want := range []string{"/api/gpus", "/ws", "/metrics"} {
		if !paths[want] {
			t.Fatalf("endpoint %s missing from %+v", want, endpoints)
		}
	}
}

func TestAPIGPUs(t *testing.T) {
	t.Parallel()

	gpus := []gpu.Info{
		{ID: "0", Index: 0, Name: "Tesla T4", PCIBusID: "00000000:3B:00.0", PCIID: "10de:1eb8"},
	}

	_, ts := newTestHTTPServer(t, defaultTestConfig(), gpus, nil)

	resp, err := http.Get(ts.URL + "/api/gpus")
	if err != nil {
		t.Fatalf("GET /api/gpus failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var payload []gpu.Info
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(payload) != 1 || payload[0].ID != "0" || payload[0].Name != "Tesla T4" {
		t.Fatalf("unexpected gpu payload %+v", payload)
	}
}

func TestAPIGPUInfo(t *testing.T) {
	t.Parallel()

	gpus := []gpu.Info{{ID: "1", Index: 1, Name: "NVIDIA A100-SXM4-40GB", UUID: "GPU-8f6a"}}
	_, ts := newTestHTTPServer(t, defaultTestConfig(), gpus, nil)

	resp, err := http.Get(ts.URL + "/api/gpus/1")
	if err != nil {
		t.Fatalf("GET /api/gpus/1 failed: %v", err)
	}
	defer resp.Body.Close()

	var info gpu.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.UUID != "GPU-8f6a" || info.Index != 1 {
		t.Fatalf("unexpected gpu info %+v", info)
	}

	missing, err := http.Get(ts.URL + "/api/gpus/0")
	if err != nil {
		t.Fatalf("GET /api/gpus/0 failed: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown gpu, got %d", missing.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil)

	resp, err := http.Post(ts.URL+"/api/gpus", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /api/gpus failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, http.MethodGet) {
		t.Fatalf("unexpected Allow header %q", allow)
	}
}

func TestAPIGPUMetrics(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, &stubSource{power: 215.4}, true)
	runManager(t, manager)

	_, ts := newTestHTTPServer(t, defaultTestConfig(), []gpu.Info{{ID: "0"}}, manager)

	resp, err := http.Get(ts.URL + "/api/gpus/0/metrics")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var sample sampler.Sample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}

	if sample.GPUId != "0" {
		t.Fatalf("unexpected gpu id %q", sample.GPUId)
	}
	if sample.Metrics.PowerUsage == nil || *sample.Metrics.PowerUsage != 215.4 {
		t.Fatalf("expected power_usage_w in metrics, got %+v", sample.Metrics)
	}
	if sample.Activity == nil || sample.Activity.SMActive != 0.73 {
		t.Fatalf("expected activity in sample, got %+v", sample.Activity)
	}

	for _, path := range []string{"/api/gpus/7/metrics", "/api/gpus/0/procs"} {
		resp2, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp2.Body.Close()
		if resp2.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, resp2.StatusCode)
		}
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, &stubSource{power: 120}, true)
	runManager(t, manager)

	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true
	_, ts := newTestHTTPServer(t, cfg, []gpu.Info{{ID: "0"}}, manager)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		`dcgmtop_gpu_power_watts{gpu_id="0"} 120`,
		`dcgmtop_gpu_temperature_celsius{gpu_id="0"} 61`,
		`dcgmtop_gpu_sm_active_ratio{gpu_id="0"} 0.73`,
		`dcgmtop_gpu_sample_error{gpu_id="0"} 0`,
		`dcgmtop_ws_active_connections 0`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if strings.Contains(text, "dcgmtop_gpu_fb_total_bytes") {
		t.Fatalf("absent measurements must not be exported")
	}
}

func TestWebSocketHelloAndStats(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, &stubSource{power: 42}, false)
	runManager(t, manager)

	cfg := defaultTestConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	_, ts := newTestHTTPServer(t, cfg, []gpu.Info{{ID: "0"}}, manager)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readJSON(t, cctx, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", hello["type"])
	}
	if hello["dcgm_mode"] != config.DCGMModeEmbedded {
		t.Fatalf("unexpected dcgm mode %v", hello["dcgm_mode"])
	}
	features, ok := hello["features"].(map[string]any)
	if !ok || features["profiling"] != true {
		t.Fatalf("unexpected features %v", hello["features"])
	}

	stats := readJSON(t, cctx, conn)
	if stats["type"] != "stats" {
		t.Fatalf("expected stats message, got %q", stats["type"])
	}
	metrics, ok := stats["metrics"].(map[string]any)
	if !ok {
		t.Fatalf("metrics payload missing or wrong type")
	}
	if metrics["power_usage_w"] != 42.0 {
		t.Fatalf("expected power_usage_w 42, got %v", metrics["power_usage_w"])
	}
	reasons, ok := metrics["throttle_reasons"].([]any)
	if !ok || len(reasons) != 1 {
		t.Fatalf("unexpected throttle reasons %v", metrics["throttle_reasons"])
	}
}

func TestWebSocketClientMessages(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, &stubSource{power: 42}, false)
	runManager(t, manager)

	_, ts := newTestHTTPServer(t, defaultTestConfig(), []gpu.Info{{ID: "0"}}, manager)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(cctx, websocket.MessageText, []byte(`{"type":"subscribe","gpu_id":"9"}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if err := conn.Write(cctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var sawError, sawPong bool
	for !sawError || !sawPong {
		msg := readJSON(t, cctx, conn)
		switch msg["type"] {
		case "error":
			if !strings.Contains(msg["message"].(string), `"9"`) {
				t.Fatalf("unexpected error message %v", msg["message"])
			}
			sawError = true
		case "pong":
			sawPong = true
		}
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	srv, ts := newTestHTTPServer(t, cfg, nil, nil)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readJSON(t, cctx, conn)

	_, resp, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err == nil {
		t.Fatalf("second connection should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 rejection, got %+v", resp)
	}
	if srv.ws.rejected.Load() != 1 {
		t.Fatalf("rejected counter = %d", srv.ws.rejected.Load())
	}
}

func TestWSOutboundDropsOldest(t *testing.T) {
	t.Parallel()

	var drops atomic.Uint64
	out := newWSOutbound(1, &drops)
	if !out.enqueue([]byte("a")) || !out.enqueue([]byte("b")) {
		t.Fatalf("enqueue should succeed while open")
	}
	if got := string(<-out.channel()); got != "b" {
		t.Fatalf("expected newest message, got %q", got)
	}
	if drops.Load() != 1 {
		t.Fatalf("drops = %d, want 1", drops.Load())
	}
	out.close()
	if out.enqueue([]byte("c")) {
		t.Fatalf("enqueue after close should fail")
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	if got := originPatterns([]string{"example.com", "*"}); got != nil {
		t.Fatalf("wildcard should allow all, got %v", got)
	}
	got := originPatterns([]string{"example.com"})
	if len(got) != 1 || got[0] != "example.com" {
		t.Fatalf("unexpected patterns %v", got)
	}
}

func newTestHTTPServer(t *testing.T, cfg config.Config, gpus []gpu.Info, samplerManager *sampler.Manager) (*Server, *httptest.Server) {
	t.Helper()

	if cfg.ListenAddr == "" {
		cfg = defaultTestConfig()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger, gpus, samplerManager)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func newTestManager(t *testing.T, src *stubSource, profiling bool) *sampler.Manager {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reader := sampler.NewReader(src, 0, profiling, logger)
	manager, err := sampler.NewManager(5*time.Millisecond, []*sampler.Reader{reader}, nil, logger)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func runManager(t *testing.T, manager *sampler.Manager) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = manager.Run(ctx) }()

	waitFor(t, 2*time.Second, manager.Ready)
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}

	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	return config.Config{
		ListenAddr:     ":0",
		SampleInterval: 250 * time.Millisecond,
		AllowedOrigins: []string{"*"},
		DefaultGPU:     "auto",
		DCGM: config.DCGMConfig{
			Mode:      config.DCGMModeEmbedded,
			Profiling: true,
		},
		WS: config.WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
