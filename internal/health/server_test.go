package health

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"
)

type stubProvider struct {
	running bool
	stats   Stats
}

func (p *stubProvider) IsRunning() bool { return p.running }
func (p *stubProvider) Stats() Stats    { return p.stats }

func startTestServer(t *testing.T, provider StatsProvider) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg, provider)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestServer_HealthzReportsStats(t *testing.T) {
	provider := &stubProvider{running: true, stats: Stats{ConnectionsActive: 3, UDPAssociationsActive: 1}}
	s := startTestServer(t, provider)

	resp, err := http.Get("http://" + s.Address().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["connections_active"].(float64) != 3 {
		t.Errorf("connections_active = %v, want 3", body["connections_active"])
	}
}

func TestServer_HealthzUnavailableWhenNotRunning(t *testing.T) {
	provider := &stubProvider{running: false}
	s := startTestServer(t, provider)

	resp, err := http.Get("http://" + s.Address().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestServer_MetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := startTestServer(t, &stubProvider{running: true})

	resp, err := http.Get("http://" + s.Address().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("expected non-empty metrics body")
	}
}

func TestServer_HealthPlainText(t *testing.T) {
	s := startTestServer(t, &stubProvider{running: true})

	resp, err := http.Get("http://" + s.Address().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_StopIsIdempotent(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg, &stubProvider{running: true})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}
