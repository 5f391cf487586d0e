package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/engine"
	"github.com/dnsfence/dnsfence/internal/policy"
)

// fakeController records lifecycle calls and reports a canned status.
type fakeController struct {
	running  bool
	startErr error
	starts   int
	stops    int
}

func (c *fakeController) Start() error {
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}

func (c *fakeController) Stop() error {
	c.stops++
	c.running = false
	return nil
}

func (c *fakeController) IsRunning() bool { return c.running }

func (c *fakeController) Status() engine.Status {
	state := engine.StateStopped
	if c.running {
		state = engine.StateRunning
	}
	return engine.Status{State: state, Enabled: c.running}
}

func testServer(t *testing.T, ctrl *fakeController) *Server {
	t.Helper()

	cfg := &config.Config{
		General:  &config.GeneralConfig{},
		Tunnel:   &config.TunnelConfig{},
		Upstream: &config.UpstreamConfig{Servers: []string{"9.9.9.9"}},
		Lists: []*config.ListSource{
			{
				ListName: "ads",
				Hosts:    []string{"ads.example.com", "*.tracker.example.com"},
				Action:   "block",
			},
		},
	}
	return NewServer("127.0.0.1:0", cfg, ctrl, policy.NewStore(cfg))
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()

	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		t.Fatalf("decode data: %v (body %s)", err, rec.Body.String())
	}
}

func TestEngineStartStopStatus(t *testing.T) {
	ctrl := &fakeController{}
	s := testServer(t, ctrl)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/engine/start")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status %d, body %s", rec.Code, rec.Body.String())
	}
	if ctrl.starts != 1 {
		t.Fatalf("starts = %d, want 1", ctrl.starts)
	}

	var status engine.Status
	decodeData(t, doRequest(t, s, http.MethodGet, "/api/v1/engine/status"), &status)
	if status.State != engine.StateRunning {
		t.Fatalf("status = %s, want RUNNING", status.State)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/engine/stop")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: status %d", rec.Code)
	}
	if ctrl.stops != 1 {
		t.Fatalf("stops = %d, want 1", ctrl.stops)
	}
}

func TestEngineStartFailure(t *testing.T) {
	ctrl := &fakeController{startErr: http.ErrServerClosed}
	s := testServer(t, ctrl)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/engine/start")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Error.Code != ErrCodeEngineError {
		t.Fatalf("error code = %s, want %s", resp.Error.Code, ErrCodeEngineError)
	}
}

func TestPolicyLookup(t *testing.T) {
	s := testServer(t, &fakeController{})

	cases := []struct {
		host string
		want string
	}{
		{"ads.example.com", "BLOCKED"},
		{"sub.tracker.example.com", "BLOCKED"},
		{"example.org", "ALLOWED"},
	}
	for _, tc := range cases {
		var resp PolicyResponse
		rec := doRequest(t, s, http.MethodGet, "/api/v1/policy/"+tc.host)
		if rec.Code != http.StatusOK {
			t.Fatalf("policy %s: status %d", tc.host, rec.Code)
		}
		decodeData(t, rec, &resp)
		if resp.Classification != tc.want {
			t.Errorf("policy %s = %s, want %s", tc.host, resp.Classification, tc.want)
		}
	}
}

func TestUpstreamsEndpoint(t *testing.T) {
	s := testServer(t, &fakeController{})

	var resp UpstreamsResponse
	rec := doRequest(t, s, http.MethodGet, "/api/v1/upstreams")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	decodeData(t, rec, &resp)

	if len(resp.Servers) != 1 || resp.Servers[0] != "9.9.9.9" {
		t.Fatalf("servers = %v, want [9.9.9.9]", resp.Servers)
	}
	if resp.DoHURL == "" {
		t.Fatal("DoH URL missing")
	}
}

func TestPrivateSubnetOnly(t *testing.T) {
	s := testServer(t, &fakeController{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/engine/status", nil)
	req.RemoteAddr = "203.0.113.7:41000"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d for public client, want 403", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t, &fakeController{})

	rec := doRequest(t, s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Fatalf("body = %q, want OK", rec.Body.String())
	}
}
