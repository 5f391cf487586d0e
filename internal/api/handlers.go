package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/engine"
	"github.com/dnsfence/dnsfence/internal/policy"
)

// EngineController is the engine lifecycle surface the API drives. It
// keeps the handlers decoupled from the supervisor implementation.
type EngineController interface {
	Start() error
	Stop() error
	IsRunning() bool
	Status() engine.Status
}

// Handler manages all API endpoints and dependencies.
type Handler struct {
	cfg   *config.Config
	ctrl  EngineController
	store *policy.Store
}

// NewHandler creates a new API handler.
func NewHandler(cfg *config.Config, ctrl EngineController, store *policy.Store) *Handler {
	return &Handler{
		cfg:   cfg,
		ctrl:  ctrl,
		store: store,
	}
}

// DataResponse wraps successful responses with a "data" field.
type DataResponse struct {
	Data interface{} `json:"data"`
}

// PolicyResponse is the classification of a single hostname.
type PolicyResponse struct {
	Hostname       string `json:"hostname"`
	Classification string `json:"classification"`
	RedirectTarget string `json:"redirect_target,omitempty"`
}

// UpstreamsResponse describes the configured resolver path.
type UpstreamsResponse struct {
	Servers        []string `json:"servers"`
	DoHURL         string   `json:"doh_url"`
	BootstrapAddrs []string `json:"bootstrap_addrs"`
}

// EngineControlResponse returns the result of a start/stop request.
type EngineControlResponse struct {
	State string `json:"state"`
}

// StartEngine brings the tunnel engine up.
func (h *Handler) StartEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Start(); err != nil {
		WriteEngineError(w, err.Error())
		return
	}
	writeJSONData(w, EngineControlResponse{State: string(h.ctrl.Status().State)})
}

// StopEngine tears the tunnel engine down.
func (h *Handler) StopEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Stop(); err != nil {
		WriteEngineError(w, err.Error())
		return
	}
	writeJSONData(w, EngineControlResponse{State: string(h.ctrl.Status().State)})
}

// GetEngineStatus reports the session state and policy statistics.
func (h *Handler) GetEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONData(w, h.ctrl.Status())
}

// GetPolicy classifies one hostname the way the packet pipeline would.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	host := strings.TrimSpace(chi.URLParam(r, "host"))
	if host == "" {
		WriteInvalidRequest(w, "hostname is required")
		return
	}

	entry := h.store.Lookup(host)
	writeJSONData(w, PolicyResponse{
		Hostname:       entry.Hostname,
		Classification: entry.Classification.String(),
		RedirectTarget: entry.RedirectTarget,
	})
}

// GetUpstreams returns the configured resolver addresses and DoH endpoint.
func (h *Handler) GetUpstreams(w http.ResponseWriter, r *http.Request) {
	resp := UpstreamsResponse{
		DoHURL: h.cfg.Upstream.GetDoHURL(),
	}
	for _, addr := range h.cfg.Upstream.GetServers() {
		resp.Servers = append(resp.Servers, addr.String())
	}
	for _, addr := range h.cfg.Upstream.GetBootstrapAddrs() {
		resp.BootstrapAddrs = append(resp.BootstrapAddrs, addr.String())
	}
	writeJSONData(w, resp)
}

// CheckHealth is the liveness endpoint.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(DataResponse{Data: data})
}

// writeJSONData writes a successful JSON response with data.
func writeJSONData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}
