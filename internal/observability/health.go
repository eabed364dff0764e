package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthServer exposes /healthz and /readyz endpoints. Readiness also reports
// replay progress.
type HealthServer struct {
	ready    atomic.Bool
	complete atomic.Bool
	offset   atomic.Value // string
}

// NewHealthServer creates a new health server.
func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetReady marks the server as ready.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetProgress records the next offset to replay and whether the file is done.
func (h *HealthServer) SetProgress(nextOffset string, complete bool) {
	h.offset.Store(nextOffset)
	h.complete.Store(complete)
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "not ready"}
	code := http.StatusServiceUnavailable
	if h.ready.Load() {
		body["status"] = "ready"
		code = http.StatusOK
	}
	if off, ok := h.offset.Load().(string); ok {
		body["nextOffset"] = off
		body["complete"] = h.complete.Load()
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
