// Package web serves the client-facing HTTP API: screenshot requests,
// stored image files, the live event stream, and operational endpoints.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remoshot/remoshot/internal/events"
	// Register the remoshot_* collectors on the default registry that
	// promhttp.Handler serves.
	_ "github.com/remoshot/remoshot/internal/metrics"
)

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Dispatcher Dispatcher
	Agents     AgentDirectory
	Images     ImageCounter
	EventBus   *events.Bus
	ImageDir   string
	Log        *slog.Logger
}

// Dispatcher runs one screenshot fan-out and blocks until it resolves.
type Dispatcher interface {
	Dispatch(ctx context.Context) map[string][]string
	PendingCount() int
}

// AgentDirectory reads the set of currently connected agents.
type AgentDirectory interface {
	Names() []string
	Count() int
}

// ImageCounter reports how many images the retention index tracks.
type ImageCounter interface {
	Count() (int, error)
}

// Server is the client-facing HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the route mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // screenshot and SSE requests are long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("client HTTP server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /screenshot", s.apiScreenshot)
	s.mux.Handle("GET /images/", http.StripPrefix("/images/",
		http.FileServer(http.Dir(s.deps.ImageDir))))
	s.mux.HandleFunc("GET /events", s.apiSSE)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", s.apiHealth)
	s.mux.HandleFunc("GET /api/agents", s.apiAgents)
}

// apiScreenshot triggers a fan-out to every connected agent and returns
// the aggregated agent-name → image-URL map. Blocks up to the request
// deadline; a partial result is still a 200.
func (s *Server) apiScreenshot(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result := s.deps.Dispatcher.Dispatch(r.Context())

	s.deps.Log.Info("screenshot request served",
		"agents", len(result), "elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

// apiAgents lists the currently connected agent names.
func (s *Server) apiAgents(w http.ResponseWriter, _ *http.Request) {
	names := s.deps.Agents.Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  s.deps.Agents.Count(),
		"agents": names,
	})
}

// apiHealth reports liveness plus a few cheap gauges.
func (s *Server) apiHealth(w http.ResponseWriter, _ *http.Request) {
	images, err := s.deps.Images.Count()
	if err != nil {
		s.deps.Log.Warn("failed to count images", "error", err)
		writeError(w, http.StatusInternalServerError, "image index unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"connected_agents": s.deps.Agents.Count(),
		"pending_requests": s.deps.Dispatcher.PendingCount(),
		"stored_images":    images,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
