// Package ingress implements the HTTP submission surface (spec §6): a thin
// adapter that decodes a DGRequest, hands it to the Execution Engine, and
// writes back its terminal (or STREAMING_STARTED) response. Modeled on the
// teacher's metrics/health HTTP wiring, generalized from a fixed handler set
// to a single POST endpoint.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dgfacade/dgfacade/internal/engine"
	"github.com/dgfacade/dgfacade/internal/model"
)

// HTTPServer hosts POST /api/submit and a liveness endpoint.
type HTTPServer struct {
	engine *engine.Engine
	logger *zap.Logger
	server *http.Server
}

// RegisterRoutes mounts the submission and liveness endpoints onto mux, so
// a caller that already runs an HTTP server for metrics/admin purposes can
// share the listener instead of opening a second port.
func RegisterRoutes(mux *http.ServeMux, eng *engine.Engine, logger *zap.Logger) {
	s := &HTTPServer{engine: eng, logger: logger}
	mux.HandleFunc("/api/submit", s.handleSubmit)
	mux.HandleFunc("/healthz", s.handleHealth)
}

// NewHTTPServer builds a standalone HTTPServer bound to addr, for
// deployments that want the submission API on its own listener separate
// from the metrics/admin one.
func NewHTTPServer(addr string, eng *engine.Engine, logger *zap.Logger) *HTTPServer {
	mux := http.NewServeMux()
	s := &HTTPServer{engine: eng, logger: logger}
	mux.HandleFunc("/api/submit", s.handleSubmit)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.DGRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	req.SourceChannel = model.ChannelHTTP
	req.CreatedAt = time.Now().UTC()
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		req.APIKey = apiKey
	}

	resp, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, req.RequestID, resp, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeEngineError maps err to an HTTP status and writes resp, which the
// Engine has already populated with the spec's literal error_message text
// (spec §4.5 steps 1/3, §7 error taxonomy) — this layer only picks the
// status code, it never invents wording of its own.
func (s *HTTPServer) writeEngineError(w http.ResponseWriter, requestID string, resp model.DGResponse, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, engine.ErrNoHandler):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrBackpressure):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if resp.RequestID == "" {
		resp = model.NewErrorResponse(requestID, model.StatusError, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Start begins serving and blocks until the listener stops.
func (s *HTTPServer) Start() error {
	s.logger.Info("http ingress listening", zap.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
