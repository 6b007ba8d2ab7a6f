// Package server exposes the optimization pipeline over HTTP: a blocking JSON
// endpoint, a Server-Sent Events endpoint and a health check.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/valpere/promptforge/internal"
	"github.com/valpere/promptforge/internal/orchestrator"
)

// Runner is the pipeline the handlers drive.
type Runner interface {
	Run(ctx context.Context, req internal.OptimizeRequest) (*orchestrator.Result, error)
	Stream(ctx context.Context, req internal.OptimizeRequest) <-chan orchestrator.Event
}

type Server struct {
	runner  Runner
	version string
	logger  *slog.Logger
}

func New(runner Runner, version string, logger *slog.Logger) (*Server, error) {
	if runner == nil {
		return nil, errors.New("pipeline runner required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{runner: runner, version: version, logger: logger}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/optimize", s.handleOptimize)
	mux.HandleFunc("/api/optimize-stream", s.handleOptimizeStream)
	return corsMiddleware(s.logMiddleware(mux))
}

// --- Handlers ---

// optimizeReq uses pointers for the optional knobs so an absent field picks
// up the server default while an explicit value, zero included, is validated.
type optimizeReq struct {
	Prompt               string   `json:"prompt"`
	Backend              string   `json:"backend"`
	GeminiAPIKey         string   `json:"gemini_api_key"`
	XAIAPIKey            string   `json:"xai_api_key"`
	MaxIterations        *int     `json:"max_iterations"`
	ConvergenceThreshold *float64 `json:"convergence_threshold"`
	ForceOptimization    *bool    `json:"force_optimization"`
}

func (r optimizeReq) toRequest() internal.OptimizeRequest {
	force := true
	if r.ForceOptimization != nil {
		force = *r.ForceOptimization
	}
	return internal.OptimizeRequest{
		Prompt:               r.Prompt,
		Backend:              r.Backend,
		GeminiAPIKey:         r.GeminiAPIKey,
		XAIAPIKey:            r.XAIAPIKey,
		MaxIterations:        r.MaxIterations,
		ConvergenceThreshold: r.ConvergenceThreshold,
		ForceOptimization:    force,
	}
}

type optimizeResp struct {
	Success bool `json:"success"`
	*orchestrator.Result
}

type errorResp struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type healthResp struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResp{Status: "healthy", Version: s.version, Timestamp: time.Now()})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := s.decode(w, r)
	if !ok {
		return
	}

	res, err := s.runner.Run(r.Context(), req.toRequest())
	if err != nil {
		var ie *internal.InputError
		if errors.As(err, &ie) {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error(), Details: ie.Details, Timestamp: time.Now()})
			return
		}
		s.logger.Error("optimization failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "Internal error: " + err.Error(), Timestamp: time.Now()})
		return
	}
	writeJSON(w, http.StatusOK, optimizeResp{Success: true, Result: res})
}

func (s *Server) handleOptimizeStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	req, ok := s.decode(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// r.Context() is cancelled when the client disconnects, which stops the
	// pipeline at its next stage boundary.
	for ev := range s.runner.Stream(r.Context(), req.toRequest()) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("failed to encode event", "stage", ev.Stage, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			s.logger.Debug("stream client gone", "error", err)
			continue
		}
		flusher.Flush()
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (optimizeReq, bool) {
	var req optimizeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{
			Error:     "invalid request body",
			Details:   err.Error(),
			Timestamp: time.Now(),
		})
		return req, false
	}
	return req, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
