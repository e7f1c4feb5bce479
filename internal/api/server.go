// Package api serves the public site and the pipeline trigger over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/mailsite/internal/buildinfo"
	"github.com/nugget/mailsite/internal/content"
	"github.com/nugget/mailsite/internal/pipeline"
	"github.com/nugget/mailsite/internal/site"
)

// fallbackMessage is the error text clients see when a run fails.
const fallbackMessage = "An error occurred while processing your request"

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Result, error)
}

// DocumentSource returns the current content document.
type DocumentSource interface {
	Load() *content.Document
}

// RunHistory lists past runs.
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]pipeline.Result, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP server.
type Server struct {
	address string
	port    int
	runner  Runner
	docs    DocumentSource
	pages   *site.Renderer
	runs    RunHistory
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a server. Call [Server.Start] to listen.
func NewServer(address string, port int, runner Runner, docs DocumentSource, pages *site.Renderer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		docs:    docs,
		pages:   pages,
		logger:  logger.With("component", "api"),
	}
}

// SetRunHistory enables GET /v1/runs.
func (s *Server) SetRunHistory(h RunHistory) {
	s.runs = h
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Site pages
	mux.HandleFunc("GET /{$}", s.handlePage(site.PageIndex))
	mux.HandleFunc("GET /about", s.handlePage(site.PageAbout))
	mux.HandleFunc("GET /contact", s.handlePage(site.PageContact))
	mux.HandleFunc("GET /blog", s.handlePage(site.PageBlog))

	// Pipeline trigger
	mux.HandleFunc("GET /api/content", s.handleContent)

	// Operational endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/runs", s.handleRuns)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // a trigger request waits for a full poll cycle
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("server running", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handlePage(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := s.pages.Render(&buf, page, s.docs.Load()); err != nil {
			s.logger.Error("page render failed", "page", page, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := buf.WriteTo(w); err != nil {
			s.logger.Debug("failed to write page", "page", page, "error", err)
		}
	}
}

// contentError is the body returned when a run fails. Content carries
// whatever document is on disk so clients can still render.
type contentError struct {
	Error   string            `json:"error"`
	Details string            `json:"details"`
	Content *content.Document `json:"content"`
}

// handleContent runs one poll cycle and returns the resulting
// document. The run is detached from the request context so a client
// hanging up cannot abandon a cycle half way.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	res, err := s.runner.Run(context.WithoutCancel(r.Context()))
	if res != nil {
		w.Header().Set("X-Mailsite-Run-Id", res.RunID)
	}
	if err != nil {
		s.logger.Error("error checking emails or loading content", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, contentError{
			Error:   fallbackMessage,
			Details: err.Error(),
			Content: s.docs.Load(),
		}, s.logger)
		return
	}

	writeJSON(w, s.docs.Load(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, 500)
	}

	runs, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"runs":  runs,
		"count": len(runs),
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
