// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/browser"
	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/metrics"
	"github.com/fruitsalade/storage-browser/internal/retry"
	"github.com/fruitsalade/storage-browser/internal/storage"
)

// LocationAdmin persists storage locations. *storage.LocationStore
// implements it; without one, locations are read-only.
type LocationAdmin interface {
	Create(ctx context.Context, loc *storage.LocationRow) (*storage.LocationRow, error)
	Delete(ctx context.Context, id int) error
	SetDefault(ctx context.Context, id int) error
}

// Options configures a Server.
type Options struct {
	MaxUploadSize int64

	// ListRetry governs retries of transient listing failures. Retryable
	// is filled in by the server.
	ListRetry retry.Config

	// RateLimitPerMin bounds backend-touching requests per session
	// (0 = unlimited). The full allowance may be used as a burst.
	RateLimitPerMin int
}

// Server is the HTTP server.
type Server struct {
	registry  *storage.Registry
	locations LocationAdmin
	sessions  *sessionStore

	maxUploadSize int64
	listRetry     retry.Config
	rateLimit     int
}

// NewServer creates a new server. locations may be nil.
func NewServer(registry *storage.Registry, locations LocationAdmin, opts Options) *Server {
	listRetry := opts.ListRetry
	if listRetry.MaxAttempts < 1 {
		listRetry.MaxAttempts = 1
	}
	listRetry.Retryable = retryableListing

	return &Server{
		registry:      registry,
		locations:     locations,
		sessions:      newSessionStore(),
		maxUploadSize: opts.MaxUploadSize,
		listRetry:     listRetry,
		rateLimit:     opts.RateLimitPerMin,
	}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Locations
	mux.HandleFunc("GET /api/v1/locations", s.handleListLocations)
	mux.HandleFunc("POST /api/v1/locations", s.handleCreateLocation)
	mux.HandleFunc("POST /api/v1/locations/reload", s.handleReloadLocations)
	mux.HandleFunc("DELETE /api/v1/locations/{id}", s.handleDeleteLocation)
	mux.HandleFunc("POST /api/v1/locations/{id}/default", s.handleSetDefaultLocation)

	// Browser sessions
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/navigate", s.handleNavigate)
	mux.HandleFunc("POST /api/v1/sessions/{id}/open", s.handleOpen)
	mux.HandleFunc("POST /api/v1/sessions/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/sessions/{id}/upload", s.handleUpload)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/items/{name}", s.handleDeleteItem)
	mux.HandleFunc("POST /api/v1/sessions/{id}/rename", s.handleRename)
	mux.HandleFunc("POST /api/v1/sessions/{id}/folders", s.handleCreateFolder)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleEvents)

	return logging.Middleware(metrics.Middleware(mux))
}

// Close ends every session.
func (s *Server) Close() {
	for _, sess := range s.sessions.removeAll() {
		sess.close()
	}
	metrics.SetSessionsActive(0)
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"locations": len(s.registry.List()),
		"sessions":  s.sessions.count(),
	})
}

// ─── Responses ──────────────────────────────────────────────────────────────

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("encode response failed", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message})
}

// sendStorageError maps err onto an HTTP status by its kind.
func (s *Server) sendStorageError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", kind),
			zap.Error(err))
	}
	s.sendJSON(w, code, errorResponse{
		Error:   err.Error(),
		Kind:    kind,
		Partial: errors.Is(err, storage.ErrPartialRename),
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrPartialRename):
		return http.StatusConflict, "partial_rename"
	case errors.Is(err, browser.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, storage.ErrInvalidSegment):
		return http.StatusBadRequest, "invalid_segment"
	case errors.Is(err, browser.ErrNotFolder):
		return http.StatusBadRequest, "not_folder"
	case errors.Is(err, storage.ErrLocationNotFound):
		return http.StatusNotFound, "location_not_found"
	case errors.Is(err, errSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, errItemNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrUnsupportedOperation):
		return http.StatusMethodNotAllowed, "unsupported_operation"
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, storage.ErrTransient):
		return http.StatusServiceUnavailable, "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "transient"
	}
	return http.StatusInternalServerError, "unknown"
}

func retryableListing(err error) bool {
	return storage.IsTransient(err) && !errors.Is(err, browser.ErrSuperseded)
}

// navigate runs a controller navigation, retrying transient failures.
func (s *Server) navigate(ctx context.Context, ctrl *browser.Controller, p string) error {
	return retry.Do(ctx, s.listRetry, func() error {
		return ctrl.Navigate(ctx, p)
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
