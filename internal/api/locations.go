package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/storage/backends"
)

// ─── Storage Locations ──────────────────────────────────────────────────────

type locationView struct {
	storage.LocationRow
	Capabilities storage.Capabilities `json:"capabilities"`
}

func locationViews(locs []*storage.Location) []locationView {
	resp := make([]locationView, 0, len(locs))
	for _, loc := range locs {
		resp = append(resp, locationView{
			LocationRow:  loc.LocationRow.Redacted(),
			Capabilities: storage.Offered(loc.Adapter),
		})
	}
	return resp
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, locationViews(s.registry.List()))
}

func (s *Server) requireLocationAdmin(w http.ResponseWriter) bool {
	if s.locations == nil {
		s.sendJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error: "storage locations are configured from the environment",
			Kind:  "unsupported_operation",
		})
		return false
	}
	return true
}

func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	if !s.requireLocationAdmin(w) {
		return
	}

	var req struct {
		Name        string          `json:"name"`
		BackendType string          `json:"backend_type"`
		Config      json.RawMessage `json:"config"`
		IsDefault   bool            `json:"is_default"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !slices.Contains(backends.Types, req.BackendType) {
		s.sendError(w, http.StatusBadRequest, "backend_type must be one of "+strings.Join(backends.Types, ", "))
		return
	}
	if len(req.Config) == 0 || !json.Valid(req.Config) {
		s.sendError(w, http.StatusBadRequest, "config must be a JSON object")
		return
	}

	created, err := s.locations.Create(r.Context(), &storage.LocationRow{
		Name:        req.Name,
		BackendType: req.BackendType,
		Config:      req.Config,
	})
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to create storage location: "+err.Error())
		return
	}
	if req.IsDefault {
		if err := s.locations.SetDefault(r.Context(), created.ID); err != nil {
			logging.Error("failed to mark new location default", zap.Int("id", created.ID), zap.Error(err))
		}
		created.IsDefault = true
	}

	if err := s.registry.Reload(r.Context()); err != nil {
		logging.Error("failed to reload storage registry after create", zap.Error(err))
	}
	s.pruneSessions()

	// The factory may still reject a well-formed config (e.g. an
	// unreachable SFTP host); such a location is stored but not loaded.
	loaded := s.registry.Get(created.ID) != nil

	logging.Info("storage location created",
		zap.Int("id", created.ID),
		zap.String("name", created.Name),
		zap.String("type", created.BackendType),
		zap.Bool("loaded", loaded))

	s.sendJSON(w, http.StatusCreated, struct {
		storage.LocationRow
		Loaded bool `json:"loaded"`
	}{created.Redacted(), loaded})
}

func (s *Server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	if !s.requireLocationAdmin(w) {
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid storage location ID")
		return
	}

	if err := s.locations.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrLocationNotFound) {
			s.sendStorageError(w, r, err)
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to delete storage location: "+err.Error())
		return
	}

	if err := s.registry.Reload(r.Context()); err != nil {
		logging.Error("failed to reload storage registry after delete", zap.Error(err))
	}
	s.pruneSessions()

	logging.Info("storage location deleted", zap.Int("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDefaultLocation(w http.ResponseWriter, r *http.Request) {
	if !s.requireLocationAdmin(w) {
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid storage location ID")
		return
	}

	if err := s.locations.SetDefault(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrLocationNotFound) {
			s.sendStorageError(w, r, err)
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to set default storage location: "+err.Error())
		return
	}

	if err := s.registry.Reload(r.Context()); err != nil {
		logging.Error("failed to reload storage registry after set default", zap.Error(err))
	}

	logging.Info("default storage location changed", zap.Int("id", id))
	s.sendJSON(w, http.StatusOK, locationViews(s.registry.List()))
}

func (s *Server) handleReloadLocations(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(r.Context()); err != nil {
		s.sendError(w, http.StatusServiceUnavailable, "failed to reload storage locations: "+err.Error())
		return
	}
	s.pruneSessions()
	s.sendJSON(w, http.StatusOK, locationViews(s.registry.List()))
}
