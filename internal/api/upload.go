package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/logging"
)

// multipartOverhead is the slack allowed on top of MaxUploadSize for the
// multipart envelope.
const multipartOverhead = 1 << 20

// handleUpload stores the multipart "file" part in the session's current
// folder. The optional "name" field overrides the part's filename.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess := s.limitedSession(w, r)
	if sess == nil {
		return
	}

	if r.ContentLength > s.maxUploadSize+multipartOverhead {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
			return
		}
		s.sendError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, s.maxUploadSize+1))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(content)) > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}

	item, err := sess.ctrl.Upload(r.Context(), name, content)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}

	logging.WithContext(r.Context()).Debug("upload stored",
		zap.String("session", sess.id),
		zap.String("id", item.ID),
		zap.String("content_type", item.ContentType))

	view := viewOf(sess)
	s.sendJSON(w, http.StatusCreated, struct {
		Item any `json:"item"`
		sessionView
	}{item, view})
}
