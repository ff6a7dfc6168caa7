package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/storage-browser/internal/browser"
	"github.com/fruitsalade/storage-browser/internal/events"
	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/metrics"
	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/vpath"
)

var (
	errSessionNotFound = errors.New("session not found")
	errItemNotFound    = errors.New("item not in current listing")
)

// session is one browser view: a controller over a location's adapter
// and the broadcaster its events go to.
type session struct {
	id         string
	locationID int
	ctrl       *browser.Controller
	events     *events.Broadcaster
	limiter    *rate.Limiter // nil = unlimited
	created    time.Time
}

func (s *session) close() {
	s.events.Close()
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (st *sessionStore) add(s *session) {
	st.mu.Lock()
	st.sessions[s.id] = s
	n := len(st.sessions)
	st.mu.Unlock()
	metrics.SetSessionsActive(n)
}

func (st *sessionStore) get(id string) (*session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

func (st *sessionStore) remove(id string) (*session, bool) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	n := len(st.sessions)
	st.mu.Unlock()
	metrics.SetSessionsActive(n)
	return s, ok
}

// removeIf drops and returns the sessions matching drop.
func (st *sessionStore) removeIf(drop func(*session) bool) []*session {
	st.mu.Lock()
	var dropped []*session
	for id, s := range st.sessions {
		if drop(s) {
			dropped = append(dropped, s)
			delete(st.sessions, id)
		}
	}
	n := len(st.sessions)
	st.mu.Unlock()
	metrics.SetSessionsActive(n)
	return dropped
}

func (st *sessionStore) removeAll() []*session {
	return st.removeIf(func(*session) bool { return true })
}

func (st *sessionStore) count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// pruneSessions ends sessions whose location was removed or whose adapter
// was replaced by a reload; their adapter has been closed.
func (s *Server) pruneSessions() {
	dropped := s.sessions.removeIf(func(sess *session) bool {
		loc := s.registry.Get(sess.locationID)
		return loc == nil || loc.Adapter != sess.ctrl.Adapter()
	})
	for _, sess := range dropped {
		sess.close()
		logging.Info("session ended by location reload",
			zap.String("session", sess.id),
			zap.Int("location", sess.locationID))
	}
}

// ─── Views ──────────────────────────────────────────────────────────────────

type sessionView struct {
	ID           string               `json:"id"`
	LocationID   int                  `json:"location_id"`
	BackendType  string               `json:"backend_type"`
	Path         string               `json:"path"`
	Status       browser.Status       `json:"status"`
	Items        []storage.Item       `json:"items"`
	Error        string               `json:"error,omitempty"`
	ErrorKind    string               `json:"error_kind,omitempty"`
	Breadcrumbs  []vpath.Crumb        `json:"breadcrumbs"`
	Capabilities storage.Capabilities `json:"capabilities"`
	Seq          uint64               `json:"seq"`
	CreatedAt    time.Time            `json:"created_at"`
}

func viewOf(sess *session) sessionView {
	snap := sess.ctrl.Snapshot()
	v := sessionView{
		ID:           sess.id,
		LocationID:   sess.locationID,
		BackendType:  sess.ctrl.Adapter().Type(),
		Path:         snap.Path,
		Status:       snap.Status,
		Items:        snap.Items,
		Breadcrumbs:  vpath.Breadcrumbs(snap.Path),
		Capabilities: sess.ctrl.Capabilities(),
		Seq:          snap.Seq,
		CreatedAt:    sess.created,
	}
	if snap.Err != nil {
		v.Error = snap.Err.Error()
		_, v.ErrorKind = statusFor(snap.Err)
	}
	return v
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) session(w http.ResponseWriter, r *http.Request) *session {
	sess, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		s.sendStorageError(w, r, errSessionNotFound)
		return nil
	}
	return sess
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.rateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(s.rateLimit)/60.0), s.rateLimit)
}

// limitedSession is session for routes that reach the backend: it also
// spends one token of the session's allowance, answering 429 with
// Retry-After when none is left.
func (s *Server) limitedSession(w http.ResponseWriter, r *http.Request) *session {
	sess := s.session(w, r)
	if sess == nil || sess.limiter == nil {
		return sess
	}

	res := sess.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		metrics.RecordRateLimited()
		logging.WithContext(r.Context()).Debug("session rate limited",
			zap.String("session", sess.id),
			zap.Duration("retry_after", delay))
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
		s.sendJSON(w, http.StatusTooManyRequests, errorResponse{
			Error: "too many requests for this session",
			Kind:  "rate_limited",
		})
		return nil
	}
	return sess
}

// findItem looks name up in the session's current listing.
func findItem(sess *session, name string) (storage.Item, error) {
	for _, it := range sess.ctrl.Snapshot().Items {
		if it.Name == name {
			return it, nil
		}
	}
	return storage.Item{}, errItemNotFound
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocationID int    `json:"location_id"`
		Path       string `json:"path"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	loc, err := s.registry.Resolve(req.LocationID)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}

	bc := events.NewBroadcaster()
	sess := &session{
		id:         uuid.NewString(),
		locationID: loc.ID,
		ctrl:       browser.New(loc.Adapter, browser.WithPublisher(bc)),
		events:     bc,
		limiter:    s.newLimiter(),
		created:    time.Now(),
	}
	s.sessions.add(sess)

	// A failed first listing still creates the session; the view carries
	// the error and the client can navigate elsewhere or refresh.
	if err := s.navigate(r.Context(), sess.ctrl, req.Path); err != nil {
		logging.WithContext(r.Context()).Info("initial listing failed",
			zap.String("session", sess.id), zap.Error(err))
	}

	logging.WithContext(r.Context()).Info("session created",
		zap.String("session", sess.id),
		zap.Int("location", loc.ID),
		zap.String("backend", loc.BackendType))
	s.sendJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	s.sendJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.remove(r.PathValue("id"))
	if !ok {
		s.sendStorageError(w, r, errSessionNotFound)
		return
	}
	sess.close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	sess := s.limitedSession(w, r)
	if sess == nil {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.navigate(r.Context(), sess.ctrl, req.Path); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	sess := s.limitedSession(w, r)
	if sess == nil {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	it, err := findItem(sess, req.Name)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	if err := sess.ctrl.OpenFolder(r.Context(), it); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess := s.limitedSession(w, r)
	if sess == nil {
		return
	}
	if err := s.navigate(r.Context(), sess.ctrl, sess.ctrl.Path()); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	sess := s.limitedSession(w, r)
	if sess == nil {
		return
	}
	it, err := findItem(sess, r.PathValue("name"))
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	if err := sess.ctrl.Delete(r.Context(), it); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	sess := s.limitedSession(w, r)
	if sess == nil {
		return
	}
	var req struct {
		Name    string `json:"name"`
		NewName string `json:"new_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	it, err := findItem(sess, req.Name)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	if err := sess.ctrl.Rename(r.Context(), it, req.NewName); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	sess := s.limitedSession(w, r)
	if sess == nil {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := sess.ctrl.CreateFolder(r.Context(), strings.TrimSpace(req.Name)); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, viewOf(sess))
}
