// Package api exposes locks, presence and collaboration events over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/salesos/collab/v1/entity"
	collaberrors "github.com/salesos/collab/v1/errors"
	"github.com/salesos/collab/v1/events"
	"github.com/salesos/collab/v1/lock"
	"github.com/salesos/collab/v1/presence"
)

// DefaultAdminRole is the role allowed to force release locks.
const DefaultAdminRole = "admin"

const maxBodyBytes = 1 << 20

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes collaboration requests to a lock Manager and a presence
// Tracker.
type Server struct {
	locks     *lock.Manager
	presence  *presence.Tracker
	auth      Authenticator
	bus       events.Bus
	health    Pinger
	adminRole string
	logger    *slog.Logger
	mux       *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithEventBus enables the event stream endpoints.
func WithEventBus(bus events.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithHealthCheck sets the dependency pinged by /healthz.
func WithHealthCheck(p Pinger) Option {
	return func(s *Server) {
		s.health = p
	}
}

// WithAdminRole sets the role required by force release. An empty role lets
// every authenticated caller force release.
func WithAdminRole(role string) Option {
	return func(s *Server) {
		s.adminRole = role
	}
}

// WithLogger sets the logger used for request failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer returns a Server.
func NewServer(locks *lock.Manager, tracker *presence.Tracker, auth Authenticator, opts ...Option) *Server {
	s := &Server{
		locks:     locks,
		presence:  tracker,
		auth:      auth,
		adminRole: DefaultAdminRole,
		logger:    slog.Default(),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /collaboration/presence/{entityType}/{entityId}", s.authed(s.handleViewers))
	s.mux.HandleFunc("GET /collaboration/presence/{entityType}/{entityId}/count", s.authed(s.handleViewerCount))
	s.mux.HandleFunc("POST /collaboration/presence/summary", s.authed(s.handleSummary))
	s.mux.HandleFunc("POST /collaboration/presence/{entityType}/{entityId}", s.authed(s.handleRecordView))
	s.mux.HandleFunc("DELETE /collaboration/presence/{entityType}/{entityId}", s.authed(s.handleLeave))

	s.mux.HandleFunc("GET /collaboration/locks/my-locks", s.authed(s.handleUserLocks))
	s.mux.HandleFunc("GET /collaboration/locks/{entityType}/{entityId}", s.authed(s.handleLockStatus))
	s.mux.HandleFunc("POST /collaboration/locks/{entityType}/{entityId}", s.authed(s.handleAcquire))
	s.mux.HandleFunc("DELETE /collaboration/locks/{entityType}/{entityId}", s.authed(s.handleRelease))
	s.mux.HandleFunc("POST /collaboration/locks/{entityType}/{entityId}/refresh", s.authed(s.handleRefresh))
	s.mux.HandleFunc("GET /collaboration/locks/{entityType}/{entityId}/owned", s.authed(s.handleOwned))
	s.mux.HandleFunc("DELETE /collaboration/locks/{entityType}/{entityId}/force", s.authed(s.handleForceRelease))

	s.mux.HandleFunc("GET /collaboration/events/{entityType}/{entityId}", s.authed(s.handleEventsSSE))
	s.mux.HandleFunc("GET /collaboration/events/{entityType}/{entityId}/ws", s.authed(s.handleEventsWS))

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, id Identity)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
			return
		}
		h(w, r, id)
	}
}

func entityKey(r *http.Request) entity.Key {
	return entity.New(r.PathValue("entityType"), r.PathValue("entityId"))
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps a component error to a response. Store unavailability is the only
// failure the components report, everything else is unexpected.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	if collaberrors.IsUnavailable(err) {
		status = http.StatusServiceUnavailable
		msg = "coordination store unavailable"
	}
	s.logger.Error("collab: request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err)
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("collab: health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
