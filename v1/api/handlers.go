package api

import (
	"math"
	"net/http"
	"time"

	"github.com/salesos/collab/v1/entity"
	"github.com/salesos/collab/v1/events"
	"github.com/salesos/collab/v1/lock"
	"github.com/salesos/collab/v1/presence"
)

func (s *Server) handleViewers(w http.ResponseWriter, r *http.Request, _ Identity) {
	viewers, err := s.presence.Viewers(r.Context(), entityKey(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewers)
}

func (s *Server) handleViewerCount(w http.ResponseWriter, r *http.Request, _ Identity) {
	n, err := s.presence.Count(r.Context(), entityKey(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type summaryRequest struct {
	Entities []entity.Key `json:"entities"`
}

type summaryEntry struct {
	entity.Key
	Count int `json:"count"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, _ Identity) {
	var req summaryRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	counts, err := s.presence.Summary(r.Context(), req.Entities)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// request order, one entry per distinct entity
	out := make([]summaryEntry, 0, len(counts))
	seen := make(map[entity.Key]bool, len(counts))
	for _, k := range req.Entities {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, summaryEntry{Key: k, Count: counts[k]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": out})
}

type viewRequest struct {
	AvatarURL string `json:"avatarUrl"`
}

func (s *Server) handleRecordView(w http.ResponseWriter, r *http.Request, id Identity) {
	var req viewRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	err := s.presence.RecordView(r.Context(), entityKey(r), presence.Viewer{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Email:       id.Email,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request, id Identity) {
	ok, err := s.presence.Leave(r.Context(), entityKey(r), id.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"left": ok})
}

type lockStatus struct {
	Locked bool       `json:"locked"`
	Lock   *lock.Lock `json:"lock"`
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request, _ Identity) {
	l, err := s.locks.Status(r.Context(), entityKey(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lockStatus{Locked: l != nil, Lock: l})
}

type ttlRequest struct {
	TTLSeconds int `json:"ttlSeconds"`
}

// maxTTLSeconds is the largest ttlSeconds that converts to a Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// ttl converts the requested seconds, saturating so that oversized requests
// are clamped to the maximum by the manager instead of wrapping around.
func (req ttlRequest) ttl() time.Duration {
	if int64(req.TTLSeconds) > maxTTLSeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(req.TTLSeconds) * time.Second
}

func resultStatus(res lock.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Reason == lock.ReasonNotFound:
		return http.StatusNotFound
	case res.Reason == lock.ReasonInvalid:
		return http.StatusBadRequest
	}
	return http.StatusConflict
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request, id Identity) {
	var req ttlRequest
	if err := decode(r, &req); err != nil || req.TTLSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	res, err := s.locks.Acquire(r.Context(), entityKey(r), lock.Holder{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Email:       id.Email,
	}, req.ttl())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, id Identity) {
	ok, err := s.locks.Release(r.Context(), entityKey(r), id.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": ok})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, id Identity) {
	var req ttlRequest
	if err := decode(r, &req); err != nil || req.TTLSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	res, err := s.locks.Refresh(r.Context(), entityKey(r), id.UserID, req.ttl())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleOwned(w http.ResponseWriter, r *http.Request, id Identity) {
	ok, err := s.locks.Owns(r.Context(), entityKey(r), id.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"owned": ok})
}

func (s *Server) handleUserLocks(w http.ResponseWriter, r *http.Request, id Identity) {
	locks, err := s.locks.UserLocks(r.Context(), id.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request, id Identity) {
	if r.URL.Query().Get("confirm") != "true" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "force release requires confirm=true"})
		return
	}
	if s.adminRole != "" && !id.HasRole(s.adminRole) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "force release requires the " + s.adminRole + " role"})
		return
	}
	key := entityKey(r)
	ok, err := s.locks.ForceRelease(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("collab: force release requested",
		"entity", key.String(), "by", id.UserID, "released", ok)
	writeJSON(w, http.StatusOK, map[string]bool{"released": ok})
}

func (s *Server) eventTopic(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.bus == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "event streaming disabled"})
		return "", false
	}
	key := entityKey(r)
	if !key.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid entity"})
		return "", false
	}
	return events.Topic(key), true
}

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request, _ Identity) {
	if topic, ok := s.eventTopic(w, r); ok {
		events.ServeSSE(s.bus, topic, w, r)
	}
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request, _ Identity) {
	if topic, ok := s.eventTopic(w, r); ok {
		events.ServeWebSocket(s.bus, topic, w, r)
	}
}
