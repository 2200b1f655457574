package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ersinkoc/gamificationkit"
	"github.com/ersinkoc/gamificationkit/gkerrors"
	"github.com/ersinkoc/gamificationkit/modules/points"
)

const maxBodyBytes = 1 << 20 // 1 MiB, per core spec §7 "request body size... errors -> 400"

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.withCORS)
	r.Use(s.withRateLimit)
	r.Use(s.withAPIKey)

	r.Route(s.cfg.BasePath, func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Get("/users/{userId}", s.handleUserStats)
		r.Get("/users/{userId}/{projection}", s.handleUserProjection)

		r.Get("/leaderboards/{type}", s.handleLeaderboard)
		r.Get("/leaderboards/{type}/user/{userId}", s.handleLeaderboardUser)

		r.Get("/badges", s.handleCatalogBadges)
		r.Get("/levels", s.handleCatalogLevels)
		r.Get("/quests", s.handleCatalogQuests)

		r.Post("/events", s.handleTrack)
		r.Post("/admin/reset/{userId}", s.handleAdminReset)
		r.Post("/admin/award", s.handleAdminAward)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps the engine's error taxonomy onto HTTP status codes
// per core spec §7 "User-visible failures".
func statusForError(err error) int {
	switch {
	case isTaxonomy(err, gkerrors.ErrValidation):
		return http.StatusBadRequest
	case isTaxonomy(err, gkerrors.ErrNotFound):
		return http.StatusNotFound
	case isTaxonomy(err, gkerrors.ErrLimit):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isTaxonomy(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", gkerrors.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.kit.State()
	status := "ok"
	if state != gamificationkit.StateRunning {
		status = "unavailable"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"state":  state.String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.kit.Metrics()
	if m == nil {
		writeError(w, http.StatusNotFound, "metrics not enabled")
		return
	}
	snap := m.Snapshot()
	switch r.URL.Query().Get("format") {
	case "prometheus":
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write(snap.Prometheus())
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write(snap.CSV())
	default:
		w.Header().Set("Content-Type", "application/json")
		b, _ := snap.JSON()
		_, _ = w.Write(b)
	}
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	stats, err := s.kit.GetUserStats(r.Context(), userID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleUserProjection serves /users/:userId/{points|badges|level|streaks|quests|history}
// by dispatching to the like-named module (core spec §6).
func (s *Server) handleUserProjection(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	projection := chi.URLParam(r, "projection")

	moduleName := projection
	if projection == "history" {
		moduleName = "points"
	}

	m, ok := s.kit.Module(moduleName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("module %q not registered", moduleName))
		return
	}

	if projection == "history" {
		pm, ok := m.(*points.Module)
		if !ok {
			writeError(w, http.StatusNotFound, "points module does not support history")
			return
		}
		limit := queryInt(r, "limit", 50)
		hist, err := pm.GetTransactionHistory(r.Context(), userID, limit)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, hist)
		return
	}

	stats, err := m.GetUserStats(r.Context(), userID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "type")
	pm, ok := s.pointsModule()
	if !ok {
		writeError(w, http.StatusNotFound, "points module not registered")
		return
	}
	limit := queryInt(r, "limit", 10)
	entries, err := pm.GetTopUsers(r.Context(), period, limit)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLeaderboardUser(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "type")
	userID := chi.URLParam(r, "userId")
	pm, ok := s.pointsModule()
	if !ok {
		writeError(w, http.StatusNotFound, "points module not registered")
		return
	}
	rank, found, err := pm.GetUserRank(r.Context(), period, userID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"userId": userID, "rank": rank, "found": found})
}

func (s *Server) pointsModule() (*points.Module, bool) {
	m, ok := s.kit.Module("points")
	if !ok {
		return nil, false
	}
	pm, ok := m.(*points.Module)
	return pm, ok
}

func (s *Server) handleCatalogBadges(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.Badges())
}

func (s *Server) handleCatalogLevels(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.Levels())
}

func (s *Server) handleCatalogQuests(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.Quests())
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := decodeJSONBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, _ := body["eventName"].(string)
	delete(body, "eventName")

	result, err := s.kit.Track(r.Context(), name, body)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := s.kit.ResetUser(r.Context(), userID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

type adminAwardRequest struct {
	UserID string `json:"userId"`
	Type   string `json:"type"`
	Value  int64  `json:"value"`
	Reason string `json:"reason"`
}

func (s *Server) handleAdminAward(w http.ResponseWriter, r *http.Request) {
	var req adminAwardRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Value <= 0 {
		writeError(w, http.StatusBadRequest, "userId and a positive value are required")
		return
	}

	switch req.Type {
	case "points", "xp":
		pm, ok := s.pointsModule()
		if !ok {
			writeError(w, http.StatusNotFound, "points module not registered")
			return
		}
		total, err := pm.Award(r.Context(), req.UserID, req.Value, req.Reason)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"userId": req.UserID, "total": total})
	case "badge":
		writeError(w, http.StatusNotFound, "badge module not registered")
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown award type %q", req.Type))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
