// Package app wires the HTTP surface of the sync service: health probes,
// metrics, the websocket endpoint, and the secret-guarded map webhook used by
// the registry application to read and import study design maps out of band.
package app

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"studymap/api/internal/crdt"
	"studymap/api/internal/store"
	"studymap/api/internal/util"
)

// MapStore is the slice of the store the HTTP surface needs.
type MapStore interface {
	Ping(ctx context.Context) error
	GetStudyDesign(ctx context.Context, id string) (store.StudyDesign, error)
	LoadGraph(ctx context.Context, studyDesignID string) (crdt.Snapshot, error)
	SaveGraph(ctx context.Context, studyDesignID string, snapshot crdt.Snapshot) (store.SaveStats, error)
}

// RoomLiveness guards webhook writes against live editing sessions: while a
// room owns a document, the database copy is stale by design and must not be
// written around.
type RoomLiveness interface {
	Live(roomID string) bool
}

// SyncHandler runs a websocket session for one study design.
type SyncHandler func(w http.ResponseWriter, r *http.Request, studyDesignID string)

type HTTPServer struct {
	store      MapStore
	rooms      RoomLiveness
	sync       SyncHandler
	syncSecret string
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(mapStore MapStore, rooms RoomLiveness, sync SyncHandler, syncSecret, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		store:      mapStore,
		rooms:      rooms,
		sync:       sync,
		syncSecret: syncSecret,
		corsOrigin: corsOrigin,
		logger:     logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	// Metrics and the websocket upgrade bypass the JSON middleware: neither
	// speaks JSON and the upgrader needs the raw ResponseWriter.
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/study-designs/", s.handleSync)
	mux.Handle("/", s.withMiddleware(http.HandlerFunc(s.handle)))
	return mux
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 3 || parts[0] != "ws" || parts[1] != "study-designs" || parts[2] == "" {
		http.NotFound(w, r)
		return
	}
	s.sync(w, r, parts[2])
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "study-designs" && parts[3] == "map" {
		switch r.Method {
		case http.MethodGet:
			s.handleGetMap(w, r, parts[2])
		case http.MethodPost:
			s.handlePostMap(w, r, parts[2])
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.store.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

var (
	errBadSyncSecret = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid sync secret", nil)
	errRoomLive      = domainError(http.StatusConflict, "ROOM_LIVE", "A live editing session owns this map; write through the session instead", nil)
)

func (s *HTTPServer) checkSyncSecret(r *http.Request) error {
	if s.syncSecret == "" {
		return errBadSyncSecret
	}
	given := r.Header.Get("X-Sync-Secret")
	if subtle.ConstantTimeCompare([]byte(given), []byte(s.syncSecret)) != 1 {
		return errBadSyncSecret
	}
	return nil
}

func (s *HTTPServer) handleGetMap(w http.ResponseWriter, r *http.Request, studyDesignID string) {
	if err := s.checkSyncSecret(r); err != nil {
		s.fail(w, err)
		return
	}

	design, err := s.store.GetStudyDesign(r.Context(), studyDesignID)
	if err != nil {
		s.fail(w, err)
		return
	}
	snapshot, err := s.store.LoadGraph(r.Context(), design.ID)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"studyDesignId": design.ID,
		"nodes":         snapshot.Nodes,
		"edges":         snapshot.Edges,
	})
}

func (s *HTTPServer) handlePostMap(w http.ResponseWriter, r *http.Request, studyDesignID string) {
	if err := s.checkSyncSecret(r); err != nil {
		s.fail(w, err)
		return
	}

	design, err := s.store.GetStudyDesign(r.Context(), studyDesignID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.rooms.Live(design.ID) {
		s.fail(w, errRoomLive)
		return
	}

	var body struct {
		Nodes map[string]json.RawMessage `json:"nodes"`
		Edges map[string]json.RawMessage `json:"edges"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	snapshot := crdt.NewSnapshot()
	for id, value := range body.Nodes {
		snapshot.Nodes[id] = value
	}
	for id, value := range body.Edges {
		snapshot.Edges[id] = value
	}

	stats, err := s.store.SaveGraph(r.Context(), design.ID, snapshot)
	if err != nil {
		s.logger.Error().Err(err).Str("study_design", design.ID).Msg("map import failed")
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"nodesCreated": stats.NodesCreated,
		"nodesUpdated": stats.NodesUpdated,
		"nodesDeleted": stats.NodesDeleted,
		"nodesDropped": stats.NodesDropped,
		"edgesCreated": stats.EdgesCreated,
		"edgesUpdated": stats.EdgesUpdated,
		"edgesDeleted": stats.EdgesDeleted,
		"edgesDropped": stats.EdgesDropped,
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Sync-Secret")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
