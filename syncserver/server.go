// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncserver is a reference timesync server: the record routes used by
// remote.HTTPClient backed by memory or PostgreSQL storage and guarded by JWT.
package syncserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mobiletoly/go-timesync/internal/auth"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/mobiletoly/go-timesync/remote"
)

// MaxBodyBytes bounds a single record upload.
const MaxBodyBytes = 1 << 20

// Error codes of ErrorResponse.
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidRecord  = "invalid_record"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInternal       = "internal_error"
)

// Server serves the record routes for authenticated users.
type Server struct {
	storage Storage
	auth    *JWTAuth
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the server clock used for change times.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a server over storage. A nil jwtAuth disables authentication and every
// request acts as the user named by the X-User-ID header, "anonymous" when absent.
func New(storage Storage, jwtAuth *JWTAuth, opts ...Option) *Server {
	s := &Server{storage: storage, auth: jwtAuth, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth != nil {
		s.auth.logger = s.logger
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /v1/changes", s.guard(s.handleChanges))
	mux.Handle("POST /v1/{kind}", s.guard(s.handleCreate))
	mux.Handle("PUT /v1/{kind}/{remote_id}", s.guard(s.handleUpdate))
	mux.Handle("DELETE /v1/{kind}/{remote_id}", s.guard(s.handleDelete))
	return LoggingMiddleware(mux, s.logger)
}

func (s *Server) guard(h http.HandlerFunc) http.Handler {
	if s.auth != nil {
		return s.auth.Middleware(h)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-User-ID")
		if user == "" {
			user = "anonymous"
		}
		h(w, r.WithContext(auth.SetAuthContext(r.Context(), user, "")))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "go-timesync"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing user")
		return
	}
	rec, ok := s.readRecord(w, r)
	if !ok {
		return
	}
	rec.Common().RemoteID = nil
	if err := validateIncoming(rec); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidRecord, err.Error())
		return
	}
	stored, err := s.storage.Create(r.Context(), userID, rec, s.now())
	if err != nil {
		s.internalError(w, "create", err)
		return
	}
	s.logger.Debug("Created record", "user", userID, "kind", rec.Kind(), "id", rec.Common().ID,
		"remote_id", *stored.Common().RemoteID)
	s.writeRecord(w, http.StatusCreated, stored)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing user")
		return
	}
	remoteID, ok := parseRemoteID(w, r)
	if !ok {
		return
	}
	rec, ok := s.readRecord(w, r)
	if !ok {
		return
	}
	rec.Common().RemoteID = &remoteID
	if err := validateIncoming(rec); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidRecord, err.Error())
		return
	}
	stored, err := s.storage.Update(r.Context(), userID, rec, s.now())
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s %d not found", rec.Kind(), remoteID))
		return
	}
	if err != nil {
		s.internalError(w, "update", err)
		return
	}
	s.writeRecord(w, http.StatusOK, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing user")
		return
	}
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	remoteID, ok := parseRemoteID(w, r)
	if !ok {
		return
	}
	err := s.storage.Delete(r.Context(), userID, kind, remoteID, s.now())
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s %d not found", kind, remoteID))
		return
	}
	if err != nil {
		s.internalError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing user")
		return
	}
	q := r.URL.Query()
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t.UTC()
	}
	windowDays := 0
	if v := q.Get("window_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "window_days must be a non-negative integer")
			return
		}
		windowDays = n
	}

	now := s.now().UTC()
	from := ChangesFrom(since, windowDays, now)
	records, err := s.storage.Changes(r.Context(), userID, from)
	if err != nil {
		s.internalError(w, "changes", err)
		return
	}
	changes, err := remote.EncodeChanges(records)
	if err != nil {
		s.internalError(w, "changes", err)
		return
	}
	s.logger.Debug("Serving changes", "user", userID, "from", from, "count", len(changes))
	writeJSON(w, http.StatusOK, remote.ChangesResponse{Changes: changes, ServerTime: now})
}

// ChangesFrom is the lower bound of a change feed: since, but never older than
// windowDays before now when a window is given.
func ChangesFrom(since time.Time, windowDays int, now time.Time) time.Time {
	from := since
	if windowDays > 0 {
		if floor := now.AddDate(0, 0, -windowDays); floor.After(from) {
			from = floor
		}
	}
	return from
}

func (s *Server) readRecord(w http.ResponseWriter, r *http.Request) (models.Record, bool) {
	kind, ok := parseKind(w, r)
	if !ok {
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read body")
		return nil, false
	}
	rec, err := models.DecodeRecord(kind, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return nil, false
	}
	return rec, true
}

// validateIncoming checks an upload. Uploads are pending changes by definition, so
// the remote-id-or-pending rule is checked with SyncPending set.
func validateIncoming(rec models.Record) error {
	probe := rec.Clone()
	probe.Common().SyncPending = true
	return models.Validate(probe)
}

func parseKind(w http.ResponseWriter, r *http.Request) (models.Kind, bool) {
	kind := models.Kind(r.PathValue("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("unknown kind %q", kind))
		return "", false
	}
	return kind, true
}

func parseRemoteID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("remote_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "remote_id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) writeRecord(w http.ResponseWriter, status int, rec models.Record) {
	body, err := models.EncodeRecord(rec)
	if err != nil {
		s.internalError(w, "encode", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("Request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, CodeInternal, "failed to "+op)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, remote.ErrorResponse{Error: code, Message: message})
}

// LoggingMiddleware logs one line per request with its status and duration.
func LoggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		level := slog.LevelDebug
		if wrapped.statusCode >= 500 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start).String())
	})
}

// responseWriter captures the status code for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
