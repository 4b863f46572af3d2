// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adminapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/netutil"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
)

// maxRequestSize bounds action request bodies.
const maxRequestSize = 1 << 20

// Error codes of admin error responses.
const (
	ErrCodeNotFound     = "M_NOT_FOUND"
	ErrCodeForbidden    = "M_FORBIDDEN"
	ErrCodeBadJSON      = "M_BAD_JSON"
	ErrCodeInvalidParam = "M_INVALID_PARAM"
	ErrCodeConflict     = "M_CONFLICT"
	ErrCodeUnrecognized = "M_UNRECOGNIZED"
	ErrCodeUnknown      = "M_UNKNOWN"
)

// Error is an admin API error response. Category carries
// roomgraph.Category for errors from admission.
type Error struct {
	Code       string `json:"errcode"`
	Category   string `json:"category,omitempty"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("adminapi: %s (%d, %s): %s", e.Code, e.StatusCode, e.Category, e.Message)
	}
	return fmt.Sprintf("adminapi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the admin API.
func IsNotFound(err error) bool {
	var adminErr *Error
	return errors.As(err, &adminErr) && adminErr.StatusCode == http.StatusNotFound
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Query answers the read endpoints. Required.
	Query Query

	// Actions, when set, enables the POST endpoints. A nil Actions
	// serves a read-only API.
	Actions Actions

	Logger *slog.Logger
}

// Server serves the admin API as JSON over HTTP.
type Server struct {
	query   Query
	actions Actions
	logger  *slog.Logger
}

// NewServer creates a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Query == nil {
		return nil, errors.New("adminapi: Query is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{query: config.Query, actions: config.Actions, logger: config.Logger}, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /admin/v1/rooms", s.handleListRooms)
	mux.HandleFunc("GET /admin/v1/rooms/{roomId}/state", s.handleRoomState)
	mux.HandleFunc("GET /admin/v1/rooms/{roomId}/extremities", s.handleExtremities)
	mux.HandleFunc("GET /admin/v1/rooms/{roomId}/blocked", s.handleBlocked)
	mux.HandleFunc("GET /admin/v1/events/{eventId}", s.handleEvent)
	mux.HandleFunc("GET /admin/v1/federation/destinations", s.handleDestinations)
	mux.HandleFunc("GET /admin/v1/federation/degraded", s.handleDegraded)

	if s.actions != nil {
		mux.HandleFunc("POST /admin/v1/rooms", s.handleCreateRoom)
		mux.HandleFunc("POST /admin/v1/rooms/{roomId}/send", s.handleSend)
		mux.HandleFunc("POST /admin/v1/rooms/{roomId}/backfill", s.handleBackfill)
		mux.HandleFunc("POST /admin/v1/rooms/{roomId}/join", s.handleJoin)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.query.ListRooms(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleRoomState(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.roomID(w, r)
	if !ok {
		return
	}
	state, err := s.query.GetRoomState(r.Context(), roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleExtremities(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.roomID(w, r)
	if !ok {
		return
	}
	extremities, err := s.query.ListForwardExtremities(r.Context(), roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, extremities)
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.roomID(w, r)
	if !ok {
		return
	}
	blocked, err := s.query.ListBlocked(r.Context(), roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, blocked)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := ref.ParseEventID(r.PathValue("eventId"))
	if err != nil {
		s.writeError(w, &Error{Code: ErrCodeInvalidParam, Message: err.Error(), StatusCode: http.StatusBadRequest})
		return
	}
	info, err := s.query.GetEvent(r.Context(), eventID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	destinations, err := s.query.ListDestinations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, destinations)
}

func (s *Server) handleDegraded(w http.ResponseWriter, r *http.Request) {
	origins, err := s.query.ListDegradedOrigins(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, origins)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var request CreateRoomRequest
	if !s.decode(w, r, &request) {
		return
	}
	roomID, err := s.actions.CreateRoom(r.Context(), request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]ref.RoomID{"room_id": roomID})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.roomID(w, r)
	if !ok {
		return
	}
	var request SendEventRequest
	if !s.decode(w, r, &request) {
		return
	}
	request.RoomID = roomID
	response, err := s.actions.SendEvent(r.Context(), request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.roomID(w, r)
	if !ok {
		return
	}
	var request BackfillRequest
	if !s.decode(w, r, &request) {
		return
	}
	request.RoomID = roomID
	response, err := s.actions.Backfill(r.Context(), request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.roomID(w, r)
	if !ok {
		return
	}
	var request JoinRemoteRequest
	if !s.decode(w, r, &request) {
		return
	}
	request.RoomID = roomID
	response, err := s.actions.JoinRemoteRoom(r.Context(), request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) roomID(w http.ResponseWriter, r *http.Request) (ref.RoomID, bool) {
	roomID, err := ref.ParseRoomID(r.PathValue("roomId"))
	if err != nil {
		s.writeError(w, &Error{Code: ErrCodeInvalidParam, Message: err.Error(), StatusCode: http.StatusBadRequest})
		return ref.RoomID{}, false
	}
	return roomID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, value any) bool {
	body, err := netutil.ReadRequest(r.Body, maxRequestSize)
	if err == nil {
		err = json.Unmarshal(body, value)
	}
	if err != nil {
		s.writeError(w, &Error{Code: ErrCodeBadJSON, Message: fmt.Sprintf("invalid request body: %v", err), StatusCode: http.StatusBadRequest})
		return false
	}
	return true
}

// writeJSON encodes value as JSON into w. An encoding failure means
// the client went away, so it is only logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Warn("writing JSON response", "error", err, "status", status)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	adminErr := toError(err)
	if adminErr.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", "error", err)
	}
	s.writeJSON(w, adminErr.StatusCode, adminErr)
}

// toError maps err to a response. Lookups that find nothing are 404;
// admission errors map by roomgraph.Category.
func toError(err error) *Error {
	var adminErr *Error
	if errors.As(err, &adminErr) {
		return adminErr
	}
	switch {
	case eventstore.IsNotFound(err), errors.Is(err, roomgraph.ErrUnknownRoom):
		return &Error{Code: ErrCodeNotFound, Message: err.Error(), StatusCode: http.StatusNotFound}
	case errors.Is(err, ErrActionsDisabled):
		return &Error{Code: ErrCodeUnrecognized, Message: err.Error(), StatusCode: http.StatusNotImplemented}
	}
	category := roomgraph.Category(err)
	switch category {
	case roomgraph.CategoryForbidden:
		return &Error{Code: ErrCodeForbidden, Category: category, Message: err.Error(), StatusCode: http.StatusForbidden}
	case roomgraph.CategoryMalformed:
		return &Error{Code: ErrCodeBadJSON, Category: category, Message: err.Error(), StatusCode: http.StatusBadRequest}
	case roomgraph.CategoryStaleStateRetry, roomgraph.CategoryIntegrity:
		return &Error{Code: ErrCodeConflict, Category: category, Message: err.Error(), StatusCode: http.StatusConflict}
	}
	return &Error{Code: ErrCodeUnknown, Category: category, Message: err.Error(), StatusCode: http.StatusInternalServerError}
}
