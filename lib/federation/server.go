// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/netutil"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
)

const (
	// DefaultMaxTransactionSize bounds PUT /send bodies.
	DefaultMaxTransactionSize = 4 << 20

	// MaxBackfillLimit caps the limit a backfill request may ask for.
	MaxBackfillLimit = 100
)

// KeyServer is the key material the server needs. *keyring.Ring
// implements it.
type KeyServer interface {
	pdu.KeyResolver
	LocalDocument() ([]byte, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	ServerName ref.ServerName
	Rooms      Rooms
	Receiver   *Receiver
	Keys       KeyServer

	// MaxTransactionSize defaults to DefaultMaxTransactionSize.
	MaxTransactionSize int64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server serves the federation API.
type Server struct {
	serverName ref.ServerName
	rooms      Rooms
	receiver   *Receiver
	keys       KeyServer
	maxBody    int64
	clock      clock.Clock
	logger     *slog.Logger
}

// NewServer creates a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.ServerName.IsZero() || config.Rooms == nil || config.Receiver == nil || config.Keys == nil {
		return nil, errors.New("federation: server needs ServerName, Rooms, Receiver and Keys")
	}
	if config.MaxTransactionSize == 0 {
		config.MaxTransactionSize = DefaultMaxTransactionSize
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		serverName: config.ServerName,
		rooms:      config.Rooms,
		receiver:   config.Receiver,
		keys:       config.Keys,
		maxBody:    config.MaxTransactionSize,
		clock:      config.Clock,
		logger:     config.Logger,
	}, nil
}

// Handler returns the HTTP handler for the federation and key APIs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_matrix/federation/v1/send/{txnId}", s.handleSend)
	mux.HandleFunc("GET /_matrix/federation/v1/event/{eventId}", s.handleEvent)
	mux.HandleFunc("GET /_matrix/federation/v1/state/{roomId}", s.handleState)
	mux.HandleFunc("GET /_matrix/federation/v1/backfill/{roomId}", s.handleBackfill)
	mux.HandleFunc("GET /_matrix/key/v2/server", s.handleKeys)
	return mux
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := netutil.ReadRequest(r.Body, s.maxBody)
	if errors.Is(err, netutil.ErrBodyTooLarge) {
		writeError(w, newError(http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "transaction exceeds %d bytes", s.maxBody))
		return
	}
	if err != nil {
		writeError(w, newError(http.StatusBadRequest, ErrCodeNotJSON, "reading body: %v", err))
		return
	}
	origin, err := VerifyRequest(r.Context(), s.keys, s.serverName, r, body)
	if err != nil {
		writeError(w, err)
		return
	}
	var txn Transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		writeError(w, newError(http.StatusBadRequest, ErrCodeNotJSON, "decoding transaction: %v", err))
		return
	}

	txnID := r.PathValue("txnId")
	response, results, err := s.receiver.Receive(r.Context(), origin, txnID, txn)
	if err != nil {
		s.logger.Warn("transaction refused",
			"origin", origin,
			"txn_id", txnID,
			"error", err,
		)
		writeError(w, err)
		return
	}
	s.logger.Debug("transaction processed",
		"origin", origin,
		"txn_id", txnID,
		"pdus", len(txn.PDUs),
		"admitted", len(results),
	)
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	origin, err := VerifyRequest(r.Context(), s.keys, s.serverName, r, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := ref.ParseEventID(r.PathValue("eventId"))
	if err != nil {
		writeError(w, newError(http.StatusBadRequest, ErrCodeInvalidParam, "%v", err))
		return
	}
	event, err := s.rooms.EventByID(r.Context(), id)
	if err != nil {
		writeError(w, s.lookupError(err, "event %s", id))
		return
	}
	if err := s.requireJoined(r.Context(), event.RoomID(), origin); err != nil {
		writeError(w, err)
		return
	}
	s.writeEvents(w, []*pdu.Event{event})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	origin, err := VerifyRequest(r.Context(), s.keys, s.serverName, r, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	roomID, err := ref.ParseRoomID(r.PathValue("roomId"))
	if err != nil {
		writeError(w, newError(http.StatusBadRequest, ErrCodeInvalidParam, "%v", err))
		return
	}
	eventID, err := ref.ParseEventID(r.URL.Query().Get("event_id"))
	if err != nil {
		writeError(w, newError(http.StatusBadRequest, ErrCodeInvalidParam, "event_id: %v", err))
		return
	}
	if err := s.requireJoined(r.Context(), roomID, origin); err != nil {
		writeError(w, err)
		return
	}
	state, authChain, err := s.rooms.StateAt(r.Context(), roomID, eventID)
	if err != nil {
		writeError(w, s.lookupError(err, "state at %s", eventID))
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{PDUs: rawEvents(state), AuthChain: rawEvents(authChain)})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	origin, err := VerifyRequest(r.Context(), s.keys, s.serverName, r, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	roomID, err := ref.ParseRoomID(r.PathValue("roomId"))
	if err != nil {
		writeError(w, newError(http.StatusBadRequest, ErrCodeInvalidParam, "%v", err))
		return
	}
	query := r.URL.Query()
	limit, err := strconv.Atoi(query.Get("limit"))
	if err != nil || limit <= 0 {
		writeError(w, newError(http.StatusBadRequest, ErrCodeInvalidParam, "limit must be a positive integer"))
		return
	}
	limit = min(limit, MaxBackfillLimit)
	var from []ref.EventID
	for _, raw := range query["v"] {
		id, err := ref.ParseEventID(raw)
		if err != nil {
			writeError(w, newError(http.StatusBadRequest, ErrCodeInvalidParam, "v: %v", err))
			return
		}
		from = append(from, id)
	}
	if len(from) == 0 {
		writeError(w, newError(http.StatusBadRequest, ErrCodeInvalidParam, "at least one v is required"))
		return
	}
	if err := s.requireJoined(r.Context(), roomID, origin); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.rooms.History(r.Context(), roomID, from, limit)
	if err != nil {
		writeError(w, s.lookupError(err, "history of %s", roomID))
		return
	}
	s.writeEvents(w, events)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	document, err := s.keys.LocalDocument()
	if err != nil {
		s.logger.Error("building key document failed", "error", err)
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(document)
}

func (s *Server) writeEvents(w http.ResponseWriter, events []*pdu.Event) {
	writeJSON(w, http.StatusOK, eventResponse{
		Origin:         s.serverName.String(),
		OriginServerTS: clock.Millis(s.clock.Now()),
		PDUs:           rawEvents(events),
	})
}

// requireJoined refuses origin unless one of its users is joined to
// the room.
func (s *Server) requireJoined(ctx context.Context, roomID ref.RoomID, origin ref.ServerName) error {
	state, err := s.rooms.CurrentStateEvents(ctx, roomID)
	if err != nil {
		return s.lookupError(err, "room %s", roomID)
	}
	if !slices.Contains(JoinedServers(state), origin) {
		return newError(http.StatusForbidden, ErrCodeForbidden, "%s is not in %s", origin, roomID)
	}
	return nil
}

func (s *Server) lookupError(err error, format string, args ...any) error {
	if eventstore.IsNotFound(err) || errors.Is(err, roomgraph.ErrUnknownRoom) {
		return newError(http.StatusNotFound, ErrCodeNotFound, format+" not found", args...)
	}
	s.logger.Error("federation lookup failed", "error", err)
	return err
}
