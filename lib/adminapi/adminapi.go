// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package adminapi is the operator's view into the roomserver: room
// state, stored events with their admission records, extremities,
// blocked events and the federation queues.
//
// [Service] answers the queries in process. [Server] exposes them as
// JSON over HTTP, and [Client] is the matching HTTP client used by
// roomserver-admin. Queries never change anything. The optional
// actions (creating a room, sending an event, backfilling, joining
// over federation) go through the room graph like any local event.
package adminapi

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/federation"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// Query is the read surface. *Service and *Client implement it.
type Query interface {
	ListRooms(ctx context.Context) ([]RoomInfo, error)
	GetRoomState(ctx context.Context, roomID ref.RoomID) (RoomState, error)
	GetEvent(ctx context.Context, eventID ref.EventID) (EventInfo, error)
	ListForwardExtremities(ctx context.Context, roomID ref.RoomID) (Extremities, error)
	ListBlocked(ctx context.Context, roomID ref.RoomID) ([]BlockedEvent, error)
	ListDestinations(ctx context.Context) ([]DestinationInfo, error)
	ListDegradedOrigins(ctx context.Context) ([]ref.ServerName, error)
}

// Actions change rooms on behalf of local users. *Service and *Client
// implement it.
type Actions interface {
	CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error)
	SendEvent(ctx context.Context, request SendEventRequest) (SendEventResponse, error)
	Backfill(ctx context.Context, request BackfillRequest) (BackfillResponse, error)
	JoinRemoteRoom(ctx context.Context, request JoinRemoteRequest) (JoinRemoteResponse, error)
}

// RoomInfo is a stored room record.
type RoomInfo struct {
	RoomID             ref.RoomID     `json:"room_id"`
	Version            roomversion.ID `json:"room_version"`
	CreatedAt          time.Time      `json:"created_at"`
	Inconsistent       bool           `json:"inconsistent,omitempty"`
	InconsistentReason string         `json:"inconsistent_reason,omitempty"`
}

// StateEntry is one key of a room's state.
type StateEntry struct {
	Type     ref.EventType   `json:"type"`
	StateKey string          `json:"state_key"`
	EventID  ref.EventID     `json:"event_id"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// RoomState is the current state of a room, sorted by key.
type RoomState struct {
	RoomID  ref.RoomID   `json:"room_id"`
	Digest  string       `json:"digest"`
	Entries []StateEntry `json:"state"`
}

// EventInfo is a stored event with its admission record.
type EventInfo struct {
	Event          json.RawMessage `json:"event"`
	EventID        ref.EventID     `json:"event_id"`
	RoomID         ref.RoomID      `json:"room_id"`
	StreamPosition int64           `json:"stream_position"`
	Depth          int64           `json:"depth"`
	Rejected       bool            `json:"rejected,omitempty"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	SoftFailed     bool            `json:"soft_failed,omitempty"`
	Outlier        bool            `json:"outlier,omitempty"`
	RedactedBy     ref.EventID     `json:"redacted_by,omitzero"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// Extremities are the edges of a room's known graph.
type Extremities struct {
	RoomID   ref.RoomID    `json:"room_id"`
	Forward  []ref.EventID `json:"forward"`
	Backward []ref.EventID `json:"backward"`
}

// BlockedEvent is an event parked for dependencies that never arrived.
type BlockedEvent struct {
	EventID   ref.EventID     `json:"event_id"`
	Missing   []ref.EventID   `json:"missing"`
	Reason    string          `json:"reason"`
	BlockedAt time.Time       `json:"blocked_at"`
	Event     json.RawMessage `json:"event"`
}

// DestinationInfo is the outbound queue of one remote server.
type DestinationInfo struct {
	Destination    ref.ServerName `json:"destination"`
	Queued         int            `json:"queued"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	AbandonedUntil time.Time      `json:"abandoned_until,omitzero"`
}

// CreateRoomRequest asks for a new room created by a local user.
type CreateRoomRequest struct {
	Creator  ref.UserID     `json:"creator"`
	Version  roomversion.ID `json:"room_version,omitempty"`
	JoinRule string         `json:"join_rule,omitempty"`
	Name     string         `json:"name,omitempty"`
	Topic    string         `json:"topic,omitempty"`
}

// SendEventRequest asks for an event sent by a local user. A nil
// StateKey sends a message event.
type SendEventRequest struct {
	RoomID   ref.RoomID      `json:"room_id"`
	Sender   ref.UserID      `json:"sender"`
	Type     ref.EventType   `json:"type"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content"`
	Redacts  ref.EventID     `json:"redacts,omitzero"`
}

// SendEventResponse reports the admitted event and the destinations
// it could not be queued for.
type SendEventResponse struct {
	EventID ref.EventID       `json:"event_id"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// BackfillRequest asks destination for history behind the room's
// backward extremities.
type BackfillRequest struct {
	RoomID      ref.RoomID     `json:"room_id"`
	Destination ref.ServerName `json:"destination"`
	Limit       int            `json:"limit,omitempty"`
}

// BackfillResponse reports how many events were stored.
type BackfillResponse struct {
	Stored int `json:"stored"`
}

// JoinRemoteRequest enters a room held by destination at EventID,
// typically a join event of a local user the remote server accepted.
type JoinRemoteRequest struct {
	RoomID      ref.RoomID     `json:"room_id"`
	Destination ref.ServerName `json:"destination"`
	EventID     ref.EventID    `json:"event_id"`
}

// JoinRemoteResponse reports the admission outcome of EventID.
type JoinRemoteResponse struct {
	Outcome roomgraph.Outcome `json:"outcome"`
	State   int               `json:"state"`
}

// ErrActionsDisabled is returned for actions on a Service configured
// without the collaborators they need.
var ErrActionsDisabled = errors.New("adminapi: action not available on this server")

// Config configures a Service. Manager and Store are required; the
// federation collaborators are optional and the operations that need
// them return ErrActionsDisabled without them.
type Config struct {
	Manager *roomgraph.Manager
	Store   *eventstore.Store

	Sender *federation.Sender
	Puller *federation.Puller

	// DefaultVersion is the version of rooms created without one.
	// Empty leaves the choice to roomgraph.
	DefaultVersion roomversion.ID

	Logger *slog.Logger
}

// Service answers admin queries and actions in process.
type Service struct {
	manager *roomgraph.Manager
	store   *eventstore.Store
	sender  *federation.Sender
	puller  *federation.Puller
	version roomversion.ID
	logger  *slog.Logger
}

var (
	_ Query   = (*Service)(nil)
	_ Actions = (*Service)(nil)
)

// NewService creates a Service.
func NewService(config Config) (*Service, error) {
	if config.Manager == nil || config.Store == nil {
		return nil, errors.New("adminapi: Manager and Store are required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		manager: config.Manager,
		store:   config.Store,
		sender:  config.Sender,
		puller:  config.Puller,
		version: config.DefaultVersion,
		logger:  config.Logger,
	}, nil
}

// ListRooms returns every stored room.
func (s *Service) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	rooms, err := s.store.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, RoomInfo{
			RoomID:             room.RoomID,
			Version:            room.Version,
			CreatedAt:          room.CreatedAt.UTC(),
			Inconsistent:       room.Inconsistent,
			InconsistentReason: room.InconsistentReason,
		})
	}
	return infos, nil
}

// GetRoomState returns the room's current state with the content of
// each state event.
func (s *Service) GetRoomState(ctx context.Context, roomID ref.RoomID) (RoomState, error) {
	state, err := s.manager.CurrentState(ctx, roomID)
	if err != nil {
		return RoomState{}, err
	}
	events, err := s.store.LoadEvents(ctx, state.EventIDs())
	if err != nil {
		return RoomState{}, err
	}
	result := RoomState{RoomID: roomID, Digest: state.Digest().String()}
	for _, key := range state.Keys() {
		id, _ := state.Get(key)
		entry := StateEntry{Type: key.Type, StateKey: key.StateKey, EventID: id}
		if event, ok := events[id]; ok {
			entry.Content = event.Content()
		}
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

// GetEvent returns a stored event, in whatever form it is stored
// (redacted events come back redacted), and its admission record.
func (s *Service) GetEvent(ctx context.Context, eventID ref.EventID) (EventInfo, error) {
	event, err := s.store.Get(ctx, eventID)
	if err != nil {
		return EventInfo{}, err
	}
	meta, err := s.store.GetMeta(ctx, eventID)
	if err != nil {
		return EventInfo{}, err
	}
	return EventInfo{
		Event:          event.JSON(),
		EventID:        meta.EventID,
		RoomID:         meta.RoomID,
		StreamPosition: meta.StreamPosition,
		Depth:          meta.Depth,
		Rejected:       meta.Rejected,
		RejectReason:   meta.RejectReason,
		SoftFailed:     meta.SoftFailed,
		Outlier:        meta.Outlier,
		RedactedBy:     meta.RedactedBy,
		ReceivedAt:     meta.ReceivedAt.UTC(),
	}, nil
}

// ListForwardExtremities returns both extremity sets of the room.
func (s *Service) ListForwardExtremities(ctx context.Context, roomID ref.RoomID) (Extremities, error) {
	if _, err := s.manager.RoomRules(ctx, roomID); err != nil {
		return Extremities{}, err
	}
	forward, err := s.manager.ForwardExtremities(ctx, roomID)
	if err != nil {
		return Extremities{}, err
	}
	backward, err := s.manager.BackwardExtremities(ctx, roomID)
	if err != nil {
		return Extremities{}, err
	}
	return Extremities{
		RoomID:   roomID,
		Forward:  nonNil(forward),
		Backward: nonNil(backward),
	}, nil
}

// ListBlocked returns the room's blocked events, oldest first.
func (s *Service) ListBlocked(ctx context.Context, roomID ref.RoomID) ([]BlockedEvent, error) {
	blocked, err := s.store.ListBlocked(ctx, roomID)
	if err != nil {
		return nil, err
	}
	result := make([]BlockedEvent, 0, len(blocked))
	for _, entry := range blocked {
		result = append(result, BlockedEvent{
			EventID:   entry.EventID,
			Missing:   nonNil(entry.Missing),
			Reason:    entry.Reason,
			BlockedAt: entry.BlockedAt.UTC(),
			Event:     entry.JSON,
		})
	}
	return result, nil
}

// ListDestinations returns the outbound queues, sorted by destination.
// Without a Sender the list is empty.
func (s *Service) ListDestinations(ctx context.Context) ([]DestinationInfo, error) {
	if s.sender == nil {
		return []DestinationInfo{}, nil
	}
	status := s.sender.Status()
	result := make([]DestinationInfo, 0, len(status))
	for _, entry := range status {
		result = append(result, DestinationInfo{
			Destination:    entry.Destination,
			Queued:         entry.Queued,
			Attempts:       entry.Attempts,
			LastError:      entry.LastError,
			AbandonedUntil: entry.AbandonedUntil.UTC(),
		})
	}
	slices.SortFunc(result, func(a, b DestinationInfo) int {
		return cmp.Compare(a.Destination.String(), b.Destination.String())
	})
	return result, nil
}

// ListDegradedOrigins returns the origins the room graph currently
// distrusts.
func (s *Service) ListDegradedOrigins(ctx context.Context) ([]ref.ServerName, error) {
	return nonNil(s.manager.DegradedOrigins()), nil
}

// CreateRoom creates a room.
func (s *Service) CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	if err := s.requireLocal(request.Creator); err != nil {
		return ref.RoomID{}, err
	}
	roomID, err := s.manager.CreateRoom(ctx, roomgraph.CreateRoomRequest{
		Creator:  request.Creator,
		Version:  cmp.Or(request.Version, s.version),
		JoinRule: request.JoinRule,
		Name:     request.Name,
		Topic:    request.Topic,
	})
	if err != nil {
		return ref.RoomID{}, err
	}
	s.logger.Info("admin created room", "room_id", roomID, "creator", request.Creator)
	return roomID, nil
}

// SendEvent submits an event as a local user and queues it for every
// other server in the room.
func (s *Service) SendEvent(ctx context.Context, request SendEventRequest) (SendEventResponse, error) {
	if request.RoomID.IsZero() || request.Type == "" {
		return SendEventResponse{}, &Error{Code: ErrCodeInvalidParam, Message: "room_id and type are required", StatusCode: http.StatusBadRequest}
	}
	if err := s.requireLocal(request.Sender); err != nil {
		return SendEventResponse{}, err
	}
	content := request.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	event, err := s.manager.SubmitLocal(ctx, roomgraph.EventRequest{
		RoomID:   request.RoomID,
		Sender:   request.Sender,
		Type:     request.Type,
		StateKey: request.StateKey,
		Content:  content,
		Redacts:  request.Redacts,
	})
	if err != nil {
		return SendEventResponse{}, err
	}
	response := SendEventResponse{EventID: event.ID()}
	if s.sender != nil {
		state, err := s.manager.CurrentStateEvents(ctx, request.RoomID)
		if err != nil {
			return SendEventResponse{}, err
		}
		for destination, err := range s.sender.Broadcast(event, state) {
			if response.Failed == nil {
				response.Failed = make(map[string]string)
			}
			response.Failed[destination.String()] = err.Error()
		}
	}
	s.logger.Info("admin sent event",
		"room_id", request.RoomID,
		"event_id", event.ID(),
		"type", request.Type,
		"sender", request.Sender,
		"failed_destinations", len(response.Failed),
	)
	return response, nil
}

// Backfill pulls history behind the room's backward extremities.
func (s *Service) Backfill(ctx context.Context, request BackfillRequest) (BackfillResponse, error) {
	if s.puller == nil {
		return BackfillResponse{}, ErrActionsDisabled
	}
	if request.Destination.IsZero() {
		return BackfillResponse{}, &Error{Code: ErrCodeInvalidParam, Message: "destination is required", StatusCode: http.StatusBadRequest}
	}
	stored, err := s.puller.Backfill(ctx, request.Destination, request.RoomID, request.Limit)
	if err != nil {
		return BackfillResponse{}, err
	}
	return BackfillResponse{Stored: stored}, nil
}

// JoinRemoteRoom imports a room from destination at request.EventID.
func (s *Service) JoinRemoteRoom(ctx context.Context, request JoinRemoteRequest) (JoinRemoteResponse, error) {
	if s.puller == nil {
		return JoinRemoteResponse{}, ErrActionsDisabled
	}
	if request.Destination.IsZero() || request.EventID.IsZero() {
		return JoinRemoteResponse{}, &Error{Code: ErrCodeInvalidParam, Message: "destination and event_id are required", StatusCode: http.StatusBadRequest}
	}
	result, err := s.puller.ImportRoom(ctx, request.Destination, request.RoomID, request.EventID)
	if err != nil {
		return JoinRemoteResponse{}, err
	}
	state, err := s.manager.CurrentState(ctx, request.RoomID)
	if err != nil {
		return JoinRemoteResponse{}, err
	}
	return JoinRemoteResponse{Outcome: result.Outcome, State: state.Len()}, nil
}

// requireLocal refuses users of other servers: this server can only
// sign for its own.
func (s *Service) requireLocal(user ref.UserID) error {
	if user.IsZero() || user.Server() != s.manager.ServerName() {
		return &Error{
			Code:       ErrCodeForbidden,
			Message:    fmt.Sprintf("%q is not a user of %s", user, s.manager.ServerName()),
			StatusCode: http.StatusForbidden,
		}
	}
	return nil
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
