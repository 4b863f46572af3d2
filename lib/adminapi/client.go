// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/netutil"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Client calls a Server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var (
	_ Query   = (*Client)(nil)
	_ Actions = (*Client)(nil)
)

// NewClient creates a Client for the admin API at baseURL (e.g.,
// "http://127.0.0.1:8009"). A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("adminapi: invalid base URL %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}, nil
}

// ListRooms implements Query.
func (c *Client) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	var rooms []RoomInfo
	err := c.do(ctx, http.MethodGet, "/admin/v1/rooms", nil, &rooms)
	return rooms, err
}

// GetRoomState implements Query.
func (c *Client) GetRoomState(ctx context.Context, roomID ref.RoomID) (RoomState, error) {
	var state RoomState
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "state"), nil, &state)
	return state, err
}

// GetEvent implements Query.
func (c *Client) GetEvent(ctx context.Context, eventID ref.EventID) (EventInfo, error) {
	var info EventInfo
	err := c.do(ctx, http.MethodGet, "/admin/v1/events/"+url.PathEscape(eventID.String()), nil, &info)
	return info, err
}

// ListForwardExtremities implements Query.
func (c *Client) ListForwardExtremities(ctx context.Context, roomID ref.RoomID) (Extremities, error) {
	var extremities Extremities
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "extremities"), nil, &extremities)
	return extremities, err
}

// ListBlocked implements Query.
func (c *Client) ListBlocked(ctx context.Context, roomID ref.RoomID) ([]BlockedEvent, error) {
	var blocked []BlockedEvent
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "blocked"), nil, &blocked)
	return blocked, err
}

// ListDestinations implements Query.
func (c *Client) ListDestinations(ctx context.Context) ([]DestinationInfo, error) {
	var destinations []DestinationInfo
	err := c.do(ctx, http.MethodGet, "/admin/v1/federation/destinations", nil, &destinations)
	return destinations, err
}

// ListDegradedOrigins implements Query.
func (c *Client) ListDegradedOrigins(ctx context.Context) ([]ref.ServerName, error) {
	var origins []ref.ServerName
	err := c.do(ctx, http.MethodGet, "/admin/v1/federation/degraded", nil, &origins)
	return origins, err
}

// CreateRoom implements Actions.
func (c *Client) CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	err := c.do(ctx, http.MethodPost, "/admin/v1/rooms", request, &response)
	return response.RoomID, err
}

// SendEvent implements Actions.
func (c *Client) SendEvent(ctx context.Context, request SendEventRequest) (SendEventResponse, error) {
	var response SendEventResponse
	err := c.do(ctx, http.MethodPost, roomPath(request.RoomID, "send"), request, &response)
	return response, err
}

// Backfill implements Actions.
func (c *Client) Backfill(ctx context.Context, request BackfillRequest) (BackfillResponse, error) {
	var response BackfillResponse
	err := c.do(ctx, http.MethodPost, roomPath(request.RoomID, "backfill"), request, &response)
	return response, err
}

// JoinRemoteRoom implements Actions.
func (c *Client) JoinRemoteRoom(ctx context.Context, request JoinRemoteRequest) (JoinRemoteResponse, error) {
	var response JoinRemoteResponse
	err := c.do(ctx, http.MethodPost, roomPath(request.RoomID, "join"), request, &response)
	return response, err
}

func roomPath(roomID ref.RoomID, suffix string) string {
	return "/admin/v1/rooms/" + url.PathEscape(roomID.String()) + "/" + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("adminapi: encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("adminapi: creating request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("adminapi: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		data, _ := netutil.ReadResponse(response.Body)
		adminErr := &Error{StatusCode: response.StatusCode}
		if json.Unmarshal(data, adminErr) != nil || adminErr.Code == "" {
			adminErr.Code = ErrCodeUnknown
			adminErr.Message = strings.TrimSpace(string(data))
		}
		return adminErr
	}
	if err := netutil.DecodeResponse(response.Body, result); err != nil {
		return fmt.Errorf("adminapi: decoding %s response: %w", path, err)
	}
	return nil
}
