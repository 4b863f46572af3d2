// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/roomserver/lib/keyring"
	"github.com/bureau-foundation/roomserver/lib/netutil"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// DefaultRequestTimeout bounds one federation request.
const DefaultRequestTimeout = 30 * time.Second

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Signer signs every request except key fetches. Required.
	Signer pdu.Signer

	// Destinations maps server names to base URLs (e.g.,
	// "https://matrix.b.example:8448"). Servers not listed are reached
	// at https://<server name>.
	Destinations map[ref.ServerName]string

	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client

	// RequestTimeout bounds each request. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// UserAgent, if set, is sent with every request.
	UserAgent string

	Logger *slog.Logger
}

// Client calls the federation API of remote servers.
type Client struct {
	signer       pdu.Signer
	destinations map[ref.ServerName]string
	httpClient   *http.Client
	timeout      time.Duration
	userAgent    string
	logger       *slog.Logger
}

var _ keyring.Fetcher = (*Client)(nil)

// NewClient creates a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Signer == nil {
		return nil, fmt.Errorf("federation: Signer is required")
	}
	destinations := make(map[ref.ServerName]string, len(config.Destinations))
	for server, base := range config.Destinations {
		if _, err := url.Parse(base); err != nil {
			return nil, fmt.Errorf("federation: invalid base URL %q for %s: %w", base, server, err)
		}
		destinations[server] = strings.TrimRight(base, "/")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		signer:       config.Signer,
		destinations: destinations,
		httpClient:   httpClient,
		timeout:      config.RequestTimeout,
		userAgent:    config.UserAgent,
		logger:       config.Logger,
	}, nil
}

// BaseURL returns where destination is reached.
func (c *Client) BaseURL(destination ref.ServerName) string {
	if base, ok := c.destinations[destination]; ok {
		return base
	}
	return "https://" + destination.String()
}

// SendTransaction delivers txn to destination under txnID.
func (c *Client) SendTransaction(ctx context.Context, destination ref.ServerName, txnID string, txn Transaction) (SendResponse, error) {
	body, err := json.Marshal(txn)
	if err != nil {
		return SendResponse{}, fmt.Errorf("federation: encoding transaction: %w", err)
	}
	path := "/_matrix/federation/v1/send/" + url.PathEscape(txnID)
	data, err := c.do(ctx, destination, http.MethodPut, path, nil, body, true)
	if err != nil {
		return SendResponse{}, err
	}
	var response SendResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return SendResponse{}, fmt.Errorf("federation: decoding send response from %s: %w", destination, err)
	}
	return response, nil
}

// GetEvent fetches one event from destination. The event is returned
// unparsed; its room version decides how to read it.
func (c *Client) GetEvent(ctx context.Context, destination ref.ServerName, id ref.EventID) (json.RawMessage, error) {
	path := "/_matrix/federation/v1/event/" + url.PathEscape(id.String())
	data, err := c.do(ctx, destination, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return nil, err
	}
	var response eventResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("federation: decoding event response from %s: %w", destination, err)
	}
	if len(response.PDUs) != 1 {
		return nil, fmt.Errorf("federation: %s returned %d events for %s", destination, len(response.PDUs), id)
	}
	return response.PDUs[0], nil
}

// GetState fetches the room state before eventID and its auth chain.
func (c *Client) GetState(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, eventID ref.EventID) (StateResponse, error) {
	path := "/_matrix/federation/v1/state/" + url.PathEscape(roomID.String())
	query := url.Values{"event_id": {eventID.String()}}
	data, err := c.do(ctx, destination, http.MethodGet, path, query, nil, true)
	if err != nil {
		return StateResponse{}, err
	}
	var response StateResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return StateResponse{}, fmt.Errorf("federation: decoding state response from %s: %w", destination, err)
	}
	return response, nil
}

// Backfill fetches up to limit events preceding from.
func (c *Client) Backfill(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, from []ref.EventID, limit int) ([]json.RawMessage, error) {
	path := "/_matrix/federation/v1/backfill/" + url.PathEscape(roomID.String())
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	for _, id := range from {
		query.Add("v", id.String())
	}
	data, err := c.do(ctx, destination, http.MethodGet, path, query, nil, true)
	if err != nil {
		return nil, err
	}
	var response eventResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("federation: decoding backfill response from %s: %w", destination, err)
	}
	return response.PDUs, nil
}

// FetchServerKeys fetches and checks server's key document.
func (c *Client) FetchServerKeys(ctx context.Context, server ref.ServerName) (keyring.ServerKeys, error) {
	data, err := c.do(ctx, server, http.MethodGet, "/_matrix/key/v2/server", nil, nil, false)
	if err != nil {
		return keyring.ServerKeys{}, err
	}
	return keyring.ParseDocument(server, data)
}

func (c *Client) do(ctx context.Context, destination ref.ServerName, method, path string, query url.Values, body []byte, signed bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	uri := path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.BaseURL(destination)+uri, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("federation: creating request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}
	if signed {
		authorization, err := SignRequest(c.signer, destination, method, uri, body)
		if err != nil {
			return nil, err
		}
		request.Header.Set("Authorization", authorization)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("federation: %s %s to %s failed: %w", method, path, destination, err)
	}
	defer response.Body.Close()

	data, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("federation: reading response from %s: %w", destination, err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return data, nil
	}

	var federationErr Error
	if jsonErr := json.Unmarshal(data, &federationErr); jsonErr != nil || federationErr.Code == "" {
		return nil, fmt.Errorf("federation: unexpected %d response from %s %s on %s: %s",
			response.StatusCode, method, path, destination, data)
	}
	federationErr.StatusCode = response.StatusCode
	return nil, &federationErr
}
