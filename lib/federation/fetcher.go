// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// PullClient is the part of Client used to pull events. *Client
// implements it.
type PullClient interface {
	GetEvent(ctx context.Context, destination ref.ServerName, id ref.EventID) (json.RawMessage, error)
	GetState(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, eventID ref.EventID) (StateResponse, error)
	Backfill(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, from []ref.EventID, limit int) ([]json.RawMessage, error)
}

// RemoteFetcher fetches missing events for the room graph. Concurrent
// requests for the same event share one round trip.
type RemoteFetcher struct {
	client   PullClient
	verifier Verifier
	group    singleflight.Group
}

var _ roomgraph.Fetcher = (*RemoteFetcher)(nil)

// NewRemoteFetcher creates a RemoteFetcher.
func NewRemoteFetcher(client PullClient, verifier Verifier) *RemoteFetcher {
	return &RemoteFetcher{client: client, verifier: verifier}
}

// FetchEvent asks origin for id and returns it parsed under rules
// with its signatures checked.
func (f *RemoteFetcher) FetchEvent(ctx context.Context, rules roomversion.Rules, origin ref.ServerName, id ref.EventID) (*pdu.Event, error) {
	key := origin.String() + "\x00" + id.String()
	value, err, _ := f.group.Do(key, func() (any, error) {
		raw, err := f.client.GetEvent(ctx, origin, id)
		if err != nil {
			return nil, err
		}
		return parseVerified(ctx, f.verifier, rules, raw)
	})
	if err != nil {
		return nil, fmt.Errorf("federation: fetching %s from %s: %w", id, origin, err)
	}
	return value.(*pdu.Event), nil
}

func parseVerified(ctx context.Context, verifier Verifier, rules roomversion.Rules, raw []byte) (*pdu.Event, error) {
	event, err := pdu.Parse(rules, raw)
	if err != nil {
		return nil, err
	}
	if err := verifier.Verify(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}
