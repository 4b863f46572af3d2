// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// DefaultBackfillLimit is how many events one Backfill asks for.
const DefaultBackfillLimit = 100

// Puller pulls room history from remote servers: backfill behind the
// room's backward extremities, and the state of a room this server is
// entering.
type Puller struct {
	client   PullClient
	rooms    Rooms
	verifier Verifier
	logger   *slog.Logger
}

// NewPuller creates a Puller.
func NewPuller(client PullClient, rooms Rooms, verifier Verifier, logger *slog.Logger) *Puller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Puller{client: client, rooms: rooms, verifier: verifier, logger: logger}
}

// Backfill asks destination for up to limit events behind the room's
// backward extremities and stores them as outliers. It returns how
// many new events were stored.
func (p *Puller) Backfill(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultBackfillLimit
	}
	rules, err := p.rooms.RoomRules(ctx, roomID)
	if err != nil {
		return 0, err
	}
	from, err := p.rooms.BackwardExtremities(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if len(from) == 0 {
		return 0, nil
	}
	raws, err := p.client.Backfill(ctx, destination, roomID, from, limit)
	if err != nil {
		return 0, fmt.Errorf("federation: backfilling %s from %s: %w", roomID, destination, err)
	}

	events := make([]*pdu.Event, 0, len(raws))
	for _, raw := range raws {
		event, err := parseVerified(ctx, p.verifier, rules, raw)
		if err != nil {
			p.logger.Warn("dropping backfilled event",
				"room_id", roomID,
				"destination", destination,
				"error", err,
			)
			continue
		}
		if event.RoomID() != roomID {
			p.logger.Warn("dropping backfilled event from another room",
				"room_id", roomID,
				"event_id", event.ID(),
				"event_room_id", event.RoomID(),
			)
			continue
		}
		events = append(events, event)
	}
	// Oldest first, so auth events tend to be stored before the
	// events that cite them.
	slices.SortFunc(events, func(a, b *pdu.Event) int {
		return cmp.Or(cmp.Compare(a.Depth(), b.Depth()), a.ID().Compare(b.ID()))
	})

	stored := 0
	for _, event := range events {
		result := p.rooms.AdmitOutlier(ctx, event, destination)
		switch result.Outcome {
		case roomgraph.OutcomeOutlier, roomgraph.OutcomeAccepted:
			stored++
		case roomgraph.OutcomeRejected, roomgraph.OutcomeFailed:
			p.logger.Warn("backfilled event not stored",
				"room_id", roomID,
				"event_id", event.ID(),
				"outcome", result.Outcome,
				"error", result.Err,
			)
		}
	}
	p.logger.Info("backfilled room",
		"room_id", roomID,
		"destination", destination,
		"received", len(raws),
		"stored", stored,
	)
	return stored, nil
}

// ImportRoom enters a room this server does not know yet at eventID,
// taking the state before eventID and its auth chain from destination.
func (p *Puller) ImportRoom(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, eventID ref.EventID) (roomgraph.Result, error) {
	response, err := p.client.GetState(ctx, destination, roomID, eventID)
	if err != nil {
		return roomgraph.Result{}, fmt.Errorf("federation: fetching state of %s from %s: %w", roomID, destination, err)
	}
	rules, err := roomRulesFromState(response.PDUs, response.AuthChain)
	if err != nil {
		return roomgraph.Result{}, fmt.Errorf("federation: importing %s: %w", roomID, err)
	}

	state, err := p.parseAll(ctx, rules, roomID, response.PDUs)
	if err != nil {
		return roomgraph.Result{}, err
	}
	authChain, err := p.parseAll(ctx, rules, roomID, response.AuthChain)
	if err != nil {
		return roomgraph.Result{}, err
	}
	raw, err := p.client.GetEvent(ctx, destination, eventID)
	if err != nil {
		return roomgraph.Result{}, fmt.Errorf("federation: fetching %s from %s: %w", eventID, destination, err)
	}
	event, err := parseVerified(ctx, p.verifier, rules, raw)
	if err != nil {
		return roomgraph.Result{}, fmt.Errorf("federation: importing %s: %w", eventID, err)
	}
	if event.ID() != eventID || event.RoomID() != roomID {
		return roomgraph.Result{}, fmt.Errorf("federation: %s returned %s in %s for %s", destination, event.ID(), event.RoomID(), eventID)
	}

	result := p.rooms.AdmitWithState(ctx, event, destination, state, authChain)
	p.logger.Info("imported room",
		"room_id", roomID,
		"event_id", eventID,
		"destination", destination,
		"version", rules.ID,
		"state", len(state),
		"auth_chain", len(authChain),
		"outcome", result.Outcome,
	)
	return result, result.Err
}

// parseAll parses and verifies raws. Any failure fails the import: a
// state set with a bad event cannot be trusted as a whole.
func (p *Puller) parseAll(ctx context.Context, rules roomversion.Rules, roomID ref.RoomID, raws []json.RawMessage) ([]*pdu.Event, error) {
	events := make([]*pdu.Event, 0, len(raws))
	for _, raw := range raws {
		event, err := parseVerified(ctx, p.verifier, rules, raw)
		if err != nil {
			return nil, fmt.Errorf("federation: importing %s: %w", roomID, err)
		}
		if event.RoomID() != roomID {
			return nil, fmt.Errorf("federation: importing %s: state names %s from %s", roomID, event.ID(), event.RoomID())
		}
		events = append(events, event)
	}
	return events, nil
}

// roomRulesFromState finds the create event among sets and returns the
// rules of the version it declares.
func roomRulesFromState(sets ...[]json.RawMessage) (roomversion.Rules, error) {
	for _, set := range sets {
		for _, raw := range set {
			fields := gjson.GetManyBytes(raw, "type", "state_key", "content.room_version")
			if fields[0].String() != string(ref.EventTypeCreate) || !fields[1].Exists() || fields[1].String() != "" {
				continue
			}
			version := fields[2].String()
			if version == "" {
				version = "1"
			}
			return roomversion.Lookup(roomversion.ID(version))
		}
	}
	return roomversion.Rules{}, errors.New("state has no create event")
}
