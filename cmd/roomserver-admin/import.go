// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/roomserver/cmd/roomserver-admin/cli"
	"github.com/bureau-foundation/roomserver/lib/adminapi"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// fixture is a room script: an optional room to create followed by
// events to send in order. Fixture files are JSON with comments and
// trailing commas allowed.
type fixture struct {
	// RoomID targets an existing room. Exactly one of RoomID and
	// Create is set.
	RoomID ref.RoomID `json:"room_id,omitzero"`

	Create *adminapi.CreateRoomRequest `json:"create,omitempty"`

	Events []fixtureEvent `json:"events"`
}

type fixtureEvent struct {
	Sender   ref.UserID      `json:"sender"`
	Type     ref.EventType   `json:"type"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// importResult is what import prints: the room and the event ID of
// each fixture event, in order.
type importResult struct {
	RoomID ref.RoomID    `json:"room_id"`
	Events []ref.EventID `json:"events"`
}

// parseFixture reads a JSONC fixture.
func parseFixture(data []byte) (*fixture, error) {
	var parsed fixture
	if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	if parsed.RoomID.IsZero() == (parsed.Create == nil) {
		return nil, errors.New("fixture must set exactly one of room_id and create")
	}
	for i, event := range parsed.Events {
		if event.Sender.IsZero() || event.Type == "" {
			return nil, fmt.Errorf("fixture event %d: sender and type are required", i)
		}
	}
	return &parsed, nil
}

// run creates the fixture's room if asked and sends its events. It
// stops at the first refused event; events sent before it stay.
func (f *fixture) run(ctx context.Context, actions adminapi.Actions) (importResult, error) {
	result := importResult{RoomID: f.RoomID}
	if f.Create != nil {
		roomID, err := actions.CreateRoom(ctx, *f.Create)
		if err != nil {
			return result, fmt.Errorf("creating room: %w", err)
		}
		result.RoomID = roomID
	}
	for i, event := range f.Events {
		response, err := actions.SendEvent(ctx, adminapi.SendEventRequest{
			RoomID:   result.RoomID,
			Sender:   event.Sender,
			Type:     event.Type,
			StateKey: event.StateKey,
			Content:  event.Content,
		})
		if err != nil {
			return result, fmt.Errorf("fixture event %d (%s from %s): %w", i, event.Type, event.Sender, err)
		}
		result.Events = append(result.Events, response.EventID)
	}
	return result, nil
}

func (a *app) importCommand() *cli.Command {
	var c connection
	return &cli.Command{
		Name:    "import",
		Summary: "Replay a JSONC room fixture through the admin API",
		Usage:   "roomserver-admin import [flags] <fixture.jsonc>",
		Description: `Replay a room fixture: create a room (or target an existing one) and
send each listed event as its local sender.

A fixture is JSON that may contain comments and trailing commas:

    {
      // a fresh room
      "create": {"creator": "@alice:a.example", "name": "ops"},
      "events": [
        {"sender": "@alice:a.example", "type": "m.room.message",
         "content": {"msgtype": "m.text", "body": "hello"}},
        {"sender": "@alice:a.example", "type": "m.room.topic",
         "state_key": "", "content": {"topic": "incidents"}},
      ],
    }

Use "room_id" instead of "create" to append to an existing room. Import
stops at the first event the server refuses. Use "-" to read stdin.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("import", pflag.ContinueOnError)
			c.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "fixture"); err != nil {
				return err
			}
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("reading fixture: %w", err)
			}
			parsed, err := parseFixture(data)
			if err != nil {
				return err
			}
			client, err := a.client(&c)
			if err != nil {
				return err
			}
			result, err := parsed.run(context.Background(), client)
			if err != nil {
				if !result.RoomID.IsZero() {
					a.logger.Error("import stopped",
						"room_id", result.RoomID,
						"sent", len(result.Events),
						"of", len(parsed.Events),
					)
				}
				return err
			}
			a.logger.Info("imported fixture", "room_id", result.RoomID, "events", len(result.Events))
			return a.emit(&c, result, func(w io.Writer) error {
				fmt.Fprintln(w, result.RoomID)
				for _, id := range result.Events {
					fmt.Fprintf(w, "  %s\n", id)
				}
				return nil
			})
		},
	}
}
