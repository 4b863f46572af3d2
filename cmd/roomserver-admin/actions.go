// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomserver/cmd/roomserver-admin/cli"
	"github.com/bureau-foundation/roomserver/lib/adminapi"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

func (a *app) createRoomCommand() *cli.Command {
	var (
		c        connection
		creator  string
		version  string
		joinRule string
		name     string
		topic    string
	)
	return &cli.Command{
		Name:    "create-room",
		Summary: "Create a room as a local user",
		Usage:   "roomserver-admin create-room --creator <user-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create-room", pflag.ContinueOnError)
			c.register(flagSet)
			flagSet.StringVar(&creator, "creator", "", "local user who creates the room (required)")
			flagSet.StringVar(&version, "room-version", "", "room version (default: the server's room.default_version)")
			flagSet.StringVar(&joinRule, "join-rule", "", "join rule: invite or public (default: invite)")
			flagSet.StringVar(&name, "name", "", "room name")
			flagSet.StringVar(&topic, "topic", "", "room topic")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args); err != nil {
				return err
			}
			creatorID, err := ref.ParseUserID(creator)
			if err != nil {
				return cli.Usagef("--creator: %v", err)
			}
			client, err := a.client(&c)
			if err != nil {
				return err
			}
			roomID, err := client.CreateRoom(context.Background(), adminapi.CreateRoomRequest{
				Creator:  creatorID,
				Version:  roomversion.ID(version),
				JoinRule: joinRule,
				Name:     name,
				Topic:    topic,
			})
			if err != nil {
				return err
			}
			a.logger.Debug("created room", "room_id", roomID)
			return a.emit(&c, map[string]ref.RoomID{"room_id": roomID}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, roomID)
				return err
			})
		},
		Examples: []cli.Example{
			{
				Description: "Create a named room",
				Command:     "roomserver-admin create-room --creator @alice:a.example --name operations",
			},
		},
	}
}

func (a *app) sendCommand() *cli.Command {
	var (
		c        connection
		sender   string
		kind     string
		stateKey string
		content  string
		redacts  string
	)
	var flagSet *pflag.FlagSet
	return &cli.Command{
		Name:    "send",
		Summary: "Send an event into a room as a local user",
		Usage:   "roomserver-admin send [flags] <room-id>",
		Description: `Send an event into a room as a local user.

The event is admitted locally and queued for every other server joined
to the room. Passing --state-key (even "") makes it a state event.`,
		Flags: func() *pflag.FlagSet {
			flagSet = pflag.NewFlagSet("send", pflag.ContinueOnError)
			c.register(flagSet)
			flagSet.StringVar(&sender, "sender", "", "local user sending the event (required)")
			flagSet.StringVar(&kind, "type", "m.room.message", "event type")
			flagSet.StringVar(&stateKey, "state-key", "", "state key; makes this a state event")
			flagSet.StringVar(&content, "content", "{}", "event content as a JSON object")
			flagSet.StringVar(&redacts, "redacts", "", "event ID this event redacts")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "room-id"); err != nil {
				return err
			}
			roomID, err := parseRoomArg(args[0])
			if err != nil {
				return err
			}
			senderID, err := ref.ParseUserID(sender)
			if err != nil {
				return cli.Usagef("--sender: %v", err)
			}
			if !json.Valid([]byte(content)) {
				return cli.Usagef("--content is not valid JSON")
			}
			request := adminapi.SendEventRequest{
				RoomID:  roomID,
				Sender:  senderID,
				Type:    ref.EventType(kind),
				Content: json.RawMessage(content),
			}
			if flagSet.Changed("state-key") {
				request.StateKey = &stateKey
			}
			if redacts != "" {
				request.Redacts, err = ref.ParseEventID(redacts)
				if err != nil {
					return cli.Usagef("--redacts: %v", err)
				}
			}
			client, err := a.client(&c)
			if err != nil {
				return err
			}
			response, err := client.SendEvent(context.Background(), request)
			if err != nil {
				return err
			}
			a.warnFailed(response.Failed)
			return a.emit(&c, response, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, response.EventID)
				return err
			})
		},
		Examples: []cli.Example{
			{
				Description: "Send a text message",
				Command:     `roomserver-admin send --sender @alice:a.example --content '{"msgtype":"m.text","body":"hi"}' '!abc:a.example'`,
			},
			{
				Description: "Change the room topic",
				Command:     `roomserver-admin send --sender @alice:a.example --type m.room.topic --state-key "" --content '{"topic":"ops"}' '!abc:a.example'`,
			},
		},
	}
}

// warnFailed logs the destinations an event could not be queued for.
func (a *app) warnFailed(failed map[string]string) {
	destinations := make([]string, 0, len(failed))
	for destination := range failed {
		destinations = append(destinations, destination)
	}
	sort.Strings(destinations)
	for _, destination := range destinations {
		a.logger.Warn("event not queued for destination", "destination", destination, "error", failed[destination])
	}
}

func (a *app) backfillCommand() *cli.Command {
	var (
		c     connection
		from  string
		limit int
	)
	return &cli.Command{
		Name:    "backfill",
		Summary: "Pull older history of a room from a remote server",
		Usage:   "roomserver-admin backfill --from <server> [flags] <room-id>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("backfill", pflag.ContinueOnError)
			c.register(flagSet)
			flagSet.StringVar(&from, "from", "", "remote server to backfill from (required)")
			flagSet.IntVar(&limit, "limit", 100, "most events to request")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "room-id"); err != nil {
				return err
			}
			roomID, err := parseRoomArg(args[0])
			if err != nil {
				return err
			}
			destination, err := ref.ParseServerName(from)
			if err != nil {
				return cli.Usagef("--from: %v", err)
			}
			client, err := a.client(&c)
			if err != nil {
				return err
			}
			response, err := client.Backfill(context.Background(), adminapi.BackfillRequest{
				RoomID:      roomID,
				Destination: destination,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			return a.emit(&c, response, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "stored %d events\n", response.Stored)
				return err
			})
		},
	}
}

func (a *app) joinCommand() *cli.Command {
	var (
		c       connection
		via     string
		eventID string
	)
	return &cli.Command{
		Name:    "join",
		Summary: "Import a remote room's state at one of its events",
		Usage:   "roomserver-admin join --via <server> --event-id <event-id> [flags] <room-id>",
		Description: `Import a remote room's state at one of its events.

The server fetches the event, its state and auth chain from --via and
admits the event with that state, making the room known locally.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("join", pflag.ContinueOnError)
			c.register(flagSet)
			flagSet.StringVar(&via, "via", "", "remote server in the room (required)")
			flagSet.StringVar(&eventID, "event-id", "", "event whose state to import (required)")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "room-id"); err != nil {
				return err
			}
			roomID, err := parseRoomArg(args[0])
			if err != nil {
				return err
			}
			destination, err := ref.ParseServerName(via)
			if err != nil {
				return cli.Usagef("--via: %v", err)
			}
			id, err := ref.ParseEventID(eventID)
			if err != nil {
				return cli.Usagef("--event-id: %v", err)
			}
			client, err := a.client(&c)
			if err != nil {
				return err
			}
			response, err := client.JoinRemoteRoom(context.Background(), adminapi.JoinRemoteRequest{
				RoomID:      roomID,
				Destination: destination,
				EventID:     id,
			})
			if err != nil {
				return err
			}
			return a.emit(&c, response, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %d state entries\n", response.Outcome, response.State)
				return err
			})
		},
	}
}
