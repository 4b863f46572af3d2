// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomserver/cmd/roomserver-admin/cli"
	"github.com/bureau-foundation/roomserver/lib/adminapi"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// queryCommand builds a command that takes the connection flags and
// the named positional arguments.
func (a *app) queryCommand(name, summary string, argNames []string, run func(ctx context.Context, client *adminapi.Client, c *connection, args []string) error) *cli.Command {
	var c connection
	usage := "roomserver-admin " + name + " [flags]"
	for _, argName := range argNames {
		usage += " <" + argName + ">"
	}
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   usage,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			c.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, argNames...); err != nil {
				return err
			}
			client, err := a.client(&c)
			if err != nil {
				return err
			}
			return run(context.Background(), client, &c, args)
		},
	}
}

func parseRoomArg(raw string) (ref.RoomID, error) {
	roomID, err := ref.ParseRoomID(raw)
	if err != nil {
		return ref.RoomID{}, cli.Usagef("invalid room ID: %v", err)
	}
	return roomID, nil
}

func (a *app) roomsCommand() *cli.Command {
	return a.queryCommand("rooms", "List stored rooms", nil, func(ctx context.Context, client *adminapi.Client, c *connection, _ []string) error {
		rooms, err := client.ListRooms(ctx)
		if err != nil {
			return err
		}
		return a.emit(c, rooms, func(w io.Writer) error {
			table := cli.NewTable(w, "room id", "version", "created", "status")
			for _, room := range rooms {
				status := "ok"
				if room.Inconsistent {
					status = "inconsistent: " + room.InconsistentReason
				}
				table.Row(room.RoomID, room.Version, room.CreatedAt.Format(time.RFC3339), status)
			}
			return table.Flush()
		})
	})
}

func (a *app) stateCommand() *cli.Command {
	return a.queryCommand("state", "Show a room's current state", []string{"room-id"}, func(ctx context.Context, client *adminapi.Client, c *connection, args []string) error {
		roomID, err := parseRoomArg(args[0])
		if err != nil {
			return err
		}
		state, err := client.GetRoomState(ctx, roomID)
		if err != nil {
			return err
		}
		return a.emit(c, state, func(w io.Writer) error {
			fmt.Fprintf(w, "%s  digest %s\n\n", state.RoomID, state.Digest)
			table := cli.NewTable(w, "type", "state key", "event id")
			for _, entry := range state.Entries {
				table.Row(entry.Type, fmt.Sprintf("%q", entry.StateKey), entry.EventID)
			}
			return table.Flush()
		})
	})
}

func (a *app) eventCommand() *cli.Command {
	return a.queryCommand("event", "Show a stored event with its metadata", []string{"event-id"}, func(ctx context.Context, client *adminapi.Client, c *connection, args []string) error {
		eventID, err := ref.ParseEventID(args[0])
		if err != nil {
			return cli.Usagef("invalid event ID: %v", err)
		}
		info, err := client.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		return a.emit(c, info, nil)
	})
}

func (a *app) extremitiesCommand() *cli.Command {
	return a.queryCommand("extremities", "Show a room's forward and backward extremities", []string{"room-id"}, func(ctx context.Context, client *adminapi.Client, c *connection, args []string) error {
		roomID, err := parseRoomArg(args[0])
		if err != nil {
			return err
		}
		extremities, err := client.ListForwardExtremities(ctx, roomID)
		if err != nil {
			return err
		}
		return a.emit(c, extremities, func(w io.Writer) error {
			table := cli.NewTable(w, "edge", "event id")
			for _, id := range extremities.Forward {
				table.Row("forward", id)
			}
			for _, id := range extremities.Backward {
				table.Row("backward", id)
			}
			return table.Flush()
		})
	})
}

func (a *app) blockedCommand() *cli.Command {
	return a.queryCommand("blocked", "List a room's events that could not be admitted", []string{"room-id"}, func(ctx context.Context, client *adminapi.Client, c *connection, args []string) error {
		roomID, err := parseRoomArg(args[0])
		if err != nil {
			return err
		}
		blocked, err := client.ListBlocked(ctx, roomID)
		if err != nil {
			return err
		}
		return a.emit(c, blocked, func(w io.Writer) error {
			table := cli.NewTable(w, "event id", "blocked at", "missing", "reason")
			for _, entry := range blocked {
				table.Row(entry.EventID, entry.BlockedAt.Format(time.RFC3339), len(entry.Missing), entry.Reason)
			}
			return table.Flush()
		})
	})
}

func (a *app) destinationsCommand() *cli.Command {
	return a.queryCommand("destinations", "Show outbound federation queues", nil, func(ctx context.Context, client *adminapi.Client, c *connection, _ []string) error {
		destinations, err := client.ListDestinations(ctx)
		if err != nil {
			return err
		}
		return a.emit(c, destinations, func(w io.Writer) error {
			table := cli.NewTable(w, "destination", "queued", "attempts", "abandoned until", "last error")
			for _, destination := range destinations {
				abandoned := "-"
				if !destination.AbandonedUntil.IsZero() {
					abandoned = destination.AbandonedUntil.Format(time.RFC3339)
				}
				table.Row(destination.Destination, destination.Queued, destination.Attempts, abandoned, destination.LastError)
			}
			return table.Flush()
		})
	})
}

func (a *app) degradedCommand() *cli.Command {
	return a.queryCommand("degraded", "List origins currently rate limited for bad events", nil, func(ctx context.Context, client *adminapi.Client, c *connection, _ []string) error {
		origins, err := client.ListDegradedOrigins(ctx)
		if err != nil {
			return err
		}
		return a.emit(c, origins, func(w io.Writer) error {
			for _, origin := range origins {
				fmt.Fprintln(w, origin)
			}
			return nil
		})
	})
}
