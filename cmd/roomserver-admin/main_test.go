// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/cmd/roomserver-admin/cli"
	"github.com/bureau-foundation/roomserver/lib/adminapi"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/pdu/pdutest"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
	"github.com/bureau-foundation/roomserver/lib/stateres"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testServer serves an admin API for a.example with actions enabled
// and returns its URL and an app whose output lands in the returned
// buffer.
func testServer(t *testing.T) (string, *app, *bytes.Buffer) {
	t.Helper()
	fake := clock.Fake(epoch)
	store, err := eventstore.Open(eventstore.Config{
		Path:     filepath.Join(t.TempDir(), "events.db"),
		PoolSize: 2,
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resolver, err := stateres.NewResolver(stateres.ResolverConfig{Store: store, Clock: fake})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	manager, err := roomgraph.New(roomgraph.Config{
		ServerName: ref.MustParseServerName("a.example"),
		Signer:     pdutest.NewSigner("a.example"),
		Store:      store,
		Resolver:   resolver,
		Clock:      fake,
	})
	if err != nil {
		t.Fatalf("roomgraph.New: %v", err)
	}
	t.Cleanup(manager.Close)

	service, err := adminapi.NewService(adminapi.Config{Manager: manager, Store: store})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	server, err := adminapi.NewServer(adminapi.ServerConfig{Query: service, Actions: service})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	var stdout bytes.Buffer
	return httpServer.URL, &app{
		stdout:     &stdout,
		logger:     slog.New(slog.DiscardHandler),
		httpClient: httpServer.Client(),
	}, &stdout
}

// execute runs the CLI with args and decodes its JSON output into
// result, resetting the buffer first.
func execute(t *testing.T, a *app, stdout *bytes.Buffer, result any, args ...string) {
	t.Helper()
	stdout.Reset()
	if err := a.root().Execute(args); err != nil {
		t.Fatalf("roomserver-admin %s: %v", strings.Join(args, " "), err)
	}
	if err := json.Unmarshal(stdout.Bytes(), result); err != nil {
		t.Fatalf("decoding output of %s: %v\n%s", args[0], err, stdout.String())
	}
}

func TestCreateSendAndQuery(t *testing.T) {
	url, a, stdout := testServer(t)

	var created struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	execute(t, a, stdout, &created, "create-room", "--server", url, "--creator", "@alice:a.example", "--name", "ops")
	if created.RoomID.IsZero() {
		t.Fatal("create-room printed no room ID")
	}

	var sent adminapi.SendEventResponse
	execute(t, a, stdout, &sent, "send", "--server", url,
		"--sender", "@alice:a.example",
		"--type", "m.room.topic",
		"--state-key", "",
		"--content", `{"topic":"incidents"}`,
		created.RoomID.String(),
	)
	if sent.EventID.IsZero() {
		t.Fatal("send printed no event ID")
	}

	var rooms []adminapi.RoomInfo
	execute(t, a, stdout, &rooms, "rooms", "--server", url)
	if len(rooms) != 1 || rooms[0].RoomID != created.RoomID {
		t.Fatalf("rooms = %+v, want only %s", rooms, created.RoomID)
	}

	var state adminapi.RoomState
	execute(t, a, stdout, &state, "state", "--server", url, created.RoomID.String())
	var topic ref.EventID
	for _, entry := range state.Entries {
		if entry.Type == "m.room.topic" && entry.StateKey == "" {
			topic = entry.EventID
		}
	}
	if topic != sent.EventID {
		t.Errorf("topic in state = %s, want the sent event %s", topic, sent.EventID)
	}

	var extremities adminapi.Extremities
	execute(t, a, stdout, &extremities, "extremities", "--server", url, created.RoomID.String())
	if len(extremities.Forward) != 1 || extremities.Forward[0] != sent.EventID {
		t.Errorf("forward extremities = %v, want [%s]", extremities.Forward, sent.EventID)
	}

	var info adminapi.EventInfo
	execute(t, a, stdout, &info, "event", "--server", url, sent.EventID.String())
	if info.RoomID != created.RoomID {
		t.Errorf("event room = %s, want %s", info.RoomID, created.RoomID)
	}
}

func TestSendWithoutStateKeyIsAMessage(t *testing.T) {
	url, a, stdout := testServer(t)

	var created struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	execute(t, a, stdout, &created, "create-room", "--server", url, "--creator", "@alice:a.example")
	var before adminapi.RoomState
	execute(t, a, stdout, &before, "state", "--server", url, created.RoomID.String())

	var sent adminapi.SendEventResponse
	execute(t, a, stdout, &sent, "send", "--server", url,
		"--sender", "@alice:a.example",
		"--content", `{"msgtype":"m.text","body":"hello"}`,
		created.RoomID.String(),
	)
	var after adminapi.RoomState
	execute(t, a, stdout, &after, "state", "--server", url, created.RoomID.String())
	if len(after.Entries) != len(before.Entries) {
		t.Errorf("state grew from %d to %d entries for a message", len(before.Entries), len(after.Entries))
	}
}

func TestUsageErrors(t *testing.T) {
	_, a, _ := testServer(t)

	tests := []struct {
		name string
		args []string
	}{
		{"missing room", []string{"state"}},
		{"bad room", []string{"state", "not-a-room"}},
		{"bad creator", []string{"create-room", "--creator", "alice"}},
		{"bad content", []string{"send", "--sender", "@alice:a.example", "--content", "{", "!r:a.example"}},
		{"keygen without out", []string{"keygen", "--server-name", "a.example"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := a.root().Execute(test.args)
			var usage *cli.UsageError
			if !errors.As(err, &usage) {
				t.Fatalf("error = %v, want a usage error", err)
			}
			if usage.ExitCode() != 2 {
				t.Errorf("exit code = %d, want 2", usage.ExitCode())
			}
		})
	}
}

func TestAPIErrorsAreNotUsageErrors(t *testing.T) {
	url, a, _ := testServer(t)

	err := a.root().Execute([]string{"state", "--server", url, "!missing:a.example"})
	if err == nil {
		t.Fatal("state of an unknown room succeeded")
	}
	var usage *cli.UsageError
	if errors.As(err, &usage) {
		t.Errorf("unknown room reported as a usage error: %v", err)
	}
	if !adminapi.IsNotFound(err) {
		t.Errorf("error = %v, want a 404 from the admin API", err)
	}
}

func TestVersionCommand(t *testing.T) {
	var stdout bytes.Buffer
	a := &app{stdout: &stdout, logger: slog.New(slog.DiscardHandler)}
	if err := a.root().Execute([]string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "roomserver-admin ") {
		t.Errorf("version output = %q", stdout.String())
	}
}
