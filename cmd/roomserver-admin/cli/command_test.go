// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "roomserver-admin",
		Subcommands: []*Command{
			{
				Name: "rooms",
				Run: func(args []string) error {
					called = "rooms"
					return nil
				},
			},
			{
				Name: "state",
				Run: func(args []string) error {
					called = "state"
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"state"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "state" {
		t.Errorf("dispatched to %q, want %q", called, "state")
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var server string
	var target string

	command := &Command{
		Name: "state",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("state", pflag.ContinueOnError)
			flagSet.StringVar(&server, "server", "http://127.0.0.1:8009", "admin API URL")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				target = args[0]
			}
			return nil
		},
	}

	if err := command.Execute([]string{"--server", "http://admin:9000", "!room:a.example"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if server != "http://admin:9000" {
		t.Errorf("server = %q, want %q", server, "http://admin:9000")
	}
	if target != "!room:a.example" {
		t.Errorf("target = %q, want %q", target, "!room:a.example")
	}
}

func TestCommand_Execute_UnknownFlagSuggestion(t *testing.T) {
	command := &Command{
		Name: "send",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
			flagSet.String("sender", "", "sending user")
			flagSet.String("state-key", "", "state key")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}

	err := command.Execute([]string{"--sendr", "@alice:a.example"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	if !strings.Contains(err.Error(), "did you mean --sender") {
		t.Errorf("error = %q, want suggestion for '--sender'", err.Error())
	}
	if !strings.Contains(err.Error(), "--help") {
		t.Errorf("error = %q, should point to --help", err.Error())
	}
	var usage *UsageError
	if !errors.As(err, &usage) || usage.ExitCode() != 2 {
		t.Errorf("error = %T, want *UsageError with exit code 2", err)
	}
}

func TestCommand_Execute_UnknownSubcommandSuggestion(t *testing.T) {
	root := &Command{
		Name: "roomserver-admin",
		Subcommands: []*Command{
			{Name: "rooms"},
			{Name: "extremities"},
			{Name: "destinations"},
		},
	}

	err := root.Execute([]string{"extremites"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if !strings.Contains(err.Error(), `did you mean "extremities"`) {
		t.Errorf("error = %q, want suggestion for 'extremities'", err.Error())
	}

	err = root.Execute([]string{"zzzzzzzz"})
	if err == nil || strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %v, want no suggestion for distant input", err)
	}
}

func TestCommand_Execute_HelpFlag(t *testing.T) {
	for _, helpArg := range []string{"-h", "--help", "help"} {
		t.Run(helpArg, func(t *testing.T) {
			var buffer bytes.Buffer
			root := &Command{
				Name:       "roomserver-admin",
				Summary:    "Inspect and operate a roomserver",
				HelpOutput: &buffer,
				Subcommands: []*Command{
					{Name: "rooms", Summary: "List rooms"},
				},
			}

			if err := root.Execute([]string{helpArg}); err != nil {
				t.Errorf("Execute(%q) error: %v", helpArg, err)
			}
			if !strings.Contains(buffer.String(), "rooms") {
				t.Errorf("help output lacks subcommand listing: %q", buffer.String())
			}
		})
	}
}

func TestCommand_Execute_NoArgsShowsHelp(t *testing.T) {
	root := &Command{
		Name:       "roomserver-admin",
		HelpOutput: io.Discard,
		Subcommands: []*Command{
			{Name: "rooms", Summary: "List rooms"},
		},
	}

	err := root.Execute([]string{})
	if err == nil {
		t.Fatal("Execute() = nil, want error for missing subcommand")
	}
	if !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %q, want 'subcommand required'", err.Error())
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	command := &Command{
		Name:        "roomserver-admin",
		Description: "Inspect and operate a roomserver.",
		Subcommands: []*Command{
			{Name: "rooms", Summary: "List rooms"},
			{Name: "state", Summary: "Show a room's current state"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("roomserver-admin", pflag.ContinueOnError)
			flagSet.Bool("json", false, "output as JSON")
			return flagSet
		},
		Examples: []Example{
			{
				Description: "Show the state of a room",
				Command:     "roomserver-admin state '!abc:a.example'",
			},
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"Inspect and operate a roomserver.",
		"Usage:\n  roomserver-admin <command> [flags]",
		"rooms",
		"Show a room's current state",
		"--json",
		"# Show the state of a room",
		"Run 'roomserver-admin <command> --help'",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n%s", want, output)
		}
	}
}

func TestRequireArgs(t *testing.T) {
	if err := RequireArgs([]string{"!r:a.example"}, "room-id"); err != nil {
		t.Errorf("RequireArgs with one arg: %v", err)
	}
	err := RequireArgs(nil, "room-id", "event-id")
	if err == nil || !strings.Contains(err.Error(), "<room-id> <event-id>") {
		t.Errorf("RequireArgs(nil) = %v, want placeholders in message", err)
	}
}
