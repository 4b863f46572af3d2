// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomserver/cmd/roomserver-admin/cli"
	"github.com/bureau-foundation/roomserver/lib/adminapi"
	"github.com/bureau-foundation/roomserver/lib/process"
	"github.com/bureau-foundation/roomserver/lib/version"
)

// serverEnvironmentVariable overrides the default --server.
const serverEnvironmentVariable = "ROOMSERVER_ADMIN_URL"

const defaultServer = "http://127.0.0.1:8009"

func main() {
	app := &app{stdout: os.Stdout, logger: cli.NewCommandLogger(slog.LevelInfo)}
	if err := app.root().Execute(os.Args[1:]); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

// app carries what every command shares: where results go and how
// the admin API is reached.
type app struct {
	stdout io.Writer
	logger *slog.Logger

	// httpClient overrides the client used for the admin API. Tests
	// point it at an httptest server.
	httpClient *http.Client
}

// connection holds the flags every command that talks to the admin
// API accepts.
type connection struct {
	server  string
	timeout time.Duration
	json    bool
}

func (c *connection) register(flagSet *pflag.FlagSet) {
	server := os.Getenv(serverEnvironmentVariable)
	if server == "" {
		server = defaultServer
	}
	flagSet.StringVarP(&c.server, "server", "s", server, "admin API base URL (default from $"+serverEnvironmentVariable+")")
	flagSet.DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
	flagSet.BoolVar(&c.json, "json", false, "output as JSON")
}

func (a *app) client(c *connection) (*adminapi.Client, error) {
	httpClient := a.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.timeout}
	}
	return adminapi.NewClient(c.server, httpClient)
}

// emit writes result as JSON when --json is set or stdout is not a
// terminal, and otherwise calls table.
func (a *app) emit(c *connection, result any, table func(w io.Writer) error) error {
	if c.json || table == nil || !cli.IsTerminal(a.stdout) {
		return cli.WriteJSON(a.stdout, result)
	}
	return table(a.stdout)
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:    "roomserver-admin",
		Summary: "Inspect and operate a roomserver",
		Description: `Inspect and operate a roomserver through its admin API.

Query commands (rooms, state, event, extremities, blocked, destinations,
degraded) work against any roomserver. Action commands (create-room,
send, import, backfill, join) need the server's listen.admin_actions
setting, which production deployments leave off.

Results are tables on a terminal and JSON otherwise; --json forces JSON.
keygen works offline and never contacts a server.`,
		Subcommands: []*cli.Command{
			a.roomsCommand(),
			a.stateCommand(),
			a.eventCommand(),
			a.extremitiesCommand(),
			a.blockedCommand(),
			a.destinationsCommand(),
			a.degradedCommand(),
			a.createRoomCommand(),
			a.sendCommand(),
			a.importCommand(),
			a.backfillCommand(),
			a.joinCommand(),
			a.keygenCommand(),
			a.versionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "List the rooms of a local server",
				Command:     "roomserver-admin rooms",
			},
			{
				Description: "Show a room's state as JSON",
				Command:     "roomserver-admin state --json '!abc:a.example'",
			},
		},
	}
}

func (a *app) versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			version.Fprint(a.stdout, "roomserver-admin")
			return nil
		},
	}
}
