// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/lib/testutil"
)

func TestHTTPServerLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/key/v2/server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"server_name":"a.example"}`)
	})

	server := NewHTTPServer(HTTPServerConfig{
		Name:            "federation",
		Address:         "127.0.0.1:0",
		Handler:         mux,
		ShutdownTimeout: 2 * time.Second,
		Logger:          slog.New(slog.DiscardHandler),
	})
	if server.Name() != "federation" {
		t.Errorf("Name() = %q, want federation", server.Name())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx) }()

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "federation listener ready")

	response, err := http.Get("http://" + server.Addr().String() + "/_matrix/key/v2/server")
	if err != nil {
		t.Fatalf("GET key document: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK || !strings.Contains(string(body), "a.example") {
		t.Errorf("GET key document = %d %q", response.StatusCode, body)
	}

	cancel()
	if err := testutil.RequireReceive(t, serveDone, 5*time.Second, "federation listener shutdown"); err != nil {
		t.Errorf("Serve() = %v, want nil after cancel", err)
	}
}

func TestHTTPServerPanicsOnMissingConfig(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := http.NotFoundHandler()

	tests := []struct {
		name   string
		config HTTPServerConfig
	}{
		{
			name:   "missing_address",
			config: HTTPServerConfig{Handler: handler, Logger: logger},
		},
		{
			name:   "missing_handler",
			config: HTTPServerConfig{Address: ":0", Logger: logger},
		},
		{
			name:   "missing_logger",
			config: HTTPServerConfig{Address: ":0", Handler: handler},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("NewHTTPServer did not panic")
				}
			}()
			NewHTTPServer(tt.config)
		})
	}
}

func TestGroupStopsAllWhenOneFails(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := http.NotFoundHandler()

	// Hold a port so the second server cannot bind it.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer occupied.Close()

	var group Group
	group.Add(NewHTTPServer(HTTPServerConfig{Name: "healthy", Address: "127.0.0.1:0", Handler: handler, Logger: logger}))
	group.Add(NewHTTPServer(HTTPServerConfig{Name: "conflicting", Address: occupied.Addr().String(), Handler: handler, Logger: logger}))

	err = group.Serve(context.Background())
	if err == nil {
		t.Fatal("Serve() = nil, want bind error")
	}
	if !strings.Contains(err.Error(), "conflicting") {
		t.Errorf("Serve() = %v, want error naming the conflicting server", err)
	}
}

func TestGroupRequiresServers(t *testing.T) {
	var group Group
	if err := group.Serve(context.Background()); err == nil {
		t.Fatal("Serve() with no servers = nil, want error")
	}
}
