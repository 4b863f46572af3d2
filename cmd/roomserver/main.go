// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/process"
	"github.com/bureau-foundation/roomserver/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		configPath  string
		logLevel    string
		checkOnly   bool
		showVersion bool
	)
	flags := pflag.NewFlagSet("roomserver", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default: $"+config.EnvironmentVariable+")")
	flags.StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	flags.BoolVar(&checkOnly, "check-config", false, "validate the configuration and exit")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("roomserver")
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if checkOnly {
		logger.Info("configuration is valid",
			"server_name", cfg.ServerName,
			"environment", cfg.Environment,
		)
		return nil
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := newNode(cfg, clock.Real(), logger)
	if err != nil {
		return err
	}
	defer node.Close()

	logger.Info("roomserver starting",
		"version", version.Info(),
		"server_name", cfg.ServerName,
		"environment", cfg.Environment,
		"key_id", node.key.KeyID(),
	)
	if err := node.Serve(ctx); err != nil {
		return err
	}
	logger.Info("roomserver stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
