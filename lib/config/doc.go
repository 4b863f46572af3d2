// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the
// roomserver.
//
// Configuration is loaded from a single file specified by either the
// ROOMSERVER_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production defaults are stricter: the
// event store writes durably and the admin API is read-only.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${ROOMSERVER_ROOT}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
// Unknown keys are rejected.
//
// Key exports:
//
//   - [Config] -- server name, Paths, Keys, Listen, Storage, Federation, Admission, Room
//   - [Default] -- returns a Config with development defaults
//   - [Load], [LoadFile] and [Parse] -- the entry points for loading
//   - [Config.Validate] -- reports every problem at once
//
// This package depends on no other roomserver packages.
package config
