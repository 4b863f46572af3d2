// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the listener lifecycle shared by the
// roomserver's HTTP surfaces: the federation API, the admin API and
// the Prometheus scrape endpoint.
//
// [HTTPServer] binds its TCP listener before serving so that callers
// can learn the resolved address (useful with port 0 in tests) and
// wait on [HTTPServer.Ready]. Serve blocks until its context is
// cancelled, then stops accepting connections and drains in-flight
// requests for at most ShutdownTimeout.
//
// [Group] runs several servers together: the first to fail cancels
// the rest, and Serve returns once all of them have drained.
package service
