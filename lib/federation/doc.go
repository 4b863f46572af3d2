// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation moves events between this server and remote
// homeservers.
//
// Outbound, a [Sender] keeps one FIFO queue per destination and
// delivers it as transactions of at most [MaxTransactionPDUs] events,
// retrying a failed transaction under the same ID with exponential
// backoff and full jitter. A destination that exhausts its attempts is
// abandoned for the retry horizon: its queue is dropped, the events
// stay valid locally, and the destination catches up by backfill.
//
// Inbound, a [Server] authenticates each request by its X-Matrix
// signature and hands transactions to a [Receiver], which rate limits
// per origin, deduplicates by (origin, transaction ID), checks event
// signatures and admits the PDUs room by room through the room graph.
// The same server answers event, state, backfill and key requests.
//
// [RemoteFetcher] and [Puller] pull what the room graph is missing:
// single events during admission, history behind the backward
// extremities, and the full state of a room being joined.
//
// Every event that crosses this package in either direction has had
// its signatures checked against a [Verifier], normally a
// keyring.Ring.
package federation
