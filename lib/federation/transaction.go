// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/pdu"
)

// Limits a receiving server enforces on one transaction.
const (
	MaxTransactionPDUs = 50
	MaxTransactionEDUs = 100
)

// Transaction is the body of PUT /_matrix/federation/v1/send/{txnId}.
type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

// SendResponse reports the outcome of each PDU of a transaction, keyed
// by event ID.
type SendResponse struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// PDUResult is empty for an accepted PDU.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// eventResponse is the body of GET /event and GET /backfill.
type eventResponse struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// StateResponse is the body of GET /state/{roomId}.
type StateResponse struct {
	PDUs      []json.RawMessage `json:"pdus"`
	AuthChain []json.RawMessage `json:"auth_chain"`
}

func rawEvents(events []*pdu.Event) []json.RawMessage {
	raw := make([]json.RawMessage, len(events))
	for i, event := range events {
		raw[i] = event.JSON()
	}
	return raw
}
