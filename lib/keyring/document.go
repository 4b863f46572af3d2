// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// ServerKeys is what a server publishes about its signing keys.
type ServerKeys struct {
	Server ref.ServerName

	// VerifyKeys are the keys currently in use.
	VerifyKeys map[ref.KeyID]ed25519.PublicKey

	// OldVerifyKeys are retired keys. The ring still verifies with them
	// so that old events stay valid.
	OldVerifyKeys map[ref.KeyID]OldKey

	// ValidUntil is how long the holder may cache VerifyKeys.
	ValidUntil time.Time
}

// OldKey is a retired verify key.
type OldKey struct {
	Key       ed25519.PublicKey
	ExpiredAt time.Time
}

// lookup returns the key published under keyID, current or retired.
func (k ServerKeys) lookup(keyID ref.KeyID) (ed25519.PublicKey, bool) {
	if key, ok := k.VerifyKeys[keyID]; ok {
		return key, true
	}
	if old, ok := k.OldVerifyKeys[keyID]; ok {
		return old.Key, true
	}
	return nil, false
}

type keyDocument struct {
	ServerName    string                    `json:"server_name"`
	ValidUntilTS  int64                     `json:"valid_until_ts"`
	VerifyKeys    map[string]verifyKeyEntry `json:"verify_keys"`
	OldVerifyKeys map[string]verifyKeyEntry `json:"old_verify_keys,omitempty"`
}

type verifyKeyEntry struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts,omitempty"`
}

// Document returns keys as a signed key document, the body of GET
// /_matrix/key/v2/server, signed by signer.
func Document(keys ServerKeys, signer pdu.Signer) ([]byte, error) {
	verify := make(map[string]any, len(keys.VerifyKeys))
	for keyID, key := range keys.VerifyKeys {
		verify[keyID.String()] = map[string]any{"key": pdu.EncodeBase64(key)}
	}
	old := make(map[string]any, len(keys.OldVerifyKeys))
	for keyID, entry := range keys.OldVerifyKeys {
		old[keyID.String()] = map[string]any{
			"key":        pdu.EncodeBase64(entry.Key),
			"expired_ts": clock.Millis(entry.ExpiredAt),
		}
	}
	object := map[string]any{
		"server_name":     keys.Server.String(),
		"valid_until_ts":  clock.Millis(keys.ValidUntil),
		"verify_keys":     verify,
		"old_verify_keys": old,
	}
	return pdu.SignJSON(object, signer)
}

// ParseDocument parses a key document fetched from server and checks
// that server signed it with one of the keys it lists.
func ParseDocument(server ref.ServerName, data []byte) (ServerKeys, error) {
	var document keyDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return ServerKeys{}, fmt.Errorf("keyring: decoding key document: %w", err)
	}
	if document.ServerName != server.String() {
		return ServerKeys{}, fmt.Errorf("keyring: key document for %q served by %s", document.ServerName, server)
	}

	keys := ServerKeys{
		Server:        server,
		VerifyKeys:    make(map[ref.KeyID]ed25519.PublicKey, len(document.VerifyKeys)),
		OldVerifyKeys: make(map[ref.KeyID]OldKey, len(document.OldVerifyKeys)),
		ValidUntil:    time.UnixMilli(document.ValidUntilTS),
	}
	for rawKeyID, entry := range document.VerifyKeys {
		keyID, key, err := decodeEntry(rawKeyID, entry)
		if err != nil {
			return ServerKeys{}, err
		}
		keys.VerifyKeys[keyID] = key
	}
	for rawKeyID, entry := range document.OldVerifyKeys {
		keyID, key, err := decodeEntry(rawKeyID, entry)
		if err != nil {
			return ServerKeys{}, err
		}
		keys.OldVerifyKeys[keyID] = OldKey{Key: key, ExpiredAt: time.UnixMilli(entry.ExpiredTS)}
	}
	if len(keys.VerifyKeys) == 0 {
		return ServerKeys{}, fmt.Errorf("keyring: key document from %s lists no verify keys", server)
	}

	if !pdu.VerifySignedJSON(data, slices.Collect(maps.Values(keys.VerifyKeys))) {
		return ServerKeys{}, fmt.Errorf("keyring: key document from %s: %w", server, pdu.ErrBadSignature)
	}
	return keys, nil
}

func decodeEntry(rawKeyID string, entry verifyKeyEntry) (ref.KeyID, ed25519.PublicKey, error) {
	keyID, err := ref.ParseKeyID(rawKeyID)
	if err != nil {
		return ref.KeyID{}, nil, fmt.Errorf("keyring: %w", err)
	}
	key, err := pdu.DecodeBase64(entry.Key)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return ref.KeyID{}, nil, fmt.Errorf("keyring: verify key %s is not an ed25519 public key", keyID)
	}
	return keyID, ed25519.PublicKey(key), nil
}
