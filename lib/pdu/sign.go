// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// Signer produces ed25519 signatures on behalf of a server.
type Signer interface {
	ServerName() ref.ServerName
	KeyID() ref.KeyID
	Sign(message []byte) []byte
}

// KeyResolver returns the public key a server published under keyID.
type KeyResolver interface {
	PublicKey(ctx context.Context, server ref.ServerName, keyID ref.KeyID) (ed25519.PublicKey, error)
}

// ErrBadSignature reports a missing or invalid signature.
var ErrBadSignature = errors.New("pdu: bad signature")

// signingPayload returns the bytes a server signs for object: the
// canonical redacted form without signatures or unsigned data.
func signingPayload(rules roomversion.Rules, object map[string]any) ([]byte, error) {
	redacted := Redact(rules, object)
	delete(redacted, "signatures")
	delete(redacted, "unsigned")
	return codec.MarshalCanonical(redacted)
}

// signObject adds signer's signature to object in place.
func signObject(rules roomversion.Rules, object map[string]any, signer Signer) error {
	payload, err := signingPayload(rules, object)
	if err != nil {
		return err
	}
	signature := EncodeBase64(signer.Sign(payload))

	signatures, _ := object["signatures"].(map[string]any)
	signatures = maps.Clone(signatures)
	if signatures == nil {
		signatures = map[string]any{}
	}
	serverSignatures, _ := signatures[signer.ServerName().String()].(map[string]any)
	serverSignatures = maps.Clone(serverSignatures)
	if serverSignatures == nil {
		serverSignatures = map[string]any{}
	}
	serverSignatures[signer.KeyID().String()] = signature
	signatures[signer.ServerName().String()] = serverSignatures
	object["signatures"] = signatures
	return nil
}

// Sign returns a copy of e with signer's signature added. Used when a
// resident server co-signs a restricted join.
func (e *Event) Sign(signer Signer) (*Event, error) {
	object := e.Object()
	if err := signObject(e.rules, object, signer); err != nil {
		return nil, err
	}
	return fromObject(e.rules, object)
}

// RequiredSigners lists the servers whose signatures the event must
// carry: the sender's server, and for a restricted join the server of
// the authorising user.
func (e *Event) RequiredSigners() []ref.ServerName {
	servers := []ref.ServerName{e.Origin()}
	if e.rules.RestrictedJoinRule && e.fields.Type == ref.EventTypeMember {
		var content struct {
			Membership string     `json:"membership"`
			Authoriser ref.UserID `json:"join_authorised_via_users_server"`
		}
		if json.Unmarshal(e.fields.Content, &content) == nil &&
			content.Membership == "join" && !content.Authoriser.IsZero() &&
			content.Authoriser.Server() != e.Origin() {
			servers = append(servers, content.Authoriser.Server())
		}
	}
	return servers
}

// VerifySignatures checks that every required server has at least one
// valid ed25519 signature on the event.
func (e *Event) VerifySignatures(ctx context.Context, keys KeyResolver) error {
	payload, err := signingPayload(e.rules, e.Object())
	if err != nil {
		return err
	}
	for _, server := range e.RequiredSigners() {
		if err := verifyServerSignature(ctx, keys, server, e.fields.Signatures[server.String()], payload); err != nil {
			return fmt.Errorf("%s: %w", e.id, err)
		}
	}
	return nil
}

func verifyServerSignature(ctx context.Context, keys KeyResolver, server ref.ServerName, signatures map[string]string, payload []byte) error {
	if len(signatures) == 0 {
		return fmt.Errorf("%w: no signature from %s", ErrBadSignature, server)
	}
	var lastErr error
	for rawKeyID, encoded := range signatures {
		keyID, err := ref.ParseKeyID(rawKeyID)
		if err != nil || keyID.Algorithm() != "ed25519" {
			continue
		}
		publicKey, err := keys.PublicKey(ctx, server, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		signature, err := DecodeBase64(encoded)
		if err != nil {
			lastErr = err
			continue
		}
		if ed25519.Verify(publicKey, payload, signature) {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s %s does not verify", ErrBadSignature, server, keyID)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no ed25519 signature from %s", ErrBadSignature, server)
	}
	return lastErr
}

// VerifySignedJSON reports whether any signature inside the signed
// JSON object verifies under any of publicKeys. This is the check a
// third-party invite's "signed" block must pass against the keys in
// the matching m.room.third_party_invite event.
func VerifySignedJSON(signed []byte, publicKeys []ed25519.PublicKey) bool {
	object, err := decodeObject(signed)
	if err != nil {
		return false
	}
	signatures, _ := object["signatures"].(map[string]any)
	delete(object, "signatures")
	delete(object, "unsigned")
	payload, err := codec.MarshalCanonical(object)
	if err != nil {
		return false
	}
	for _, serverSignatures := range signatures {
		byKey, _ := serverSignatures.(map[string]any)
		for _, value := range byKey {
			encoded, _ := value.(string)
			signature, err := DecodeBase64(encoded)
			if err != nil {
				continue
			}
			for _, publicKey := range publicKeys {
				if len(publicKey) == ed25519.PublicKeySize && ed25519.Verify(publicKey, payload, signature) {
					return true
				}
			}
		}
	}
	return false
}

// SignJSON signs an arbitrary JSON object (not an event) and returns
// it with the signature added under signatures. Used for X-Matrix
// request signing and for the server key document.
func SignJSON(object map[string]any, signer Signer) ([]byte, error) {
	stripped := maps.Clone(object)
	delete(stripped, "signatures")
	delete(stripped, "unsigned")
	payload, err := codec.MarshalCanonical(stripped)
	if err != nil {
		return nil, err
	}
	signed := maps.Clone(object)
	signatures, _ := signed["signatures"].(map[string]any)
	signatures = maps.Clone(signatures)
	if signatures == nil {
		signatures = map[string]any{}
	}
	signatures[signer.ServerName().String()] = map[string]any{
		signer.KeyID().String(): EncodeBase64(signer.Sign(payload)),
	}
	signed["signatures"] = signatures
	return codec.MarshalCanonical(signed)
}

// SignCanonical returns signer's unpadded base64 signature over the
// canonical form of object. The object is not modified.
func SignCanonical(object map[string]any, signer Signer) (string, error) {
	payload, err := codec.MarshalCanonical(object)
	if err != nil {
		return "", err
	}
	return EncodeBase64(signer.Sign(payload)), nil
}

// VerifyCanonical checks an unpadded base64 signature over the
// canonical form of object.
func VerifyCanonical(object map[string]any, publicKey ed25519.PublicKey, signature string) error {
	payload, err := codec.MarshalCanonical(object)
	if err != nil {
		return err
	}
	decoded, err := DecodeBase64(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(publicKey) != ed25519.PublicKeySize || !ed25519.Verify(publicKey, payload, decoded) {
		return ErrBadSignature
	}
	return nil
}
