// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Authorization is a parsed X-Matrix request header.
type Authorization struct {
	Origin      ref.ServerName
	Destination ref.ServerName
	KeyID       ref.KeyID
	Signature   string
}

// requestObject is the JSON object an X-Matrix signature covers.
func requestObject(method, uri string, origin, destination ref.ServerName, content []byte) map[string]any {
	object := map[string]any{
		"method":      method,
		"uri":         uri,
		"origin":      origin.String(),
		"destination": destination.String(),
	}
	if len(content) > 0 {
		object["content"] = json.RawMessage(content)
	}
	return object
}

// SignRequest returns the Authorization header value for a request
// from signer's server to destination. uri is the path and query as
// sent; content is the JSON body, or nil.
func SignRequest(signer pdu.Signer, destination ref.ServerName, method, uri string, content []byte) (string, error) {
	object := requestObject(method, uri, signer.ServerName(), destination, content)
	signature, err := pdu.SignCanonical(object, signer)
	if err != nil {
		return "", fmt.Errorf("federation: signing request: %w", err)
	}
	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		signer.ServerName(), destination, signer.KeyID(), signature), nil
}

// ParseAuthorization parses an X-Matrix header value.
func ParseAuthorization(header string) (Authorization, error) {
	scheme, params, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "X-Matrix") {
		return Authorization{}, fmt.Errorf("federation: authorization scheme is not X-Matrix")
	}

	var auth Authorization
	for param := range strings.SplitSeq(params, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		var err error
		switch strings.ToLower(name) {
		case "origin":
			auth.Origin, err = ref.ParseServerName(value)
		case "destination":
			auth.Destination, err = ref.ParseServerName(value)
		case "key":
			auth.KeyID, err = ref.ParseKeyID(value)
		case "sig":
			auth.Signature = value
		}
		if err != nil {
			return Authorization{}, fmt.Errorf("federation: X-Matrix %s: %w", name, err)
		}
	}
	if auth.Origin.IsZero() || auth.KeyID.IsZero() || auth.Signature == "" {
		return Authorization{}, fmt.Errorf("federation: X-Matrix header needs origin, key and sig")
	}
	return auth, nil
}

// VerifyRequest checks the X-Matrix signature on request, whose body
// is content, and returns the authenticated origin. local is this
// server's name; a header naming another destination is refused.
func VerifyRequest(ctx context.Context, keys pdu.KeyResolver, local ref.ServerName, request *http.Request, content []byte) (ref.ServerName, error) {
	header := request.Header.Get("Authorization")
	if header == "" {
		return ref.ServerName{}, newError(http.StatusUnauthorized, ErrCodeUnauthorized, "missing X-Matrix authorization")
	}
	auth, err := ParseAuthorization(header)
	if err != nil {
		return ref.ServerName{}, newError(http.StatusUnauthorized, ErrCodeUnauthorized, "%v", err)
	}
	if !auth.Destination.IsZero() && auth.Destination != local {
		return ref.ServerName{}, newError(http.StatusUnauthorized, ErrCodeUnauthorized, "request is addressed to %s", auth.Destination)
	}
	publicKey, err := keys.PublicKey(ctx, auth.Origin, auth.KeyID)
	if err != nil {
		return ref.ServerName{}, newError(http.StatusUnauthorized, ErrCodeUnauthorized, "no key %s for %s", auth.KeyID, auth.Origin)
	}
	object := requestObject(request.Method, request.URL.RequestURI(), auth.Origin, local, content)
	if err := pdu.VerifyCanonical(object, publicKey, auth.Signature); err != nil {
		return ref.ServerName{}, newError(http.StatusUnauthorized, ErrCodeUnauthorized, "signature from %s does not verify", auth.Origin)
	}
	return auth.Origin, nil
}
