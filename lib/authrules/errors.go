// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Code identifies the authorization rule an event failed.
type Code string

const (
	CodeBadCreate           Code = "bad_create"
	CodeMissingCreate       Code = "missing_create"
	CodeBadAuthEvents       Code = "bad_auth_events"
	CodeNotFederated        Code = "sender_domain_mismatch"
	CodeAliasDomainMismatch Code = "alias_domain_mismatch"
	CodeNotMember           Code = "not_member"
	CodeInsufficientPower   Code = "insufficient_power"
	CodeInvalidMembership   Code = "invalid_membership_transition"
	CodeBanned              Code = "banned"
	CodeJoinRule            Code = "join_rule"
	CodeInvalidPowerLevels  Code = "invalid_power_levels"
	CodeThirdPartyInvite    Code = "third_party_invite_invalid"
	CodeStateKeyOwner       Code = "state_key_mismatch"
	CodeMalformedContent    Code = "malformed_content"
	CodeMissingSignature    Code = "missing_signature"
)

// AuthError reports why an event was not authorized. It is permanent:
// the same event against the same state always fails the same way.
type AuthError struct {
	Code    Code
	EventID ref.EventID
	Reason  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authrules: %s rejected (%s): %s", e.EventID, e.Code, e.Reason)
}

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// CodeOf returns the Code of the *AuthError in err's chain, or "".
func CodeOf(err error) Code {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return ""
}

func reject(eventID ref.EventID, code Code, format string, args ...any) error {
	return &AuthError{Code: code, EventID: eventID, Reason: fmt.Sprintf(format, args...)}
}
