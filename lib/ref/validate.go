// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxIdentifierLength bounds user, room and event IDs. The Matrix
// grammar caps identifiers at 255 bytes including sigil and domain.
const maxIdentifierLength = 255

// validateServer checks that a Matrix server name is minimally valid:
// non-empty, no control characters, no Matrix sigils.
func validateServer(server string) error {
	if server == "" {
		return fmt.Errorf("server name is empty")
	}
	for i := 0; i < len(server); i++ {
		c := server[i]
		if c <= ' ' || c == '@' || c == '#' || c == '!' || c == '$' || c == 0x7f {
			return fmt.Errorf("server name %q: invalid character at position %d", server, i)
		}
	}
	return nil
}

// ServerFromUserID extracts the server name from a raw user ID string.
// The authorization rules use this on state keys, which arrive as
// plain strings from event content.
func ServerFromUserID(userID string) (ServerName, error) {
	_, server, err := parseMatrixID(userID)
	if err != nil {
		return ServerName{}, err
	}
	return newServerName(server), nil
}

// parseMatrixID extracts localpart and server from @localpart:server.
func parseMatrixID(matrixID string) (localpart, server string, err error) {
	return parsePrefixedID(matrixID, '@', "Matrix user ID")
}

// parsePrefixedID extracts localpart and server from a Matrix identifier
// with the given sigil prefix.
func parsePrefixedID(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	if len(identifier) < 2 || identifier[0] != sigil {
		return "", "", fmt.Errorf("invalid %s %q: must start with %c", kind, identifier, sigil)
	}
	if len(identifier) > maxIdentifierLength {
		return "", "", fmt.Errorf("invalid %s: %d bytes, maximum is %d", kind, len(identifier), maxIdentifierLength)
	}
	colonIndex := strings.Index(identifier[1:], ":")
	if colonIndex < 0 {
		return "", "", fmt.Errorf("invalid %s %q: missing :server", kind, identifier)
	}
	colonIndex++ // adjust for [1:] offset
	if colonIndex < 2 {
		return "", "", fmt.Errorf("invalid %s %q: empty localpart", kind, identifier)
	}
	localpart = identifier[1:colonIndex]
	server = identifier[colonIndex+1:]
	if err := validateServer(server); err != nil {
		return "", "", fmt.Errorf("invalid %s %q: %w", kind, identifier, err)
	}
	return localpart, server, nil
}
