// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// ErrMalformedRoom reports inputs that no well-formed room can
// produce: auth references that cross rooms, state entries whose key
// does not match their event, or a cycle through auth_events. The room
// graph manager flags the room inconsistent.
var ErrMalformedRoom = errors.New("stateres: malformed room")

// MissingDependencyError reports events that resolution needed but the
// event source does not have. It is transient: fetch the events and
// resolve again.
type MissingDependencyError struct {
	EventIDs []ref.EventID
}

func (e *MissingDependencyError) Error() string {
	ids := make([]string, len(e.EventIDs))
	for i, id := range e.EventIDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("stateres: missing %d events: %s", len(ids), strings.Join(ids, ", "))
}

// IsMissingDependency reports whether err is or wraps a
// *MissingDependencyError.
func IsMissingDependency(err error) bool {
	var missing *MissingDependencyError
	return errors.As(err, &missing)
}
