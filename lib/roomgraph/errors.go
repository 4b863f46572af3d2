// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/authrules"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/stateres"
)

var (
	// ErrMalformedEvent reports an event that is structurally unusable:
	// wrong room, missing parents, bad version.
	ErrMalformedEvent = errors.New("roomgraph: malformed event")

	// ErrCycle reports an event that is its own ancestor.
	ErrCycle = errors.New("roomgraph: event graph cycle")

	// ErrBlocked reports an event that waited for its dependencies
	// longer than the pending budget allows.
	ErrBlocked = errors.New("roomgraph: event blocked on missing dependencies")

	// ErrUnknownRoom reports an event for a room this server has not
	// joined.
	ErrUnknownRoom = errors.New("roomgraph: unknown room")

	// ErrRoomInconsistent reports a room flagged inconsistent; it
	// accepts no events until repaired.
	ErrRoomInconsistent = errors.New("roomgraph: room is flagged inconsistent")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("roomgraph: manager closed")
)

// MissingDependencyError reports prev or auth events that are not
// stored and could not be fetched. The event is pending and will be
// admitted once they arrive.
type MissingDependencyError struct {
	EventID ref.EventID
	Missing []ref.EventID
}

func (e *MissingDependencyError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = id.String()
	}
	return fmt.Sprintf("roomgraph: %s is waiting for %s", e.EventID, strings.Join(ids, ", "))
}

// IsMissingDependency reports whether err is or wraps a
// *MissingDependencyError.
func IsMissingDependency(err error) bool {
	var missing *MissingDependencyError
	return errors.As(err, &missing)
}

// Error categories returned by Category. They are stable and shown to
// clients.
const (
	CategoryForbidden       = "forbidden"
	CategoryStaleStateRetry = "stale_state_retry"
	CategoryMalformed       = "malformed"
	CategoryIntegrity       = "integrity"
	CategoryUnavailable     = "unavailable"
)

// Category maps an admission error to a client-facing category.
// "forbidden" means the sender lacks permission and retrying will not
// help; "stale_state_retry" means the room moved underneath the
// request and a retry may succeed. Nil maps to "".
func Category(err error) string {
	var integrity *eventstore.IntegrityError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errSoftFailed), IsMissingDependency(err), stateres.IsMissingDependency(err):
		return CategoryStaleStateRetry
	case authrules.IsAuthError(err):
		return CategoryForbidden
	case errors.As(err, &integrity):
		return CategoryIntegrity
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrCycle), errors.Is(err, pdu.ErrMalformed):
		return CategoryMalformed
	default:
		return CategoryUnavailable
	}
}

// errSoftFailed is returned to local senders whose event passes
// against its own history but not against the room's current state.
var errSoftFailed = errors.New("roomgraph: event is not allowed by the room's current state")
