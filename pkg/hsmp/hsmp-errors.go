// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

// This file defines the error taxonomy surfaced by the hsmp library.
package hsmp

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout : the firmware never reached a terminal mailbox status
	// within the deadline. The owning socket is marked hung.
	ErrTimeout = errors.New("hsmp: mailbox timeout waiting for firmware response")

	// ErrInvalidMsg : the firmware rejected the message identifier.
	ErrInvalidMsg = errors.New("hsmp: firmware rejected unknown message id")

	// ErrRequestFailed : the firmware understood the message but rejected
	// the operation, e.g. an out-of-range argument.
	ErrRequestFailed = errors.New("hsmp: firmware rejected request")

	// ErrUnknownStatus : the firmware returned a status word outside the
	// defined vocabulary. Treated as an I/O class failure.
	ErrUnknownStatus = errors.New("hsmp: unrecognized mailbox status")

	// ErrLockTimeout : the socket could not be serialized within budget.
	// Distinct from ErrTimeout so callers can tell contention from a
	// device failure.
	ErrLockTimeout = errors.New("hsmp: socket lock not acquired within deadline")

	// ErrUnsupportedMsg : the message requires a higher protocol version
	// than the socket firmware reports. Raised before any register access.
	ErrUnsupportedMsg = errors.New("hsmp: message not supported by firmware protocol version")

	// ErrBadMessage : the caller supplied message failed validation.
	ErrBadMessage = errors.New("hsmp: malformed message")

	// ErrAccessMode : the message direction does not match the caller's
	// granted access scope.
	ErrAccessMode = errors.New("hsmp: message not permitted by access mode")

	// ErrTopology : topology discovery could not establish a consistent
	// socket / NBIO map. Fatal at startup, nothing is published.
	ErrTopology = errors.New("hsmp: topology discovery failed")

	// ErrNoSocket : the requested socket index is not in the registry.
	ErrNoSocket = errors.New("hsmp: no such socket")
)

// ErrSocketHung is returned on exchanges against a socket already marked
// unresponsive by an earlier timeout. It wraps ErrTimeout: callers
// matching on ErrTimeout see hung sockets as timed out without the
// library touching hardware again.
var ErrSocketHung = fmt.Errorf("hsmp: socket marked unresponsive, reinitialize to retry: %w", ErrTimeout)
