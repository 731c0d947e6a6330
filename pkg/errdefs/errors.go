// Package errdefs holds the error taxonomy shared by the broker packages.
//
// Callers classify failures with [errors.Is] against the sentinels below,
// every component wraps them with its own context.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrDeadReference is terminal for a proxy: the object it points to
	// is gone.
	ErrDeadReference = errors.New("rce: dead reference")

	// ErrConnectionLost is reported when the transport carrying a
	// reference went away.
	ErrConnectionLost = errors.New("rce: connection lost")

	// ErrAlreadyDead is returned when registering a death notification
	// on an object which already died.
	ErrAlreadyDead = errors.New("rce: already dead")

	ErrInvalidKey           = errors.New("rce: invalid key")
	ErrUnexpectedConnection = errors.New("rce: unexpected connection attempt")
	ErrInvalidRequest       = errors.New("rce: invalid request")
	ErrInternal             = errors.New("rce: internal error")
	ErrMaxNumberExceeded    = errors.New("rce: maximum number exceeded")
	ErrContainerProcess     = errors.New("rce: container process error")
)

// IsDead tells whether err means the remote side of a reference is gone.
func IsDead(err error) bool {
	return errors.Is(err, ErrDeadReference) || errors.Is(err, ErrConnectionLost)
}

// InvalidRequest formats a user-facing validation error.
func InvalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Internal formats a bookkeeping invariant violation.
func Internal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
