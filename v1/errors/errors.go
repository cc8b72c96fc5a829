package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnavailable reports that the shared coordination store could not be
	// reached. Callers surface it as a service-unavailable condition.
	ErrUnavailable = errors.New("store unavailable")
)

// Unavailable wraps err so that it matches ErrUnavailable while keeping the
// original cause in the message.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// IsUnavailable reports whether err means the store could not serve the
// request, whatever the transport-level cause.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionClosed)
}
