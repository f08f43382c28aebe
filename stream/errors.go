package stream

import (
	"errors"
	"fmt"
)

// AuthenticationError reports a rejected streaming login. It is fatal for the
// connection attempt and is never silently retried as if transient.
type AuthenticationError struct {
	Code    string
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stream: authentication rejected: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("stream: authentication rejected: %s", e.Code)
}

// ErrCommandQueueFull is returned when the non-blocking command path cannot
// accept another request; the decode loop is never blocked to make room.
var ErrCommandQueueFull = errors.New("stream: command queue full")
