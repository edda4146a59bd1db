package device

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned by Request (and mapped from a false Send) when
// the link has no open port. Callers fail fast instead of queueing.
var ErrNotConnected = errors.New("device: not connected")

// ErrUnknownCommand marks a control request outside the board's vocabulary.
var ErrUnknownCommand = errors.New("device: unknown command")

// ConnectError wraps a failed port open.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("device: connect %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandTimeoutError reports a Request that saw no settled response within
// its deadline. Partial carries whatever matching lines arrived before it.
type CommandTimeoutError struct {
	Command string
	Timeout time.Duration
	Partial []string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("device: command %q timed out after %s (%d partial lines)",
		e.Command, e.Timeout, len(e.Partial))
}
