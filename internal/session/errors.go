package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by QRSnapshot outside AwaitingScan.
	ErrNotReady = errors.New("session is not awaiting scan")

	// ErrNotAuthenticated is returned by operations that require a
	// logged-in session. It is never retried internally; the operator
	// has to scan the QR code first.
	ErrNotAuthenticated = errors.New("session is not authenticated")

	// ErrClosed is returned after Close; the owner must Acquire again.
	ErrClosed = errors.New("session is closed")

	// ErrGroupNotFound is returned by SendToGroup when no cached group
	// matches the requested title.
	ErrGroupNotFound = errors.New("group not found")

	// ErrSendTimeout is returned when the compose flow did not reach
	// the send button within its bounded waits.
	ErrSendTimeout = errors.New("send timed out")
)

// DriverInitError wraps failures to start the automation driver during
// Acquire.
type DriverInitError struct {
	Account string
	Err     error
}

func (e *DriverInitError) Error() string {
	return fmt.Sprintf("driver init for %s: %v", e.Account, e.Err)
}
func (e *DriverInitError) Unwrap() error { return e.Err }
