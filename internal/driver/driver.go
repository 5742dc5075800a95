// Package driver defines the automation driver capability interface:
// the opaque per-account resource that performs UI actions against the
// WhatsApp Web client. Session and scheduling logic depend only on this
// contract; backends are interchangeable.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by FindFirst when no locator matched within
// the timeout. It is a transient condition, not a driver failure.
var ErrNotFound = errors.New("element not found")

// FatalError marks an unrecoverable driver failure (browser process
// gone, sidecar unreachable). The owning session must be closed and
// reacquired.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("driver lost: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err indicates the driver is unusable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Locator addresses one element. By is the strategy ("css", "xpath" or
// "text"); fallback chains list the most specific locator first.
type Locator struct {
	By    string
	Value string
}

func CSS(v string) Locator   { return Locator{By: "css", Value: v} }
func XPath(v string) Locator { return Locator{By: "xpath", Value: v} }
func Text(v string) Locator  { return Locator{By: "text", Value: v} }

// Element is an opaque handle to a located element. Handles are only
// valid until the next navigation.
type Element struct {
	ID string
}

// Driver performs UI actions for exactly one account session. A Driver
// is a single-threaded resource: callers must serialize access. Every
// call carries a bounded timeout, either explicit or via ctx.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	FindFirst(ctx context.Context, locators []Locator, timeout time.Duration) (Element, error)
	// FindTexts returns the visible text of every element matching the
	// locator, in document order. Used for list scrapes (group titles).
	FindTexts(ctx context.Context, locator Locator, timeout time.Duration) ([]string, error)
	Click(ctx context.Context, el Element) error
	Type(ctx context.Context, el Element, text string) error
	Screenshot(ctx context.Context, el Element) ([]byte, error)
	IsMarkerPresent(ctx context.Context, marker Locator, timeout time.Duration) (bool, error)
	Close(ctx context.Context) error
}

// Factory creates a fresh Driver for the named account. Acquisition
// failures should be wrapped so callers can distinguish them from
// in-session errors.
type Factory func(ctx context.Context, account string) (Driver, error)
