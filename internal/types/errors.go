// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser errors
	ErrBrowserClosed    = errors.New("browser is closed")
	ErrBrowserUnhealthy = errors.New("browser is unhealthy")

	// Watch errors
	ErrWatchNotFound    = errors.New("watch not found")
	ErrTooManyWatches   = errors.New("maximum number of watches reached")
	ErrWatchManagerDown = errors.New("watch manager is closed")
	ErrURLNotActivated  = errors.New("url host is not an activated chat site")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrURLRequired    = errors.New("url is required")
	ErrWatchRequired  = errors.New("watch is required")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// WatchError provides detailed information about watch setup failures.
// It implements the error interface and supports error unwrapping.
type WatchError struct {
	Stage   string // Setup stage that failed: "page", "intercept", "styles", "observe", "navigate"
	URL     string // The URL being watched
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *WatchError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *WatchError) Unwrap() error {
	return e.Err
}

// NewWatchError creates an error for a failed watch setup stage.
func NewWatchError(stage, url string, err error) *WatchError {
	msg := "watch setup failed at " + stage
	if err != nil {
		msg += ": " + err.Error()
	}
	return &WatchError{
		Stage:   stage,
		URL:     url,
		Message: msg,
		Err:     err,
	}
}
