package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"flowsync/internal/remote"
)

// TerminalClientError is a 4xx response; the call is never retried.
type TerminalClientError struct {
	StatusCode int
	Err        error
}

func (e *TerminalClientError) Error() string {
	return fmt.Sprintf("terminal client error (http %d): %v", e.StatusCode, e.Err)
}

func (e *TerminalClientError) Unwrap() error { return e.Err }

// TransientError is a timeout, network failure or 5xx response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ExhaustedRetriesError is returned once every attempt of a call failed transiently.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

// IsTerminal reports whether err is a non-retryable client error.
func IsTerminal(err error) bool {
	var t *TerminalClientError
	return errors.As(err, &t)
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var t *TransientError
	if errors.As(err, &t) {
		return true
	}
	var ex *ExhaustedRetriesError
	return errors.As(err, &ex)
}

// classify maps a raw call error onto the taxonomy. It returns nil for
// errors that must be returned unchanged (parent cancellation, bad payloads).
func classify(parent context.Context, err error) error {
	var (
		terminal  *TerminalClientError
		transient *TransientError
	)
	if errors.As(err, &terminal) || errors.As(err, &transient) {
		return err
	}

	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= http.StatusInternalServerError {
			return &TransientError{Err: err}
		}
		return &TerminalClientError{StatusCode: statusErr.StatusCode, Err: err}
	}

	if parent.Err() != nil {
		return nil
	}
	if errors.Is(err, remote.ErrInvalidPayload) {
		return nil
	}
	// timeouts, network and store failures
	return &TransientError{Err: err}
}
