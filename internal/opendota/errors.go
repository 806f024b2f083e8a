package opendota

import (
	"errors"
	"fmt"
	"time"
)

// Failure classes reported by the client. The client never retries; callers
// decide what a class means for the work item.
var (
	// ErrNotFound means the remote confirmed the id does not exist. Terminal.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited means the remote throttled us (HTTP 429).
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers network failures and non-2xx responses other than 404/429.
	ErrTransient = errors.New("transient failure")
	// ErrMalformedResponse means the body was not valid JSON or lacked a required field.
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError carries the failure class plus request context.
type APIError struct {
	Kind       error
	Endpoint   string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("opendota %s: %v", e.Endpoint, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RetryAfter returns the server supplied Retry-After for a rate limited
// error, or zero.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// Classify maps err onto one of the failure classes, or nil when err is not
// an API failure (for example a cancelled context).
func Classify(err error) error {
	for _, kind := range []error{ErrNotFound, ErrRateLimited, ErrMalformedResponse, ErrTransient} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
