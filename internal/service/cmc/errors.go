package cmc

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable means the retry budget ran out on 5xx, timeouts or
	// connection failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrClientRequest means the upstream answered with a status that is neither
	// 2xx nor retryable.
	ErrClientRequest = errors.New("client request rejected")
	// ErrResponseTooLarge means a 2xx body did not fit the configured limit.
	ErrResponseTooLarge = errors.New("response exceeds body limit")
)

// FetchError describes a failed fetch. Match it with errors.Is against the
// sentinel kinds above.
type FetchError struct {
	Endpoint string
	Status   int // last HTTP status, 0 when no response arrived
	Attempts int
	Kind     error
	Err      error // last transport error, if any
	Body     string
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %v after %d attempt(s)", e.Endpoint, e.Kind, e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
