package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a provider failure for the retry state machine.
type Kind string

const (
	// KindTransient covers network failures, timeouts, 408, 429 and 5xx.
	KindTransient Kind = "transient"
	// KindPermanent covers auth, quota and request errors. The provider is not retried.
	KindPermanent Kind = "permanent"
	// KindInvalidResponse is a response that could not be parsed or failed validation.
	KindInvalidResponse Kind = "invalid-response"
)

// Error is returned by providers for every failed call.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	// RetryAfter is the wait the provider asked for, zero when none was given.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (http %d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatusCode exposes the upstream status code, if any.
func (e *Error) HTTPStatusCode() int { return e.StatusCode }

func Transient(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindTransient, Err: err}
}

func Permanent(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindPermanent, Err: err}
}

func InvalidResponse(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindInvalidResponse, Err: err}
}

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(code int) Kind {
	switch {
	case code == 408 || code == 429:
		return KindTransient
	case code >= 500 && code <= 599:
		return KindTransient
	default:
		return KindPermanent
	}
}

// KindOf classifies any error returned from a provider call. Errors that are
// not *Error are treated as transient when they look like network or deadline
// failures and permanent otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}

// RetryAfter returns the provider-supplied wait carried by err, if any.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter
	}
	return 0
}
