package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the closed set of failure classes a provider call can end in.
type Kind int

const (
	// KindTransient covers network faults and 5xx responses.
	KindTransient Kind = iota
	KindTimeout
	KindRateLimited
	// KindEmpty is a successful call that produced no usable text.
	KindEmpty
	// KindMalformed means the provider rejected the payload itself.
	KindMalformed
	// KindUnavailable means the provider cannot be used at all (bad credential,
	// unknown model, missing capability).
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindEmpty:
		return "empty"
	case KindMalformed:
		return "malformed"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether another candidate (or another attempt) may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindRateLimited, KindEmpty, KindUnavailable:
		return true
	default:
		return false
	}
}

// Error is the typed failure returned by provider adapters.
type Error struct {
	Kind     Kind
	Provider string
	Model    string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	msg := "no detail"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status=%d): %s", e.Provider, e.Model, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Provider, e.Model, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrEmptyResponse is wrapped by KindEmpty errors.
var ErrEmptyResponse = errors.New("empty model response")

// KindOf extracts the Kind of err. Errors that did not come from an adapter are
// treated as transient, except context timeouts.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindTransient
}

// KindFromStatus maps an HTTP status code to a Kind.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusNotFound || status == http.StatusPaymentRequired:
		return KindUnavailable
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity ||
		status == http.StatusRequestEntityTooLarge:
		return KindMalformed
	default:
		return KindTransient
	}
}

// KindFromTransport classifies an error raised before any HTTP status was seen.
func KindFromTransport(err error) Kind {
	if isTimeout(err) {
		return KindTimeout
	}
	return KindTransient
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
