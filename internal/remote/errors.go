package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NetworkError wraps a transport-level failure: connection refused,
// DNS failure, or a timed-out request. Network errors are transient
// and count toward the retry budget.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RejectionError is a non-2xx, non-conflict response from the remote.
// 4xx rejections are non-retryable: the request will not succeed by
// being repeated. 5xx responses are treated like transient failures.
type RejectionError struct {
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("remote rejected request: status %d", e.StatusCode)
}

// Retryable reports whether repeating the request could succeed.
func (e *RejectionError) Retryable() bool {
	return e.StatusCode >= 500
}

// ConflictError signals that the target entity was concurrently
// modified (HTTP 409). The server's current snapshot rides along for
// the conflict resolver.
type ConflictError struct {
	ServerPayload json.RawMessage
}

func (e *ConflictError) Error() string {
	return "remote reported concurrent modification"
}

// IsTransient reports whether err represents a failure worth retrying
// on a later sync pass: a network failure, a timeout, or a 5xx.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Retryable()
	}
	return false
}
