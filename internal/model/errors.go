package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthenticationFailed covers any signature mismatch. The response carries
// no detail and logs only redacted values.
var ErrAuthenticationFailed = errors.New("authentication failed")

// AuthorizationError names the capability the actor is missing. It never
// echoes secrets or allowlist contents.
type AuthorizationError struct {
	Capability string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized: missing capability %q", e.Capability)
}

// ValidationError carries a human-readable reason plus an example of a valid
// value.
type ValidationError struct {
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	if e.Example == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s (example: %s)", e.Reason, e.Example)
}

// UpstreamError classifies a failed call to an external platform. Transient
// errors (rate limit, 5xx) are retried within budget; permanent errors
// (not found, auth) abort immediately.
type UpstreamError struct {
	Op        string
	Status    int
	Transient bool
	Cause     error
}

func (e *UpstreamError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s upstream error: %v", e.Op, kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s upstream error (status %d)", e.Op, kind, e.Status)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// TimeoutError means a bounded operation exceeded its budget. It is reported
// as "unknown", never as success or failure.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: exceeded %s budget", e.Op, e.Budget)
}

// ConflictError carries the specific reason a confirm/execute was denied.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

func IsTransientUpstream(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream) && upstream.Transient
}

func IsPermanentUpstream(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream) && !upstream.Transient
}
