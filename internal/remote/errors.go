package remote

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorClass categorizes remote failures for retry decisions.
//
// Classify is the engine's single classification point: every other
// component only asks "permanent or retryable" and never inspects raw
// error codes.
type ErrorClass string

const (
	// ClassTransientNetwork covers timeouts, connectivity loss, gateway
	// errors, and malformed non-JSON transport responses. Always retryable.
	ClassTransientNetwork ErrorClass = "TRANSIENT_NETWORK"

	// ClassAuthExpired indicates the session is no longer valid. The auth
	// wrapper performs exactly one refresh-and-retry cycle for this class.
	ClassAuthExpired ErrorClass = "AUTH_EXPIRED"

	// ClassVersionConflict is an optimistic-concurrency violation. Permanent
	// for the item; surfaced as a user-visible conflict, never retried
	// blindly.
	ClassVersionConflict ErrorClass = "VERSION_CONFLICT"

	// ClassReferentialIntegrity means a referenced entity does not yet exist
	// remotely. Permanent for the current attempt; the caller may retry once
	// the dependency has synced.
	ClassReferentialIntegrity ErrorClass = "REFERENTIAL_INTEGRITY"

	// ClassValidation is a business-rule rejection. Permanent.
	ClassValidation ErrorClass = "VALIDATION"

	// ClassRateLimited is a 429-style rejection. Retryable; backoff is
	// implied by the queue's draining cadence.
	ClassRateLimited ErrorClass = "RATE_LIMITED"

	// ClassUnknown is the default for unrecognized errors. Treated as
	// retryable so a novel transient failure is not silently dropped.
	ClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifiedError wraps an error with an explicit class. Implementations of
// the remote interfaces attach classes at the transport edge; Classify
// unwraps them first and falls back to message inspection for foreign errors.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// WrapClass attaches an explicit class to err. Returns nil for a nil err.
func WrapClass(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// Classify categorizes a remote failure.
//
// Explicitly classified errors win. Otherwise the error message is matched
// against known backend patterns, the way the wire actually reports them.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransientNetwork
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "jwt expired") ||
		strings.Contains(msg, "invalid token"):
		return ClassAuthExpired

	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return ClassRateLimited

	case strings.Contains(msg, "409") ||
		strings.Contains(msg, "version conflict") ||
		strings.Contains(msg, "concurrent update"):
		return ClassVersionConflict

	case strings.Contains(msg, "23503") ||
		strings.Contains(msg, "foreign key") ||
		strings.Contains(msg, "violates foreign"):
		return ClassReferentialIntegrity

	case strings.Contains(msg, "422") ||
		strings.Contains(msg, "validation") ||
		strings.Contains(msg, "check constraint"):
		return ClassValidation

	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "invalid character"): // non-JSON body from a proxy
		return ClassTransientNetwork
	}

	return ClassUnknown
}

// Permanent reports whether the class should never be retried.
func Permanent(class ErrorClass) bool {
	switch class {
	case ClassVersionConflict, ClassReferentialIntegrity, ClassValidation:
		return true
	}
	return false
}

// Retryable reports whether the class may be retried through the queue.
func Retryable(class ErrorClass) bool {
	switch class {
	case ClassTransientNetwork, ClassRateLimited, ClassUnknown:
		return true
	}
	return false
}

// QualifiesForBreaker reports whether the class counts toward the mutation
// queue's circuit breaker. Transient failures and rate limiting indicate the
// remote side is struggling; repeated version conflicts indicate a systemic
// divergence worth backing off from. Auth, integrity and validation failures
// say nothing about remote health.
func QualifiesForBreaker(class ErrorClass) bool {
	switch class {
	case ClassTransientNetwork, ClassRateLimited, ClassVersionConflict:
		return true
	}
	return false
}
