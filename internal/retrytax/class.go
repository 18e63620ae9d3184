// Package retrytax implements the error taxonomy and retry-scheduling
// decision function every component boundary in the pipeline funnels
// through (spec §4.1, §4.2).
package retrytax

import (
	"fmt"
	"time"
)

// Class tags a ClassifiedError with how the retry scheduler should treat
// it. Mirrors the original Rust daemon's three-way classification.
type Class int

const (
	// Final means the run can never succeed as-is; never retry.
	Final Class = iota
	// Retryable means a transient environmental failure.
	Retryable
	// RateLimited means the upstream told us to back off. RetryAfter, when
	// non-nil, is authoritative over backoff math.
	RateLimited
)

func (c Class) String() string {
	switch c {
	case Final:
		return "final"
	case Retryable:
		return "retryable"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ParseClass is the inverse of String, used when rehydrating error_class
// from the store.
func ParseClass(s string) (Class, bool) {
	switch s {
	case "final":
		return Final, true
	case "retryable":
		return Retryable, true
	case "rate_limited":
		return RateLimited, true
	default:
		return 0, false
	}
}

// ClassifiedError is the boundary type every public D/E/F/G operation
// returns instead of a raw error (spec §4.1, §7).
type ClassifiedError struct {
	Class      Class
	Message    string
	RetryAfter *time.Duration // only meaningful when Class == RateLimited
}

func (e *ClassifiedError) Error() string {
	return e.Message
}

// Finalf builds a Final classified error.
func Finalf(format string, args ...any) *ClassifiedError {
	return &ClassifiedError{Class: Final, Message: fmt.Sprintf(format, args...)}
}

// Retryablef builds a Retryable classified error.
func Retryablef(format string, args ...any) *ClassifiedError {
	return &ClassifiedError{Class: Retryable, Message: fmt.Sprintf(format, args...)}
}

// RateLimitedf builds a RateLimited classified error, optionally carrying
// an authoritative retry-after duration.
func RateLimitedf(retryAfter *time.Duration, format string, args ...any) *ClassifiedError {
	return &ClassifiedError{Class: RateLimited, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}
