package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// KindUnknown is an unclassified error. It is treated as non-transient.
	KindUnknown Kind = iota
	// KindConfiguration is an invalid batch, concurrency or rate parameter.
	// Fatal at startup, never retried.
	KindConfiguration
	// KindTransient is a network timeout, rate-limited response or temporary
	// unavailability. Retried by the retry policy.
	KindTransient
	// KindPermanent is a not-found or forbidden response. Never retried.
	KindPermanent
	// KindCheckpointIO is a durable-write failure. Fatal for the phase.
	KindCheckpointIO
	// KindRetriesExhausted wraps the last transient error after the retry
	// budget is spent. Treated as permanent for the item.
	KindRetriesExhausted
	// KindDependency is a phase whose prerequisites are not complete.
	KindDependency
	// KindInterrupted is a phase or run stopped by cancellation.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindTransient:
		return "transient_fetch_error"
	case KindPermanent:
		return "permanent_fetch_error"
	case KindCheckpointIO:
		return "checkpoint_io_error"
	case KindRetriesExhausted:
		return "retries_exhausted"
	case KindDependency:
		return "dependency_error"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Error is a classified error. StatusCode carries the HTTP status when the
// failure came from an HTTP response.
type Error struct {
	Kind       Kind
	Err        error
	StatusCode int
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *Error {
	return &Error{Kind: KindTransient, Err: err, StatusCode: statusCode}
}

// NewPermanentError wraps an error as permanent with an optional HTTP status code.
func NewPermanentError(err error, statusCode int) *Error {
	return &Error{Kind: KindPermanent, Err: err, StatusCode: statusCode}
}

// NewConfigurationError builds a configuration error from a format string.
func NewConfigurationError(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// NewCheckpointIOError wraps a durable-write failure.
func NewCheckpointIOError(err error) *Error {
	return &Error{Kind: KindCheckpointIO, Err: err}
}

// NewDependencyError reports that phase cannot start because prerequisite
// phases have not completed.
func NewDependencyError(phase string, incomplete []string) *Error {
	return &Error{
		Kind: KindDependency,
		Err: fmt.Errorf("phase %q: incomplete prerequisite(s): %s",
			phase, strings.Join(incomplete, ", ")),
	}
}

// NewInterruptedError wraps a cancellation cause.
func NewInterruptedError(err error) *Error {
	return &Error{Kind: KindInterrupted, Err: err}
}

// RetriesExhaustedError wraps the last error once the retry budget is spent.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err. The outermost classification in
// the chain wins, so a RetriesExhaustedError wrapping a transient error is
// KindRetriesExhausted.
func KindOf(err error) Kind {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch t := e.(type) {
		case *RetriesExhaustedError:
			return KindRetriesExhausted
		case *Error:
			return t.Kind
		}
	}

	// Wrappers that expose their cause only through As.
	var rex *RetriesExhaustedError
	if errors.As(err, &rex) {
		return KindRetriesExhausted
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsTransient returns true if the error is classified transient, or if it is
// unclassified and matches common transient patterns (network timeouts,
// connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch KindOf(err) {
	case KindTransient:
		return true
	case KindUnknown:
	default:
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		425, // Too Early
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus wraps err according to an HTTP status code: transient
// statuses become transient errors, other 4xx/5xx become permanent.
func ClassifyHTTPStatus(err error, statusCode int) error {
	if IsTransientHTTPStatus(statusCode) {
		return NewTransientError(err, statusCode)
	}
	return NewPermanentError(err, statusCode)
}
