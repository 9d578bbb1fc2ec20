// Package errdefs defines the closed set of error kinds crossing component
// boundaries, helpers to classify wrapped errors, and the HTTP translation
// used by the gateway.
//
// Components attach a kind by wrapping the matching sentinel:
//
//	return fmt.Errorf("service %q: %w", id, errdefs.ErrNotFound)
//
// Callers classify with errors.Is or the Is* helpers; transports translate
// with HTTPStatus (HTTP) and the status mapping in pkg/api (gRPC). Only
// ErrTransient is retryable.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind names one error class. The set mirrors the sentinel errors below and
// is closed: new kinds are a contract change.
type Kind string

const (
	KindNotFound         Kind = "NotFound"
	KindAlreadyExists    Kind = "AlreadyExists"
	KindInvalidInput     Kind = "InvalidInput"
	KindUnauthorized     Kind = "Unauthorized"
	KindPermissionDenied Kind = "PermissionDenied"
	KindOverloaded       Kind = "Overloaded"
	KindCircuitOpen      Kind = "CircuitOpen"
	KindTransient        Kind = "TransientInternal"
	KindFatal            Kind = "Fatal"
	KindUnknown          Kind = "Unknown"
)

var (
	// ErrNotFound: the target service, secret or capability does not exist
	// for the given tenant.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists: attempted to create a duplicate (tenant, service)
	// pair or secret name.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput: malformed id, unsupported format, or a body that
	// violates the schema.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized: missing or invalid tenant identification, or a bad
	// certificate or master key.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPermissionDenied: a capability check failed.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrOverloaded: the load shedder rejected the request.
	ErrOverloaded = errors.New("overloaded")

	// ErrCircuitOpen: the circuit breaker rejected the call.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrTransient: a retryable internal failure such as a storage stall or
	// a timer firing during shutdown.
	ErrTransient = errors.New("transient internal error")

	// ErrFatal: unrecoverable; shutdown indicated.
	ErrFatal = errors.New("fatal error")
)

func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool    { return errors.Is(err, ErrAlreadyExists) }
func IsInvalidInput(err error) bool     { return errors.Is(err, ErrInvalidInput) }
func IsUnauthorized(err error) bool     { return errors.Is(err, ErrUnauthorized) }
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }
func IsOverloaded(err error) bool       { return errors.Is(err, ErrOverloaded) }
func IsCircuitOpen(err error) bool      { return errors.Is(err, ErrCircuitOpen) }
func IsTransient(err error) bool        { return errors.Is(err, ErrTransient) }
func IsFatal(err error) bool            { return errors.Is(err, ErrFatal) }

// KindOf classifies err by its wrapped sentinel. Unwrapped errors report
// KindUnknown and are treated as internal by the transports.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case IsNotFound(err):
		return KindNotFound
	case IsAlreadyExists(err):
		return KindAlreadyExists
	case IsInvalidInput(err):
		return KindInvalidInput
	case IsUnauthorized(err):
		return KindUnauthorized
	case IsPermissionDenied(err):
		return KindPermissionDenied
	case IsOverloaded(err):
		return KindOverloaded
	case IsCircuitOpen(err):
		return KindCircuitOpen
	case IsTransient(err):
		return KindTransient
	case IsFatal(err):
		return KindFatal
	default:
		return KindUnknown
	}
}

// Retryable reports whether the caller may retry the operation. Only
// transient internal failures qualify; the circuit breaker's half-open probe
// is the single component that retries on its own.
func Retryable(err error) bool {
	return IsTransient(err)
}

// HTTPStatus maps an error kind to the gateway's HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindOverloaded, KindCircuitOpen, KindTransient:
		return http.StatusServiceUnavailable
	case KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the wire form of a user-visible error.
type Envelope struct {
	ErrorCode Kind      `json:"error_code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AsEnvelope builds the wire form for err at the current instant.
func AsEnvelope(err error) Envelope {
	return Envelope{
		ErrorCode: KindOf(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

// Wrapf attaches kind to a formatted message. Convenience over fmt.Errorf for
// call sites that build the message and kind together.
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}
