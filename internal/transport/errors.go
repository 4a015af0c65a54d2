package transport

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass is a coarse category of a delivery failure.
type ErrorClass string

const (
	ErrForbidden  ErrorClass = "forbidden"
	ErrNotFound   ErrorClass = "not_found"
	ErrBadRequest ErrorClass = "bad_request"
	ErrTimeout    ErrorClass = "timeout"
	ErrUnknown    ErrorClass = "unknown"
)

// SendError is returned by adapters when the platform rejected a message.
type SendError struct {
	Class ErrorClass
	Err   error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify maps a delivery error to its class. Adapters wrap platform errors
// in *SendError; anything else falls back to matching well-known markers.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) && se.Class != "" {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "forbidden"),
		strings.Contains(s, "bot was blocked"),
		strings.Contains(s, "bot was kicked"),
		strings.Contains(s, "not enough rights"):
		return ErrForbidden
	case strings.Contains(s, "chat not found"),
		strings.Contains(s, "user not found"),
		strings.Contains(s, "not found"):
		return ErrNotFound
	case strings.Contains(s, "bad request"):
		return ErrBadRequest
	default:
		return ErrUnknown
	}
}

// Describe formats err as "<class>: <detail>" for persistence.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return string(Classify(err)) + ": " + err.Error()
}
