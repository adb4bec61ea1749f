package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass groups adapter failures by what the caller can do about them.
type ErrorClass string

const (
	// ClassConfiguration: missing credential, endpoint or recipient. No network call was made.
	ClassConfiguration ErrorClass = "configuration"
	// ClassProviderRejection: the provider answered with a non-2xx status.
	ClassProviderRejection ErrorClass = "provider_rejection"
	// ClassMalformedResponse: 2xx with a body that could not be parsed; delivery is unconfirmed.
	ClassMalformedResponse ErrorClass = "malformed_response"
	// ClassTransport: timeout, DNS, connection refused and similar.
	ClassTransport ErrorClass = "transport"
)

// SendError is the only error type adapters return.
type SendError struct {
	Class      ErrorClass
	HTTPStatus int
	Message    string
	Err        error
}

func (e *SendError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Class, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Temporary reports whether a manual re-send may succeed without a config change.
func (e *SendError) Temporary() bool {
	switch e.Class {
	case ClassTransport, ClassMalformedResponse:
		return true
	case ClassProviderRejection:
		return e.HTTPStatus == http.StatusRequestTimeout ||
			e.HTTPStatus == http.StatusTooManyRequests ||
			e.HTTPStatus >= 500
	default:
		return false
	}
}

func ConfigError(format string, args ...interface{}) *SendError {
	return &SendError{Class: ClassConfiguration, Message: fmt.Sprintf(format, args...)}
}

func rejection(status int, message string) *SendError {
	return &SendError{Class: ClassProviderRejection, HTTPStatus: status, Message: message}
}

func malformed(status int, message string, err error) *SendError {
	return &SendError{Class: ClassMalformedResponse, HTTPStatus: status, Message: message, Err: err}
}

func transportError(op string, err error) *SendError {
	msg := fmt.Sprintf("%s: %v", op, err)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("%s: request timed out", op)
	}
	return &SendError{Class: ClassTransport, Message: msg, Err: err}
}

// AsSendError converts any error into a SendError. Unknown errors are treated
// as transport failures so they stay recoverable.
func AsSendError(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return transportError("send failed", err)
}
