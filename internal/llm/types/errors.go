package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the closed set of failure categories a generation attempt or
// a gateway request can end with.
type ErrorKind string

const (
	KindValidation            ErrorKind = "ValidationError"
	KindAuthorization         ErrorKind = "AuthorizationError"
	KindGenerationInProgress  ErrorKind = "GenerationInProgress"
	KindProviderDisabled      ErrorKind = "ProviderDisabled"
	KindProviderMisconfigured ErrorKind = "ProviderMisconfigured"
	KindProviderUnavailable   ErrorKind = "ProviderUnavailable"
	KindProviderRejected      ErrorKind = "ProviderRejected"
	KindProviderRateLimited   ErrorKind = "ProviderRateLimited"
	KindPersistenceFailure    ErrorKind = "PersistenceFailure"
	KindNotFound              ErrorKind = "NotFound"
	KindRateLimited           ErrorKind = "RateLimited"
)

// IsProviderKind reports whether k originates from a provider call.
func (k ErrorKind) IsProviderKind() bool {
	switch k {
	case KindProviderDisabled, KindProviderMisconfigured, KindProviderUnavailable,
		KindProviderRejected, KindProviderRateLimited:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the status code used by the REST surface.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindGenerationInProgress:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPersistenceFailure:
		return http.StatusInternalServerError
	}
	if k.IsProviderKind() {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Error is the single error type carrying an ErrorKind.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int // backend HTTP status, when there was one
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider != "" {
		if e.StatusCode != 0 {
			return fmt.Sprintf("%s: %s (status %d): %s", e.Kind, e.Provider, e.StatusCode, msg)
		}
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Provider, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and provider to err. A nil err yields nil.
func Wrap(kind ErrorKind, provider string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// KindOf extracts the ErrorKind from err. Unclassified failures are
// reported as ProviderUnavailable.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProviderUnavailable
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// FromHTTPStatus classifies a non-2xx backend response.
func FromHTTPStatus(provider string, status int, body string) error {
	kind := KindProviderUnavailable
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindProviderMisconfigured
	case status == http.StatusTooManyRequests:
		kind = KindProviderRateLimited
	case status >= 400 && status < 500:
		kind = KindProviderRejected
	}
	return &Error{Kind: kind, Provider: provider, StatusCode: status, Message: body}
}

// FromTransport classifies an error returned before any HTTP status was
// received. Context cancellation is passed through untouched so callers can
// tell an abort from a failure.
func FromTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindProviderUnavailable, Provider: provider, Message: "request timed out", Err: err}
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindProviderUnavailable, Provider: provider, Err: err}
}
