package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	xhttp "MarketPulse/pkg/http"
)

// Kind is the failure class of an acquisition or channel error.
type Kind string

const (
	KindNetwork    Kind = "NetworkError"
	KindTimeout    Kind = "TimeoutError"
	KindAPI        Kind = "APIError"
	KindValidation Kind = "ValidationError"
	KindWebSocket  Kind = "WebSocketError"
)

// Reason refines an APIError.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRateLimited Reason = "rate_limited"
	ReasonInvalidKey  Reason = "invalid_key"
	ReasonStatus      Reason = "status"
)

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Reason   Reason
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindWebSocket:
		return true
	case KindAPI:
		return e.Reason != ReasonInvalidKey
	default:
		return false
	}
}

// New creates a classified error.
func New(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// Wrap creates a classified error around err.
func Wrap(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// RateLimited creates an APIError for a throttled provider response.
func RateLimited(provider, message string) *Error {
	return &Error{Kind: KindAPI, Reason: ReasonRateLimited, Provider: provider, Status: http.StatusTooManyRequests, Message: message}
}

// InvalidKey creates an APIError for a rejected credential.
func InvalidKey(provider, message string) *Error {
	return &Error{Kind: KindAPI, Reason: ReasonInvalidKey, Provider: provider, Message: message}
}

// Classify maps any error onto the taxonomy. Already classified errors are
// returned as is.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		if ce.Provider != "" || provider == "" {
			return ce
		}
		cp := *ce
		cp.Provider = provider
		return &cp
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: provider, Message: "attempt exceeded deadline", Err: err}
	}

	var se *xhttp.StatusError
	if errors.As(err, &se) {
		e := &Error{Kind: KindAPI, Reason: ReasonStatus, Provider: provider, Status: se.Status, Err: err}
		switch se.Status {
		case http.StatusTooManyRequests:
			e.Reason = ReasonRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			e.Reason = ReasonInvalidKey
		}
		return e
	}

	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) {
		return &Error{Kind: KindValidation, Provider: provider, Message: "malformed payload", Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &Error{Kind: KindTimeout, Provider: provider, Err: err}
		}
		return &Error{Kind: KindNetwork, Provider: provider, Err: err}
	}

	return &Error{Kind: KindNetwork, Provider: provider, Err: err}
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify("", err).Retryable()
}

// KindOf returns the taxonomy kind of err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify("", err).Kind
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, provider, format string, a ...interface{}) *Error {
	return New(kind, provider, fmt.Sprintf(format, a...))
}
