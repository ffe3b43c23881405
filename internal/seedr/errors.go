package seedr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a cloud-store API failure. The orchestration layer makes
// retry-or-surface decisions on the kind alone, never on transport details.
type Kind int

const (
	// KindTransient covers network failures, timeouts and 5xx responses.
	// Safe to retry with backoff.
	KindTransient Kind = iota
	// KindUnauthenticated means the access token was rejected and refresh
	// did not help. The user must log in again.
	KindUnauthenticated
	// KindRateLimited maps 429 responses.
	KindRateLimited
	// KindNotFound maps 404 responses, typically a stale transfer id.
	KindNotFound
	// KindPermanent covers every other 4xx and schema violations. Retrying
	// will not help.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	default:
		return "permanent"
	}
}

// APIError is the uniform error result for every cloud-store call.
type APIError struct {
	Kind       Kind
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("seedr %s failed (%s, HTTP %d): %s", e.Operation, e.Kind, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("seedr %s failed (%s): %s", e.Operation, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the orchestrator may retry the operation.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// KindOf extracts the classification from an error chain, defaulting to
// permanent for errors that did not originate in this client.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	return KindPermanent
}

// IsUnauthenticated is a convenience check used by HTTP handlers.
func IsUnauthenticated(err error) bool {
	return KindOf(err) == KindUnauthenticated
}

// classifyStatus maps an HTTP response code to an error kind.
func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindUnauthenticated
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusNotFound:
		return KindNotFound
	case code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

func statusError(op string, code int, message string) *APIError {
	if message == "" {
		message = http.StatusText(code)
	}

	return &APIError{Kind: classifyStatus(code), Operation: op, StatusCode: code, Message: message}
}

func transportError(op string, err error) *APIError {
	return &APIError{Kind: KindTransient, Operation: op, Message: err.Error(), Err: err}
}

func schemaError(op string, err error) *APIError {
	return &APIError{Kind: KindPermanent, Operation: op, Message: "unexpected response schema: " + err.Error(), Err: err}
}
