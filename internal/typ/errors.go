package typ

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an attempt failure. The kind decides whether the
// failing provider is penalized, whether the attempt loop moves to the next
// candidate, and which status the client ultimately sees.
type ErrorKind string

const (
	KindNetworkError      ErrorKind = "network_error"
	KindTimeout           ErrorKind = "timeout"
	KindUpstreamServer    ErrorKind = "upstream_server_error"
	KindRateLimited       ErrorKind = "rate_limited"
	KindUpstreamAuth      ErrorKind = "upstream_auth_error"
	KindOAuthUnavailable  ErrorKind = "oauth_unavailable"
	KindClientRequest     ErrorKind = "invalid_request_error"
	KindModelNotRouted    ErrorKind = "model_not_routed"
	KindAllExhausted      ErrorKind = "all_providers_exhausted"
	KindStreamAborted     ErrorKind = "stream_aborted"
)

// MaxUpstreamBodyBytes caps how much of an upstream error body is carried to
// the client.
const MaxUpstreamBodyBytes = 500

// RelayError carries a classified attempt failure through the lifecycle.
type RelayError struct {
	Kind         ErrorKind
	Status       int    // upstream HTTP status, 0 for local/network errors
	UpstreamBody string // truncated to MaxUpstreamBodyBytes
	Message      string
	Err          error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RelayError) Unwrap() error { return e.Err }

// NewRelayError builds a RelayError with a truncated upstream body.
func NewRelayError(kind ErrorKind, status int, message string, body []byte) *RelayError {
	if len(body) > MaxUpstreamBodyBytes {
		body = body[:MaxUpstreamBodyBytes]
	}
	return &RelayError{
		Kind:         kind,
		Status:       status,
		UpstreamBody: string(body),
		Message:      message,
	}
}

// Retryable reports whether the attempt loop should move on to the next
// candidate after this failure.
func (e *RelayError) Retryable() bool {
	switch e.Kind {
	case KindNetworkError, KindTimeout, KindUpstreamServer, KindRateLimited, KindUpstreamAuth, KindOAuthUnavailable:
		return true
	}
	return false
}

// CountsAgainstProvider reports whether the failure should penalize the
// provider's health. Client errors and local errors do not.
func (e *RelayError) CountsAgainstProvider() bool {
	switch e.Kind {
	case KindNetworkError, KindTimeout, KindUpstreamServer, KindRateLimited, KindUpstreamAuth, KindStreamAborted:
		return true
	}
	return false
}

// ClientStatus maps the error kind to the HTTP status returned to the client
// once the attempt loop gives up.
func (e *RelayError) ClientStatus() int {
	switch e.Kind {
	case KindNetworkError, KindUpstreamServer, KindStreamAborted:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamAuth, KindOAuthUnavailable:
		return http.StatusUnauthorized
	case KindClientRequest:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusBadRequest
	case KindModelNotRouted:
		return http.StatusNotFound
	case KindAllExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// ClassifyStatus maps an upstream HTTP status to an error kind. Statuses not
// covered here are treated as client request errors and passed through.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUpstreamAuth
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindUpstreamServer
	default:
		return KindClientRequest
	}
}

// ErrOAuthTokenUnavailable is returned by the token store when no usable
// token exists. The lifecycle surfaces it as 401 with re-auth instructions.
var ErrOAuthTokenUnavailable = errors.New("oauth token not available")

// ErrModelNotRouted is returned when no route matches the requested model and
// no default route is configured.
var ErrModelNotRouted = errors.New("no route for requested model")
