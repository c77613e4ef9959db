package apigateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrEndpointExists   = errors.New("endpoint already registered")
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")

	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyRevoked  = errors.New("api key revoked")
	ErrKeyExpired  = errors.New("api key expired")
	ErrInvalidKey  = errors.New("invalid api key")

	// ErrTransient marks a handler failure that is safe to retry for
	// idempotent methods. Wrap it with Transient.
	ErrTransient = errors.New("transient dispatch failure")

	errHandlerPanic = errors.New("handler panicked")
)

// Transient wraps err so the pipeline may retry the dispatch.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// FailureKind classifies a terminal pipeline failure.
type FailureKind string

const (
	KindNotFound        FailureKind = "NotFound"
	KindUnauthenticated FailureKind = "Unauthenticated"
	KindForbidden       FailureKind = "Forbidden"
	KindRateLimited     FailureKind = "RateLimited"
	KindTimeout         FailureKind = "Timeout"
	KindInternal        FailureKind = "Internal"
	KindUnavailable     FailureKind = "Unavailable"
	KindCanceled        FailureKind = "Canceled"
)

// StatusClientClosedRequest is reported when the caller went away mid-dispatch.
const StatusClientClosedRequest = 499

// StatusCode maps a kind to its HTTP status.
func (k FailureKind) StatusCode() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is a failure raised by one pipeline stage.
type GatewayError struct {
	Kind  FailureKind
	Stage Stage
	Err   error
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func failure(kind FailureKind, stage Stage, err error) *GatewayError {
	return &GatewayError{Kind: kind, Stage: stage, Err: err}
}

type errorBody struct {
	Error   FailureKind `json:"error"`
	Message string      `json:"message"`
}

// response renders the failure as a terminal response. Internal details are
// not leaked to the caller.
func (e *GatewayError) response() *Response {
	msg := http.StatusText(e.Kind.StatusCode())
	switch e.Kind {
	case KindUnauthenticated:
		msg = "authentication required"
	case KindForbidden, KindNotFound:
		if e.Err != nil {
			msg = e.Err.Error()
		}
	case KindRateLimited:
		msg = "you have sent too many requests to this service, slow down please"
	}
	if msg == "" {
		msg = string(e.Kind)
	}

	body, err := json.Marshal(errorBody{Error: e.Kind, Message: msg})
	if err != nil {
		body = []byte(`{"error":"` + string(e.Kind) + `"}`)
	}
	return &Response{
		StatusCode:  e.Kind.StatusCode(),
		Headers:     map[string]string{"Content-Type": "application/json"},
		Body:        body,
		RateLimited: e.Kind == KindRateLimited,
	}
}
