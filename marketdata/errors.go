package marketdata

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an APIError.
type Kind int

const (
	// KindTransient covers network failures and statuses worth retrying later.
	KindTransient Kind = iota
	// KindNotFound means the ticker is unknown or delisted.
	KindNotFound
	// KindBadRequest means the API rejected the request, normally a bad symbol.
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindBadRequest:
		return "BadRequest"
	}
	return "Transient"
}

// APIError is the only error type returned by Client fetches. Status is 0 when the
// request never received a response.
type APIError struct {
	Status  int
	Kind    Kind
	Message string

	// err is the underlying transport error, if any.
	err error
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap allows errors.Is/As to reach the transport error.
func (e *APIError) Unwrap() error {
	return e.err
}

// Retryable reports if repeating the request might succeed. 4xx responses are
// final except for 408 and 429.
func (e *APIError) Retryable() bool {
	if e.Kind != KindTransient {
		return false
	}
	if e.Status >= 400 && e.Status < 500 {
		return e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
	}
	return true
}

// IsTransient reports if err is an APIError that is worth retrying.
func IsTransient(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// KindOf returns the Kind of err. Errors that are not APIErrors are transient.
func KindOf(err error) Kind {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// statusError maps a non-2xx status into an APIError. what names the resource
// for the generic message, notFound is the message used on 404.
func statusError(status int, what, notFound string) *APIError {
	switch status {
	case http.StatusNotFound:
		return &APIError{Status: status, Kind: KindNotFound, Message: notFound}
	case http.StatusBadRequest:
		return &APIError{Status: status, Kind: KindBadRequest, Message: "Invalid request. Please check the ticker symbol"}
	}
	return &APIError{Status: status, Kind: KindTransient, Message: fmt.Sprintf("Failed to fetch %s. Please try again later", what)}
}

// transportError wraps a failure that produced no usable response.
func transportError(what string, err error) *APIError {
	return &APIError{Kind: KindTransient, Message: fmt.Sprintf("Failed to fetch %s. Please try again later", what), err: err}
}
