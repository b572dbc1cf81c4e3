package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure for transport mapping.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindBusinessLogic Kind = "business_logic"
	KindTransient     Kind = "transient"
	KindUnexpected    Kind = "unexpected"
)

// DefaultRetryAfter is sent with transient failures when the source gave no hint.
const DefaultRetryAfter = 5 * time.Second

// Error is the structured failure carried up to the ingress.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter only applies to KindTransient.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindBusinessLogic:
		return http.StatusUnprocessableEntity
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable follows the provider convention: transient and unexpected failures are retried.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindUnexpected
}

func Validation(msg string, err error) *Error {
	return &Error{Kind: KindValidation, Message: msg, Err: err}
}

func Business(msg string, err error) *Error {
	return &Error{Kind: KindBusinessLogic, Message: msg, Err: err}
}

func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, RetryAfter: DefaultRetryAfter, Err: err}
}

func Unexpected(msg string, err error) *Error {
	return &Error{Kind: KindUnexpected, Message: msg, Err: err}
}

var registered []classifier

type classifier struct {
	target error
	kind   Kind
}

// Register maps a sentinel error to a kind. Packages call it from init so that
// apperr does not import them.
func Register(target error, kind Kind) {
	registered = append(registered, classifier{target: target, kind: kind})
}

// From classifies any error. Already-structured errors are returned as is.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	for _, c := range registered {
		if errors.Is(err, c.target) {
			e := &Error{Kind: c.kind, Message: c.target.Error(), Err: err}
			if c.kind == KindTransient {
				e.RetryAfter = DefaultRetryAfter
			}
			return e
		}
	}
	return Unexpected("unexpected failure", err)
}
