// Package federrors defines coded domain errors for the federation core.
//
// Services translate infrastructure sentinels and remote failures into these
// coded errors; the transport layer maps codes onto HTTP statuses. Codes are
// stable strings so they can appear in API responses and logs.
package federrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of federation error.
type Code string

const (
	// CodeMalformedDocument marks input that is not valid JSON or a Link
	// document missing its required type discriminator.
	CodeMalformedDocument Code = "malformed_document"

	// CodeResolutionFailed marks a failed fetch, decode, or validation of a
	// remote actor or object. Retryable after a backoff window.
	CodeResolutionFailed Code = "resolution_failed"

	// CodeSignatureInvalid marks an HTTP signature that failed verification.
	// The associated activity must be rejected.
	CodeSignatureInvalid Code = "signature_invalid"

	// CodeDeliveryFailed marks a per-recipient delivery failure.
	CodeDeliveryFailed Code = "delivery_failed"

	CodeBadRequest   Code = "bad_request"
	CodeNotFound     Code = "not_found"
	CodeUnauthorized Code = "unauthorized"
	CodeConflict     Code = "conflict"
	CodeInternal     Code = "internal_error"
)

// Error is a coded federation error. It may wrap an underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether err or anything it wraps carries the given code.
func HasCode(err error, code Code) bool {
	var fe *Error
	for errors.As(err, &fe) {
		if fe.Code == code {
			return true
		}
		err = fe.Err
		if err == nil {
			return false
		}
	}
	return false
}

// CodeOf extracts the outermost code, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps an error code onto the HTTP status used by the transport layer.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeMalformedDocument, CodeBadRequest:
		return http.StatusBadRequest
	case CodeSignatureInvalid, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeResolutionFailed:
		return http.StatusUnprocessableEntity
	case CodeDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
