package core

import (
	"fmt"

	"github.com/strongdm/cxdb/pkg/utils"
)

// Wrap adds context to an error, mirroring pkg/utils.Wrap so core call
// sites don't need to import both packages.
func Wrap(err error, message string) error {
	return utils.Wrap(err, message)
}

// ErrorCode is a stable taxonomy code carried across both the binary and
// HTTP surfaces (spec §7).
type ErrorCode string

const (
	ErrNotFound            ErrorCode = "NotFound"
	ErrConflict            ErrorCode = "Conflict"
	ErrPreconditionFailed  ErrorCode = "PreconditionFailed"
	ErrMissingTypeHint     ErrorCode = "MissingTypeHint"
	ErrMalformedRequest    ErrorCode = "MalformedRequest"
	ErrFailedDependency    ErrorCode = "FailedDependency"
	ErrDecodeError         ErrorCode = "DecodeError"
)

// httpStatus maps a taxonomy code to the HTTP status the gateway reports.
var httpStatus = map[ErrorCode]int{
	ErrNotFound:           404,
	ErrConflict:           409,
	ErrPreconditionFailed: 412,
	ErrMissingTypeHint:    422,
	ErrMalformedRequest:   422,
	ErrFailedDependency:   424,
	ErrDecodeError:        500,
}

// StoreError is the error type returned by every core component. It carries
// a stable Code so both the binary ERROR frame and the HTTP JSON error body
// can render the same taxonomy.
type StoreError struct {
	Code    ErrorCode
	Message string
	Details string
}

func (e *StoreError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
}

// HTTPStatus returns the HTTP status code the gateway should report for e.
func (e *StoreError) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return 500
}

// NewStoreError builds a StoreError with an optional details string.
func NewStoreError(code ErrorCode, message string, details ...string) *StoreError {
	d := ""
	if len(details) > 0 {
		d = details[0]
	}
	return &StoreError{Code: code, Message: message, Details: d}
}

// AsStoreError unwraps err into a *StoreError if possible.
func AsStoreError(err error) (*StoreError, bool) {
	se, ok := err.(*StoreError)
	return se, ok
}
