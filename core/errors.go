package core

import "github.com/pkg/errors"

// ValidationCause returns the error wrapped by a *ValidationError found at the cause of err,
// or the cause itself otherwise.
func ValidationCause(err error) error {
	cause := errors.Cause(err)
	if vErr, ok := cause.(*ValidationError); ok && vErr.Err != nil {
		return vErr.Err
	}
	return cause
}

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
