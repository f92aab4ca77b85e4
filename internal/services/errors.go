package services

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("record changed since it was read")
	ErrInvalidMedia  = errors.New("invalid media")
	ErrIO            = errors.New("io error")

	// ErrMissingStagedFile means a staged upload vanished before commit,
	// i.e. an earlier step partially failed.
	ErrMissingStagedFile = fmt.Errorf("%w: staged file missing", ErrNotFound)
)

// ValidationError reports the first offending field of a request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// Stable error kinds exposed to callers.
const (
	KindValidation    = "validation_error"
	KindAlreadyExists = "already_exists"
	KindNotFound      = "not_found"
	KindConflict      = "conflict"
	KindInvalidMedia  = "invalid_media"
	KindIO            = "io_error"
	KindInternal      = "internal_error"
)

// ErrorKind maps err onto one of the stable kinds above.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidMedia):
		return KindInvalidMedia
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIO):
		return KindIO
	default:
		return KindInternal
	}
}
