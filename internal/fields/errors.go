package fields

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the data-access layer and the client-side stores.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrBackend        = errors.New("backend failure")
	ErrAlreadyPending = errors.New("mutation already pending")
)

// ServiceError carries a stable operation.reason code alongside the error kind.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the sentinel classifying the error.
func (e *ServiceError) Kind() error {
	return e.kind
}

// Message returns the human-readable cause without the code prefix.
func (e *ServiceError) Message() string {
	if e.err == nil {
		return e.kind.Error()
	}
	return e.err.Error()
}

// NewError builds a ServiceError for callers outside the package.
func NewError(operation, reason string, kind, cause error) error {
	return newServiceError(operation, reason, kind, cause)
}

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// KindOf classifies an arbitrary error into one of the known kinds.
// Unclassified errors are reported as ErrBackend.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrValidation):
		return ErrValidation
	case errors.Is(err, ErrAlreadyPending):
		return ErrAlreadyPending
	default:
		return ErrBackend
	}
}

// Message extracts the display message of an error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Message()
	}
	return err.Error()
}
