package service

import (
	"errors"

	"github.com/genforge/api/internal/model"
)

var (
	ErrValidation              = errors.New("validation failed")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrProviderSubmission      = errors.New("provider submission failed")
	ErrProviderResultMissing   = errors.New("provider result missing")
	ErrProviderReportedFailure = errors.New("provider reported failure")
	ErrNotFound                = errors.New("job not found")
	ErrAlreadyTerminal         = errors.New("job not retryable")
	ErrMalformedCallback       = errors.New("malformed callback")
	ErrUnauthorizedCallback    = errors.New("unauthorized callback")
)

// ValidationError carries per-field complaints and unwraps to ErrValidation.
type ValidationError struct {
	Fields []model.FieldError
	msg    string
}

func newValidationError(msg string, fields ...model.FieldError) *ValidationError {
	return &ValidationError{Fields: fields, msg: msg}
}

func (e *ValidationError) Error() string {
	return e.msg
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// errorCode maps a failure sentinel to the code stored on the job.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrProviderSubmission):
		return model.ErrorCodeSubmissionFailed
	case errors.Is(err, ErrProviderResultMissing):
		return model.ErrorCodeResultMissing
	default:
		return model.ErrorCodeProviderFailure
	}
}
