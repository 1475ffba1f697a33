package domain

import "errors"

// Domain errors
var (
	ErrInvalidUser      = errors.New("invalid user")
	ErrInvalidScore     = errors.New("invalid score value")
	ErrSubmissionFailed = errors.New("submission failed")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConflict         = errors.New("aggregate update conflict")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")
)

// IsValidationError reports whether err was raised before any store access
// and must not be retried.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidUser) || errors.Is(err, ErrInvalidScore)
}
