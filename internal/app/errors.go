package app

import (
	"errors"
	"fmt"
	"net/http"

	"permitdesk/api/internal/review"
)

// DomainError is the error envelope the HTTP layer serializes. The
// status it carries wins over the generic mapping in mapError.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// validationError rejects malformed catalog, procedure, or file input.
// The frontend keys its field messages on the VALIDATION_ERROR code.
func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func conflictError(code, message string) *DomainError {
	return domainError(http.StatusConflict, code, message, nil)
}

func unavailableError(code, message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code, message, nil)
}

// reviewError translates the resolution state machine's sentinels into
// their HTTP envelopes. Reports false for errors it does not own.
func reviewError(err error) (*DomainError, bool) {
	switch {
	case errors.Is(err, review.ErrProcedureNotFound), errors.Is(err, review.ErrReviewNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil), true
	case errors.Is(err, review.ErrNotPermitted):
		return domainError(http.StatusForbidden, "NOT_PERMITTED", "Role cannot take this decision", nil), true
	case errors.Is(err, review.ErrInvalidStatus):
		return validationError("status must be 1 (approved), 2 (rejected), or 3 (prevention)"), true
	case errors.Is(err, review.ErrAlreadyResolved):
		return conflictError("ALREADY_RESOLVED", "Review already carries a decision"), true
	case errors.Is(err, review.ErrNotApprovedByDirector):
		return conflictError("NOT_APPROVED", "Director approval is required first"), true
	case errors.Is(err, review.ErrNoOpenPrevention):
		return conflictError("NO_OPEN_PREVENTION", "Review has no open prevention window"), true
	}
	return nil, false
}
