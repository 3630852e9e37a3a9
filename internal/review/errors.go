package review

import "errors"

var (
	// ErrProcedureNotFound means no procedure exists for the folio.
	ErrProcedureNotFound = errors.New("procedure not found")
	// ErrReviewNotFound means no active review matches the locator.
	ErrReviewNotFound = errors.New("dependency review not found")
	// ErrInvalidStatus means the resolution status code is outside the
	// approved/rejected/prevention set.
	ErrInvalidStatus = errors.New("invalid resolution status")
	// ErrNotPermitted means the acting role's decision table row does
	// not allow the requested resolution.
	ErrNotPermitted = errors.New("role not permitted for requested decision")
	// ErrAlreadyResolved means the review already carries a decision
	// and may not be resolved again.
	ErrAlreadyResolved = errors.New("review already resolved")
	// ErrNotApprovedByDirector means license issuance was requested
	// before the director review was approved.
	ErrNotApprovedByDirector = errors.New("director review not approved")
	// ErrNoOpenPrevention means no open prevention request exists for
	// the folio and role.
	ErrNoOpenPrevention = errors.New("no open prevention request")
)
