package review

import "permitdesk/api/internal/store"

// Legacy numeric reviewer roles. The decision table is closed: adding a
// new role with a negative-decision label means adding a case here, not
// a config row.
const (
	roleReviewFloor = 3
	roleDiscardLow  = 3
	roleDiscardHigh = 4
	roleRejectFloor = 6
)

// Label names the outcome a negative decision is recorded under. Lower
// technical roles discard (the file returns to the intake desk), senior
// roles reject outright.
type Label string

const (
	LabelNone    Label = ""
	LabelDiscard Label = "discard"
	LabelReject  Label = "reject"
)

// NegativeLabel returns the label role records a negative decision
// under, and whether role may record one at all. Roles below the review
// floor hold no negative permission.
func NegativeLabel(role int) (Label, bool) {
	switch {
	case role == roleDiscardLow || role == roleDiscardHigh:
		return LabelDiscard, true
	case role >= roleRejectFloor:
		return LabelReject, true
	default:
		return LabelNone, false
	}
}

// CanReview reports whether role may record any resolution on a
// dependency review.
func CanReview(role int) bool {
	return role >= roleReviewFloor
}

// IsSpecialized reports whether role sits above threshold, which gates
// the per-department approval notification to the applicant.
func IsSpecialized(role, threshold int) bool {
	return role > threshold
}

// CanEmitLicense reports whether role may issue the license for a
// procedure whose active director review carries status. Only the
// director role qualifies, and only once the director review is
// approved.
func CanEmitLicense(role, directorRole int, status *int) bool {
	if role != directorRole {
		return false
	}
	return status != nil && *status == store.ResolutionApproved
}
