package review

import "permitdesk/api/internal/store"

// LegacyReview is the read-only numeric-role projection older clients
// consume. It is derived from the workflow rows on every read and never
// written to directly.
type LegacyReview struct {
	Folio        string `json:"folio"`
	Role         int    `json:"role"`
	DepartmentID string `json:"department_id,omitempty"`
	Status       *int   `json:"status"`
	LicenseReady bool   `json:"license_ready"`
}

// legacyStatus maps a workflow status to the legacy numeric code. The
// not-yet-decided states all project to a pending NULL.
func legacyStatus(workflowStatus string) *int {
	var code int
	switch workflowStatus {
	case store.WorkflowApproved:
		code = store.ResolutionApproved
	case store.WorkflowRejected:
		code = store.ResolutionRejected
	case store.WorkflowOnHold:
		code = store.ResolutionPrevention
	default:
		return nil
	}
	return &code
}

// ProjectLegacy joins the active reviews with their workflow rows and
// emits one legacy row per review, director review included.
func ProjectLegacy(reviews []store.DependencyReview, workflows []store.ReviewWorkflow) []LegacyReview {
	byDept := make(map[string]store.ReviewWorkflow, len(workflows))
	for _, wf := range workflows {
		byDept[wf.DepartmentID] = wf
	}

	out := make([]LegacyReview, 0, len(reviews))
	for _, rev := range reviews {
		item := LegacyReview{
			Folio:        rev.Folio,
			Role:         rev.Role,
			Status:       rev.CurrentStatus,
			LicenseReady: rev.DirectorApproved && !rev.LicenseIssued,
		}
		if rev.DepartmentID != nil {
			item.DepartmentID = *rev.DepartmentID
			if wf, ok := byDept[*rev.DepartmentID]; ok {
				item.Status = legacyStatus(wf.Status)
			}
		}
		out = append(out, item)
	}
	return out
}
