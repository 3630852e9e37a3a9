package store

import "time"

// Procedure overall statuses. A procedure is never deleted, only
// status-transitioned.
const (
	ProcedureDraft          = "draft"
	ProcedurePendingReview  = "pending_review"
	ProcedureRejected       = "rejected"
	ProcedurePrevention     = "prevention"
	ProcedureDirectorReview = "director_review"
	ProcedureLicenseIssued  = "license_issued"
)

// Resolution status codes carried on the wire and in dependency_reviews.
// A NULL current_status means the review is still pending.
const (
	ResolutionApproved   = 1
	ResolutionRejected   = 2
	ResolutionPrevention = 3
)

// Workflow statuses for dependency_review_workflows.
const (
	WorkflowPending  = "pending"
	WorkflowReady    = "ready"
	WorkflowInReview = "in_review"
	WorkflowApproved = "approved"
	WorkflowRejected = "rejected"
	WorkflowOnHold   = "on_hold"
	WorkflowSkipped  = "skipped"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	LegacyRole            int
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Municipality struct {
	ID             string
	Name           string
	ComplianceDays int
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Procedure struct {
	ID                  string
	Folio               string
	ProcedureType       string
	MunicipalityID      string
	Status              string
	RequirementsQueryID string
	ApplicantName       string
	ApplicantEmail      string
	DirectorApproved    bool
	SubmittedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Department struct {
	ID                      string
	MunicipalityID          string
	Code                    string
	Name                    string
	Active                  bool
	CanApprove              bool
	CanReject               bool
	RequiresAllRequirements bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// DepartmentRole maps a legacy numeric user-role to a department with
// department-scoped permission flags.
type DepartmentRole struct {
	ID                         string
	DepartmentID               string
	LegacyRole                 int
	CanReviewRequirements      bool
	CanApproveDepartmentReview bool
	IsDepartmentLead           bool
	CreatedAt                  time.Time
}

// RequirementDepartmentAssignment declares that a requirement field, for a
// given procedure type and municipality, must be checked by a department.
type RequirementDepartmentAssignment struct {
	ID                      string
	MunicipalityID          string
	ProcedureType           string
	FieldName               string
	DepartmentID            string
	IsRequiredForApproval   bool
	CanBeReviewedInParallel bool
	DependsOnDepartmentID   *string
	ReviewPriority          int
	CreatedAt               time.Time
}

// ProcedureDepartmentFlow declares the ordered (or parallel) participation
// of a department for a procedure type.
type ProcedureDepartmentFlow struct {
	ID                     string
	MunicipalityID         string
	ProcedureType          string
	DepartmentID           string
	StepOrder              int
	IsParallelWithPrevious bool
	ActivationConditions   string
	EstimatedReviewDays    int
	MaxReviewDays          int
	CreatedAt              time.Time
}

// DependencyReview is one review instance per (procedure, department-or-role).
// The director escalation review uses the reserved director role value.
// Rows are never deleted; superseded rows are flagged instead.
type DependencyReview struct {
	ID               string
	ProcedureID      string
	MunicipalityID   string
	Folio            string
	Role             int
	DepartmentID     *string
	CurrentStatus    *int
	CurrentFile      string
	Signature        string
	UserID           string
	DirectorApproved bool
	LicenseIssued    bool
	Superseded       bool
	SentToReviewers  *time.Time
	StartDate        time.Time
	UpdateDate       *time.Time
	CreatedAt        time.Time
}

// ReviewWorkflow is the authoritative per-department state machine;
// DependencyReview is the legacy-compatible projection of the same facts.
type ReviewWorkflow struct {
	ID                    string
	ProcedureID           string
	DepartmentID          string
	Status                string
	CanStartReview        bool
	BlockingDepartmentIDs []string
	CompletionPercentage  int
	AssignedAt            time.Time
	ReadyAt               *time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
}

// DependencyResolution is the immutable audit record of one reviewer
// decision. Append-only; enforced by a database trigger.
type DependencyResolution struct {
	ID                int64
	ProcedureID       string
	Folio             string
	Role              int
	DepartmentID      *string
	UserID            string
	ResolutionStatus  int
	ResolutionText    string
	ResolutionFile    string
	IsFinalResolution bool
	CreatedAt         time.Time
}

type PreventionRequest struct {
	ID                string
	ProcedureID       string
	Folio             string
	Role              int
	MaxResolutionDate time.Time
	BusinessDays      int
	Status            string
	Comment           string
	CreatedAt         time.Time
}

// Prevention request statuses.
const (
	PreventionOpen     = "open"
	PreventionAnswered = "answered"
	PreventionLapsed   = "lapsed"
)

type DirectorApproval struct {
	ID             string
	ProcedureID    string
	Folio          string
	ReviewID       string
	ApprovalStatus int
	ApprovedBy     string
	ApprovedAt     time.Time
}

// Notification is the outbox row for a citizen-facing email. Rows are
// written inside the review transaction and dispatched by a worker after
// commit; email_sent stays false until delivery succeeds.
type Notification struct {
	ID               int64
	ProcedureID      string
	Folio            string
	Recipient        string
	Subject          string
	Comment          string
	NotificationType string
	EmailSent        bool
	EmailSentAt      *time.Time
	Attempts         int
	CreatedAt        time.Time
}

// Notification types understood by the dispatcher templates.
const (
	NotificationApproval     = "department_approval"
	NotificationRejection    = "rejection"
	NotificationPrevention   = "prevention"
	NotificationPaymentOrder = "payment_order"
	NotificationLicense      = "license_issued"
)

// FolioState is the persisted aggregate shape of a folio's review history,
// ordered by created_at and never deduplicated.
type FolioState struct {
	Reviews            []DependencyReview
	Resolutions        []DependencyResolution
	PreventionRequests []PreventionRequest
	DirectorApproval   *DirectorApproval
}
