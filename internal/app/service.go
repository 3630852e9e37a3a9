package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"permitdesk/api/internal/auth"
	"permitdesk/api/internal/authpw"
	"permitdesk/api/internal/config"
	"permitdesk/api/internal/email"
	"permitdesk/api/internal/files"
	"permitdesk/api/internal/rbac"
	"permitdesk/api/internal/review"
	"permitdesk/api/internal/search"
	"permitdesk/api/internal/session"
	"permitdesk/api/internal/store"
	"permitdesk/api/internal/util"
)

// dataStore is the persistence surface the HTTP service reads and writes
// outside the review transaction.
type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	InsertMunicipality(ctx context.Context, item store.Municipality) error
	GetMunicipality(ctx context.Context, municipalityID string) (store.Municipality, error)
	ListMunicipalities(ctx context.Context) ([]store.Municipality, error)

	InsertDepartment(ctx context.Context, item store.Department) error
	GetDepartment(ctx context.Context, departmentID string) (store.Department, error)
	ListDepartments(ctx context.Context, municipalityID string) ([]store.Department, error)
	InsertDepartmentRole(ctx context.Context, item store.DepartmentRole) error
	ListDepartmentRoles(ctx context.Context, departmentID string) ([]store.DepartmentRole, error)

	InsertRequirementAssignment(ctx context.Context, item store.RequirementDepartmentAssignment) error
	ListRequirementAssignments(ctx context.Context, municipalityID, procedureType string) ([]store.RequirementDepartmentAssignment, error)
	InsertFlow(ctx context.Context, item store.ProcedureDepartmentFlow) error
	ListFlows(ctx context.Context, municipalityID, procedureType string) ([]store.ProcedureDepartmentFlow, error)

	InsertProcedure(ctx context.Context, item store.Procedure) error
	GetProcedure(ctx context.Context, procedureID string) (store.Procedure, error)
	GetProcedureByFolio(ctx context.Context, folio string) (store.Procedure, error)
	ListProcedures(ctx context.Context, municipalityID string) ([]store.Procedure, error)
	MarkProcedureSubmitted(ctx context.Context, procedureID string) error

	FolioState(ctx context.Context, folio string) (store.FolioState, error)
	ListReviewsByFolio(ctx context.Context, folio string) ([]store.DependencyReview, error)
	ListWorkflowsByProcedure(ctx context.Context, procedureID string) ([]store.ReviewWorkflow, error)
	ListNotificationsByFolio(ctx context.Context, folio string) ([]store.Notification, error)
}

// refreshStore keeps refresh sessions. Backed by Redis in production.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type reviewProcessor interface {
	Resolve(ctx context.Context, in review.ResolveInput) (review.ResolveResult, error)
	RespondPrevention(ctx context.Context, folio string, role int) error
	EmitLicense(ctx context.Context, folio string, actorRole int, userID string) error
}

type reviewAssigner interface {
	Assign(ctx context.Context, procedureID string) ([]store.DependencyReview, error)
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexProcedure(p search.ProcedureRecord)
	IndexResolution(r search.ResolutionRecord)
}

// fileStore keeps resolution and license documents. Optional; nil when
// object storage is not configured.
type fileStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	reviews  reviewProcessor
	assigner reviewAssigner
	search   searcher
	files    fileStore
	email    *email.Service
	authPW   *authpw.Service
	log      zerolog.Logger
}

func New(cfg config.Config, db *store.PostgresStore, sessions *session.RedisStore, searchSvc *search.Service, filesStore *files.Store, emailSvc *email.Service, log zerolog.Logger) *Service {
	runner := review.SQLRunner{Store: db}
	svc := &Service{
		cfg:      cfg,
		store:    db,
		sessions: sessions,
		reviews: review.NewProcessor(runner, review.Config{
			DirectorRole:             cfg.DirectorRole,
			SpecializedRoleThreshold: cfg.SpecializedRoleThreshold,
			DefaultComplianceDays:    cfg.ComplianceDays,
		}, log),
		assigner: review.NewAssigner(db, runner, log),
		search:   searchSvc,
		email:    emailSvc,
		authPW:   authpw.NewService(db),
		log:      log,
	}
	if filesStore != nil {
		svc.files = filesStore
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// AuthPasswordService exposes the email/password flow to the HTTP layer.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authPW
}

// SMTPConfigured reports whether outbound email can actually be sent.
// Handlers use it to decide whether to return dev-bypass tokens.
func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) EmailService() *email.Service {
	return s.email
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Session is the authenticated caller identity attached to a request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	// LegacyRole is the numeric reviewer role; zero for citizens.
	LegacyRole int
	JTI        string
	ExpiresAt  time.Time
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:        user.ID,
		Name:       user.DisplayName,
		Role:       user.Role,
		LegacyRole: user.LegacyRole,
		JTI:        jti,
		Exp:        expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		LegacyRole:   user.LegacyRole,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// CreateSession issues a fresh access and refresh pair for a user
// that just authenticated.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:      token,
		UserID:     user.ID,
		UserName:   user.DisplayName,
		Role:       user.Role,
		LegacyRole: user.LegacyRole,
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Catalog management.

type CreateMunicipalityInput struct {
	Name           string `json:"name"`
	ComplianceDays int    `json:"complianceDays"`
}

func (s *Service) CreateMunicipality(ctx context.Context, in CreateMunicipalityInput) (map[string]any, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, validationError("name is required")
	}
	days := in.ComplianceDays
	if days <= 0 {
		days = s.cfg.ComplianceDays
	}
	item := store.Municipality{
		ID:             util.NewID("mun"),
		Name:           name,
		ComplianceDays: days,
		Active:         true,
	}
	if err := s.store.InsertMunicipality(ctx, item); err != nil {
		return nil, err
	}
	return municipalityView(item), nil
}

func (s *Service) ListMunicipalities(ctx context.Context) (map[string]any, error) {
	items, err := s.store.ListMunicipalities(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, municipalityView(item))
	}
	return map[string]any{"municipalities": views}, nil
}

func (s *Service) GetMunicipality(ctx context.Context, municipalityID string) (map[string]any, error) {
	item, err := s.store.GetMunicipality(ctx, municipalityID)
	if err != nil {
		return nil, err
	}
	return municipalityView(item), nil
}

type CreateDepartmentInput struct {
	Code                    string `json:"code"`
	Name                    string `json:"name"`
	CanApprove              bool   `json:"canApprove"`
	CanReject               bool   `json:"canReject"`
	RequiresAllRequirements bool   `json:"requiresAllRequirements"`
}

func (s *Service) CreateDepartment(ctx context.Context, municipalityID string, in CreateDepartmentInput) (map[string]any, error) {
	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.Name) == "" {
		return nil, validationError("code and name are required")
	}
	if _, err := s.store.GetMunicipality(ctx, municipalityID); err != nil {
		return nil, err
	}
	item := store.Department{
		ID:                      util.NewID("dep"),
		MunicipalityID:          municipalityID,
		Code:                    strings.TrimSpace(in.Code),
		Name:                    strings.TrimSpace(in.Name),
		Active:                  true,
		CanApprove:              in.CanApprove,
		CanReject:               in.CanReject,
		RequiresAllRequirements: in.RequiresAllRequirements,
	}
	if err := s.store.InsertDepartment(ctx, item); err != nil {
		return nil, err
	}
	return departmentView(item), nil
}

func (s *Service) ListDepartments(ctx context.Context, municipalityID string) (map[string]any, error) {
	items, err := s.store.ListDepartments(ctx, municipalityID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, departmentView(item))
	}
	return map[string]any{"departments": views}, nil
}

func (s *Service) GetDepartment(ctx context.Context, departmentID string) (map[string]any, error) {
	item, err := s.store.GetDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	return departmentView(item), nil
}

type CreateDepartmentRoleInput struct {
	LegacyRole                 int  `json:"legacyRole"`
	CanReviewRequirements      bool `json:"canReviewRequirements"`
	CanApproveDepartmentReview bool `json:"canApproveDepartmentReview"`
	IsDepartmentLead           bool `json:"isDepartmentLead"`
}

func (s *Service) CreateDepartmentRole(ctx context.Context, departmentID string, in CreateDepartmentRoleInput) (map[string]any, error) {
	if in.LegacyRole <= 0 {
		return nil, validationError("legacyRole must be positive")
	}
	if in.LegacyRole == s.cfg.DirectorRole {
		return nil, validationError("legacyRole is reserved for the director")
	}
	if _, err := s.store.GetDepartment(ctx, departmentID); err != nil {
		return nil, err
	}
	item := store.DepartmentRole{
		ID:                         util.NewID("drl"),
		DepartmentID:               departmentID,
		LegacyRole:                 in.LegacyRole,
		CanReviewRequirements:      in.CanReviewRequirements,
		CanApproveDepartmentReview: in.CanApproveDepartmentReview,
		IsDepartmentLead:           in.IsDepartmentLead,
	}
	if err := s.store.InsertDepartmentRole(ctx, item); err != nil {
		return nil, err
	}
	return departmentRoleView(item), nil
}

func (s *Service) ListDepartmentRoles(ctx context.Context, departmentID string) (map[string]any, error) {
	items, err := s.store.ListDepartmentRoles(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, departmentRoleView(item))
	}
	return map[string]any{"roles": views}, nil
}

type CreateRequirementAssignmentInput struct {
	MunicipalityID          string  `json:"municipalityId"`
	ProcedureType           string  `json:"procedureType"`
	FieldName               string  `json:"fieldName"`
	DepartmentID            string  `json:"departmentId"`
	IsRequiredForApproval   bool    `json:"isRequiredForApproval"`
	CanBeReviewedInParallel bool    `json:"canBeReviewedInParallel"`
	DependsOnDepartmentID   *string `json:"dependsOnDepartmentId"`
	ReviewPriority          int     `json:"reviewPriority"`
}

func (s *Service) CreateRequirementAssignment(ctx context.Context, in CreateRequirementAssignmentInput) (map[string]any, error) {
	if in.MunicipalityID == "" || in.ProcedureType == "" || in.FieldName == "" || in.DepartmentID == "" {
		return nil, validationError("municipalityId, procedureType, fieldName, and departmentId are required")
	}
	item := store.RequirementDepartmentAssignment{
		ID:                      util.NewID("req"),
		MunicipalityID:          in.MunicipalityID,
		ProcedureType:           in.ProcedureType,
		FieldName:               in.FieldName,
		DepartmentID:            in.DepartmentID,
		IsRequiredForApproval:   in.IsRequiredForApproval,
		CanBeReviewedInParallel: in.CanBeReviewedInParallel,
		DependsOnDepartmentID:   in.DependsOnDepartmentID,
		ReviewPriority:          in.ReviewPriority,
	}
	if err := s.store.InsertRequirementAssignment(ctx, item); err != nil {
		return nil, err
	}
	return requirementAssignmentView(item), nil
}

func (s *Service) ListRequirementAssignments(ctx context.Context, municipalityID, procedureType string) (map[string]any, error) {
	items, err := s.store.ListRequirementAssignments(ctx, municipalityID, procedureType)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, requirementAssignmentView(item))
	}
	return map[string]any{"assignments": views}, nil
}

type CreateFlowInput struct {
	MunicipalityID         string `json:"municipalityId"`
	ProcedureType          string `json:"procedureType"`
	DepartmentID           string `json:"departmentId"`
	StepOrder              int    `json:"stepOrder"`
	IsParallelWithPrevious bool   `json:"isParallelWithPrevious"`
	ActivationConditions   string `json:"activationConditions"`
	EstimatedReviewDays    int    `json:"estimatedReviewDays"`
	MaxReviewDays          int    `json:"maxReviewDays"`
}

func (s *Service) CreateFlow(ctx context.Context, in CreateFlowInput) (map[string]any, error) {
	if in.MunicipalityID == "" || in.ProcedureType == "" || in.DepartmentID == "" {
		return nil, validationError("municipalityId, procedureType, and departmentId are required")
	}
	if in.StepOrder <= 0 {
		return nil, validationError("stepOrder must be positive")
	}
	item := store.ProcedureDepartmentFlow{
		ID:                     util.NewID("flw"),
		MunicipalityID:         in.MunicipalityID,
		ProcedureType:          in.ProcedureType,
		DepartmentID:           in.DepartmentID,
		StepOrder:              in.StepOrder,
		IsParallelWithPrevious: in.IsParallelWithPrevious,
		ActivationConditions:   in.ActivationConditions,
		EstimatedReviewDays:    in.EstimatedReviewDays,
		MaxReviewDays:          in.MaxReviewDays,
	}
	if err := s.store.InsertFlow(ctx, item); err != nil {
		return nil, err
	}
	return flowView(item), nil
}

func (s *Service) ListFlows(ctx context.Context, municipalityID, procedureType string) (map[string]any, error) {
	items, err := s.store.ListFlows(ctx, municipalityID, procedureType)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, flowView(item))
	}
	return map[string]any{"flows": views}, nil
}

// Procedures.

type CreateProcedureInput struct {
	ProcedureType       string `json:"procedureType"`
	MunicipalityID      string `json:"municipalityId"`
	RequirementsQueryID string `json:"requirementsQueryId"`
	ApplicantName       string `json:"applicantName"`
	ApplicantEmail      string `json:"applicantEmail"`
}

func (s *Service) CreateProcedure(ctx context.Context, in CreateProcedureInput) (map[string]any, error) {
	if in.ProcedureType == "" || in.MunicipalityID == "" {
		return nil, validationError("procedureType and municipalityId are required")
	}
	if in.ApplicantEmail == "" {
		return nil, validationError("applicantEmail is required")
	}
	if _, err := s.store.GetMunicipality(ctx, in.MunicipalityID); err != nil {
		return nil, err
	}
	item := store.Procedure{
		ID:                  util.NewID("prc"),
		Folio:               newFolio(),
		ProcedureType:       in.ProcedureType,
		MunicipalityID:      in.MunicipalityID,
		Status:              store.ProcedureDraft,
		RequirementsQueryID: in.RequirementsQueryID,
		ApplicantName:       in.ApplicantName,
		ApplicantEmail:      in.ApplicantEmail,
	}
	if err := s.store.InsertProcedure(ctx, item); err != nil {
		return nil, err
	}
	s.indexProcedure(item)
	return procedureView(item), nil
}

func (s *Service) GetProcedure(ctx context.Context, procedureID string) (map[string]any, error) {
	item, err := s.store.GetProcedure(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	return procedureView(item), nil
}

func (s *Service) ListProcedures(ctx context.Context, municipalityID string) (map[string]any, error) {
	items, err := s.store.ListProcedures(ctx, municipalityID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, procedureView(item))
	}
	return map[string]any{"procedures": views}, nil
}

// SubmitProcedure moves a draft into review and fans out the department
// assignments. Assignment failures do not undo the submission: the folio
// stays submitted and operators re-run assignment after fixing the
// configuration.
func (s *Service) SubmitProcedure(ctx context.Context, procedureID string) (map[string]any, error) {
	proc, err := s.store.GetProcedure(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if proc.Status != store.ProcedureDraft {
		return nil, conflictError("ALREADY_SUBMITTED", "Procedure has already been submitted")
	}
	if err := s.store.MarkProcedureSubmitted(ctx, procedureID); err != nil {
		return nil, err
	}
	proc.Status = store.ProcedurePendingReview
	s.indexProcedure(proc)

	reviews, err := s.assigner.Assign(ctx, procedureID)
	if err != nil {
		s.log.Error().Err(err).Str("procedure_id", procedureID).Msg("department assignment failed after submission")
		return nil, fmt.Errorf("assign departments: %w", err)
	}

	assigned := make([]map[string]any, 0, len(reviews))
	for _, rev := range reviews {
		assigned = append(assigned, reviewSummaryView(rev))
	}
	return map[string]any{
		"id":      proc.ID,
		"folio":   proc.Folio,
		"status":  proc.Status,
		"reviews": assigned,
	}, nil
}

// Review workflow.

type ResolveReviewInput struct {
	Role         int    `json:"role"`
	DepartmentID string `json:"departmentId"`
	Status       int    `json:"status"`
	Text         string `json:"text"`
	File         string `json:"file"`
}

func (s *Service) ResolveReview(ctx context.Context, sess Session, folio string, in ResolveReviewInput) (map[string]any, error) {
	role := in.Role
	if role == 0 {
		role = sess.LegacyRole
	}
	result, err := s.reviews.Resolve(ctx, review.ResolveInput{
		Folio:        folio,
		Role:         role,
		DepartmentID: in.DepartmentID,
		Status:       in.Status,
		Text:         in.Text,
		File:         in.File,
		UserID:       sess.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.indexResolution(result, in.Text)

	payload := map[string]any{
		"review":          reviewSummaryView(result.Review),
		"procedureStatus": result.ProcedureStatus,
		"escalated":       result.Escalated,
	}
	if result.Label != review.LabelNone {
		payload["label"] = string(result.Label)
	}
	if result.PreventionDeadline != nil {
		payload["preventionDeadline"] = result.PreventionDeadline.Format(time.RFC3339)
	}
	return payload, nil
}

func (s *Service) RespondPrevention(ctx context.Context, folio string, role int) (map[string]any, error) {
	if err := s.reviews.RespondPrevention(ctx, folio, role); err != nil {
		return nil, err
	}
	return map[string]any{"folio": folio, "role": role, "status": "reopened"}, nil
}

func (s *Service) EmitLicense(ctx context.Context, sess Session, folio string) (map[string]any, error) {
	if err := s.reviews.EmitLicense(ctx, folio, sess.LegacyRole, sess.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"folio": folio, "status": store.ProcedureLicenseIssued}, nil
}

// FolioState returns the full review history for a folio: every review
// row, every resolution, prevention windows, the director approval, and
// queued notifications.
func (s *Service) FolioState(ctx context.Context, folio string) (map[string]any, error) {
	proc, err := s.store.GetProcedureByFolio(ctx, folio)
	if err != nil {
		return nil, err
	}
	state, err := s.store.FolioState(ctx, folio)
	if err != nil {
		return nil, err
	}
	notifications, err := s.store.ListNotificationsByFolio(ctx, folio)
	if err != nil {
		return nil, err
	}

	reviews := make([]map[string]any, 0, len(state.Reviews))
	for _, item := range state.Reviews {
		reviews = append(reviews, reviewSummaryView(item))
	}
	resolutions := make([]map[string]any, 0, len(state.Resolutions))
	for _, item := range state.Resolutions {
		resolutions = append(resolutions, resolutionView(item))
	}
	preventions := make([]map[string]any, 0, len(state.PreventionRequests))
	for _, item := range state.PreventionRequests {
		preventions = append(preventions, preventionView(item))
	}
	notificationViews := make([]map[string]any, 0, len(notifications))
	for _, item := range notifications {
		notificationViews = append(notificationViews, notificationView(item))
	}

	payload := map[string]any{
		"procedure":          procedureView(proc),
		"reviews":            reviews,
		"resolutions":        resolutions,
		"preventionRequests": preventions,
		"notifications":      notificationViews,
	}
	if state.DirectorApproval != nil {
		payload["directorApproval"] = directorApprovalView(*state.DirectorApproval)
	}
	return payload, nil
}

// LegacyReviews returns the flat per-department projection older
// municipal clients poll: one row per department with the numeric
// status codes, NULL while pending.
func (s *Service) LegacyReviews(ctx context.Context, folio string) (map[string]any, error) {
	proc, err := s.store.GetProcedureByFolio(ctx, folio)
	if err != nil {
		return nil, err
	}
	reviews, err := s.store.ListReviewsByFolio(ctx, folio)
	if err != nil {
		return nil, err
	}
	workflows, err := s.store.ListWorkflowsByProcedure(ctx, proc.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"folio":   folio,
		"reviews": review.ProjectLegacy(reviews, workflows),
	}, nil
}

func (s *Service) Workflows(ctx context.Context, folio string) (map[string]any, error) {
	proc, err := s.store.GetProcedureByFolio(ctx, folio)
	if err != nil {
		return nil, err
	}
	workflows, err := s.store.ListWorkflowsByProcedure(ctx, proc.ID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(workflows))
	for _, item := range workflows {
		views = append(views, workflowView(item))
	}
	return map[string]any{"folio": folio, "workflows": views}, nil
}

// Search.

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

// Files.

var errFilesUnavailable = unavailableError("FILES_UNAVAILABLE", "File storage not configured")

func (s *Service) UploadResolutionFile(ctx context.Context, folio, fileName string, body io.Reader, size int64, contentType string) (map[string]any, error) {
	if s.files == nil {
		return nil, errFilesUnavailable
	}
	if fileName == "" {
		return nil, validationError("filename is required")
	}
	if _, err := s.store.GetProcedureByFolio(ctx, folio); err != nil {
		return nil, err
	}
	key := files.ResolutionObjectKey(folio, fileName)
	if _, err := s.files.Put(ctx, key, body, size, contentType); err != nil {
		return nil, err
	}
	return map[string]any{"key": key}, nil
}

func (s *Service) FileURL(ctx context.Context, key string) (map[string]any, error) {
	if s.files == nil {
		return nil, errFilesUnavailable
	}
	if key == "" {
		return nil, validationError("key is required")
	}
	url, err := s.files.PresignedGet(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url}, nil
}

// Admin.

func (s *Service) CreateReviewer(ctx context.Context, req authpw.CreateReviewerRequest) (map[string]any, error) {
	user, err := s.authPW.CreateReviewer(ctx, req)
	if err != nil {
		return nil, validationError(err.Error())
	}
	return map[string]any{
		"userId":      user.ID,
		"email":       user.Email,
		"displayName": user.DisplayName,
		"role":        user.Role,
		"legacyRole":  user.LegacyRole,
	}, nil
}

// Indexing is fire-and-forget; a failed index never fails the request.

func (s *Service) indexProcedure(item store.Procedure) {
	if s.search == nil {
		return
	}
	s.search.IndexProcedure(search.ProcedureRecord{
		ID:             item.ID,
		Folio:          item.Folio,
		ApplicantName:  item.ApplicantName,
		ProcedureType:  item.ProcedureType,
		MunicipalityID: item.MunicipalityID,
		Status:         item.Status,
	})
}

func (s *Service) indexResolution(result review.ResolveResult, text string) {
	if s.search == nil || text == "" {
		return
	}
	rev := result.Review
	s.search.IndexResolution(search.ResolutionRecord{
		ID:             util.NewID("res"),
		Folio:          rev.Folio,
		Text:           text,
		ProcedureID:    rev.ProcedureID,
		MunicipalityID: rev.MunicipalityID,
		Role:           rev.Role,
	})
	s.search.IndexProcedure(search.ProcedureRecord{
		ID:             rev.ProcedureID,
		Folio:          rev.Folio,
		MunicipalityID: rev.MunicipalityID,
		Status:         result.ProcedureStatus,
	})
}

// View helpers keep the wire shape in one place.

func municipalityView(item store.Municipality) map[string]any {
	return map[string]any{
		"id":             item.ID,
		"name":           item.Name,
		"complianceDays": item.ComplianceDays,
		"active":         item.Active,
	}
}

func departmentView(item store.Department) map[string]any {
	return map[string]any{
		"id":                      item.ID,
		"municipalityId":          item.MunicipalityID,
		"code":                    item.Code,
		"name":                    item.Name,
		"active":                  item.Active,
		"canApprove":              item.CanApprove,
		"canReject":               item.CanReject,
		"requiresAllRequirements": item.RequiresAllRequirements,
	}
}

func departmentRoleView(item store.DepartmentRole) map[string]any {
	return map[string]any{
		"id":                         item.ID,
		"departmentId":               item.DepartmentID,
		"legacyRole":                 item.LegacyRole,
		"canReviewRequirements":      item.CanReviewRequirements,
		"canApproveDepartmentReview": item.CanApproveDepartmentReview,
		"isDepartmentLead":           item.IsDepartmentLead,
	}
}

func requirementAssignmentView(item store.RequirementDepartmentAssignment) map[string]any {
	return map[string]any{
		"id":                      item.ID,
		"municipalityId":          item.MunicipalityID,
		"procedureType":           item.ProcedureType,
		"fieldName":               item.FieldName,
		"departmentId":            item.DepartmentID,
		"isRequiredForApproval":   item.IsRequiredForApproval,
		"canBeReviewedInParallel": item.CanBeReviewedInParallel,
		"dependsOnDepartmentId":   item.DependsOnDepartmentID,
		"reviewPriority":          item.ReviewPriority,
	}
}

func flowView(item store.ProcedureDepartmentFlow) map[string]any {
	return map[string]any{
		"id":                     item.ID,
		"municipalityId":         item.MunicipalityID,
		"procedureType":          item.ProcedureType,
		"departmentId":           item.DepartmentID,
		"stepOrder":              item.StepOrder,
		"isParallelWithPrevious": item.IsParallelWithPrevious,
		"estimatedReviewDays":    item.EstimatedReviewDays,
		"maxReviewDays":          item.MaxReviewDays,
	}
}

func procedureView(item store.Procedure) map[string]any {
	view := map[string]any{
		"id":               item.ID,
		"folio":            item.Folio,
		"procedureType":    item.ProcedureType,
		"municipalityId":   item.MunicipalityID,
		"status":           item.Status,
		"applicantName":    item.ApplicantName,
		"applicantEmail":   item.ApplicantEmail,
		"directorApproved": item.DirectorApproved,
	}
	if item.RequirementsQueryID != "" {
		view["requirementsQueryId"] = item.RequirementsQueryID
	}
	if item.SubmittedAt != nil {
		view["submittedAt"] = item.SubmittedAt.Format(time.RFC3339)
	}
	return view
}

func reviewSummaryView(item store.DependencyReview) map[string]any {
	view := map[string]any{
		"id":               item.ID,
		"procedureId":      item.ProcedureID,
		"folio":            item.Folio,
		"role":             item.Role,
		"departmentId":     item.DepartmentID,
		"currentStatus":    item.CurrentStatus,
		"directorApproved": item.DirectorApproved,
		"licenseIssued":    item.LicenseIssued,
		"superseded":       item.Superseded,
	}
	if item.CurrentFile != "" {
		view["currentFile"] = item.CurrentFile
	}
	if item.UpdateDate != nil {
		view["updateDate"] = item.UpdateDate.Format(time.RFC3339)
	}
	return view
}

func resolutionView(item store.DependencyResolution) map[string]any {
	return map[string]any{
		"id":                item.ID,
		"folio":             item.Folio,
		"role":              item.Role,
		"departmentId":      item.DepartmentID,
		"userId":            item.UserID,
		"resolutionStatus":  item.ResolutionStatus,
		"resolutionText":    item.ResolutionText,
		"resolutionFile":    item.ResolutionFile,
		"isFinalResolution": item.IsFinalResolution,
		"createdAt":         item.CreatedAt.Format(time.RFC3339),
	}
}

func preventionView(item store.PreventionRequest) map[string]any {
	return map[string]any{
		"id":                item.ID,
		"folio":             item.Folio,
		"role":              item.Role,
		"maxResolutionDate": item.MaxResolutionDate.Format(time.RFC3339),
		"businessDays":      item.BusinessDays,
		"status":            item.Status,
		"comment":           item.Comment,
	}
}

func directorApprovalView(item store.DirectorApproval) map[string]any {
	return map[string]any{
		"id":             item.ID,
		"folio":          item.Folio,
		"reviewId":       item.ReviewID,
		"approvalStatus": item.ApprovalStatus,
		"approvedBy":     item.ApprovedBy,
		"approvedAt":     item.ApprovedAt.Format(time.RFC3339),
	}
}

func workflowView(item store.ReviewWorkflow) map[string]any {
	view := map[string]any{
		"id":                    item.ID,
		"departmentId":          item.DepartmentID,
		"status":                item.Status,
		"canStartReview":        item.CanStartReview,
		"blockingDepartmentIds": item.BlockingDepartmentIDs,
		"completionPercentage":  item.CompletionPercentage,
	}
	if item.ReadyAt != nil {
		view["readyAt"] = item.ReadyAt.Format(time.RFC3339)
	}
	if item.CompletedAt != nil {
		view["completedAt"] = item.CompletedAt.Format(time.RFC3339)
	}
	return view
}

func notificationView(item store.Notification) map[string]any {
	view := map[string]any{
		"id":               item.ID,
		"folio":            item.Folio,
		"subject":          item.Subject,
		"notificationType": item.NotificationType,
		"emailSent":        item.EmailSent,
	}
	if item.EmailSentAt != nil {
		view["emailSentAt"] = item.EmailSentAt.Format(time.RFC3339)
	}
	return view
}

// newFolio builds the citizen-facing tracking number. The year prefix is
// what clerks read back over the phone; the random tail keeps it unique.
func newFolio() string {
	return fmt.Sprintf("PD-%d-%s", time.Now().Year(), strings.ToUpper(util.NewID("")[:10]))
}
