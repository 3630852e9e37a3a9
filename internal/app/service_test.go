package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"permitdesk/api/internal/config"
	"permitdesk/api/internal/review"
	"permitdesk/api/internal/search"
	"permitdesk/api/internal/store"
)

type fakeData struct {
	pingFn                  func(context.Context) error
	getUserByIDFn           func(context.Context, string) (store.User, error)
	isRevokedFn             func(context.Context, string) (bool, error)
	getMunicipalityFn       func(context.Context, string) (store.Municipality, error)
	insertMunicipalityFn    func(context.Context, store.Municipality) error
	getDepartmentFn         func(context.Context, string) (store.Department, error)
	insertDepartmentRoleFn  func(context.Context, store.DepartmentRole) error
	insertProcedureFn       func(context.Context, store.Procedure) error
	getProcedureFn          func(context.Context, string) (store.Procedure, error)
	getProcedureByFolioFn   func(context.Context, string) (store.Procedure, error)
	markSubmittedFn         func(context.Context, string) error
	folioStateFn            func(context.Context, string) (store.FolioState, error)
	listReviewsByFolioFn    func(context.Context, string) ([]store.DependencyReview, error)
	listWorkflowsFn         func(context.Context, string) ([]store.ReviewWorkflow, error)
	revokedJTIs             []string
	revokedRefreshTokens    int
	markSubmittedCalls      int
	insertedMunicipalities  []store.Municipality
	insertedDepartmentRoles []store.DepartmentRole
}

func (f *fakeData) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeData) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Reviewer", Role: "reviewer", LegacyRole: 6}, nil
}

func (f *fakeData) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.revokedJTIs = append(f.revokedJTIs, jti)
	return nil
}

func (f *fakeData) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isRevokedFn != nil {
		return f.isRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeData) InsertMunicipality(ctx context.Context, item store.Municipality) error {
	f.insertedMunicipalities = append(f.insertedMunicipalities, item)
	if f.insertMunicipalityFn != nil {
		return f.insertMunicipalityFn(ctx, item)
	}
	return nil
}

func (f *fakeData) GetMunicipality(ctx context.Context, municipalityID string) (store.Municipality, error) {
	if f.getMunicipalityFn != nil {
		return f.getMunicipalityFn(ctx, municipalityID)
	}
	return store.Municipality{ID: municipalityID, Name: "Monterrey", ComplianceDays: 15, Active: true}, nil
}

func (f *fakeData) ListMunicipalities(context.Context) ([]store.Municipality, error) { return nil, nil }

func (f *fakeData) InsertDepartment(context.Context, store.Department) error { return nil }
func (f *fakeData) GetDepartment(ctx context.Context, departmentID string) (store.Department, error) {
	if f.getDepartmentFn != nil {
		return f.getDepartmentFn(ctx, departmentID)
	}
	return store.Department{ID: departmentID, MunicipalityID: "mun-1", Code: "URB", Name: "Urban Development"}, nil
}
func (f *fakeData) ListDepartments(context.Context, string) ([]store.Department, error) {
	return nil, nil
}

func (f *fakeData) InsertDepartmentRole(ctx context.Context, item store.DepartmentRole) error {
	f.insertedDepartmentRoles = append(f.insertedDepartmentRoles, item)
	if f.insertDepartmentRoleFn != nil {
		return f.insertDepartmentRoleFn(ctx, item)
	}
	return nil
}
func (f *fakeData) ListDepartmentRoles(context.Context, string) ([]store.DepartmentRole, error) {
	return nil, nil
}

func (f *fakeData) InsertRequirementAssignment(context.Context, store.RequirementDepartmentAssignment) error {
	return nil
}
func (f *fakeData) ListRequirementAssignments(context.Context, string, string) ([]store.RequirementDepartmentAssignment, error) {
	return nil, nil
}
func (f *fakeData) InsertFlow(context.Context, store.ProcedureDepartmentFlow) error { return nil }
func (f *fakeData) ListFlows(context.Context, string, string) ([]store.ProcedureDepartmentFlow, error) {
	return nil, nil
}

func (f *fakeData) InsertProcedure(ctx context.Context, item store.Procedure) error {
	if f.insertProcedureFn != nil {
		return f.insertProcedureFn(ctx, item)
	}
	return nil
}

func (f *fakeData) GetProcedure(ctx context.Context, procedureID string) (store.Procedure, error) {
	if f.getProcedureFn != nil {
		return f.getProcedureFn(ctx, procedureID)
	}
	return store.Procedure{}, sql.ErrNoRows
}

func (f *fakeData) GetProcedureByFolio(ctx context.Context, folio string) (store.Procedure, error) {
	if f.getProcedureByFolioFn != nil {
		return f.getProcedureByFolioFn(ctx, folio)
	}
	return store.Procedure{}, sql.ErrNoRows
}

func (f *fakeData) ListProcedures(context.Context, string) ([]store.Procedure, error) {
	return nil, nil
}

func (f *fakeData) MarkProcedureSubmitted(ctx context.Context, procedureID string) error {
	f.markSubmittedCalls++
	if f.markSubmittedFn != nil {
		return f.markSubmittedFn(ctx, procedureID)
	}
	return nil
}

func (f *fakeData) FolioState(ctx context.Context, folio string) (store.FolioState, error) {
	if f.folioStateFn != nil {
		return f.folioStateFn(ctx, folio)
	}
	return store.FolioState{}, nil
}

func (f *fakeData) ListReviewsByFolio(ctx context.Context, folio string) ([]store.DependencyReview, error) {
	if f.listReviewsByFolioFn != nil {
		return f.listReviewsByFolioFn(ctx, folio)
	}
	return nil, nil
}

func (f *fakeData) ListWorkflowsByProcedure(ctx context.Context, procedureID string) ([]store.ReviewWorkflow, error) {
	if f.listWorkflowsFn != nil {
		return f.listWorkflowsFn(ctx, procedureID)
	}
	return nil, nil
}

func (f *fakeData) ListNotificationsByFolio(context.Context, string) ([]store.Notification, error) {
	return nil, nil
}

type fakeSessions struct {
	saved   map[string]string
	revoked []string
	users   map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{saved: make(map[string]string), users: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.saved[tokenHash] = userID
	return nil
}

func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	userID, ok := f.saved[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	if user, ok := f.users[userID]; ok {
		return user, nil
	}
	return store.User{ID: userID, DisplayName: "Reviewer", Role: "reviewer", LegacyRole: 6}, nil
}

func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	f.revoked = append(f.revoked, tokenHash)
	delete(f.saved, tokenHash)
	return nil
}

type fakeReviews struct {
	resolveFn     func(context.Context, review.ResolveInput) (review.ResolveResult, error)
	respondFn     func(context.Context, string, int) error
	emitLicenseFn func(context.Context, string, int, string) error
	lastResolve   review.ResolveInput
}

func (f *fakeReviews) Resolve(ctx context.Context, in review.ResolveInput) (review.ResolveResult, error) {
	f.lastResolve = in
	if f.resolveFn != nil {
		return f.resolveFn(ctx, in)
	}
	return review.ResolveResult{
		Review:          store.DependencyReview{ID: "rev-1", Folio: in.Folio, Role: in.Role},
		ProcedureStatus: store.ProcedurePendingReview,
	}, nil
}

func (f *fakeReviews) RespondPrevention(ctx context.Context, folio string, role int) error {
	if f.respondFn != nil {
		return f.respondFn(ctx, folio, role)
	}
	return nil
}

func (f *fakeReviews) EmitLicense(ctx context.Context, folio string, actorRole int, userID string) error {
	if f.emitLicenseFn != nil {
		return f.emitLicenseFn(ctx, folio, actorRole, userID)
	}
	return nil
}

type fakeAssigner struct {
	assignFn func(context.Context, string) ([]store.DependencyReview, error)
	calls    int
}

func (f *fakeAssigner) Assign(ctx context.Context, procedureID string) ([]store.DependencyReview, error) {
	f.calls++
	if f.assignFn != nil {
		return f.assignFn(ctx, procedureID)
	}
	return nil, nil
}

type fakeSearcher struct {
	lastQuery          search.Query
	indexedProcedures  []search.ProcedureRecord
	indexedResolutions []search.ResolutionRecord
}

func (f *fakeSearcher) Search(q search.Query) search.Response {
	f.lastQuery = q
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearcher) IndexProcedure(p search.ProcedureRecord) {
	f.indexedProcedures = append(f.indexedProcedures, p)
}

func (f *fakeSearcher) IndexResolution(r search.ResolutionRecord) {
	f.indexedResolutions = append(f.indexedResolutions, r)
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:                "test-secret",
		AccessTTL:                15 * time.Minute,
		RefreshTTL:               time.Hour,
		ComplianceDays:           15,
		DirectorRole:             99,
		SpecializedRoleThreshold: 5,
	}
}

func newTestService(fd *fakeData, fs *fakeSessions, fr *fakeReviews, fa *fakeAssigner, fsr *fakeSearcher) *Service {
	return &Service{
		cfg:      testConfig(),
		store:    fd,
		sessions: fs,
		reviews:  fr,
		assigner: fa,
		search:   fsr,
		log:      zerolog.Nop(),
	}
}

func TestSessionLifecycle(t *testing.T) {
	fd := &fakeData{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Valeria", Role: "reviewer", LegacyRole: 6}, nil
		},
	}
	fs := newFakeSessions()
	svc := newTestService(fd, fs, &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})

	session, err := svc.CreateSession(context.Background(), "usr-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if session.LegacyRole != 6 {
		t.Fatalf("expected legacy role 6, got %d", session.LegacyRole)
	}
	if len(fs.saved) != 1 {
		t.Fatalf("expected one saved refresh session, got %d", len(fs.saved))
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserID != "usr-1" || parsed.Role != "reviewer" || parsed.LegacyRole != 6 {
		t.Fatalf("unexpected session identity: %+v", parsed)
	}

	refreshed, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Fatal("expected refresh token rotation")
	}
	if len(fs.revoked) != 1 {
		t.Fatalf("expected old refresh session revoked, got %d revocations", len(fs.revoked))
	}

	if err := svc.Logout(context.Background(), refreshed, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if len(fd.revokedJTIs) != 1 {
		t.Fatalf("expected access token revocation, got %d", len(fd.revokedJTIs))
	}
}

func TestSessionFromTokenRejectsRevokedAndDeactivated(t *testing.T) {
	t.Run("revoked JTI", func(t *testing.T) {
		fd := &fakeData{
			isRevokedFn: func(context.Context, string) (bool, error) { return true, nil },
		}
		svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
		session, err := svc.CreateSession(context.Background(), "usr-1")
		if err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
			t.Fatal("expected revoked token to be rejected")
		}
	})

	t.Run("deactivated user", func(t *testing.T) {
		gone := time.Now()
		fd := &fakeData{
			getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
				return store.User{ID: userID, DisplayName: "Gone", Role: "reviewer", DeactivatedAt: &gone}, nil
			},
		}
		svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
		session, err := svc.issueSession(context.Background(), store.User{ID: "usr-1", DisplayName: "Gone", Role: "reviewer"})
		if err != nil {
			t.Fatalf("issueSession() error = %v", err)
		}
		if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
			t.Fatal("expected deactivated user session to be rejected")
		}
	})
}

func TestSubmitProcedure(t *testing.T) {
	t.Run("submits and assigns", func(t *testing.T) {
		dept := "dep-1"
		fd := &fakeData{
			getProcedureFn: func(_ context.Context, procedureID string) (store.Procedure, error) {
				return store.Procedure{ID: procedureID, Folio: "PD-2026-AB12CD34EF", Status: store.ProcedureDraft, MunicipalityID: "mun-1"}, nil
			},
		}
		fa := &fakeAssigner{
			assignFn: func(context.Context, string) ([]store.DependencyReview, error) {
				return []store.DependencyReview{{ID: "rev-1", Role: 6, DepartmentID: &dept}}, nil
			},
		}
		fsr := &fakeSearcher{}
		svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, fa, fsr)

		payload, err := svc.SubmitProcedure(context.Background(), "prc-1")
		if err != nil {
			t.Fatalf("SubmitProcedure() error = %v", err)
		}
		if fd.markSubmittedCalls != 1 {
			t.Fatalf("expected one submission mark, got %d", fd.markSubmittedCalls)
		}
		if fa.calls != 1 {
			t.Fatalf("expected one assignment call, got %d", fa.calls)
		}
		if payload["status"] != store.ProcedurePendingReview {
			t.Fatalf("expected pending_review status, got %v", payload["status"])
		}
		reviews, ok := payload["reviews"].([]map[string]any)
		if !ok || len(reviews) != 1 {
			t.Fatalf("expected one assigned review in payload, got %v", payload["reviews"])
		}
		if len(fsr.indexedProcedures) != 1 {
			t.Fatalf("expected procedure reindex on submit, got %d", len(fsr.indexedProcedures))
		}
	})

	t.Run("rejects double submission", func(t *testing.T) {
		fd := &fakeData{
			getProcedureFn: func(_ context.Context, procedureID string) (store.Procedure, error) {
				return store.Procedure{ID: procedureID, Status: store.ProcedurePendingReview}, nil
			},
		}
		svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})

		_, err := svc.SubmitProcedure(context.Background(), "prc-1")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "ALREADY_SUBMITTED" {
			t.Fatalf("expected ALREADY_SUBMITTED, got %v", err)
		}
		if fd.markSubmittedCalls != 0 {
			t.Fatal("expected no submission mark on conflict")
		}
	})

	t.Run("assignment failure leaves procedure submitted", func(t *testing.T) {
		fd := &fakeData{
			getProcedureFn: func(_ context.Context, procedureID string) (store.Procedure, error) {
				return store.Procedure{ID: procedureID, Status: store.ProcedureDraft}, nil
			},
		}
		fa := &fakeAssigner{
			assignFn: func(context.Context, string) ([]store.DependencyReview, error) {
				return nil, errors.New("connection refused")
			},
		}
		svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, fa, &fakeSearcher{})

		if _, err := svc.SubmitProcedure(context.Background(), "prc-1"); err == nil {
			t.Fatal("expected assignment error to surface")
		}
		if fd.markSubmittedCalls != 1 {
			t.Fatal("expected submission to stand despite assignment failure")
		}
	})
}

func TestResolveReviewDefaultsRoleFromSession(t *testing.T) {
	fr := &fakeReviews{}
	fsr := &fakeSearcher{}
	svc := newTestService(&fakeData{}, newFakeSessions(), fr, &fakeAssigner{}, fsr)

	sess := Session{UserID: "usr-9", Role: "reviewer", LegacyRole: 6}
	payload, err := svc.ResolveReview(context.Background(), sess, "PD-2026-X", ResolveReviewInput{
		Status: store.ResolutionApproved,
		Text:   "no observations",
	})
	if err != nil {
		t.Fatalf("ResolveReview() error = %v", err)
	}
	if fr.lastResolve.Role != 6 {
		t.Fatalf("expected role defaulted from session, got %d", fr.lastResolve.Role)
	}
	if fr.lastResolve.UserID != "usr-9" {
		t.Fatalf("expected acting user from session, got %q", fr.lastResolve.UserID)
	}
	if payload["escalated"] != false {
		t.Fatalf("expected escalated=false, got %v", payload["escalated"])
	}
	if len(fsr.indexedResolutions) != 1 {
		t.Fatalf("expected resolution indexed, got %d", len(fsr.indexedResolutions))
	}
}

func TestResolveReviewExplicitRoleWins(t *testing.T) {
	fr := &fakeReviews{}
	svc := newTestService(&fakeData{}, newFakeSessions(), fr, &fakeAssigner{}, &fakeSearcher{})

	sess := Session{UserID: "usr-9", Role: "admin", LegacyRole: 0}
	if _, err := svc.ResolveReview(context.Background(), sess, "PD-2026-X", ResolveReviewInput{
		Role:   4,
		Status: store.ResolutionRejected,
	}); err != nil {
		t.Fatalf("ResolveReview() error = %v", err)
	}
	if fr.lastResolve.Role != 4 {
		t.Fatalf("expected explicit role 4, got %d", fr.lastResolve.Role)
	}
}

func TestCreateProcedureGeneratesFolio(t *testing.T) {
	var inserted store.Procedure
	fd := &fakeData{
		insertProcedureFn: func(_ context.Context, item store.Procedure) error {
			inserted = item
			return nil
		},
	}
	fsr := &fakeSearcher{}
	svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, fsr)

	payload, err := svc.CreateProcedure(context.Background(), CreateProcedureInput{
		ProcedureType:  "construction_license",
		MunicipalityID: "mun-1",
		ApplicantName:  "Rosa Garza",
		ApplicantEmail: "rosa@example.com",
	})
	if err != nil {
		t.Fatalf("CreateProcedure() error = %v", err)
	}
	if !strings.HasPrefix(inserted.Folio, "PD-") {
		t.Fatalf("expected generated folio with PD prefix, got %q", inserted.Folio)
	}
	if inserted.Status != store.ProcedureDraft {
		t.Fatalf("expected draft status, got %q", inserted.Status)
	}
	if payload["folio"] != inserted.Folio {
		t.Fatalf("payload folio %v does not match stored %q", payload["folio"], inserted.Folio)
	}
	if len(fsr.indexedProcedures) != 1 {
		t.Fatalf("expected procedure indexed on create, got %d", len(fsr.indexedProcedures))
	}
}

func TestCreateDepartmentRoleRejectsDirectorRole(t *testing.T) {
	svc := newTestService(&fakeData{}, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})

	_, err := svc.CreateDepartmentRole(context.Background(), "dep-1", CreateDepartmentRoleInput{LegacyRole: 99})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for reserved director role, got %v", err)
	}
}

func TestFolioStateAssemblesHistory(t *testing.T) {
	dept := "dep-1"
	fd := &fakeData{
		getProcedureByFolioFn: func(_ context.Context, folio string) (store.Procedure, error) {
			return store.Procedure{ID: "prc-1", Folio: folio, Status: store.ProcedureDirectorReview}, nil
		},
		folioStateFn: func(_ context.Context, folio string) (store.FolioState, error) {
			return store.FolioState{
				Reviews: []store.DependencyReview{
					{ID: "rev-1", Folio: folio, Role: 6, DepartmentID: &dept},
					{ID: "rev-2", Folio: folio, Role: 99},
				},
				Resolutions: []store.DependencyResolution{
					{ID: 1, Folio: folio, Role: 6, ResolutionStatus: store.ResolutionApproved},
				},
				DirectorApproval: &store.DirectorApproval{ID: "apr-1", Folio: folio, ApprovalStatus: store.ResolutionApproved},
			}, nil
		},
	}
	svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})

	payload, err := svc.FolioState(context.Background(), "PD-2026-X")
	if err != nil {
		t.Fatalf("FolioState() error = %v", err)
	}
	reviews := payload["reviews"].([]map[string]any)
	if len(reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %d", len(reviews))
	}
	if _, ok := payload["directorApproval"]; !ok {
		t.Fatal("expected director approval in payload")
	}
}

func TestLegacyReviewsProjectsWorkflows(t *testing.T) {
	dept := "dep-1"
	fd := &fakeData{
		getProcedureByFolioFn: func(_ context.Context, folio string) (store.Procedure, error) {
			return store.Procedure{ID: "prc-1", Folio: folio}, nil
		},
		listReviewsByFolioFn: func(_ context.Context, folio string) ([]store.DependencyReview, error) {
			return []store.DependencyReview{{ID: "rev-1", Folio: folio, Role: 6, DepartmentID: &dept}}, nil
		},
		listWorkflowsFn: func(context.Context, string) ([]store.ReviewWorkflow, error) {
			return []store.ReviewWorkflow{{ID: "wf-1", DepartmentID: dept, Status: store.WorkflowApproved}}, nil
		},
	}
	svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})

	payload, err := svc.LegacyReviews(context.Background(), "PD-2026-X")
	if err != nil {
		t.Fatalf("LegacyReviews() error = %v", err)
	}
	rows, ok := payload["reviews"].([]review.LegacyReview)
	if !ok || len(rows) != 1 {
		t.Fatalf("expected one legacy row, got %v", payload["reviews"])
	}
	if rows[0].Status == nil || *rows[0].Status != store.ResolutionApproved {
		t.Fatalf("expected projected status 1, got %v", rows[0].Status)
	}
}

func TestFileOperationsUnavailableWithoutStorage(t *testing.T) {
	svc := newTestService(&fakeData{}, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})

	_, err := svc.FileURL(context.Background(), "resolutions/PD-2026-X/report.pdf")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FILES_UNAVAILABLE" {
		t.Fatalf("expected FILES_UNAVAILABLE, got %v", err)
	}

	_, err = svc.UploadResolutionFile(context.Background(), "PD-2026-X", "report.pdf", strings.NewReader("x"), 1, "application/pdf")
	if !errors.As(err, &domainErr) || domainErr.Code != "FILES_UNAVAILABLE" {
		t.Fatalf("expected FILES_UNAVAILABLE, got %v", err)
	}
}
