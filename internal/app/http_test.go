package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"permitdesk/api/internal/review"
	"permitdesk/api/internal/store"
)

func newTestServer(svc *Service) *HTTPServer {
	return NewHTTPServer(svc, "*", zerolog.Nop())
}

func authHeader(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}
	return "Bearer " + session.Token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(&fakeData{}, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)

	recorder := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	fd := &fakeData{
		pingFn: func(context.Context) error { return errors.New("connection refused") },
	}
	svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)

	recorder := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["ok"] != false {
		t.Fatalf("expected ok=false, got %v", payload["ok"])
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	svc := newTestService(&fakeData{}, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)

	recorder := doRequest(t, server, http.MethodGet, "/api/municipalities", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestCitizenCannotCreateMunicipality(t *testing.T) {
	fd := &fakeData{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Rosa", Role: "citizen"}, nil
		},
	}
	svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)
	token := authHeader(t, svc, store.User{ID: "usr-1", DisplayName: "Rosa", Role: "citizen"})

	recorder := doRequest(t, server, http.MethodPost, "/api/municipalities", token, `{"name":"Monterrey"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestAdminCreatesMunicipalityWithDefaultComplianceDays(t *testing.T) {
	fd := &fakeData{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Admin", Role: "admin"}, nil
		},
	}
	svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)
	token := authHeader(t, svc, store.User{ID: "usr-1", DisplayName: "Admin", Role: "admin"})

	recorder := doRequest(t, server, http.MethodPost, "/api/municipalities", token, `{"name":"Monterrey"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(fd.insertedMunicipalities) != 1 {
		t.Fatalf("expected one insert, got %d", len(fd.insertedMunicipalities))
	}
	if fd.insertedMunicipalities[0].ComplianceDays != 15 {
		t.Fatalf("expected default compliance days 15, got %d", fd.insertedMunicipalities[0].ComplianceDays)
	}
}

func TestResolveEndpointMapsReviewErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"already resolved", review.ErrAlreadyResolved, http.StatusConflict, "ALREADY_RESOLVED"},
		{"not permitted", review.ErrNotPermitted, http.StatusForbidden, "NOT_PERMITTED"},
		{"unknown folio", review.ErrProcedureNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"invalid status", review.ErrInvalidStatus, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeReviews{
				resolveFn: func(context.Context, review.ResolveInput) (review.ResolveResult, error) {
					return review.ResolveResult{}, tc.err
				},
			}
			svc := newTestService(&fakeData{}, newFakeSessions(), fr, &fakeAssigner{}, &fakeSearcher{})
			server := newTestServer(svc)
			token := authHeader(t, svc, store.User{ID: "usr-1", DisplayName: "Valeria", Role: "reviewer", LegacyRole: 6})

			recorder := doRequest(t, server, http.MethodPost, "/api/reviews/PD-2026-X/resolve", token, `{"status":1}`)
			if recorder.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, recorder.Code)
			}
			payload := decodeResponse(t, recorder)
			if payload["code"] != tc.wantCode {
				t.Fatalf("expected code %q, got %v", tc.wantCode, payload["code"])
			}
		})
	}
}

func TestSearchValidation(t *testing.T) {
	svc := newTestService(&fakeData{}, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)
	token := authHeader(t, svc, store.User{ID: "usr-1", DisplayName: "Valeria", Role: "reviewer"})

	recorder := doRequest(t, server, http.MethodGet, "/api/search", token, "")
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without q, got %d", recorder.Code)
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/search?q=folio&limit=9999", token, "")
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for out-of-range limit, got %d", recorder.Code)
	}
}

func TestSearchFlagsCitizens(t *testing.T) {
	fd := &fakeData{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Rosa", Role: "citizen"}, nil
		},
	}
	fsr := &fakeSearcher{}
	svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, fsr)
	server := newTestServer(svc)
	token := authHeader(t, svc, store.User{ID: "usr-1", DisplayName: "Rosa", Role: "citizen"})

	recorder := doRequest(t, server, http.MethodGet, "/api/search?q=PD-2026", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !fsr.lastQuery.IsCitizen {
		t.Fatal("expected citizen query flag")
	}

	reviewerToken := authHeader(t, svc, store.User{ID: "usr-2", DisplayName: "Valeria", Role: "reviewer"})
	fd.getUserByIDFn = func(_ context.Context, userID string) (store.User, error) {
		return store.User{ID: userID, DisplayName: "Valeria", Role: "reviewer", LegacyRole: 6}, nil
	}
	recorder = doRequest(t, server, http.MethodGet, "/api/search?q=PD-2026", reviewerToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if fsr.lastQuery.IsCitizen {
		t.Fatal("expected reviewer query without citizen flag")
	}
}

func TestPreventionRespondRequiresRole(t *testing.T) {
	fd := &fakeData{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Rosa", Role: "citizen"}, nil
		},
	}
	svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)
	token := authHeader(t, svc, store.User{ID: "usr-1", DisplayName: "Rosa", Role: "citizen"})

	recorder := doRequest(t, server, http.MethodPost, "/api/reviews/PD-2026-X/prevention", token, `{}`)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without role, got %d", recorder.Code)
	}

	recorder = doRequest(t, server, http.MethodPost, "/api/reviews/PD-2026-X/prevention", token, `{"role":6}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestLicenseEndpointRequiresApprovePermission(t *testing.T) {
	fd := &fakeData{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Valeria", Role: "reviewer", LegacyRole: 6}, nil
		},
	}
	svc := newTestService(fd, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)
	token := authHeader(t, svc, store.User{ID: "usr-1", DisplayName: "Valeria", Role: "reviewer", LegacyRole: 6})

	recorder := doRequest(t, server, http.MethodPost, "/api/reviews/PD-2026-X/license", token, "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for reviewer, got %d", recorder.Code)
	}
}

func TestAuthEndpointsUnavailableWithoutPasswordService(t *testing.T) {
	svc := newTestService(&fakeData{}, newFakeSessions(), &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)

	recorder := doRequest(t, server, http.MethodPost, "/api/auth/signup", "", `{"email":"a@b.c","password":"supersecret","displayName":"A"}`)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	fs := newFakeSessions()
	fd := &fakeData{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Valeria", Role: "reviewer", LegacyRole: 6}, nil
		},
	}
	svc := newTestService(fd, fs, &fakeReviews{}, &fakeAssigner{}, &fakeSearcher{})
	server := newTestServer(svc)

	session, err := svc.CreateSession(context.Background(), "usr-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	recorder := doRequest(t, server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["refreshToken"] == session.RefreshToken {
		t.Fatal("expected rotated refresh token")
	}

	recorder = doRequest(t, server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 reusing revoked refresh token, got %d", recorder.Code)
	}
}
