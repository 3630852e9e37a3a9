package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"permitdesk/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users         map[string]store.User
	emailIndex    map[string]string // email -> userID
	verifications map[string]store.User
	resets        map[string]struct {
		userID    string
		expiresAt time.Time
		used      bool
	}
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:         make(map[string]store.User),
		emailIndex:    make(map[string]string),
		verifications: make(map[string]store.User),
		resets: make(map[string]struct {
			userID    string
			expiresAt time.Time
			used      bool
		}),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	if user, ok := m.users[userID]; ok {
		user.VerificationToken = token
		user.VerificationExpiresAt = &expiresAt
		m.users[userID] = user
		m.verifications[token] = user
	}
	return nil
}

func (m *mockUserStore) VerifyUserEmail(ctx context.Context, token string) error {
	if user, ok := m.verifications[token]; ok {
		user.IsEmailVerified = true
		m.users[user.ID] = user
		m.emailIndex[user.Email] = user.ID
		return nil
	}
	return errors.New("invalid token")
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
		return nil
	}
	return errors.New("user not found")
}

func (m *mockUserStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	m.resets[token] = struct {
		userID    string
		expiresAt time.Time
		used      bool
	}{userID: userID, expiresAt: expiresAt, used: false}
	return nil
}

func (m *mockUserStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	if reset, ok := m.resets[token]; ok && !reset.used && time.Now().Before(reset.expiresAt) {
		return reset.userID, nil
	}
	return "", errors.New("invalid or expired token")
}

func (m *mockUserStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	if reset, ok := m.resets[token]; ok {
		reset.used = true
		m.resets[token] = reset
	}
	return nil
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	t.Run("successful sign up", func(t *testing.T) {
		resp, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "citizen@example.com",
			Password:    "password1234",
			DisplayName: "Test Citizen",
		})
		if err != nil {
			t.Fatalf("SignUp failed: %v", err)
		}
		if !resp.RequiresEmailVerify {
			t.Error("expected email verification requirement")
		}
		user, err := mockStore.GetUserByID(ctx, resp.UserID)
		if err != nil {
			t.Fatalf("user not stored: %v", err)
		}
		if user.Role != "citizen" {
			t.Errorf("self-registered role = %q, want citizen", user.Role)
		}
		if user.PasswordHash == "password1234" {
			t.Error("password stored in plain text")
		}
	})

	t.Run("short password", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "short@example.com",
			Password:    "short",
			DisplayName: "Short",
		})
		if err == nil {
			t.Error("expected error for short password")
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "citizen@example.com",
			Password:    "password1234",
			DisplayName: "Duplicate",
		})
		if err == nil {
			t.Error("expected error for duplicate email")
		}
	})
}

func TestCreateReviewer(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	user, err := svc.CreateReviewer(ctx, CreateReviewerRequest{
		Email:       "reviewer@municipality.gob",
		Password:    "review-secret-1",
		DisplayName: "Fire Safety Lead",
		Role:        "reviewer",
		LegacyRole:  6,
	})
	if err != nil {
		t.Fatalf("CreateReviewer failed: %v", err)
	}
	if user.LegacyRole != 6 {
		t.Errorf("legacy role = %d, want 6", user.LegacyRole)
	}
	if !user.IsEmailVerified {
		t.Error("provisioned account should skip verification")
	}

	if _, err := svc.CreateReviewer(ctx, CreateReviewerRequest{
		Email:       "someone@municipality.gob",
		Password:    "review-secret-1",
		DisplayName: "Someone",
		Role:        "citizen",
	}); err == nil {
		t.Error("citizen role must be rejected for staff accounts")
	}
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "citizen@example.com",
		Password:    "password1234",
		DisplayName: "Test Citizen",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	t.Run("unverified account", func(t *testing.T) {
		signin, err := svc.SignIn(ctx, SignInRequest{Email: "citizen@example.com", Password: "password1234"})
		if err != nil {
			t.Fatalf("SignIn failed: %v", err)
		}
		if !signin.RequiresVerify {
			t.Error("expected verification requirement")
		}
	})

	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	t.Run("correct password", func(t *testing.T) {
		signin, err := svc.SignIn(ctx, SignInRequest{Email: "citizen@example.com", Password: "password1234"})
		if err != nil {
			t.Fatalf("SignIn failed: %v", err)
		}
		if signin.RequiresVerify {
			t.Error("verified account still requires verification")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, SignInRequest{Email: "citizen@example.com", Password: "wrong-password"}); err == nil {
			t.Error("expected error for wrong password")
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, SignInRequest{Email: "ghost@example.com", Password: "password1234"}); err == nil {
			t.Error("expected error for unknown email")
		}
	})
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "citizen@example.com",
		Password:    "password1234",
		DisplayName: "Test Citizen",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	token, err := svc.RequestPasswordReset(ctx, "citizen@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected reset token")
	}

	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "new-password-99"}); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "citizen@example.com", Password: "new-password-99"}); err != nil {
		t.Fatalf("sign in with new password failed: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "citizen@example.com", Password: "password1234"}); err == nil {
		t.Error("old password still accepted")
	}

	// Unknown email must not reveal existence.
	token, err = svc.RequestPasswordReset(ctx, "ghost@example.com")
	if err != nil || token != "" {
		t.Errorf("unknown email: token=%q err=%v", token, err)
	}
}
