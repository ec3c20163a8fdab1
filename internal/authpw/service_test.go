package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"nct/api/internal/store"
)

type fakeUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string
	resets     map[string]struct {
		userID    string
		expiresAt time.Time
		used      bool
	}
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
		resets: make(map[string]struct {
			userID    string
			expiresAt time.Time
			used      bool
		}),
	}
}

func (f *fakeUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := f.emailIndex[email]; ok {
		return f.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (f *fakeUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := f.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (f *fakeUserStore) CreateUser(ctx context.Context, user store.User) error {
	f.users[user.ID] = user
	f.emailIndex[user.Email] = user.ID
	return nil
}

func (f *fakeUserStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	if user, ok := f.users[userID]; ok {
		user.VerificationToken = token
		user.VerificationExpiresAt = &expiresAt
		f.users[userID] = user
	}
	return nil
}

func (f *fakeUserStore) VerifyUserEmail(ctx context.Context, token string) error {
	for id, user := range f.users {
		if user.VerificationToken == token && token != "" {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return errors.New("invalid token")
}

func (f *fakeUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := f.users[userID]; ok {
		user.PasswordHash = passwordHash
		f.users[userID] = user
		return nil
	}
	return errors.New("user not found")
}

func (f *fakeUserStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	f.resets[token] = struct {
		userID    string
		expiresAt time.Time
		used      bool
	}{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeUserStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	if reset, ok := f.resets[token]; ok && !reset.used && time.Now().Before(reset.expiresAt) {
		return reset.userID, nil
	}
	return "", errors.New("invalid or expired token")
}

func (f *fakeUserStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	if reset, ok := f.resets[token]; ok {
		reset.used = true
		f.resets[token] = reset
	}
	return nil
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeUserStore())

	t.Run("successful sign up", func(t *testing.T) {
		resp, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "Test@Example.com",
			Password:    "password123",
			DisplayName: "Test User",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.UserID == "" {
			t.Error("expected UserID to be set")
		}
		if resp.VerificationToken == "" {
			t.Error("expected VerificationToken to be set")
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "test@example.com",
			Password:    "password123",
			DisplayName: "Test User 2",
		})
		if !errors.Is(err, ErrEmailTaken) {
			t.Errorf("expected ErrEmailTaken, got %v", err)
		}
	})

	t.Run("short password", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "test2@example.com",
			Password:    "short",
			DisplayName: "Test User",
		})
		if !errors.Is(err, ErrWeakPassword) {
			t.Errorf("expected ErrWeakPassword, got %v", err)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		if _, err := svc.SignUp(ctx, SignUpRequest{}); !errors.Is(err, ErrMissingFields) {
			t.Errorf("expected ErrMissingFields, got %v", err)
		}
	})
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeUserStore())

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "test@example.com",
		Password:    "password123",
		DisplayName: "Test User",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	t.Run("successful sign in", func(t *testing.T) {
		signInResp, err := svc.SignIn(ctx, "test@example.com", "password123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if signInResp.User.Email != "test@example.com" {
			t.Errorf("expected email test@example.com, got %s", signInResp.User.Email)
		}
		if signInResp.RequiresVerify {
			t.Error("expected RequiresVerify false for verified user")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, "test@example.com", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("non-existent user", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, "nonexistent@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("unverified email", func(t *testing.T) {
		if _, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "unverified@example.com",
			Password:    "password123",
			DisplayName: "Unverified User",
		}); err != nil {
			t.Fatalf("SignUp failed: %v", err)
		}

		resp, err := svc.SignIn(ctx, "unverified@example.com", "password123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !resp.RequiresVerify {
			t.Error("expected RequiresVerify true for unverified user")
		}
	})
}

func TestVerifyEmail(t *testing.T) {
	ctx := context.Background()
	fake := newFakeUserStore()
	svc := NewService(fake)

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "test@example.com",
		Password:    "password123",
		DisplayName: "Test User",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	t.Run("valid token", func(t *testing.T) {
		if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		user, _ := fake.GetUserByID(ctx, resp.UserID)
		if !user.IsEmailVerified {
			t.Error("expected user to be verified")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		if err := svc.VerifyEmail(ctx, "invalid-token"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if err := svc.VerifyEmail(ctx, ""); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeUserStore())

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "test@example.com",
		Password:    "password123",
		DisplayName: "Test User",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	t.Run("request reset for existing user", func(t *testing.T) {
		token, err := svc.RequestPasswordReset(ctx, "test@example.com")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token == "" {
			t.Error("expected token to be generated")
		}
	})

	t.Run("request reset for non-existent user returns empty without error", func(t *testing.T) {
		token, err := svc.RequestPasswordReset(ctx, "nonexistent@example.com")
		if err != nil {
			t.Errorf("expected no error for non-existent user, got: %v", err)
		}
		if token != "" {
			t.Error("expected empty token for non-existent user")
		}
	})

	t.Run("reset password with valid token", func(t *testing.T) {
		token, err := svc.RequestPasswordReset(ctx, "test@example.com")
		if err != nil {
			t.Fatalf("RequestPasswordReset failed: %v", err)
		}

		if err := svc.ResetPassword(ctx, token, "newpassword123"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := svc.SignIn(ctx, "test@example.com", "password123"); err == nil {
			t.Error("expected old password to not work")
		}
		if _, err := svc.SignIn(ctx, "test@example.com", "newpassword123"); err != nil {
			t.Errorf("expected new password to work: %v", err)
		}
	})

	t.Run("reset token is single use", func(t *testing.T) {
		token, err := svc.RequestPasswordReset(ctx, "test@example.com")
		if err != nil {
			t.Fatalf("RequestPasswordReset failed: %v", err)
		}
		if err := svc.ResetPassword(ctx, token, "anotherpassword1"); err != nil {
			t.Fatalf("first reset failed: %v", err)
		}
		if err := svc.ResetPassword(ctx, token, "yetanotherpass1"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken on token reuse, got %v", err)
		}
	})

	t.Run("reset with invalid token", func(t *testing.T) {
		if err := svc.ResetPassword(ctx, "invalid-token", "newpassword123"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("reset with short password", func(t *testing.T) {
		if err := svc.ResetPassword(ctx, "some-token", "short"); !errors.Is(err, ErrWeakPassword) {
			t.Errorf("expected ErrWeakPassword, got %v", err)
		}
	})
}
