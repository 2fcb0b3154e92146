package relay

import (
	"errors"
	"testing"
)

func TestNewAdminAuthDisabledWithoutUsername(t *testing.T) {
	admin, err := NewAdminAuth(AdminConfig{})
	if err != nil {
		t.Fatalf("NewAdminAuth: %v", err)
	}
	if admin != nil {
		t.Fatal("expected nil AdminAuth when no username is configured")
	}
}

func TestAdminAuthenticateRoundTrip(t *testing.T) {
	admin, err := NewAdminAuth(AdminConfig{Username: "root", Password: "hunter2"})
	if err != nil {
		t.Fatalf("NewAdminAuth: %v", err)
	}
	token, err := admin.Authenticate("root", "hunter2", "127.0.0.1:1234")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty session token")
	}
}

func TestAdminAuthenticateRejectsWrongPassword(t *testing.T) {
	admin, err := NewAdminAuth(AdminConfig{Username: "root", Password: "hunter2"})
	if err != nil {
		t.Fatalf("NewAdminAuth: %v", err)
	}
	if _, err := admin.Authenticate("root", "wrong", "127.0.0.1:1234"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authenticate(wrong password) = %v, want ErrInvalidCredentials", err)
	}
}

func TestAdminAuthenticateRateLimitsRepeatedFailures(t *testing.T) {
	admin, err := NewAdminAuth(AdminConfig{Username: "root", Password: "hunter2", MaxLoginAttempts: 2})
	if err != nil {
		t.Fatalf("NewAdminAuth: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := admin.Authenticate("root", "wrong", "10.0.0.1:1"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i, err)
		}
	}
	if _, err := admin.Authenticate("root", "hunter2", "10.0.0.1:1"); err == nil {
		t.Fatal("expected rate limiting to reject even a correct password after repeated failures")
	}
}

func TestExtractIP(t *testing.T) {
	cases := map[string]string{
		"1.2.3.4:5678":   "1.2.3.4",
		"[::1]:5678":     "::1",
		"no-port-at-all": "no-port-at-all",
	}
	for in, want := range cases {
		if got := extractIP(in); got != want {
			t.Errorf("extractIP(%q) = %q, want %q", in, got, want)
		}
	}
}
