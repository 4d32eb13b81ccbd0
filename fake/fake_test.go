package fake_test

import (
	"context"
	"errors"
	"testing"
	"time"

	lexcase "github.com/lexcase/lexcase-go"
	"github.com/lexcase/lexcase-go/fake"
	"github.com/lexcase/lexcase-go/token"
)

var demoUser = lexcase.User{
	ID: "user-1", Email: "a@b.com", Name: "Ada Counsel",
	Role: "attorney", FirmID: "firm-9", Active: true,
}

func newBackend(opts ...fake.Option) *fake.Backend {
	base := []fake.Option{fake.WithAccount("a@b.com", "x", demoUser)}
	return fake.NewBackend(append(base, opts...)...)
}

func TestAuthenticate(t *testing.T) {
	b := newBackend()

	pair, err := b.Authenticate(context.Background(), "a@b.com", "x", "")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		t.Fatalf("pair = %+v, want both tokens set", pair)
	}

	claims, err := token.Decode(pair.Access)
	if err != nil {
		t.Fatalf("minted access token does not decode: %v", err)
	}
	if claims.Subject != "user-1" || claims.FirmID != "firm-9" {
		t.Errorf("claims = %+v", claims)
	}
	if token.Expired(pair.Access, time.Now()) {
		t.Error("freshly minted token is already expired")
	}
	if n := b.AuthenticateCalls.Load(); n != 1 {
		t.Errorf("AuthenticateCalls = %d", n)
	}
}

func TestAuthenticate_Rejection(t *testing.T) {
	b := newBackend()

	_, err := b.Authenticate(context.Background(), "a@b.com", "wrong", "")
	var apiErr *lexcase.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		t.Fatalf("err = %v, want a 401 *lexcase.APIError", err)
	}
}

func TestRefresh_DoesNotRotate(t *testing.T) {
	b := newBackend()

	pair, err := b.Authenticate(context.Background(), "a@b.com", "x", "")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	// the same refresh credential stays valid across exchanges
	for i := 0; i < 3; i++ {
		access, err := b.Refresh(context.Background(), pair.Refresh)
		if err != nil {
			t.Fatalf("Refresh() #%d error: %v", i+1, err)
		}
		if token.Expired(access, time.Now()) {
			t.Errorf("Refresh() #%d returned an expired token", i+1)
		}
	}
	if n := b.RefreshCalls.Load(); n != 3 {
		t.Errorf("RefreshCalls = %d, want 3", n)
	}
}

func TestRefresh_UnknownToken(t *testing.T) {
	b := newBackend()

	if _, err := b.Refresh(context.Background(), "never-issued"); err == nil {
		t.Error("expected error for an unknown refresh token")
	}
}

func TestSetFailRefresh(t *testing.T) {
	b := newBackend()

	pair, err := b.Authenticate(context.Background(), "a@b.com", "x", "")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	b.SetFailRefresh(true)
	if _, err := b.Refresh(context.Background(), pair.Refresh); err == nil {
		t.Fatal("expected simulated revocation to fail the refresh")
	}

	b.SetFailRefresh(false)
	if _, err := b.Refresh(context.Background(), pair.Refresh); err != nil {
		t.Errorf("Refresh() after clearing failure: %v", err)
	}
}

func TestIdentity(t *testing.T) {
	b := newBackend()

	pair, err := b.Authenticate(context.Background(), "a@b.com", "x", "")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	user, err := b.Identity(context.Background(), pair.Access)
	if err != nil {
		t.Fatalf("Identity() error: %v", err)
	}
	if user.ID != demoUser.ID || user.Email != demoUser.Email {
		t.Errorf("user = %+v", user)
	}

	if _, err := b.Identity(context.Background(), "not-a-jwt"); err == nil {
		t.Error("expected error for a garbage token")
	}
}

func TestWithAccessTTL(t *testing.T) {
	b := newBackend(fake.WithAccessTTL(-time.Minute))

	pair, err := b.Authenticate(context.Background(), "a@b.com", "x", "")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if !token.Expired(pair.Access, time.Now()) {
		t.Error("negative TTL should mint an already-expired token")
	}
}

func TestLogout(t *testing.T) {
	b := newBackend()

	if err := b.Logout(context.Background(), "whatever"); err != nil {
		t.Errorf("Logout() error: %v", err)
	}
	if n := b.LogoutCalls.Load(); n != 1 {
		t.Errorf("LogoutCalls = %d", n)
	}
}
