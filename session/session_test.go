package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	lexcase "github.com/lexcase/lexcase-go"
	"github.com/lexcase/lexcase-go/fake"
	"github.com/lexcase/lexcase-go/session"
	"github.com/lexcase/lexcase-go/store"
)

var testUser = lexcase.User{
	ID:     "user-1",
	Email:  "a@b.com",
	Name:   "Ada Counsel",
	Role:   "attorney",
	FirmID: "firm-9",
	Active: true,
}

func testConfig() lexcase.Config {
	return lexcase.Config{
		BaseURL:           "http://api.test",
		InactivityTimeout: time.Hour,
		RefreshThreshold:  5 * time.Minute,
		StorageKey:        "test_session",
	}
}

func mint(t *testing.T, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": testUser.ID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// mockBackend gives tests precise control over each endpoint's behavior.
type mockBackend struct {
	mu           sync.Mutex
	authPair     lexcase.TokenPair
	authErr      error
	refreshNext  string
	refreshErr   error
	identityErr  error
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	refreshDelay time.Duration
}

func (b *mockBackend) Authenticate(ctx context.Context, email, password, captchaToken string) (lexcase.TokenPair, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.authErr != nil {
		return lexcase.TokenPair{}, b.authErr
	}
	return b.authPair, nil
}

func (b *mockBackend) Refresh(ctx context.Context, refreshToken string) (string, error) {
	b.refreshCalls.Add(1)
	if b.refreshDelay > 0 {
		time.Sleep(b.refreshDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refreshErr != nil {
		return "", b.refreshErr
	}
	return b.refreshNext, nil
}

func (b *mockBackend) Identity(ctx context.Context, accessToken string) (*lexcase.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identityErr != nil {
		return nil, b.identityErr
	}
	u := testUser
	return &u, nil
}

func (b *mockBackend) Logout(ctx context.Context, accessToken string) error {
	b.logoutCalls.Add(1)
	return nil
}

func loadSnapshot(t *testing.T, st store.Store, key string) (tokens lexcase.TokenPair, user *lexcase.User, ok bool) {
	t.Helper()
	data, ok, err := st.Load(key)
	if err != nil {
		t.Fatalf("loading snapshot: %v", err)
	}
	if !ok {
		return lexcase.TokenPair{}, nil, false
	}
	var snap struct {
		Tokens lexcase.TokenPair `json:"tokens"`
		User   *lexcase.User     `json:"user"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	return snap.Tokens, snap.User, true
}

func TestLogin_Success(t *testing.T) {
	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	st := store.NewMemory()
	m := session.New(testConfig(), backend, st)

	user, err := m.Login(context.Background(), "a@b.com", "x", "")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if user.ID != testUser.ID {
		t.Errorf("user.ID = %q, want %q", user.ID, testUser.ID)
	}
	if !m.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after successful login")
	}
	if got := m.User(); got == nil || got.Email != "a@b.com" {
		t.Errorf("User() = %+v, want email a@b.com", got)
	}

	// session state is persisted before Login returns
	tokens, storedUser, ok := loadSnapshot(t, st, "test_session")
	if !ok {
		t.Fatal("no persisted snapshot after login")
	}
	if tokens.Access == "" || tokens.Refresh == "" {
		t.Error("persisted snapshot is missing tokens")
	}
	if storedUser == nil || storedUser.ID != testUser.ID {
		t.Errorf("persisted user = %+v, want %s", storedUser, testUser.ID)
	}
}

func TestLogin_CredentialRejectionVerbatim(t *testing.T) {
	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	m := session.New(testConfig(), backend, store.NewMemory())

	_, err := m.Login(context.Background(), "a@b.com", "wrong", "")
	if err == nil {
		t.Fatal("expected error for rejected credentials")
	}

	var apiErr *lexcase.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *lexcase.APIError", err)
	}
	if apiErr.Status != 401 {
		t.Errorf("Status = %d, want 401", apiErr.Status)
	}
	// the raw payload passes through unmodified for the UI layer
	var payload map[string]string
	if err := json.Unmarshal(apiErr.Payload(), &payload); err != nil {
		t.Fatalf("payload is not the server's JSON: %v", err)
	}
	if m.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after rejected login")
	}
}

func TestLogin_IdentityFailureIsAllOrNothing(t *testing.T) {
	backend := &mockBackend{
		authPair:    lexcase.TokenPair{Access: mint(t, time.Hour), Refresh: "r1"},
		identityErr: &lexcase.APIError{Status: 500, Body: []byte("profile unavailable")},
	}
	st := store.NewMemory()
	m := session.New(testConfig(), backend, st)

	_, err := m.Login(context.Background(), "a@b.com", "x", "")
	if err == nil {
		t.Fatal("expected the profile-fetch error")
	}
	if m.IsAuthenticated() {
		t.Error("partially-authenticated state was retained")
	}
	if _, _, ok := loadSnapshot(t, st, "test_session"); ok {
		t.Error("snapshot was persisted despite failed login")
	}
}

func TestIsAuthenticated_ExpiredTokenFailsClosed(t *testing.T) {
	// user and refresh token present, access expiry in the past
	backend := fake.NewBackend(
		fake.WithAccount("a@b.com", "x", testUser),
		fake.WithAccessTTL(-time.Minute),
	)
	m := session.New(testConfig(), backend, store.NewMemory())

	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if m.IsAuthenticated() {
		t.Error("IsAuthenticated() = true for expired access token")
	}
}

func TestRefreshToken_PreservesRefreshToken(t *testing.T) {
	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	st := store.NewMemory()
	m := session.New(testConfig(), backend, st)

	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	before, _, _ := loadSnapshot(t, st, "test_session")

	if !m.RefreshToken(context.Background()) {
		t.Fatal("RefreshToken() = false, want true")
	}

	after, _, _ := loadSnapshot(t, st, "test_session")
	if after.Refresh != before.Refresh {
		t.Errorf("refresh token changed: %q → %q", before.Refresh, after.Refresh)
	}
	if after.Access == before.Access {
		t.Error("access token was not replaced")
	}
}

func TestValidAccessToken_SyncRefreshWhenExpired(t *testing.T) {
	fresh := mint(t, time.Hour)
	backend := &mockBackend{
		authPair:    lexcase.TokenPair{Access: mint(t, -time.Minute), Refresh: "r1"},
		refreshNext: fresh,
	}
	m := session.New(testConfig(), backend, store.NewMemory())
	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	got, ok := m.ValidAccessToken(context.Background())
	if !ok {
		t.Fatal("ValidAccessToken() ok = false, want true after sync refresh")
	}
	if got != fresh {
		t.Errorf("returned the stale token instead of the refreshed one")
	}
	if n := backend.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if !m.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after successful sync refresh")
	}
}

func TestValidAccessToken_RefreshFailureForcesLogout(t *testing.T) {
	backend := &mockBackend{
		authPair:   lexcase.TokenPair{Access: mint(t, -time.Minute), Refresh: "r1"},
		refreshErr: &lexcase.APIError{Status: 401, Body: []byte(`{"detail":"revoked"}`)},
	}
	st := store.NewMemory()

	var reasonMu sync.Mutex
	var reason lexcase.LogoutReason
	m := session.New(testConfig(), backend, st,
		session.WithLogoutHandler(func(r lexcase.LogoutReason) {
			reasonMu.Lock()
			reason = r
			reasonMu.Unlock()
		}),
	)
	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	if _, ok := m.ValidAccessToken(context.Background()); ok {
		t.Fatal("ValidAccessToken() ok = true, want false on refresh failure")
	}
	if m.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after forced logout")
	}
	if _, _, ok := loadSnapshot(t, st, "test_session"); ok {
		t.Error("persisted snapshot still present after forced logout")
	}
	reasonMu.Lock()
	if reason != lexcase.LogoutRefreshFailed {
		t.Errorf("logout reason = %q, want %q", reason, lexcase.LogoutRefreshFailed)
	}
	reasonMu.Unlock()
}

func TestValidAccessToken_ProactiveAsyncRefresh(t *testing.T) {
	// expires in 2 minutes, threshold 5 minutes: still valid, merely prudent
	current := mint(t, 2*time.Minute)
	backend := &mockBackend{
		authPair:    lexcase.TokenPair{Access: current, Refresh: "r1"},
		refreshNext: mint(t, time.Hour),
	}
	m := session.New(testConfig(), backend, store.NewMemory())
	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	got, ok := m.ValidAccessToken(context.Background())
	if !ok {
		t.Fatal("ValidAccessToken() ok = false, want true")
	}
	if got != current {
		t.Error("caller was not handed the still-valid current token")
	}

	// the refresh was dispatched without blocking the return
	deadline := time.After(2 * time.Second)
	for backend.refreshCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no background refresh observed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestValidAccessToken_NoToken(t *testing.T) {
	backend := fake.NewBackend()
	m := session.New(testConfig(), backend, store.NewMemory())

	if _, ok := m.ValidAccessToken(context.Background()); ok {
		t.Error("ValidAccessToken() ok = true with no stored tokens")
	}
}

func TestRefreshToken_ConcurrentCallersShareOneExchange(t *testing.T) {
	backend := &mockBackend{
		authPair:     lexcase.TokenPair{Access: mint(t, time.Hour), Refresh: "r1"},
		refreshNext:  mint(t, time.Hour),
		refreshDelay: 50 * time.Millisecond,
	}
	m := session.New(testConfig(), backend, store.NewMemory())
	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	backend.refreshCalls.Store(0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.RefreshToken(context.Background()) {
				t.Error("RefreshToken() = false")
			}
		}()
	}
	wg.Wait()

	if n := backend.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh exchanges = %d, want 1 (singleflight)", n)
	}
}

func TestInactivity_FiresLogout(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 40 * time.Millisecond

	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	st := store.NewMemory()

	reasons := make(chan lexcase.LogoutReason, 1)
	m := session.New(cfg, backend, st,
		session.WithLogoutHandler(func(r lexcase.LogoutReason) { reasons <- r }),
	)
	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Fatal("not authenticated after login")
	}

	select {
	case r := <-reasons:
		if r != lexcase.LogoutInactivity {
			t.Errorf("logout reason = %q, want %q", r, lexcase.LogoutInactivity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inactivity watchdog never fired")
	}

	if m.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after inactivity timeout")
	}
	if _, _, ok := loadSnapshot(t, st, "test_session"); ok {
		t.Error("persisted snapshot still present after inactivity logout")
	}
}

func TestUpdateActivity_PostponesWatchdog(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 120 * time.Millisecond

	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	m := session.New(cfg, backend, store.NewMemory())
	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		m.UpdateActivity()
	}
	if !m.IsAuthenticated() {
		t.Fatal("activity updates did not postpone the watchdog")
	}

	time.Sleep(300 * time.Millisecond)
	if m.IsAuthenticated() {
		t.Error("watchdog did not fire once activity stopped")
	}
}

func TestInactivityTimeLeft(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 30 * time.Minute

	now := time.Now()
	clock := func() time.Time { return now }

	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	m := session.New(cfg, backend, store.NewMemory(), session.WithClock(func() time.Time { return clock() }))
	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	if got := m.InactivityTimeLeft(); got != 30*time.Minute {
		t.Errorf("InactivityTimeLeft() = %v, want 30m", got)
	}

	now = now.Add(10 * time.Minute)
	if got := m.InactivityTimeLeft(); got != 20*time.Minute {
		t.Errorf("InactivityTimeLeft() = %v, want 20m", got)
	}

	now = now.Add(time.Hour)
	if got := m.InactivityTimeLeft(); got != 0 {
		t.Errorf("InactivityTimeLeft() = %v, want 0 when overdrawn", got)
	}
}

func TestRestore_Idempotent(t *testing.T) {
	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	st := store.NewMemory()

	m1 := session.New(testConfig(), backend, st)
	if _, err := m1.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	tokensBefore, _, _ := loadSnapshot(t, st, "test_session")
	authCalls := backend.AuthenticateCalls.Load()
	identityCalls := backend.IdentityCalls.Load()
	_ = m1.Close()

	// a new process against the same storage blob
	m2 := session.New(testConfig(), backend, st)
	defer func() { _ = m2.Close() }()

	if !m2.IsAuthenticated() {
		t.Fatal("restored session is not authenticated")
	}
	if got := m2.User(); got == nil || got.ID != testUser.ID {
		t.Errorf("restored User() = %+v, want %s", got, testUser.ID)
	}
	got, ok := m2.ValidAccessToken(context.Background())
	if !ok || got != tokensBefore.Access {
		t.Error("restored access token differs from the persisted one")
	}
	if backend.AuthenticateCalls.Load() != authCalls || backend.IdentityCalls.Load() != identityCalls {
		t.Error("restore touched the network")
	}
}

func TestRestore_ExpiredBlobDiscarded(t *testing.T) {
	backend := fake.NewBackend(
		fake.WithAccount("a@b.com", "x", testUser),
		fake.WithAccessTTL(-time.Minute),
	)
	st := store.NewMemory()

	m1 := session.New(testConfig(), backend, st)
	if _, err := m1.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	_ = m1.Close()

	m2 := session.New(testConfig(), backend, st)
	if m2.IsAuthenticated() {
		t.Error("restored a session with an expired access token")
	}
	if _, _, ok := loadSnapshot(t, st, "test_session"); ok {
		t.Error("expired blob was not discarded")
	}
}

func TestLogout_ClearsEverything(t *testing.T) {
	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	st := store.NewMemory()

	reasons := make(chan lexcase.LogoutReason, 1)
	m := session.New(testConfig(), backend, st,
		session.WithLogoutHandler(func(r lexcase.LogoutReason) { reasons <- r }),
	)
	if _, err := m.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	m.Logout(context.Background())

	if m.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after logout")
	}
	if m.User() != nil {
		t.Error("User() non-nil after logout")
	}
	if _, _, ok := loadSnapshot(t, st, "test_session"); ok {
		t.Error("persisted snapshot still present after logout")
	}
	if n := backend.LogoutCalls.Load(); n != 1 {
		t.Errorf("remote logout notifications = %d, want 1", n)
	}
	if r := <-reasons; r != lexcase.LogoutExplicit {
		t.Errorf("logout reason = %q, want %q", r, lexcase.LogoutExplicit)
	}
}

func TestPendingRegistration_Lifecycle(t *testing.T) {
	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	st := store.NewMemory()
	m := session.New(testConfig(), backend, st)

	pending := lexcase.PendingRegistration{
		Email:  "a@b.com",
		Tag:    "verify-123",
		Tokens: lexcase.TokenPair{Access: backend.MintAccess(testUser, time.Hour), Refresh: "r-pending"},
	}
	if err := m.StorePendingRegistration(pending); err != nil {
		t.Fatalf("StorePendingRegistration() error: %v", err)
	}

	// an unverified identity never satisfies IsAuthenticated
	if m.IsAuthenticated() {
		t.Error("pending registration satisfied IsAuthenticated")
	}
	got, ok := m.PendingRegistration()
	if !ok || got.Tag != "verify-123" {
		t.Errorf("PendingRegistration() = %+v, %v", got, ok)
	}

	user, err := m.PromotePendingRegistration(context.Background())
	if err != nil {
		t.Fatalf("PromotePendingRegistration() error: %v", err)
	}
	if user.ID != testUser.ID {
		t.Errorf("promoted user = %q, want %q", user.ID, testUser.ID)
	}
	if !m.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after promotion")
	}
	if _, ok := m.PendingRegistration(); ok {
		t.Error("artifact still present after promotion")
	}
}

func TestPendingRegistration_SurvivesLogoutAndRestart(t *testing.T) {
	backend := fake.NewBackend(fake.WithAccount("a@b.com", "x", testUser))
	st := store.NewMemory()
	m1 := session.New(testConfig(), backend, st)

	if _, err := m1.Login(context.Background(), "a@b.com", "x", ""); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	pending := lexcase.PendingRegistration{Email: "new@b.com", Tag: "verify-9"}
	if err := m1.StorePendingRegistration(pending); err != nil {
		t.Fatalf("StorePendingRegistration() error: %v", err)
	}

	m1.Logout(context.Background())
	if _, ok := m1.PendingRegistration(); !ok {
		t.Error("artifact did not survive logout")
	}

	m2 := session.New(testConfig(), backend, st)
	got, ok := m2.PendingRegistration()
	if !ok || got.Email != "new@b.com" {
		t.Errorf("artifact did not survive restart: %+v, %v", got, ok)
	}
}

func TestPendingRegistration_PromoteFailureKeepsArtifact(t *testing.T) {
	backend := fake.NewBackend() // no accounts: identity fetch will fail
	m := session.New(testConfig(), backend, store.NewMemory())

	pending := lexcase.PendingRegistration{
		Email:  "a@b.com",
		Tag:    "verify-1",
		Tokens: lexcase.TokenPair{Access: "not-a-minted-token", Refresh: "r"},
	}
	if err := m.StorePendingRegistration(pending); err != nil {
		t.Fatalf("StorePendingRegistration() error: %v", err)
	}

	if _, err := m.PromotePendingRegistration(context.Background()); err == nil {
		t.Fatal("expected promotion to fail")
	}
	if m.IsAuthenticated() {
		t.Error("failed promotion left authenticated state")
	}
	if _, ok := m.PendingRegistration(); !ok {
		t.Error("failed promotion discarded the artifact")
	}
}

func TestDiscardPendingRegistration(t *testing.T) {
	backend := fake.NewBackend()
	m := session.New(testConfig(), backend, store.NewMemory())

	if err := m.StorePendingRegistration(lexcase.PendingRegistration{Email: "a@b.com"}); err != nil {
		t.Fatalf("StorePendingRegistration() error: %v", err)
	}
	if err := m.DiscardPendingRegistration(); err != nil {
		t.Fatalf("DiscardPendingRegistration() error: %v", err)
	}
	if _, ok := m.PendingRegistration(); ok {
		t.Error("artifact still present after discard")
	}
}
