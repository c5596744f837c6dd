package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Seann-Moser/mailauth/oauth/adapter"
	"github.com/Seann-Moser/mailauth/providers"
	"github.com/Seann-Moser/mailauth/security"
)

func testRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	reg, err := providers.NewRegistry(
		providers.Descriptor{
			Name:                 "gmail",
			AuthURL:              "https://auth.test",
			TokenURL:             "https://token.test",
			RedirectURL:          "https://app.test/cb",
			ClientID:             "client",
			Scopes:               []string{"mail.read"},
			RequiresRefreshToken: true,
			ExplicitExpiry:       true,
		},
		providers.Descriptor{
			Name:           "outlook",
			AuthURL:        "https://auth.test",
			TokenURL:       "https://token.test",
			RedirectURL:    "https://app.test/cb",
			ClientID:       "client",
			Scopes:         []string{"mail.read"},
			ExplicitExpiry: false,
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	return reg
}

func testGrant(provider string, expiry time.Time) adapter.Grant {
	return adapter.Grant{
		Credential: adapter.Credential{
			Provider:     provider,
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    expiry,
			Scopes:       []string{"mail.read"},
		},
		Identity: adapter.Identity{
			Provider: provider,
			Subject:  "sub-1",
			Email:    "user@example.com",
		},
	}
}

func newTestManager(t *testing.T, ads ...adapter.Adapter) *Manager {
	t.Helper()
	m := NewManager(testRegistry(t), ads, NewMemoryStore(), security.NewMonitor(100))
	t.Cleanup(m.Close)
	return m
}

func TestManager_PutAndGet(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, &adapter.MockAdapter{Name: "gmail"})

	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	tok, err := m.GetAccessToken(ctx, "gmail")
	if err != nil {
		t.Fatalf("GetAccessToken error: %v", err)
	}
	if tok != "access-1" {
		t.Errorf("token = %q; want access-1", tok)
	}

	info := m.Info("gmail")
	if !info.Authenticated {
		t.Errorf("Info.Authenticated = false after Put")
	}
	if info.Email != "user@example.com" {
		t.Errorf("Info.Email = %q", info.Email)
	}
	if !info.HasRefreshToken {
		t.Errorf("Info.HasRefreshToken = false")
	}
}

func TestManager_GetAccessToken_NotAuthenticated(t *testing.T) {
	m := newTestManager(t, &adapter.MockAdapter{Name: "gmail"})
	_, err := m.GetAccessToken(context.Background(), "gmail")
	if err == nil {
		t.Fatalf("expected error when unauthenticated")
	}
	if kind := adapter.KindOf(err); kind != adapter.KindInteractionRequired {
		t.Errorf("kind = %s; want interaction_required", kind)
	}
}

func TestManager_GetAccessToken_ScopeNotGranted(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, &adapter.MockAdapter{Name: "gmail"})
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	_, err := m.GetAccessToken(ctx, "gmail", "calendar.write")
	if kind := adapter.KindOf(err); kind != adapter.KindConsentRequired {
		t.Errorf("kind = %v; want consent_required", kind)
	}
}

func TestManager_ExpiredTokenIsRefreshed(t *testing.T) {
	ctx := context.Background()
	var refreshes atomic.Int32
	mock := &adapter.MockAdapter{
		Name: "gmail",
		RefreshFunc: func(ctx context.Context, cred adapter.Credential) (*adapter.Credential, error) {
			refreshes.Add(1)
			fresh := cred
			fresh.AccessToken = "access-2"
			fresh.ExpiresAt = time.Now().Add(time.Hour)
			return &fresh, nil
		},
	}
	m := newTestManager(t, mock)
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	tok, err := m.GetAccessToken(ctx, "gmail")
	if err != nil {
		t.Fatalf("GetAccessToken error: %v", err)
	}
	if tok != "access-2" {
		t.Errorf("token = %q; want refreshed access-2, never the stale value", tok)
	}
	if got := refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d; want 1", got)
	}
}

func TestManager_ExpiredTokenRefreshFails(t *testing.T) {
	ctx := context.Background()
	mock := &adapter.MockAdapter{
		Name: "gmail",
		RefreshFunc: func(ctx context.Context, cred adapter.Credential) (*adapter.Credential, error) {
			return nil, adapter.NewAuthError(adapter.KindInvalidGrant, "gmail", "refresh token revoked")
		},
	}
	m := newTestManager(t, mock)
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	_, err := m.GetAccessToken(ctx, "gmail")
	if err == nil {
		t.Fatalf("expected error, not a stale token")
	}
	if kind := adapter.KindOf(err); kind != adapter.KindInvalidGrant {
		t.Errorf("kind = %s; want invalid_grant", kind)
	}
}

func TestManager_ConcurrentRefreshesCollapse(t *testing.T) {
	ctx := context.Background()
	var refreshes atomic.Int32
	mock := &adapter.MockAdapter{
		Name: "gmail",
		RefreshFunc: func(ctx context.Context, cred adapter.Credential) (*adapter.Credential, error) {
			refreshes.Add(1)
			time.Sleep(50 * time.Millisecond) // hold the flight open
			fresh := cred
			fresh.AccessToken = "access-2"
			fresh.ExpiresAt = time.Now().Add(time.Hour)
			return &fresh, nil
		},
	}
	m := newTestManager(t, mock)
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	const callers = 4
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetAccessToken(ctx, "gmail")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if tokens[i] != "access-2" {
			t.Errorf("caller %d token = %q; want access-2", i, tokens[i])
		}
	}
	if got := refreshes.Load(); got != 1 {
		t.Errorf("network refresh calls = %d; want exactly 1", got)
	}
}

func TestManager_RevokeDuringRefresh(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	mock := &adapter.MockAdapter{
		Name: "gmail",
		RefreshFunc: func(ctx context.Context, cred adapter.Credential) (*adapter.Credential, error) {
			close(entered)
			<-release
			fresh := cred
			fresh.AccessToken = "access-2"
			fresh.ExpiresAt = time.Now().Add(time.Hour)
			return &fresh, nil
		},
	}
	m := newTestManager(t, mock)
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.GetAccessToken(ctx, "gmail")
		done <- err
	}()
	<-entered

	// The revoke completes while the refresh is still on the wire.
	if err := m.Revoke(ctx, "gmail"); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if m.Info("gmail").Authenticated {
		t.Fatalf("still authenticated after revoke")
	}

	close(release)
	err := <-done
	if kind := adapter.KindOf(err); kind != adapter.KindInteractionRequired {
		t.Errorf("late refresh caller kind = %v; want interaction_required", kind)
	}

	// The stale refresh result must not resurrect the credential or re-arm
	// its timer.
	if m.Info("gmail").Authenticated {
		t.Errorf("revoked credential resurrected by in-flight refresh")
	}
	if _, err := m.GetAccessToken(ctx, "gmail"); err == nil {
		t.Errorf("GetAccessToken should fail after revoke")
	}
	m.mu.Lock()
	timer := m.timers["gmail"]
	m.mu.Unlock()
	if timer != nil {
		t.Errorf("refresh timer re-armed after revoke")
	}
}

func TestManager_ReauthDuringRefresh(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	mock := &adapter.MockAdapter{
		Name: "gmail",
		RefreshFunc: func(ctx context.Context, cred adapter.Credential) (*adapter.Credential, error) {
			close(entered)
			<-release
			fresh := cred
			fresh.AccessToken = "access-2"
			fresh.ExpiresAt = time.Now().Add(time.Hour)
			return &fresh, nil
		},
	}
	m := newTestManager(t, mock)
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		tok, err := m.GetAccessToken(ctx, "gmail")
		if err != nil {
			t.Errorf("GetAccessToken error: %v", err)
		}
		done <- tok
	}()
	<-entered

	// A full re-authentication lands mid-refresh.
	grant := testGrant("gmail", time.Now().Add(time.Hour))
	grant.Credential.AccessToken = "access-3"
	if err := m.Put(ctx, grant); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	close(release)
	// The waiting caller gets the newer grant, not the stale refresh result.
	if tok := <-done; tok != "access-3" {
		t.Errorf("token = %q; want access-3 from the re-auth grant", tok)
	}
	tok, err := m.GetAccessToken(ctx, "gmail")
	if err != nil {
		t.Fatalf("GetAccessToken error: %v", err)
	}
	if tok != "access-3" {
		t.Errorf("stored token = %q; stale refresh overwrote the re-auth grant", tok)
	}
}

func TestManager_Revoke(t *testing.T) {
	ctx := context.Background()
	var revoked atomic.Int32
	mock := &adapter.MockAdapter{
		Name: "gmail",
		RevokeFunc: func(ctx context.Context, cred adapter.Credential) error {
			revoked.Add(1)
			return nil
		},
	}
	m := newTestManager(t, mock)
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	if err := m.Revoke(ctx, "gmail"); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if revoked.Load() != 1 {
		t.Errorf("adapter revoke calls = %d; want 1", revoked.Load())
	}
	if m.Info("gmail").Authenticated {
		t.Errorf("still authenticated after revoke")
	}
	if _, err := m.GetAccessToken(ctx, "gmail"); err == nil {
		t.Errorf("GetAccessToken should fail after revoke")
	}

	// Second revoke is a no-op success.
	if err := m.Revoke(ctx, "gmail"); err != nil {
		t.Errorf("second Revoke error: %v", err)
	}
	if revoked.Load() != 1 {
		t.Errorf("adapter revoke called again on no-op revoke")
	}
}

func TestManager_RevokeToleratesRemoteFailure(t *testing.T) {
	ctx := context.Background()
	mock := &adapter.MockAdapter{
		Name: "gmail",
		RevokeFunc: func(ctx context.Context, cred adapter.Credential) error {
			return errors.New("provider down")
		},
	}
	m := newTestManager(t, mock)
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	if err := m.Revoke(ctx, "gmail"); err != nil {
		t.Fatalf("Revoke should continue local cleanup, got: %v", err)
	}
	if m.Info("gmail").Authenticated {
		t.Errorf("local credential survived failed remote revoke")
	}
}

func TestManager_Validate(t *testing.T) {
	ctx := context.Background()
	mock := &adapter.MockAdapter{
		Name: "gmail",
		FetchIdentityFunc: func(ctx context.Context, accessToken string) (*adapter.Identity, error) {
			return &adapter.Identity{Provider: "gmail", Subject: "sub-1", Email: "user@example.com"}, nil
		},
	}
	m := newTestManager(t, mock)
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	res := m.Validate(ctx, "gmail")
	if !res.Valid {
		t.Fatalf("Valid = false; err = %v", res.Err)
	}
	if res.Identity == nil || res.Identity.Email != "user@example.com" {
		t.Errorf("identity = %+v", res.Identity)
	}

	// Unauthenticated provider reports the failure in the result.
	res = m.Validate(ctx, "outlook")
	if res.Valid || res.Err == nil {
		t.Errorf("expected invalid result for unauthenticated provider")
	}
}

func TestManager_Warm(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := record{
		Credential: adapter.Credential{
			Provider:    "gmail",
			AccessToken: "persisted",
			ExpiresAt:   time.Now().Add(time.Hour),
			Scopes:      []string{"mail.read"},
		},
		Identity: adapter.Identity{Provider: "gmail", Email: "user@example.com"},
		StoredAt: time.Now().UTC(),
	}
	raw, _ := json.Marshal(rec)
	if err := store.Set(ctx, storeKey("gmail"), raw); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	m := NewManager(testRegistry(t), []adapter.Adapter{&adapter.MockAdapter{Name: "gmail"}}, store, security.NewMonitor(100))
	t.Cleanup(m.Close)

	if err := m.Warm(ctx); err != nil {
		t.Fatalf("Warm error: %v", err)
	}
	info := m.Info("gmail")
	if !info.Authenticated || info.Email != "user@example.com" {
		t.Errorf("Info after Warm = %+v", info)
	}
}

func TestManager_HealthCheck(t *testing.T) {
	ctx := context.Background()
	mock := &adapter.MockAdapter{
		Name: "gmail",
		FetchIdentityFunc: func(ctx context.Context, accessToken string) (*adapter.Identity, error) {
			return &adapter.Identity{Provider: "gmail", Subject: "s"}, nil
		},
	}
	m := newTestManager(t, mock)
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	report := m.HealthCheck(ctx)
	if len(report.Providers) != 2 {
		t.Fatalf("providers in report = %d; want 2", len(report.Providers))
	}
	if !report.Providers["gmail"].Valid {
		t.Errorf("gmail should be valid: %+v", report.Providers["gmail"])
	}
	if report.Providers["outlook"].Authenticated {
		t.Errorf("outlook should be unauthenticated")
	}
	if !report.Healthy() {
		t.Errorf("report should be healthy (unauthenticated providers do not degrade it)")
	}
}

func TestManager_Details(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, &adapter.MockAdapter{Name: "gmail"})
	if err := m.Put(ctx, testGrant("gmail", time.Now().Add(2*time.Hour))); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	d := m.Details("gmail")
	if !d.Authenticated || !d.HasRefreshToken || !d.RequiresRefreshToken {
		t.Errorf("details = %+v", d)
	}
	if len(d.RequiredScopes) == 0 {
		t.Errorf("required scopes should come from the descriptor")
	}
	if sub := security.ValidateToken(d); sub.Level != security.LevelSecure {
		t.Errorf("fresh credential should validate secure, got %s (%v)", sub.Level, sub.Issues)
	}
}

func TestManager_UnknownProvider(t *testing.T) {
	m := newTestManager(t)
	err := m.Put(context.Background(), testGrant("imap", time.Now().Add(time.Hour)))
	if kind := adapter.KindOf(err); kind != adapter.KindConfiguration {
		t.Errorf("kind = %v; want configuration_error", kind)
	}
}
