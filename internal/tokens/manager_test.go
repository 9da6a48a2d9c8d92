package tokens

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/config"
	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/models"
	"github.com/crossclip/crossclip/backend/internal/platform"
	"github.com/crossclip/crossclip/backend/internal/secretbox"
)

type fakeConnStore struct {
	mu          sync.Mutex
	conn        *models.PlatformConnection
	deactivated bool
}

func (f *fakeConnStore) GetConnection(ctx context.Context, connectionID string) (*models.PlatformConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *f.conn
	return &c, nil
}

func (f *fakeConnStore) UpdateConnectionTokens(ctx context.Context, connectionID string, accessEnc, refreshEnc []byte, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.AccessTokenEnc = accessEnc
	f.conn.RefreshTokenEnc = refreshEnc
	f.conn.ExpiresAt = expiresAt
	return nil
}

func (f *fakeConnStore) DeactivateConnection(ctx context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = true
	f.conn.Active = false
	return nil
}

func (f *fakeConnStore) ExpiringConnections(ctx context.Context, within time.Duration, limit int) ([]*models.PlatformConnection, error) {
	return nil, nil
}

type fakeAdapter struct {
	refreshCalls int32
	refreshErr   error
	bundle       platform.TokenBundle
	needsApp     bool
}

func (a *fakeAdapter) ID() platform.ID { return platform.YouTube }
func (a *fakeAdapter) BuildAuthorizationURL(string) (string, error) { return "", nil }
func (a *fakeAdapter) ExchangeCode(context.Context, string, string) (platform.TokenBundle, error) {
	return platform.TokenBundle{}, nil
}
func (a *fakeAdapter) Refresh(ctx context.Context, refreshToken string) (platform.TokenBundle, error) {
	atomic.AddInt32(&a.refreshCalls, 1)
	if a.refreshErr != nil {
		return platform.TokenBundle{}, a.refreshErr
	}
	return a.bundle, nil
}
func (a *fakeAdapter) FetchIdentity(context.Context, string) (platform.Identity, error) {
	return platform.Identity{}, nil
}
func (a *fakeAdapter) Publish(context.Context, platform.VideoSource, platform.PostSpec, platform.Credentials) (platform.PublishResult, error) {
	return platform.PublishResult{}, nil
}
func (a *fakeAdapter) CaptionLimit() int { return 5000 }
func (a *fakeAdapter) MediaConstraints() platform.MediaConstraints {
	return platform.MediaConstraints{}
}
func (a *fakeAdapter) NeedsAppCredential() bool { return a.needsApp }

type fakeSource struct{ adapter *fakeAdapter }

func (s *fakeSource) ForID(platform.ID) (platform.Adapter, error) { return s.adapter, nil }

func newManagerFixture(t *testing.T, expiresIn time.Duration) (*Manager, *fakeConnStore, *fakeAdapter, *secretbox.Box, clock.Clock) {
	t.Helper()
	box, err := secretbox.New("manager-test-secret")
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	access, _ := box.Seal("stored-access")
	refresh, _ := box.Seal("stored-refresh")
	cs := &fakeConnStore{conn: &models.PlatformConnection{
		ID:              "c1",
		UserID:          "u1",
		Platform:        "YOUTUBE",
		AccessTokenEnc:  access,
		RefreshTokenEnc: refresh,
		ExpiresAt:       now.Add(expiresIn),
		Active:          true,
	}}
	adapter := &fakeAdapter{bundle: platform.TokenBundle{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    now.Add(time.Hour),
	}}
	m := NewManager(cs, box, &fakeSource{adapter: adapter}, nil, clk)
	return m, cs, adapter, box, clk
}

func TestAccessTokenFreshSkipsRefresh(t *testing.T) {
	m, _, adapter, _, _ := newManagerFixture(t, time.Hour)
	tok, err := m.AccessToken(context.Background(), "c1")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "stored-access" {
		t.Fatalf("got %q", tok)
	}
	if adapter.refreshCalls != 0 {
		t.Fatalf("fresh token must not refresh, calls=%d", adapter.refreshCalls)
	}
}

func TestAccessTokenWithinSafetyWindowRefreshes(t *testing.T) {
	// 30s to expiry is inside the 60s safety window.
	m, cs, adapter, box, _ := newManagerFixture(t, 30*time.Second)
	tok, err := m.AccessToken(context.Background(), "c1")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "fresh-access" {
		t.Fatalf("got %q", tok)
	}
	if adapter.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d", adapter.refreshCalls)
	}
	stored, err := box.Open(cs.conn.AccessTokenEnc)
	if err != nil || stored != "fresh-access" {
		t.Fatalf("stored access = %q err=%v", stored, err)
	}
	if rotated, _ := box.Open(cs.conn.RefreshTokenEnc); rotated != "fresh-refresh" {
		t.Fatalf("rotated refresh token not stored, got %q", rotated)
	}
}

func TestAccessTokenConcurrentRefreshesOnce(t *testing.T) {
	m, _, adapter, _, _ := newManagerFixture(t, 30*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.AccessToken(context.Background(), "c1")
			if err != nil || tok != "fresh-access" {
				t.Errorf("AccessToken = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&adapter.refreshCalls); got != 1 {
		t.Fatalf("expected exactly one network refresh, got %d", got)
	}
}

func TestRefreshNowIgnoresRecordedExpiry(t *testing.T) {
	// The stored expiry is an hour out, so AccessToken would serve the stale
	// token; a platform-side rejection needs the forced path.
	m, cs, adapter, box, _ := newManagerFixture(t, time.Hour)
	tok, err := m.RefreshNow(context.Background(), "c1")
	if err != nil {
		t.Fatalf("RefreshNow: %v", err)
	}
	if tok != "fresh-access" {
		t.Fatalf("got %q", tok)
	}
	if adapter.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d", adapter.refreshCalls)
	}
	if stored, _ := box.Open(cs.conn.AccessTokenEnc); stored != "fresh-access" {
		t.Fatalf("stored access = %q", stored)
	}
}

func TestRefreshNowInactiveConnection(t *testing.T) {
	m, cs, adapter, _, _ := newManagerFixture(t, time.Hour)
	cs.conn.Active = false
	_, err := m.RefreshNow(context.Background(), "c1")
	if faults.KindOf(err) != faults.KindAuthRevoked {
		t.Fatalf("expected AUTH_REVOKED, got %v", err)
	}
	if adapter.refreshCalls != 0 {
		t.Fatalf("inactive connection must not hit the network, calls=%d", adapter.refreshCalls)
	}
}

func TestAccessTokenInactiveConnection(t *testing.T) {
	m, cs, _, _, _ := newManagerFixture(t, time.Hour)
	cs.conn.Active = false
	_, err := m.AccessToken(context.Background(), "c1")
	if faults.KindOf(err) != faults.KindAuthRevoked {
		t.Fatalf("expected AUTH_REVOKED, got %v", err)
	}
}

func TestAccessTokenExpiredWithoutRefreshToken(t *testing.T) {
	m, cs, _, _, _ := newManagerFixture(t, 30*time.Second)
	cs.conn.RefreshTokenEnc = nil
	_, err := m.AccessToken(context.Background(), "c1")
	if faults.KindOf(err) != faults.KindAuthExpired {
		t.Fatalf("expected AUTH_EXPIRED, got %v", err)
	}
}

func TestAccessTokenInvalidGrantDeactivates(t *testing.T) {
	m, cs, adapter, _, _ := newManagerFixture(t, 30*time.Second)
	adapter.refreshErr = faults.New(faults.KindInvalidGrant, "grant revoked upstream")
	_, err := m.AccessToken(context.Background(), "c1")
	if faults.KindOf(err) != faults.KindInvalidGrant {
		t.Fatalf("expected INVALID_GRANT, got %v", err)
	}
	if !cs.deactivated {
		t.Fatal("invalid grant must deactivate the connection")
	}
}

func TestCredentialsRequireAppCredential(t *testing.T) {
	m, _, adapter, _, _ := newManagerFixture(t, time.Hour)
	adapter.needsApp = true
	_, err := m.Credentials(context.Background(), "c1", adapter)
	if faults.KindOf(err) != faults.KindConfigMissing {
		t.Fatalf("expected CONFIG_MISSING without an app credential, got %v", err)
	}
	if !strings.Contains(err.Error(), "YOUTUBE") {
		t.Fatalf("message must name the platform, got %q", err.Error())
	}
}

func TestCredentialsWithAppCredential(t *testing.T) {
	m, _, adapter, _, _ := newManagerFixture(t, time.Hour)
	adapter.needsApp = true
	app := &config.OAuth1Credential{
		APIKey: "k", APISecret: "s", AccessToken: "at", AccessTokenSecret: "ats",
	}
	m.app = app
	creds, err := m.Credentials(context.Background(), "c1", adapter)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.AccessToken != "stored-access" || creds.App != app {
		t.Fatalf("creds = %+v", creds)
	}
}
