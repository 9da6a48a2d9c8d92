// Package tokens manages OAuth access-token lifecycles: decrypting stored
// token envelopes on demand, refreshing ahead of expiry, and retiring
// connections whose grants the platform has revoked.
package tokens

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/config"
	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/models"
	"github.com/crossclip/crossclip/backend/internal/platform"
	"github.com/crossclip/crossclip/backend/internal/secretbox"
)

// safetyWindow is how long before the recorded expiry a token is already
// treated as expired. Covers clock skew and the time a publish attempt may
// hold the token before first use.
const safetyWindow = 60 * time.Second

// ConnectionStore is the slice of the persistence layer the manager needs.
type ConnectionStore interface {
	GetConnection(ctx context.Context, connectionID string) (*models.PlatformConnection, error)
	UpdateConnectionTokens(ctx context.Context, connectionID string, accessEnc, refreshEnc []byte, expiresAt time.Time) error
	DeactivateConnection(ctx context.Context, connectionID string) error
	ExpiringConnections(ctx context.Context, within time.Duration, limit int) ([]*models.PlatformConnection, error)
}

// AdapterSource hands out platform adapters; *platform.Registry satisfies it.
type AdapterSource interface {
	ForID(id platform.ID) (platform.Adapter, error)
}

type Manager struct {
	store    ConnectionStore
	box      *secretbox.Box
	registry AdapterSource
	app      *config.OAuth1Credential
	clk      clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store ConnectionStore, box *secretbox.Box, registry AdapterSource, app *config.OAuth1Credential, clk clock.Clock) *Manager {
	return &Manager{
		store:    store,
		box:      box,
		registry: registry,
		app:      app,
		clk:      clk,
		locks:    map[string]*sync.Mutex{},
	}
}

// connLock returns the mutex serializing refreshes for one connection id, so
// concurrent publishes against the same connection trigger at most one
// network refresh.
func (m *Manager) connLock(connectionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[connectionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[connectionID] = l
	}
	return l
}

// AccessToken returns a decrypted access token for the connection,
// refreshing it first when it expires within the safety window.
func (m *Manager) AccessToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.Active {
		return "", faults.New(faults.KindAuthRevoked, "connection is no longer active")
	}
	if m.fresh(conn) {
		return m.box.Open(conn.AccessTokenEnc)
	}

	l := m.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed while
	// we waited, in which case the stored token is already the new one.
	conn, err = m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.Active {
		return "", faults.New(faults.KindAuthRevoked, "connection is no longer active")
	}
	if m.fresh(conn) {
		return m.box.Open(conn.AccessTokenEnc)
	}
	return m.refresh(ctx, conn)
}

// RefreshNow refreshes the connection regardless of the recorded expiry. The
// dispatcher calls it when a platform rejects a token the store still
// considers fresh, so the repeat attempt runs on a genuinely new token.
func (m *Manager) RefreshNow(ctx context.Context, connectionID string) (string, error) {
	l := m.connLock(connectionID)
	l.Lock()
	defer l.Unlock()

	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.Active {
		return "", faults.New(faults.KindAuthRevoked, "connection is no longer active")
	}
	return m.refresh(ctx, conn)
}

func (m *Manager) fresh(conn *models.PlatformConnection) bool {
	return conn.ExpiresAt.After(m.clk.Now().Add(safetyWindow))
}

func (m *Manager) refresh(ctx context.Context, conn *models.PlatformConnection) (string, error) {
	id, err := platform.Parse(conn.Platform)
	if err != nil {
		return "", err
	}
	adapter, err := m.registry.ForID(id)
	if err != nil {
		return "", err
	}
	if len(conn.RefreshTokenEnc) == 0 {
		return "", faults.New(faults.KindAuthExpired, "access token expired and no refresh token is stored")
	}
	refreshToken, err := m.box.Open(conn.RefreshTokenEnc)
	if err != nil {
		return "", err
	}

	bundle, err := adapter.Refresh(ctx, refreshToken)
	if err != nil {
		if faults.KindOf(err) == faults.KindInvalidGrant {
			// The platform refused the grant outright; the user must
			// reconnect. Deactivate so future attempts fail fast.
			if derr := m.store.DeactivateConnection(ctx, conn.ID); derr != nil {
				log.Printf("[Tokens] deactivate failed connection=%s error=%v", conn.ID, derr)
			}
			log.Printf("[Tokens] grant invalid, connection deactivated connection=%s platform=%s", conn.ID, conn.Platform)
		}
		return "", err
	}

	accessEnc, err := m.box.Seal(bundle.AccessToken)
	if err != nil {
		return "", err
	}
	refreshEnc := conn.RefreshTokenEnc
	if bundle.RefreshToken != "" && bundle.RefreshToken != refreshToken {
		if refreshEnc, err = m.box.Seal(bundle.RefreshToken); err != nil {
			return "", err
		}
	}
	if err := m.store.UpdateConnectionTokens(ctx, conn.ID, accessEnc, refreshEnc, bundle.ExpiresAt); err != nil {
		return "", err
	}
	log.Printf("[Tokens] refreshed connection=%s platform=%s expires_at=%s",
		conn.ID, conn.Platform, bundle.ExpiresAt.UTC().Format(time.RFC3339))
	return bundle.AccessToken, nil
}

// Credentials assembles what an adapter needs to publish: the user access
// token plus, for adapters that sign requests with an app credential, the
// configured app key pair. A missing app credential fails before any
// network call is made.
func (m *Manager) Credentials(ctx context.Context, connectionID string, adapter platform.Adapter) (platform.Credentials, error) {
	var creds platform.Credentials
	if adapter.NeedsAppCredential() {
		if m.app == nil || !m.app.Configured() {
			return creds, faults.New(faults.KindConfigMissing,
				"%s publishing requires an app credential and none is configured", adapter.ID())
		}
		creds.App = m.app
	}
	token, err := m.AccessToken(ctx, connectionID)
	if err != nil {
		return creds, err
	}
	creds.AccessToken = token
	return creds, nil
}

// RunSweep pre-refreshes tokens that expire soon so publish attempts rarely
// pay refresh latency. Runs until the context is canceled.
func (m *Manager) RunSweep(ctx context.Context, interval, horizon time.Duration) {
	log.Printf("[Tokens] sweep started interval=%s horizon=%s", interval, horizon)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Tokens] sweep stopped")
			return
		case <-ticker.C:
			m.sweepOnce(ctx, horizon)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context, horizon time.Duration) {
	conns, err := m.store.ExpiringConnections(ctx, horizon, 50)
	if err != nil {
		log.Printf("[Tokens] sweep query failed error=%v", err)
		return
	}
	for _, conn := range conns {
		if _, err := m.AccessToken(ctx, conn.ID); err != nil {
			log.Printf("[Tokens] sweep refresh failed connection=%s platform=%s kind=%s error=%v",
				conn.ID, conn.Platform, faults.KindOf(err), err)
		}
	}
}
