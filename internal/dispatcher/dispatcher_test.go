package dispatcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/crossclip/crossclip/backend/internal/broker"
	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/models"
	"github.com/crossclip/crossclip/backend/internal/platform"
	"github.com/crossclip/crossclip/backend/internal/secretbox"
	"github.com/crossclip/crossclip/backend/internal/store"
	"github.com/crossclip/crossclip/backend/internal/tokens"
)

func newClaimFixture(t *testing.T) (*Dispatcher, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	st := store.New(db, clk)
	return New(st, nil, nil, nil, nil, clk, time.Minute, 1), mock, now
}

var postCols = []string{"id", "multi_post_id", "user_id", "video_id", "platform", "status",
	"caption", "hashtags", "extras", "attempt_count", "last_error_kind", "last_error_message",
	"platform_post_id", "platform_url", "posted_at", "created_at", "updated_at"}

func claimedPostRow(now time.Time) *sqlmock.Rows {
	return claimedPostRowAt(now, 1)
}

func claimedPostRowAt(now time.Time, attempts int) *sqlmock.Rows {
	return sqlmock.NewRows(postCols).
		AddRow("p1", "mp1", "u1", "v1", "TIKTOK", "PROCESSING", "caption", "{go}",
			[]byte(`{}`), attempts, nil, nil, nil, nil, nil, now, now)
}

func TestClaimPostTerminalIsDropped(t *testing.T) {
	d, mock, _ := newClaimFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE posts").WillReturnRows(sqlmock.NewRows(postCols))
	mock.ExpectCommit()

	post, done, err := d.claimPost(context.Background(), "p1")
	if err != nil {
		t.Fatalf("claimPost: %v", err)
	}
	if !done || post != nil {
		t.Fatalf("terminal post must settle the job: done=%v post=%v", done, post)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimPostCooldownDenialFailsInTx(t *testing.T) {
	d, mock, now := newClaimFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE posts").WillReturnRows(claimedPostRow(now))
	// Same video posted 2h ago: the window denies.
	mock.ExpectQuery(`SELECT MAX\(posted_at\)`).
		WithArgs("u1", "TIKTOK", "v1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(now.Add(-2 * time.Hour)))
	mock.ExpectExec("UPDATE posts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO post_outcomes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	post, done, err := d.claimPost(context.Background(), "p1")
	if err != nil {
		t.Fatalf("claimPost: %v", err)
	}
	if !done || post != nil {
		t.Fatalf("cooldown denial must settle the job: done=%v post=%v", done, post)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimPostAllowedReturnsPost(t *testing.T) {
	d, mock, now := newClaimFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE posts").WillReturnRows(claimedPostRow(now))
	mock.ExpectQuery(`SELECT MAX\(posted_at\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectCommit()

	post, done, err := d.claimPost(context.Background(), "p1")
	if err != nil {
		t.Fatalf("claimPost: %v", err)
	}
	if done || post == nil {
		t.Fatalf("allowed claim must return the post: done=%v post=%v", done, post)
	}
	if post.AttemptCount != 1 || post.Status != "PROCESSING" {
		t.Fatalf("post = %+v", post)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

type fakeAdapter struct {
	refreshCalls int
	// publishErrs is consumed one entry per Publish call; nil entries and
	// calls past the end succeed.
	publishErrs []error
	tokensSeen  []string
	bundle      platform.TokenBundle
}

func (a *fakeAdapter) ID() platform.ID { return platform.TikTok }
func (a *fakeAdapter) BuildAuthorizationURL(string) (string, error) { return "", nil }
func (a *fakeAdapter) ExchangeCode(context.Context, string, string) (platform.TokenBundle, error) {
	return platform.TokenBundle{}, nil
}
func (a *fakeAdapter) Refresh(context.Context, string) (platform.TokenBundle, error) {
	a.refreshCalls++
	return a.bundle, nil
}
func (a *fakeAdapter) FetchIdentity(context.Context, string) (platform.Identity, error) {
	return platform.Identity{}, nil
}
func (a *fakeAdapter) Publish(ctx context.Context, v platform.VideoSource, spec platform.PostSpec, creds platform.Credentials) (platform.PublishResult, error) {
	a.tokensSeen = append(a.tokensSeen, creds.AccessToken)
	if len(a.publishErrs) > 0 {
		err := a.publishErrs[0]
		a.publishErrs = a.publishErrs[1:]
		if err != nil {
			return platform.PublishResult{}, err
		}
	}
	return platform.PublishResult{PlatformPostID: "tk-1", PlatformURL: "https://example.test/tk-1"}, nil
}
func (a *fakeAdapter) CaptionLimit() int { return 2200 }
func (a *fakeAdapter) MediaConstraints() platform.MediaConstraints {
	return platform.MediaConstraints{}
}
func (a *fakeAdapter) NeedsAppCredential() bool { return false }

type fakeSource struct{ adapter platform.Adapter }

func (s *fakeSource) ForID(platform.ID) (platform.Adapter, error) { return s.adapter, nil }

type fakeConnStore struct{ conn *models.PlatformConnection }

func (f *fakeConnStore) GetConnection(ctx context.Context, connectionID string) (*models.PlatformConnection, error) {
	c := *f.conn
	return &c, nil
}

func (f *fakeConnStore) UpdateConnectionTokens(ctx context.Context, connectionID string, accessEnc, refreshEnc []byte, expiresAt time.Time) error {
	f.conn.AccessTokenEnc = accessEnc
	f.conn.RefreshTokenEnc = refreshEnc
	f.conn.ExpiresAt = expiresAt
	return nil
}

func (f *fakeConnStore) DeactivateConnection(ctx context.Context, connectionID string) error {
	f.conn.Active = false
	return nil
}

func (f *fakeConnStore) ExpiringConnections(ctx context.Context, within time.Duration, limit int) ([]*models.PlatformConnection, error) {
	return nil, nil
}

type fakeBroker struct {
	acked  int
	nacked int
	delay  time.Duration
}

func (b *fakeBroker) Enqueue(context.Context, string, []byte, broker.Options) error { return nil }
func (b *fakeBroker) Claim(context.Context, string, time.Duration) (*broker.Job, error) {
	return nil, nil
}
func (b *fakeBroker) Ack(context.Context, *broker.Job) error { b.acked++; return nil }
func (b *fakeBroker) Nack(ctx context.Context, job *broker.Job, requeueAfter time.Duration) error {
	b.nacked++
	b.delay = requeueAfter
	return nil
}

func newPublishFixture(t *testing.T) (*Dispatcher, sqlmock.Sqlmock, *fakeAdapter, *fakeBroker, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	st := store.New(db, clk)

	box, err := secretbox.New("dispatch-test-secret")
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	access, _ := box.Seal("stored-access")
	refresh, _ := box.Seal("stored-refresh")
	cs := &fakeConnStore{conn: &models.PlatformConnection{
		ID:              "c1",
		UserID:          "u1",
		Platform:        "TIKTOK",
		AccessTokenEnc:  access,
		RefreshTokenEnc: refresh,
		ExpiresAt:       now.Add(time.Hour),
		Active:          true,
	}}
	adapter := &fakeAdapter{bundle: platform.TokenBundle{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    now.Add(2 * time.Hour),
	}}
	source := &fakeSource{adapter: adapter}
	tm := tokens.NewManager(cs, box, source, nil, clk)
	jobs := &fakeBroker{}
	return New(st, jobs, source, tm, nil, clk, time.Minute, 1), mock, adapter, jobs, now
}

func dispatchVideoRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "title", "storage_key", "container", "codec",
		"duration_ms", "width", "height", "size_bytes", "upload_status", "caption", "tags",
		"created_at", "updated_at"}).
		AddRow("v1", "u1", "clip", "videos/u1/v1.mp4", "mp4", "h264",
			30_000, 1080, 1920, 5_000_000, "ready", "default caption", "{}", now, now)
}

func connRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "platform", "platform_user_id", "display_name",
		"scopes", "access_token_enc", "refresh_token_enc", "expires_at", "active",
		"created_at", "updated_at"}).
		AddRow("c1", "u1", "TIKTOK", "pu1", nil, "{}", []byte("a"), []byte("r"),
			now.Add(time.Hour), true, now, now)
}

func processingPost(caption string, attempt int, now time.Time) *models.Post {
	return &models.Post{
		ID: "p1", MultiPostID: "mp1", UserID: "u1", VideoID: "v1",
		Platform: "TIKTOK", Status: "PROCESSING", Caption: caption,
		AttemptCount: attempt, CreatedAt: now,
	}
}

func TestPublishRejectsOversizedCaption(t *testing.T) {
	d, mock, adapter, _, now := newPublishFixture(t)

	mock.ExpectQuery("FROM videos").WillReturnRows(dispatchVideoRows(now))

	_, err := d.publish(context.Background(), processingPost(strings.Repeat("x", 2201), 1, now))
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if !strings.Contains(err.Error(), "2200") {
		t.Fatalf("message must carry the ceiling, got %q", err.Error())
	}
	if len(adapter.tokensSeen) != 0 {
		t.Fatal("an oversized caption must never reach the platform")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPublishRefreshesOnceWhenPlatformRejectsToken(t *testing.T) {
	d, mock, adapter, _, now := newPublishFixture(t)
	// The stored expiry is an hour out, so only the platform-side rejection
	// can trigger the refresh.
	adapter.publishErrs = []error{faults.New(faults.KindAuthExpired, "platform rejected the access token")}

	mock.ExpectQuery("FROM videos").WillReturnRows(dispatchVideoRows(now))
	mock.ExpectQuery("FROM platform_connections").
		WithArgs("u1", "TIKTOK").
		WillReturnRows(connRows(now))

	result, err := d.publish(context.Background(), processingPost("caption", 1, now))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.PlatformPostID != "tk-1" {
		t.Fatalf("result = %+v", result)
	}
	if adapter.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d", adapter.refreshCalls)
	}
	if len(adapter.tokensSeen) != 2 ||
		adapter.tokensSeen[0] != "stored-access" || adapter.tokensSeen[1] != "fresh-access" {
		t.Fatalf("tokens seen = %v", adapter.tokensSeen)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHandleFinalTransientAttemptKeepsTransientOutcome(t *testing.T) {
	d, mock, adapter, jobs, now := newPublishFixture(t)
	adapter.publishErrs = []error{faults.New(faults.KindPlatformTransient, "upstream 503")}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE posts").WillReturnRows(claimedPostRowAt(now, maxAttempts))
	mock.ExpectQuery(`SELECT MAX\(posted_at\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectCommit()

	mock.ExpectQuery("FROM videos").WillReturnRows(dispatchVideoRows(now))
	mock.ExpectQuery("FROM platform_connections").
		WithArgs("u1", "TIKTOK").
		WillReturnRows(connRows(now))
	// The post settles FAILED, but the attempt record stays TRANSIENT_FAIL.
	mock.ExpectExec("UPDATE posts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO post_outcomes").
		WithArgs(sqlmock.AnyArg(), "p1", maxAttempts, sqlmock.AnyArg(), sqlmock.AnyArg(),
			"TRANSIENT_FAIL", "PLATFORM_TRANSIENT", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d.handle(context.Background(), &broker.Job{ID: "j1", Payload: []byte(`{"post_id":"p1"}`)})

	if jobs.acked != 1 || jobs.nacked != 0 {
		t.Fatalf("job must settle: acked=%d nacked=%d", jobs.acked, jobs.nacked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	d := &Dispatcher{}
	for i := 0; i < 200; i++ {
		if got := d.retryDelay(1, 0); got < 15*time.Second || got > 45*time.Second {
			t.Fatalf("attempt 1 delay %s outside [15s,45s]", got)
		}
		if got := d.retryDelay(3, 0); got < time.Minute || got > 3*time.Minute {
			t.Fatalf("attempt 3 delay %s outside [1m,3m]", got)
		}
		// Deep attempts are capped before jitter.
		if got := d.retryDelay(10, 0); got < 15*time.Minute/2 || got > 15*time.Minute*3/2 {
			t.Fatalf("attempt 10 delay %s outside [7.5m,22.5m]", got)
		}
	}
}

func TestRetryDelayHonorsRetryAfterHint(t *testing.T) {
	d := &Dispatcher{}
	for i := 0; i < 50; i++ {
		if got := d.retryDelay(1, 600_000); got != 10*time.Minute {
			t.Fatalf("hint above jitter must win, got %s", got)
		}
		// A hint below the jitter floor never shortens the wait.
		if got := d.retryDelay(1, 1_000); got < 15*time.Second {
			t.Fatalf("tiny hint must not shorten the delay, got %s", got)
		}
	}
}
