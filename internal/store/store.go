// Package store is the relational persistence layer. Queries are plain SQL
// over database/sql with lib/pq; every multi-row mutation that must be atomic
// runs through WithTx, and due-schedule selection uses FOR UPDATE SKIP LOCKED
// so multiple processes can run the scheduler loop concurrently.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/models"
)

// ErrNotFound reports a missing or not-owned row.
var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Store struct {
	q   Querier
	db  *sql.DB
	clk clock.Clock
}

func New(db *sql.DB, clk clock.Clock) *Store {
	return &Store{q: db, db: db, clk: clk}
}

// WithTx runs fn against a Store bound to a single transaction. The scheduler
// and dispatcher rely on this for their materialize-and-enqueue and
// check-and-transition boundaries.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.db == nil {
		return fmt.Errorf("store: nested transactions are not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	bound := &Store{q: tx, clk: s.clk}
	if err := fn(bound); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Querier exposes the bound query target so the broker can enqueue inside
// the same transaction (outbox-style guarantee).
func (s *Store) Querier() Querier { return s.q }

// ---- videos ----

func (s *Store) CreateVideo(ctx context.Context, v *models.Video) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO videos
		  (id, user_id, title, storage_key, container, codec, duration_ms, width, height,
		   size_bytes, upload_status, caption, tags, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
	`, v.ID, v.UserID, v.Title, v.StorageKey, v.Container, v.Codec, v.DurationMS,
		v.Width, v.Height, v.SizeBytes, v.UploadStatus, v.Caption, pq.Array(v.Tags), v.CreatedAt)
	return err
}

func (s *Store) GetVideo(ctx context.Context, videoID, userID string) (*models.Video, error) {
	var v models.Video
	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, title, storage_key, container, codec, duration_ms, width, height,
		       size_bytes, upload_status, caption, COALESCE(tags, ARRAY[]::text[]), created_at, updated_at
		  FROM videos
		 WHERE id = $1 AND user_id = $2
	`, videoID, userID).Scan(&v.ID, &v.UserID, &v.Title, &v.StorageKey, &v.Container, &v.Codec,
		&v.DurationMS, &v.Width, &v.Height, &v.SizeBytes, &v.UploadStatus, &v.Caption,
		pq.Array(&v.Tags), &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SetVideoStatus flips the upload status; uploading → ready/failed only.
func (s *Store) SetVideoStatus(ctx context.Context, videoID, userID, status string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE videos
		   SET upload_status = $3, updated_at = $4
		 WHERE id = $1 AND user_id = $2 AND upload_status = 'uploading'
	`, videoID, userID, status, s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishVideoUpload marks an uploading video ready and records the size the
// object store actually received.
func (s *Store) FinishVideoUpload(ctx context.Context, videoID, userID string, sizeBytes int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE videos SET upload_status = 'ready', size_bytes = $3, updated_at = $4
		 WHERE id = $1 AND user_id = $2 AND upload_status = 'uploading'
	`, videoID, userID, sizeBytes, s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateVideoDefaults(ctx context.Context, videoID, userID, caption string, tags []string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE videos SET caption = $3, tags = $4, updated_at = $5
		 WHERE id = $1 AND user_id = $2
	`, videoID, userID, caption, pq.Array(tags), s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- platform connections ----

const connectionColumns = `
	id, user_id, platform, platform_user_id, display_name,
	COALESCE(scopes, ARRAY[]::text[]), access_token_enc, refresh_token_enc,
	expires_at, active, created_at, updated_at`

func scanConnection(row interface{ Scan(...interface{}) error }) (*models.PlatformConnection, error) {
	var c models.PlatformConnection
	err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.PlatformUserID, &c.DisplayName,
		pq.Array(&c.Scopes), &c.AccessTokenEnc, &c.RefreshTokenEnc,
		&c.ExpiresAt, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConnection persists an OAuth completion. At most one active
// connection exists per (user, platform, platform_user_id); reconnecting
// refreshes the token blobs and reactivates the row.
func (s *Store) UpsertConnection(ctx context.Context, c *models.PlatformConnection) error {
	now := s.clk.Now()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO platform_connections
		  (id, user_id, platform, platform_user_id, display_name, scopes,
		   access_token_enc, refresh_token_enc, expires_at, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,true,$10,$10)
		ON CONFLICT (user_id, platform, platform_user_id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   scopes = EXCLUDED.scopes,
		   access_token_enc = EXCLUDED.access_token_enc,
		   refresh_token_enc = EXCLUDED.refresh_token_enc,
		   expires_at = EXCLUDED.expires_at,
		   active = true,
		   updated_at = EXCLUDED.updated_at
	`, c.ID, c.UserID, c.Platform, c.PlatformUserID, c.DisplayName, pq.Array(c.Scopes),
		c.AccessTokenEnc, c.RefreshTokenEnc, c.ExpiresAt, now)
	return err
}

func (s *Store) GetActiveConnection(ctx context.Context, userID, platform string) (*models.PlatformConnection, error) {
	return scanConnection(s.q.QueryRowContext(ctx, `
		SELECT`+connectionColumns+`
		  FROM platform_connections
		 WHERE user_id = $1 AND platform = $2 AND active = true
		 ORDER BY updated_at DESC
		 LIMIT 1
	`, userID, platform))
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (*models.PlatformConnection, error) {
	return scanConnection(s.q.QueryRowContext(ctx, `
		SELECT`+connectionColumns+`
		  FROM platform_connections
		 WHERE id = $1
	`, connectionID))
}

func (s *Store) UpdateConnectionTokens(ctx context.Context, connectionID string, accessEnc, refreshEnc []byte, expiresAt time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE platform_connections
		   SET access_token_enc = $2, refresh_token_enc = $3, expires_at = $4, updated_at = $5
		 WHERE id = $1 AND active = true
	`, connectionID, accessEnc, refreshEnc, expiresAt, s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeactivateConnection(ctx context.Context, connectionID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE platform_connections SET active = false, updated_at = $2 WHERE id = $1
	`, connectionID, s.clk.Now())
	return err
}

// ExpiringConnections lists active connections whose access token expires
// within the window; the token pre-refresh sweep feeds on it.
func (s *Store) ExpiringConnections(ctx context.Context, within time.Duration, limit int) ([]*models.PlatformConnection, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT`+connectionColumns+`
		  FROM platform_connections
		 WHERE active = true
		   AND refresh_token_enc IS NOT NULL
		   AND expires_at <= $1
		 ORDER BY expires_at ASC
		 LIMIT $2
	`, s.clk.Now().Add(within), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PlatformConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- multi posts and posts ----

func (s *Store) CreateMultiPost(ctx context.Context, mp *models.MultiPost) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO multi_posts (id, user_id, video_id, created_at)
		VALUES ($1,$2,$3,$4)
	`, mp.ID, mp.UserID, mp.VideoID, mp.CreatedAt)
	return err
}

func (s *Store) CreatePost(ctx context.Context, p *models.Post) error {
	extras, err := json.Marshal(p.Extras)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO posts
		  (id, multi_post_id, user_id, video_id, platform, status, caption, hashtags,
		   extras, attempt_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$10)
	`, p.ID, p.MultiPostID, p.UserID, p.VideoID, p.Platform, p.Status, p.Caption,
		pq.Array(p.Hashtags), extras, p.CreatedAt)
	return err
}

const postColumns = `
	id, multi_post_id, user_id, video_id, platform, status, caption,
	COALESCE(hashtags, ARRAY[]::text[]), extras, attempt_count, last_error_kind,
	last_error_message, platform_post_id, platform_url, posted_at, created_at, updated_at`

func scanPost(row interface{ Scan(...interface{}) error }) (*models.Post, error) {
	var p models.Post
	var extras []byte
	err := row.Scan(&p.ID, &p.MultiPostID, &p.UserID, &p.VideoID, &p.Platform, &p.Status,
		&p.Caption, pq.Array(&p.Hashtags), &extras, &p.AttemptCount, &p.LastErrorKind, &p.LastErrorMsg,
		&p.PlatformPostID, &p.PlatformURL, &p.PostedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &p.Extras); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *Store) GetPost(ctx context.Context, postID string) (*models.Post, error) {
	return scanPost(s.q.QueryRowContext(ctx, `
		SELECT`+postColumns+` FROM posts WHERE id = $1
	`, postID))
}

func (s *Store) GetPostForUser(ctx context.Context, postID, userID string) (*models.Post, error) {
	return scanPost(s.q.QueryRowContext(ctx, `
		SELECT`+postColumns+` FROM posts WHERE id = $1 AND user_id = $2
	`, postID, userID))
}

// LockPost loads a post FOR UPDATE; the dispatcher anchors a publish
// attempt's state transition on this row lock.
func (s *Store) LockPost(ctx context.Context, postID string) (*models.Post, error) {
	return scanPost(s.q.QueryRowContext(ctx, `
		SELECT`+postColumns+` FROM posts WHERE id = $1 FOR UPDATE
	`, postID))
}

// ListPosts filters a user's posts, newest first.
func (s *Store) ListPosts(ctx context.Context, userID string, platform, status, videoID string, limit, offset int) ([]*models.Post, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT`+postColumns+`
		  FROM posts
		 WHERE user_id = $1
		   AND ($2 = '' OR platform = $2)
		   AND ($3 = '' OR status = $3)
		   AND ($4 = '' OR video_id = $4)
		 ORDER BY created_at DESC
		 LIMIT $5 OFFSET $6
	`, userID, platform, status, videoID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPostProcessing claims a post for a publish attempt: PENDING or
// PROCESSING → PROCESSING with the attempt counter bumped. Returns
// ErrNotFound when the post is already terminal (idempotent drop).
func (s *Store) MarkPostProcessing(ctx context.Context, postID string) (*models.Post, error) {
	return scanPost(s.q.QueryRowContext(ctx, `
		UPDATE posts
		   SET status = 'PROCESSING', attempt_count = attempt_count + 1, updated_at = $2
		 WHERE id = $1 AND status IN ('PENDING','PROCESSING')
		 RETURNING`+postColumns+`
	`, postID, s.clk.Now()))
}

func (s *Store) MarkPostPosted(ctx context.Context, postID, platformPostID, platformURL string) error {
	now := s.clk.Now()
	res, err := s.q.ExecContext(ctx, `
		UPDATE posts
		   SET status = 'POSTED', platform_post_id = $2, platform_url = $3,
		       posted_at = $4, last_error_kind = NULL, last_error_message = NULL, updated_at = $4
		 WHERE id = $1 AND status = 'PROCESSING'
	`, postID, platformPostID, platformURL, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkPostFailed(ctx context.Context, postID string, kind faults.Kind, message string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE posts
		   SET status = 'FAILED', last_error_kind = $2, last_error_message = $3, updated_at = $4
		 WHERE id = $1 AND status IN ('PENDING','PROCESSING')
	`, postID, string(kind), faults.Truncate(message, 300), s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPostError keeps the last error on a non-terminal post between
// transient attempts.
func (s *Store) RecordPostError(ctx context.Context, postID string, kind faults.Kind, message string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE posts
		   SET last_error_kind = $2, last_error_message = $3, updated_at = $4
		 WHERE id = $1 AND status = 'PROCESSING'
	`, postID, string(kind), faults.Truncate(message, 300), s.clk.Now())
	return err
}

// CancelPost cancels a pending post. In-flight attempts run to completion;
// cancellation is cooperative only at attempt boundaries.
func (s *Store) CancelPost(ctx context.Context, postID, userID string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE posts SET status = 'CANCELED', updated_at = $3
		 WHERE id = $1 AND user_id = $2 AND status = 'PENDING'
	`, postID, userID, s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastPostedAt returns the completion instant of the most recent POSTED post
// for (user, platform, video). The governor evaluates its 24-hour window on
// it, inside the same transaction as the post transition.
func (s *Store) LastPostedAt(ctx context.Context, userID, platform, videoID string) (*time.Time, error) {
	var at sql.NullTime
	err := s.q.QueryRowContext(ctx, `
		SELECT MAX(posted_at)
		  FROM posts
		 WHERE user_id = $1 AND platform = $2 AND video_id = $3 AND status = 'POSTED'
	`, userID, platform, videoID).Scan(&at)
	if err != nil {
		return nil, err
	}
	if !at.Valid {
		return nil, nil
	}
	t := at.Time.UTC()
	return &t, nil
}

// ---- post outcomes ----

func (s *Store) AppendOutcome(ctx context.Context, o *models.PostOutcome) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO post_outcomes
		  (id, post_id, attempt, started_at, finished_at, outcome, error_kind, excerpt)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, o.ID, o.PostID, o.Attempt, o.StartedAt, o.FinishedAt, o.Outcome, o.ErrorKind, o.Excerpt)
	return err
}

func (s *Store) ListOutcomes(ctx context.Context, postID string) ([]*models.PostOutcome, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, post_id, attempt, started_at, finished_at, outcome, error_kind, excerpt
		  FROM post_outcomes
		 WHERE post_id = $1
		 ORDER BY attempt ASC
	`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PostOutcome
	for rows.Next() {
		var o models.PostOutcome
		if err := rows.Scan(&o.ID, &o.PostID, &o.Attempt, &o.StartedAt, &o.FinishedAt,
			&o.Outcome, &o.ErrorKind, &o.Excerpt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}
