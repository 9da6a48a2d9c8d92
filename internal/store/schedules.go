package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/crossclip/crossclip/backend/internal/models"
)

func marshalConfig(cfg map[string]models.PlatformConfig) ([]byte, error) {
	if cfg == nil {
		cfg = map[string]models.PlatformConfig{}
	}
	return json.Marshal(cfg)
}

// ---- one-shot schedules ----

func (s *Store) CreateSchedule(ctx context.Context, sc *models.Schedule) error {
	cfg, err := marshalConfig(sc.PostConfig)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO schedules
		  (id, user_id, video_id, platforms, post_config, scheduled_at, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, sc.ID, sc.UserID, sc.VideoID, pq.Array(sc.Platforms), cfg, sc.ScheduledAt, sc.State, sc.CreatedAt)
	return err
}

const scheduleColumns = `
	id, user_id, video_id, COALESCE(platforms, ARRAY[]::text[]), post_config,
	scheduled_at, state, created_at, updated_at`

func scanSchedule(row interface{ Scan(...interface{}) error }) (*models.Schedule, error) {
	var sc models.Schedule
	var cfg []byte
	err := row.Scan(&sc.ID, &sc.UserID, &sc.VideoID, pq.Array(&sc.Platforms), &cfg,
		&sc.ScheduledAt, &sc.State, &sc.CreatedAt, &sc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &sc.PostConfig); err != nil {
			return nil, err
		}
	}
	return &sc, nil
}

func (s *Store) GetSchedule(ctx context.Context, scheduleID, userID string) (*models.Schedule, error) {
	return scanSchedule(s.q.QueryRowContext(ctx, `
		SELECT`+scheduleColumns+` FROM schedules WHERE id = $1 AND user_id = $2
	`, scheduleID, userID))
}

func (s *Store) ListSchedules(ctx context.Context, userID, state string, limit, offset int) ([]*models.Schedule, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT`+scheduleColumns+`
		  FROM schedules
		 WHERE user_id = $1 AND ($2 = '' OR state = $2)
		 ORDER BY scheduled_at ASC
		 LIMIT $3 OFFSET $4
	`, userID, state, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateSchedule rewrites the firing time and config of a schedule that has
// not fired yet.
func (s *Store) UpdateSchedule(ctx context.Context, scheduleID, userID string, scheduledAt time.Time, platforms []string, cfg map[string]models.PlatformConfig) error {
	raw, err := marshalConfig(cfg)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE schedules
		   SET scheduled_at = $3, platforms = $4, post_config = $5, updated_at = $6
		 WHERE id = $1 AND user_id = $2 AND state = 'PENDING'
	`, scheduleID, userID, scheduledAt, pq.Array(platforms), raw, s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CancelSchedule(ctx context.Context, scheduleID, userID string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE schedules SET state = 'CANCELED', updated_at = $3
		 WHERE id = $1 AND user_id = $2 AND state = 'PENDING'
	`, scheduleID, userID, s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueSchedules claims pending schedules that are due, skipping rows another
// scheduler process holds. Call inside a transaction.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.Schedule, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT`+scheduleColumns+`
		  FROM schedules
		 WHERE state = 'PENDING' AND scheduled_at <= $1
		 ORDER BY scheduled_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) MarkScheduleFired(ctx context.Context, scheduleID string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE schedules SET state = 'FIRED', updated_at = $2
		 WHERE id = $1 AND state = 'PENDING'
	`, scheduleID, s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- recurring schedules ----

func (s *Store) CreateRecurringSchedule(ctx context.Context, rs *models.RecurringSchedule) error {
	cfg, err := marshalConfig(rs.PostConfig)
	if err != nil {
		return err
	}
	cadence, err := json.Marshal(rs.Cadence)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO recurring_schedules
		  (id, user_id, video_id, platforms, post_config, cadence, caption_variants,
		   variant_cursor, state, next_occurrence, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`, rs.ID, rs.UserID, rs.VideoID, pq.Array(rs.Platforms), cfg, cadence,
		pq.Array(rs.CaptionVariants), rs.VariantCursor, rs.State, rs.NextOccurrence, rs.CreatedAt)
	return err
}

const recurringColumns = `
	id, user_id, video_id, COALESCE(platforms, ARRAY[]::text[]), post_config, cadence,
	COALESCE(caption_variants, ARRAY[]::text[]), variant_cursor, state, next_occurrence,
	created_at, updated_at`

func scanRecurring(row interface{ Scan(...interface{}) error }) (*models.RecurringSchedule, error) {
	var rs models.RecurringSchedule
	var cfg, cadence []byte
	err := row.Scan(&rs.ID, &rs.UserID, &rs.VideoID, pq.Array(&rs.Platforms), &cfg, &cadence,
		pq.Array(&rs.CaptionVariants), &rs.VariantCursor, &rs.State, &rs.NextOccurrence,
		&rs.CreatedAt, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &rs.PostConfig); err != nil {
			return nil, err
		}
	}
	if len(cadence) > 0 {
		if err := json.Unmarshal(cadence, &rs.Cadence); err != nil {
			return nil, err
		}
	}
	return &rs, nil
}

func (s *Store) GetRecurringSchedule(ctx context.Context, recurringID, userID string) (*models.RecurringSchedule, error) {
	return scanRecurring(s.q.QueryRowContext(ctx, `
		SELECT`+recurringColumns+` FROM recurring_schedules WHERE id = $1 AND user_id = $2
	`, recurringID, userID))
}

// SetRecurringState moves a recurring schedule between ACTIVE, PAUSED and
// CANCELED. `from` restricts the transition; CANCELED is terminal.
func (s *Store) SetRecurringState(ctx context.Context, recurringID, userID, from, to string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE recurring_schedules SET state = $4, updated_at = $5
		 WHERE id = $1 AND user_id = $2 AND state = $3
	`, recurringID, userID, from, to, s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecurringNextOccurrence re-anchors a schedule, used when resuming from
// pause so missed occurrences are not replayed.
func (s *Store) SetRecurringNextOccurrence(ctx context.Context, recurringID string, next time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE recurring_schedules SET next_occurrence = $2, updated_at = $3 WHERE id = $1
	`, recurringID, next, s.clk.Now())
	return err
}

// DueRecurring claims active recurring schedules whose next occurrence has
// arrived. Call inside a transaction.
func (s *Store) DueRecurring(ctx context.Context, now time.Time, limit int) ([]*models.RecurringSchedule, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT`+recurringColumns+`
		  FROM recurring_schedules
		 WHERE state = 'ACTIVE' AND next_occurrence <= $1
		 ORDER BY next_occurrence ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RecurringSchedule
	for rows.Next() {
		rs, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// AdvanceRecurring records one firing: the variant cursor moves and the next
// occurrence is set, atomically with the posts the firing materialized.
func (s *Store) AdvanceRecurring(ctx context.Context, recurringID string, next time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE recurring_schedules
		   SET variant_cursor = variant_cursor + 1, next_occurrence = $2, updated_at = $3
		 WHERE id = $1 AND state = 'ACTIVE'
	`, recurringID, next, s.clk.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
