package broker

import (
	"context"
	"database/sql"
	"time"

	"github.com/crossclip/crossclip/backend/internal/clock"
)

// Postgres implements Broker over a jobs table.
type Postgres struct {
	db  *sql.DB
	clk clock.Clock
}

func NewPostgres(db *sql.DB, clk clock.Clock) *Postgres {
	return &Postgres{db: db, clk: clk}
}

func (b *Postgres) Enqueue(ctx context.Context, queue string, payload []byte, opts Options) error {
	return b.EnqueueOn(ctx, b.db, queue, payload, opts)
}

// EnqueueOn writes the job through the given statement target, letting the
// scheduler enqueue inside the same transaction that materializes posts.
func (b *Postgres) EnqueueOn(ctx context.Context, q Execer, queue string, payload []byte, opts Options) error {
	now := b.clk.Now()
	runAt := now.Add(opts.Delay)
	dedup := sql.NullString{String: opts.DedupKey, Valid: opts.DedupKey != ""}
	_, err := q.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, payload, dedup_key, run_at, state, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'queued',0,$6,$6)
		ON CONFLICT (queue, dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
	`, b.clk.NewID(), queue, payload, dedup, runAt, now)
	return err
}

func (b *Postgres) Claim(ctx context.Context, queue string, visibility time.Duration) (*Job, error) {
	now := b.clk.Now()
	var job Job
	err := b.db.QueryRowContext(ctx, `
		UPDATE jobs
		   SET state = 'leased', lease_until = $3, attempts = attempts + 1, updated_at = $2
		 WHERE id = (
		       SELECT id FROM jobs
		        WHERE queue = $1
		          AND ((state = 'queued' AND run_at <= $2)
		            OR (state = 'leased' AND lease_until <= $2))
		        ORDER BY run_at ASC
		        LIMIT 1
		        FOR UPDATE SKIP LOCKED)
		 RETURNING id, queue, payload, attempts
	`, queue, now, now.Add(visibility)).Scan(&job.ID, &job.Queue, &job.Payload, &job.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Ack marks the job done. Done rows are kept briefly for inspection; the
// retention worker prunes them.
func (b *Postgres) Ack(ctx context.Context, job *Job) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'done', lease_until = NULL, updated_at = $2 WHERE id = $1
	`, job.ID, b.clk.Now())
	return err
}

func (b *Postgres) Nack(ctx context.Context, job *Job, requeueAfter time.Duration) error {
	now := b.clk.Now()
	_, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		   SET state = 'queued', run_at = $2, lease_until = NULL, updated_at = $3
		 WHERE id = $1
	`, job.ID, now.Add(requeueAfter), now)
	return err
}
