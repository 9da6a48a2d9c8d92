// Package broker is a durable job queue on Postgres. Delivery is
// at-least-once with per-job visibility leases; delayed delivery and
// dedup keys cover the scheduler's enqueue contract, and claims use
// FOR UPDATE SKIP LOCKED so any number of workers can poll one queue.
package broker

import (
	"context"
	"database/sql"
	"time"
)

// Queue names used across the system.
const (
	QueuePublish = "publish"
)

// PublishPayload is the body of a job on the publish queue.
type PublishPayload struct {
	PostID string `json:"post_id"`
}

type Options struct {
	// Delay defers delivery; zero means deliverable immediately.
	Delay time.Duration
	// DedupKey suppresses a second enqueue carrying the same key on the
	// same queue while the first job is still live.
	DedupKey string
}

type Job struct {
	ID       string
	Queue    string
	Payload  []byte
	Attempts int
}

type Broker interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts Options) error
	// Claim leases the next deliverable job for the visibility window, or
	// returns nil when the queue is empty. An expired lease makes the job
	// claimable again.
	Claim(ctx context.Context, queue string, visibility time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	Nack(ctx context.Context, job *Job, requeueAfter time.Duration) error
}

// Execer is the statement target for enqueues; *sql.DB and *sql.Tx both
// satisfy it, so an enqueue can ride a caller's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
