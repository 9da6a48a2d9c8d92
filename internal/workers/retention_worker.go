package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// RetentionWorker prunes rows nothing reads anymore: acked jobs past their
// inspection grace period, and publish audit rows past the retention period.
type RetentionWorker struct {
	DB                *sql.DB
	JobsDB            *sql.DB // defaults to DB; set when the broker uses a separate database
	OutcomeRetentionH int     // How long to keep post_outcomes rows (default: 2160 = 90 days)
	CheckIntervalMs   int     // How often to run cleanup (default: 3600000 = 1 hour)
	JobGraceHours     int     // How long a done job may linger before deletion (default: 24)
}

// Start begins the retention worker loop.
func (w *RetentionWorker) Start(ctx context.Context) {
	if w.OutcomeRetentionH <= 0 {
		w.OutcomeRetentionH = 90 * 24
	}
	if w.CheckIntervalMs <= 0 {
		w.CheckIntervalMs = 3600000 // 1 hour
	}
	if w.JobGraceHours <= 0 {
		w.JobGraceHours = 24
	}
	if w.JobsDB == nil {
		w.JobsDB = w.DB
	}

	ticker := time.NewTicker(time.Duration(w.CheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	log.Printf("[RetentionWorker] started (outcomes=%dh, jobs=%dh, interval=%dms)",
		w.OutcomeRetentionH, w.JobGraceHours, w.CheckIntervalMs)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[RetentionWorker] stopped")
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *RetentionWorker) cleanup(ctx context.Context) {
	w.prune(ctx, w.JobsDB, "stale done jobs", `
		DELETE FROM jobs
		WHERE state = 'done'
		AND updated_at < $1
	`, time.Now().Add(-time.Duration(w.JobGraceHours)*time.Hour))

	w.prune(ctx, w.DB, "expired post outcomes", `
		DELETE FROM post_outcomes
		WHERE finished_at < $1
	`, time.Now().Add(-time.Duration(w.OutcomeRetentionH)*time.Hour))
}

func (w *RetentionWorker) prune(ctx context.Context, db *sql.DB, what, query string, cutoff time.Time) {
	result, err := db.ExecContext(ctx, query, cutoff)
	if err != nil {
		log.Printf("[RetentionWorker] error pruning %s: %v", what, err)
		return
	}
	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		log.Printf("[RetentionWorker] deleted %d %s", deleted, what)
	}
}
