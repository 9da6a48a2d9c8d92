// Package scheduler turns due schedules into posts. Each beat claims due
// rows with FOR UPDATE SKIP LOCKED and, per schedule, materializes the
// multi-post, enqueues one publish job per platform, and marks the firing —
// all in one transaction, so a post row never exists without its job.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/crossclip/crossclip/backend/internal/broker"
	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/governor"
	"github.com/crossclip/crossclip/backend/internal/models"
	"github.com/crossclip/crossclip/backend/internal/store"
)

// TxEnqueuer enqueues through an arbitrary statement target, letting the
// scheduler put the job in the same transaction as the post rows.
type TxEnqueuer interface {
	EnqueueOn(ctx context.Context, q broker.Execer, queue string, payload []byte, opts Options) error
}

// Options aliases broker.Options for the TxEnqueuer signature.
type Options = broker.Options

type Scheduler struct {
	store *store.Store
	jobs  TxEnqueuer
	clk   clock.Clock
	tick  time.Duration
}

func New(st *store.Store, jobs TxEnqueuer, clk clock.Clock, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{store: st, jobs: jobs, clk: clk, tick: tick}
}

// Run beats until the context is canceled. Multiple processes may run this
// loop against the same database; row locks keep them from double-firing.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] started tick=%s", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] stopped")
			return
		case <-ticker.C:
			s.Beat(ctx)
		}
	}
}

// Beat drains everything currently due. Schedules that fell behind (process
// downtime) fire sequentially, one occurrence per transaction, until caught
// up.
func (s *Scheduler) Beat(ctx context.Context) {
	for {
		fired, err := s.fireNextDue(ctx)
		if err != nil {
			log.Printf("[Scheduler] firing one-shot failed error=%v", err)
			break
		}
		if !fired {
			break
		}
	}
	for {
		fired, err := s.fireNextRecurring(ctx)
		if err != nil {
			log.Printf("[Scheduler] firing recurring failed error=%v", err)
			break
		}
		if !fired {
			break
		}
	}
}

// horizon is the due cutoff for this beat. Selecting half a tick ahead
// rounds a firing to the nearest beat instead of always landing one late.
func (s *Scheduler) horizon() time.Time {
	return s.clk.Now().Add(s.tick / 2)
}

func (s *Scheduler) fireNextDue(ctx context.Context) (bool, error) {
	fired := false
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		due, err := tx.DueSchedules(ctx, s.horizon(), 1)
		if err != nil || len(due) == 0 {
			return err
		}
		sc := due[0]
		if err := s.materialize(ctx, tx, sc.UserID, sc.VideoID, sc.Platforms, sc.PostConfig, nil, 0); err != nil {
			return err
		}
		if err := tx.MarkScheduleFired(ctx, sc.ID); err != nil {
			return err
		}
		log.Printf("[Scheduler] fired schedule=%s video=%s platforms=%d", sc.ID, sc.VideoID, len(sc.Platforms))
		fired = true
		return nil
	})
	return fired, err
}

func (s *Scheduler) fireNextRecurring(ctx context.Context) (bool, error) {
	fired := false
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		due, err := tx.DueRecurring(ctx, s.horizon(), 1)
		if err != nil || len(due) == 0 {
			return err
		}
		rs := due[0]
		if err := s.materialize(ctx, tx, rs.UserID, rs.VideoID, rs.Platforms, rs.PostConfig, rs.CaptionVariants, rs.VariantCursor); err != nil {
			return err
		}
		// The next occurrence anchors on the fired one, not on the wall
		// clock, so a backlog replays occurrence by occurrence.
		next, err := NextOccurrence(rs.Cadence, rs.NextOccurrence)
		if err != nil {
			return err
		}
		if err := tx.AdvanceRecurring(ctx, rs.ID, next); err != nil {
			return err
		}
		log.Printf("[Scheduler] fired recurring=%s video=%s next=%s",
			rs.ID, rs.VideoID, next.Format(time.RFC3339))
		fired = true
		return nil
	})
	return fired, err
}

// materialize creates the multi-post and its per-platform posts and enqueues
// one publish job per post, dedup-keyed on the post id.
func (s *Scheduler) materialize(ctx context.Context, tx *store.Store, userID, videoID string, platforms []string, cfg map[string]models.PlatformConfig, variants []string, cursor int) error {
	video, err := tx.GetVideo(ctx, videoID, userID)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	mp := &models.MultiPost{ID: s.clk.NewID(), UserID: userID, VideoID: videoID, CreatedAt: now}
	if err := tx.CreateMultiPost(ctx, mp); err != nil {
		return err
	}
	for _, p := range platforms {
		name := governor.Normalize(p)
		pc := cfg[name]
		caption := pc.Caption
		if caption == "" {
			caption = video.Caption
		}
		caption = governor.Variant(caption, variants, cursor)
		hashtags := pc.Hashtags
		if len(hashtags) == 0 {
			hashtags = video.Tags
		}
		post := &models.Post{
			ID:          s.clk.NewID(),
			MultiPostID: mp.ID,
			UserID:      userID,
			VideoID:     videoID,
			Platform:    name,
			Status:      models.PostPending,
			Caption:     caption,
			Hashtags:    hashtags,
			Extras:      pc.Extras,
			CreatedAt:   now,
		}
		if err := tx.CreatePost(ctx, post); err != nil {
			return err
		}
		payload, err := json.Marshal(broker.PublishPayload{PostID: post.ID})
		if err != nil {
			return err
		}
		if err := s.jobs.EnqueueOn(ctx, tx.Querier(), broker.QueuePublish, payload, Options{DedupKey: post.ID}); err != nil {
			return err
		}
	}
	return nil
}
