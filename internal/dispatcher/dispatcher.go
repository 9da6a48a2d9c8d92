// Package dispatcher executes publish jobs. A fixed worker pool claims jobs
// from the broker, runs the cooldown check and the post state transition in
// one transaction, then drives the platform adapter under a publish
// deadline. Transient failures requeue with jittered backoff; everything
// else settles the post.
package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/crossclip/crossclip/backend/internal/broker"
	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/governor"
	"github.com/crossclip/crossclip/backend/internal/models"
	"github.com/crossclip/crossclip/backend/internal/objectstore"
	"github.com/crossclip/crossclip/backend/internal/platform"
	"github.com/crossclip/crossclip/backend/internal/store"
	"github.com/crossclip/crossclip/backend/internal/tokens"
)

const (
	maxAttempts  = 5
	retryBase    = 30 * time.Second
	retryCap     = 15 * time.Minute
	idleInterval = time.Second
	presignTTL   = time.Hour
)

type Dispatcher struct {
	store    *store.Store
	jobs     broker.Broker
	registry tokens.AdapterSource
	tokens   *tokens.Manager
	blobs    objectstore.Store
	clk      clock.Clock
	deadline time.Duration
	workers  int
}

func New(st *store.Store, jobs broker.Broker, registry tokens.AdapterSource, tm *tokens.Manager, blobs objectstore.Store, clk clock.Clock, deadline time.Duration, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	return &Dispatcher{
		store: st, jobs: jobs, registry: registry, tokens: tm, blobs: blobs,
		clk: clk, deadline: deadline, workers: workers,
	}
}

// Run starts the worker pool and blocks until the context is canceled and
// in-flight attempts have finished.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[Dispatcher] started workers=%d deadline=%s", d.workers, d.deadline)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.workLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	log.Printf("[Dispatcher] stopped")
}

func (d *Dispatcher) workLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		// The lease outlives the publish deadline so a live attempt is
		// never redelivered to another worker.
		job, err := d.jobs.Claim(ctx, broker.QueuePublish, d.deadline+5*time.Minute)
		if err != nil {
			log.Printf("[Dispatcher] claim failed worker=%d error=%v", worker, err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleInterval):
			}
			continue
		}
		d.handle(ctx, job)
	}
}

func (d *Dispatcher) handle(ctx context.Context, job *broker.Job) {
	var payload broker.PublishPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.PostID == "" {
		log.Printf("[Dispatcher] dropping malformed job id=%s error=%v", job.ID, err)
		_ = d.jobs.Ack(ctx, job)
		return
	}

	post, done, err := d.claimPost(ctx, payload.PostID)
	if err != nil {
		log.Printf("[Dispatcher] claim transaction failed post=%s error=%v", payload.PostID, err)
		_ = d.jobs.Nack(ctx, job, retryBase)
		return
	}
	if done {
		// Terminal post or cooldown denial: the row is already settled.
		_ = d.jobs.Ack(ctx, job)
		return
	}

	started := d.clk.Now()
	result, err := d.publish(ctx, post)
	if err == nil {
		if merr := d.store.MarkPostPosted(ctx, post.ID, result.PlatformPostID, result.PlatformURL); merr != nil {
			log.Printf("[Dispatcher] settling success failed post=%s error=%v", post.ID, merr)
			_ = d.jobs.Nack(ctx, job, retryBase)
			return
		}
		d.recordOutcome(ctx, post.ID, post.AttemptCount, started, models.OutcomeSuccess, "", "")
		log.Printf("[Dispatcher] posted post=%s platform=%s attempt=%d id=%s",
			post.ID, post.Platform, post.AttemptCount, result.PlatformPostID)
		_ = d.jobs.Ack(ctx, job)
		return
	}

	kind := faults.KindOf(err)
	if faults.Transient(kind) && post.AttemptCount < maxAttempts {
		delay := d.retryDelay(post.AttemptCount, faults.RetryAfterMS(err))
		if rerr := d.store.RecordPostError(ctx, post.ID, kind, err.Error()); rerr != nil {
			log.Printf("[Dispatcher] recording error failed post=%s error=%v", post.ID, rerr)
		}
		d.recordOutcome(ctx, post.ID, post.AttemptCount, started, models.OutcomeTransientFail, string(kind), err.Error())
		log.Printf("[Dispatcher] retrying post=%s platform=%s attempt=%d kind=%s delay=%s",
			post.ID, post.Platform, post.AttemptCount, kind, delay)
		_ = d.jobs.Nack(ctx, job, delay)
		return
	}

	if ferr := d.store.MarkPostFailed(ctx, post.ID, kind, err.Error()); ferr != nil {
		log.Printf("[Dispatcher] settling failure failed post=%s error=%v", post.ID, ferr)
	}
	// A transient failure on the last attempt still settles the post, but the
	// attempt record keeps the kind the attempt actually had.
	outcome := models.OutcomePermanentFail
	if faults.Transient(kind) {
		outcome = models.OutcomeTransientFail
	}
	d.recordOutcome(ctx, post.ID, post.AttemptCount, started, outcome, string(kind), err.Error())
	log.Printf("[Dispatcher] failed post=%s platform=%s attempt=%d kind=%s error=%v",
		post.ID, post.Platform, post.AttemptCount, kind, err)
	_ = d.jobs.Ack(ctx, job)
}

// claimPost transitions the post to PROCESSING and evaluates the repost
// cooldown, both inside one transaction so racing attempts cannot pass the
// window check together. done means the job needs no publish attempt.
func (d *Dispatcher) claimPost(ctx context.Context, postID string) (post *models.Post, done bool, err error) {
	err = d.store.WithTx(ctx, func(tx *store.Store) error {
		p, terr := tx.MarkPostProcessing(ctx, postID)
		if terr == store.ErrNotFound {
			done = true
			return nil
		}
		if terr != nil {
			return terr
		}
		dec, terr := governor.New(tx, d.clk).Check(ctx, p.UserID, p.Platform, p.VideoID)
		if terr != nil {
			return terr
		}
		if !dec.Allowed {
			denial := governor.Deny(dec)
			if terr := tx.MarkPostFailed(ctx, p.ID, faults.KindRepostCooldown, denial.Error()); terr != nil {
				return terr
			}
			d.recordOutcomeTx(ctx, tx, p.ID, p.AttemptCount, d.clk.Now(),
				models.OutcomePermanentFail, string(faults.KindRepostCooldown), denial.Error())
			log.Printf("[Dispatcher] cooldown denied post=%s platform=%s video=%s hours_remaining=%d",
				p.ID, p.Platform, p.VideoID, governorHours(denial))
			done = true
			return nil
		}
		post = p
		return nil
	})
	return post, done, err
}

func governorHours(err error) int {
	return faults.AsFault(err).HoursRemaining
}

// publish runs one attempt end to end under the publish deadline.
func (d *Dispatcher) publish(ctx context.Context, post *models.Post) (platform.PublishResult, error) {
	var zero platform.PublishResult

	video, err := d.store.GetVideo(ctx, post.VideoID, post.UserID)
	if err != nil {
		if err == store.ErrNotFound {
			return zero, faults.New(faults.KindValidation, "video no longer exists")
		}
		return zero, faults.Wrap(faults.KindInternal, err, "loading video failed")
	}
	if video.UploadStatus != models.VideoReady {
		return zero, faults.New(faults.KindValidation, "video upload is not complete")
	}

	id, err := platform.Parse(post.Platform)
	if err != nil {
		return zero, err
	}
	adapter, err := d.registry.ForID(id)
	if err != nil {
		return zero, err
	}
	if limit := platform.CaptionLimitFor(id); utf8.RuneCountInString(post.Caption) > limit {
		return zero, faults.New(faults.KindValidation,
			"caption exceeds the %s limit of %d characters", post.Platform, limit)
	}

	src := platform.VideoSource{
		Key:        video.StorageKey,
		Container:  video.Container,
		Codec:      video.Codec,
		DurationMS: video.DurationMS,
		SizeBytes:  video.SizeBytes,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return d.blobs.OpenRead(ctx, video.StorageKey)
		},
		PublicURL: func(ctx context.Context) (string, error) {
			return d.blobs.PresignedGetURL(ctx, video.StorageKey, presignTTL)
		},
	}
	if err := adapter.MediaConstraints().Check(src); err != nil {
		return zero, err
	}

	conn, err := d.store.GetActiveConnection(ctx, post.UserID, post.Platform)
	if err != nil {
		if err == store.ErrNotFound {
			return zero, faults.New(faults.KindAuthRevoked, "no active %s connection", post.Platform)
		}
		return zero, faults.Wrap(faults.KindInternal, err, "loading connection failed")
	}
	creds, err := d.tokens.Credentials(ctx, conn.ID, adapter)
	if err != nil {
		return zero, err
	}

	spec := platform.PostSpec{Caption: post.Caption, Hashtags: post.Hashtags, Extras: post.Extras}

	attemptCtx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()
	result, err := adapter.Publish(attemptCtx, src, spec, creds)
	if err != nil && faults.KindOf(err) == faults.KindAuthExpired && attemptCtx.Err() == nil {
		// The platform rejected a token the store still considers fresh.
		// Refresh once and repeat the attempt before giving the job back.
		token, rerr := d.tokens.RefreshNow(attemptCtx, conn.ID)
		if rerr != nil {
			return zero, rerr
		}
		log.Printf("[Dispatcher] token refreshed after rejection post=%s platform=%s connection=%s",
			post.ID, post.Platform, conn.ID)
		creds.AccessToken = token
		result, err = adapter.Publish(attemptCtx, src, spec, creds)
	}
	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return zero, faults.Wrap(faults.KindTimeout, err, "publish deadline exceeded")
		}
		return zero, err
	}
	return result, nil
}

// retryDelay is capped exponential backoff with full jitter; a platform
// Retry-After hint raises the floor but never lowers it.
func (d *Dispatcher) retryDelay(attempt int, hintMS int64) time.Duration {
	base := retryBase
	for i := 1; i < attempt && base < retryCap; i++ {
		base *= 2
	}
	if base > retryCap {
		base = retryCap
	}
	jittered := time.Duration(float64(base) * (0.5 + rand.Float64()))
	hint := time.Duration(hintMS) * time.Millisecond
	if hint > jittered {
		return hint
	}
	return jittered
}

func (d *Dispatcher) recordOutcome(ctx context.Context, postID string, attempt int, started time.Time, outcome, kind, excerpt string) {
	d.recordOutcomeTx(ctx, d.store, postID, attempt, started, outcome, kind, excerpt)
}

func (d *Dispatcher) recordOutcomeTx(ctx context.Context, st *store.Store, postID string, attempt int, started time.Time, outcome, kind, excerpt string) {
	rec := &models.PostOutcome{
		ID:         d.clk.NewID(),
		PostID:     postID,
		Attempt:    attempt,
		StartedAt:  started,
		FinishedAt: d.clk.Now(),
		Outcome:    outcome,
	}
	if kind != "" {
		rec.ErrorKind = &kind
	}
	if excerpt != "" {
		trimmed := faults.Truncate(excerpt, 300)
		rec.Excerpt = &trimmed
	}
	if err := st.AppendOutcome(ctx, rec); err != nil {
		log.Printf("[Dispatcher] outcome append failed post=%s error=%v", postID, err)
	}
}
