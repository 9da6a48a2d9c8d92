package service

import (
	"context"
	"log"
	"time"
	"unicode/utf8"

	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/models"
	"github.com/crossclip/crossclip/backend/internal/platform"
	"github.com/crossclip/crossclip/backend/internal/scheduler"
)

// minLead is the shortest acceptable distance between now and a one-shot
// schedule's firing time. Exactly minLead out is accepted.
const minLead = 5 * time.Minute

func (s *Service) checkLead(scheduledAt time.Time) error {
	if scheduledAt.Before(s.clk.Now().Add(minLead)) {
		return faults.New(faults.KindValidation,
			"scheduled time must be at least %s in the future", minLead)
	}
	return nil
}

type CreateScheduleInput struct {
	VideoID     string           `validate:"required"`
	ScheduledAt time.Time        `validate:"required"`
	Targets     []PlatformTarget `validate:"required,min=1,dive"`
}

func (s *Service) CreateSchedule(ctx context.Context, userID string, in CreateScheduleInput) (*models.Schedule, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if err := s.checkLead(in.ScheduledAt); err != nil {
		return nil, err
	}
	video, err := s.readyVideo(ctx, userID, in.VideoID)
	if err != nil {
		return nil, err
	}
	platforms, cfg, err := resolveTargets(in.Targets, video)
	if err != nil {
		return nil, err
	}
	if err := s.checkConnected(ctx, userID, platforms); err != nil {
		return nil, err
	}
	sc := &models.Schedule{
		ID:          s.clk.NewID(),
		UserID:      userID,
		VideoID:     video.ID,
		Platforms:   platforms,
		PostConfig:  cfg,
		ScheduledAt: in.ScheduledAt.UTC(),
		State:       models.SchedulePending,
		CreatedAt:   s.clk.Now(),
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	log.Printf("[Service] schedule created schedule=%s user=%s video=%s at=%s",
		sc.ID, userID, video.ID, sc.ScheduledAt.Format(time.RFC3339))
	return sc, nil
}

type UpdateScheduleInput struct {
	ScheduledAt time.Time        `validate:"required"`
	Targets     []PlatformTarget `validate:"required,min=1,dive"`
}

// UpdateSchedule rewrites a pending schedule. A schedule that fired or was
// canceled in the meantime reports not-found.
func (s *Service) UpdateSchedule(ctx context.Context, userID, scheduleID string, in UpdateScheduleInput) (*models.Schedule, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if err := s.checkLead(in.ScheduledAt); err != nil {
		return nil, err
	}
	current, err := s.store.GetSchedule(ctx, scheduleID, userID)
	if err != nil {
		return nil, err
	}
	video, err := s.readyVideo(ctx, userID, current.VideoID)
	if err != nil {
		return nil, err
	}
	platforms, cfg, err := resolveTargets(in.Targets, video)
	if err != nil {
		return nil, err
	}
	if err := s.checkConnected(ctx, userID, platforms); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSchedule(ctx, scheduleID, userID, in.ScheduledAt.UTC(), platforms, cfg); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, scheduleID, userID)
}

type ListSchedulesInput struct {
	State  string `validate:"omitempty,oneof=PENDING FIRED CANCELED"`
	Limit  int    `validate:"omitempty,gte=1,lte=200"`
	Offset int    `validate:"omitempty,gte=0"`
}

func (s *Service) ListSchedules(ctx context.Context, userID string, in ListSchedulesInput) ([]*models.Schedule, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	return s.store.ListSchedules(ctx, userID, in.State, in.Limit, in.Offset)
}

// CancelSchedule cancels a schedule that has not fired. Posts from an
// already-fired schedule are unaffected; cancel those individually.
func (s *Service) CancelSchedule(ctx context.Context, userID, scheduleID string) error {
	return s.store.CancelSchedule(ctx, scheduleID, userID)
}

// ---- recurring schedules ----

type CreateRecurringScheduleInput struct {
	VideoID         string           `validate:"required"`
	Targets         []PlatformTarget `validate:"required,min=1,dive"`
	Cadence         models.Cadence   `validate:"required"`
	CaptionVariants []string         `validate:"max=50,dive,max=63206"`
}

// checkVariants validates every caption variant against every targeted
// platform's ceiling. The firing cursor can pair any variant with any
// platform, so each combination must fit.
func checkVariants(variants []string, targets []PlatformTarget) error {
	for _, t := range targets {
		id, err := platform.Parse(t.Platform)
		if err != nil {
			return err
		}
		limit := platform.CaptionLimitFor(id)
		for _, v := range variants {
			if utf8.RuneCountInString(v) > limit {
				return faults.New(faults.KindValidation,
					"caption variant exceeds the %s limit of %d characters", id, limit)
			}
		}
	}
	return nil
}

func (s *Service) CreateRecurringSchedule(ctx context.Context, userID string, in CreateRecurringScheduleInput) (*models.RecurringSchedule, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if err := scheduler.ValidateCadence(in.Cadence); err != nil {
		return nil, err
	}
	if err := checkVariants(in.CaptionVariants, in.Targets); err != nil {
		return nil, err
	}
	video, err := s.readyVideo(ctx, userID, in.VideoID)
	if err != nil {
		return nil, err
	}
	platforms, cfg, err := resolveTargets(in.Targets, video)
	if err != nil {
		return nil, err
	}
	if err := s.checkConnected(ctx, userID, platforms); err != nil {
		return nil, err
	}
	now := s.clk.Now()
	next, err := scheduler.NextOccurrence(in.Cadence, now)
	if err != nil {
		return nil, err
	}
	rs := &models.RecurringSchedule{
		ID:              s.clk.NewID(),
		UserID:          userID,
		VideoID:         video.ID,
		Platforms:       platforms,
		PostConfig:      cfg,
		Cadence:         in.Cadence,
		CaptionVariants: in.CaptionVariants,
		State:           models.RecurringActive,
		NextOccurrence:  next,
		CreatedAt:       now,
	}
	if err := s.store.CreateRecurringSchedule(ctx, rs); err != nil {
		return nil, err
	}
	log.Printf("[Service] recurring schedule created recurring=%s user=%s video=%s next=%s",
		rs.ID, userID, video.ID, next.Format(time.RFC3339))
	return rs, nil
}

func (s *Service) PauseRecurringSchedule(ctx context.Context, userID, recurringID string) error {
	return s.store.SetRecurringState(ctx, recurringID, userID, models.RecurringActive, models.RecurringPaused)
}

// ResumeRecurringSchedule reactivates a paused schedule and re-anchors its
// next occurrence from now, so occurrences missed while paused do not
// replay.
func (s *Service) ResumeRecurringSchedule(ctx context.Context, userID, recurringID string) (*models.RecurringSchedule, error) {
	rs, err := s.store.GetRecurringSchedule(ctx, recurringID, userID)
	if err != nil {
		return nil, err
	}
	if rs.State != models.RecurringPaused {
		return nil, faults.New(faults.KindValidation, "recurring schedule is %s, not PAUSED", rs.State)
	}
	next, err := scheduler.NextOccurrence(rs.Cadence, s.clk.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SetRecurringState(ctx, recurringID, userID, models.RecurringPaused, models.RecurringActive); err != nil {
		return nil, err
	}
	if err := s.store.SetRecurringNextOccurrence(ctx, recurringID, next); err != nil {
		return nil, err
	}
	return s.store.GetRecurringSchedule(ctx, recurringID, userID)
}

func (s *Service) CancelRecurringSchedule(ctx context.Context, userID, recurringID string) error {
	err := s.store.SetRecurringState(ctx, recurringID, userID, models.RecurringActive, models.RecurringCanceled)
	if err == nil {
		return nil
	}
	return s.store.SetRecurringState(ctx, recurringID, userID, models.RecurringPaused, models.RecurringCanceled)
}
