// Package service is the application-facing API of the cross-posting core:
// video upload intents, platform connections, immediate multi-posts,
// one-shot and recurring schedules, and post inspection. Transports (HTTP,
// RPC) sit above this package; everything below it is reached only from
// here, the scheduler and the dispatcher.
package service

import (
	"context"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/governor"
	"github.com/crossclip/crossclip/backend/internal/models"
	"github.com/crossclip/crossclip/backend/internal/objectstore"
	"github.com/crossclip/crossclip/backend/internal/platform"
	"github.com/crossclip/crossclip/backend/internal/scheduler"
	"github.com/crossclip/crossclip/backend/internal/secretbox"
	"github.com/crossclip/crossclip/backend/internal/store"
)

const uploadTTL = time.Hour

type Service struct {
	store    *store.Store
	jobs     scheduler.TxEnqueuer
	registry *platform.Registry
	box      *secretbox.Box
	blobs    objectstore.Store
	clk      clock.Clock
	validate *validator.Validate
	state    stateSigner
}

func New(st *store.Store, jobs scheduler.TxEnqueuer, registry *platform.Registry, box *secretbox.Box, blobs objectstore.Store, clk clock.Clock, stateSecret string) *Service {
	return &Service{
		store:    st,
		jobs:     jobs,
		registry: registry,
		box:      box,
		blobs:    blobs,
		clk:      clk,
		validate: validator.New(),
		state:    stateSigner{secret: []byte(stateSecret), clk: clk},
	}
}

func (s *Service) check(in interface{}) error {
	if err := s.validate.Struct(in); err != nil {
		return faults.Wrap(faults.KindValidation, err, "invalid input")
	}
	return nil
}

// ---- video upload intents ----

type CreateVideoIntentInput struct {
	Title      string   `validate:"required,max=200"`
	Container  string   `validate:"required,oneof=mp4 mov avi webm mkv"`
	Codec      string   `validate:"omitempty,oneof=h264 h265 vp9 av1"`
	DurationMS int64    `validate:"required,gt=0"`
	SizeBytes  int64    `validate:"required,gt=0"`
	Width      int      `validate:"omitempty,gt=0"`
	Height     int      `validate:"omitempty,gt=0"`
	Caption    string   `validate:"max=5000"`
	Tags       []string `validate:"max=50,dive,max=100"`
}

// VideoIntent hands the client a presigned target; bytes go straight to the
// object store and never through this process.
type VideoIntent struct {
	VideoID    string    `json:"videoId"`
	StorageKey string    `json:"storageKey"`
	UploadURL  string    `json:"uploadUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (s *Service) CreateVideoIntent(ctx context.Context, userID string, in CreateVideoIntentInput) (*VideoIntent, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	now := s.clk.Now()
	video := &models.Video{
		ID:           s.clk.NewID(),
		UserID:       userID,
		Title:        in.Title,
		Container:    in.Container,
		Codec:        in.Codec,
		DurationMS:   in.DurationMS,
		Width:        in.Width,
		Height:       in.Height,
		SizeBytes:    in.SizeBytes,
		UploadStatus: models.VideoUploading,
		Caption:      in.Caption,
		Tags:         in.Tags,
		CreatedAt:    now,
	}
	video.StorageKey = fmt.Sprintf("videos/%s/%s.%s", userID, video.ID, in.Container)
	uploadURL, err := s.blobs.PresignedPutURL(ctx, video.StorageKey, uploadTTL)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateVideo(ctx, video); err != nil {
		return nil, err
	}
	log.Printf("[Service] video intent created video=%s user=%s size=%d", video.ID, userID, in.SizeBytes)
	return &VideoIntent{
		VideoID:    video.ID,
		StorageKey: video.StorageKey,
		UploadURL:  uploadURL,
		ExpiresAt:  now.Add(uploadTTL),
	}, nil
}

// CompleteVideoUpload verifies the client's presigned upload actually landed
// and flips the video to ready.
func (s *Service) CompleteVideoUpload(ctx context.Context, userID, videoID string) (*models.Video, error) {
	video, err := s.store.GetVideo(ctx, videoID, userID)
	if err != nil {
		return nil, err
	}
	if video.UploadStatus == models.VideoReady {
		return video, nil
	}
	if video.UploadStatus != models.VideoUploading {
		return nil, faults.New(faults.KindValidation, "video upload already settled as %s", video.UploadStatus)
	}
	size, err := s.blobs.Head(ctx, video.StorageKey)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, faults.New(faults.KindValidation, "no bytes were uploaded for this video")
	}
	if err := s.store.FinishVideoUpload(ctx, videoID, userID, size); err != nil {
		return nil, err
	}
	log.Printf("[Service] video ready video=%s user=%s size=%d", videoID, userID, size)
	return s.store.GetVideo(ctx, videoID, userID)
}

// FailVideoUpload abandons an upload intent.
func (s *Service) FailVideoUpload(ctx context.Context, userID, videoID string) error {
	return s.store.SetVideoStatus(ctx, videoID, userID, models.VideoFailed)
}

// ---- platform connections ----

// StartPlatformOAuth returns the authorization URL the user should visit.
func (s *Service) StartPlatformOAuth(ctx context.Context, userID, platformName string) (string, error) {
	id, err := platform.Parse(platformName)
	if err != nil {
		return "", err
	}
	adapter, err := s.registry.ForID(id)
	if err != nil {
		return "", err
	}
	state, err := s.state.sign(userID, string(id))
	if err != nil {
		return "", err
	}
	return adapter.BuildAuthorizationURL(state)
}

// CompletePlatformOAuth handles the authorization callback: the state is
// verified against this user and platform, the code is exchanged, identity
// fetched, and the tokens sealed before anything touches the database.
func (s *Service) CompletePlatformOAuth(ctx context.Context, userID, platformName, code, state string) (*models.PlatformConnection, error) {
	id, err := platform.Parse(platformName)
	if err != nil {
		return nil, err
	}
	if err := s.state.verify(state, userID, string(id)); err != nil {
		return nil, err
	}
	adapter, err := s.registry.ForID(id)
	if err != nil {
		return nil, err
	}
	bundle, err := adapter.ExchangeCode(ctx, code, state)
	if err != nil {
		return nil, err
	}
	identity, err := adapter.FetchIdentity(ctx, bundle.AccessToken)
	if err != nil {
		return nil, err
	}
	accessEnc, err := s.box.Seal(bundle.AccessToken)
	if err != nil {
		return nil, err
	}
	var refreshEnc []byte
	if bundle.RefreshToken != "" {
		if refreshEnc, err = s.box.Seal(bundle.RefreshToken); err != nil {
			return nil, err
		}
	}
	conn := &models.PlatformConnection{
		ID:              s.clk.NewID(),
		UserID:          userID,
		Platform:        string(id),
		PlatformUserID:  identity.PlatformUserID,
		Scopes:          bundle.Scopes,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       bundle.ExpiresAt,
	}
	if identity.DisplayName != "" {
		conn.DisplayName = &identity.DisplayName
	}
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}
	log.Printf("[Service] platform connected user=%s platform=%s platform_user=%s",
		userID, id, identity.PlatformUserID)
	return s.store.GetActiveConnection(ctx, userID, string(id))
}

// DisconnectPlatform deactivates the active connection. Pending posts to the
// platform are left in place and fail AUTH_REVOKED at dispatch.
func (s *Service) DisconnectPlatform(ctx context.Context, userID, platformName string) error {
	id, err := platform.Parse(platformName)
	if err != nil {
		return err
	}
	conn, err := s.store.GetActiveConnection(ctx, userID, string(id))
	if err != nil {
		return err
	}
	if err := s.store.DeactivateConnection(ctx, conn.ID); err != nil {
		return err
	}
	log.Printf("[Service] platform disconnected user=%s platform=%s connection=%s", userID, id, conn.ID)
	return nil
}

// ---- target helpers shared by posts and schedules ----

// PlatformTarget is one platform's slice of a multi-post or schedule.
type PlatformTarget struct {
	Platform string            `validate:"required"`
	Caption  string            `validate:"max=63206"`
	Hashtags []string          `validate:"max=50,dive,max=100"`
	Extras   map[string]string `validate:"max=10"`
}

// resolveTargets normalizes and validates targets against the video:
// platforms must be known and unique, and the effective caption must fit the
// platform's ceiling.
func resolveTargets(targets []PlatformTarget, video *models.Video) ([]string, map[string]models.PlatformConfig, error) {
	if len(targets) == 0 {
		return nil, nil, faults.New(faults.KindValidation, "at least one platform target is required")
	}
	platforms := make([]string, 0, len(targets))
	cfg := make(map[string]models.PlatformConfig, len(targets))
	for _, t := range targets {
		id, err := platform.Parse(t.Platform)
		if err != nil {
			return nil, nil, err
		}
		name := governor.Normalize(string(id))
		if _, dup := cfg[name]; dup {
			return nil, nil, faults.New(faults.KindValidation, "platform %s is targeted twice", name)
		}
		caption := t.Caption
		if caption == "" {
			caption = video.Caption
		}
		if limit := platform.CaptionLimitFor(id); utf8.RuneCountInString(caption) > limit {
			return nil, nil, faults.New(faults.KindValidation,
				"caption exceeds the %s limit of %d characters", name, limit)
		}
		platforms = append(platforms, name)
		cfg[name] = models.PlatformConfig{Caption: t.Caption, Hashtags: t.Hashtags, Extras: t.Extras}
	}
	return platforms, cfg, nil
}

// checkConnected verifies every targeted platform has an active connection
// before any post or schedule row is written. Revocation after creation is
// still caught at dispatch, where it fails AUTH_REVOKED.
func (s *Service) checkConnected(ctx context.Context, userID string, platforms []string) error {
	for _, name := range platforms {
		_, err := s.store.GetActiveConnection(ctx, userID, name)
		if err == store.ErrNotFound {
			return faults.New(faults.KindValidation, "platform %s is not connected", name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) readyVideo(ctx context.Context, userID, videoID string) (*models.Video, error) {
	video, err := s.store.GetVideo(ctx, videoID, userID)
	if err != nil {
		return nil, err
	}
	if video.UploadStatus != models.VideoReady {
		return nil, faults.New(faults.KindValidation, "video upload is not complete")
	}
	return video, nil
}
