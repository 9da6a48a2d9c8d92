package service

import (
	"context"
	"encoding/json"
	"log"

	"github.com/crossclip/crossclip/backend/internal/broker"
	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/models"
	"github.com/crossclip/crossclip/backend/internal/platform"
	"github.com/crossclip/crossclip/backend/internal/store"
)

type CreateMultiPostInput struct {
	VideoID string           `validate:"required"`
	Targets []PlatformTarget `validate:"required,min=1,dive"`
}

type MultiPostResult struct {
	MultiPost *models.MultiPost `json:"multiPost"`
	Posts     []*models.Post    `json:"posts"`
}

// CreateMultiPost fans a video out to the targeted platforms now. Post rows
// and their publish jobs are created in one transaction, so a post can never
// exist without a job that will drive it.
func (s *Service) CreateMultiPost(ctx context.Context, userID string, in CreateMultiPostInput) (*MultiPostResult, error) {
	if err := s.check(in); err != nil {
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
	result := &MultiPostResult{
		MultiPost: &models.MultiPost{ID: s.clk.NewID(), UserID: userID, VideoID: video.ID, CreatedAt: now},
	}
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateMultiPost(ctx, result.MultiPost); err != nil {
			return err
		}
		for _, name := range platforms {
			pc := cfg[name]
			caption := pc.Caption
			if caption == "" {
				caption = video.Caption
			}
			hashtags := pc.Hashtags
			if len(hashtags) == 0 {
				hashtags = video.Tags
			}
			post := &models.Post{
				ID:          s.clk.NewID(),
				MultiPostID: result.MultiPost.ID,
				UserID:      userID,
				VideoID:     video.ID,
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
			if err := s.jobs.EnqueueOn(ctx, tx.Querier(), broker.QueuePublish, payload,
				broker.Options{DedupKey: post.ID}); err != nil {
				return err
			}
			result.Posts = append(result.Posts, post)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Service] multi-post created multi_post=%s user=%s video=%s platforms=%d",
		result.MultiPost.ID, userID, video.ID, len(result.Posts))
	return result, nil
}

// RepostPost re-fires an existing post's platform with the same content. The
// repost cooldown is evaluated at dispatch, so a repost inside the window
// settles as a REPOST_COOLDOWN failure rather than being rejected here.
func (s *Service) RepostPost(ctx context.Context, userID, postID string) (*MultiPostResult, error) {
	prev, err := s.store.GetPostForUser(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	return s.CreateMultiPost(ctx, userID, CreateMultiPostInput{
		VideoID: prev.VideoID,
		Targets: []PlatformTarget{{
			Platform: prev.Platform,
			Caption:  prev.Caption,
			Hashtags: prev.Hashtags,
			Extras:   prev.Extras,
		}},
	})
}

type ListPostsInput struct {
	Platform string `validate:"omitempty"`
	Status   string `validate:"omitempty,oneof=PENDING PROCESSING POSTED FAILED CANCELED"`
	VideoID  string
	Limit    int `validate:"omitempty,gte=1,lte=200"`
	Offset   int `validate:"omitempty,gte=0"`
}

func (s *Service) ListPosts(ctx context.Context, userID string, in ListPostsInput) ([]*models.Post, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	platformFilter := ""
	if in.Platform != "" {
		id, err := platform.Parse(in.Platform)
		if err != nil {
			return nil, err
		}
		platformFilter = string(id)
	}
	return s.store.ListPosts(ctx, userID, platformFilter, in.Status, in.VideoID, in.Limit, in.Offset)
}

// PostDetail is a post plus its attempt-by-attempt audit trail.
type PostDetail struct {
	Post     *models.Post          `json:"post"`
	Outcomes []*models.PostOutcome `json:"outcomes"`
}

func (s *Service) GetPost(ctx context.Context, userID, postID string) (*PostDetail, error) {
	post, err := s.store.GetPostForUser(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	outcomes, err := s.store.ListOutcomes(ctx, postID)
	if err != nil {
		return nil, err
	}
	return &PostDetail{Post: post, Outcomes: outcomes}, nil
}

// CancelPost cancels a post that has not started. A post already PROCESSING
// cannot be pulled back.
func (s *Service) CancelPost(ctx context.Context, userID, postID string) error {
	err := s.store.CancelPost(ctx, postID, userID)
	if err == store.ErrNotFound {
		post, gerr := s.store.GetPostForUser(ctx, postID, userID)
		if gerr != nil {
			return gerr
		}
		return faults.New(faults.KindValidation, "post is %s and can no longer be canceled", post.Status)
	}
	return err
}
