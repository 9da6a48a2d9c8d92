package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/models"
)

func testVideo() *models.Video {
	return &models.Video{
		ID:           "v1",
		UserID:       "u1",
		Caption:      "default caption",
		UploadStatus: models.VideoReady,
	}
}

func TestResolveTargetsNormalizesAndConfigures(t *testing.T) {
	platforms, cfg, err := resolveTargets([]PlatformTarget{
		{Platform: "tiktok", Caption: "custom", Hashtags: []string{"go"}},
		{Platform: "YouTube"},
	}, testVideo())
	if err != nil {
		t.Fatalf("resolveTargets: %v", err)
	}
	if len(platforms) != 2 || platforms[0] != "TIKTOK" || platforms[1] != "YOUTUBE" {
		t.Fatalf("platforms = %v", platforms)
	}
	if cfg["TIKTOK"].Caption != "custom" || len(cfg["TIKTOK"].Hashtags) != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
	// An empty override keeps the fallback decision for dispatch time.
	if cfg["YOUTUBE"].Caption != "" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestResolveTargetsRejectsDuplicates(t *testing.T) {
	_, _, err := resolveTargets([]PlatformTarget{
		{Platform: "TIKTOK"},
		{Platform: "tiktok"},
	}, testVideo())
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestResolveTargetsRejectsUnknownPlatform(t *testing.T) {
	_, _, err := resolveTargets([]PlatformTarget{{Platform: "myspace"}}, testVideo())
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestResolveTargetsEnforcesCaptionCeiling(t *testing.T) {
	// 281 runes breaks the Twitter ceiling; the same caption fits TikTok.
	long := strings.Repeat("x", 281)
	_, _, err := resolveTargets([]PlatformTarget{{Platform: "TWITTER", Caption: long}}, testVideo())
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if _, _, err := resolveTargets([]PlatformTarget{{Platform: "TIKTOK", Caption: long}}, testVideo()); err != nil {
		t.Fatalf("caption fits TikTok: %v", err)
	}

	// Rune counting: 280 multibyte characters are within the Twitter limit.
	multibyte := strings.Repeat("é", 280)
	if _, _, err := resolveTargets([]PlatformTarget{{Platform: "TWITTER", Caption: multibyte}}, testVideo()); err != nil {
		t.Fatalf("280 runes must fit: %v", err)
	}
}

func TestResolveTargetsChecksFallbackCaption(t *testing.T) {
	video := testVideo()
	video.Caption = strings.Repeat("x", 300)
	_, _, err := resolveTargets([]PlatformTarget{{Platform: "TWITTER"}}, video)
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("fallback caption over the ceiling must fail, got %v", err)
	}
}

func TestResolveTargetsRequiresATarget(t *testing.T) {
	_, _, err := resolveTargets(nil, testVideo())
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestCheckLeadBoundary(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &Service{clk: clock.NewVirtual(now)}

	if err := s.checkLead(now.Add(5 * time.Minute)); err != nil {
		t.Fatalf("exactly five minutes out must pass: %v", err)
	}
	if err := s.checkLead(now.Add(4*time.Minute + 59*time.Second)); faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("under five minutes must fail, got %v", err)
	}
	if err := s.checkLead(now.Add(-time.Hour)); faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("past times must fail, got %v", err)
	}
}

func TestCreateVideoIntentValidation(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, clock.NewVirtual(time.Now().UTC()), "secret")
	// Missing title, bad container, bad codec, zero duration, zero size.
	bad := []CreateVideoIntentInput{
		{Container: "mp4", DurationMS: 1000, SizeBytes: 1},
		{Title: "t", Container: "wmv", DurationMS: 1000, SizeBytes: 1},
		{Title: "t", Container: "mp4", Codec: "divx", DurationMS: 1000, SizeBytes: 1},
		{Title: "t", Container: "mp4", DurationMS: 0, SizeBytes: 1},
		{Title: "t", Container: "mp4", DurationMS: 1000, SizeBytes: 0},
	}
	for i, in := range bad {
		if _, err := s.CreateVideoIntent(context.Background(), "u1", in); faults.KindOf(err) != faults.KindValidation {
			t.Errorf("case %d: expected VALIDATION, got %v", i, err)
		}
	}
}
