// Package platform is the single seam through which platform heterogeneity
// enters the core. Every per-network quirk (chunked uploads, dual
// credentials, caption limits, rate-limit signalling) lives behind the
// Adapter interface; no other package branches on platform identity.
package platform

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/crossclip/crossclip/backend/internal/config"
	"github.com/crossclip/crossclip/backend/internal/faults"
)

// ID is the closed set of supported platforms.
type ID string

const (
	TikTok    ID = "TIKTOK"
	YouTube   ID = "YOUTUBE"
	Twitter   ID = "TWITTER"
	Instagram ID = "INSTAGRAM"
	Facebook  ID = "FACEBOOK"
)

// All lists every supported platform in a stable order.
func All() []ID { return []ID{TikTok, YouTube, Twitter, Instagram, Facebook} }

// Parse normalizes an inbound platform name. Names are accepted
// case-insensitively; unknown names fail VALIDATION.
func Parse(name string) (ID, error) {
	switch ID(strings.ToUpper(strings.TrimSpace(name))) {
	case TikTok:
		return TikTok, nil
	case YouTube:
		return YouTube, nil
	case Twitter:
		return Twitter, nil
	case Instagram:
		return Instagram, nil
	case Facebook:
		return Facebook, nil
	}
	return "", faults.New(faults.KindValidation, "unknown platform %q", name)
}

// TokenBundle is the result of an OAuth code exchange or refresh.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Identity is the platform-side account behind an access token.
type Identity struct {
	PlatformUserID string
	DisplayName    string
}

// PostSpec carries everything an adapter needs to caption a publish. The
// framework guarantees Caption fits the adapter's CaptionLimit before
// Publish is invoked.
type PostSpec struct {
	Caption  string
	Hashtags []string
	// Extras are platform-specific knobs: privacy_level, disable_comments,
	// disable_duet, disable_stitch (TikTok), category_id (YouTube).
	Extras map[string]string
}

// VideoSource resolves the stored video bytes on demand so adapters can
// stream chunked uploads without buffering whole files.
type VideoSource struct {
	Key        string
	Container  string
	Codec      string
	DurationMS int64
	SizeBytes  int64
	Open       func(ctx context.Context) (io.ReadCloser, error)
	// PublicURL yields a short-lived fetchable URL for platforms that pull
	// media server-side (Instagram) instead of accepting pushed bytes.
	PublicURL func(ctx context.Context) (string, error)
}

// Credentials supplies a publish attempt's tokens. App is only populated for
// adapters that declare NeedsAppCredential (dual-credential binding).
type Credentials struct {
	AccessToken string
	App         *config.OAuth1Credential
}

// PublishResult is the platform-side identity of a successful post.
type PublishResult struct {
	PlatformPostID string
	PlatformURL    string
}

// MediaConstraints is the adapter-declared acceptance envelope, checked
// before any upload byte leaves the process.
type MediaConstraints struct {
	Containers    []string
	Codecs        []string
	MaxSizeBytes  int64
	MinDurationMS int64
	MaxDurationMS int64
}

// Check validates a video against the constraints, failing MEDIA_UNSUPPORTED.
func (m MediaConstraints) Check(v VideoSource) error {
	if len(m.Containers) > 0 && !containsFold(m.Containers, v.Container) {
		return faults.New(faults.KindMediaUnsupported,
			"container %q not accepted (accepted: %s)", v.Container, strings.Join(m.Containers, ", "))
	}
	if len(m.Codecs) > 0 && v.Codec != "" && !containsFold(m.Codecs, v.Codec) {
		return faults.New(faults.KindMediaUnsupported,
			"codec %q not accepted (accepted: %s)", v.Codec, strings.Join(m.Codecs, ", "))
	}
	if m.MaxSizeBytes > 0 && v.SizeBytes > m.MaxSizeBytes {
		return faults.New(faults.KindMediaUnsupported,
			"video size %d bytes exceeds platform maximum %d", v.SizeBytes, m.MaxSizeBytes)
	}
	if m.MinDurationMS > 0 && v.DurationMS < m.MinDurationMS {
		return faults.New(faults.KindMediaUnsupported,
			"video duration %dms below platform minimum %dms", v.DurationMS, m.MinDurationMS)
	}
	if m.MaxDurationMS > 0 && v.DurationMS > m.MaxDurationMS {
		return faults.New(faults.KindMediaUnsupported,
			"video duration %dms above platform maximum %dms", v.DurationMS, m.MaxDurationMS)
	}
	return nil
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// CaptionLimitFor reports the caption ceiling for a platform. Unlike
// Adapter.CaptionLimit it needs no configured OAuth client, so input
// validation can run for platforms that would only fail later with
// CONFIG_MISSING.
func CaptionLimitFor(id ID) int {
	switch id {
	case TikTok:
		return tiktokCaptionLimit
	case YouTube:
		return youtubeCaptionLimit
	case Twitter:
		return twitterCaptionLimit
	case Instagram:
		return instagramCaptionLimit
	case Facebook:
		return facebookCaptionLimit
	}
	return 0
}

// Adapter is the uniform upload/auth contract each platform implements.
type Adapter interface {
	ID() ID
	BuildAuthorizationURL(state string) (string, error)
	// ExchangeCode swaps the callback code for tokens. state is echoed back
	// for flows that bind PKCE material to the state value (Twitter).
	ExchangeCode(ctx context.Context, code, state string) (TokenBundle, error)
	// Refresh fails NOT_SUPPORTED-style (PLATFORM_PERMANENT) when the
	// platform has no refresh flow.
	Refresh(ctx context.Context, refreshToken string) (TokenBundle, error)
	FetchIdentity(ctx context.Context, accessToken string) (Identity, error)
	Publish(ctx context.Context, video VideoSource, spec PostSpec, creds Credentials) (PublishResult, error)
	CaptionLimit() int
	MediaConstraints() MediaConstraints
	// NeedsAppCredential reports whether Publish requires the app-level
	// OAuth 1.0a credential in addition to the user access token.
	NeedsAppCredential() bool
}

// Registry hands out adapters for the closed platform set. It owns the shared
// HTTP client and the per-platform request limiters.
type Registry struct {
	cfg      *config.Config
	client   *http.Client
	sleep    func(ctx context.Context, d time.Duration) error
	limiters map[ID]*rate.Limiter
}

// NewRegistry builds the registry. client may be nil; a 30 s-timeout client
// is used then. Upload PUTs override the timeout per request via context.
func NewRegistry(cfg *config.Config, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limiters := map[ID]*rate.Limiter{
		TikTok:    rate.NewLimiter(rate.Limit(1), 2),
		YouTube:   rate.NewLimiter(rate.Limit(3), 3),
		Twitter:   rate.NewLimiter(rate.Limit(1), 1),
		Instagram: rate.NewLimiter(rate.Limit(1), 2),
		Facebook:  rate.NewLimiter(rate.Limit(1), 2),
	}
	return &Registry{cfg: cfg, client: client, sleep: sleepCtx, limiters: limiters}
}

// ForID returns the adapter for id. Selection is a closed switch; adding a
// platform means adding a case here and an implementation file.
func (r *Registry) ForID(id ID) (Adapter, error) {
	oauth, ok := r.cfg.OAuth2[string(id)]
	if !ok {
		return nil, faults.New(faults.KindConfigMissing, "platform %s OAuth client not configured", id)
	}
	base := adapterBase{
		oauth:   oauth,
		client:  r.client,
		limiter: r.limiters[id],
		sleep:   r.sleep,
	}
	switch id {
	case TikTok:
		return &tiktokAdapter{adapterBase: base}, nil
	case YouTube:
		return &youtubeAdapter{adapterBase: base}, nil
	case Twitter:
		return &twitterAdapter{adapterBase: base}, nil
	case Instagram:
		return &instagramAdapter{adapterBase: base}, nil
	case Facebook:
		return &facebookAdapter{adapterBase: base}, nil
	}
	return nil, faults.New(faults.KindValidation, "unknown platform %q", id)
}

// adapterBase carries the pieces every adapter shares.
type adapterBase struct {
	oauth   config.OAuth2Client
	client  *http.Client
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

func (b *adapterBase) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return faults.Wrap(faults.KindTimeout, err, "canceled while rate limited")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
