package platform

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

const (
	instagramAuthURL  = "https://api.instagram.com/oauth/authorize"
	instagramTokenURL = "https://api.instagram.com/oauth/access_token"
	instagramGraphURL = "https://graph.instagram.com/v18.0"

	instagramCaptionLimit  = 2200
	instagramMaxSizeBytes  = 1 << 30
	instagramMinDurationMS = 3_000
	instagramMaxDurationMS = 900_000
	instagramScope         = "instagram_business_basic,instagram_business_content_publish"
)

// instagramAdapter publishes through the Graph container flow: Instagram
// pulls the video from a public URL into a container, the container is polled
// until processed, then published. No bytes are pushed from this process.
type instagramAdapter struct {
	adapterBase
}

func (a *instagramAdapter) ID() ID                   { return Instagram }
func (a *instagramAdapter) CaptionLimit() int        { return instagramCaptionLimit }
func (a *instagramAdapter) NeedsAppCredential() bool { return false }

func (a *instagramAdapter) MediaConstraints() MediaConstraints {
	return MediaConstraints{
		Containers:    []string{"mp4", "mov"},
		Codecs:        []string{"h264", "h265"},
		MaxSizeBytes:  instagramMaxSizeBytes,
		MinDurationMS: instagramMinDurationMS,
		MaxDurationMS: instagramMaxDurationMS,
	}
}

func (a *instagramAdapter) BuildAuthorizationURL(state string) (string, error) {
	params := url.Values{
		"client_id":     {a.oauth.ClientID},
		"redirect_uri":  {a.oauth.RedirectURI},
		"response_type": {"code"},
		"scope":         {instagramScope},
		"state":         {state},
	}
	return instagramAuthURL + "?" + params.Encode(), nil
}

func (a *instagramAdapter) ExchangeCode(ctx context.Context, code, _ string) (TokenBundle, error) {
	form := url.Values{
		"client_id":     {a.oauth.ClientID},
		"client_secret": {a.oauth.ClientSecret},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {a.oauth.RedirectURI},
		"code":          {code},
	}
	var short struct {
		AccessToken string `json:"access_token"`
		UserID      int64  `json:"user_id"`
	}
	if err := a.postForm(ctx, Instagram, instagramTokenURL, form, nil, &short); err != nil {
		return TokenBundle{}, err
	}
	// Exchange the short-lived token for a long-lived one (60 days).
	var long struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	exchange := instagramGraphURL + "/access_token?" + url.Values{
		"grant_type":    {"ig_exchange_token"},
		"client_secret": {a.oauth.ClientSecret},
		"access_token":  {short.AccessToken},
	}.Encode()
	if err := a.getJSON(ctx, Instagram, exchange, "", &long); err != nil {
		return TokenBundle{}, err
	}
	return instagramBundle(long.AccessToken, long.ExpiresIn), nil
}

// Refresh extends a long-lived token. Instagram refreshes the access token in
// place; there is no separate refresh token, so the stored access token is
// passed here.
func (a *instagramAdapter) Refresh(ctx context.Context, refreshToken string) (TokenBundle, error) {
	endpoint := instagramGraphURL + "/refresh_access_token?" + url.Values{
		"grant_type":   {"ig_refresh_token"},
		"access_token": {refreshToken},
	}.Encode()
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := a.getJSON(ctx, Instagram, endpoint, "", &out); err != nil {
		return TokenBundle{}, classifyRefreshError(Instagram, err)
	}
	return instagramBundle(out.AccessToken, out.ExpiresIn), nil
}

func instagramBundle(accessToken string, expiresIn int64) TokenBundle {
	if expiresIn <= 0 {
		expiresIn = 60 * 24 * 3600
	}
	return TokenBundle{
		AccessToken: accessToken,
		// The long-lived token doubles as its own refresh credential.
		RefreshToken: accessToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
		Scopes:       strings.Split(instagramScope, ","),
	}
}

func (a *instagramAdapter) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	endpoint := instagramGraphURL + "/me?" + url.Values{
		"fields":       {"id,username"},
		"access_token": {accessToken},
	}.Encode()
	var out struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := a.getJSON(ctx, Instagram, endpoint, "", &out); err != nil {
		return Identity{}, err
	}
	return Identity{PlatformUserID: out.ID, DisplayName: out.Username}, nil
}

func (a *instagramAdapter) Publish(ctx context.Context, video VideoSource, spec PostSpec, creds Credentials) (PublishResult, error) {
	if video.PublicURL == nil {
		return PublishResult{}, faults.New(faults.KindStorageUnavailable,
			"INSTAGRAM requires a fetchable video URL and none was available")
	}
	videoURL, err := video.PublicURL(ctx)
	if err != nil {
		return PublishResult{}, faults.Wrap(faults.KindStorageUnavailable, err, "presigning video URL failed")
	}

	var me struct {
		ID string `json:"id"`
	}
	meURL := instagramGraphURL + "/me?" + url.Values{
		"fields":       {"id"},
		"access_token": {creds.AccessToken},
	}.Encode()
	if err := a.getJSON(ctx, Instagram, meURL, "", &me); err != nil {
		return PublishResult{}, err
	}

	// Create the media container. REELS is the only video product the
	// publish API accepts for feed video.
	containerURL := instagramGraphURL + "/" + me.ID + "/media"
	containerForm := url.Values{
		"media_type":   {"REELS"},
		"video_url":    {videoURL},
		"caption":      {composeCaption(spec, instagramCaptionLimit)},
		"access_token": {creds.AccessToken},
	}
	var container struct {
		ID string `json:"id"`
	}
	if err := a.postForm(ctx, Instagram, containerURL, containerForm, nil, &container); err != nil {
		return PublishResult{}, err
	}
	if container.ID == "" {
		return PublishResult{}, faults.New(faults.KindPlatformTransient, "INSTAGRAM container response missing id")
	}

	// Poll the container until Instagram finishes pulling and processing.
	statusURL := instagramGraphURL + "/" + container.ID + "?" + url.Values{
		"fields":       {"status_code"},
		"access_token": {creds.AccessToken},
	}.Encode()
	err = pollUntil(ctx, a.sleep, func(ctx context.Context) (bool, error) {
		var st struct {
			StatusCode string `json:"status_code"`
		}
		if err := a.getJSON(ctx, Instagram, statusURL, "", &st); err != nil {
			return false, err
		}
		switch st.StatusCode {
		case "FINISHED":
			return true, nil
		case "ERROR":
			return false, faults.New(faults.KindPlatformPermanent, "INSTAGRAM rejected the media container")
		}
		return false, nil
	})
	if err != nil {
		return PublishResult{}, err
	}

	publishForm := url.Values{
		"creation_id":  {container.ID},
		"access_token": {creds.AccessToken},
	}
	var published struct {
		ID string `json:"id"`
	}
	if err := a.postForm(ctx, Instagram, instagramGraphURL+"/"+me.ID+"/media_publish", publishForm, nil, &published); err != nil {
		return PublishResult{}, err
	}
	if published.ID == "" {
		return PublishResult{}, faults.New(faults.KindPlatformTransient, "INSTAGRAM publish response missing id")
	}
	return PublishResult{
		PlatformPostID: published.ID,
		PlatformURL:    "https://www.instagram.com/reel/" + published.ID,
	}, nil
}
