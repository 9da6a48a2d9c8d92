package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

const (
	facebookAuthURL   = "https://www.facebook.com/v18.0/dialog/oauth"
	facebookTokenURL  = "https://graph.facebook.com/v18.0/oauth/access_token"
	facebookGraphURL  = "https://graph.facebook.com/v18.0"
	facebookVideosURL = "https://graph-video.facebook.com/v18.0/me/videos"

	facebookChunkSize     = 25 << 20
	facebookCaptionLimit  = 63206
	facebookMaxSizeBytes  = 10 << 30
	facebookMaxDurationMS = 4 * 60 * 60 * 1000
	facebookScope         = "public_profile,publish_video"
)

// facebookAdapter uses the Graph chunked video upload: a start phase opens an
// upload session, transfer phases push byte ranges, and the finish phase
// attaches the description and publishes.
type facebookAdapter struct {
	adapterBase
}

func (a *facebookAdapter) ID() ID                   { return Facebook }
func (a *facebookAdapter) CaptionLimit() int        { return facebookCaptionLimit }
func (a *facebookAdapter) NeedsAppCredential() bool { return false }

func (a *facebookAdapter) MediaConstraints() MediaConstraints {
	return MediaConstraints{
		Containers:    []string{"mp4", "mov"},
		Codecs:        []string{"h264", "h265"},
		MaxSizeBytes:  facebookMaxSizeBytes,
		MaxDurationMS: facebookMaxDurationMS,
	}
}

func (a *facebookAdapter) BuildAuthorizationURL(state string) (string, error) {
	params := url.Values{
		"client_id":     {a.oauth.ClientID},
		"redirect_uri":  {a.oauth.RedirectURI},
		"response_type": {"code"},
		"scope":         {facebookScope},
		"state":         {state},
	}
	return facebookAuthURL + "?" + params.Encode(), nil
}

func (a *facebookAdapter) ExchangeCode(ctx context.Context, code, _ string) (TokenBundle, error) {
	endpoint := facebookTokenURL + "?" + url.Values{
		"client_id":     {a.oauth.ClientID},
		"client_secret": {a.oauth.ClientSecret},
		"redirect_uri":  {a.oauth.RedirectURI},
		"code":          {code},
	}.Encode()
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := a.getJSON(ctx, Facebook, endpoint, "", &tok); err != nil {
		return TokenBundle{}, err
	}
	// Swap for a long-lived token right away so the stored expiry is the
	// 60-day one.
	return a.exchangeLongLived(ctx, tok.AccessToken)
}

// Refresh re-runs the fb_exchange_token grant against the stored token;
// Facebook has no separate refresh token.
func (a *facebookAdapter) Refresh(ctx context.Context, refreshToken string) (TokenBundle, error) {
	bundle, err := a.exchangeLongLived(ctx, refreshToken)
	if err != nil {
		return TokenBundle{}, classifyRefreshError(Facebook, err)
	}
	return bundle, nil
}

func (a *facebookAdapter) exchangeLongLived(ctx context.Context, token string) (TokenBundle, error) {
	endpoint := facebookTokenURL + "?" + url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {a.oauth.ClientID},
		"client_secret":     {a.oauth.ClientSecret},
		"fb_exchange_token": {token},
	}.Encode()
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := a.getJSON(ctx, Facebook, endpoint, "", &tok); err != nil {
		return TokenBundle{}, err
	}
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 60 * 24 * 3600
	}
	return TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.AccessToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
		Scopes:       []string{"public_profile", "publish_video"},
	}, nil
}

func (a *facebookAdapter) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	endpoint := facebookGraphURL + "/me?" + url.Values{
		"fields":       {"id,name"},
		"access_token": {accessToken},
	}.Encode()
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := a.getJSON(ctx, Facebook, endpoint, "", &out); err != nil {
		return Identity{}, err
	}
	return Identity{PlatformUserID: out.ID, DisplayName: out.Name}, nil
}

func (a *facebookAdapter) Publish(ctx context.Context, video VideoSource, spec PostSpec, creds Credentials) (PublishResult, error) {
	var videoID string

	up := &chunkUpload{
		chunkSize: facebookChunkSize,
		sleep:     a.sleep,
		init: func(ctx context.Context) (string, error) {
			form := url.Values{
				"upload_phase": {"start"},
				"file_size":    {strconv.FormatInt(video.SizeBytes, 10)},
				"access_token": {creds.AccessToken},
			}
			var out struct {
				UploadSessionID string `json:"upload_session_id"`
				VideoID         string `json:"video_id"`
			}
			if err := a.postForm(ctx, Facebook, facebookVideosURL, form, nil, &out); err != nil {
				return "", err
			}
			if out.UploadSessionID == "" {
				return "", faults.New(faults.KindPlatformTransient, "FACEBOOK start response missing upload_session_id")
			}
			videoID = out.VideoID
			return out.UploadSessionID, nil
		},
		appendFn: func(ctx context.Context, session string, index int, chunk []byte) error {
			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			_ = w.WriteField("upload_phase", "transfer")
			_ = w.WriteField("upload_session_id", session)
			_ = w.WriteField("start_offset", strconv.FormatInt(int64(index)*facebookChunkSize, 10))
			_ = w.WriteField("access_token", creds.AccessToken)
			part, err := w.CreateFormFile("video_file_chunk", "chunk")
			if err != nil {
				return faults.Wrap(faults.KindInternal, err, "FACEBOOK multipart build failed")
			}
			if _, err := part.Write(chunk); err != nil {
				return faults.Wrap(faults.KindInternal, err, "FACEBOOK multipart write failed")
			}
			if err := w.Close(); err != nil {
				return faults.Wrap(faults.KindInternal, err, "FACEBOOK multipart close failed")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, facebookVideosURL, &buf)
			if err != nil {
				return faults.Wrap(faults.KindInternal, err, "FACEBOOK transfer request build failed")
			}
			req.Header.Set("Content-Type", w.FormDataContentType())
			res, err := a.client.Do(req)
			if err != nil {
				return faults.Wrap(faults.KindPlatformTransient, err, "FACEBOOK transfer network error")
			}
			defer res.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
			return classifyStatus(Facebook, res, body)
		},
		finalize: func(ctx context.Context, session string) error {
			form := url.Values{
				"upload_phase":      {"finish"},
				"upload_session_id": {session},
				"description":       {composeCaption(spec, facebookCaptionLimit)},
				"access_token":      {creds.AccessToken},
			}
			var out struct {
				Success bool `json:"success"`
			}
			if err := a.postForm(ctx, Facebook, facebookVideosURL, form, nil, &out); err != nil {
				return err
			}
			if !out.Success {
				return faults.New(faults.KindPlatformTransient, "FACEBOOK finish phase reported failure")
			}
			return nil
		},
	}

	src, err := video.Open(ctx)
	if err != nil {
		return PublishResult{}, faults.Wrap(faults.KindStorageUnavailable, err, "opening video stream failed")
	}
	defer src.Close()

	if _, err := up.run(ctx, src); err != nil {
		return PublishResult{}, err
	}
	if videoID == "" {
		return PublishResult{}, faults.New(faults.KindPlatformTransient, "FACEBOOK upload completed without a video id")
	}
	return PublishResult{
		PlatformPostID: videoID,
		PlatformURL:    fmt.Sprintf("https://www.facebook.com/%s", videoID),
	}, nil
}
