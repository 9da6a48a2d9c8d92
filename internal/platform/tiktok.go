package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

const (
	tiktokAuthURL   = "https://www.tiktok.com/v2/auth/authorize/"
	tiktokTokenURL  = "https://open.tiktokapis.com/v2/oauth/token/"
	tiktokInitURL   = "https://open.tiktokapis.com/v2/post/publish/video/init/"
	tiktokStatusURL = "https://open.tiktokapis.com/v2/post/publish/status/fetch/"
	tiktokUserURL   = "https://open.tiktokapis.com/v2/user/info/?fields=open_id,display_name"

	tiktokChunkSize      = 10 << 20 // 10 MiB per APPEND
	tiktokCaptionLimit   = 2200
	tiktokMaxSizeBytes   = 500 << 20
	tiktokMinDurationMS  = 3_000
	tiktokMaxDurationMS  = 600_000
	tiktokDefaultScope   = "video.upload,user.info.basic"
)

type tiktokAdapter struct {
	adapterBase
}

func (a *tiktokAdapter) ID() ID                 { return TikTok }
func (a *tiktokAdapter) CaptionLimit() int      { return tiktokCaptionLimit }
func (a *tiktokAdapter) NeedsAppCredential() bool { return false }

func (a *tiktokAdapter) MediaConstraints() MediaConstraints {
	return MediaConstraints{
		Containers:    []string{"mp4", "mov", "webm"},
		Codecs:        []string{"h264", "h265"},
		MaxSizeBytes:  tiktokMaxSizeBytes,
		MinDurationMS: tiktokMinDurationMS,
		MaxDurationMS: tiktokMaxDurationMS,
	}
}

func (a *tiktokAdapter) BuildAuthorizationURL(state string) (string, error) {
	// TikTok names the client id parameter client_key.
	params := url.Values{
		"client_key":    {a.oauth.ClientID},
		"response_type": {"code"},
		"scope":         {tiktokDefaultScope},
		"redirect_uri":  {a.oauth.RedirectURI},
		"state":         {state},
	}
	return tiktokAuthURL + "?" + params.Encode(), nil
}

type tiktokTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	OpenID       string `json:"open_id"`
	Scope        string `json:"scope"`
}

func (a *tiktokAdapter) ExchangeCode(ctx context.Context, code, _ string) (TokenBundle, error) {
	form := url.Values{
		"client_key":    {a.oauth.ClientID},
		"client_secret": {a.oauth.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {a.oauth.RedirectURI},
	}
	var tok tiktokTokenResponse
	if err := a.postForm(ctx, TikTok, tiktokTokenURL, form, nil, &tok); err != nil {
		return TokenBundle{}, err
	}
	return a.bundle(tok), nil
}

func (a *tiktokAdapter) Refresh(ctx context.Context, refreshToken string) (TokenBundle, error) {
	form := url.Values{
		"client_key":    {a.oauth.ClientID},
		"client_secret": {a.oauth.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	var tok tiktokTokenResponse
	if err := a.postForm(ctx, TikTok, tiktokTokenURL, form, nil, &tok); err != nil {
		return TokenBundle{}, classifyRefreshError(TikTok, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return a.bundle(tok), nil
}

func (a *tiktokAdapter) bundle(tok tiktokTokenResponse) TokenBundle {
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 86400
	}
	// Scope lists arrive comma or space separated depending on endpoint.
	scopes := strings.FieldsFunc(tok.Scope, func(r rune) bool { return r == ',' || r == ' ' })
	return TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
		Scopes:       scopes,
	}
}

func (a *tiktokAdapter) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	var out struct {
		Data struct {
			User struct {
				OpenID      string `json:"open_id"`
				DisplayName string `json:"display_name"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, TikTok, tiktokUserURL, accessToken, &out); err != nil {
		return Identity{}, err
	}
	if out.Data.User.OpenID == "" {
		return Identity{}, faults.New(faults.KindPlatformTransient, "TIKTOK identity response missing open_id")
	}
	return Identity{PlatformUserID: out.Data.User.OpenID, DisplayName: out.Data.User.DisplayName}, nil
}

// Publish drives TikTok's direct-post flow: INIT declares the chunk plan and
// yields per-upload PUT targets, chunks stream with Content-Range headers,
// and the status endpoint is polled until the publish completes.
func (a *tiktokAdapter) Publish(ctx context.Context, video VideoSource, spec PostSpec, creds Credentials) (PublishResult, error) {
	privacy := spec.Extras["privacy_level"]
	if privacy == "" {
		privacy = "PUBLIC_TO_EVERYONE"
	}
	caption := composeCaption(spec, tiktokCaptionLimit)

	var publishID, uploadURL string

	up := &chunkUpload{
		chunkSize: tiktokChunkSize,
		sleep:     a.sleep,
		init: func(ctx context.Context) (string, error) {
			totalChunks := int((video.SizeBytes + tiktokChunkSize - 1) / tiktokChunkSize)
			if totalChunks < 1 {
				totalChunks = 1
			}
			payload := map[string]interface{}{
				"post_info": map[string]interface{}{
					"title":           caption,
					"privacy_level":   strings.ToUpper(privacy),
					"disable_comment": spec.Extras["disable_comments"] == "true",
					"disable_duet":    spec.Extras["disable_duet"] == "true",
					"disable_stitch":  spec.Extras["disable_stitch"] == "true",
				},
				"source_info": map[string]interface{}{
					"source":            "FILE_UPLOAD",
					"video_size":        video.SizeBytes,
					"chunk_size":        int64(tiktokChunkSize),
					"total_chunk_count": totalChunks,
				},
			}
			var out struct {
				Data struct {
					PublishID string `json:"publish_id"`
					UploadURL string `json:"upload_url"`
				} `json:"data"`
			}
			if err := a.postJSON(ctx, TikTok, tiktokInitURL, creds.AccessToken, payload, &out); err != nil {
				return "", err
			}
			if out.Data.PublishID == "" || out.Data.UploadURL == "" {
				return "", faults.New(faults.KindPlatformTransient, "TIKTOK init response missing publish_id or upload_url")
			}
			publishID = out.Data.PublishID
			uploadURL = out.Data.UploadURL
			return publishID, nil
		},
		appendFn: func(ctx context.Context, _ string, index int, chunk []byte) error {
			start := int64(index) * tiktokChunkSize
			end := start + int64(len(chunk)) - 1
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
			if err != nil {
				return faults.Wrap(faults.KindInternal, err, "TIKTOK chunk request build failed")
			}
			req.Header.Set("Content-Type", "video/mp4")
			req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, video.SizeBytes))
			req.ContentLength = int64(len(chunk))
			res, err := a.client.Do(req)
			if err != nil {
				return faults.Wrap(faults.KindPlatformTransient, err, "TIKTOK chunk upload network error")
			}
			defer res.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
			return classifyStatus(TikTok, res, body)
		},
		finalize: func(context.Context, string) error { return nil },
		status: func(ctx context.Context, _ string) (bool, error) {
			var out struct {
				Data struct {
					Status     string   `json:"status"`
					FailReason string   `json:"fail_reason"`
					PostIDs    []string `json:"publicaly_available_post_id"`
				} `json:"data"`
			}
			payload := map[string]string{"publish_id": publishID}
			if err := a.postJSON(ctx, TikTok, tiktokStatusURL, creds.AccessToken, payload, &out); err != nil {
				return false, err
			}
			switch out.Data.Status {
			case "PUBLISH_COMPLETE":
				return true, nil
			case "FAILED":
				return false, faults.New(faults.KindPlatformPermanent, "TIKTOK rejected the publish: %s",
					faults.Truncate(out.Data.FailReason, 200))
			}
			return false, nil
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
	return PublishResult{
		PlatformPostID: publishID,
		PlatformURL:    "https://www.tiktok.com/@/video/" + publishID,
	}, nil
}

// composeCaption joins the caption and hashtags the way users see them. The
// framework pre-validates against the limit; the clamp is only a guard for
// hashtag expansion.
func composeCaption(spec PostSpec, limit int) string {
	caption := spec.Caption
	for _, tag := range spec.Hashtags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		if len(caption)+len(tag)+1 > limit {
			break
		}
		caption += " " + tag
	}
	return caption
}
