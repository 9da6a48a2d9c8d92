package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

const (
	youtubeAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	youtubeTokenURL    = "https://oauth2.googleapis.com/token"
	youtubeUploadURL   = "https://www.googleapis.com/upload/youtube/v3/videos?uploadType=resumable&part=snippet,status"
	youtubeChannelsURL = "https://www.googleapis.com/youtube/v3/channels?part=snippet&mine=true"

	youtubeChunkSize     = 8 << 20 // resumable chunks must be 256 KiB multiples
	youtubeCaptionLimit  = 5000
	youtubeMaxSizeBytes  = 128 << 30
	youtubeMaxDurationMS = 12 * 60 * 60 * 1000
	youtubeScope         = "https://www.googleapis.com/auth/youtube.upload https://www.googleapis.com/auth/youtube.readonly"
)

type youtubeAdapter struct {
	adapterBase
}

func (a *youtubeAdapter) ID() ID                   { return YouTube }
func (a *youtubeAdapter) CaptionLimit() int        { return youtubeCaptionLimit }
func (a *youtubeAdapter) NeedsAppCredential() bool { return false }

func (a *youtubeAdapter) MediaConstraints() MediaConstraints {
	return MediaConstraints{
		Containers:    []string{"mp4", "mov", "avi", "webm", "mkv"},
		Codecs:        []string{"h264", "h265", "vp9", "av1"},
		MaxSizeBytes:  youtubeMaxSizeBytes,
		MaxDurationMS: youtubeMaxDurationMS,
	}
}

func (a *youtubeAdapter) BuildAuthorizationURL(state string) (string, error) {
	params := url.Values{
		"client_id":     {a.oauth.ClientID},
		"redirect_uri":  {a.oauth.RedirectURI},
		"response_type": {"code"},
		"scope":         {youtubeScope},
		"state":         {state},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
	}
	return youtubeAuthURL + "?" + params.Encode(), nil
}

type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (a *youtubeAdapter) ExchangeCode(ctx context.Context, code, _ string) (TokenBundle, error) {
	form := url.Values{
		"client_id":     {a.oauth.ClientID},
		"client_secret": {a.oauth.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {a.oauth.RedirectURI},
	}
	var tok googleTokenResponse
	if err := a.postForm(ctx, YouTube, youtubeTokenURL, form, nil, &tok); err != nil {
		return TokenBundle{}, err
	}
	return googleBundle(tok, ""), nil
}

func (a *youtubeAdapter) Refresh(ctx context.Context, refreshToken string) (TokenBundle, error) {
	form := url.Values{
		"client_id":     {a.oauth.ClientID},
		"client_secret": {a.oauth.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	var tok googleTokenResponse
	if err := a.postForm(ctx, YouTube, youtubeTokenURL, form, nil, &tok); err != nil {
		return TokenBundle{}, classifyRefreshError(YouTube, err)
	}
	return googleBundle(tok, refreshToken), nil
}

func googleBundle(tok googleTokenResponse, fallbackRefresh string) TokenBundle {
	if tok.RefreshToken == "" {
		tok.RefreshToken = fallbackRefresh
	}
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
		Scopes:       strings.Fields(tok.Scope),
	}
}

func (a *youtubeAdapter) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	var out struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := a.getJSON(ctx, YouTube, youtubeChannelsURL, accessToken, &out); err != nil {
		return Identity{}, err
	}
	if len(out.Items) == 0 {
		return Identity{}, faults.New(faults.KindPlatformPermanent, "YOUTUBE account has no channel")
	}
	return Identity{PlatformUserID: out.Items[0].ID, DisplayName: out.Items[0].Snippet.Title}, nil
}

// Publish runs the YouTube resumable upload: a session POST that answers with
// an upload Location, chunked PUTs with Content-Range, and the video resource
// in the final chunk's response. No separate processing poll is required;
// YouTube finishes transcoding after the video id exists.
func (a *youtubeAdapter) Publish(ctx context.Context, video VideoSource, spec PostSpec, creds Credentials) (PublishResult, error) {
	privacy := spec.Extras["privacy_level"]
	if privacy == "" {
		privacy = "public"
	}
	title := spec.Caption
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if len(title) > 100 {
		title = title[:100]
	}
	snippet := map[string]interface{}{
		"title":       title,
		"description": composeCaption(spec, youtubeCaptionLimit),
		"tags":        spec.Hashtags,
	}
	if cat := spec.Extras["category_id"]; cat != "" {
		snippet["categoryId"] = cat
	}

	var videoID string

	up := &chunkUpload{
		chunkSize: youtubeChunkSize,
		sleep:     a.sleep,
		init: func(ctx context.Context) (string, error) {
			if err := a.wait(ctx); err != nil {
				return "", err
			}
			body, err := json.Marshal(map[string]interface{}{
				"snippet": snippet,
				"status":  map[string]interface{}{"privacyStatus": strings.ToLower(privacy)},
			})
			if err != nil {
				return "", faults.Wrap(faults.KindInternal, err, "YOUTUBE metadata marshal failed")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, youtubeUploadURL, bytes.NewReader(body))
			if err != nil {
				return "", faults.Wrap(faults.KindInternal, err, "YOUTUBE session request build failed")
			}
			req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
			req.Header.Set("Content-Type", "application/json; charset=UTF-8")
			req.Header.Set("X-Upload-Content-Length", fmt.Sprintf("%d", video.SizeBytes))
			req.Header.Set("X-Upload-Content-Type", "video/*")
			res, err := a.client.Do(req)
			if err != nil {
				return "", faults.Wrap(faults.KindPlatformTransient, err, "YOUTUBE session network error")
			}
			defer res.Body.Close()
			resBody, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
			if err := classifyStatus(YouTube, res, resBody); err != nil {
				return "", err
			}
			loc := res.Header.Get("Location")
			if loc == "" {
				return "", faults.New(faults.KindPlatformTransient, "YOUTUBE session response missing upload Location")
			}
			return loc, nil
		},
		appendFn: func(ctx context.Context, session string, index int, chunk []byte) error {
			start := int64(index) * youtubeChunkSize
			end := start + int64(len(chunk)) - 1
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, session, bytes.NewReader(chunk))
			if err != nil {
				return faults.Wrap(faults.KindInternal, err, "YOUTUBE chunk request build failed")
			}
			req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, video.SizeBytes))
			req.ContentLength = int64(len(chunk))
			res, err := a.client.Do(req)
			if err != nil {
				return faults.Wrap(faults.KindPlatformTransient, err, "YOUTUBE chunk upload network error")
			}
			defer res.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
			// 308 acknowledges an intermediate chunk; the final chunk answers
			// 200/201 with the video resource.
			if res.StatusCode == 308 {
				return nil
			}
			if err := classifyStatus(YouTube, res, body); err != nil {
				return err
			}
			var resource struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(body, &resource); err == nil && resource.ID != "" {
				videoID = resource.ID
			}
			return nil
		},
		finalize: func(context.Context, string) error {
			if videoID == "" {
				return faults.New(faults.KindPlatformTransient, "YOUTUBE upload completed without a video id")
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
	return PublishResult{
		PlatformPostID: videoID,
		PlatformURL:    "https://www.youtube.com/watch?v=" + videoID,
	}, nil
}
