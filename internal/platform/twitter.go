package platform

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

const (
	twitterAuthURL   = "https://twitter.com/i/oauth2/authorize"
	twitterTokenURL  = "https://api.twitter.com/2/oauth2/token"
	twitterUserURL   = "https://api.twitter.com/2/users/me"
	twitterTweetURL  = "https://api.twitter.com/2/tweets"
	twitterMediaURL  = "https://upload.twitter.com/1.1/media/upload.json"

	twitterChunkSize     = 5 << 20
	twitterCaptionLimit  = 280
	twitterMaxSizeBytes  = 512 << 20
	twitterMinDurationMS = 500
	twitterMaxDurationMS = 140_000
	twitterScope         = "tweet.read tweet.write users.read offline.access media.write"
)

// twitterAdapter uses OAuth 2.0 with PKCE for user identity and tweeting, and
// the app-level OAuth 1.0a credential for the chunked media upload
// (dual-credential binding).
type twitterAdapter struct {
	adapterBase
}

func (a *twitterAdapter) ID() ID                   { return Twitter }
func (a *twitterAdapter) CaptionLimit() int        { return twitterCaptionLimit }
func (a *twitterAdapter) NeedsAppCredential() bool { return true }

func (a *twitterAdapter) MediaConstraints() MediaConstraints {
	return MediaConstraints{
		Containers:    []string{"mp4", "mov"},
		Codecs:        []string{"h264"},
		MaxSizeBytes:  twitterMaxSizeBytes,
		MinDurationMS: twitterMinDurationMS,
		MaxDurationMS: twitterMaxDurationMS,
	}
}

// pkceVerifier derives the PKCE code verifier deterministically from the
// state value, so the exchange can recompute it without server-side storage.
// The state itself is a signed short-lived token, so the verifier is bound to
// the same lifetime.
func (a *twitterAdapter) pkceVerifier(state string) string {
	mac := hmac.New(sha256.New, []byte(a.oauth.ClientSecret))
	mac.Write([]byte("pkce:" + state))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (a *twitterAdapter) BuildAuthorizationURL(state string) (string, error) {
	verifier := a.pkceVerifier(state)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {a.oauth.ClientID},
		"redirect_uri":          {a.oauth.RedirectURI},
		"scope":                 {twitterScope},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return twitterAuthURL + "?" + params.Encode(), nil
}

type twitterTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (a *twitterAdapter) basicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(a.oauth.ClientID+":"+a.oauth.ClientSecret))
}

func (a *twitterAdapter) ExchangeCode(ctx context.Context, code, state string) (TokenBundle, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {a.oauth.RedirectURI},
		"code_verifier": {a.pkceVerifier(state)},
	}
	var tok twitterTokenResponse
	headers := map[string]string{"Authorization": a.basicAuth()}
	if err := a.postForm(ctx, Twitter, twitterTokenURL, form, headers, &tok); err != nil {
		return TokenBundle{}, err
	}
	return twitterBundle(tok, ""), nil
}

func (a *twitterAdapter) Refresh(ctx context.Context, refreshToken string) (TokenBundle, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	var tok twitterTokenResponse
	headers := map[string]string{"Authorization": a.basicAuth()}
	if err := a.postForm(ctx, Twitter, twitterTokenURL, form, headers, &tok); err != nil {
		return TokenBundle{}, classifyRefreshError(Twitter, err)
	}
	return twitterBundle(tok, refreshToken), nil
}

func twitterBundle(tok twitterTokenResponse, fallbackRefresh string) TokenBundle {
	if tok.RefreshToken == "" {
		tok.RefreshToken = fallbackRefresh
	}
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 7200
	}
	return TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
		Scopes:       strings.Fields(tok.Scope),
	}
}

func (a *twitterAdapter) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	var out struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, Twitter, twitterUserURL, accessToken, &out); err != nil {
		return Identity{}, err
	}
	return Identity{PlatformUserID: out.Data.ID, DisplayName: out.Data.Username}, nil
}

// Publish uploads the video through the OAuth 1.0a chunked media endpoint
// (INIT/APPEND/FINALIZE plus a STATUS poll), then creates the tweet with the
// user's OAuth 2.0 bearer token.
func (a *twitterAdapter) Publish(ctx context.Context, video VideoSource, spec PostSpec, creds Credentials) (PublishResult, error) {
	if creds.App == nil || !creds.App.Configured() {
		return PublishResult{}, faults.New(faults.KindConfigMissing,
			"TWITTER media upload requires the app-level OAuth 1.0a credential")
	}
	oauthCfg := oauth1.NewConfig(creds.App.APIKey, creds.App.APISecret)
	signing := oauthCfg.Client(ctx, oauth1.NewToken(creds.App.AccessToken, creds.App.AccessTokenSecret))
	// The signing client inherits no timeout; attempt deadlines arrive via ctx.

	up := &chunkUpload{
		chunkSize: twitterChunkSize,
		sleep:     a.sleep,
		init: func(ctx context.Context) (string, error) {
			form := url.Values{
				"command":        {"INIT"},
				"total_bytes":    {fmt.Sprintf("%d", video.SizeBytes)},
				"media_type":     {"video/mp4"},
				"media_category": {"tweet_video"},
			}
			var out struct {
				MediaIDString string `json:"media_id_string"`
			}
			if err := a.signedForm(ctx, signing, form, &out); err != nil {
				return "", err
			}
			if out.MediaIDString == "" {
				return "", faults.New(faults.KindPlatformTransient, "TWITTER INIT response missing media_id")
			}
			return out.MediaIDString, nil
		},
		appendFn: func(ctx context.Context, mediaID string, index int, chunk []byte) error {
			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			_ = w.WriteField("command", "APPEND")
			_ = w.WriteField("media_id", mediaID)
			_ = w.WriteField("segment_index", fmt.Sprintf("%d", index))
			part, err := w.CreateFormFile("media", "chunk")
			if err != nil {
				return faults.Wrap(faults.KindInternal, err, "TWITTER multipart build failed")
			}
			if _, err := part.Write(chunk); err != nil {
				return faults.Wrap(faults.KindInternal, err, "TWITTER multipart write failed")
			}
			if err := w.Close(); err != nil {
				return faults.Wrap(faults.KindInternal, err, "TWITTER multipart close failed")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, twitterMediaURL, &buf)
			if err != nil {
				return faults.Wrap(faults.KindInternal, err, "TWITTER APPEND request build failed")
			}
			req.Header.Set("Content-Type", w.FormDataContentType())
			res, err := signing.Do(req)
			if err != nil {
				return faults.Wrap(faults.KindPlatformTransient, err, "TWITTER APPEND network error")
			}
			defer res.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
			return classifyStatus(Twitter, res, body)
		},
		finalize: func(ctx context.Context, mediaID string) error {
			form := url.Values{
				"command":  {"FINALIZE"},
				"media_id": {mediaID},
			}
			return a.signedForm(ctx, signing, form, nil)
		},
		status: func(ctx context.Context, mediaID string) (bool, error) {
			endpoint := twitterMediaURL + "?" + url.Values{
				"command":  {"STATUS"},
				"media_id": {mediaID},
			}.Encode()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return false, faults.Wrap(faults.KindInternal, err, "TWITTER STATUS request build failed")
			}
			res, err := signing.Do(req)
			if err != nil {
				return false, faults.Wrap(faults.KindPlatformTransient, err, "TWITTER STATUS network error")
			}
			defer res.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
			if err := classifyStatus(Twitter, res, body); err != nil {
				return false, err
			}
			var out struct {
				ProcessingInfo struct {
					State string `json:"state"`
					Error struct {
						Message string `json:"message"`
					} `json:"error"`
				} `json:"processing_info"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return false, faults.Wrap(faults.KindPlatformTransient, err, "TWITTER STATUS decode failed")
			}
			switch out.ProcessingInfo.State {
			case "", "succeeded":
				return true, nil
			case "failed":
				return false, faults.New(faults.KindPlatformPermanent, "TWITTER media processing failed: %s",
					faults.Truncate(out.ProcessingInfo.Error.Message, 200))
			}
			return false, nil
		},
	}

	src, err := video.Open(ctx)
	if err != nil {
		return PublishResult{}, faults.Wrap(faults.KindStorageUnavailable, err, "opening video stream failed")
	}
	defer src.Close()

	mediaID, err := up.run(ctx, src)
	if err != nil {
		return PublishResult{}, err
	}

	payload := map[string]interface{}{
		"text":  composeCaption(spec, twitterCaptionLimit),
		"media": map[string]interface{}{"media_ids": []string{mediaID}},
	}
	var tweet struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := a.postJSON(ctx, Twitter, twitterTweetURL, creds.AccessToken, payload, &tweet); err != nil {
		return PublishResult{}, err
	}
	if tweet.Data.ID == "" {
		return PublishResult{}, faults.New(faults.KindPlatformTransient, "TWITTER tweet response missing id")
	}
	return PublishResult{
		PlatformPostID: tweet.Data.ID,
		PlatformURL:    "https://twitter.com/i/web/status/" + tweet.Data.ID,
	}, nil
}

// signedForm posts a urlencoded form through the OAuth 1.0a signing client.
func (a *twitterAdapter) signedForm(ctx context.Context, signing *http.Client, form url.Values, out interface{}) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, twitterMediaURL, strings.NewReader(form.Encode()))
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "TWITTER request build failed")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := signing.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindPlatformTransient, err, "TWITTER network error")
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err := classifyStatus(Twitter, res, body); err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return faults.Wrap(faults.KindPlatformTransient, err, "TWITTER response decode failed")
		}
	}
	return nil
}
