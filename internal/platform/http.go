package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

const defaultRetryAfterMS = 60_000

// postForm sends an application/x-www-form-urlencoded POST and decodes the
// JSON response into out. Non-2xx statuses are classified per §7.
func (b *adapterBase) postForm(ctx context.Context, id ID, endpoint string, form url.Values, headers map[string]string, out interface{}) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "%s request build failed", id)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.do(id, req, out)
}

// postJSON sends a JSON POST with a bearer token and decodes into out.
func (b *adapterBase) postJSON(ctx context.Context, id ID, endpoint, accessToken string, payload interface{}, out interface{}) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "%s payload marshal failed", id)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "%s request build failed", id)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return b.do(id, req, out)
}

// getJSON sends a bearer-token GET and decodes into out.
func (b *adapterBase) getJSON(ctx context.Context, id ID, endpoint, accessToken string, out interface{}) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "%s request build failed", id)
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return b.do(id, req, out)
}

func (b *adapterBase) do(id ID, req *http.Request, out interface{}) error {
	res, err := b.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return faults.Wrap(faults.KindTimeout, err, "%s request deadline exceeded", id)
		}
		return faults.Wrap(faults.KindPlatformTransient, err, "%s network error", id)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err := classifyStatus(id, res, body); err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return faults.Wrap(faults.KindPlatformTransient, err, "%s response decode failed", id)
		}
	}
	return nil
}

// classifyStatus maps HTTP statuses to the closed fault set. Adapters refine
// the result when the platform encodes revocation in a body payload.
func classifyStatus(id ID, res *http.Response, body []byte) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusTooManyRequests:
		return &faults.Error{
			Kind:         faults.KindRateLimited,
			Message:      string(id) + " rate limit exceeded",
			RetryAfterMS: retryAfterMS(res),
		}
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		if revokedBody(body) {
			return faults.New(faults.KindAuthRevoked, "%s reports the grant was revoked", id)
		}
		return faults.New(faults.KindAuthExpired, "%s access token rejected (status %d)", id, res.StatusCode)
	case res.StatusCode >= 500:
		return faults.New(faults.KindPlatformTransient, "%s returned status %d: %s",
			id, res.StatusCode, faults.Truncate(string(body), 200))
	default:
		return faults.New(faults.KindPlatformPermanent, "%s rejected the request (status %d): %s",
			id, res.StatusCode, faults.Truncate(string(body), 200))
	}
}

func retryAfterMS(res *http.Response) int64 {
	if v := res.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return int64(secs) * 1000
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d.Milliseconds()
			}
		}
	}
	return defaultRetryAfterMS
}

// revokedBody detects the common OAuth revocation signals platforms put in
// error payloads alongside 401/403.
func revokedBody(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "invalid_grant") ||
		strings.Contains(s, "token_revoked") ||
		strings.Contains(s, "access_token_invalid") ||
		strings.Contains(s, "has been revoked")
}

// classifyRefreshError narrows a refresh failure: invalid_grant is permanent
// revocation, everything transient keeps the standard backoff path.
func classifyRefreshError(id ID, err error) error {
	switch faults.KindOf(err) {
	case faults.KindAuthRevoked, faults.KindInvalidGrant:
		return faults.Wrap(faults.KindInvalidGrant, err, "%s refresh grant invalid", id)
	case faults.KindPlatformTransient, faults.KindRateLimited, faults.KindTimeout:
		return err
	case faults.KindAuthExpired, faults.KindPlatformPermanent:
		// Token endpoints answer 400/401 for dead grants.
		return faults.Wrap(faults.KindInvalidGrant, err, "%s refresh grant rejected", id)
	}
	return err
}
