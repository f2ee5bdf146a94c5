// Package registry talks to the extension registry: conditional artifact
// fetches with etag validation, signed-redirect content download, and guest
// invites.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dylibso/discordbot/internal/storage"
	logx "github.com/dylibso/discordbot/pkg/logx"
)

// freshnessWindow: an artifact fetched this recently is served from cache
// without a conditional round trip.
const defaultFreshness = time.Second

type Config struct {
	BaseURL string
	Token   string
	AppID   string
	// RequestsPerSec paces outbound registry calls. 0 means unlimited.
	RequestsPerSec float64
	// Freshness overrides the cache freshness window (default 1s).
	Freshness time.Duration
}

type Client struct {
	origin    *url.URL
	token     string
	appID     string
	http      *http.Client
	limiter   *rate.Limiter
	store     storage.Store
	log       logx.Logger
	freshness time.Duration
}

func New(cfg Config, store storage.Store, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("registry base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("registry base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("registry base url %q has no origin", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("registry token is required")
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, errors.New("registry app id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	freshness := cfg.Freshness
	if freshness <= 0 {
		freshness = defaultFreshness
	}

	return &Client{
		origin: &url.URL{Scheme: u.Scheme, Host: u.Host},
		token:  cfg.Token,
		appID:  cfg.AppID,
		http: &http.Client{
			Timeout: 30 * time.Second,
			// Redirects carry the artifact-content protocol; we follow them
			// manually so the origin can be verified first.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter:   limiter,
		store:     store,
		log:       log,
		freshness: freshness,
	}, nil
}

// Resolve returns the current artifact bytes for an installation, or the last
// cached copy when the registry is unreachable, stale, or misbehaving. It
// returns (nil, "") only if nothing has ever been cached. It never fails a
// dispatch: every error path degrades to the cache and is logged.
func (c *Client) Resolve(ctx context.Context, extensionID, installKey string) ([]byte, string) {
	cached, err := c.store.ArtifactByInstall(ctx, extensionID, installKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.log.Error("artifact cache lookup failed", logx.Err(err))
		cached = nil
	}
	if cached != nil && time.Since(cached.LastFetch) < c.freshness {
		return cached.Data, cached.ContentType
	}

	data, contentType, err := c.fetch(ctx, extensionID, installKey, cached)
	if err != nil {
		// A plugin with no reachable update keeps running its last good
		// artifact.
		c.log.Warn("artifact fetch failed, using cache",
			logx.String("extension", extensionID),
			logx.String("install", installKey),
			logx.Err(err))
		if cached != nil {
			return cached.Data, cached.ContentType
		}
		return nil, ""
	}
	return data, contentType
}

func (c *Client) fetch(ctx context.Context, extensionID, installKey string, cached *storage.Artifact) ([]byte, string, error) {
	path := fmt.Sprintf("/api/v1/extension-points/%s/installs/guest/%s", extensionID, installKey)
	var headers http.Header
	if cached != nil && cached.ETag != "" {
		headers = http.Header{"If-None-Match": []string{cached.ETag}}
	}
	resp, err := c.do(ctx, http.MethodGet, path, headers, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch resp.StatusCode {
	case http.StatusNotFound:
		// Registry has no artifact; serve whatever we have (possibly nothing).
		if cached != nil {
			return cached.Data, cached.ContentType, nil
		}
		return nil, "", nil

	case http.StatusNotModified:
		if err := c.store.TouchInstall(ctx, extensionID, installKey, time.Now()); err != nil {
			c.log.Warn("refreshing install freshness failed", logx.Err(err))
		}
		if cached != nil {
			return cached.Data, cached.ContentType, nil
		}
		return nil, "", nil

	case http.StatusSeeOther:
		location := resp.Header.Get("Location")
		if location == "" {
			return nil, "", errors.New("registry 303 without location")
		}
		redirect, err := c.origin.Parse(location)
		if err != nil {
			return nil, "", fmt.Errorf("bad redirect location: %w", err)
		}
		// A compromised registry must not be able to point us at an arbitrary
		// origin.
		if redirect.Scheme != c.origin.Scheme || redirect.Host != c.origin.Host {
			return nil, "", fmt.Errorf("redirect origin mismatch: expected %q, got %q://%q",
				c.origin.Host, redirect.Scheme, redirect.Host)
		}
		return c.fetchContent(ctx, extensionID, installKey, redirect)

	default:
		return nil, "", fmt.Errorf("registry returned %d", resp.StatusCode)
	}
}

func (c *Client) fetchContent(ctx context.Context, extensionID, installKey string, u *url.URL) ([]byte, string, error) {
	resp, err := c.do(ctx, http.MethodGet, u.RequestURI(), nil, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("artifact content fetch returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	etag := resp.Header.Get("Etag")
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	art := storage.Artifact{
		ETag:        etag,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
		LastFetch:   time.Now(),
	}
	if err := c.store.PutArtifact(ctx, extensionID, installKey, art); err != nil {
		// Storing is best-effort; the fetched bytes are still good.
		c.log.Error("storing artifact failed", logx.Err(err))
	}
	return data, contentType, nil
}

// InviteGuestRequest registers a plugin author with the registry.
type InviteGuestRequest struct {
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	GuestKey       string `json:"guestKey"`
	DeliveryMethod string `json:"deliveryMethod,omitempty"`
}

// InviteGuest returns the invite link minted by the registry.
func (c *Client) InviteGuest(ctx context.Context, req InviteGuestRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/apps/%s/guests/invite", c.appID),
		http.Header{"Content-Type": []string{"application/json; charset=utf-8"}}, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("guest invite returned %d", resp.StatusCode)
	}
	var out struct {
		Link string `json:"link"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Link, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.origin.String()+path, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	c.log.Debug("registry request",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode))
	return resp, nil
}
