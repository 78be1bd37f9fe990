// Package provider talks to the external fitness API: credential refresh, rate-limit
// accounting and response classification for every outbound call.
package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"stridesync/internal/domain"
	"stridesync/internal/ratelimit"
)

const (
	HeaderRateLimitLimit = "X-RateLimit-Limit"
	HeaderRateLimitUsage = "X-RateLimit-Usage"

	// refresh tokens this long before they expire
	expirySkew = time.Minute
)

var errUpstream = errors.New("provider upstream failure")

// CredentialStore is the slice of the persistence store the client needs.
type CredentialStore interface {
	GetUserCredentials(ctx context.Context, userID int64) (domain.Credentials, error)
	UpdateUserCredentials(ctx context.Context, userID int64, accessToken, refreshToken string, expiresAt time.Time) error
}

type Config struct {
	BaseURL            string
	TokenURL           string
	ClientID           string
	ClientSecret       string
	Timeout            time.Duration
	RequestsPerSecond  float64 // 0 disables client-side pacing
	Burst              int
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// Response is a successful provider reply together with the quota state it reported.
type Response struct {
	StatusCode int
	Body       []byte
	RateLimit  domain.RateLimitState
}

type rawResponse struct {
	status int
	header http.Header
	body   []byte
}

type Client struct {
	cfg       Config
	http      *http.Client
	creds     CredentialStore
	limiter   *ratelimit.Limiter
	pacer     *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[*rawResponse]
	refreshes singleflight.Group
	timeNow   func() time.Time
}

func NewClient(cfg Config, creds CredentialStore, limiter *ratelimit.Limiter) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	maxFailures := cfg.BreakerMaxFailures
	breaker := gobreaker.NewCircuitBreaker[*rawResponse](gobreaker.Settings{
		Name:    "provider-api",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		creds:   creds,
		limiter: limiter,
		pacer:   rate.NewLimiter(limit, cfg.Burst),
		breaker: breaker,
		timeNow: time.Now,
	}
}

// Request performs one authenticated call. A 401 triggers a single credential refresh and
// one retry; a second 401 fails with ErrUnauthorized.
func (c *Client) Request(ctx context.Context, userID int64, method, path string, params url.Values, body any) (*Response, error) {
	if c.limiter.IsRateLimited() {
		return nil, ErrRateLimited
	}

	creds, err := c.creds.GetUserCredentials(ctx, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "load credentials for user %d", userID)
	}
	if creds.Expiring(c.timeNow(), expirySkew) {
		if creds, err = c.refresh(ctx, userID, creds.AccessToken); err != nil {
			return nil, err
		}
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
	}

	raw, err := c.send(ctx, method, path, params, payload, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	if raw.status == http.StatusUnauthorized {
		log.Info().Int64("user_id", userID).Str("path", path).Msg("access token rejected, refreshing")
		if creds, err = c.refresh(ctx, userID, creds.AccessToken); err != nil {
			return nil, err
		}
		if raw, err = c.send(ctx, method, path, params, payload, creds.AccessToken); err != nil {
			return nil, err
		}
		if raw.status == http.StatusUnauthorized {
			return nil, errors.Wrapf(ErrUnauthorized, "%s %s", method, path)
		}
	}
	if raw.status < 200 || raw.status >= 300 {
		return nil, &APIError{StatusCode: raw.status, Body: string(raw.body)}
	}

	return &Response{StatusCode: raw.status, Body: raw.body, RateLimit: c.limiter.State()}, nil
}

func (c *Client) send(ctx context.Context, method, path string, params url.Values, payload []byte, token string) (*rawResponse, error) {
	reqURL := c.cfg.BaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(ctx, req)
}

// do dispatches req and records the reported quota before any status is interpreted,
// so accounting survives failure paths.
func (c *Client) do(ctx context.Context, req *http.Request) (*rawResponse, error) {
	if c.limiter.IsRateLimited() {
		return nil, ErrRateLimited
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "wait for request slot")
	}

	raw, err := c.breaker.Execute(func() (*rawResponse, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "read response body")
		}
		r := &rawResponse{status: resp.StatusCode, header: resp.Header, body: b}
		if resp.StatusCode >= 500 {
			return r, errUpstream
		}
		return r, nil
	})
	if raw == nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrap(err, "provider circuit open")
		}
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}

	c.recordRateLimit(raw.header)
	if raw.status == http.StatusTooManyRequests {
		c.limiter.Pause("provider returned 429")
		return nil, errors.Wrapf(ErrRateLimited, "%s %s", req.Method, req.URL.Path)
	}
	return raw, nil
}

func (c *Client) recordRateLimit(h http.Header) {
	shortLimit, longLimit, ok := parseWindowPair(h.Get(HeaderRateLimitLimit))
	if !ok {
		return
	}
	shortUsage, longUsage, ok := parseWindowPair(h.Get(HeaderRateLimitUsage))
	if !ok {
		return
	}
	c.limiter.RecordUsage(shortUsage, shortLimit, longUsage, longLimit)
}

// parseWindowPair parses "short,long" header values such as "200,2000".
func parseWindowPair(v string) (int, int, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	short, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	long, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return short, long, true
}

// ListActivities fetches one page of the user's activities, optionally only those after a time.
func (c *Client) ListActivities(ctx context.Context, userID int64, page, perPage int, after *time.Time) ([]domain.Activity, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))
	if after != nil {
		params.Set("after", strconv.FormatInt(after.Unix(), 10))
	}

	resp, err := c.Request(ctx, userID, http.MethodGet, "/athlete/activities", params, nil)
	if err != nil {
		return nil, err
	}
	var activities []domain.Activity
	if err := json.Unmarshal(resp.Body, &activities); err != nil {
		return nil, errors.Wrap(err, "decode activities")
	}
	return activities, nil
}

// GetActivityStreams returns the raw time-series payload, or ErrResourceUnavailable.
func (c *Client) GetActivityStreams(ctx context.Context, userID, externalID int64) ([]byte, error) {
	params := url.Values{}
	params.Set("keys", "time,distance,latlng,altitude,heartrate,cadence,watts,velocity_smooth")
	params.Set("key_by_type", "true")
	return c.detail(ctx, userID, "/activities/"+strconv.FormatInt(externalID, 10)+"/streams", params)
}

// GetActivityLaps returns the raw lap splits payload, or ErrResourceUnavailable.
func (c *Client) GetActivityLaps(ctx context.Context, userID, externalID int64) ([]byte, error) {
	return c.detail(ctx, userID, "/activities/"+strconv.FormatInt(externalID, 10)+"/laps", nil)
}

func (c *Client) detail(ctx context.Context, userID int64, path string, params url.Values) ([]byte, error) {
	resp, err := c.Request(ctx, userID, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, detailNotFound(err)
	}
	if !json.Valid(resp.Body) {
		return nil, errors.Newf("invalid JSON from %s", path)
	}
	return resp.Body, nil
}

// UpdateActivity writes fields such as name or description back to the provider.
func (c *Client) UpdateActivity(ctx context.Context, userID, externalID int64, patch map[string]any) (domain.Activity, error) {
	resp, err := c.Request(ctx, userID, http.MethodPut, "/activities/"+strconv.FormatInt(externalID, 10), nil, patch)
	if err != nil {
		return domain.Activity{}, err
	}
	var a domain.Activity
	if err := json.Unmarshal(resp.Body, &a); err != nil {
		return domain.Activity{}, errors.Wrap(err, "decode activity")
	}
	return a, nil
}
