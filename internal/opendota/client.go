package opendota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL         = "https://api.opendota.com/api"
	DefaultMatchDetailsURL = DefaultBaseURL + "/matches"

	// DefaultMinInterval is the pacing gate used when no option overrides it.
	DefaultMinInterval = time.Second

	// pageSize is what /players/{id}/matches returns per offset step.
	pageSize = 100

	maxBodyBytes = 32 << 20
)

// RequestObserver is told about every outbound attempt. outcome is "ok" or
// the failure class.
type RequestObserver func(endpoint, outcome string)

// Client is a paced OpenDota API client. Every request waits on the gate
// first, so consecutive requests are at least the minimum interval apart.
type Client struct {
	baseURL    string
	detailsURL string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	observe    RequestObserver
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithMatchDetailsURL points match detail lookups at a different service;
// the match id is appended as a path segment.
func WithMatchDetailsURL(u string) Option {
	return func(c *Client) { c.detailsURL = strings.TrimRight(u, "/") }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithMinInterval sets the pacing gate. Zero disables pacing.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithRequestObserver(fn RequestObserver) Option {
	return func(c *Client) { c.observe = fn }
}

// NewClient creates a client with the OpenDota defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		detailsURL: DefaultMatchDetailsURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(DefaultMinInterval), 1),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "opendota")
	return c
}

// waitForGate blocks until the pacing gate admits another request. The slot
// is consumed whether or not the request that follows succeeds.
func (c *Client) waitForGate(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// doRequest performs one paced GET and returns the body of a 2xx response.
func (c *Client) doRequest(ctx context.Context, endpoint, rawURL string, q url.Values) ([]byte, error) {
	if err := c.waitForGate(ctx); err != nil {
		return nil, err
	}

	if c.apiKey != "" {
		if q == nil {
			q = url.Values{}
		}
		q.Set("api_key", c.apiKey)
	}
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.fail(&APIError{Kind: ErrTransient, Endpoint: endpoint, Err: err})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, c.fail(&APIError{Kind: ErrNotFound, Endpoint: endpoint, Status: resp.StatusCode})

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, c.fail(&APIError{
			Kind:       ErrRateLimited,
			Endpoint:   endpoint,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		})

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, c.fail(&APIError{
			Kind:     ErrTransient,
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Err:      errors.New(strings.TrimSpace(string(b))),
		})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.fail(&APIError{Kind: ErrTransient, Endpoint: endpoint, Status: resp.StatusCode, Err: err})
	}
	c.record(endpoint, "ok")
	return body, nil
}

func (c *Client) fail(e *APIError) error {
	c.record(e.Endpoint, e.Kind.Error())
	return e
}

func (c *Client) malformed(endpoint string, err error) error {
	c.record(endpoint, ErrMalformedResponse.Error())
	return &APIError{Kind: ErrMalformedResponse, Endpoint: endpoint, Status: http.StatusOK, Err: err}
}

func (c *Client) record(endpoint, outcome string) {
	if c.observe != nil {
		c.observe(endpoint, outcome)
	}
}

// ListRecentMatches returns the newest limit matches of a player.
func (c *Client) ListRecentMatches(ctx context.Context, accountID int64, limit int) ([]MatchRef, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.doRequest(ctx, "player_matches", c.playerMatchesURL(accountID), q)
	if err != nil {
		return nil, err
	}
	refs, err := decodeMatchRefs(body)
	if err != nil {
		return nil, c.malformed("player_matches", err)
	}
	return refs, nil
}

// ListAllMatches pages through a player's full history, newest first. Paging
// stops at an empty page, or once a page ends before since (zero disables
// the early stop).
func (c *Client) ListAllMatches(ctx context.Context, accountID int64, since time.Time) ([]MatchRef, error) {
	var all []MatchRef
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))

		c.logger.Debug("fetching match page", "account_id", accountID, "offset", offset)
		body, err := c.doRequest(ctx, "player_matches", c.playerMatchesURL(accountID), q)
		if err != nil {
			return nil, err
		}
		page, err := decodeMatchRefs(body)
		if err != nil {
			return nil, c.malformed("player_matches", err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)

		if len(page) < pageSize {
			break
		}
		if !since.IsZero() && page[len(page)-1].StartTime < since.Unix() {
			break
		}
	}
	c.logger.Info("match history fetched", "account_id", accountID, "matches", len(all))
	return all, nil
}

// GetMatchDetails fetches one match in full.
func (c *Client) GetMatchDetails(ctx context.Context, matchID int64) (*MatchDetails, error) {
	u := fmt.Sprintf("%s/%d", c.detailsURL, matchID)
	body, err := c.doRequest(ctx, "match_details", u, nil)
	if err != nil {
		return nil, err
	}
	details, err := decodeMatchDetails(body, matchID)
	if err != nil {
		return nil, c.malformed("match_details", err)
	}
	return details, nil
}

// GetPlayerProfile fetches the public profile of an account.
func (c *Client) GetPlayerProfile(ctx context.Context, accountID int64) (*PlayerProfile, error) {
	u := fmt.Sprintf("%s/players/%d", c.baseURL, accountID)
	body, err := c.doRequest(ctx, "player_profile", u, nil)
	if err != nil {
		return nil, err
	}
	profile, err := decodePlayerProfile(body, accountID)
	if err != nil {
		return nil, c.malformed("player_profile", err)
	}
	return profile, nil
}

func (c *Client) playerMatchesURL(accountID int64) string {
	return fmt.Sprintf("%s/players/%d/matches", c.baseURL, accountID)
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
