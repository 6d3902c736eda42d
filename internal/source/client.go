// Package source is the adapter for the listening history API. It pages
// through recently played events and fetches artist details.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/internal/retry"
	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/BartekS5/tracksync/pkg/utils"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the base URL of the Web API.
	DefaultBaseURL = "https://api.spotify.com/v1"

	// DefaultTokenURL issues access tokens from a refresh token.
	DefaultTokenURL = "https://accounts.spotify.com/api/token"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// MaxLimit is the largest page or id batch the API accepts.
	MaxLimit = 50
)

// Credentials authorize the client through the refresh token grant.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
}

// Client talks to the source API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the transport client used for both API and token calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit spaces requests to at most perMinute. Zero disables limiting.
func WithRateLimit(perMinute int) Option {
	return func(c *Client) {
		if perMinute <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
}

// WithRetryPolicy sets the policy applied to every request.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// NewClient creates a client. When creds carry a refresh token, requests are
// authorized with access tokens refreshed on demand.
func NewClient(creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Every(600*time.Millisecond), 1),
		policy:     retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if creds.RefreshToken != "" {
		tokenURL := creds.TokenURL
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}
		conf := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		}
		base := c.httpClient
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
		authed := oauth2.NewClient(ctx, ts)
		authed.Timeout = base.Timeout
		c.httpClient = authed
	}

	return c
}

// Authenticate verifies the credentials by fetching the current user profile.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := c.get(ctx, "/me", nil)
	if err != nil {
		return fmt.Errorf("failed to authenticate with source: %w", err)
	}
	logger.Get().Info().
		Str("user_id", gjson.GetBytes(body, "id").String()).
		Msg("authenticated with source")
	return nil
}

// FetchPage returns up to limit events played strictly after afterMs, in
// ascending event time order. Page.Items below limit means no more data.
func (c *Client) FetchPage(ctx context.Context, afterMs int64, limit int) (models.Page, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if afterMs > 0 {
		params.Set("after", strconv.FormatInt(afterMs, 10))
	}

	body, err := c.get(ctx, "/me/player/recently-played", params)
	if err != nil {
		return models.Page{}, fmt.Errorf("failed to fetch recently played after %d: %w", afterMs, err)
	}

	items := gjson.GetBytes(body, "items").Array()
	records := make([]models.Record, 0, len(items))
	for _, item := range items {
		playedAt := item.Get("played_at").String()
		eventTime, err := utils.ParseEventTime(playedAt)
		if err != nil {
			logger.Warn("Skipping item with bad played_at %q: %v", playedAt, err)
			continue
		}
		records = append(records, models.Record{
			ID:        item.Get("track.id").String() + "@" + playedAt,
			EventTime: eventTime,
			Payload:   []byte(item.Raw),
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EventTime.Before(records[j].EventTime)
	})

	logger.Get().Debug().
		Int64("after", afterMs).
		Int("items", len(items)).
		Int("count", len(records)).
		Msg("fetched page")
	return models.Page{Records: records, Items: len(items)}, nil
}

// FetchEntities returns artist details for up to MaxLimit ids.
func (c *Client) FetchEntities(ctx context.Context, ids []string) ([]models.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxLimit {
		return nil, fmt.Errorf("too many ids in one request: %d > %d", len(ids), MaxLimit)
	}

	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	body, err := c.get(ctx, "/artists", params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %d artists: %w", len(ids), err)
	}

	var out []models.Entity
	for _, a := range gjson.GetBytes(body, "artists").Array() {
		if a.Type == gjson.Null || a.Get("id").String() == "" {
			continue
		}
		out = append(out, parseEntity(a))
	}
	return out, nil
}

func parseEntity(a gjson.Result) models.Entity {
	e := models.Entity{
		ID:           a.Get("id").String(),
		Name:         a.Get("name").String(),
		URI:          a.Get("uri").String(),
		ExternalURLs: rawOr(a.Get("external_urls"), "{}"),
		Images:       rawOr(a.Get("images"), "[]"),
	}
	for _, g := range a.Get("genres").Array() {
		if s := g.String(); s != "" {
			e.Labels = append(e.Labels, s)
		}
	}
	if p := a.Get("popularity"); p.Exists() && p.Type != gjson.Null {
		v := p.Int()
		e.Popularity = &v
	}
	if f := a.Get("followers.total"); f.Exists() && f.Type != gjson.Null {
		v := f.Int()
		e.Followers = &v
	}
	return e
}

func rawOr(r gjson.Result, fallback string) string {
	if !r.Exists() || r.Type == gjson.Null {
		return fallback
	}
	return r.Raw
}

// get performs a rate limited GET with retries and returns the response body.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	return retry.DoValue(ctx, c.policy, "GET "+path, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, fmt.Errorf("failed to create request: %w", err))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, classifyTransportError(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrTransient, fmt.Errorf("failed to read response: %w", err))
		}

		if resp.StatusCode != http.StatusOK {
			return nil, statusError(resp.StatusCode, path, body)
		}
		return body, nil
	})
}

// APIError is a non-2xx response from the source.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source API error %d on %s: %s", e.StatusCode, e.Endpoint, e.Message)
}

func statusError(code int, path string, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	apiErr := &APIError{StatusCode: code, Endpoint: path, Message: msg}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperrors.Wrap(apperrors.ErrAuth, apiErr)
	case code == http.StatusTooManyRequests || code >= 500:
		return apperrors.Wrap(apperrors.ErrTransient, apiErr)
	default:
		return apiErr
	}
}

func classifyTransportError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		if rErr.Response != nil && rErr.Response.StatusCode >= 500 {
			return apperrors.Wrap(apperrors.ErrTransient, err)
		}
		return apperrors.Wrap(apperrors.ErrAuth, fmt.Errorf("token refresh rejected: %w", err))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrTransient, err)
}
