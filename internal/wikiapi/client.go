// Package wikiapi is a client for a MediaWiki action API.
//
// Query failures are handled in one place: transient failures are retried,
// and a failure that leaves no data for this cycle is reported and turned
// into a nil response. Only unexpected errors reach the caller.
package wikiapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/errorreport"
	"github.com/wikiedu/wikitrack/internal/retry"
	"github.com/wikiedu/wikitrack/internal/types"
	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies the pipeline to wiki operators
const DefaultUserAgent = "wikitrack/1.0 (https://github.com/wikiedu/wikitrack)"

// Config holds client settings
type Config struct {
	UserAgent         string        // User-Agent header (default: DefaultUserAgent)
	Timeout           time.Duration // HTTP client timeout (default: 30s)
	RequestsPerSecond float64       // Request pacing, 0 = unlimited (default: 5)
	Burst             int           // Limiter burst (default: 1)
	Retry             retry.Policy
}

// DefaultConfig returns the default client settings
func DefaultConfig() Config {
	return Config{
		UserAgent:         DefaultUserAgent,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 5,
		Burst:             1,
		Retry:             retry.DefaultPolicy(),
	}
}

// Params are query parameters; action=query and format=json are implied
type Params map[string]string

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Response is one successful query response
type Response struct {
	Status   int
	Body     []byte
	Query    map[string]interface{}
	Continue map[string]string
}

type envelope struct {
	Query    map[string]interface{} `json:"query"`
	Continue map[string]interface{} `json:"continue"`
	Error    *APIError              `json:"error"`
}

// Client talks to the API of a single wiki
type Client struct {
	wiki      types.Wiki
	apiURL    string
	indexURL  string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	retrier   *retry.Retrier
	breaker   *retry.CircuitBreaker
	reporter  *errorreport.Reporter
	courseID  *int64
	log       logrus.FieldLogger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithEndpoints points the client at non-default api.php and index.php URLs
func WithEndpoints(apiURL, indexURL string) Option {
	return func(c *Client) {
		c.apiURL = apiURL
		c.indexURL = indexURL
	}
}

// WithReporter sets where failures are reported
func WithReporter(r *errorreport.Reporter) Option {
	return func(c *Client) { c.reporter = r }
}

// WithCourse attaches failure reports to a course
func WithCourse(courseID int64) Option {
	return func(c *Client) { c.courseID = &courseID }
}

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// WithCircuitBreaker shares a breaker between clients of the same wiki
func WithCircuitBreaker(cb *retry.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// New creates a client for wiki
func New(wiki types.Wiki, cfg Config, opts ...Option) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	c := &Client{
		wiki:      wiki,
		apiURL:    wiki.APIURL(),
		indexURL:  wiki.IndexURL(),
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("wiki", wiki.String())
	retryOpts := []retry.Option{retry.WithLogger(c.log)}
	if c.breaker != nil {
		retryOpts = append(retryOpts, retry.WithCircuitBreaker(c.breaker))
	}
	c.retrier = retry.New(cfg.Retry, classify, retryOpts...)
	if c.reporter == nil {
		c.reporter = errorreport.New(c.log, nil)
	}
	return c
}

// Wiki returns the wiki this client talks to
func (c *Client) Wiki() types.Wiki {
	return c.wiki
}

// Query runs one query request.
//
// It returns (nil, nil) when no data is available this cycle: retries were
// exhausted, the circuit is open, or the wiki answered with a structured
// error. Such failures are reported. Other errors are reported and returned.
func (c *Client) Query(ctx context.Context, params Params) (*Response, error) {
	resp, err := retry.Do(ctx, c.retrier, "query", func(ctx context.Context) (*Response, error) {
		return c.query(ctx, params)
	})
	if err == nil {
		return resp, nil
	}
	return nil, c.handleFailure(ctx, err, "query", params)
}

// FetchAll follows continuation tokens until the wiki stops sending them and
// returns the deep-merged query payloads. A failed request ends the fold
// early; whatever was gathered up to then is returned.
func (c *Client) FetchAll(ctx context.Context, params Params) (map[string]interface{}, error) {
	acc := map[string]interface{}{}
	query := params.clone()
	var last string

	for {
		resp, err := c.Query(ctx, query)
		if err != nil {
			return acc, err
		}
		if resp == nil {
			return acc, nil
		}
		acc = DeepMerge(acc, resp.Query)

		if len(resp.Continue) == 0 {
			return acc, nil
		}
		token := continueKey(resp.Continue)
		if token == last {
			c.log.WithField("continue", token).Warn("wiki repeated a continuation token, stopping")
			return acc, nil
		}
		last = token
		for k, v := range resp.Continue {
			query[k] = v
		}
	}
}

func (c *Client) query(ctx context.Context, params Params) (*Response, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("action", "query")
	values.Set("format", "json")

	status, body, err := c.get(ctx, c.apiURL, values)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &HTTPError{StatusCode: status, URL: c.apiURL}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	if env.Error != nil {
		return nil, env.Error
	}
	return &Response{
		Status:   status,
		Body:     body,
		Query:    env.Query,
		Continue: stringify(env.Continue),
	}, nil
}

func (c *Client) get(ctx context.Context, endpoint string, values url.Values) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+values.Encode(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// handleFailure reports err and decides whether the caller sees it
func (c *Client) handleFailure(ctx context.Context, err error, action string, params Params) error {
	var apiErr *APIError
	expected := errors.Is(err, retry.ErrExhausted) ||
		errors.Is(err, retry.ErrCircuitOpen) ||
		errors.As(err, &apiErr)

	rep := errorreport.Report{
		Err:      err,
		Action:   action,
		Query:    params,
		APIURL:   c.apiURL,
		CourseID: c.courseID,
	}
	if expected {
		rep.Severity = errorreport.SeverityWarning
		c.reporter.Report(ctx, rep)
		return nil
	}
	c.reporter.Report(ctx, rep)
	return err
}

func stringify(m map[string]interface{}) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = fmt.Sprintf("%v", int64(val))
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

func continueKey(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte('&')
	}
	return b.String()
}
