// Package replica is a thin client for the edit-history service that serves
// course editors' revisions out of the wiki database replicas.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/errorreport"
	"github.com/wikiedu/wikitrack/internal/retry"
	"github.com/wikiedu/wikitrack/internal/types"
	"golang.org/x/time/rate"
)

// DefaultEndpoint is the public edit-history service
const DefaultEndpoint = "https://replica-revision-tools.wmcloud.org"

// timestampFormat is the replica's rev_timestamp layout
const timestampFormat = "20060102150405"

// Config holds client settings
type Config struct {
	Endpoint          string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             retry.Policy
}

// DefaultConfig returns the default client settings
func DefaultConfig() Config {
	return Config{
		Endpoint:          DefaultEndpoint,
		UserAgent:         "wikitrack/1.0 (https://github.com/wikiedu/wikitrack)",
		Timeout:           60 * time.Second,
		RequestsPerSecond: 2,
		Retry:             retry.DefaultPolicy(),
	}
}

// Article is the page a group of revisions belongs to
type Article struct {
	MwPageID  int64
	Title     string
	Namespace int
}

// Revision is one edit as reported by the service
type Revision struct {
	MwRevID    int64
	MwPageID   int64
	Date       time.Time
	Characters int
	Username   string
	NewArticle bool
	System     bool
	WikiID     int64
}

// ArticleRevisions groups revisions by article
type ArticleRevisions struct {
	Article   Article
	Revisions []Revision
}

// StatusError is a non-200 response from the service
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("replica returned status %d", e.StatusCode)
}

// HTTPStatus implements retry.StatusCoder
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// ErrUnsuccessful is returned when the service answers with success=false
var ErrUnsuccessful = errors.New("replica query was not successful")

// Client queries revisions for one wiki
type Client struct {
	wiki     types.Wiki
	cfg      Config
	http     *http.Client
	limiter  *rate.Limiter
	retrier  *retry.Retrier
	reporter *errorreport.Reporter
	courseID *int64
	log      logrus.FieldLogger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
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

// New creates a client for wiki
func New(wiki types.Wiki, cfg Config, opts ...Option) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	c := &Client{
		wiki:    wiki,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("wiki", wiki.String())
	c.retrier = retry.New(cfg.Retry, retry.ClassifyTransport, retry.WithLogger(c.log))
	if c.reporter == nil {
		c.reporter = errorreport.New(c.log, nil)
	}
	return c
}

// GetRevisions returns the revisions made by usernames between start and
// end (inclusive YYYYMMDD dates), grouped by article in first-seen order.
//
// Like the wiki API client, it returns (nil, nil) when the service cannot
// answer this cycle and reports the failure.
func (c *Client) GetRevisions(ctx context.Context, usernames []string, start, end string) ([]ArticleRevisions, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	values := url.Values{}
	if c.wiki.Language != "" {
		values.Set("lang", c.wiki.Language)
	}
	values.Set("project", c.wiki.Project)
	for _, name := range usernames {
		values.Add("usernames[]", name)
	}
	values.Set("start", start)
	values.Set("end", end)

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/revisions.php"
	rows, err := retry.Do(ctx, c.retrier, "get_revisions", func(ctx context.Context) ([]json.RawMessage, error) {
		return c.fetch(ctx, endpoint, values)
	})
	if err != nil {
		rep := errorreport.Report{
			Err:      err,
			Action:   "get_revisions",
			Query:    map[string]interface{}{"usernames": usernames, "start": start, "end": end},
			APIURL:   endpoint,
			CourseID: c.courseID,
		}
		if errors.Is(err, retry.ErrExhausted) || errors.Is(err, ErrUnsuccessful) {
			rep.Severity = errorreport.SeverityWarning
			c.reporter.Report(ctx, rep)
			return nil, nil
		}
		c.reporter.Report(ctx, rep)
		return nil, err
	}

	return c.group(rows), nil
}

func (c *Client) fetch(ctx context.Context, endpoint string, values url.Values) ([]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Success bool              `json:"success"`
		Data    []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode replica response: %w", err)
	}
	if !payload.Success {
		return nil, ErrUnsuccessful
	}
	return payload.Data, nil
}

// group parses rows and groups them by page id. Rows that fail to parse
// are logged and skipped.
func (c *Client) group(rows []json.RawMessage) []ArticleRevisions {
	var out []ArticleRevisions
	index := make(map[int64]int)

	for _, raw := range rows {
		var r row
		if err := json.Unmarshal(raw, &r); err != nil {
			c.log.Warnf("skipping malformed replica row: %v", err)
			continue
		}
		date, err := time.Parse(timestampFormat, string(r.Timestamp))
		if err != nil {
			c.log.Warnf("skipping replica row %d with bad timestamp %q", int64(r.RevID), r.Timestamp)
			continue
		}

		pageID := int64(r.PageID)
		i, ok := index[pageID]
		if !ok {
			i = len(out)
			index[pageID] = i
			out = append(out, ArticleRevisions{Article: Article{
				MwPageID:  pageID,
				Title:     r.Title,
				Namespace: int(r.Namespace),
			}})
		}
		out[i].Revisions = append(out[i].Revisions, Revision{
			MwRevID:    int64(r.RevID),
			MwPageID:   pageID,
			Date:       date.UTC(),
			Characters: int(r.ByteChange),
			Username:   r.Username,
			NewArticle: bool(r.NewArticle),
			System:     bool(r.System),
			WikiID:     c.wiki.ID,
		})
	}
	return out
}
