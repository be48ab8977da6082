// Package ores is a thin client for the revision quality-scoring service.
package ores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/errorreport"
	"github.com/wikiedu/wikitrack/internal/retry"
	"github.com/wikiedu/wikitrack/internal/types"
	"golang.org/x/sync/errgroup"
)

// DefaultEndpoint is the public scoring service
const DefaultEndpoint = "https://ores.wikimedia.org"

// RevsPerRequest is how many revisions the score importer hands the client at once
const RevsPerRequest = 50

// AvailableWikipedias are the Wikipedia languages with an article quality model
var AvailableWikipedias = []string{"en", "eu", "fa", "fr", "ru", "simple", "tr"}

// ErrInvalidProject is returned for wikis that are neither a Wikipedia nor Wikidata
var ErrInvalidProject = errors.New("scoring is only available for wikipedia and wikidata")

// ValidWiki reports whether the service can score revisions of wiki
func ValidWiki(wiki types.Wiki) bool {
	if wiki.Project == "wikidata" {
		return true
	}
	if wiki.Project != "wikipedia" {
		return false
	}
	for _, lang := range AvailableWikipedias {
		if wiki.Language == lang {
			return true
		}
	}
	return false
}

// WikiKey is the top-level key of a wiki in score responses, e.g. enwiki
func WikiKey(wiki types.Wiki) string {
	if wiki.Language != "" {
		return wiki.Language + "wiki"
	}
	return wiki.Project + "wiki"
}

// ModelKey names the quality model used for wiki
func ModelKey(wiki types.Wiki) string {
	if wiki.Project == "wikidata" {
		return "itemquality"
	}
	return "articlequality"
}

// Config holds client settings
type Config struct {
	Endpoint    string
	UserAgent   string
	Timeout     time.Duration
	IDsPerCall  int // Revision ids per HTTP call (default: 10)
	Concurrency int // Parallel HTTP calls per batch (default: 5)
	Retry       retry.Policy
}

// DefaultConfig returns the default client settings
func DefaultConfig() Config {
	return Config{
		Endpoint:    DefaultEndpoint,
		UserAgent:   "wikitrack/1.0 (https://github.com/wikiedu/wikitrack)",
		Timeout:     60 * time.Second,
		IDsPerCall:  10,
		Concurrency: 5,
		Retry:       retry.DefaultPolicy(),
	}
}

// Score is a model prediction with its class probabilities
type Score struct {
	Prediction  string             `json:"prediction"`
	Probability map[string]float64 `json:"probability"`
}

// ScoreError explains why a revision could not be scored
type ScoreError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ModelResult is one model's output for one revision
type ModelResult struct {
	Features types.Features `json:"features,omitempty"`
	Score    *Score         `json:"score,omitempty"`
	Error    *ScoreError    `json:"error,omitempty"`
}

// RevisionScore maps model key to result
type RevisionScore map[string]ModelResult

// WikiScores holds every scored revision of one wiki, keyed by revision id
type WikiScores struct {
	Scores map[string]RevisionScore `json:"scores"`
}

// Result maps wiki key to that wiki's scores
type Result map[string]WikiScores

// Scores returns the scores for wikiKey, never nil
func (r Result) Scores(wikiKey string) map[string]RevisionScore {
	if ws, ok := r[wikiKey]; ok && ws.Scores != nil {
		return ws.Scores
	}
	return map[string]RevisionScore{}
}

// StatusError is a non-200 response from the service
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scoring service returned status %d", e.StatusCode)
}

// HTTPStatus implements retry.StatusCoder
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Client requests scores for revisions of one wiki
type Client struct {
	wiki     types.Wiki
	cfg      Config
	wikiKey  string
	modelKey string
	http     *http.Client
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

// New creates a client for wiki. Only Wikipedia and Wikidata can be scored.
func New(wiki types.Wiki, cfg Config, opts ...Option) (*Client, error) {
	if wiki.Project != "wikipedia" && wiki.Project != "wikidata" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProject, wiki.String())
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.IDsPerCall < 1 {
		cfg.IDsPerCall = DefaultConfig().IDsPerCall
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	c := &Client{
		wiki:     wiki,
		cfg:      cfg,
		wikiKey:  WikiKey(wiki),
		modelKey: ModelKey(wiki),
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("wiki", wiki.String())
	c.retrier = retry.New(cfg.Retry, retry.ClassifyTransport, retry.WithLogger(c.log))
	if c.reporter == nil {
		c.reporter = errorreport.New(c.log, nil)
	}
	return c, nil
}

// WikiKey returns the wiki key used in responses
func (c *Client) WikiKey() string { return c.wikiKey }

// ModelKey returns the model requested for this wiki
func (c *Client) ModelKey() string { return c.modelKey }

// GetRevisionData scores revIDs. The ids are split across up to
// Concurrency parallel calls and the answers are merged.
//
// A batch is answered whole or not at all: when any call keeps failing
// transiently it is reported and the result is empty. Any other failure
// is reported and returned.
func (c *Client) GetRevisionData(ctx context.Context, revIDs []int64) (Result, error) {
	result := Result{}
	if len(revIDs) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for start := 0; start < len(revIDs); start += c.cfg.IDsPerCall {
		end := start + c.cfg.IDsPerCall
		if end > len(revIDs) {
			end = len(revIDs)
		}
		ids := revIDs[start:end]

		g.Go(func() error {
			part, err := c.fetch(gctx, ids)
			if err != nil {
				return err
			}
			mu.Lock()
			merge(result, part)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, retry.ErrExhausted) {
			return Result{}, nil
		}
		return nil, err
	}
	return result, nil
}

// fetch runs one HTTP call under the retry policy and reports its failure
func (c *Client) fetch(ctx context.Context, ids []int64) (Result, error) {
	endpoint, query := c.requestURL(ids)
	part, err := retry.Do(ctx, c.retrier, "get_revision_data", func(ctx context.Context) (Result, error) {
		return c.get(ctx, endpoint+"?"+query)
	})
	if err == nil {
		return part, nil
	}

	rep := errorreport.Report{
		Err:      err,
		Action:   "get_revision_data",
		Query:    query,
		APIURL:   endpoint,
		CourseID: c.courseID,
	}
	if ctx.Err() != nil {
		// a sibling call failed and canceled the group
		return nil, err
	}
	if errors.Is(err, retry.ErrExhausted) {
		rep.Severity = errorreport.SeverityWarning
	}
	c.reporter.Report(ctx, rep)
	return nil, err
}

func (c *Client) requestURL(ids []int64) (string, string) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	values := url.Values{}
	values.Set("models", c.modelKey)
	values.Set("features", "true")
	values.Set("revids", strings.Join(parts, "|"))
	endpoint := fmt.Sprintf("%s/v3/scores/%s/", strings.TrimRight(c.cfg.Endpoint, "/"), c.wikiKey)
	return endpoint, values.Encode()
}

func (c *Client) get(ctx context.Context, target string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
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

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode scores: %w", err)
	}
	return result, nil
}

func merge(dst, src Result) {
	for wikiKey, ws := range src {
		into, ok := dst[wikiKey]
		if !ok || into.Scores == nil {
			into = WikiScores{Scores: map[string]RevisionScore{}}
		}
		for revID, score := range ws.Scores {
			into.Scores[revID] = score
		}
		dst[wikiKey] = into
	}
}
