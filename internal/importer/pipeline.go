package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/errorreport"
	"github.com/wikiedu/wikitrack/internal/ores"
	"github.com/wikiedu/wikitrack/internal/replica"
	"github.com/wikiedu/wikitrack/internal/retry"
	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/types"
	"github.com/wikiedu/wikitrack/internal/wikiapi"
)

// Clients builds the external service clients for one wiki. courseID is 0
// when no course is in scope.
type Clients interface {
	EditHistory(wiki types.Wiki, courseID int64) RevisionSource
	Scoring(wiki types.Wiki, courseID int64) (Scorer, error)
	WikiAPI(wiki types.Wiki, courseID int64) ParentSource
}

// HTTPClients creates the real HTTP clients for each wiki. Query API
// clients for the same wiki share one circuit breaker.
type HTTPClients struct {
	Replica  replica.Config
	ORES     ores.Config
	Wiki     wikiapi.Config
	Breaker  retry.BreakerConfig
	Reporter *errorreport.Reporter
	Log      logrus.FieldLogger

	mu       sync.Mutex
	breakers map[string]*retry.CircuitBreaker
}

func (h *HTTPClients) breaker(wiki types.Wiki) *retry.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.breakers == nil {
		h.breakers = make(map[string]*retry.CircuitBreaker)
	}
	name := wiki.String()
	cb, ok := h.breakers[name]
	if !ok {
		cb = retry.NewCircuitBreaker(name, h.Breaker, h.logger())
		h.breakers[name] = cb
	}
	return cb
}

func (h *HTTPClients) logger() logrus.FieldLogger {
	if h.Log == nil {
		return logrus.StandardLogger()
	}
	return h.Log
}

// EditHistory returns a replica client for wiki
func (h *HTTPClients) EditHistory(wiki types.Wiki, courseID int64) RevisionSource {
	opts := []replica.Option{replica.WithLogger(h.logger()), replica.WithReporter(h.Reporter)}
	if courseID != 0 {
		opts = append(opts, replica.WithCourse(courseID))
	}
	return replica.New(wiki, h.Replica, opts...)
}

// Scoring returns a quality-scoring client for wiki
func (h *HTTPClients) Scoring(wiki types.Wiki, courseID int64) (Scorer, error) {
	opts := []ores.Option{ores.WithLogger(h.logger()), ores.WithReporter(h.Reporter)}
	if courseID != 0 {
		opts = append(opts, ores.WithCourse(courseID))
	}
	client, err := ores.New(wiki, h.ORES, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// WikiAPI returns a query API client for wiki
func (h *HTTPClients) WikiAPI(wiki types.Wiki, courseID int64) ParentSource {
	opts := []wikiapi.Option{
		wikiapi.WithLogger(h.logger()),
		wikiapi.WithReporter(h.Reporter),
		wikiapi.WithCircuitBreaker(h.breaker(wiki)),
	}
	if courseID != 0 {
		opts = append(opts, wikiapi.WithCourse(courseID))
	}
	return wikiapi.New(wiki, h.Wiki, opts...)
}

// Pipeline ties the importers to storage and the external services
type Pipeline struct {
	store    storage.Storage
	clients  Clients
	reporter *errorreport.Reporter
	cfg      Config
	lockDir  string
	holder   string
	version  string
	log      logrus.FieldLogger
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithConfig sets the batching settings
func WithConfig(cfg Config) PipelineOption {
	return func(p *Pipeline) { p.cfg = cfg }
}

// WithLockDir sets where per course and wiki run locks are kept.
// An empty dir disables locking.
func WithLockDir(dir string) PipelineOption {
	return func(p *Pipeline) { p.lockDir = dir }
}

// WithVersion is recorded in lock files
func WithVersion(version string) PipelineOption {
	return func(p *Pipeline) { p.version = version }
}

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// WithReporter sets where recovered failures are reported
func WithReporter(r *errorreport.Reporter) PipelineOption {
	return func(p *Pipeline) { p.reporter = r }
}

// NewPipeline creates a pipeline over store
func NewPipeline(store storage.Storage, clients Clients, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:   store,
		clients: clients,
		cfg:     DefaultConfig(),
		version: "dev",
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.reporter == nil {
		p.reporter = errorreport.New(p.log, store)
	}
	host, _ := os.Hostname()
	p.holder = fmt.Sprintf("wikitrack@%s", host)
	return p
}

// ImportRevisionsForCourse imports the course's revisions on each of its
// wikis. Each course and wiki pair runs under an exclusive lock.
func (p *Pipeline) ImportRevisionsForCourse(ctx context.Context, course *types.Course, allTime bool) (*ImportResult, error) {
	wikis, err := p.store.CourseWikis(ctx, course.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load course wikis: %w", err)
	}

	total := &ImportResult{}
	for _, wiki := range wikis {
		result, err := p.importWiki(ctx, course, *wiki, allTime)
		if result != nil {
			total.add(result)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Pipeline) importWiki(ctx context.Context, course *types.Course, wiki types.Wiki, allTime bool) (*ImportResult, error) {
	release, err := p.lock(course.ID, wiki.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	importer := NewRevisionImporter(p.store, wiki, course, p.clients.EditHistory(wiki, course.ID),
		WithImportConfig(p.cfg),
		WithImportReporter(p.reporter),
		WithImportLogger(p.log),
	)
	return importer.ImportRevisionsForCourse(ctx, allTime)
}

func (p *Pipeline) lock(courseID, wikiID int64) (func(), error) {
	if p.lockDir == "" {
		return func() {}, nil
	}
	path := storage.LockPath(p.lockDir, courseID, wikiID)
	if err := storage.AcquireRunLock(path, p.holder, p.version); err != nil {
		return nil, err
	}
	return func() {
		if err := storage.ReleaseRunLock(path); err != nil {
			p.log.WithError(err).WithField("lock", path).Warn("Failed to release run lock")
		}
	}, nil
}

// ImportRevisionsForAllCourses runs an incremental import for every course.
// A course whose lock is held elsewhere is skipped; other failures are
// collected and the remaining courses still run.
func (p *Pipeline) ImportRevisionsForAllCourses(ctx context.Context) (*ImportResult, error) {
	courses, err := p.store.ListCourses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}

	total := &ImportResult{}
	var errs []error
	for _, course := range courses {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		result, err := p.ImportRevisionsForCourse(ctx, course, false)
		if result != nil {
			total.add(result)
		}
		switch {
		case errors.Is(err, storage.ErrLocked):
			p.log.WithField("course", course.Slug).Warn("Import already running, skipping course")
		case err != nil:
			p.log.WithError(err).WithField("course", course.Slug).Error("Course import failed")
			errs = append(errs, fmt.Errorf("course %s: %w", course.Slug, err))
		}
	}
	return total, errors.Join(errs...)
}

// UpdateRevisionScoresForCourse runs current then previous scoring for
// each of the course's wikis that the scoring service supports
func (p *Pipeline) UpdateRevisionScoresForCourse(ctx context.Context, course *types.Course) error {
	wikis, err := p.store.CourseWikis(ctx, course.ID)
	if err != nil {
		return fmt.Errorf("failed to load course wikis: %w", err)
	}

	var errs []error
	for _, wiki := range wikis {
		if !ores.ValidWiki(*wiki) {
			p.log.WithField("wiki", wiki.String()).Debug("Wiki has no quality model, skipping")
			continue
		}
		if err := p.scoreWiki(ctx, *wiki, course.ID); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateRevisionScoresForAllWikis runs current then previous scoring for
// every Wikipedia with a quality model and for Wikidata
func (p *Pipeline) UpdateRevisionScoresForAllWikis(ctx context.Context) error {
	type target struct{ language, project string }
	targets := make([]target, 0, len(ores.AvailableWikipedias)+1)
	for _, lang := range ores.AvailableWikipedias {
		targets = append(targets, target{lang, "wikipedia"})
	}
	targets = append(targets, target{"", "wikidata"})

	var errs []error
	for _, t := range targets {
		wiki, err := p.store.GetOrCreateWiki(ctx, t.language, t.project)
		if err != nil {
			return fmt.Errorf("failed to get wiki %s.%s: %w", t.language, t.project, err)
		}
		if err := p.scoreWiki(ctx, *wiki, 0); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScoreImporter returns a score importer for wiki, limited to courseID
// when it is not 0
func (p *Pipeline) ScoreImporter(wiki types.Wiki, courseID int64) (*RevisionScoreImporter, error) {
	scorer, err := p.clients.Scoring(wiki, courseID)
	if err != nil {
		return nil, err
	}
	opts := []ScoreImporterOption{WithBatchSize(p.cfg.ScoreBatchSize), WithScoreLogger(p.log)}
	if courseID != 0 {
		opts = append(opts, ForCourse(courseID))
	}
	return NewRevisionScoreImporter(p.store, wiki, scorer, p.clients.WikiAPI(wiki, courseID), opts...), nil
}

func (p *Pipeline) scoreWiki(ctx context.Context, wiki types.Wiki, courseID int64) error {
	importer, err := p.ScoreImporter(wiki, courseID)
	if err != nil {
		return fmt.Errorf("wiki %s: %w", wiki.String(), err)
	}

	var errs []error
	current, err := importer.UpdateRevisionScores(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("wiki %s: %w", wiki.String(), err))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	previous, err := importer.UpdatePreviousRevisionScores(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("wiki %s previous: %w", wiki.String(), err))
	}

	fields := logrus.Fields{"wiki": wiki.String()}
	if current != nil {
		fields["scored"] = current.Updated
	}
	if previous != nil {
		fields["previous_scored"] = previous.Updated
	}
	p.log.WithFields(fields).Info("Updated revision scores")
	return errors.Join(errs...)
}

func (r *ImportResult) add(o *ImportResult) {
	r.Fetched += o.Fetched
	r.Articles += o.Articles
	r.Skipped += o.Skipped
	r.Inserted += o.Inserted
	r.Deleted += o.Deleted
}
