// Package scheduler runs the import and scoring pipeline on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/config"
	"github.com/wikiedu/wikitrack/internal/importer"
	"github.com/wikiedu/wikitrack/internal/types"
)

// Pipeline is the part of importer.Pipeline the scheduler drives
type Pipeline interface {
	ImportRevisionsForAllCourses(ctx context.Context) (*importer.ImportResult, error)
	UpdateRevisionScoresForCourse(ctx context.Context, course *types.Course) error
	UpdateRevisionScoresForAllWikis(ctx context.Context) error
}

// CourseLister lists the courses to score after an import
type CourseLister interface {
	ListCourses(ctx context.Context) ([]*types.Course, error)
}

// Scheduler runs two jobs: the import cycle (incremental import for every
// course followed by scoring of each course's wikis) and scoring for every
// supported wiki. A job still running when its next tick fires is skipped.
type Scheduler struct {
	cron     *cron.Cron
	pipeline Pipeline
	courses  CourseLister
	log      logrus.FieldLogger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	started bool
}

// Parser accepts standard five-field specs and descriptors like @every 1h
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a scheduler for the specs in cfg. Empty specs are not scheduled.
func New(pipeline Pipeline, courses CourseLister, cfg config.ScheduleConfig, log logrus.FieldLogger) (*Scheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "scheduler")
	clog := cronLogger{log}

	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		pipeline: pipeline,
		courses:  courses,
		log:      log,
		entries:  map[string]cron.EntryID{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"import", cfg.Import, s.RunImportCycle},
		{"all_wikis", cfg.AllWikis, s.RunAllWikisScoring},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if err := s.add(job.name, job.spec, job.run); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, run func(context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		log := s.log.WithField("job", name)
		log.Info("Job started")
		if err := run(s.ctx); err != nil {
			log.WithError(err).WithField("elapsed", time.Since(start).Round(time.Millisecond)).Error("Job failed")
			return
		}
		log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("Job finished")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s job (%q): %w", name, spec, err)
	}
	s.entries[name] = id
	return nil
}

// Jobs returns the names of scheduled jobs with their next run time
func (s *Scheduler) Jobs() map[string]time.Time {
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop cancels running jobs and waits for them to return or for ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	if !s.started {
		return nil
	}
	s.started = false

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunImportCycle imports new revisions for every course, then scores each
// course's wikis. Scoring still runs when some course imports failed.
func (s *Scheduler) RunImportCycle(ctx context.Context) error {
	var errs []error
	result, err := s.pipeline.ImportRevisionsForAllCourses(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		errs = append(errs, fmt.Errorf("import: %w", err))
	}
	if result != nil {
		s.log.WithFields(logrus.Fields{
			"inserted": result.Inserted,
			"skipped":  result.Skipped,
		}).Info("Import cycle imported revisions")
	}

	courses, err := s.courses.ListCourses(ctx)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to list courses: %w", err))...)
	}
	for _, course := range courses {
		if err := s.pipeline.UpdateRevisionScoresForCourse(ctx, course); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, fmt.Errorf("scores for %s: %w", course.Slug, err))
		}
	}
	return errors.Join(errs...)
}

// RunAllWikisScoring scores every supported wiki regardless of course
func (s *Scheduler) RunAllWikisScoring(ctx context.Context) error {
	return s.pipeline.UpdateRevisionScoresForAllWikis(ctx)
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
