// Package importer runs the revision import and quality-scoring pipeline
// for courses and wikis.
package importer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/errorreport"
	"github.com/wikiedu/wikitrack/internal/replica"
	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/types"
)

// RevisionSource fetches users' edit history. A nil result with no error
// means no data this cycle.
type RevisionSource interface {
	GetRevisions(ctx context.Context, usernames []string, start, end string) ([]replica.ArticleRevisions, error)
}

// ImportResult summarizes one revision import
type ImportResult struct {
	Fetched  int // article entries returned by the edit-history service
	Articles int // articles upserted
	Skipped  int // revisions already stored
	Inserted int // revisions newly stored
	Deleted  int // duplicate articles marked deleted
}

// RevisionImporter imports a course's revisions on one wiki
type RevisionImporter struct {
	store    storage.Storage
	wiki     types.Wiki
	course   *types.Course
	source   RevisionSource
	reporter *errorreport.Reporter
	dedup    *DuplicateResolver
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

// RevisionImporterOption configures a RevisionImporter
type RevisionImporterOption func(*RevisionImporter)

// WithImportConfig overrides the batching settings
func WithImportConfig(cfg Config) RevisionImporterOption {
	return func(i *RevisionImporter) { i.cfg = cfg }
}

// WithImportReporter sets where recovered failures are reported
func WithImportReporter(r *errorreport.Reporter) RevisionImporterOption {
	return func(i *RevisionImporter) { i.reporter = r }
}

// WithImportLogger sets the logger
func WithImportLogger(log logrus.FieldLogger) RevisionImporterOption {
	return func(i *RevisionImporter) { i.log = log }
}

// WithClock replaces time.Now, which anchors the end of the import window
func WithClock(now func() time.Time) RevisionImporterOption {
	return func(i *RevisionImporter) { i.now = now }
}

// NewRevisionImporter creates an importer for course's revisions on wiki
func NewRevisionImporter(store storage.Storage, wiki types.Wiki, course *types.Course, source RevisionSource, opts ...RevisionImporterOption) *RevisionImporter {
	i := &RevisionImporter{
		store:  store,
		wiki:   wiki,
		course: course,
		source: source,
		cfg:    DefaultConfig(),
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.log = i.log.WithFields(logrus.Fields{"wiki": wiki.String(), "course": course.Slug})
	if i.reporter == nil {
		i.reporter = errorreport.New(i.log, nil)
	}
	i.dedup = NewDuplicateResolver(store, i.log)
	return i
}

// ImportRevisionsForCourse fetches and stores the course's revisions.
//
// With allTime every student's history is fetched from the course start.
// Otherwise students without revisions in the course window are fetched
// from the course start and the rest from the date of the newest revision
// already imported for this course and wiki.
func (i *RevisionImporter) ImportRevisionsForCourse(ctx context.Context, allTime bool) (*ImportResult, error) {
	data, err := i.fetchForCourse(ctx, allTime)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Fetched: len(data)}
	slices := ceilDiv(len(data), i.cfg.SliceSize)
	for n, start := 0, 0; start < len(data); n, start = n+1, start+i.cfg.SliceSize {
		end := start + i.cfg.SliceSize
		if end > len(data) {
			end = len(data)
		}
		i.log.WithField("slice", fmt.Sprintf("%d/%d", n+1, slices)).Debug("Importing revisions slice")
		if err := i.importSlice(ctx, data[start:end], result); err != nil {
			return result, err
		}
	}

	i.log.WithFields(logrus.Fields{
		"fetched":  result.Fetched,
		"inserted": result.Inserted,
		"skipped":  result.Skipped,
	}).Info("Imported revisions")
	return result, nil
}

func (i *RevisionImporter) fetchForCourse(ctx context.Context, allTime bool) ([]replica.ArticleRevisions, error) {
	courseStart := i.course.StartDate()
	end := i.endOfUpdatePeriod()

	students, err := i.store.CourseStudents(ctx, i.course.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load students: %w", err)
	}
	if allTime {
		return i.getRevisions(ctx, students, courseStart, end)
	}

	newUsers, err := i.store.StudentsWithoutRevisions(ctx, i.course)
	if err != nil {
		return nil, fmt.Errorf("failed to load new students: %w", err)
	}
	isNew := make(map[int64]bool, len(newUsers))
	for _, u := range newUsers {
		isNew[u.ID] = true
	}
	var oldUsers []*types.User
	for _, u := range students {
		if !isNew[u.ID] {
			oldUsers = append(oldUsers, u)
		}
	}

	var results []replica.ArticleRevisions
	if len(newUsers) > 0 {
		part, err := i.getRevisions(ctx, newUsers, courseStart, end)
		if err != nil {
			return nil, err
		}
		results = append(results, part...)
	}
	if len(oldUsers) > 0 {
		start, err := i.oldUsersStart(ctx)
		if err != nil {
			return nil, err
		}
		part, err := i.getRevisions(ctx, oldUsers, start, end)
		if err != nil {
			return nil, err
		}
		results = append(results, part...)
	}
	return results, nil
}

// oldUsersStart is the day of the newest revision already imported for the
// course on this wiki, or the course start when there is none
func (i *RevisionImporter) oldUsersStart(ctx context.Context) (string, error) {
	latest, ok, err := i.store.LatestCourseRevisionDate(ctx, i.course, i.wiki.ID)
	if err != nil {
		return "", fmt.Errorf("failed to find latest course revision: %w", err)
	}
	if !ok {
		return i.course.StartDate(), nil
	}
	return latest.UTC().Format(types.DateFormat), nil
}

func (i *RevisionImporter) endOfUpdatePeriod() string {
	return i.now().UTC().Add(i.cfg.FutureSlack).Format(types.DateFormat)
}

// getRevisions fetches in blocks of UsersPerRequest and concatenates the results
func (i *RevisionImporter) getRevisions(ctx context.Context, users []*types.User, start, end string) ([]replica.ArticleRevisions, error) {
	var results []replica.ArticleRevisions
	for from := 0; from < len(users); from += i.cfg.UsersPerRequest {
		to := from + i.cfg.UsersPerRequest
		if to > len(users) {
			to = len(users)
		}
		names := make([]string, 0, to-from)
		for _, u := range users[from:to] {
			names = append(names, u.Username)
		}

		block, err := i.source.GetRevisions(ctx, names, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to get revisions: %w", err)
		}
		results = append(results, block...)
	}
	return results, nil
}

func (i *RevisionImporter) importSlice(ctx context.Context, slice []replica.ArticleRevisions, result *ImportResult) error {
	var revIDs []int64
	usernames := map[string]bool{}
	for _, entry := range slice {
		for _, rev := range entry.Revisions {
			revIDs = append(revIDs, rev.MwRevID)
			if rev.Username != "" {
				usernames[rev.Username] = true
			}
		}
	}

	existing, err := i.store.ExistingRevisionIDs(ctx, i.wiki.ID, revIDs)
	if err != nil {
		return fmt.Errorf("failed to check existing revisions: %w", err)
	}
	names := make([]string, 0, len(usernames))
	for name := range usernames {
		names = append(names, name)
	}
	userIDs, err := i.store.UserIDsByUsername(ctx, names)
	if err != nil {
		return fmt.Errorf("failed to resolve usernames: %w", err)
	}

	articles := make([]*types.Article, 0, len(slice))
	pending := make(map[int64]time.Time)
	var revisions []*types.Revision
	for _, entry := range slice {
		article, err := i.upsertArticle(ctx, entry.Article)
		if err != nil {
			return err
		}
		articles = append(articles, article)
		result.Articles++

		for _, rev := range entry.Revisions {
			if existing[rev.MwRevID] {
				result.Skipped++
				continue
			}
			// The same revision may appear twice within one fetch
			existing[rev.MwRevID] = true
			revisions = append(revisions, i.revisionFromData(rev, article, userIDs))
			if rev.Date.After(pending[article.ID]) {
				pending[article.ID] = rev.Date
			}
		}
	}

	deleted, err := i.dedup.ResolveDuplicates(ctx, articles, pending)
	if err != nil {
		return fmt.Errorf("failed to resolve duplicate articles: %w", err)
	}
	result.Deleted += len(deleted)

	inserted, err := i.store.InsertRevisions(ctx, revisions)
	if err != nil {
		return fmt.Errorf("failed to insert revisions: %w", err)
	}
	result.Inserted += inserted
	return nil
}

// upsertArticle stores the article. A title the database cannot represent
// is reported and stored query-escaped instead.
func (i *RevisionImporter) upsertArticle(ctx context.Context, data replica.Article) (*types.Article, error) {
	article := &types.Article{
		MwPageID:  data.MwPageID,
		WikiID:    i.wiki.ID,
		Title:     data.Title,
		Namespace: data.Namespace,
	}
	err := i.store.UpsertArticle(ctx, article)
	if err == nil {
		return article, nil
	}
	if !errors.Is(err, storage.ErrUnrepresentableText) {
		return nil, fmt.Errorf("failed to upsert article %d: %w", data.MwPageID, err)
	}

	courseID := i.course.ID
	i.reporter.Report(ctx, errorreport.Report{
		Err:      err,
		Severity: errorreport.SeverityWarning,
		Action:   "upsert_article",
		Query:    map[string]interface{}{"mw_page_id": data.MwPageID, "wiki_id": i.wiki.ID},
		CourseID: &courseID,
	})

	article.Title = url.QueryEscape(data.Title)
	if err := i.store.UpsertArticle(ctx, article); err != nil {
		return nil, fmt.Errorf("failed to upsert article %d with escaped title: %w", data.MwPageID, err)
	}
	return article, nil
}

func (i *RevisionImporter) revisionFromData(rev replica.Revision, article *types.Article, userIDs map[string]int64) *types.Revision {
	r := &types.Revision{
		MwRevID:    rev.MwRevID,
		WikiID:     i.wiki.ID,
		ArticleID:  article.ID,
		MwPageID:   rev.MwPageID,
		Date:       rev.Date,
		Characters: rev.Characters,
		NewArticle: rev.NewArticle,
		System:     rev.System,
	}
	if id, ok := userIDs[rev.Username]; ok {
		r.UserID = &id
	}
	return r
}
