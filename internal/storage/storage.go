package storage

import (
	"context"
	"errors"
	"time"

	"github.com/wikiedu/wikitrack/internal/types"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("not found")

	// ErrUnrepresentableText is returned when the database cannot store a
	// string as given (invalid UTF-8, NUL bytes)
	ErrUnrepresentableText = errors.New("text cannot be stored")
)

// Storage defines the interface for the pipeline's persistence backends
type Storage interface {
	// Wikis
	GetOrCreateWiki(ctx context.Context, language, project string) (*types.Wiki, error)
	GetWiki(ctx context.Context, id int64) (*types.Wiki, error)
	ListWikis(ctx context.Context) ([]*types.Wiki, error)

	// Courses and rosters
	UpsertCourse(ctx context.Context, course *types.Course) error
	GetCourse(ctx context.Context, id int64) (*types.Course, error)
	GetCourseBySlug(ctx context.Context, slug string) (*types.Course, error)
	ListCourses(ctx context.Context) ([]*types.Course, error)
	AddCourseWiki(ctx context.Context, courseID, wikiID int64) error
	CourseWikis(ctx context.Context, courseID int64) ([]*types.Wiki, error)
	GetOrCreateUser(ctx context.Context, username string) (*types.User, error)
	EnrollStudent(ctx context.Context, courseID, userID int64) error
	CourseStudents(ctx context.Context, courseID int64) ([]*types.User, error)
	// StudentsWithoutRevisions returns students with no revision inside the
	// course window on any wiki
	StudentsWithoutRevisions(ctx context.Context, course *types.Course) ([]*types.User, error)
	// LatestCourseRevisionDate returns the newest imported revision by the
	// course's students on wikiID inside the course window. ok is false when
	// there is none.
	LatestCourseRevisionDate(ctx context.Context, course *types.Course, wikiID int64) (date time.Time, ok bool, err error)
	UserIDsByUsername(ctx context.Context, usernames []string) (map[string]int64, error)

	// Articles
	// UpsertArticle inserts the article or refreshes its title and namespace,
	// keyed on (mw_page_id, wiki_id), and sets article.ID
	UpsertArticle(ctx context.Context, article *types.Article) error
	GetArticle(ctx context.Context, mwPageID, wikiID int64) (*types.Article, error)
	// ArticlesWithTitle returns non-deleted articles with this title and namespace
	ArticlesWithTitle(ctx context.Context, wikiID int64, title string, namespace int) ([]*types.Article, error)
	// LatestArticleRevisions maps article id to the date of its newest revision
	LatestArticleRevisions(ctx context.Context, articleIDs []int64) (map[int64]time.Time, error)
	MarkArticlesDeleted(ctx context.Context, articleIDs []int64) error

	// Revisions
	ExistingRevisionIDs(ctx context.Context, wikiID int64, mwRevIDs []int64) (map[int64]bool, error)
	// InsertRevisions inserts in one transaction, skipping rows whose
	// (mw_rev_id, wiki_id) already exists, and returns how many were new
	InsertRevisions(ctx context.Context, revisions []*types.Revision) (int, error)
	GetRevision(ctx context.Context, mwRevID, wikiID int64) (*types.Revision, error)

	// Scoring candidates
	UnscoredRevisions(ctx context.Context, filter types.RevisionFilter) ([]*types.Revision, error)
	CountUnscoredRevisions(ctx context.Context, filter types.RevisionFilter) (int, error)
	UnscoredPreviousRevisions(ctx context.Context, filter types.RevisionFilter) ([]*types.Revision, error)
	CountUnscoredPreviousRevisions(ctx context.Context, filter types.RevisionFilter) (int, error)
	// ApplyScores and ApplyPreviousScores write a whole batch or nothing
	ApplyScores(ctx context.Context, wikiID int64, updates []types.ScoreUpdate) error
	ApplyPreviousScores(ctx context.Context, wikiID int64, updates []types.PreviousScoreUpdate) error

	// Update errors
	RecordUpdateError(ctx context.Context, e *types.UpdateError) error
	ListUpdateErrors(ctx context.Context, courseID int64, limit int) ([]*types.UpdateError, error)

	// Statistics
	GetStatistics(ctx context.Context) (*types.Statistics, error)

	// Lifecycle
	Close() error
}

// Backend names accepted in Config.Backend
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds database configuration
type Config struct {
	// Backend is "sqlite" (default) or "postgres"
	Backend string `yaml:"backend"`

	// Path is the SQLite database file path.
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string
	DSN string `yaml:"dsn"`

	// LockDir holds per course/wiki run locks. Defaults to the directory of Path.
	LockDir string `yaml:"lock_dir"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendSQLite,
		Path:    ".wikitrack/wikitrack.db",
	}
}
