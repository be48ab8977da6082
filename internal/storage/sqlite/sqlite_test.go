package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/types"
)

func setupTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// fixture is a course with two students on enwiki
type fixture struct {
	wiki    *types.Wiki
	course  *types.Course
	alice   *types.User
	bob     *types.User
	article *types.Article
}

func setupFixture(t *testing.T, store *SQLiteStorage) fixture {
	t.Helper()
	ctx := context.Background()

	wiki, err := store.GetOrCreateWiki(ctx, "en", "wikipedia")
	require.NoError(t, err)

	course := &types.Course{
		Slug:       "Uni/Course_(Spring_2023)",
		Title:      "Course",
		Start:      time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC),
		HomeWikiID: wiki.ID,
	}
	require.NoError(t, store.UpsertCourse(ctx, course))

	alice, err := store.GetOrCreateUser(ctx, "Alice")
	require.NoError(t, err)
	bob, err := store.GetOrCreateUser(ctx, "Bob")
	require.NoError(t, err)
	require.NoError(t, store.EnrollStudent(ctx, course.ID, alice.ID))
	require.NoError(t, store.EnrollStudent(ctx, course.ID, bob.ID))

	article := &types.Article{MwPageID: 100, WikiID: wiki.ID, Title: "Selfie", Namespace: 0}
	require.NoError(t, store.UpsertArticle(ctx, article))

	return fixture{wiki: wiki, course: course, alice: alice, bob: bob, article: article}
}

func revision(f fixture, mwRevID int64, user *types.User, date time.Time) *types.Revision {
	r := &types.Revision{
		MwRevID:    mwRevID,
		WikiID:     f.wiki.ID,
		ArticleID:  f.article.ID,
		MwPageID:   f.article.MwPageID,
		Date:       date,
		Characters: 10,
	}
	if user != nil {
		r.UserID = &user.ID
	}
	return r
}

func TestNewAppliesMigrations(t *testing.T) {
	store := setupTestStorage(t)
	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Migrations().Latest(), version)
}

func TestInMemoryDatabase(t *testing.T) {
	store, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetOrCreateWiki(context.Background(), "en", "wikipedia")
	assert.NoError(t, err)
}

func TestGetOrCreateWiki(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)

	en, err := store.GetOrCreateWiki(ctx, "en", "wikipedia")
	require.NoError(t, err)
	again, err := store.GetOrCreateWiki(ctx, "en", "wikipedia")
	require.NoError(t, err)
	assert.Equal(t, en.ID, again.ID)

	wd, err := store.GetOrCreateWiki(ctx, "", "wikidata")
	require.NoError(t, err)
	assert.NotEqual(t, en.ID, wd.ID)

	_, err = store.GetOrCreateWiki(ctx, "en", "myspace")
	assert.Error(t, err)

	got, err := store.GetWiki(ctx, wd.ID)
	require.NoError(t, err)
	assert.Equal(t, "wikidata", got.Project)
	assert.Equal(t, "", got.Language)

	_, err = store.GetWiki(ctx, 9999)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	wikis, err := store.ListWikis(ctx)
	require.NoError(t, err)
	assert.Len(t, wikis, 2)
}

func TestCourses(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	got, err := store.GetCourseBySlug(ctx, f.course.Slug)
	require.NoError(t, err)
	assert.Equal(t, f.course.ID, got.ID)
	assert.True(t, f.course.Start.Equal(got.Start))
	assert.True(t, f.course.End.Equal(got.End))

	// Upserting by slug keeps the ID
	f.course.Title = "Renamed"
	id := f.course.ID
	require.NoError(t, store.UpsertCourse(ctx, f.course))
	assert.Equal(t, id, f.course.ID)
	got, err = store.GetCourse(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	_, err = store.GetCourseBySlug(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	wd, err := store.GetOrCreateWiki(ctx, "", "wikidata")
	require.NoError(t, err)
	require.NoError(t, store.AddCourseWiki(ctx, id, wd.ID))
	require.NoError(t, store.AddCourseWiki(ctx, id, wd.ID))
	wikis, err := store.CourseWikis(ctx, id)
	require.NoError(t, err)
	require.Len(t, wikis, 2)
	assert.Equal(t, f.wiki.ID, wikis[0].ID)

	courses, err := store.ListCourses(ctx)
	require.NoError(t, err)
	assert.Len(t, courses, 1)

	students, err := store.CourseStudents(ctx, id)
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Equal(t, "Alice", students[0].Username)
}

func TestStudentsWithoutRevisionsAndLatestDate(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	_, ok, err := store.LatestCourseRevisionDate(ctx, f.course, f.wiki.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	before := time.Date(2022, 12, 1, 0, 0, 0, 0, time.UTC)
	inside := time.Date(2023, 3, 10, 8, 30, 0, 0, time.UTC)
	lastDay := time.Date(2023, 6, 15, 22, 0, 0, 0, time.UTC)
	_, err = store.InsertRevisions(ctx, []*types.Revision{
		revision(f, 1, f.alice, before),
		revision(f, 2, f.alice, inside),
		revision(f, 3, f.alice, lastDay),
		revision(f, 4, f.bob, before),
	})
	require.NoError(t, err)

	newUsers, err := store.StudentsWithoutRevisions(ctx, f.course)
	require.NoError(t, err)
	require.Len(t, newUsers, 1)
	assert.Equal(t, "Bob", newUsers[0].Username)

	latest, ok, err := store.LatestCourseRevisionDate(ctx, f.course, f.wiki.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, lastDay.Equal(latest), "got %s", latest)
}

func TestUserIDsByUsername(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	ids, err := store.UserIDsByUsername(ctx, []string{"Alice", "Bob", "Nobody"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Alice": f.alice.ID, "Bob": f.bob.ID}, ids)
}

func TestUpsertArticle(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	renamed := &types.Article{MwPageID: 100, WikiID: f.wiki.ID, Title: "Selfie (photography)", Namespace: 0}
	require.NoError(t, store.UpsertArticle(ctx, renamed))
	assert.Equal(t, f.article.ID, renamed.ID)

	got, err := store.GetArticle(ctx, 100, f.wiki.ID)
	require.NoError(t, err)
	assert.Equal(t, "Selfie (photography)", got.Title)

	bad := &types.Article{MwPageID: 101, WikiID: f.wiki.ID, Title: "Bad\xff\xfe"}
	assert.ErrorIs(t, store.UpsertArticle(ctx, bad), storage.ErrUnrepresentableText)

	_, err = store.GetArticle(ctx, 101, f.wiki.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestArticleDuplicatesQueries(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	dup := &types.Article{MwPageID: 200, WikiID: f.wiki.ID, Title: "Selfie", Namespace: 0}
	require.NoError(t, store.UpsertArticle(ctx, dup))
	other := &types.Article{MwPageID: 300, WikiID: f.wiki.ID, Title: "Selfie", Namespace: 2}
	require.NoError(t, store.UpsertArticle(ctx, other))

	same, err := store.ArticlesWithTitle(ctx, f.wiki.ID, "Selfie", 0)
	require.NoError(t, err)
	require.Len(t, same, 2)

	date := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = store.InsertRevisions(ctx, []*types.Revision{revision(f, 1, f.alice, date)})
	require.NoError(t, err)

	latest, err := store.LatestArticleRevisions(ctx, []int64{f.article.ID, dup.ID})
	require.NoError(t, err)
	assert.Len(t, latest, 1)
	assert.True(t, date.Equal(latest[f.article.ID]))

	require.NoError(t, store.MarkArticlesDeleted(ctx, []int64{dup.ID}))
	same, err = store.ArticlesWithTitle(ctx, f.wiki.ID, "Selfie", 0)
	require.NoError(t, err)
	require.Len(t, same, 1)
	assert.Equal(t, f.article.ID, same[0].ID)
}

func TestInsertRevisionsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	date := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)
	revs := []*types.Revision{revision(f, 1, f.alice, date), revision(f, 2, nil, date)}

	n, err := store.InsertRevisions(ctx, revs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.InsertRevisions(ctx, revs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	existing, err := store.ExistingRevisionIDs(ctx, f.wiki.ID, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true, 2: true}, existing)

	got, err := store.GetRevision(ctx, 2, f.wiki.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UserID)
	assert.True(t, date.Equal(got.Date))

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Revisions)
	assert.Equal(t, 1, stats.UnresolvedUsernames)
}

func TestInsertRevisionsRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	bad := revision(f, 1, f.alice, time.Time{})
	_, err := store.InsertRevisions(ctx, []*types.Revision{bad})
	assert.Error(t, err)
}

func TestUnscoredRevisionsKeyset(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	talk := &types.Article{MwPageID: 500, WikiID: f.wiki.ID, Title: "Selfie", Namespace: 1}
	require.NoError(t, store.UpsertArticle(ctx, talk))

	date := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)
	var revs []*types.Revision
	for i := int64(1); i <= 5; i++ {
		revs = append(revs, revision(f, i, f.alice, date))
	}
	talkRev := revision(f, 99, f.alice, date)
	talkRev.ArticleID = talk.ID
	revs = append(revs, talkRev)
	_, err := store.InsertRevisions(ctx, revs)
	require.NoError(t, err)

	filter := types.RevisionFilter{WikiID: f.wiki.ID, Limit: 2}
	var seen []int64
	for {
		batch, err := store.UnscoredRevisions(ctx, filter)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, r := range batch {
			seen = append(seen, r.MwRevID)
		}
		filter.AfterID = batch[len(batch)-1].ID
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen, "talk namespace is not scored")

	count, err := store.CountUnscoredRevisions(ctx, types.RevisionFilter{WikiID: f.wiki.ID})
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// Course filter excludes revisions outside the course window
	outside := revision(f, 6, f.alice, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err = store.InsertRevisions(ctx, []*types.Revision{outside})
	require.NoError(t, err)
	count, err = store.CountUnscoredRevisions(ctx, types.RevisionFilter{WikiID: f.wiki.ID, CourseID: f.course.ID})
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	count, err = store.CountUnscoredRevisions(ctx, types.RevisionFilter{WikiID: f.wiki.ID})
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestApplyScores(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	date := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)
	created := revision(f, 1, f.alice, date)
	created.NewArticle = true
	_, err := store.InsertRevisions(ctx, []*types.Revision{
		created,
		revision(f, 2, f.alice, date),
		revision(f, 3, f.alice, date),
		revision(f, 4, f.alice, date),
	})
	require.NoError(t, err)

	score := 42.5
	require.NoError(t, store.ApplyScores(ctx, f.wiki.ID, []types.ScoreUpdate{
		{MwRevID: 1, WP10: &score, Features: types.Features{"feature.wikitext.revision.chars": 1200.0}},
		{MwRevID: 2, Deleted: true},
		{MwRevID: 3, Failed: true},
	}))

	r1, err := store.GetRevision(ctx, 1, f.wiki.ID)
	require.NoError(t, err)
	require.NotNil(t, r1.WP10)
	assert.InDelta(t, 42.5, *r1.WP10, 1e-9)
	assert.Equal(t, 1200.0, r1.Features["feature.wikitext.revision.chars"])

	r2, err := store.GetRevision(ctx, 2, f.wiki.ID)
	require.NoError(t, err)
	assert.True(t, r2.Deleted)
	assert.Nil(t, r2.WP10)

	r3, err := store.GetRevision(ctx, 3, f.wiki.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r3.ErrorCount)
	assert.False(t, r3.Deleted)

	// Only the failed and the untouched revisions remain current-score candidates
	remaining, err := store.UnscoredRevisions(ctx, types.RevisionFilter{WikiID: f.wiki.ID})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, int64(3), remaining[0].MwRevID)

	// Creating revisions never need a previous score
	prev, err := store.UnscoredPreviousRevisions(ctx, types.RevisionFilter{WikiID: f.wiki.ID})
	require.NoError(t, err)
	require.Len(t, prev, 2)
	assert.Equal(t, int64(3), prev[0].MwRevID)

	parentScore := 30.0
	require.NoError(t, store.ApplyPreviousScores(ctx, f.wiki.ID, []types.PreviousScoreUpdate{
		{MwRevID: 3, WP10Previous: &parentScore, FeaturesPrevious: types.Features{"x": 1.0}},
	}))
	r3, err = store.GetRevision(ctx, 3, f.wiki.ID)
	require.NoError(t, err)
	require.NotNil(t, r3.WP10Previous)
	assert.InDelta(t, 30.0, *r3.WP10Previous, 1e-9)

	n, err := store.CountUnscoredPreviousRevisions(ctx, types.RevisionFilter{WikiID: f.wiki.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ScoredRevisions)
	assert.Equal(t, 1, stats.PreviousScored)
	assert.Equal(t, 1, stats.DeletedRevisions)
}

func TestApplyScoresIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	_, err := store.InsertRevisions(ctx, []*types.Revision{revision(f, 1, f.alice, time.Now())})
	require.NoError(t, err)

	score := 10.0
	// An unencodable feature value fails the batch after the first update ran
	err = store.ApplyScores(ctx, f.wiki.ID, []types.ScoreUpdate{
		{MwRevID: 1, WP10: &score, Features: types.Features{"a": 1.0}},
		{MwRevID: 1, Features: types.Features{"bad": make(chan int)}},
	})
	require.Error(t, err)

	r, err := store.GetRevision(ctx, 1, f.wiki.ID)
	require.NoError(t, err)
	assert.Nil(t, r.WP10)
	assert.Nil(t, r.Features)
}

func TestUpdateErrors(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)
	f := setupFixture(t, store)

	require.NoError(t, store.RecordUpdateError(ctx, &types.UpdateError{
		CourseID: &f.course.ID, Tag: "t1", ErrorClass: "*url.Error", Action: "get_revisions",
	}))
	e := &types.UpdateError{Tag: "t2", ErrorClass: "*errors.errorString"}
	require.NoError(t, store.RecordUpdateError(ctx, e))
	assert.NotZero(t, e.ID)

	all, err := store.ListUpdateErrors(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t2", all[0].Tag)

	course, err := store.ListUpdateErrors(ctx, f.course.ID, 0)
	require.NoError(t, err)
	require.Len(t, course, 1)
	require.NotNil(t, course[0].CourseID)
	assert.Equal(t, f.course.ID, *course[0].CourseID)
}
