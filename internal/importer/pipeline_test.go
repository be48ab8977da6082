package importer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wikiedu/wikitrack/internal/ores"
	"github.com/wikiedu/wikitrack/internal/replica"
	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/types"
)

// fakeClients hands out one shared fake per service and remembers which
// wikis asked for a scorer
type fakeClients struct {
	source  *fakeSource
	scorer  *fakeScorer
	parents fakeParents
	scored  []string
}

func (f *fakeClients) EditHistory(wiki types.Wiki, courseID int64) RevisionSource {
	return f.source
}

func (f *fakeClients) Scoring(wiki types.Wiki, courseID int64) (Scorer, error) {
	if !ores.ValidWiki(wiki) {
		return nil, ores.ErrInvalidProject
	}
	f.scored = append(f.scored, wiki.String())
	return &fakeScorer{wikiKey: ores.WikiKey(wiki), scores: f.scorer.scores}, nil
}

func (f *fakeClients) WikiAPI(wiki types.Wiki, courseID int64) ParentSource {
	return f.parents
}

func newFakeClients() *fakeClients {
	return &fakeClients{
		source:  &fakeSource{},
		scorer:  &fakeScorer{scores: map[int64]ores.RevisionScore{}},
		parents: fakeParents{},
	}
}

func TestPipelineImportAndScoreCourse(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()

	clients := newFakeClients()
	clients.source.data = func([]string) []replica.ArticleRevisions {
		return []replica.ArticleRevisions{entry(100, "Selfie",
			replica.Revision{MwRevID: 1, Date: day("20230201"), Username: "Alice", NewArticle: true},
			replica.Revision{MwRevID: 2, Date: day("20230202"), Username: "Alice"},
		)}
	}
	clients.scorer.scores[1] = quality(map[string]float64{"C": 1}, types.Features{"f": 1.0})
	clients.scorer.scores[2] = quality(map[string]float64{"B": 1}, types.Features{"f": 2.0})
	clients.parents[2] = 1

	lockDir := t.TempDir()
	p := NewPipeline(e.store, clients, WithLockDir(lockDir), WithLogger(quietLogger()))

	result, err := p.ImportRevisionsForCourse(ctx, e.course, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)

	// The run lock is released afterwards
	_, err = os.Stat(storage.LockPath(lockDir, e.course.ID, e.wiki.ID))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, p.UpdateRevisionScoresForCourse(ctx, e.course))
	assert.Equal(t, []string{"en.wikipedia"}, clients.scored)

	rev, err := e.store.GetRevision(ctx, 2, e.wiki.ID)
	require.NoError(t, err)
	require.NotNil(t, rev.WP10)
	require.NotNil(t, rev.WP10Previous)
	assert.Equal(t, 60.0, *rev.WP10)
	assert.Equal(t, 40.0, *rev.WP10Previous)
}

func TestPipelineSkipsLockedCourse(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	lockDir := t.TempDir()

	// A live lock from another host cannot be taken over
	path := storage.LockPath(lockDir, e.course.ID, e.wiki.ID)
	require.NoError(t, os.WriteFile(path, []byte(`{"holder":"other","pid":1,"hostname":"elsewhere","started_at":"2023-06-13T00:00:00Z","version":"dev"}`), 0644))

	clients := newFakeClients()
	p := NewPipeline(e.store, clients, WithLockDir(lockDir), WithLogger(quietLogger()))

	_, err := p.ImportRevisionsForCourse(ctx, e.course, false)
	assert.ErrorIs(t, err, storage.ErrLocked)

	_, err = p.ImportRevisionsForAllCourses(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients.source.calls)
}

func TestPipelineImportForAllCourses(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()

	other := &types.Course{
		Slug:       "Uni/Other_(Fall_2023)",
		Title:      "Other",
		Start:      time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2023, 12, 15, 0, 0, 0, 0, time.UTC),
		HomeWikiID: e.wiki.ID,
	}
	require.NoError(t, e.store.UpsertCourse(ctx, other))
	carol, err := e.store.GetOrCreateUser(ctx, "Carol")
	require.NoError(t, err)
	require.NoError(t, e.store.EnrollStudent(ctx, other.ID, carol.ID))

	clients := newFakeClients()
	p := NewPipeline(e.store, clients, WithLockDir(t.TempDir()), WithLogger(quietLogger()))
	_, err = p.ImportRevisionsForAllCourses(ctx)
	require.NoError(t, err)

	var starts []string
	for _, c := range clients.source.calls {
		starts = append(starts, c.start)
	}
	assert.ElementsMatch(t, []string{"20230101", "20230901"}, starts)
}

func TestPipelineScoresAllWikis(t *testing.T) {
	e := setupEnv(t)
	clients := newFakeClients()
	p := NewPipeline(e.store, clients, WithLogger(quietLogger()))

	require.NoError(t, p.UpdateRevisionScoresForAllWikis(context.Background()))

	want := make([]string, 0, len(ores.AvailableWikipedias)+1)
	for _, lang := range ores.AvailableWikipedias {
		want = append(want, lang+".wikipedia")
	}
	want = append(want, "wikidata")
	assert.Equal(t, want, clients.scored)

	wikis, err := e.store.ListWikis(context.Background())
	require.NoError(t, err)
	assert.Len(t, wikis, len(want))
}

func TestPipelineSkipsUnscorableCourseWiki(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	wikibooks, err := e.store.GetOrCreateWiki(ctx, "en", "wikibooks")
	require.NoError(t, err)
	require.NoError(t, e.store.AddCourseWiki(ctx, e.course.ID, wikibooks.ID))

	clients := newFakeClients()
	p := NewPipeline(e.store, clients, WithLogger(quietLogger()))
	require.NoError(t, p.UpdateRevisionScoresForCourse(ctx, e.course))
	assert.Equal(t, []string{"en.wikipedia"}, clients.scored)
}

func TestHTTPClientsShareBreakerPerWiki(t *testing.T) {
	h := &HTTPClients{Log: quietLogger()}
	en := types.Wiki{ID: 1, Language: "en", Project: "wikipedia"}
	fr := types.Wiki{ID: 2, Language: "fr", Project: "wikipedia"}

	assert.Same(t, h.breaker(en), h.breaker(en))
	assert.NotSame(t, h.breaker(en), h.breaker(fr))

	_, err := h.Scoring(types.Wiki{Language: "en", Project: "wikibooks"}, 0)
	assert.ErrorIs(t, err, ores.ErrInvalidProject)
}
