package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/types"
)

// DuplicateResolver marks stale copies of an article deleted. Page moves
// and deletions can leave several page ids with the same title and
// namespace on one wiki; only one of them is the live page.
type DuplicateResolver struct {
	store storage.Storage
	log   logrus.FieldLogger
}

// NewDuplicateResolver creates a resolver
func NewDuplicateResolver(store storage.Storage, log logrus.FieldLogger) *DuplicateResolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DuplicateResolver{store: store, log: log}
}

type titleKey struct {
	wikiID    int64
	title     string
	namespace int
}

// ResolveDuplicates checks each article for other non-deleted articles
// with the same title and namespace. Within each group the article with
// the most recent revision is kept (ties go to the highest page id) and
// the rest are marked deleted. pending holds, per article id, the newest
// revision date not yet stored. It returns the ids of deleted articles.
func (d *DuplicateResolver) ResolveDuplicates(ctx context.Context, articles []*types.Article, pending map[int64]time.Time) ([]int64, error) {
	seen := make(map[titleKey]bool, len(articles))
	var deleted []int64

	for _, article := range articles {
		key := titleKey{article.WikiID, article.Title, article.Namespace}
		if seen[key] {
			continue
		}
		seen[key] = true

		group, err := d.store.ArticlesWithTitle(ctx, article.WikiID, article.Title, article.Namespace)
		if err != nil {
			return deleted, fmt.Errorf("failed to find articles titled %q: %w", article.Title, err)
		}
		if len(group) < 2 {
			continue
		}

		ids := make([]int64, len(group))
		for i, a := range group {
			ids[i] = a.ID
		}
		latest, err := d.store.LatestArticleRevisions(ctx, ids)
		if err != nil {
			return deleted, fmt.Errorf("failed to get latest revisions: %w", err)
		}
		if latest == nil {
			latest = make(map[int64]time.Time, len(ids))
		}
		for _, id := range ids {
			if date, ok := pending[id]; ok && date.After(latest[id]) {
				latest[id] = date
			}
		}

		keep := pickLiveArticle(group, latest)
		var stale []int64
		for _, a := range group {
			if a.ID != keep.ID {
				stale = append(stale, a.ID)
			}
		}
		if err := d.store.MarkArticlesDeleted(ctx, stale); err != nil {
			return deleted, err
		}
		d.log.WithFields(logrus.Fields{
			"title": article.Title,
			"kept":  keep.MwPageID,
			"count": len(stale),
		}).Info("Marked duplicate articles deleted")
		deleted = append(deleted, stale...)
	}
	return deleted, nil
}

// pickLiveArticle returns the article with the newest revision, preferring
// the highest page id on a tie
func pickLiveArticle(group []*types.Article, latest map[int64]time.Time) *types.Article {
	keep := group[0]
	for _, a := range group[1:] {
		at, kt := latest[a.ID], latest[keep.ID]
		if at.After(kt) || (at.Equal(kt) && a.MwPageID > keep.MwPageID) {
			keep = a
		}
	}
	return keep
}
