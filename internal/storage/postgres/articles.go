package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wikiedu/wikitrack/internal/types"
)

const articleColumns = `id, mw_page_id, wiki_id, title, namespace, deleted, created_at, updated_at`

func scanArticle(row pgx.Row) (*types.Article, error) {
	var a types.Article
	if err := row.Scan(&a.ID, &a.MwPageID, &a.WikiID, &a.Title, &a.Namespace, &a.Deleted,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertArticle inserts the article or refreshes its title and namespace.
// A title the server cannot encode yields storage.ErrUnrepresentableText.
func (s *PostgresStorage) UpsertArticle(ctx context.Context, article *types.Article) error {
	if err := article.Validate(); err != nil {
		return fmt.Errorf("invalid article: %w", err)
	}

	now := s.now()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO articles (mw_page_id, wiki_id, title, namespace, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (mw_page_id, wiki_id) DO UPDATE SET
			title = EXCLUDED.title,
			namespace = EXCLUDED.namespace,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, article.MwPageID, article.WikiID, article.Title, article.Namespace, article.Deleted, now).Scan(&article.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert article: %w", translate(err))
	}
	article.UpdatedAt = now
	return nil
}

// GetArticle retrieves an article by its wiki page ID
func (s *PostgresStorage) GetArticle(ctx context.Context, mwPageID, wikiID int64) (*types.Article, error) {
	a, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE mw_page_id = $1 AND wiki_id = $2`, mwPageID, wikiID))
	if e := notFound(err, fmt.Sprintf("article %d on wiki %d", mwPageID, wikiID)); e != nil {
		return nil, e
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return a, nil
}

// ArticlesWithTitle returns non-deleted articles with this title and namespace
func (s *PostgresStorage) ArticlesWithTitle(ctx context.Context, wikiID int64, title string, namespace int) ([]*types.Article, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+articleColumns+` FROM articles
		WHERE wiki_id = $1 AND title = $2 AND namespace = $3 AND NOT deleted
		ORDER BY mw_page_id
	`, wikiID, title, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query articles: %w", translate(err))
	}
	defer rows.Close()

	var articles []*types.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// LatestArticleRevisions maps article ID to the date of its newest revision
func (s *PostgresStorage) LatestArticleRevisions(ctx context.Context, articleIDs []int64) (map[int64]time.Time, error) {
	latest := make(map[int64]time.Time, len(articleIDs))
	if len(articleIDs) == 0 {
		return latest, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT article_id, MAX(date) FROM revisions
		WHERE article_id = ANY($1)
		GROUP BY article_id
	`, articleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest revisions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var date time.Time
		if err := rows.Scan(&id, &date); err != nil {
			return nil, fmt.Errorf("failed to scan latest revision: %w", err)
		}
		latest[id] = date.UTC()
	}
	return latest, rows.Err()
}

// MarkArticlesDeleted flags articles as deleted
func (s *PostgresStorage) MarkArticlesDeleted(ctx context.Context, articleIDs []int64) error {
	if len(articleIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE articles SET deleted = TRUE, updated_at = $1 WHERE id = ANY($2)`, s.now(), articleIDs)
	if err != nil {
		return fmt.Errorf("failed to mark articles deleted: %w", err)
	}
	return nil
}
