package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/types"
)

const articleColumns = `id, mw_page_id, wiki_id, title, namespace, deleted, created_at, updated_at`

func scanArticle(row interface{ Scan(...interface{}) error }) (*types.Article, error) {
	var a types.Article
	var created, updated string
	if err := row.Scan(&a.ID, &a.MwPageID, &a.WikiID, &a.Title, &a.Namespace, &a.Deleted, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertArticle inserts the article or refreshes its title and namespace
func (s *SQLiteStorage) UpsertArticle(ctx context.Context, article *types.Article) error {
	if err := checkText(article.Title); err != nil {
		return err
	}
	if err := article.Validate(); err != nil {
		return fmt.Errorf("invalid article: %w", err)
	}

	now := s.now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO articles (mw_page_id, wiki_id, title, namespace, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mw_page_id, wiki_id) DO UPDATE SET
			title = excluded.title,
			namespace = excluded.namespace,
			updated_at = excluded.updated_at
		RETURNING id
	`, article.MwPageID, article.WikiID, article.Title, article.Namespace, article.Deleted,
		formatTime(now), formatTime(now)).Scan(&article.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert article: %w", err)
	}
	article.UpdatedAt = now.Truncate(time.Second)
	return nil
}

// GetArticle retrieves an article by its wiki page ID
func (s *SQLiteStorage) GetArticle(ctx context.Context, mwPageID, wikiID int64) (*types.Article, error) {
	a, err := scanArticle(s.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE mw_page_id = ? AND wiki_id = ?`, mwPageID, wikiID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %d on wiki %d: %w", mwPageID, wikiID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return a, nil
}

// ArticlesWithTitle returns non-deleted articles with this title and namespace
func (s *SQLiteStorage) ArticlesWithTitle(ctx context.Context, wikiID int64, title string, namespace int) ([]*types.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+articleColumns+` FROM articles
		WHERE wiki_id = ? AND title = ? AND namespace = ? AND deleted = 0
		ORDER BY mw_page_id
	`, wikiID, title, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query articles: %w", err)
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

// LatestArticleRevisions maps article ID to the date of its newest revision.
// Articles without revisions are absent.
func (s *SQLiteStorage) LatestArticleRevisions(ctx context.Context, articleIDs []int64) (map[int64]time.Time, error) {
	latest := make(map[int64]time.Time, len(articleIDs))
	for _, part := range chunks(articleIDs) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT article_id, MAX(date) FROM revisions
			WHERE article_id IN (`+placeholders(len(part))+`)
			GROUP BY article_id
		`, int64Args(part)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query latest revisions: %w", err)
		}
		for rows.Next() {
			var id int64
			var date string
			if err := rows.Scan(&id, &date); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan latest revision: %w", err)
			}
			t, err := parseTime(date)
			if err != nil {
				rows.Close()
				return nil, err
			}
			latest[id] = t
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return latest, nil
}

// MarkArticlesDeleted flags articles as deleted
func (s *SQLiteStorage) MarkArticlesDeleted(ctx context.Context, articleIDs []int64) error {
	if len(articleIDs) == 0 {
		return nil
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, part := range chunks(articleIDs) {
			args := append([]interface{}{now}, int64Args(part)...)
			if _, err := tx.ExecContext(ctx,
				`UPDATE articles SET deleted = 1, updated_at = ? WHERE id IN (`+placeholders(len(part))+`)`,
				args...); err != nil {
				return fmt.Errorf("failed to mark articles deleted: %w", err)
			}
		}
		return nil
	})
}
