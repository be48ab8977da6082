package postgres

import (
	"context"
	"fmt"

	"github.com/wikiedu/wikitrack/internal/types"
)

// RecordUpdateError stores a reported pipeline failure and sets e.ID
func (s *PostgresStorage) RecordUpdateError(ctx context.Context, e *types.UpdateError) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO update_errors (course_id, tag, error_class, action, query, api_url, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, e.CourseID, e.Tag, e.ErrorClass, e.Action, e.Query, e.APIURL, e.Message, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to record update error: %w", translate(err))
	}
	return nil
}

// ListUpdateErrors returns the newest errors first. courseID 0 lists all.
func (s *PostgresStorage) ListUpdateErrors(ctx context.Context, courseID int64, limit int) ([]*types.UpdateError, error) {
	query := `SELECT id, course_id, tag, error_class, action, query, api_url, message, created_at FROM update_errors`
	var args []interface{}
	if courseID != 0 {
		args = append(args, courseID)
		query += ` WHERE course_id = $1`
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query update errors: %w", err)
	}
	defer rows.Close()

	var out []*types.UpdateError
	for rows.Next() {
		var e types.UpdateError
		if err := rows.Scan(&e.ID, &e.CourseID, &e.Tag, &e.ErrorClass, &e.Action, &e.Query, &e.APIURL,
			&e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan update error: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetStatistics summarizes the contents of the store
func (s *PostgresStorage) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	var stats types.Statistics
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM wikis),
			(SELECT COUNT(*) FROM courses),
			(SELECT COUNT(*) FROM articles),
			(SELECT COUNT(*) FROM revisions),
			(SELECT COUNT(*) FROM revisions WHERE features IS NOT NULL),
			(SELECT COUNT(*) FROM revisions WHERE features_previous IS NOT NULL),
			(SELECT COUNT(*) FROM revisions WHERE deleted),
			(SELECT COUNT(*) FROM update_errors),
			(SELECT COUNT(*) FROM revisions WHERE user_id IS NULL)
	`).Scan(&stats.Wikis, &stats.Courses, &stats.Articles, &stats.Revisions, &stats.ScoredRevisions,
		&stats.PreviousScored, &stats.DeletedRevisions, &stats.UpdateErrors, &stats.UnresolvedUsernames)
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	return &stats, nil
}
