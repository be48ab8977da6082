package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wikiedu/wikitrack/internal/types"
)

// RecordUpdateError stores a reported pipeline failure and sets e.ID
func (s *SQLiteStorage) RecordUpdateError(ctx context.Context, e *types.UpdateError) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	var courseID interface{}
	if e.CourseID != nil {
		courseID = *e.CourseID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO update_errors (course_id, tag, error_class, action, query, api_url, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, courseID, e.Tag, e.ErrorClass, e.Action, e.Query, e.APIURL, e.Message, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record update error: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get update error id: %w", err)
	}
	return nil
}

// ListUpdateErrors returns the newest errors first. courseID 0 lists all.
func (s *SQLiteStorage) ListUpdateErrors(ctx context.Context, courseID int64, limit int) ([]*types.UpdateError, error) {
	query := `SELECT id, course_id, tag, error_class, action, query, api_url, message, created_at FROM update_errors`
	var args []interface{}
	if courseID != 0 {
		query += ` WHERE course_id = ?`
		args = append(args, courseID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query update errors: %w", err)
	}
	defer rows.Close()

	var out []*types.UpdateError
	for rows.Next() {
		var e types.UpdateError
		var course sql.NullInt64
		var created string
		if err := rows.Scan(&e.ID, &course, &e.Tag, &e.ErrorClass, &e.Action, &e.Query, &e.APIURL,
			&e.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan update error: %w", err)
		}
		if course.Valid {
			e.CourseID = &course.Int64
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetStatistics summarizes the contents of the store
func (s *SQLiteStorage) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	var stats types.Statistics
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM wikis),
			(SELECT COUNT(*) FROM courses),
			(SELECT COUNT(*) FROM articles),
			(SELECT COUNT(*) FROM revisions),
			(SELECT COUNT(*) FROM revisions WHERE features IS NOT NULL),
			(SELECT COUNT(*) FROM revisions WHERE features_previous IS NOT NULL),
			(SELECT COUNT(*) FROM revisions WHERE deleted = 1),
			(SELECT COUNT(*) FROM update_errors),
			(SELECT COUNT(*) FROM revisions WHERE user_id IS NULL)
	`).Scan(&stats.Wikis, &stats.Courses, &stats.Articles, &stats.Revisions, &stats.ScoredRevisions,
		&stats.PreviousScored, &stats.DeletedRevisions, &stats.UpdateErrors, &stats.UnresolvedUsernames)
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	return &stats, nil
}
