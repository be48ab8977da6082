package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/types"
)

const revisionColumns = `r.id, r.mw_rev_id, r.wiki_id, r.article_id, r.mw_page_id, r.user_id, r.date,
	r.characters, r.new_article, r.system, r.wp10, r.wp10_previous, r.features, r.features_previous,
	r.deleted, r.error_count, r.created_at, r.updated_at`

func scanRevision(row interface{ Scan(...interface{}) error }) (*types.Revision, error) {
	var r types.Revision
	var userID sql.NullInt64
	var wp10, wp10Previous sql.NullFloat64
	var features, featuresPrevious sql.NullString
	var date, created, updated string

	if err := row.Scan(&r.ID, &r.MwRevID, &r.WikiID, &r.ArticleID, &r.MwPageID, &userID, &date,
		&r.Characters, &r.NewArticle, &r.System, &wp10, &wp10Previous, &features, &featuresPrevious,
		&r.Deleted, &r.ErrorCount, &created, &updated); err != nil {
		return nil, err
	}

	if userID.Valid {
		r.UserID = &userID.Int64
	}
	if wp10.Valid {
		r.WP10 = &wp10.Float64
	}
	if wp10Previous.Valid {
		r.WP10Previous = &wp10Previous.Float64
	}

	var err error
	if r.Features, err = decodeFeatures(features); err != nil {
		return nil, err
	}
	if r.FeaturesPrevious, err = decodeFeatures(featuresPrevious); err != nil {
		return nil, err
	}
	if r.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}

func encodeFeatures(f types.Features) (interface{}, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}
	return string(data), nil
}

func decodeFeatures(s sql.NullString) (types.Features, error) {
	if !s.Valid {
		return nil, nil
	}
	var f types.Features
	if err := json.Unmarshal([]byte(s.String), &f); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	return f, nil
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// ExistingRevisionIDs reports which of mwRevIDs are already stored for wikiID
func (s *SQLiteStorage) ExistingRevisionIDs(ctx context.Context, wikiID int64, mwRevIDs []int64) (map[int64]bool, error) {
	existing := make(map[int64]bool)
	for _, part := range chunks(mwRevIDs) {
		args := append([]interface{}{wikiID}, int64Args(part)...)
		rows, err := s.db.QueryContext(ctx,
			`SELECT mw_rev_id FROM revisions WHERE wiki_id = ? AND mw_rev_id IN (`+placeholders(len(part))+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query revisions: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan revision id: %w", err)
			}
			existing[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// InsertRevisions inserts revisions in one transaction, ignoring rows that
// collide on (mw_rev_id, wiki_id)
func (s *SQLiteStorage) InsertRevisions(ctx context.Context, revisions []*types.Revision) (int, error) {
	if len(revisions) == 0 {
		return 0, nil
	}
	for _, r := range revisions {
		if err := r.Validate(); err != nil {
			return 0, fmt.Errorf("invalid revision: %w", err)
		}
	}

	inserted := 0
	now := formatTime(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO revisions (mw_rev_id, wiki_id, article_id, mw_page_id, user_id, date,
				characters, new_article, system, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (mw_rev_id, wiki_id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range revisions {
			var userID interface{}
			if r.UserID != nil {
				userID = *r.UserID
			}
			res, err := stmt.ExecContext(ctx, r.MwRevID, r.WikiID, r.ArticleID, r.MwPageID, userID,
				formatTime(r.Date), r.Characters, r.NewArticle, r.System, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert revision %d: %w", r.MwRevID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to count inserted rows: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetRevision retrieves a revision by its wiki revision ID
func (s *SQLiteStorage) GetRevision(ctx context.Context, mwRevID, wikiID int64) (*types.Revision, error) {
	r, err := scanRevision(s.db.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM revisions r WHERE r.mw_rev_id = ? AND r.wiki_id = ?`, mwRevID, wikiID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("revision %d on wiki %d: %w", mwRevID, wikiID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}
	return r, nil
}

// candidateQuery builds the FROM/WHERE clause shared by the scoring
// candidate queries. previous selects the parent-score candidate set.
func (s *SQLiteStorage) candidateQuery(ctx context.Context, filter types.RevisionFilter, previous bool) (string, []interface{}, error) {
	namespaces := make([]string, len(types.ScoredNamespaces))
	for i, ns := range types.ScoredNamespaces {
		namespaces[i] = fmt.Sprint(ns)
	}

	var where strings.Builder
	where.WriteString(`
		FROM revisions r
		JOIN articles a ON a.id = r.article_id
		WHERE r.wiki_id = ? AND r.deleted = 0 AND r.id > ?
		AND a.namespace IN (` + strings.Join(namespaces, ", ") + `)`)
	args := []interface{}{filter.WikiID, filter.AfterID}

	if previous {
		where.WriteString(` AND r.features_previous IS NULL AND r.new_article = 0`)
	} else {
		where.WriteString(` AND r.features IS NULL`)
	}

	if filter.CourseID != 0 {
		course, err := s.GetCourse(ctx, filter.CourseID)
		if err != nil {
			return "", nil, err
		}
		where.WriteString(`
		AND r.user_id IN (SELECT user_id FROM courses_users WHERE course_id = ?)
		AND r.date >= ? AND r.date < ?`)
		args = append(args, course.ID, formatTime(course.Start), formatTime(course.WindowEnd()))
	}
	return where.String(), args, nil
}

func (s *SQLiteStorage) candidates(ctx context.Context, filter types.RevisionFilter, previous bool) ([]*types.Revision, error) {
	where, args, err := s.candidateQuery(ctx, filter, previous)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + revisionColumns + where + ` ORDER BY r.id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scoring candidates: %w", err)
	}
	defer rows.Close()

	var revisions []*types.Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		revisions = append(revisions, r)
	}
	return revisions, rows.Err()
}

func (s *SQLiteStorage) countCandidates(ctx context.Context, filter types.RevisionFilter, previous bool) (int, error) {
	where, args, err := s.candidateQuery(ctx, filter, previous)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count scoring candidates: %w", err)
	}
	return n, nil
}

// UnscoredRevisions returns candidates without a feature vector
func (s *SQLiteStorage) UnscoredRevisions(ctx context.Context, filter types.RevisionFilter) ([]*types.Revision, error) {
	return s.candidates(ctx, filter, false)
}

// CountUnscoredRevisions counts candidates without a feature vector
func (s *SQLiteStorage) CountUnscoredRevisions(ctx context.Context, filter types.RevisionFilter) (int, error) {
	return s.countCandidates(ctx, filter, false)
}

// UnscoredPreviousRevisions returns non-creating candidates without the
// parent revision's feature vector
func (s *SQLiteStorage) UnscoredPreviousRevisions(ctx context.Context, filter types.RevisionFilter) ([]*types.Revision, error) {
	return s.candidates(ctx, filter, true)
}

// CountUnscoredPreviousRevisions counts UnscoredPreviousRevisions candidates
func (s *SQLiteStorage) CountUnscoredPreviousRevisions(ctx context.Context, filter types.RevisionFilter) (int, error) {
	return s.countCandidates(ctx, filter, true)
}

// ApplyScores writes a batch of score results in one transaction
func (s *SQLiteStorage) ApplyScores(ctx context.Context, wikiID int64, updates []types.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE revisions SET
				wp10 = ?,
				features = ?,
				deleted = MAX(deleted, ?),
				error_count = error_count + ?,
				updated_at = ?
			WHERE mw_rev_id = ? AND wiki_id = ?
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare score update: %w", err)
		}
		defer stmt.Close()

		for _, u := range updates {
			features, err := encodeFeatures(u.Features)
			if err != nil {
				return err
			}
			failed := 0
			if u.Failed {
				failed = 1
			}
			if _, err := stmt.ExecContext(ctx, nullFloat(u.WP10), features, u.Deleted, failed, now,
				u.MwRevID, wikiID); err != nil {
				return fmt.Errorf("failed to update revision %d: %w", u.MwRevID, err)
			}
		}
		return nil
	})
}

// ApplyPreviousScores writes a batch of parent scores in one transaction
func (s *SQLiteStorage) ApplyPreviousScores(ctx context.Context, wikiID int64, updates []types.PreviousScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE revisions SET wp10_previous = ?, features_previous = ?, updated_at = ?
			WHERE mw_rev_id = ? AND wiki_id = ?
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare previous score update: %w", err)
		}
		defer stmt.Close()

		for _, u := range updates {
			features, err := encodeFeatures(u.FeaturesPrevious)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, nullFloat(u.WP10Previous), features, now,
				u.MwRevID, wikiID); err != nil {
				return fmt.Errorf("failed to update revision %d: %w", u.MwRevID, err)
			}
		}
		return nil
	})
}
