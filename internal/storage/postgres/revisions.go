package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/wikiedu/wikitrack/internal/types"
)

const revisionColumns = `r.id, r.mw_rev_id, r.wiki_id, r.article_id, r.mw_page_id, r.user_id, r.date,
	r.characters, r.new_article, r.system, r.wp10, r.wp10_previous, r.features, r.features_previous,
	r.deleted, r.error_count, r.created_at, r.updated_at`

func scanRevision(row pgx.Row) (*types.Revision, error) {
	var r types.Revision
	var features, featuresPrevious []byte
	if err := row.Scan(&r.ID, &r.MwRevID, &r.WikiID, &r.ArticleID, &r.MwPageID, &r.UserID, &r.Date,
		&r.Characters, &r.NewArticle, &r.System, &r.WP10, &r.WP10Previous, &features, &featuresPrevious,
		&r.Deleted, &r.ErrorCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Date = r.Date.UTC()

	var err error
	if r.Features, err = decodeFeatures(features); err != nil {
		return nil, err
	}
	if r.FeaturesPrevious, err = decodeFeatures(featuresPrevious); err != nil {
		return nil, err
	}
	return &r, nil
}

// ExistingRevisionIDs reports which of mwRevIDs are already stored for wikiID
func (s *PostgresStorage) ExistingRevisionIDs(ctx context.Context, wikiID int64, mwRevIDs []int64) (map[int64]bool, error) {
	existing := make(map[int64]bool)
	if len(mwRevIDs) == 0 {
		return existing, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT mw_rev_id FROM revisions WHERE wiki_id = $1 AND mw_rev_id = ANY($2)`, wikiID, mwRevIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query revisions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan revision id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// InsertRevisions sends the inserts as one batch inside a transaction,
// ignoring rows that collide on (mw_rev_id, wiki_id)
func (s *PostgresStorage) InsertRevisions(ctx context.Context, revisions []*types.Revision) (int, error) {
	if len(revisions) == 0 {
		return 0, nil
	}
	for _, r := range revisions {
		if err := r.Validate(); err != nil {
			return 0, fmt.Errorf("invalid revision: %w", err)
		}
	}

	now := s.now()
	batch := &pgx.Batch{}
	for _, r := range revisions {
		batch.Queue(`
			INSERT INTO revisions (mw_rev_id, wiki_id, article_id, mw_page_id, user_id, date,
				characters, new_article, system, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			ON CONFLICT (mw_rev_id, wiki_id) DO NOTHING
		`, r.MwRevID, r.WikiID, r.ArticleID, r.MwPageID, r.UserID, r.Date, r.Characters, r.NewArticle, r.System, now)
	}

	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for _, r := range revisions {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("failed to insert revision %d: %w", r.MwRevID, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetRevision retrieves a revision by its wiki revision ID
func (s *PostgresStorage) GetRevision(ctx context.Context, mwRevID, wikiID int64) (*types.Revision, error) {
	r, err := scanRevision(s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM revisions r WHERE r.mw_rev_id = $1 AND r.wiki_id = $2`, mwRevID, wikiID))
	if e := notFound(err, fmt.Sprintf("revision %d on wiki %d", mwRevID, wikiID)); e != nil {
		return nil, e
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}
	return r, nil
}

// candidateQuery builds the FROM/WHERE clause shared by the scoring
// candidate queries. previous selects the parent-score candidate set.
func (s *PostgresStorage) candidateQuery(ctx context.Context, filter types.RevisionFilter, previous bool) (string, []interface{}, error) {
	var where strings.Builder
	where.WriteString(`
		FROM revisions r
		JOIN articles a ON a.id = r.article_id
		WHERE r.wiki_id = $1 AND NOT r.deleted AND r.id > $2
		AND a.namespace = ANY($3)`)
	namespaces := make([]int32, len(types.ScoredNamespaces))
	for i, ns := range types.ScoredNamespaces {
		namespaces[i] = int32(ns)
	}
	args := []interface{}{filter.WikiID, filter.AfterID, namespaces}

	if previous {
		where.WriteString(` AND r.features_previous IS NULL AND NOT r.new_article`)
	} else {
		where.WriteString(` AND r.features IS NULL`)
	}

	if filter.CourseID != 0 {
		course, err := s.GetCourse(ctx, filter.CourseID)
		if err != nil {
			return "", nil, err
		}
		where.WriteString(`
		AND r.user_id IN (SELECT user_id FROM courses_users WHERE course_id = $4)
		AND r.date >= $5 AND r.date < $6`)
		args = append(args, course.ID, course.Start, course.WindowEnd())
	}
	return where.String(), args, nil
}

func (s *PostgresStorage) candidates(ctx context.Context, filter types.RevisionFilter, previous bool) ([]*types.Revision, error) {
	where, args, err := s.candidateQuery(ctx, filter, previous)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + revisionColumns + where + ` ORDER BY r.id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStorage) countCandidates(ctx context.Context, filter types.RevisionFilter, previous bool) (int, error) {
	where, args, err := s.candidateQuery(ctx, filter, previous)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*)`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count scoring candidates: %w", err)
	}
	return n, nil
}

// UnscoredRevisions returns candidates without a feature vector
func (s *PostgresStorage) UnscoredRevisions(ctx context.Context, filter types.RevisionFilter) ([]*types.Revision, error) {
	return s.candidates(ctx, filter, false)
}

// CountUnscoredRevisions counts candidates without a feature vector
func (s *PostgresStorage) CountUnscoredRevisions(ctx context.Context, filter types.RevisionFilter) (int, error) {
	return s.countCandidates(ctx, filter, false)
}

// UnscoredPreviousRevisions returns non-creating candidates without the
// parent revision's feature vector
func (s *PostgresStorage) UnscoredPreviousRevisions(ctx context.Context, filter types.RevisionFilter) ([]*types.Revision, error) {
	return s.candidates(ctx, filter, true)
}

// CountUnscoredPreviousRevisions counts UnscoredPreviousRevisions candidates
func (s *PostgresStorage) CountUnscoredPreviousRevisions(ctx context.Context, filter types.RevisionFilter) (int, error) {
	return s.countCandidates(ctx, filter, true)
}

// ApplyScores writes a batch of score results in one transaction
func (s *PostgresStorage) ApplyScores(ctx context.Context, wikiID int64, updates []types.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := s.now()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, u := range updates {
			features, err := encodeFeatures(u.Features)
			if err != nil {
				return err
			}
			failed := 0
			if u.Failed {
				failed = 1
			}
			if _, err := tx.Exec(ctx, `
				UPDATE revisions SET
					wp10 = $1,
					features = $2,
					deleted = deleted OR $3,
					error_count = error_count + $4,
					updated_at = $5
				WHERE mw_rev_id = $6 AND wiki_id = $7
			`, u.WP10, features, u.Deleted, failed, now, u.MwRevID, wikiID); err != nil {
				return fmt.Errorf("failed to update revision %d: %w", u.MwRevID, err)
			}
		}
		return nil
	})
}

// ApplyPreviousScores writes a batch of parent scores in one transaction
func (s *PostgresStorage) ApplyPreviousScores(ctx context.Context, wikiID int64, updates []types.PreviousScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := s.now()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, u := range updates {
			features, err := encodeFeatures(u.FeaturesPrevious)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE revisions SET wp10_previous = $1, features_previous = $2, updated_at = $3
				WHERE mw_rev_id = $4 AND wiki_id = $5
			`, u.WP10Previous, features, now, u.MwRevID, wikiID); err != nil {
				return fmt.Errorf("failed to update revision %d: %w", u.MwRevID, err)
			}
		}
		return nil
	})
}
