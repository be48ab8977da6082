package importer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/ores"
	"github.com/wikiedu/wikitrack/internal/scoring"
	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/types"
)

// Scorer requests quality scores for revisions of one wiki
type Scorer interface {
	GetRevisionData(ctx context.Context, revIDs []int64) (ores.Result, error)
}

// ParentSource maps revision ids to their parent revision ids. A nil
// result with no error means no data this cycle.
type ParentSource interface {
	GetParentRevisionIDs(ctx context.Context, revIDs []int64) (map[int64]int64, error)
}

// RevisionData is the model output for a single revision
type RevisionData struct {
	Features types.Features `json:"features"`
	Rating   string         `json:"rating"`
}

// ScoreResult summarizes one scoring pass
type ScoreResult struct {
	Candidates    int
	Batches       int
	Updated       int
	FailedBatches int
}

// RevisionScoreImporter fills in quality scores for one wiki's revisions,
// optionally limited to one course
type RevisionScoreImporter struct {
	store     storage.Storage
	wiki      types.Wiki
	courseID  int64
	scorer    Scorer
	parents   ParentSource
	weighting scoring.Weighting
	wikiKey   string
	modelKey  string
	batchSize int
	log       logrus.FieldLogger
}

// ScoreImporterOption configures a RevisionScoreImporter
type ScoreImporterOption func(*RevisionScoreImporter)

// ForCourse limits the candidates to revisions by a course's students
// inside the course window
func ForCourse(courseID int64) ScoreImporterOption {
	return func(s *RevisionScoreImporter) { s.courseID = courseID }
}

// WithBatchSize overrides the number of revisions scored per batch
func WithBatchSize(n int) ScoreImporterOption {
	return func(s *RevisionScoreImporter) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithScoreLogger sets the logger
func WithScoreLogger(log logrus.FieldLogger) ScoreImporterOption {
	return func(s *RevisionScoreImporter) { s.log = log }
}

// NewRevisionScoreImporter creates a score importer for wiki. Wikis without
// a weighting still get feature vectors, but no score.
func NewRevisionScoreImporter(store storage.Storage, wiki types.Wiki, scorer Scorer, parents ParentSource, opts ...ScoreImporterOption) *RevisionScoreImporter {
	s := &RevisionScoreImporter{
		store:     store,
		wiki:      wiki,
		scorer:    scorer,
		parents:   parents,
		wikiKey:   ores.WikiKey(wiki),
		modelKey:  ores.ModelKey(wiki),
		batchSize: ores.RevsPerRequest,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("wiki", wiki.String())

	weighting, err := scoring.PolicyFor(wiki)
	if err != nil && !errors.Is(err, scoring.ErrNoScoringPolicy) {
		s.log.WithError(err).Warn("Unexpected scoring policy error")
	}
	s.weighting = weighting
	return s
}

// FetchOresDataForRevisionID returns the features and predicted rating for
// one revision of this wiki. Missing data leaves the fields empty.
func (s *RevisionScoreImporter) FetchOresDataForRevisionID(ctx context.Context, revID int64) (*RevisionData, error) {
	result, err := s.scorer.GetRevisionData(ctx, []int64{revID})
	if err != nil {
		return nil, fmt.Errorf("failed to get revision data: %w", err)
	}
	data := &RevisionData{}
	model, ok := result.Scores(s.wikiKey)[strconv.FormatInt(revID, 10)][s.modelKey]
	if !ok {
		return data, nil
	}
	data.Features = model.Features
	if model.Score != nil {
		data.Rating = model.Score.Prediction
	}
	return data, nil
}

func (s *RevisionScoreImporter) filter() types.RevisionFilter {
	return types.RevisionFilter{WikiID: s.wiki.ID, CourseID: s.courseID, Limit: s.batchSize}
}

// UpdateRevisionScores scores candidates that have no feature vector yet.
// Each batch is applied in one transaction. A batch whose scoring call
// fails is skipped and later batches still run; a storage failure ends
// the pass.
func (s *RevisionScoreImporter) UpdateRevisionScores(ctx context.Context) (*ScoreResult, error) {
	count, err := s.store.CountUnscoredRevisions(ctx, s.filter())
	if err != nil {
		return nil, fmt.Errorf("failed to count unscored revisions: %w", err)
	}
	result := &ScoreResult{Candidates: count, Batches: ceilDiv(count, s.batchSize)}

	var batchErr error
	filter := s.filter()
	for i := 0; ; i++ {
		batch, err := s.store.UnscoredRevisions(ctx, filter)
		if err != nil {
			return result, fmt.Errorf("failed to load unscored revisions: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		filter.AfterID = batch[len(batch)-1].ID

		s.log.WithField("batch", fmt.Sprintf("%d/%d", i+1, result.Batches)).Debug("Pulling revisions")
		updates, err := s.scoreBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			s.log.WithError(err).WithField("batch", i+1).Error("Scoring batch failed")
			result.FailedBatches++
			batchErr = errors.Join(batchErr, err)
			continue
		}
		if err := s.store.ApplyScores(ctx, s.wiki.ID, updates); err != nil {
			return result, fmt.Errorf("failed to save scores: %w", err)
		}
		result.Updated += len(updates)
	}

	if batchErr != nil {
		return result, fmt.Errorf("%d of %d scoring batches failed: %w", result.FailedBatches, result.Batches, batchErr)
	}
	return result, nil
}

func (s *RevisionScoreImporter) scoreBatch(ctx context.Context, batch []*types.Revision) ([]types.ScoreUpdate, error) {
	ids := make([]int64, len(batch))
	for i, r := range batch {
		ids[i] = r.MwRevID
	}
	data, err := s.scorer.GetRevisionData(ctx, ids)
	if err != nil {
		return nil, err
	}
	scores := data.Scores(s.wikiKey)

	var updates []types.ScoreUpdate
	for _, r := range batch {
		score, ok := scores[strconv.FormatInt(r.MwRevID, 10)]
		if !ok {
			continue
		}
		a := scoring.Assess(s.weighting, s.modelKey, score)
		updates = append(updates, types.ScoreUpdate{
			MwRevID:  r.MwRevID,
			WP10:     a.WP10,
			Features: a.Features,
			Deleted:  a.Deleted,
			Failed:   a.Failed,
		})
	}
	return updates, nil
}

// UpdatePreviousRevisionScores stores each candidate's parent revision
// score. Revisions that created their article have no parent and are not
// candidates.
func (s *RevisionScoreImporter) UpdatePreviousRevisionScores(ctx context.Context) (*ScoreResult, error) {
	count, err := s.store.CountUnscoredPreviousRevisions(ctx, s.filter())
	if err != nil {
		return nil, fmt.Errorf("failed to count unscored previous revisions: %w", err)
	}
	result := &ScoreResult{Candidates: count, Batches: ceilDiv(count, s.batchSize)}

	var batchErr error
	filter := s.filter()
	for i := 0; ; i++ {
		batch, err := s.store.UnscoredPreviousRevisions(ctx, filter)
		if err != nil {
			return result, fmt.Errorf("failed to load unscored previous revisions: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		filter.AfterID = batch[len(batch)-1].ID

		s.log.WithField("batch", fmt.Sprintf("%d/%d", i+1, result.Batches)).Debug("Getting previous scores")
		updates, err := s.previousScoreBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			s.log.WithError(err).WithField("batch", i+1).Error("Previous scoring batch failed")
			result.FailedBatches++
			batchErr = errors.Join(batchErr, err)
			continue
		}
		if err := s.store.ApplyPreviousScores(ctx, s.wiki.ID, updates); err != nil {
			return result, fmt.Errorf("failed to save previous scores: %w", err)
		}
		result.Updated += len(updates)
	}

	if batchErr != nil {
		return result, fmt.Errorf("%d of %d previous scoring batches failed: %w", result.FailedBatches, result.Batches, batchErr)
	}
	return result, nil
}

func (s *RevisionScoreImporter) previousScoreBatch(ctx context.Context, batch []*types.Revision) ([]types.PreviousScoreUpdate, error) {
	ids := make([]int64, len(batch))
	for i, r := range batch {
		ids[i] = r.MwRevID
	}
	parents, err := s.parents.GetParentRevisionIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, nil
	}

	seen := make(map[int64]bool, len(parents))
	var parentIDs []int64
	for _, r := range batch {
		parent, ok := parents[r.MwRevID]
		if !ok || seen[parent] {
			continue
		}
		seen[parent] = true
		parentIDs = append(parentIDs, parent)
	}

	data, err := s.scorer.GetRevisionData(ctx, parentIDs)
	if err != nil {
		return nil, err
	}
	scores := data.Scores(s.wikiKey)

	var updates []types.PreviousScoreUpdate
	for _, r := range batch {
		parent, ok := parents[r.MwRevID]
		if !ok {
			continue
		}
		score, ok := scores[strconv.FormatInt(parent, 10)]
		if !ok {
			continue
		}
		a := scoring.Assess(s.weighting, s.modelKey, score)
		updates = append(updates, types.PreviousScoreUpdate{
			MwRevID:          r.MwRevID,
			WP10Previous:     a.WP10,
			FeaturesPrevious: a.Features,
		})
	}
	return updates, nil
}
