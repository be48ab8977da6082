package scoring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wikiedu/wikitrack/internal/ores"
	"github.com/wikiedu/wikitrack/internal/types"
)

func TestWeightedMeanEnglishScenario(t *testing.T) {
	w, err := PolicyFor(types.Wiki{Language: "en", Project: "wikipedia"})
	require.NoError(t, err)

	got := WeightedMean(w, map[string]float64{
		"FA": 0.1, "GA": 0.1, "B": 0.3, "C": 0.3, "Start": 0.1, "Stub": 0.1,
	})
	require.NotNil(t, got)
	assert.InDelta(t, 50.0, *got, 1e-9)
}

func TestWeightedMeanOrderInvariantAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for lang, w := range weightingByLanguage {
		for i := 0; i < 50; i++ {
			probability := randomDistribution(rng, w)
			want := WeightedMean(w, probability)

			shuffled := append(Weighting(nil), w...)
			rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
			got := WeightedMean(shuffled, probability)

			require.NotNil(t, got)
			assert.InDelta(t, *want, *got, 1e-9, lang)
			assert.GreaterOrEqual(t, *got, 0.0)
			assert.LessOrEqual(t, *got, 100.0+1e-9)
		}
	}
}

func randomDistribution(rng *rand.Rand, w Weighting) map[string]float64 {
	probability := make(map[string]float64, len(w))
	var total float64
	for _, entry := range w {
		p := rng.Float64()
		probability[entry.Label] = p
		total += p
	}
	for label := range probability {
		probability[label] /= total
	}
	return probability
}

func TestWeightedMeanUnset(t *testing.T) {
	assert.Nil(t, WeightedMean(nil, map[string]float64{"FA": 1}))
	assert.Nil(t, WeightedMean(enWeighting, nil))
}

func TestWeightedMeanMissingLabel(t *testing.T) {
	got := WeightedMean(enWeighting, map[string]float64{"FA": 0.5})
	require.NotNil(t, got)
	assert.InDelta(t, 50.0, *got, 1e-9)
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		wiki    types.Wiki
		first   string
		wantErr bool
	}{
		{wiki: types.Wiki{Language: "simple", Project: "wikipedia"}, first: "FA"},
		{wiki: types.Wiki{Language: "fr", Project: "wikipedia"}, first: "adq"},
		{wiki: types.Wiki{Language: "tr", Project: "wikipedia"}, first: "sm"},
		{wiki: types.Wiki{Language: "ru", Project: "wikipedia"}, first: "ИС"},
		{wiki: types.Wiki{Project: "wikidata"}, wantErr: true},
		{wiki: types.Wiki{Language: "de", Project: "wikipedia"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.wiki.String(), func(t *testing.T) {
			w, err := PolicyFor(tt.wiki)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoScoringPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.first, w[0].Label)
		})
	}
}

func TestValidatePolicies(t *testing.T) {
	assert.NoError(t, ValidatePolicies())

	assert.Error(t, Weighting{{"A", 10}, {"A", 20}}.Validate())
	assert.Error(t, Weighting{{"A", 120}}.Validate())
	assert.Error(t, Weighting{}.Validate())
}

func TestAssess(t *testing.T) {
	scored := ores.RevisionScore{"articlequality": {
		Features: types.Features{"feature.wikitext.revision.chars": 1200.0},
		Score: &ores.Score{Prediction: "B", Probability: map[string]float64{
			"FA": 0, "GA": 0, "B": 1, "C": 0, "Start": 0, "Stub": 0,
		}},
	}}
	a := Assess(enWeighting, "articlequality", scored)
	require.NotNil(t, a.WP10)
	assert.InDelta(t, 60.0, *a.WP10, 1e-9)
	assert.NotNil(t, a.Features)
	assert.False(t, a.Deleted)

	deleted := ores.RevisionScore{"articlequality": {Error: &ores.ScoreError{Type: "RevisionNotFound"}}}
	a = Assess(enWeighting, "articlequality", deleted)
	assert.True(t, a.Deleted)
	assert.Nil(t, a.WP10)
	assert.False(t, a.Failed)

	broken := ores.RevisionScore{"articlequality": {Error: &ores.ScoreError{Type: "TimeoutError"}}}
	a = Assess(enWeighting, "articlequality", broken)
	assert.False(t, a.Deleted)
	assert.True(t, a.Failed)
	assert.Nil(t, a.WP10)

	item := ores.RevisionScore{"itemquality": {
		Features: types.Features{"x": 1.0},
		Score:    &ores.Score{Prediction: "C", Probability: map[string]float64{"C": 1}},
	}}
	a = Assess(nil, "itemquality", item)
	assert.Nil(t, a.WP10, "no policy means no score")
	assert.NotNil(t, a.Features)
}
