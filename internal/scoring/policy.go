// Package scoring turns quality-model output into the 0-100 article
// quality score stored on revisions.
package scoring

import (
	"errors"
	"fmt"

	"github.com/wikiedu/wikitrack/internal/ores"
	"github.com/wikiedu/wikitrack/internal/types"
)

// ErrNoScoringPolicy is returned for wikis without a rating weighting
var ErrNoScoringPolicy = errors.New("no scoring policy for wiki")

// Weight is the score contributed by full probability of one rating label
type Weight struct {
	Label  string
	Weight float64
}

// Weighting is an ordered label to weight mapping for one wiki language
type Weighting []Weight

// English Wikipedia's assessment scale. Several other wikis' models are
// trained on it, so it doubles as their weighting.
var enWeighting = Weighting{
	{"FA", 100},
	{"GA", 80},
	{"B", 60},
	{"C", 40},
	{"Start", 20},
	{"Stub", 0},
}

var frWeighting = Weighting{
	{"adq", 100},
	{"ba", 80},
	{"a", 60},
	{"b", 40},
	{"bd", 20},
	{"e", 0},
}

var trWeighting = Weighting{
	{"sm", 100},
	{"km", 80},
	{"b", 60},
	{"c", 40},
	{"baslagıç", 20},
	{"taslak", 0},
}

var ruWeighting = Weighting{
	{"ИС", 100},
	{"ДС", 80},
	{"ХС", 80},
	{"I", 60},
	{"II", 40},
	{"III", 20},
	{"IV", 0},
}

var weightingByLanguage = map[string]Weighting{
	"en":     enWeighting,
	"simple": enWeighting,
	"fa":     enWeighting,
	"eu":     enWeighting,
	"fr":     frWeighting,
	"tr":     trWeighting,
	"ru":     ruWeighting,
}

// deletedErrorTypes are model error types meaning the revision is gone
var deletedErrorTypes = map[string]bool{
	"TextDeleted":      true,
	"RevisionNotFound": true,
}

// PolicyFor returns the weighting for wiki
func PolicyFor(wiki types.Wiki) (Weighting, error) {
	if wiki.Project != "wikipedia" {
		return nil, fmt.Errorf("%w: %s", ErrNoScoringPolicy, wiki.String())
	}
	w, ok := weightingByLanguage[wiki.Language]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoScoringPolicy, wiki.String())
	}
	return w, nil
}

// ValidatePolicies checks the static tables. It runs at startup so a bad
// edit to a table fails loudly instead of skewing scores.
func ValidatePolicies() error {
	for _, lang := range ores.AvailableWikipedias {
		if _, ok := weightingByLanguage[lang]; !ok {
			return fmt.Errorf("%w: %swiki is scored but has no weighting", ErrNoScoringPolicy, lang)
		}
	}
	for lang, w := range weightingByLanguage {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("invalid weighting for %s: %w", lang, err)
		}
	}
	return nil
}

// Validate checks that labels are unique and weights lie in [0, 100]
func (w Weighting) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("weighting is empty")
	}
	seen := make(map[string]bool, len(w))
	for _, entry := range w {
		if entry.Label == "" {
			return fmt.Errorf("empty label")
		}
		if seen[entry.Label] {
			return fmt.Errorf("duplicate label %q", entry.Label)
		}
		seen[entry.Label] = true
		if entry.Weight < 0 || entry.Weight > 100 {
			return fmt.Errorf("weight for %q out of range: %v", entry.Label, entry.Weight)
		}
	}
	return nil
}

// WeightedMean is the sum of probability times weight over the weighting's
// labels. Labels missing from probability contribute nothing. The result
// is nil when there is no weighting or no probability distribution.
func WeightedMean(w Weighting, probability map[string]float64) *float64 {
	if w == nil || probability == nil {
		return nil
	}
	var mean float64
	for _, entry := range w {
		mean += probability[entry.Label] * entry.Weight
	}
	return &mean
}

// IsDeleted reports whether a model error type means the revision was deleted
func IsDeleted(errorType string) bool {
	return deletedErrorTypes[errorType]
}

// Assessment is what gets stored for one scored revision
type Assessment struct {
	WP10     *float64
	Features types.Features
	Deleted  bool
	Failed   bool // the model returned an error that is not a deletion
}

// Assess evaluates one revision's model output under weighting.
// weighting may be nil for wikis without a policy; the features are
// still kept but no score is computed.
func Assess(weighting Weighting, modelKey string, score ores.RevisionScore) Assessment {
	result, ok := score[modelKey]
	if !ok {
		return Assessment{}
	}
	if result.Error != nil {
		deleted := IsDeleted(result.Error.Type)
		return Assessment{Deleted: deleted, Failed: !deleted}
	}
	a := Assessment{Features: result.Features}
	if result.Score != nil {
		a.WP10 = WeightedMean(weighting, result.Score.Probability)
	}
	return a
}
