package wikiapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"pages": map[string]interface{}{
			"1": map[string]interface{}{"title": "A", "pageid": 1.0},
		},
		"normalized": []interface{}{"x"},
	}
	src := map[string]interface{}{
		"pages": map[string]interface{}{
			"1": map[string]interface{}{"revisions": []interface{}{"r1"}},
			"2": map[string]interface{}{"title": "B"},
		},
		"normalized": []interface{}{"y"},
	}

	got := DeepMerge(dst, src)

	pages := got["pages"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"title": "A", "pageid": 1.0, "revisions": []interface{}{"r1"}}, pages["1"])
	assert.Equal(t, map[string]interface{}{"title": "B"}, pages["2"])
	assert.Equal(t, []interface{}{"y"}, got["normalized"], "non-object values are replaced")
}

func TestDeepMergeDoesNotAliasSource(t *testing.T) {
	src := map[string]interface{}{"pages": map[string]interface{}{"1": "a"}}
	got := DeepMerge(nil, src)
	DeepMerge(got, map[string]interface{}{"pages": map[string]interface{}{"2": "b"}})

	assert.Len(t, src["pages"], 1)
	assert.Len(t, got["pages"], 2)
}
