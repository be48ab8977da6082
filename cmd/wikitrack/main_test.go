package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wikiedu/wikitrack/internal/storage/sqlite"
)

func TestParseWiki(t *testing.T) {
	tests := []struct {
		in       string
		language string
		project  string
		wantErr  bool
	}{
		{"en.wikipedia", "en", "wikipedia", false},
		{"EN.Wikipedia.org", "en", "wikipedia", false},
		{"wikidata", "", "wikidata", false},
		{"www.wikidata.org", "", "wikidata", false},
		{"simple.wiktionary", "simple", "wiktionary", false},
		{"en", "", "", true},
		{"en.example", "", "", true},
		{"a.b.c", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			language, project, err := parseWiki(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.language, language)
			assert.Equal(t, tt.project, project)
		})
	}
}

const testRoster = `
slug: Uni/Course_(Spring_2023)
title: Writing Wikipedia
start: 2023-01-01
end: 2023-06-15
home_wiki: en.wikipedia
wikis: [wikidata]
students: [Alice, Bob]
`

func TestParseRoster(t *testing.T) {
	r, course, err := parseRoster([]byte(testRoster))
	require.NoError(t, err)
	assert.Equal(t, "Uni/Course_(Spring_2023)", course.Slug)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), course.Start)
	assert.Equal(t, time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC), course.End)
	assert.Equal(t, []string{"Alice", "Bob"}, r.Students)
	assert.Equal(t, []string{"wikidata"}, r.Wikis)
}

func TestParseRosterErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad start", "slug: x\nstart: 01/01/2023\nend: 2023-06-15\n"},
		{"bad wiki", "slug: x\nstart: 2023-01-01\nend: 2023-06-15\nwikis: [nowhere]\n"},
		{"not yaml", "slug: [x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseRoster([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRosterIsRepeatable(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "wikitrack.db"))
	require.NoError(t, err)
	defer s.Close()
	store = s
	defer func() { store = nil }()

	for i := 0; i < 2; i++ {
		r, course, err := parseRoster([]byte(testRoster))
		require.NoError(t, err)
		require.NoError(t, loadRoster(ctx, r, course))
	}

	courses, err := s.ListCourses(ctx)
	require.NoError(t, err)
	require.Len(t, courses, 1)

	students, err := s.CourseStudents(ctx, courses[0].ID)
	require.NoError(t, err)
	assert.Len(t, students, 2)

	wikis, err := s.CourseWikis(ctx, courses[0].ID)
	require.NoError(t, err)
	assert.Len(t, wikis, 2)
}
