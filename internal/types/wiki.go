package types

import (
	"fmt"
	"time"
)

// DateFormat is the YYYYMMDD form used for edit-history date windows
const DateFormat = "20060102"

// Namespaces eligible for quality tracking
const (
	NamespaceMain  = 0
	NamespaceUser  = 2
	NamespaceDraft = 118
)

// ScoredNamespaces lists the namespaces whose revisions are sent for scoring
var ScoredNamespaces = []int{NamespaceMain, NamespaceUser, NamespaceDraft}

// Projects that a Wiki may belong to
var validProjects = map[string]bool{
	"wikipedia":   true,
	"wikibooks":   true,
	"wikidata":    true,
	"wikinews":    true,
	"wikiquote":   true,
	"wikisource":  true,
	"wikiversity": true,
	"wikivoyage":  true,
	"wiktionary":  true,
	"wikimedia":   true,
}

// Wiki identifies a MediaWiki site by language and project.
// Language is empty for language-less projects such as wikidata.
type Wiki struct {
	ID       int64  `json:"id"`
	Language string `json:"language,omitempty"`
	Project  string `json:"project"`
}

// Validate checks if the wiki has a known project and a language where one is required
func (w *Wiki) Validate() error {
	if !validProjects[w.Project] {
		return fmt.Errorf("invalid project: %q", w.Project)
	}
	if w.Project == "wikidata" && w.Language != "" {
		return fmt.Errorf("wikidata does not take a language (got %q)", w.Language)
	}
	if w.Project != "wikidata" && w.Language == "" {
		return fmt.Errorf("language is required for project %s", w.Project)
	}
	return nil
}

// Domain returns the host name of the wiki, e.g. en.wikipedia.org
func (w *Wiki) Domain() string {
	if w.Project == "wikidata" {
		return "www.wikidata.org"
	}
	return fmt.Sprintf("%s.%s.org", w.Language, w.Project)
}

// BaseURL returns the https root of the wiki
func (w *Wiki) BaseURL() string {
	return "https://" + w.Domain()
}

// APIURL returns the action API endpoint
func (w *Wiki) APIURL() string {
	return w.BaseURL() + "/w/api.php"
}

// IndexURL returns the index.php endpoint used for raw page content
func (w *Wiki) IndexURL() string {
	return w.BaseURL() + "/w/index.php"
}

func (w *Wiki) String() string {
	if w.Language == "" {
		return w.Project
	}
	return w.Language + "." + w.Project
}

// User is an editor referenced by revisions
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Course is the read-only view of a course that the pipeline needs:
// its date window, its home wiki and (through the store) its students.
type Course struct {
	ID         int64     `json:"id"`
	Slug       string    `json:"slug"`
	Title      string    `json:"title"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	HomeWikiID int64     `json:"home_wiki_id"`
}

// Validate checks if the course has valid field values
func (c *Course) Validate() error {
	if c.Slug == "" {
		return fmt.Errorf("slug is required")
	}
	if c.Start.IsZero() || c.End.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if c.End.Before(c.Start) {
		return fmt.Errorf("end (%s) is before start (%s)", c.End.Format(DateFormat), c.Start.Format(DateFormat))
	}
	if c.HomeWikiID == 0 {
		return fmt.Errorf("home wiki is required")
	}
	return nil
}

// StartDate returns the course start in YYYYMMDD form
func (c *Course) StartDate() string {
	return c.Start.Format(DateFormat)
}

// WindowEnd is the exclusive upper bound of the course window: midnight
// after the end date
func (c *Course) WindowEnd() time.Time {
	y, m, d := c.End.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
