package types

import (
	"fmt"
	"time"
)

// Features is a raw feature vector as returned by the scoring service
type Features map[string]interface{}

// Article is a page on a specific wiki, unique on (MwPageID, WikiID)
type Article struct {
	ID        int64     `json:"id"`
	MwPageID  int64     `json:"mw_page_id"`
	WikiID    int64     `json:"wiki_id"`
	Title     string    `json:"title"`
	Namespace int       `json:"namespace"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the article has valid field values
func (a *Article) Validate() error {
	if a.MwPageID <= 0 {
		return fmt.Errorf("mw_page_id must be positive (got %d)", a.MwPageID)
	}
	if a.WikiID == 0 {
		return fmt.Errorf("wiki_id is required")
	}
	if a.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// Revision is one edit to an article, unique on (MwRevID, WikiID).
// Scoring fields stay nil until the score importer fills them.
type Revision struct {
	ID               int64     `json:"id"`
	MwRevID          int64     `json:"mw_rev_id"`
	WikiID           int64     `json:"wiki_id"`
	ArticleID        int64     `json:"article_id"`
	MwPageID         int64     `json:"mw_page_id"`
	UserID           *int64    `json:"user_id,omitempty"`
	Date             time.Time `json:"date"`
	Characters       int       `json:"characters"`
	NewArticle       bool      `json:"new_article"`
	System           bool      `json:"system"`
	WP10             *float64  `json:"wp10,omitempty"`
	WP10Previous     *float64  `json:"wp10_previous,omitempty"`
	Features         Features  `json:"features,omitempty"`
	FeaturesPrevious Features  `json:"features_previous,omitempty"`
	Deleted          bool      `json:"deleted"`
	ErrorCount       int       `json:"error_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Validate checks if the revision has valid field values
func (r *Revision) Validate() error {
	if r.MwRevID <= 0 {
		return fmt.Errorf("mw_rev_id must be positive (got %d)", r.MwRevID)
	}
	if r.WikiID == 0 {
		return fmt.Errorf("wiki_id is required")
	}
	if r.ArticleID == 0 {
		return fmt.Errorf("article_id is required")
	}
	if r.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	return nil
}

// ScoreUpdate carries the result of scoring one revision
type ScoreUpdate struct {
	MwRevID  int64
	WP10     *float64
	Features Features
	Deleted  bool
	Failed   bool // scoring errored for a reason other than deletion
}

// PreviousScoreUpdate carries the parent revision's score for one revision
type PreviousScoreUpdate struct {
	MwRevID          int64
	WP10Previous     *float64
	FeaturesPrevious Features
}

// RevisionFilter selects scoring candidates. Results are ordered by ID and
// start after AfterID so callers can walk the set in keyset batches.
type RevisionFilter struct {
	WikiID   int64
	CourseID int64 // 0 means all courses
	AfterID  int64
	Limit    int
}

// UpdateError is a reported pipeline failure kept for operational review
type UpdateError struct {
	ID         int64     `json:"id"`
	CourseID   *int64    `json:"course_id,omitempty"`
	Tag        string    `json:"tag"`
	ErrorClass string    `json:"error_class"`
	Action     string    `json:"action"`
	Query      string    `json:"query"`
	APIURL     string    `json:"api_url"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Statistics summarizes the contents of the store
type Statistics struct {
	Wikis               int `json:"wikis"`
	Courses             int `json:"courses"`
	Articles            int `json:"articles"`
	Revisions           int `json:"revisions"`
	ScoredRevisions     int `json:"scored_revisions"`
	PreviousScored      int `json:"previous_scored"`
	DeletedRevisions    int `json:"deleted_revisions"`
	UpdateErrors        int `json:"update_errors"`
	UnresolvedUsernames int `json:"unresolved_usernames"`
}
