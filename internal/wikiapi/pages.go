package wikiapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/wikiedu/wikitrack/internal/retry"
)

// UserInfo is one entry of list=users
type UserInfo struct {
	UserID       int64            `json:"userid"`
	Name         string           `json:"name"`
	Registration string           `json:"registration"`
	CentralIDs   map[string]int64 `json:"centralids"`
	Missing      *string          `json:"missing"`
	Invalid      *string          `json:"invalid"`
}

// PageInfo is one entry of prop=info
type PageInfo struct {
	PageID    int64   `json:"pageid"`
	Namespace int     `json:"ns"`
	Title     string  `json:"title"`
	Length    int     `json:"length"`
	LastRevID int64   `json:"lastrevid"`
	Redirect  *string `json:"redirect"`
	Missing   *string `json:"missing"`
}

type assessment struct {
	Class      string `json:"class"`
	Importance string `json:"importance"`
}

// GetPageContent returns the raw wikitext of a page. A missing page yields
// ("", true, nil); ok is false when the wiki could not answer this cycle.
func (c *Client) GetPageContent(ctx context.Context, title string) (text string, ok bool, err error) {
	values := url.Values{}
	values.Set("title", title)
	values.Set("action", "raw")

	text, err = retry.Do(ctx, c.retrier, "get_wikitext", func(ctx context.Context) (string, error) {
		status, body, err := c.get(ctx, c.indexURL, values)
		if err != nil {
			return "", err
		}
		switch status {
		case http.StatusOK:
			return string(body), nil
		case http.StatusNotFound:
			// a redlink has no content
			return "", nil
		default:
			return "", &HTTPError{StatusCode: status, URL: c.indexURL}
		}
	})
	if err != nil {
		if herr := c.handleFailure(ctx, err, "get_wikitext", Params{"title": title}); herr != nil {
			return "", false, herr
		}
		return "", false, nil
	}
	return text, true, nil
}

// GetUserInfo returns the account record for username, or nil when the
// wiki has no such user or could not answer.
func (c *Client) GetUserInfo(ctx context.Context, username string) (*UserInfo, error) {
	resp, err := c.Query(ctx, Params{
		"list":    "users",
		"ususers": username,
		"usprop":  "centralids|registration",
	})
	if err != nil || resp == nil {
		return nil, err
	}

	var payload struct {
		Query struct {
			Users []UserInfo `json:"users"`
		} `json:"query"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if len(payload.Query.Users) == 0 {
		return nil, nil
	}
	user := payload.Query.Users[0]
	if user.Missing != nil || user.Invalid != nil {
		return nil, nil
	}
	return &user, nil
}

// GetUserID returns the wiki user id of username, 0 if unknown
func (c *Client) GetUserID(ctx context.Context, username string) (int64, error) {
	info, err := c.GetUserInfo(ctx, username)
	if err != nil || info == nil {
		return 0, err
	}
	return info.UserID, nil
}

// GetPageInfo returns prop=info records keyed by page id, nil when the
// wiki could not answer.
func (c *Client) GetPageInfo(ctx context.Context, titles []string) (map[string]PageInfo, error) {
	resp, err := c.Query(ctx, Params{
		"prop":   "info",
		"titles": strings.Join(titles, "|"),
	})
	if err != nil || resp == nil {
		return nil, err
	}

	var payload struct {
		Query struct {
			Pages map[string]PageInfo `json:"pages"`
		} `json:"query"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode page info: %w", err)
	}
	return payload.Query.Pages, nil
}

// Redirect reports whether title is a redirect. Unknown answers count as false.
func (c *Client) Redirect(ctx context.Context, title string) (bool, error) {
	pages, err := c.GetPageInfo(ctx, []string{title})
	if err != nil || pages == nil {
		return false, err
	}
	for _, page := range pages {
		return page.Redirect != nil, nil
	}
	return false, nil
}

// GetArticleRating returns the assessment class of each page, keyed by the
// title the wiki reports (after following redirects). A page with several
// project assessments takes the first non-empty class by project name;
// a page without any maps to "".
func (c *Client) GetArticleRating(ctx context.Context, titles []string) (map[string]string, error) {
	sorted := append([]string(nil), titles...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i]) < strings.ToLower(sorted[j])
	})

	data, err := c.FetchAll(ctx, Params{
		"titles":    strings.Join(sorted, "|"),
		"prop":      "pageassessments",
		"redirects": "true",
	})
	if err != nil {
		return nil, err
	}

	// round-trip through JSON to get typed pages out of the merged payload
	raw, err := json.Marshal(data["pages"])
	if err != nil {
		return nil, fmt.Errorf("failed to encode pages: %w", err)
	}
	var pages map[string]struct {
		Title       string                `json:"title"`
		Assessments map[string]assessment `json:"pageassessments"`
	}
	if err := json.Unmarshal(raw, &pages); err != nil {
		return nil, fmt.Errorf("failed to decode page assessments: %w", err)
	}

	ratings := make(map[string]string, len(pages))
	for _, page := range pages {
		ratings[page.Title] = firstClass(page.Assessments)
	}
	return ratings, nil
}

func firstClass(assessments map[string]assessment) string {
	projects := make([]string, 0, len(assessments))
	for name := range assessments {
		projects = append(projects, name)
	}
	sort.Strings(projects)
	for _, name := range projects {
		if class := assessments[name].Class; class != "" {
			return class
		}
	}
	return ""
}

// MaxIDsPerQuery is the most ids a client without apihighlimits may
// pass in one multi-value parameter
const MaxIDsPerQuery = 50

// GetParentRevisionIDs maps each revision id to its parent revision id,
// asking for at most MaxIDsPerQuery ids per request. Revisions without a
// parent are left out; nil means no data this cycle.
func (c *Client) GetParentRevisionIDs(ctx context.Context, revIDs []int64) (map[int64]int64, error) {
	parents := make(map[int64]int64)
	for start := 0; start < len(revIDs); start += MaxIDsPerQuery {
		end := start + MaxIDsPerQuery
		if end > len(revIDs) {
			end = len(revIDs)
		}
		part, err := c.parentRevisionIDs(ctx, revIDs[start:end])
		if err != nil || part == nil {
			return nil, err
		}
		for rev, parent := range part {
			parents[rev] = parent
		}
	}
	return parents, nil
}

func (c *Client) parentRevisionIDs(ctx context.Context, revIDs []int64) (map[int64]int64, error) {
	ids := make([]string, len(revIDs))
	for i, id := range revIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	resp, err := c.Query(ctx, Params{
		"prop":   "revisions",
		"revids": strings.Join(ids, "|"),
		"rvprop": "ids",
	})
	if err != nil || resp == nil {
		return nil, err
	}

	var payload struct {
		Query struct {
			Pages map[string]struct {
				Revisions []struct {
					RevID    int64 `json:"revid"`
					ParentID int64 `json:"parentid"`
				} `json:"revisions"`
			} `json:"pages"`
		} `json:"query"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode revisions: %w", err)
	}

	parents := make(map[int64]int64)
	for _, page := range payload.Query.Pages {
		for _, rev := range page.Revisions {
			// parentid 0 marks a page's first revision
			if rev.ParentID == 0 {
				continue
			}
			parents[rev.RevID] = rev.ParentID
		}
	}
	return parents, nil
}
