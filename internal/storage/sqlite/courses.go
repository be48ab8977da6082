package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/types"
)

// GetOrCreateWiki returns the wiki for language/project, creating it if needed
func (s *SQLiteStorage) GetOrCreateWiki(ctx context.Context, language, project string) (*types.Wiki, error) {
	wiki := &types.Wiki{Language: language, Project: project}
	if err := wiki.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wiki: %w", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wikis (language, project) VALUES (?, ?) ON CONFLICT (language, project) DO NOTHING`,
		language, project)
	if err != nil {
		return nil, fmt.Errorf("failed to insert wiki: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM wikis WHERE language = ? AND project = ?`, language, project).Scan(&wiki.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get wiki: %w", err)
	}
	return wiki, nil
}

// GetWiki retrieves a wiki by ID
func (s *SQLiteStorage) GetWiki(ctx context.Context, id int64) (*types.Wiki, error) {
	var wiki types.Wiki
	err := s.db.QueryRowContext(ctx,
		`SELECT id, language, project FROM wikis WHERE id = ?`, id).Scan(&wiki.ID, &wiki.Language, &wiki.Project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wiki %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wiki: %w", err)
	}
	return &wiki, nil
}

// ListWikis returns every known wiki ordered by ID
func (s *SQLiteStorage) ListWikis(ctx context.Context) ([]*types.Wiki, error) {
	return s.queryWikis(ctx, `SELECT id, language, project FROM wikis ORDER BY id`)
}

// CourseWikis returns the course's home wiki followed by any extra wikis it tracks
func (s *SQLiteStorage) CourseWikis(ctx context.Context, courseID int64) ([]*types.Wiki, error) {
	return s.queryWikis(ctx, `
		SELECT w.id, w.language, w.project FROM wikis w
		JOIN courses c ON c.home_wiki_id = w.id WHERE c.id = ?
		UNION
		SELECT w.id, w.language, w.project FROM wikis w
		JOIN course_wikis cw ON cw.wiki_id = w.id WHERE cw.course_id = ?
		ORDER BY 1
	`, courseID, courseID)
}

func (s *SQLiteStorage) queryWikis(ctx context.Context, query string, args ...interface{}) ([]*types.Wiki, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wikis: %w", err)
	}
	defer rows.Close()

	var wikis []*types.Wiki
	for rows.Next() {
		var wiki types.Wiki
		if err := rows.Scan(&wiki.ID, &wiki.Language, &wiki.Project); err != nil {
			return nil, fmt.Errorf("failed to scan wiki: %w", err)
		}
		wikis = append(wikis, &wiki)
	}
	return wikis, rows.Err()
}

// AddCourseWiki tracks an extra wiki for a course
func (s *SQLiteStorage) AddCourseWiki(ctx context.Context, courseID, wikiID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO course_wikis (course_id, wiki_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, courseID, wikiID)
	if err != nil {
		return fmt.Errorf("failed to add course wiki: %w", err)
	}
	return nil
}

// UpsertCourse inserts the course or updates it by slug, and sets course.ID
func (s *SQLiteStorage) UpsertCourse(ctx context.Context, course *types.Course) error {
	if err := course.Validate(); err != nil {
		return fmt.Errorf("invalid course: %w", err)
	}
	now := formatTime(s.now())
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO courses (slug, title, start_date, end_date, home_wiki_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			title = excluded.title,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			home_wiki_id = excluded.home_wiki_id,
			updated_at = excluded.updated_at
		RETURNING id
	`, course.Slug, course.Title, formatTime(course.Start), formatTime(course.End), course.HomeWikiID, now, now).Scan(&course.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert course: %w", err)
	}
	return nil
}

const courseColumns = `id, slug, title, start_date, end_date, home_wiki_id`

func scanCourse(row interface{ Scan(...interface{}) error }) (*types.Course, error) {
	var c types.Course
	var start, end string
	if err := row.Scan(&c.ID, &c.Slug, &c.Title, &start, &end, &c.HomeWikiID); err != nil {
		return nil, err
	}
	var err error
	if c.Start, err = parseTime(start); err != nil {
		return nil, err
	}
	if c.End, err = parseTime(end); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCourse retrieves a course by ID
func (s *SQLiteStorage) GetCourse(ctx context.Context, id int64) (*types.Course, error) {
	c, err := scanCourse(s.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("course %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return c, nil
}

// GetCourseBySlug retrieves a course by slug
func (s *SQLiteStorage) GetCourseBySlug(ctx context.Context, slug string) (*types.Course, error) {
	c, err := scanCourse(s.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("course %q: %w", slug, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return c, nil
}

// ListCourses returns every course ordered by ID
func (s *SQLiteStorage) ListCourses(ctx context.Context) ([]*types.Course, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+courseColumns+` FROM courses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query courses: %w", err)
	}
	defer rows.Close()

	var courses []*types.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan course: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// GetOrCreateUser returns the user with username, creating it if needed
func (s *SQLiteStorage) GetOrCreateUser(ctx context.Context, username string) (*types.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if err := checkText(username); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?) ON CONFLICT (username) DO NOTHING`,
		username, formatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	user := &types.User{Username: username}
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&user.ID); err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// EnrollStudent adds a user to a course roster
func (s *SQLiteStorage) EnrollStudent(ctx context.Context, courseID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO courses_users (course_id, user_id, role) VALUES (?, ?, 'student') ON CONFLICT DO NOTHING`,
		courseID, userID)
	if err != nil {
		return fmt.Errorf("failed to enroll student: %w", err)
	}
	return nil
}

// CourseStudents returns the course's students ordered by username
func (s *SQLiteStorage) CourseStudents(ctx context.Context, courseID int64) ([]*types.User, error) {
	return s.queryUsers(ctx, `
		SELECT u.id, u.username FROM users u
		JOIN courses_users cu ON cu.user_id = u.id
		WHERE cu.course_id = ? AND cu.role = 'student'
		ORDER BY u.username
	`, courseID)
}

// StudentsWithoutRevisions returns students with no revision inside the course window
func (s *SQLiteStorage) StudentsWithoutRevisions(ctx context.Context, course *types.Course) ([]*types.User, error) {
	return s.queryUsers(ctx, `
		SELECT u.id, u.username FROM users u
		JOIN courses_users cu ON cu.user_id = u.id
		WHERE cu.course_id = ? AND cu.role = 'student'
		AND NOT EXISTS (
			SELECT 1 FROM revisions r
			WHERE r.user_id = u.id AND r.date >= ? AND r.date < ?
		)
		ORDER BY u.username
	`, course.ID, formatTime(course.Start), formatTime(course.WindowEnd()))
}

func (s *SQLiteStorage) queryUsers(ctx context.Context, query string, args ...interface{}) ([]*types.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// LatestCourseRevisionDate returns the newest revision by the course's
// students on wikiID inside the course window
func (s *SQLiteStorage) LatestCourseRevisionDate(ctx context.Context, course *types.Course, wikiID int64) (time.Time, bool, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(r.date) FROM revisions r
		JOIN courses_users cu ON cu.user_id = r.user_id
		WHERE cu.course_id = ? AND r.wiki_id = ? AND r.date >= ? AND r.date < ?
	`, course.ID, wikiID, formatTime(course.Start), formatTime(course.WindowEnd())).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest revision date: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(latest.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// UserIDsByUsername maps each known username to its user ID. Unknown
// names are absent from the result.
func (s *SQLiteStorage) UserIDsByUsername(ctx context.Context, usernames []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(usernames))
	for start := 0; start < len(usernames); start += maxParams {
		end := start + maxParams
		if end > len(usernames) {
			end = len(usernames)
		}
		part := usernames[start:end]
		args := make([]interface{}, len(part))
		for i, name := range part {
			args[i] = name
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT id, username FROM users WHERE username IN (`+placeholders(len(part))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query users: %w", err)
		}
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan user: %w", err)
			}
			ids[name] = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}
