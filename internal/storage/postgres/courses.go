package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wikiedu/wikitrack/internal/types"
)

// GetOrCreateWiki returns the wiki for language/project, creating it if needed
func (s *PostgresStorage) GetOrCreateWiki(ctx context.Context, language, project string) (*types.Wiki, error) {
	wiki := &types.Wiki{Language: language, Project: project}
	if err := wiki.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wiki: %w", err)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO wikis (language, project) VALUES ($1, $2) ON CONFLICT (language, project) DO NOTHING`,
		language, project)
	if err != nil {
		return nil, fmt.Errorf("failed to insert wiki: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT id FROM wikis WHERE language = $1 AND project = $2`, language, project).Scan(&wiki.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get wiki: %w", err)
	}
	return wiki, nil
}

// GetWiki retrieves a wiki by ID
func (s *PostgresStorage) GetWiki(ctx context.Context, id int64) (*types.Wiki, error) {
	var wiki types.Wiki
	err := s.pool.QueryRow(ctx,
		`SELECT id, language, project FROM wikis WHERE id = $1`, id).Scan(&wiki.ID, &wiki.Language, &wiki.Project)
	if e := notFound(err, fmt.Sprintf("wiki %d", id)); e != nil {
		return nil, e
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wiki: %w", err)
	}
	return &wiki, nil
}

// ListWikis returns every known wiki ordered by ID
func (s *PostgresStorage) ListWikis(ctx context.Context) ([]*types.Wiki, error) {
	return s.queryWikis(ctx, `SELECT id, language, project FROM wikis ORDER BY id`)
}

// CourseWikis returns the course's home wiki followed by any extra wikis it tracks
func (s *PostgresStorage) CourseWikis(ctx context.Context, courseID int64) ([]*types.Wiki, error) {
	return s.queryWikis(ctx, `
		SELECT w.id, w.language, w.project FROM wikis w
		JOIN courses c ON c.home_wiki_id = w.id WHERE c.id = $1
		UNION
		SELECT w.id, w.language, w.project FROM wikis w
		JOIN course_wikis cw ON cw.wiki_id = w.id WHERE cw.course_id = $1
		ORDER BY 1
	`, courseID)
}

func (s *PostgresStorage) queryWikis(ctx context.Context, query string, args ...interface{}) ([]*types.Wiki, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStorage) AddCourseWiki(ctx context.Context, courseID, wikiID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO course_wikis (course_id, wiki_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, courseID, wikiID)
	if err != nil {
		return fmt.Errorf("failed to add course wiki: %w", err)
	}
	return nil
}

// UpsertCourse inserts the course or updates it by slug, and sets course.ID
func (s *PostgresStorage) UpsertCourse(ctx context.Context, course *types.Course) error {
	if err := course.Validate(); err != nil {
		return fmt.Errorf("invalid course: %w", err)
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO courses (slug, title, start_date, end_date, home_wiki_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (slug) DO UPDATE SET
			title = EXCLUDED.title,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			home_wiki_id = EXCLUDED.home_wiki_id,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, course.Slug, course.Title, course.Start, course.End, course.HomeWikiID, s.now()).Scan(&course.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert course: %w", translate(err))
	}
	return nil
}

const courseColumns = `id, slug, title, start_date, end_date, home_wiki_id`

func scanCourse(row pgx.Row) (*types.Course, error) {
	var c types.Course
	if err := row.Scan(&c.ID, &c.Slug, &c.Title, &c.Start, &c.End, &c.HomeWikiID); err != nil {
		return nil, err
	}
	c.Start = c.Start.UTC()
	c.End = c.End.UTC()
	return &c, nil
}

// GetCourse retrieves a course by ID
func (s *PostgresStorage) GetCourse(ctx context.Context, id int64) (*types.Course, error) {
	c, err := scanCourse(s.pool.QueryRow(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = $1`, id))
	if e := notFound(err, fmt.Sprintf("course %d", id)); e != nil {
		return nil, e
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return c, nil
}

// GetCourseBySlug retrieves a course by slug
func (s *PostgresStorage) GetCourseBySlug(ctx context.Context, slug string) (*types.Course, error) {
	c, err := scanCourse(s.pool.QueryRow(ctx, `SELECT `+courseColumns+` FROM courses WHERE slug = $1`, slug))
	if e := notFound(err, fmt.Sprintf("course %q", slug)); e != nil {
		return nil, e
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return c, nil
}

// ListCourses returns every course ordered by ID
func (s *PostgresStorage) ListCourses(ctx context.Context) ([]*types.Course, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+courseColumns+` FROM courses ORDER BY id`)
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
func (s *PostgresStorage) GetOrCreateUser(ctx context.Context, username string) (*types.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (username, created_at) VALUES ($1, $2) ON CONFLICT (username) DO NOTHING`,
		username, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", translate(err))
	}

	user := &types.User{Username: username}
	if err := s.pool.QueryRow(ctx, `SELECT id FROM users WHERE username = $1`, username).Scan(&user.ID); err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// EnrollStudent adds a user to a course roster
func (s *PostgresStorage) EnrollStudent(ctx context.Context, courseID, userID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO courses_users (course_id, user_id, role) VALUES ($1, $2, 'student') ON CONFLICT DO NOTHING`,
		courseID, userID)
	if err != nil {
		return fmt.Errorf("failed to enroll student: %w", err)
	}
	return nil
}

// CourseStudents returns the course's students ordered by username
func (s *PostgresStorage) CourseStudents(ctx context.Context, courseID int64) ([]*types.User, error) {
	return s.queryUsers(ctx, `
		SELECT u.id, u.username FROM users u
		JOIN courses_users cu ON cu.user_id = u.id
		WHERE cu.course_id = $1 AND cu.role = 'student'
		ORDER BY u.username
	`, courseID)
}

// StudentsWithoutRevisions returns students with no revision inside the course window
func (s *PostgresStorage) StudentsWithoutRevisions(ctx context.Context, course *types.Course) ([]*types.User, error) {
	return s.queryUsers(ctx, `
		SELECT u.id, u.username FROM users u
		JOIN courses_users cu ON cu.user_id = u.id
		WHERE cu.course_id = $1 AND cu.role = 'student'
		AND NOT EXISTS (
			SELECT 1 FROM revisions r
			WHERE r.user_id = u.id AND r.date >= $2 AND r.date < $3
		)
		ORDER BY u.username
	`, course.ID, course.Start, course.WindowEnd())
}

func (s *PostgresStorage) queryUsers(ctx context.Context, query string, args ...interface{}) ([]*types.User, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStorage) LatestCourseRevisionDate(ctx context.Context, course *types.Course, wikiID int64) (time.Time, bool, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(r.date) FROM revisions r
		JOIN courses_users cu ON cu.user_id = r.user_id
		WHERE cu.course_id = $1 AND r.wiki_id = $2 AND r.date >= $3 AND r.date < $4
	`, course.ID, wikiID, course.Start, course.WindowEnd()).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest revision date: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return latest.UTC(), true, nil
}

// UserIDsByUsername maps each known username to its user ID
func (s *PostgresStorage) UserIDsByUsername(ctx context.Context, usernames []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(usernames))
	if len(usernames) == 0 {
		return ids, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, username FROM users WHERE username = ANY($1)`, usernames)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		ids[name] = id
	}
	return ids, rows.Err()
}
