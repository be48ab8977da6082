package sqlite

import "github.com/wikiedu/wikitrack/internal/storage/migrations"

// Migrations returns the SQLite schema history
func Migrations() *migrations.Manager {
	return migrations.NewManager(
		migrations.Migration{
			Version:     1,
			Description: "Initial schema",
			Up:          schemaV1,
			Down: `
				DROP TABLE IF EXISTS update_errors;
				DROP TABLE IF EXISTS revisions;
				DROP TABLE IF EXISTS articles;
				DROP TABLE IF EXISTS course_wikis;
				DROP TABLE IF EXISTS courses_users;
				DROP TABLE IF EXISTS courses;
				DROP TABLE IF EXISTS users;
				DROP TABLE IF EXISTS wikis;
			`,
		},
		migrations.Migration{
			Version:     2,
			Description: "Index scoring candidates",
			Up: `
				CREATE INDEX IF NOT EXISTS idx_revisions_unscored ON revisions(wiki_id, id) WHERE features IS NULL AND deleted = 0;
				CREATE INDEX IF NOT EXISTS idx_revisions_unscored_previous ON revisions(wiki_id, id) WHERE features_previous IS NULL AND new_article = 0 AND deleted = 0;
			`,
			Down: `
				DROP INDEX IF EXISTS idx_revisions_unscored;
				DROP INDEX IF EXISTS idx_revisions_unscored_previous;
			`,
		},
	)
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS wikis (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	language TEXT NOT NULL DEFAULT '',
	project TEXT NOT NULL,
	UNIQUE (language, project)
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS courses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	start_date TEXT NOT NULL,
	end_date TEXT NOT NULL,
	home_wiki_id INTEGER NOT NULL REFERENCES wikis(id),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS courses_users (
	course_id INTEGER NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL DEFAULT 'student',
	PRIMARY KEY (course_id, user_id)
);

CREATE TABLE IF NOT EXISTS course_wikis (
	course_id INTEGER NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
	wiki_id INTEGER NOT NULL REFERENCES wikis(id),
	PRIMARY KEY (course_id, wiki_id)
);

CREATE TABLE IF NOT EXISTS articles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mw_page_id INTEGER NOT NULL,
	wiki_id INTEGER NOT NULL REFERENCES wikis(id),
	title TEXT NOT NULL,
	namespace INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (mw_page_id, wiki_id)
);

CREATE INDEX IF NOT EXISTS idx_articles_title ON articles(wiki_id, title, namespace);

CREATE TABLE IF NOT EXISTS revisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mw_rev_id INTEGER NOT NULL,
	wiki_id INTEGER NOT NULL REFERENCES wikis(id),
	article_id INTEGER NOT NULL REFERENCES articles(id),
	mw_page_id INTEGER NOT NULL,
	user_id INTEGER REFERENCES users(id),
	date TEXT NOT NULL,
	characters INTEGER NOT NULL DEFAULT 0,
	new_article INTEGER NOT NULL DEFAULT 0,
	system INTEGER NOT NULL DEFAULT 0,
	wp10 REAL,
	wp10_previous REAL,
	features TEXT,
	features_previous TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (mw_rev_id, wiki_id)
);

CREATE INDEX IF NOT EXISTS idx_revisions_user_date ON revisions(user_id, date);
CREATE INDEX IF NOT EXISTS idx_revisions_article ON revisions(article_id);

CREATE TABLE IF NOT EXISTS update_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	course_id INTEGER REFERENCES courses(id) ON DELETE SET NULL,
	tag TEXT NOT NULL,
	error_class TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	query TEXT NOT NULL DEFAULT '',
	api_url TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_update_errors_course ON update_errors(course_id, id);
`
