package postgres

import "github.com/wikiedu/wikitrack/internal/storage/migrations"

// Migrations returns the PostgreSQL schema history
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
				CREATE INDEX IF NOT EXISTS idx_revisions_unscored ON revisions(wiki_id, id) WHERE features IS NULL AND NOT deleted;
				CREATE INDEX IF NOT EXISTS idx_revisions_unscored_previous ON revisions(wiki_id, id) WHERE features_previous IS NULL AND NOT new_article AND NOT deleted;
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
	id BIGSERIAL PRIMARY KEY,
	language TEXT NOT NULL DEFAULT '',
	project TEXT NOT NULL,
	UNIQUE (language, project)
);

CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS courses (
	id BIGSERIAL PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ NOT NULL,
	home_wiki_id BIGINT NOT NULL REFERENCES wikis(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS courses_users (
	course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL DEFAULT 'student',
	PRIMARY KEY (course_id, user_id)
);

CREATE TABLE IF NOT EXISTS course_wikis (
	course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
	wiki_id BIGINT NOT NULL REFERENCES wikis(id),
	PRIMARY KEY (course_id, wiki_id)
);

CREATE TABLE IF NOT EXISTS articles (
	id BIGSERIAL PRIMARY KEY,
	mw_page_id BIGINT NOT NULL,
	wiki_id BIGINT NOT NULL REFERENCES wikis(id),
	title TEXT NOT NULL,
	namespace INTEGER NOT NULL DEFAULT 0,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (mw_page_id, wiki_id)
);

CREATE INDEX IF NOT EXISTS idx_articles_title ON articles(wiki_id, title, namespace);

CREATE TABLE IF NOT EXISTS revisions (
	id BIGSERIAL PRIMARY KEY,
	mw_rev_id BIGINT NOT NULL,
	wiki_id BIGINT NOT NULL REFERENCES wikis(id),
	article_id BIGINT NOT NULL REFERENCES articles(id),
	mw_page_id BIGINT NOT NULL,
	user_id BIGINT REFERENCES users(id),
	date TIMESTAMPTZ NOT NULL,
	characters INTEGER NOT NULL DEFAULT 0,
	new_article BOOLEAN NOT NULL DEFAULT FALSE,
	system BOOLEAN NOT NULL DEFAULT FALSE,
	wp10 DOUBLE PRECISION,
	wp10_previous DOUBLE PRECISION,
	features JSONB,
	features_previous JSONB,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	error_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (mw_rev_id, wiki_id)
);

CREATE INDEX IF NOT EXISTS idx_revisions_user_date ON revisions(user_id, date);
CREATE INDEX IF NOT EXISTS idx_revisions_article ON revisions(article_id);

CREATE TABLE IF NOT EXISTS update_errors (
	id BIGSERIAL PRIMARY KEY,
	course_id BIGINT REFERENCES courses(id) ON DELETE SET NULL,
	tag TEXT NOT NULL,
	error_class TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	query TEXT NOT NULL DEFAULT '',
	api_url TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_update_errors_course ON update_errors(course_id, id);
`
