package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		exam_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		grading_mode TEXT NOT NULL DEFAULT 'balanced',
		total_marks REAL NOT NULL DEFAULT 0,
		questions TEXT NOT NULL DEFAULT '[]',
		question_paper_handle TEXT NOT NULL DEFAULT '',
		model_answer_handle TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grading_jobs (
		job_id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		grading_mode TEXT NOT NULL,
		total_papers INTEGER NOT NULL DEFAULT 0,
		processed_papers INTEGER NOT NULL DEFAULT 0,
		successful INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		errors TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_grading_jobs_status ON grading_jobs(status, created_at);

	CREATE TABLE IF NOT EXISTS submissions (
		submission_id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		paper_id TEXT NOT NULL DEFAULT '',
		student_id TEXT NOT NULL DEFAULT '',
		pages_handle TEXT NOT NULL DEFAULT '',
		question_scores TEXT NOT NULL DEFAULT '[]',
		total_marks REAL NOT NULL DEFAULT 0,
		max_marks REAL NOT NULL DEFAULT 0,
		percentage REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		answer_mode TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_exam ON submissions(exam_id);
	CREATE INDEX IF NOT EXISTS idx_submissions_job ON submissions(job_id);

	CREATE TABLE IF NOT EXISTS page_blobs (
		handle TEXT NOT NULL,
		page_index INTEGER NOT NULL,
		kind TEXT NOT NULL,
		mime TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (handle, page_index)
	);

	CREATE TABLE IF NOT EXISTS cache_questions (
		cache_key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		cached_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_questions_expiry ON cache_questions(expires_at);

	CREATE TABLE IF NOT EXISTS cache_model_answers (
		cache_key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		cached_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_model_answers_expiry ON cache_model_answers(expires_at);

	CREATE TABLE IF NOT EXISTS cache_grading (
		cache_key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		cached_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_grading_expiry ON cache_grading(expires_at);

	CREATE TABLE IF NOT EXISTS service_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.SetMetadata(context.Background(), MetaSchemaVersion, schemaVersion)
}
