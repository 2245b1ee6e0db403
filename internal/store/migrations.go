package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	// Seed metadata (outside bootstrap transaction, meta table now exists)
	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: review-queue indexes over results.
	if err := s.migrateReviewIndexes(); err != nil {
		return fmt.Errorf("migrating review indexes: %w", err)
	}

	// Schema evolution: results.cache_hit column.
	if err := s.migrateResultCacheHitColumn(); err != nil {
		return fmt.Errorf("migrating cache_hit column: %w", err)
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS lectures (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			title      TEXT NOT NULL,
			course     TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Parent sections (heading + body) used for context expansion
		`CREATE TABLE IF NOT EXISTS sections (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			lecture_id INTEGER NOT NULL REFERENCES lectures(id) ON DELETE CASCADE,
			title      TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			page_start INTEGER NOT NULL DEFAULT 0,
			page_end   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sections_lecture ON sections(lecture_id)`,

		`CREATE TABLE IF NOT EXISTS chunks (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			lecture_id INTEGER NOT NULL REFERENCES lectures(id) ON DELETE CASCADE,
			section_id INTEGER REFERENCES sections(id) ON DELETE SET NULL,
			content    TEXT NOT NULL,
			page_start INTEGER NOT NULL DEFAULT 0,
			page_end   INTEGER NOT NULL DEFAULT 0,
			position   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_lecture ON chunks(lecture_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_section ON chunks(section_id)`,

		// FTS5 full-text search index (external content)
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			content,
			content=chunks,
			content_rowid=id,
			tokenize='porter unicode61'
		)`,

		// FTS sync triggers
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
		END`,

		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.id, old.content);
		END`,

		`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.id, old.content);
			INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
		END`,

		// Embedding vectors for semantic search
		`CREATE TABLE IF NOT EXISTS chunk_embeddings (
			chunk_id   INTEGER PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
			vector     BLOB NOT NULL,
			dimensions INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS questions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			exam_id    TEXT NOT NULL DEFAULT '',
			text       TEXT NOT NULL,
			choices    TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id)`,

		// Written classifications (one per question)
		`CREATE TABLE IF NOT EXISTS classifications (
			question_id INTEGER PRIMARY KEY REFERENCES questions(id) ON DELETE CASCADE,
			lecture_id  INTEGER NOT NULL REFERENCES lectures(id),
			status      TEXT NOT NULL CHECK(status IN ('auto','manual')),
			confidence  REAL NOT NULL DEFAULT 0,
			reason      TEXT NOT NULL DEFAULT '',
			study_hint  TEXT NOT NULL DEFAULT '',
			evidence    TEXT NOT NULL DEFAULT '[]',
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Latest pipeline result per question (audit + review queue)
		`CREATE TABLE IF NOT EXISTS results (
			question_id INTEGER PRIMARY KEY REFERENCES questions(id) ON DELETE CASCADE,
			job_id      TEXT NOT NULL DEFAULT '',
			config_hash TEXT NOT NULL DEFAULT '',
			model_name  TEXT NOT NULL DEFAULT '',
			decision    TEXT NOT NULL,
			features    TEXT NOT NULL DEFAULT '{}',
			outcome     TEXT NOT NULL CHECK(outcome IN ('auto_applied','needs_review')),
			applied     INTEGER NOT NULL DEFAULT 0,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id          TEXT PRIMARY KEY,
			status      TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed')),
			total       INTEGER NOT NULL DEFAULT 0,
			processed   INTEGER NOT NULL DEFAULT 0,
			success     INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			config_hash TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}

	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version":       "1",
		"embedding_dimensions": fmt.Sprintf("%d", s.embDims),
		"created_at":           time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

// migrateReviewIndexes adds the indexes behind the review queue and job listing.
func (s *SQLiteStore) migrateReviewIndexes() error {
	done, err := s.isMetaFlagEnabled("review_indexes_v1")
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_results_queue ON results(outcome, applied)`,
		`CREATE INDEX IF NOT EXISTS idx_results_job ON results(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("creating review index: %w", err)
		}
	}

	return s.setMetaFlag("review_indexes_v1")
}

// migrateResultCacheHitColumn records whether a result was served from the
// decision cache. Idempotent.
func (s *SQLiteStore) migrateResultCacheHitColumn() error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('results') WHERE name='cache_hit'",
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking for cache_hit column: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := s.db.Exec(`ALTER TABLE results ADD COLUMN cache_hit INTEGER NOT NULL DEFAULT 0`); err != nil {
		if isDuplicateColumnError(err) {
			return nil
		}
		return fmt.Errorf("adding cache_hit column: %w", err)
	}
	return nil
}

// truncate shortens a string for error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
