package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crane-dl/crane/internal/model"
)

// migrations is a forward-only, numbered list of schema steps. Each entry's
// index+1 is its schema_version. Nothing here is ever edited once released;
// a change ships as a new entry appended to the end.
var migrations = []string{
	// 1: initial schema
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

	CREATE TABLE IF NOT EXISTS downloads (
		id             TEXT PRIMARY KEY,
		url            TEXT NOT NULL,
		filename       TEXT NOT NULL,
		save_dir       TEXT NOT NULL,
		total          INTEGER NOT NULL DEFAULT -1,
		downloaded     INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL,
		category       TEXT NOT NULL,
		resumable      INTEGER NOT NULL DEFAULT 0,
		connections    INTEGER NOT NULL DEFAULT 1,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		queue_position INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL,
		started_at     INTEGER NOT NULL DEFAULT 0,
		completed_at   INTEGER NOT NULL DEFAULT 0,
		updated_at     INTEGER NOT NULL,
		headers        TEXT NOT NULL DEFAULT '{}',
		referrer       TEXT NOT NULL DEFAULT '',
		cookies        TEXT NOT NULL DEFAULT '',
		user_agent     TEXT NOT NULL DEFAULT '',
		expected_hash  TEXT NOT NULL DEFAULT '',
		error_kind     TEXT NOT NULL DEFAULT '',
		error_message  TEXT NOT NULL DEFAULT '',
		auto_resume    INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS chunks (
		download_id TEXT NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
		idx         INTEGER NOT NULL,
		start       INTEGER NOT NULL,
		end         INTEGER NOT NULL,
		completed   INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		PRIMARY KEY (download_id, idx)
	);

	CREATE TABLE IF NOT EXISTS retry_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		download_id TEXT NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
		attempt     INTEGER NOT NULL,
		error_class TEXT NOT NULL,
		ts          INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS speed_samples (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		download_id   TEXT NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
		ts            INTEGER NOT NULL,
		bytes_per_sec REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS site_settings (
		origin          TEXT PRIMARY KEY,
		max_connections INTEGER NOT NULL DEFAULT 0,
		headers         TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
	CREATE INDEX IF NOT EXISTS idx_chunks_download ON chunks(download_id);
	CREATE INDEX IF NOT EXISTS idx_speed_samples_download ON speed_samples(download_id);
	`,
}

// migrate applies any migrations beyond the database's current
// schema_version, each inside its own transaction.
func (s *Store) migrate() error {
	var current int
	row := s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)
	_ = row.Scan(&current) // table may not exist yet on a brand new database; current stays 0

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: begin: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: recording version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", i+1, err)
		}
		s.log.WithField("version", i+1).Info("applied storage migration")
	}
	return nil
}

const downloadSelectCols = `SELECT
	id, url, filename, save_dir, total, downloaded, status, category,
	resumable, connections, retry_count, queue_position, created_at,
	started_at, completed_at, updated_at, headers, referrer, cookies,
	user_agent, expected_hash, error_kind, error_message, auto_resume`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDownload(r rowScanner) (*model.Download, error) {
	d := &model.Download{}
	var status, category, headers string
	var resumable, autoResume int
	var createdAt, startedAt, completedAt, updatedAt int64

	err := r.Scan(
		&d.ID, &d.URL, &d.Filename, &d.SaveDir, &d.Total, &d.Downloaded, &status, &category,
		&resumable, &d.Connections, &d.RetryCount, &d.QueuePosition, &createdAt,
		&startedAt, &completedAt, &updatedAt, &headers, &d.Referrer, &d.Cookies,
		&d.UserAgent, &d.ExpectedHash, &d.ErrorKind, &d.ErrorMessage, &autoResume,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning download: %w", err)
	}

	d.Status = model.Status(status)
	d.Category = model.Category(category)
	d.Resumable = resumable != 0
	d.AutoResume = autoResume != 0
	d.CreatedAt = unixToTime(createdAt)
	d.StartedAt = unixToTime(startedAt)
	d.CompletedAt = unixToTime(completedAt)
	d.UpdatedAt = unixToTime(updatedAt)

	hdrs, err := decodeHeaders(headers)
	if err != nil {
		return nil, err
	}
	d.Headers = hdrs

	return d, nil
}

func encodeHeaders(h map[string]string) (string, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encoding headers: %w", err)
	}
	return string(b), nil
}

func decodeHeaders(s string) (map[string]string, error) {
	if s == "" {
		return map[string]string{}, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}
	return h, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
