// Package storage is Crane's durable, embedded relational store (spec.md
// §4.3): downloads, chunks, retry_log, speed_samples, site_settings and
// schema_version tables behind database/sql, backed by modernc.org/sqlite
// (a pure-Go driver, grounded on the pack's billmal071-bookdl, warpdl-warpdl
// and KilimcininKorOglu-burkut manifests) running in WAL mode with a single
// writer goroutine serializing all mutations, matching the "many readers,
// one writer" discipline of spec.md §5.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"github.com/crane-dl/crane/internal/model"
)

// Store is the durable mirror of in-memory download state. All mutations
// are routed through a single writer goroutine (writeCh); reads use
// ordinary pooled connections, matching spec.md §5's "single writer, many
// readers" policy.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	writeCh chan writeJob
	wg      sync.WaitGroup
	closed  chan struct{}

	// debounce tracks the last flush time for progress-only writes per
	// download, implementing the write-debouncing contract of spec.md §4.3.
	mu          sync.Mutex
	lastFlushed map[string]time.Time
}

type writeJob struct {
	fn   func(*sql.Tx) error
	done chan error
}

// DebounceInterval is the minimum spacing between progress-field flushes
// for one download, per spec.md §4.3.
const DebounceInterval = 5 * time.Second

// Open opens (creating if necessary) the sqlite database at path, enables
// WAL mode, runs pending migrations, and starts the writer goroutine.
func Open(path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(8)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{
		db:          db,
		log:         log,
		writeCh:     make(chan writeJob, 64),
		closed:      make(chan struct{}),
		lastFlushed: make(map[string]time.Time),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.writerLoop()

	return s, nil
}

// writerLoop is the single serialized writer. Every mutation — schema
// migration excluded, which runs before this loop starts — funnels through
// here in arrival order.
func (s *Store) writerLoop() {
	defer s.wg.Done()
	for job := range s.writeCh {
		tx, err := s.db.Begin()
		if err != nil {
			job.done <- err
			continue
		}
		if err := job.fn(tx); err != nil {
			tx.Rollback()
			job.done <- err
			continue
		}
		job.done <- tx.Commit()
	}
}

// write submits fn to the serialized writer and waits for it to complete.
func (s *Store) write(fn func(*sql.Tx) error) error {
	done := make(chan error, 1)
	select {
	case s.writeCh <- writeJob{fn: fn, done: done}:
	case <-s.closed:
		return fmt.Errorf("storage is closing")
	}
	return <-done
}

// Close flushes and stops the writer goroutine, then closes the database.
// Per spec.md §4.3, callers must have already synchronously flushed any
// debounced progress before calling Close.
func (s *Store) Close() error {
	close(s.closed)
	close(s.writeCh)
	s.wg.Wait()
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for read-only snapshot queries (command
// surface, UI). Readers never go through the writer goroutine.
func (s *Store) DB() *sql.DB { return s.db }

// ShouldFlushProgress reports whether enough time has passed since the last
// progress flush for downloadID to justify another one, implementing the
// 5-second debounce window. It always returns true for a download that has
// never been flushed.
func (s *Store) ShouldFlushProgress(downloadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastFlushed[downloadID]
	if !ok {
		return true
	}
	return time.Since(last) >= DebounceInterval
}

// MarkFlushed records that downloadID's progress was just flushed.
func (s *Store) MarkFlushed(downloadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlushed[downloadID] = time.Now()
}

// ForgetDebounce drops the debounce bookkeeping for a finished/removed
// download so the map doesn't grow without bound.
func (s *Store) ForgetDebounce(downloadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastFlushed, downloadID)
}

// --- Downloads ---

// InsertDownload persists a newly created download.
func (s *Store) InsertDownload(ctx context.Context, d *model.Download) error {
	return s.write(func(tx *sql.Tx) error {
		headers, err := encodeHeaders(d.Headers)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO downloads (
				id, url, filename, save_dir, total, downloaded, status, category,
				resumable, connections, retry_count, queue_position, created_at,
				started_at, completed_at, updated_at, headers, referrer, cookies,
				user_agent, expected_hash, error_kind, error_message, auto_resume
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			d.ID, d.URL, d.Filename, d.SaveDir, d.Total, d.Downloaded, string(d.Status), string(d.Category),
			boolToInt(d.Resumable), d.Connections, d.RetryCount, d.QueuePosition, timeToUnix(d.CreatedAt),
			timeToUnix(d.StartedAt), timeToUnix(d.CompletedAt), timeToUnix(d.UpdatedAt), headers, d.Referrer, d.Cookies,
			d.UserAgent, d.ExpectedHash, d.ErrorKind, d.ErrorMessage, boolToInt(d.AutoResume),
		)
		return err
	})
}

// UpdateDownloadState persists a full state transition (status, error,
// timestamps) synchronously, per spec.md §4.3's "synchronously on state
// transitions" clause.
func (s *Store) UpdateDownloadState(ctx context.Context, d *model.Download) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE downloads SET status=?, downloaded=?, total=?, retry_count=?,
				started_at=?, completed_at=?, updated_at=?, error_kind=?, error_message=?,
				resumable=?, filename=?, category=?
			WHERE id=?`,
			string(d.Status), d.Downloaded, d.Total, d.RetryCount,
			timeToUnix(d.StartedAt), timeToUnix(d.CompletedAt), timeToUnix(d.UpdatedAt), d.ErrorKind, d.ErrorMessage,
			boolToInt(d.Resumable), d.Filename, string(d.Category),
			d.ID,
		)
		return err
	})
}

// FlushProgress persists only the progress fields (downloaded, updated_at).
// Callers should gate this with ShouldFlushProgress for the debounced path,
// or call it unconditionally on pause/resume/fail/complete/shutdown.
func (s *Store) FlushProgress(ctx context.Context, downloadID string, downloaded int64) error {
	err := s.write(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE downloads SET downloaded=?, updated_at=? WHERE id=?`,
			downloaded, time.Now().Unix(), downloadID)
		return err
	})
	if err == nil {
		s.MarkFlushed(downloadID)
	}
	return err
}

// DeleteDownload removes a download and its chunks.
func (s *Store) DeleteDownload(ctx context.Context, id string) error {
	return s.write(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE download_id=?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM downloads WHERE id=?`, id)
		return err
	})
}

// GetDownload reads a single download snapshot. Readers never go through
// the serialized writer.
func (s *Store) GetDownload(ctx context.Context, id string) (*model.Download, error) {
	row := s.db.QueryRowContext(ctx, downloadSelectCols+` FROM downloads WHERE id=?`, id)
	return scanDownload(row)
}

// ListDownloads returns a snapshot of every download, ordered by creation
// time, satisfying get_downloads (spec.md §6).
func (s *Store) ListDownloads(ctx context.Context) ([]*model.Download, error) {
	rows, err := s.db.QueryContext(ctx, downloadSelectCols+` FROM downloads ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListByStatus returns downloads matching any of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Download, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, downloadSelectCols+` FROM downloads WHERE status IN (`+placeholders+`) ORDER BY queue_position ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Chunks ---

// ReplaceChunks deletes existing chunks for a download and inserts a new
// plan atomically, per spec.md §4.6's "the plan is persisted before any
// worker starts."
func (s *Store) ReplaceChunks(ctx context.Context, downloadID string, chunks []*model.Chunk) error {
	return s.write(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE download_id=?`, downloadID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (download_id, idx, start, end, completed, status)
			VALUES (?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, downloadID, c.Index, c.Start, c.End, c.Completed, string(c.Status)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateChunkProgress persists one chunk's completed-byte counter and status.
func (s *Store) UpdateChunkProgress(ctx context.Context, c *model.Chunk) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE chunks SET completed=?, status=? WHERE download_id=? AND idx=?`,
			c.Completed, string(c.Status), c.DownloadID, c.Index)
		return err
	})
}

// ListChunks returns the persisted chunk plan for a download, ordered by
// index. The daemon's start path does not read it: each start re-plans
// and replaces the stored chunks (see command.Server.StartDownload).
func (s *Store) ListChunks(ctx context.Context, downloadID string) ([]*model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT download_id, idx, start, end, completed, status
		FROM chunks WHERE download_id=? ORDER BY idx ASC`, downloadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Chunk
	for rows.Next() {
		c := &model.Chunk{}
		var status string
		if err := rows.Scan(&c.DownloadID, &c.Index, &c.Start, &c.End, &c.Completed, &status); err != nil {
			return nil, err
		}
		c.Status = model.ChunkStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneChunks deletes chunk rows for a completed download, per spec.md §3:
// "a Chunk lives only while its owning Download is not completed."
func (s *Store) PruneChunks(ctx context.Context, downloadID string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE download_id=?`, downloadID)
		return err
	})
}

// --- Retry log ---

// AppendRetryLog records one attempt failure. Append-only, per spec.md §3.
func (s *Store) AppendRetryLog(ctx context.Context, e *model.RetryLogEntry) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO retry_log (download_id, attempt, error_class, ts) VALUES (?,?,?,?)`,
			e.DownloadID, e.Attempt, e.ErrorClass, e.Timestamp.Unix())
		return err
	})
}

// --- Speed samples ---

const maxSpeedSamplesPerDownload = 120 // bounded ring, per spec.md §3

// AppendSpeedSample inserts a sample and trims the ring for that download.
func (s *Store) AppendSpeedSample(ctx context.Context, smp *model.SpeedSample) error {
	return s.write(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO speed_samples (download_id, ts, bytes_per_sec) VALUES (?,?,?)`,
			smp.DownloadID, smp.Timestamp.Unix(), smp.BytesPerSec); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM speed_samples WHERE download_id=? AND id NOT IN (
				SELECT id FROM speed_samples WHERE download_id=? ORDER BY id DESC LIMIT ?
			)`, smp.DownloadID, smp.DownloadID, maxSpeedSamplesPerDownload)
		return err
	})
}

// --- Site settings ---

// UpsertSiteSetting writes or replaces a per-origin override.
func (s *Store) UpsertSiteSetting(ctx context.Context, st *model.SiteSetting) error {
	return s.write(func(tx *sql.Tx) error {
		headers, err := encodeHeaders(st.CustomHeaders)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO site_settings (origin, max_connections, headers) VALUES (?,?,?)
			ON CONFLICT(origin) DO UPDATE SET max_connections=excluded.max_connections, headers=excluded.headers`,
			st.Origin, st.MaxConnections, headers)
		return err
	})
}

// GetSiteSetting reads the override for an origin, if any.
func (s *Store) GetSiteSetting(ctx context.Context, origin string) (*model.SiteSetting, error) {
	row := s.db.QueryRowContext(ctx, `SELECT origin, max_connections, headers FROM site_settings WHERE origin=?`, origin)
	st := &model.SiteSetting{}
	var headers string
	if err := row.Scan(&st.Origin, &st.MaxConnections, &headers); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	hdrs, err := decodeHeaders(headers)
	if err != nil {
		return nil, err
	}
	st.CustomHeaders = hdrs
	return st, nil
}
