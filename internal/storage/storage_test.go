package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crane-dl/crane/internal/model"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crane.db")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDownload(id string) *model.Download {
	now := time.Now()
	return &model.Download{
		ID:          id,
		URL:         "https://example.com/file.zip",
		Filename:    "file.zip",
		SaveDir:     "/tmp",
		Total:       1000,
		Downloaded:  0,
		Status:      model.StatusQueued,
		Category:    model.CategoryArchives,
		Resumable:   true,
		Connections: 4,
		CreatedAt:   now,
		UpdatedAt:   now,
		Headers:     map[string]string{"User-Agent": "crane/1.0"},
		AutoResume:  true,
	}
}

func TestInsertAndGetDownload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := sampleDownload("d1")
	if err := s.InsertDownload(ctx, d); err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}

	got, err := s.GetDownload(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if got.URL != d.URL || got.Filename != d.Filename || got.Total != d.Total {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if !got.Resumable {
		t.Error("expected Resumable to round-trip true")
	}
	if got.Headers["User-Agent"] != "crane/1.0" {
		t.Errorf("expected header round-trip, got %+v", got.Headers)
	}
}

func TestUpdateDownloadState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := sampleDownload("d2")
	if err := s.InsertDownload(ctx, d); err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}

	d.Status = model.StatusDownloading
	d.Downloaded = 500
	d.StartedAt = time.Now()
	if err := s.UpdateDownloadState(ctx, d); err != nil {
		t.Fatalf("UpdateDownloadState: %v", err)
	}

	got, err := s.GetDownload(ctx, "d2")
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if got.Status != model.StatusDownloading || got.Downloaded != 500 {
		t.Errorf("expected updated state, got %+v", got)
	}
}

func TestListByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	queued := sampleDownload("q1")
	queued.Status = model.StatusQueued
	completed := sampleDownload("c1")
	completed.Status = model.StatusCompleted

	if err := s.InsertDownload(ctx, queued); err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}
	if err := s.InsertDownload(ctx, completed); err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}

	rows, err := s.ListByStatus(ctx, model.StatusQueued)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "q1" {
		t.Errorf("expected only q1, got %+v", rows)
	}
}

func TestDeleteDownloadRemovesChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := sampleDownload("d3")
	if err := s.InsertDownload(ctx, d); err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}
	chunks := []*model.Chunk{
		{DownloadID: "d3", Index: 0, Start: 0, End: 499, Status: model.ChunkPending},
		{DownloadID: "d3", Index: 1, Start: 500, End: 999, Status: model.ChunkPending},
	}
	if err := s.ReplaceChunks(ctx, "d3", chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	if err := s.DeleteDownload(ctx, "d3"); err != nil {
		t.Fatalf("DeleteDownload: %v", err)
	}
	if _, err := s.GetDownload(ctx, "d3"); err == nil {
		t.Error("expected download to be gone")
	}
	remaining, err := s.ListChunks(ctx, "d3")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected chunks deleted alongside download, got %d", len(remaining))
	}
}

func TestReplaceChunksAndProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := sampleDownload("d4")
	if err := s.InsertDownload(ctx, d); err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}

	chunks := []*model.Chunk{
		{DownloadID: "d4", Index: 0, Start: 0, End: 499, Status: model.ChunkActive},
		{DownloadID: "d4", Index: 1, Start: 500, End: 999, Status: model.ChunkPending},
	}
	if err := s.ReplaceChunks(ctx, "d4", chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	chunks[0].Completed = 250
	if err := s.UpdateChunkProgress(ctx, chunks[0]); err != nil {
		t.Fatalf("UpdateChunkProgress: %v", err)
	}

	got, err := s.ListChunks(ctx, "d4")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].Completed != 250 {
		t.Errorf("expected completed=250, got %d", got[0].Completed)
	}
}

func TestProgressDebounce(t *testing.T) {
	s := openTestStore(t)

	if !s.ShouldFlushProgress("d5") {
		t.Error("expected first flush to be allowed")
	}
	s.MarkFlushed("d5")
	if s.ShouldFlushProgress("d5") {
		t.Error("expected flush to be debounced immediately after marking")
	}

	s.mu.Lock()
	s.lastFlushed["d5"] = time.Now().Add(-DebounceInterval - time.Second)
	s.mu.Unlock()
	if !s.ShouldFlushProgress("d5") {
		t.Error("expected flush to be allowed again once the window elapsed")
	}

	s.ForgetDebounce("d5")
	if !s.ShouldFlushProgress("d5") {
		t.Error("expected flush to be allowed after forgetting debounce state")
	}
}

func TestRetryLogAndSpeedSamples(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := sampleDownload("d6")
	if err := s.InsertDownload(ctx, d); err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}

	entry := &model.RetryLogEntry{DownloadID: "d6", Attempt: 1, ErrorClass: "read_timeout", Timestamp: time.Now()}
	if err := s.AppendRetryLog(ctx, entry); err != nil {
		t.Fatalf("AppendRetryLog: %v", err)
	}

	for i := 0; i < 3; i++ {
		smp := &model.SpeedSample{DownloadID: "d6", Timestamp: time.Now(), BytesPerSec: float64(1000 * (i + 1))}
		if err := s.AppendSpeedSample(ctx, smp); err != nil {
			t.Fatalf("AppendSpeedSample: %v", err)
		}
	}
}

func TestSiteSettingUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := &model.SiteSetting{Origin: "https://example.com", MaxConnections: 2, CustomHeaders: map[string]string{"X-Foo": "bar"}}
	if err := s.UpsertSiteSetting(ctx, st); err != nil {
		t.Fatalf("UpsertSiteSetting: %v", err)
	}

	got, err := s.GetSiteSetting(ctx, "https://example.com")
	if err != nil {
		t.Fatalf("GetSiteSetting: %v", err)
	}
	if got == nil || got.MaxConnections != 2 || got.CustomHeaders["X-Foo"] != "bar" {
		t.Errorf("expected round-tripped site setting, got %+v", got)
	}

	st.MaxConnections = 8
	if err := s.UpsertSiteSetting(ctx, st); err != nil {
		t.Fatalf("UpsertSiteSetting (update): %v", err)
	}
	got, err = s.GetSiteSetting(ctx, "https://example.com")
	if err != nil {
		t.Fatalf("GetSiteSetting: %v", err)
	}
	if got.MaxConnections != 8 {
		t.Errorf("expected updated max_connections=8, got %d", got.MaxConnections)
	}
}

func TestMigrationIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crane.db")
	s1, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s1.InsertDownload(ctx, sampleDownload("persist1")); err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetDownload(ctx, "persist1")
	if err != nil {
		t.Fatalf("GetDownload after reopen: %v", err)
	}
	if got.ID != "persist1" {
		t.Errorf("expected persisted row to survive reopen, got %+v", got)
	}
}
