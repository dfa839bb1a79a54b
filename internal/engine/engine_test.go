package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crane-dl/crane/internal/limiter"
	"github.com/crane-dl/crane/internal/model"
	"github.com/crane-dl/crane/internal/netguard"
	"github.com/crane-dl/crane/internal/planner"
	"github.com/crane-dl/crane/internal/progress"
	"github.com/crane-dl/crane/internal/protocol"
	"github.com/crane-dl/crane/internal/storage"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "crane.db"), nil)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return Deps{
		HTTP:    protocol.NewHTTPClient(&netguard.Guard{AllowLoopback: true}),
		FTP:     protocol.NewFTPClient(&netguard.Guard{AllowLoopback: true}),
		Limiter: limiter.New(0),
		Store:   store,
		Hub:     progress.NewHub(),
		Log:     logrus.NewEntry(log),
	}
}

func rangeServer(body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		start, end, ok := parseRangeHeader(rangeHdr, len(body))
		if !ok {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

// parseRangeHeader parses a "bytes=start-end" header value for the test
// fixture server; it never needs to handle suffix or multi-range forms.
func parseRangeHeader(hdr string, bodyLen int) (start, end int, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(hdr, prefix) {
		return 0, 0, false
	}
	parts := strings.SplitN(strings.TrimPrefix(hdr, prefix), "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err1 := strconv.Atoi(parts[0])
	end, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	if end >= bodyLen {
		end = bodyLen - 1
	}
	return start, end, true
}

func newTestDownload(id, url, saveDir string, total int64) *model.Download {
	now := time.Now()
	return &model.Download{
		ID: id, URL: url, Filename: "out.bin", SaveDir: saveDir,
		Total: total, Status: model.StatusQueued, Category: model.CategoryOther,
		Resumable: true, Connections: 2, CreatedAt: now, UpdatedAt: now, AutoResume: true,
	}
}

func TestRun_CompletesAndMerges(t *testing.T) {
	body := make([]byte, 10000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := rangeServer(body)
	defer srv.Close()

	deps := testDeps(t)
	saveDir := t.TempDir()
	d := newTestDownload("e1", srv.URL, saveDir, int64(len(body)))
	chunks := planner.Plan(d.ID, d.Total, 4, true)
	if err := deps.Store.InsertDownload(context.Background(), d); err != nil {
		t.Fatalf("InsertDownload: %v", err)
	}
	if err := deps.Store.ReplaceChunks(context.Background(), d.ID, chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	done := make(chan *model.Download, 1)
	coord := New(deps, d, chunks, func(fd *model.Download) { done <- fd })
	coord.Run(context.Background())

	select {
	case fd := <-done:
		if fd.Status != model.StatusCompleted {
			t.Fatalf("expected completed, got %v (%s: %s)", fd.Status, fd.ErrorKind, fd.ErrorMessage)
		}
	default:
		t.Fatal("expected onDone to be called")
	}

	out, err := os.ReadFile(filepath.Join(saveDir, "out.bin"))
	if err != nil {
		t.Fatalf("reading merged file: %v", err)
	}
	if len(out) != len(body) {
		t.Fatalf("expected merged size %d, got %d", len(body), len(out))
	}
	for i := range body {
		if out[i] != body[i] {
			t.Fatalf("byte mismatch at %d", i)
			break
		}
	}

	if _, err := os.Stat(filepath.Join(saveDir, "out.bin.crane_tmp")); !os.IsNotExist(err) {
		t.Error("expected temp directory to be removed after merge")
	}
}

func TestRun_HashMismatchRetainsBadFile(t *testing.T) {
	body := []byte("hello crane world, this is a test payload for hashing")
	srv := rangeServer(body)
	defer srv.Close()

	deps := testDeps(t)
	saveDir := t.TempDir()
	d := newTestDownload("e2", srv.URL, saveDir, int64(len(body)))
	d.ExpectedHash = "sha256:" + hex.EncodeToString(sha256.New().Sum(nil)) // deliberately wrong
	chunks := planner.Plan(d.ID, d.Total, 1, true)
	deps.Store.InsertDownload(context.Background(), d)
	deps.Store.ReplaceChunks(context.Background(), d.ID, chunks)

	done := make(chan *model.Download, 1)
	coord := New(deps, d, chunks, func(fd *model.Download) { done <- fd })
	coord.Run(context.Background())

	fd := <-done
	if fd.Status != model.StatusFailed || fd.ErrorKind != "HashMismatch" {
		t.Fatalf("expected HashMismatch failure, got %v/%s", fd.Status, fd.ErrorKind)
	}
	if _, err := os.Stat(filepath.Join(saveDir, "out.bin.bad")); err != nil {
		t.Errorf("expected .bad file retained for forensics: %v", err)
	}
}

func TestRun_ServerLiesAboutRangeFallsBackSingleChunk(t *testing.T) {
	// Large enough that the planner splits it into more than one chunk
	// (MinChunkSize is 256 KiB), so the lie is observable on the very
	// first ranged GET, including chunk 0.
	body := make([]byte, 600*1024)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK) // always ignores Range
		w.Write(body)
	}))
	defer srv.Close()

	deps := testDeps(t)
	saveDir := t.TempDir()
	d := newTestDownload("e3", srv.URL, saveDir, int64(len(body)))
	chunks := planner.Plan(d.ID, d.Total, 3, true)
	deps.Store.InsertDownload(context.Background(), d)
	deps.Store.ReplaceChunks(context.Background(), d.ID, chunks)

	done := make(chan *model.Download, 1)
	coord := New(deps, d, chunks, func(fd *model.Download) { done <- fd })
	coord.Run(context.Background())

	// Per spec.md §4.7 and §8 scenario 2: the engine downgrades to a
	// single-chunk, non-resumable plan and completes successfully instead
	// of burning the job's retry budget against a lying server.
	fd := <-done
	if fd.Status != model.StatusCompleted {
		t.Fatalf("expected completed after downgrading to single chunk, got %v (%s: %s)", fd.Status, fd.ErrorKind, fd.ErrorMessage)
	}
	if fd.Resumable {
		t.Error("expected download marked non-resumable after the range-support lie was detected")
	}

	out, err := os.ReadFile(filepath.Join(saveDir, "out.bin"))
	if err != nil {
		t.Fatalf("reading merged file: %v", err)
	}
	if len(out) != len(body) {
		t.Fatalf("expected merged size %d, got %d", len(body), len(out))
	}
	for i := range body {
		if out[i] != body[i] {
			t.Fatalf("byte mismatch at %d", i)
			break
		}
	}
}

func TestRun_RefinesCategoryFromContentSniffing(t *testing.T) {
	// PNG signature followed by padding; the extension-based guess from a
	// bare "file" filename and no Content-Type lands on CategoryOther, so
	// completion should refine it to CategoryImages from the sniffed bytes.
	body := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 2048)...)
	srv := rangeServer(body)
	defer srv.Close()

	deps := testDeps(t)
	saveDir := t.TempDir()
	d := newTestDownload("e5", srv.URL, saveDir, int64(len(body)))
	d.Filename = "file"
	d.Category = model.CategoryOther
	chunks := planner.Plan(d.ID, d.Total, 1, true)
	deps.Store.InsertDownload(context.Background(), d)
	deps.Store.ReplaceChunks(context.Background(), d.ID, chunks)

	done := make(chan *model.Download, 1)
	coord := New(deps, d, chunks, func(fd *model.Download) { done <- fd })
	coord.Run(context.Background())

	fd := <-done
	if fd.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %v (%s: %s)", fd.Status, fd.ErrorKind, fd.ErrorMessage)
	}
	if fd.Category != model.CategoryImages {
		t.Fatalf("expected category refined to images from sniffed PNG signature, got %v", fd.Category)
	}

	stored, err := deps.Store.GetDownload(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if stored.Category != model.CategoryImages {
		t.Fatalf("expected refined category to be persisted, got %v", stored.Category)
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	body := []byte("short body")
	srv := rangeServer(body)
	defer srv.Close()

	deps := testDeps(t)
	saveDir := t.TempDir()
	d := newTestDownload("e4", srv.URL, saveDir, int64(len(body)))
	chunks := planner.Plan(d.ID, d.Total, 1, true)
	deps.Store.InsertDownload(context.Background(), d)
	deps.Store.ReplaceChunks(context.Background(), d.ID, chunks)

	coord := New(deps, d, chunks, nil)
	ctx := context.Background()
	coord.Cancel(ctx, false)
	coord.Cancel(ctx, false) // must not panic or double-transition
}
