// Package engine is the per-job coordinator from spec.md §4.7: it drives
// one download from a persisted chunk plan to a verified, merged file on
// disk, owning all in-memory chunk state itself.
//
// Grounded on the teacher's MultiStreamDownload/downloadChunk/
// downloadChunkOnce trio in internal/core/downloader/multistream.go: the
// worker-per-chunk pool, the resume-don't-restart retry loop, and the
// WriteAt-based part-file writer are all kept, generalized from "one
// in-memory *os.File" to "one file per chunk under a temp directory" so
// pause/resume can persist cleanly, and from "no limiter/no typed errors"
// to wiring internal/limiter and internal/craneerr throughout.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crane-dl/crane/internal/analyzer"
	"github.com/crane-dl/crane/internal/craneerr"
	"github.com/crane-dl/crane/internal/limiter"
	"github.com/crane-dl/crane/internal/metrics"
	"github.com/crane-dl/crane/internal/model"
	"github.com/crane-dl/crane/internal/planner"
	"github.com/crane-dl/crane/internal/progress"
	"github.com/crane-dl/crane/internal/protocol"
	"github.com/crane-dl/crane/internal/storage"
)

const (
	maxChunkAttempts    = 10 // per spec.md §4.7, resets whenever a retry makes progress
	backoffBase         = 1 * time.Second
	backoffCap          = 8 * time.Second
	defaultJobRetryBudget = 5
)

// Deps bundles the collaborators a Coordinator needs, all constructed once
// at daemon startup and shared across every in-flight download (spec.md
// §9's "global state is an explicit collaborator, not an ambient
// singleton").
type Deps struct {
	HTTP    *protocol.HTTPClient
	FTP     *protocol.FTPClient
	Limiter *limiter.Bucket
	Store   *storage.Store
	Hub     *progress.Hub
	Metrics *metrics.Registry // optional; nil disables instrumentation
	Log     *logrus.Entry
}

// Coordinator owns one Download's in-memory state exclusively, per spec.md
// §3's ownership rule.
type Coordinator struct {
	deps Deps

	mu       sync.Mutex
	download *model.Download
	chunks   []*model.Chunk

	cancel          context.CancelFunc
	paused          atomic.Bool
	cancelled       atomic.Bool
	rangeLie        atomic.Bool
	categoryRefined atomic.Bool

	jobRetryBudget int
	onDone         func(*model.Download)
}

// New builds a Coordinator for an already-planned download. chunks must
// already be persisted by the caller (storage.ReplaceChunks), per spec.md
// §4.6.
func New(deps Deps, d *model.Download, chunks []*model.Chunk, onDone func(*model.Download)) *Coordinator {
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		deps:           deps,
		download:       d,
		chunks:         chunks,
		jobRetryBudget: defaultJobRetryBudget - d.RetryCount, // RetryCount persists across requeues
		onDone:         onDone,
	}
}

func (c *Coordinator) tempDir() string {
	return filepath.Join(c.download.SaveDir, c.download.Filename+".crane_tmp")
}

func (c *Coordinator) chunkPath(index int) string {
	return filepath.Join(c.tempDir(), "chunk-"+strconv.Itoa(index))
}

// isMultiChunk reports whether the current plan splits the download across
// more than one worker. Only a multi-chunk plan requires genuine 206
// semantics per byte range; a single whole-stream chunk may legitimately
// receive a 200 to a range request that happens to cover the whole file.
func (c *Coordinator) isMultiChunk() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks) > 1
}

// Run drives the download to completion, failure, or cancellation. It
// blocks until one of those terminal outcomes, or until ctx is cancelled
// (treated the same as Cancel without deleting files). A server that lies about range support
// (spec.md §4.7, §8 scenario 2) triggers an in-place downgrade to a single
// whole-stream chunk and a fresh attempt, without consuming a job retry or
// leaving Run.
func (c *Coordinator) Run(ctx context.Context) {
	c.deps.Hub.Track(c.download.ID)
	defer c.deps.Hub.Untrack(c.download.ID)

	if err := os.MkdirAll(c.tempDir(), 0o755); err != nil {
		c.fail(ctx, craneerr.Wrap(craneerr.PermissionDenied, "creating temp directory", err))
		return
	}

	c.setStatus(ctx, model.StatusDownloading, true)

	for {
		if c.paused.Load() || c.cancelled.Load() {
			return
		}

		runCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancel = cancel
		chunks := append([]*model.Chunk(nil), c.chunks...)
		c.mu.Unlock()

		var wg sync.WaitGroup
		errs := make(chan error, len(chunks))
		for _, ch := range chunks {
			if ch.Done() {
				continue
			}
			wg.Add(1)
			go func(chunk *model.Chunk) {
				defer wg.Done()
				if err := c.runChunk(runCtx, chunk); err != nil {
					errs <- err
				}
			}(ch)
		}
		wg.Wait()
		close(errs)
		cancel()

		if c.cancelled.Load() {
			return // Cancel() already persisted the terminal state.
		}
		if c.paused.Load() {
			c.flushProgress(context.Background())
			c.setStatus(context.Background(), model.StatusPaused, true)
			return
		}
		if ctx.Err() != nil {
			c.Cancel(context.Background(), false)
			return
		}

		if c.rangeLie.CompareAndSwap(true, false) {
			c.downgradeToSingleChunk(ctx)
			continue
		}

		var firstErr error
		for e := range errs {
			if firstErr == nil {
				firstErr = e
			}
		}
		if firstErr != nil {
			c.onChunkFailure(ctx, firstErr)
			return
		}

		c.finish(ctx)
		return
	}
}

// downgradeToSingleChunk implements spec.md §4.7's "server lies about range
// support" contract and §8 scenario 2: the multi-chunk plan is discarded,
// the download is marked non-resumable, and a single whole-stream chunk is
// planned and persisted before the next attempt. Partial bytes written
// under the abandoned plan are discarded since chunk boundaries changed.
func (c *Coordinator) downgradeToSingleChunk(ctx context.Context) {
	c.mu.Lock()
	c.download.Resumable = false
	c.download.Connections = 1
	id, total := c.download.ID, c.download.Total
	chunks := planner.Plan(id, total, 1, false)
	c.chunks = chunks
	d := *c.download
	c.mu.Unlock()

	os.RemoveAll(c.tempDir())
	if err := os.MkdirAll(c.tempDir(), 0o755); err != nil {
		c.deps.Log.WithError(err).Warn("failed to recreate temp directory after range downgrade")
	}
	if err := c.deps.Store.ReplaceChunks(ctx, id, chunks); err != nil {
		c.deps.Log.WithError(err).Warn("failed to persist downgraded chunk plan")
	}
	if err := c.deps.Store.UpdateDownloadState(ctx, &d); err != nil {
		c.deps.Log.WithError(err).Warn("failed to persist resumable downgrade")
	}
	c.deps.Log.WithField("download_id", id).Info("server ignored range request; downgrading to single-chunk download")
}

// Pause requests cooperative cancellation of all workers, flushing
// progress synchronously before the coordinator exits, per spec.md §4.7
// and §5's cancellation contract.
func (c *Coordinator) Pause() {
	c.paused.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancel stops all workers and transitions the download to failed
// (Cancelled is a state transition, not a user-visible error, per spec.md
// §7). Idempotent, per spec.md §8.
func (c *Coordinator) Cancel(ctx context.Context, deleteFiles bool) {
	if !c.cancelled.CompareAndSwap(false, true) {
		return // already cancelled; no additional effect, per spec.md §8.
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if deleteFiles {
		os.RemoveAll(c.tempDir())
	}
	c.setStatus(ctx, model.StatusFailed, true)
	c.done()
}

// runChunk executes the resume-don't-restart retry loop for one chunk,
// directly generalizing the teacher's downloadChunk.
func (c *Coordinator) runChunk(ctx context.Context, chunk *model.Chunk) error {
	chunk.Status = model.ChunkActive
	attempts := 0

	for attempts < maxChunkAttempts {
		if attempts > 0 {
			backoff := backoffBase << uint(attempts-1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			select {
			case <-ctx.Done():
				return craneerr.New(craneerr.Cancelled, "paused or cancelled")
			case <-time.After(backoff):
			}
		}

		progressed, err := c.runChunkOnce(ctx, chunk)
		if err == nil {
			chunk.Status = model.ChunkCompleted
			c.persistChunk(ctx, chunk)
			return nil
		}
		if ctx.Err() != nil {
			return craneerr.New(craneerr.Cancelled, "paused or cancelled")
		}

		c.logRetry(ctx, chunk, attempts+1, err)

		if !craneerr.Retryable(err) || craneerr.Fatal(err) {
			chunk.Status = model.ChunkFailed
			c.persistChunk(ctx, chunk)
			return err
		}

		if progressed {
			attempts = 0 // Reset retries when a retry makes real progress.
		} else {
			attempts++
		}
	}

	chunk.Status = model.ChunkFailed
	c.persistChunk(ctx, chunk)
	return craneerr.New(craneerr.ReadTimeout, fmt.Sprintf("chunk %d exhausted %d attempts", chunk.Index, maxChunkAttempts))
}

// runChunkOnce opens a stream starting at the chunk's current offset and
// drains it into the chunk's part file in ReadQuantum-sized reads, gated
// by the shared bandwidth limiter. Returns whether any bytes were written
// before the error (used to decide whether the retry counter resets).
func (c *Coordinator) runChunkOnce(ctx context.Context, chunk *model.Chunk) (bool, error) {
	start := chunk.Start + chunk.Completed
	rng := protocol.Range{Start: start, End: chunk.End}
	if chunk.End < 0 {
		rng.End = -1
	}

	stream, err := c.open(ctx, rng)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	if c.isMultiChunk() && rng.End >= 0 && !stream.Info().Accepted206 {
		// Server lied about range support on a ranged request (any chunk,
		// including index 0 — it's the one most likely to observe this
		// first, since it's usually the first ranged GET issued): signal
		// the coordinator to cancel the other workers and downgrade the
		// whole download to a single non-resumable chunk, per spec.md
		// §4.7 and §8 scenario 2.
		c.rangeLie.Store(true)
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return false, craneerr.New(craneerr.RangeNotSupported, "server ignored Range header")
	}

	if err := c.checkResourceIdentity(chunk, stream.Info()); err != nil {
		return false, err
	}

	f, err := os.OpenFile(c.chunkPath(chunk.Index), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, craneerr.Wrap(craneerr.PermissionDenied, "opening chunk file", err)
	}
	defer f.Close()

	buf := make([]byte, protocol.ReadQuantum)
	offset := start
	wroteAny := false

	for {
		if err := c.deps.Limiter.Acquire(ctx, len(buf)); err != nil {
			return wroteAny, craneerr.New(craneerr.Cancelled, "paused or cancelled")
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			if chunk.Index == 0 && start == 0 && !wroteAny {
				c.maybeRefineCategory(ctx, buf[:n])
			}
			if _, werr := f.WriteAt(buf[:n], offset-chunk.Start); werr != nil {
				return wroteAny, craneerr.Wrap(craneerr.DiskFull, "writing chunk", werr)
			}
			offset += int64(n)
			wroteAny = true
			atomic.AddInt64(&chunk.Completed, int64(n))
			if c.deps.Metrics != nil {
				c.deps.Metrics.BytesDownloaded.Add(float64(n))
			}
			c.reportProgress(ctx)
			c.maybeFlush(ctx)
		}
		if readErr == io.EOF {
			if chunk.End >= 0 && offset-1 < chunk.End {
				return wroteAny, craneerr.New(craneerr.ContentLengthMismatch, "short read before end of chunk")
			}
			return wroteAny, nil
		}
		if readErr != nil {
			if ce, ok := craneerr.As(readErr); ok {
				return wroteAny, ce
			}
			return wroteAny, craneerr.Wrap(craneerr.ReadTimeout, "reading chunk", readErr)
		}
	}
}

func (c *Coordinator) open(ctx context.Context, rng protocol.Range) (protocol.Stream, error) {
	c.mu.Lock()
	url := c.download.URL
	headers := c.download.Headers
	c.mu.Unlock()

	if strings.HasPrefix(url, "ftp://") {
		return c.deps.FTP.Open(ctx, url, rng, headers)
	}
	return c.deps.HTTP.Open(ctx, url, rng, headers)
}

// checkResourceIdentity implements spec.md §4.7's "content morphs across
// retries" contract: once an ETag/Last-Modified has been observed, any
// later response carrying a different validator aborts the download.
// Per DESIGN.md's resolution of the ETag-disappears-mid-retry open
// question, a response with no validator at all is treated as unchanged.
func (c *Coordinator) checkResourceIdentity(chunk *model.Chunk, info protocol.ResponseInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	observed := info.ETag
	if observed == "" {
		observed = info.LastModified
	}
	if observed == "" {
		return nil // no validator at all: treated as unchanged.
	}
	if prior, ok := c.download.Headers["x-crane-validator"]; ok && prior != observed {
		return craneerr.New(craneerr.ResourceChanged, "resource validator changed between retries")
	}
	if c.download.Headers == nil {
		c.download.Headers = map[string]string{}
	}
	c.download.Headers["x-crane-validator"] = observed
	return nil
}

// maybeRefineCategory sniffs the first bytes of the resource once they're
// available and refines the analyzer's extension/Content-Type guess with
// gabriel-vasile/mimetype's content-based detection, per spec.md §4.5. Runs
// at most once per coordinator, on chunk 0's very first read.
func (c *Coordinator) maybeRefineCategory(ctx context.Context, prefix []byte) {
	if !c.categoryRefined.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	filename := c.download.Filename
	c.mu.Unlock()

	cat, sniffed := analyzer.ClassifyBytes(prefix, filename)

	c.mu.Lock()
	c.download.Category = cat
	c.download.UpdatedAt = time.Now()
	d := *c.download
	c.mu.Unlock()

	if err := c.deps.Store.UpdateDownloadState(ctx, &d); err != nil {
		c.deps.Log.WithError(err).Warn("failed to persist content-sniffed category")
	}
	c.deps.Log.WithField("mime", sniffed).WithField("category", cat).Debug("refined category from content sniffing")
}

func (c *Coordinator) persistChunk(ctx context.Context, chunk *model.Chunk) {
	if err := c.deps.Store.UpdateChunkProgress(ctx, chunk); err != nil {
		c.deps.Log.WithError(err).Warn("failed to persist chunk progress")
	}
}

func (c *Coordinator) logRetry(ctx context.Context, chunk *model.Chunk, attempt int, err error) {
	entry := &model.RetryLogEntry{
		DownloadID: c.download.ID,
		Attempt:    attempt,
		ErrorClass: string(craneerr.KindOf(err)),
		Timestamp:  time.Now(),
	}
	if err := c.deps.Store.AppendRetryLog(ctx, entry); err != nil {
		c.deps.Log.WithError(err).Warn("failed to append retry log")
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.ChunkRetries.Inc()
	}
}

func (c *Coordinator) reportProgress(ctx context.Context) {
	c.mu.Lock()
	var downloaded int64
	perChunk := make([]progress.ChunkProgress, 0, len(c.chunks))
	for _, ch := range c.chunks {
		completed := atomic.LoadInt64(&ch.Completed)
		downloaded += completed
		perChunk = append(perChunk, progress.ChunkProgress{Index: ch.Index, Completed: completed, Size: ch.Size()})
	}
	total := c.download.Total
	id := c.download.ID
	c.mu.Unlock()
	c.deps.Hub.Publish(id, downloaded, total, perChunk)
}

// maybeFlush persists progress at most once per debounce window, plus
// always on demand via flushProgress for state transitions, per spec.md
// §4.3.
func (c *Coordinator) maybeFlush(ctx context.Context) {
	if !c.deps.Store.ShouldFlushProgress(c.download.ID) {
		return
	}
	c.flushProgress(ctx)
}

func (c *Coordinator) flushProgress(ctx context.Context) {
	c.mu.Lock()
	var downloaded int64
	for _, ch := range c.chunks {
		downloaded += atomic.LoadInt64(&ch.Completed)
	}
	id := c.download.ID
	c.download.Downloaded = downloaded
	c.mu.Unlock()

	if err := c.deps.Store.FlushProgress(ctx, id, downloaded); err != nil {
		c.deps.Log.WithError(err).Warn("failed to flush progress")
	}
}

func (c *Coordinator) setStatus(ctx context.Context, status model.Status, persist bool) {
	c.mu.Lock()
	c.download.Status = status
	c.download.UpdatedAt = time.Now()
	switch status {
	case model.StatusDownloading:
		if c.download.StartedAt.IsZero() {
			c.download.StartedAt = time.Now()
		}
	case model.StatusCompleted, model.StatusFailed:
		c.download.CompletedAt = time.Now()
	}
	d := *c.download
	c.mu.Unlock()

	if persist {
		if err := c.deps.Store.UpdateDownloadState(ctx, &d); err != nil {
			c.deps.Log.WithError(err).Warn("failed to persist state transition")
		}
	}
}

func (c *Coordinator) onChunkFailure(ctx context.Context, err error) {
	c.flushProgress(ctx)

	if craneerr.Fatal(err) {
		c.failWith(ctx, err)
		return
	}

	c.mu.Lock()
	c.jobRetryBudget--
	budgetLeft := c.jobRetryBudget
	c.mu.Unlock()

	if budgetLeft <= 0 {
		c.failWith(ctx, err)
		return
	}

	// Job-level retry: caller (queue) re-admits this download; it is
	// requeued rather than retried in-place so admission control stays
	// centralized in internal/queue.
	c.mu.Lock()
	c.download.RetryCount++
	c.download.ErrorKind = string(craneerr.KindOf(err))
	c.download.ErrorMessage = err.Error()
	c.mu.Unlock()
	c.setStatus(ctx, model.StatusQueued, true)
	c.done()
}

func (c *Coordinator) failWith(ctx context.Context, err error) {
	c.mu.Lock()
	c.download.ErrorKind = string(craneerr.KindOf(err))
	c.download.ErrorMessage = err.Error()
	c.mu.Unlock()
	c.setStatus(ctx, model.StatusFailed, true)
	if c.deps.Metrics != nil {
		c.deps.Metrics.DownloadsFailed.Inc()
	}
	c.done()
}

func (c *Coordinator) fail(ctx context.Context, err error) {
	c.failWith(ctx, err)
}

// finish performs the sequential merge, optional hash verification, and
// final state transition once every chunk has completed, per spec.md
// §4.7.
func (c *Coordinator) finish(ctx context.Context) {
	c.flushProgress(ctx)

	finalPath := filepath.Join(c.download.SaveDir, c.download.Filename)
	if err := c.merge(finalPath); err != nil {
		c.failWith(ctx, craneerr.Wrap(craneerr.DiskFull, "merging chunks", err))
		return
	}

	c.mu.Lock()
	expected := c.download.ExpectedHash
	c.mu.Unlock()

	if expected != "" {
		if err := verifyHash(finalPath, expected); err != nil {
			badPath := finalPath + ".bad"
			os.Rename(finalPath, badPath) // retained for forensic inspection, per spec.md §8 scenario 6.
			c.failWith(ctx, craneerr.Wrap(craneerr.HashMismatch, "hash mismatch", err))
			return
		}
	}

	os.RemoveAll(c.tempDir())
	c.deps.Store.PruneChunks(ctx, c.download.ID)
	c.deps.Store.ForgetDebounce(c.download.ID)

	c.mu.Lock()
	c.download.Downloaded = c.download.Total
	c.mu.Unlock()
	c.setStatus(ctx, model.StatusCompleted, true)
	if c.deps.Metrics != nil {
		c.deps.Metrics.DownloadsComplete.Inc()
	}
	c.done()
}

func (c *Coordinator) merge(finalPath string) error {
	out, err := os.Create(finalPath)
	if err != nil {
		return err
	}
	defer out.Close()

	c.mu.Lock()
	chunks := append([]*model.Chunk(nil), c.chunks...)
	c.mu.Unlock()

	for _, ch := range chunks {
		in, err := os.Open(c.chunkPath(ch.Index))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			return err
		}
		in.Close()
	}
	return nil
}

func verifyHash(path, expected string) error {
	parts := strings.SplitN(expected, ":", 2)
	algo, hexDigest := "sha256", expected
	if len(parts) == 2 {
		algo, hexDigest = parts[0], parts[1]
	}
	if algo != "sha256" {
		return fmt.Errorf("unsupported hash algorithm %q", algo)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != strings.ToLower(hexDigest) {
		return fmt.Errorf("expected %s, got %s", hexDigest, got)
	}
	return nil
}

func (c *Coordinator) done() {
	if c.onDone != nil {
		c.mu.Lock()
		d := *c.download
		c.mu.Unlock()
		c.onDone(&d)
	}
}

// Download returns a snapshot copy of the coordinator's current state.
func (c *Coordinator) Download() *model.Download {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := *c.download
	return &d
}
