// Package queue implements the admission/concurrency manager from spec.md
// §4.8: an upper bound on simultaneously downloading jobs, FIFO promotion
// of queued jobs as slots free up, per-site caps, and auto-resume on
// startup.
//
// Grounded on the teacher's JobQueue in internal/server/job.go (a
// channel-fed worker pool with a fixed number of goroutines draining a job
// channel); here the fixed worker-goroutine pool is replaced with an
// explicit admitted-set-plus-FIFO-waitlist so per-site caps and queue
// promotion/demotion can be enforced at the id level, which a plain
// channel can't express.
package queue

import (
	"container/list"
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/crane-dl/crane/internal/model"
	"github.com/crane-dl/crane/internal/storage"
)

// Starter is implemented by whatever constructs and runs an
// internal/engine.Coordinator for an admitted download; the queue manager
// never imports internal/engine directly, breaking the cyclic reference
// spec.md §9 calls out by message passing through ids.
type Starter interface {
	StartDownload(ctx context.Context, d *model.Download)
}

// Manager holds the in-memory admitted set and FIFO waitlist. Per spec.md
// §3, its cardinality of admitted jobs never exceeds MaxConcurrent.
type Manager struct {
	mu sync.Mutex

	store   *storage.Store
	starter Starter
	log     *logrus.Entry

	maxConcurrent int
	siteMax       map[string]int // origin -> effective cap, refreshed via SetSiteMax

	admitted map[string]string // download id -> origin, for admitted (running) jobs
	waitlist *list.List        // FIFO of download ids

	nextQueuePos int64
}

// New builds a Manager. maxConcurrent is the global admission ceiling from
// config.
func New(store *storage.Store, starter Starter, maxConcurrent int, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		store:         store,
		starter:       starter,
		log:           log,
		maxConcurrent: maxConcurrent,
		siteMax:       make(map[string]int),
		admitted:      make(map[string]string),
		waitlist:      list.New(),
	}
}

// SetMaxConcurrent updates the global ceiling and immediately runs a
// promotion pass in case it increased.
func (m *Manager) SetMaxConcurrent(ctx context.Context, n int) {
	m.mu.Lock()
	m.maxConcurrent = n
	m.mu.Unlock()
	m.promote(ctx)
}

// SetSiteMax records the effective per-origin cap (already resolved
// against the global default via model.SiteSetting.EffectiveMaxConnections
// by the caller).
func (m *Manager) SetSiteMax(origin string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.siteMax[origin] = n
}

// Enqueue adds a newly created download to the FIFO waitlist and assigns
// it a monotonically increasing queue position, then attempts promotion.
func (m *Manager) Enqueue(ctx context.Context, d *model.Download) {
	m.mu.Lock()
	m.nextQueuePos++
	d.QueuePosition = m.nextQueuePos
	d.Status = model.StatusQueued
	m.waitlist.PushBack(d.ID)
	m.mu.Unlock()

	if err := m.store.UpdateDownloadState(ctx, d); err != nil {
		m.log.WithError(err).Warn("failed to persist queued state")
	}
	m.promote(ctx)
}

// Requeue returns a previously admitted download (paused, or job-retrying
// after chunk failures) to the front of the waitlist so it's the first
// candidate for the next promotion pass.
func (m *Manager) Requeue(ctx context.Context, d *model.Download) {
	m.mu.Lock()
	delete(m.admitted, d.ID)
	m.waitlist.PushFront(d.ID)
	m.mu.Unlock()
	m.promote(ctx)
}

// Release frees an admitted slot (download reached a terminal state) and
// runs a promotion pass.
func (m *Manager) Release(ctx context.Context, downloadID string) {
	m.mu.Lock()
	delete(m.admitted, downloadID)
	m.mu.Unlock()
	m.promote(ctx)
}

// promote admits queued downloads up to maxConcurrent, honoring per-site
// caps, taking candidates from the front of the waitlist. A download whose
// site is already at its cap is skipped without consuming a global slot and
// moved to the back of the waitlist. The pass ends when the ceiling is
// reached, the waitlist is empty, or it has skipped as many times as there
// are waiting entries; skipped downloads wait for the next pass.
func (m *Manager) promote(ctx context.Context) {
	skipped := 0
	for {
		m.mu.Lock()
		if len(m.admitted) >= m.maxConcurrent {
			m.mu.Unlock()
			return
		}
		front := m.waitlist.Front()
		if front == nil {
			m.mu.Unlock()
			return
		}
		id := front.Value.(string)
		m.mu.Unlock()

		d, err := m.store.GetDownload(ctx, id)
		if err != nil {
			m.removeFromWaitlist(id)
			continue
		}

		origin := originOf(d.URL)
		m.mu.Lock()
		siteCap, hasCap := m.siteMax[origin]
		admittedForSite := 0
		if hasCap {
			admittedForSite = m.countAdmittedForOrigin(origin)
		}
		if hasCap && admittedForSite >= siteCap {
			skipped++
			exhausted := skipped >= m.waitlist.Len()
			m.mu.Unlock()
			// Site is saturated; try the next waiting item instead of
			// blocking the whole queue behind one busy origin.
			if exhausted || !m.skipToNextCandidate(id) {
				return
			}
			continue
		}
		m.admitted[id] = origin
		m.removeFromWaitlistLocked(id)
		m.mu.Unlock()

		d.Status = model.StatusDownloading
		m.starter.StartDownload(ctx, d)
	}
}

// countAdmittedForOrigin is O(admitted); the admitted set is bounded by
// MaxConcurrent, which is small in practice. Caller must hold m.mu.
func (m *Manager) countAdmittedForOrigin(origin string) int {
	count := 0
	for _, o := range m.admitted {
		if o == origin {
			count++
		}
	}
	return count
}

func (m *Manager) removeFromWaitlist(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFromWaitlistLocked(id)
}

func (m *Manager) removeFromWaitlistLocked(id string) {
	for e := m.waitlist.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == id {
			m.waitlist.Remove(e)
			return
		}
	}
}

// skipToNextCandidate moves id to the back of the waitlist so other queued
// downloads get a chance this pass; returns false if id was the only entry.
func (m *Manager) skipToNextCandidate(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waitlist.Len() <= 1 {
		return false
	}
	m.removeFromWaitlistLocked(id)
	m.waitlist.PushBack(id)
	return true
}

func originOf(rawURL string) string {
	// Minimal origin extraction (scheme://host) without a full net/url
	// parse, since this is only used as a map key for site caps.
	schemeEnd := indexOf(rawURL, "://")
	if schemeEnd < 0 {
		return rawURL
	}
	rest := rawURL[schemeEnd+3:]
	hostEnd := indexOf(rest, "/")
	if hostEnd < 0 {
		return rawURL
	}
	return rawURL[:schemeEnd+3+hostEnd]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// AutoResume implements spec.md §4.8's startup contract: every download
// whose last persisted status was downloading or paused-with-auto-resume
// is requeued and a promotion pass runs. It returns the downloads it
// resumed so callers can keep external bookkeeping (e.g. metrics gauges)
// in sync.
func (m *Manager) AutoResume(ctx context.Context) ([]*model.Download, error) {
	rows, err := m.store.ListByStatus(ctx, model.StatusDownloading, model.StatusPaused)
	if err != nil {
		return nil, err
	}
	resumed := make([]*model.Download, 0, len(rows))
	for _, d := range rows {
		if d.Status == model.StatusPaused && !d.AutoResume {
			continue
		}
		m.Enqueue(ctx, d)
		resumed = append(resumed, d)
	}
	return resumed, nil
}
