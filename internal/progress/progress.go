// Package progress implements the per-download subscriber hub from
// spec.md §4.9: EMA speed, ETA, and non-blocking delivery that drops
// intermediate samples for slow subscribers. The hub runs no timer of its
// own: every Publish call computes and delivers a sample, so the sample
// rate follows the publisher's call rate.
//
// Grounded on the teacher's bubbletea progress.Model update loop
// (internal/core/downloader/progress.go), which already computes a
// downloaded/total/speed tuple on a tick; here that's generalized from "one
// TUI model" to "N independent channel subscribers across many downloads".
package progress

import (
	"sync"
	"time"
)

// SampleInterval is the nominal aggregation tick, per spec.md §4.9. Hub
// does not apply it: Publish samples on every call.
const SampleInterval = 250 * time.Millisecond

// emaAlpha weights the most recent speed sample; grounded on the same
// smoothing constant the teacher's TUI uses for its visible speed readout.
const emaAlpha = 0.3

// ChunkProgress is one chunk's contribution to a DownloadProgress sample.
type ChunkProgress struct {
	Index     int
	Completed int64
	Size      int64
}

// DownloadProgress is the aggregated sample emitted to subscribers, per
// spec.md §4.9.
type DownloadProgress struct {
	DownloadID string
	Downloaded int64
	Total      int64 // -1 when unknown
	SpeedBps   float64
	ETASeconds float64 // -1 when indeterminate
	PerChunk   []ChunkProgress
}

// Hub owns one subscriber channel set per actively-tracked download.
type Hub struct {
	mu      sync.Mutex
	tracked map[string]*tracker
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{tracked: make(map[string]*tracker)}
}

type tracker struct {
	mu          sync.Mutex
	subscribers map[chan DownloadProgress]struct{}
	lastSample  time.Time
	lastBytes   int64
	ema         float64
	haveEMA     bool
}

// Track begins aggregating samples for downloadID. Safe to call more than
// once; subsequent calls are no-ops.
func (h *Hub) Track(downloadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tracked[downloadID]; ok {
		return
	}
	h.tracked[downloadID] = &tracker{subscribers: make(map[chan DownloadProgress]struct{})}
}

// Untrack stops aggregating samples and closes every subscriber channel,
// signalling the terminal state per spec.md §6's subscribe_progress
// contract ("ongoing samples until terminal").
func (h *Hub) Untrack(downloadID string) {
	h.mu.Lock()
	t, ok := h.tracked[downloadID]
	delete(h.tracked, downloadID)
	h.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subscribers {
		close(ch)
	}
	t.subscribers = nil
}

// Subscribe returns a channel receiving DownloadProgress samples for
// downloadID until the download reaches a terminal state and Untrack is
// called. The channel is buffered by 1 and never blocks a publisher: a
// slow subscriber only ever sees the newest sample, per spec.md §4.9.
func (h *Hub) Subscribe(downloadID string) <-chan DownloadProgress {
	h.mu.Lock()
	t, ok := h.tracked[downloadID]
	h.mu.Unlock()
	if !ok {
		ch := make(chan DownloadProgress)
		close(ch)
		return ch
	}

	ch := make(chan DownloadProgress, 1)
	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (h *Hub) Unsubscribe(downloadID string, ch <-chan DownloadProgress) {
	h.mu.Lock()
	t, ok := h.tracked[downloadID]
	h.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.subscribers {
		if (<-chan DownloadProgress)(c) == ch {
			delete(t.subscribers, c)
			close(c)
			return
		}
	}
}

// Publish computes the EMA speed and ETA from a raw (downloaded, total, per
// chunk) snapshot and fans it out to every subscriber of downloadID,
// dropping (overwriting) any unread previous sample rather than blocking.
func (h *Hub) Publish(downloadID string, downloaded, total int64, chunks []ChunkProgress) {
	h.mu.Lock()
	t, ok := h.tracked[downloadID]
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	now := time.Now()
	speed := t.ema
	if !t.lastSample.IsZero() {
		elapsed := now.Sub(t.lastSample).Seconds()
		if elapsed > 0 {
			instant := float64(downloaded-t.lastBytes) / elapsed
			if !t.haveEMA {
				speed = instant
				t.haveEMA = true
			} else {
				speed = emaAlpha*instant + (1-emaAlpha)*t.ema
			}
		}
	}
	t.ema = speed
	t.lastSample = now
	t.lastBytes = downloaded

	eta := -1.0
	if total > 0 && speed > 0 {
		eta = float64(total-downloaded) / speed
		if eta < 0 {
			eta = 0
		}
	}

	sample := DownloadProgress{
		DownloadID: downloadID,
		Downloaded: downloaded,
		Total:      total,
		SpeedBps:   speed,
		ETASeconds: eta,
		PerChunk:   chunks,
	}

	for ch := range t.subscribers {
		select {
		case ch <- sample:
		default:
			// Slow subscriber: drop the unread sample and replace it so
			// only the newest is ever kept, per spec.md §4.9.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- sample:
			default:
			}
		}
	}
	t.mu.Unlock()
}
