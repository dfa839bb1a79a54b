// Package limiter implements Crane's single, process-wide bandwidth token
// bucket (spec.md §4.1): a rate in bytes/sec, an optional wall-clock
// schedule of rate overrides, FIFO-fair waiters, and partial grants down to
// a minimum so no waiter starves behind a large request.
//
// golang.org/x/time/rate (seen wired in the pack's forest6511-gdl and
// KilimcininKorOglu-burkut manifests) supplies the underlying refill
// arithmetic, but its Limiter.WaitN blocks for all N tokens atomically and
// has no notion of schedule windows or a minimum partial grant, both of
// which spec.md requires — so Limiter is wrapped in a small FIFO queue that
// hands out grants in arrival order, always splitting requests larger than
// MinGrant into pieces of at most MinGrant bytes (see DESIGN.md).
package limiter

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MinGrant is the largest piece one wait is granted at a time: Acquire
// splits any request into waits of at most MinGrant bytes, and a request
// smaller than MinGrant is granted whole, per spec.md §4.1.
const MinGrant = 4 * 1024

// Window is one entry of the optional schedule: the half-open hour range
// [StartHour, EndHour) uses RateOverride bytes/sec, or is unlimited when
// Unlimited is true. The first matching window wins.
type Window struct {
	StartHour    int
	EndHour      int
	RateOverride int64
	Unlimited    bool
}

func (w Window) matches(hour int) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	// wraps past midnight, e.g. 22-6
	return hour >= w.StartHour || hour < w.EndHour
}

// Clock abstracts wall-clock time so schedules are testable.
type Clock func() time.Time

// Bucket is the process-wide limiter. All HTTP(S) and FTP reads pass
// through Acquire before being written to disk.
type Bucket struct {
	mu       sync.Mutex
	rateBps  int64 // 0 = unlimited
	schedule []Window
	clock    Clock

	limiter *rate.Limiter // nil when unlimited
	waiters *list.List    // FIFO queue of *waitTicket
}

type waitTicket struct {
	ready chan struct{}
}

// New creates a Bucket with a fixed rate (bytes/sec) and no schedule. Pass 0
// for unlimited.
func New(rateBps int64) *Bucket {
	return NewScheduled(rateBps, nil, time.Now)
}

// NewScheduled creates a Bucket honoring an ordered list of schedule
// windows evaluated against clock(); the configured rateBps is the
// fallback when no window matches the current hour.
func NewScheduled(rateBps int64, schedule []Window, clock Clock) *Bucket {
	if clock == nil {
		clock = time.Now
	}
	b := &Bucket{
		rateBps:  rateBps,
		schedule: schedule,
		clock:    clock,
		waiters:  list.New(),
	}
	b.rebuildLimiter(b.effectiveRateLocked())
	return b
}

// effectiveRateLocked returns the bytes/sec rate in effect right now, 0
// meaning unlimited. Caller must hold b.mu.
func (b *Bucket) effectiveRateLocked() int64 {
	hour := b.clock().Hour()
	for _, w := range b.schedule {
		if w.matches(hour) {
			if w.Unlimited {
				return 0
			}
			return w.RateOverride
		}
	}
	return b.rateBps
}

func (b *Bucket) rebuildLimiter(rateBps int64) {
	if rateBps <= 0 {
		b.limiter = nil
		return
	}
	capacity := rateBps // one second of rate, per spec.md §4.1
	if b.limiter == nil {
		b.limiter = rate.NewLimiter(rate.Limit(rateBps), int(capacity))
		return
	}
	b.limiter.SetLimit(rate.Limit(rateBps))
	b.limiter.SetBurst(int(capacity))
}

// SetRate updates the unscheduled fallback rate at runtime (e.g. a user
// changing settings mid-run).
func (b *Bucket) SetRate(rateBps int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rateBps = rateBps
	b.rebuildLimiter(b.effectiveRateLocked())
}

// SetSchedule replaces the schedule windows.
func (b *Bucket) SetSchedule(schedule []Window) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schedule = schedule
	b.rebuildLimiter(b.effectiveRateLocked())
}

// Acquire blocks until n bytes' worth of tokens are available, or ctx is
// cancelled. When the effective rate is unlimited, Acquire is a no-op.
// Large requests are split into MinGrant-sized waits so no single waiter
// monopolizes the bucket and later FIFO waiters still make progress.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	for n > 0 {
		grant := n
		if grant > MinGrant {
			grant = MinGrant
		}
		if err := b.acquireFIFO(ctx, grant); err != nil {
			return err
		}
		n -= grant
	}
	return nil
}

// acquireFIFO enqueues a ticket, waits for its turn, then waits on the
// underlying rate.Limiter for the grant, preserving arrival order even
// under contention from many concurrent workers.
func (b *Bucket) acquireFIFO(ctx context.Context, grant int) error {
	b.mu.Lock()
	if len(b.schedule) > 0 {
		b.rebuildLimiter(b.effectiveRateLocked())
	}
	lim := b.limiter
	if lim == nil {
		b.mu.Unlock()
		return nil // unlimited
	}
	ticket := &waitTicket{ready: make(chan struct{})}
	elem := b.waiters.PushBack(ticket)
	// The head of the queue may proceed immediately.
	if b.waiters.Front() == elem {
		close(ticket.ready)
	}
	b.mu.Unlock()

	select {
	case <-ticket.ready:
	case <-ctx.Done():
		b.mu.Lock()
		b.waiters.Remove(elem)
		b.mu.Unlock()
		return ctx.Err()
	}

	err := lim.WaitN(ctx, grant)

	b.mu.Lock()
	b.waiters.Remove(elem)
	if front := b.waiters.Front(); front != nil {
		front.Value.(*waitTicket).readyOnce()
	}
	b.mu.Unlock()

	return err
}

func (t *waitTicket) readyOnce() {
	select {
	case <-t.ready:
		// already closed
	default:
		close(t.ready)
	}
}

// EffectiveRate returns the bytes/sec rate in effect right now (0 = unlimited).
func (b *Bucket) EffectiveRate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveRateLocked()
}
