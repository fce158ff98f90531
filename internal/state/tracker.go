// Package state holds the per-dispatch dedup/timeout state machine.
//
// The platform redelivers a webhook when it does not get a timely response,
// so every delivery of a dispatch identifier after the first must be answered
// from cached state instead of re-invoking the worker.
package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ax-platform/ax-openclaw-plugin/internal/log"
)

// Status classifies one delivery of a dispatch identifier.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusTimedOut   Status = "timed_out"
	StatusCompleted  Status = "completed"
)

// TimeoutMessage is the synthetic response stamped when a redelivery arrives
// past the timeout threshold. It is emitted exactly once per dispatch; every
// later redelivery returns the identical cached text.
const TimeoutMessage = "Sorry, this took longer than I expected and I couldn't reply in time. Mention me again and I'll have another go."

type entry struct {
	completed bool
	startedAt time.Time
	cached    string
}

// Tracker is the dedup/timeout state machine. One entry per dispatch
// identifier; entries only ever progress in_progress -> completed, or are
// deleted outright on unrecoverable processing errors.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry

	// threshold must stay below the platform's redelivery interval: the
	// arrival of a retry past it is itself the evidence of a timeout.
	threshold     time.Duration
	ttl           time.Duration
	sweepInterval time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker. threshold classifies redeliveries, ttl bounds
// how long completed state is retained, sweepInterval paces the purge loop.
func NewTracker(threshold, ttl, sweepInterval time.Duration) *Tracker {
	return &Tracker{
		entries:       make(map[string]*entry),
		threshold:     threshold,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		logger:        log.WithComponent("state"),
		now:           time.Now,
	}
}

// Check classifies one delivery of the given dispatch identifier and returns
// any cached response text. First sight inserts an in-progress entry and
// returns StatusNew. A redelivery while in progress returns StatusInProgress
// below the threshold; at or past it the tracker stamps TimeoutMessage as the
// cached response, flips to completed, and returns StatusTimedOut so the
// timeout notice goes out exactly once.
func (t *Tracker) Check(id string) (Status, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		t.entries[id] = &entry{startedAt: t.now()}
		return StatusNew, ""
	}

	if e.completed {
		return StatusCompleted, e.cached
	}

	if t.now().Sub(e.startedAt) < t.threshold {
		return StatusInProgress, ""
	}

	e.completed = true
	e.cached = TimeoutMessage
	t.logger.Warn("dispatch timed out, caching timeout notice", "dispatch_id", id)
	return StatusTimedOut, e.cached
}

// Complete records the final response text for a dispatch. If the entry was
// already completed (a timeout notice went out first), the cache is frozen and
// the late result is dropped so redeliveries stay byte-identical.
func (t *Tracker) Complete(id, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		// Entry was swept or failed while the worker ran; re-insert so an
		// immediate redelivery still hits the cache.
		t.entries[id] = &entry{completed: true, startedAt: t.now(), cached: text}
		return
	}
	if e.completed {
		t.logger.Debug("late result after cached response, keeping cache", "dispatch_id", id)
		return
	}
	e.completed = true
	e.cached = text
}

// Fail deletes the entry for a dispatch that hit an unrecoverable processing
// error, so the platform's next redelivery is treated as brand-new.
func (t *Tracker) Fail(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Run sweeps expired entries until ctx is cancelled. Blocking; run it in its
// own goroutine.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := t.sweep(); n > 0 {
				t.logger.Debug("swept dispatch state", "removed", n)
			}
		}
	}
}

func (t *Tracker) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	removed := 0
	for id, e := range t.entries {
		if e.startedAt.Before(cutoff) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked dispatch identifiers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
