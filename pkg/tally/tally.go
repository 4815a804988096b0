// Package tally holds the in-memory per-domain click counts of one tracker.
//
// Clicks may arrive before the prior counts have been loaded from the remote
// store. RecordClick waits on an explicit readiness future instead of
// polling; the wait is bounded by the caller's context and by the
// accumulator's load timeout.
package tally

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"visitor-tracker/pkg/models"
)

// ErrNotLoaded is returned when the prior tally did not arrive in time.
var ErrNotLoaded = errors.New("tally: remote state not loaded")

// DefaultLoadTimeout bounds how long a click waits for the initial load
// (30 attempts at 100ms in the browser script this replaces).
const DefaultLoadTimeout = 30 * 100 * time.Millisecond

// Accumulator is a concurrency-safe click tally with a load gate.
type Accumulator struct {
	mu     sync.Mutex
	counts models.ClickTally

	ready     chan struct{}
	readyOnce sync.Once
	loadErr   error

	loadTimeout time.Duration
}

// New returns an empty, not yet loaded accumulator. A non-positive
// loadTimeout uses DefaultLoadTimeout.
func New(loadTimeout time.Duration) *Accumulator {
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	return &Accumulator{
		counts:      models.ClickTally{},
		ready:       make(chan struct{}),
		loadTimeout: loadTimeout,
	}
}

// InitializeFromRemote merges prior counts into the tally and opens the load
// gate. Local entries that are still zero take the remote value. Only the
// first call has any effect.
func (a *Accumulator) InitializeFromRemote(prior models.ClickTally) {
	a.readyOnce.Do(func() {
		a.mu.Lock()
		for domain, n := range prior {
			if n < 0 {
				continue
			}
			if a.counts[domain] == 0 {
				a.counts[domain] = n
			}
		}
		a.mu.Unlock()
		close(a.ready)
	})
}

// Fail opens the load gate with an error; waiting and future clicks return
// it. It has no effect once the accumulator is loaded.
func (a *Accumulator) Fail(err error) {
	a.readyOnce.Do(func() {
		a.loadErr = err
		close(a.ready)
	})
}

// Ready is closed once the accumulator is loaded or failed.
func (a *Accumulator) Ready() <-chan struct{} {
	return a.ready
}

// Loaded reports whether the gate opened without error.
func (a *Accumulator) Loaded() bool {
	select {
	case <-a.ready:
		return a.loadErr == nil
	default:
		return false
	}
}

// Wait blocks until the gate opens, ctx ends, or the load timeout passes.
func (a *Accumulator) Wait(ctx context.Context) error {
	select {
	case <-a.ready:
		return a.loadErr
	default:
	}

	timer := time.NewTimer(a.loadTimeout)
	defer timer.Stop()
	select {
	case <-a.ready:
		return a.loadErr
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrNotLoaded, a.loadTimeout)
	}
}

// RecordClick waits for the gate then increments domain by one, returning
// the new count.
func (a *Accumulator) RecordClick(ctx context.Context, domain string) (int64, error) {
	if domain == "" {
		return 0, fmt.Errorf("tally: empty domain")
	}
	if err := a.Wait(ctx); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[domain]++
	return a.counts[domain], nil
}

// Count returns the local count for domain.
func (a *Accumulator) Count(domain string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[domain]
}

// Total returns the sum of all counts.
func (a *Accumulator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts.Total()
}

// Snapshot returns a copy of the tally.
func (a *Accumulator) Snapshot() models.ClickTally {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts.Clone()
}

// Top returns up to limit domains ordered by descending count, then name.
// A non-positive limit returns every domain.
func Top(t models.ClickTally, limit int) []models.DomainCount {
	out := make([]models.DomainCount, 0, len(t))
	for d, n := range t {
		out = append(out, models.DomainCount{Domain: d, Clicks: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Clicks != out[j].Clicks {
			return out[i].Clicks > out[j].Clicks
		}
		return out[i].Domain < out[j].Domain
	})
	if limit > 0 && limit < len(out) {
		return out[:limit]
	}
	return out
}
