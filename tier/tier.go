// Package tier implements the uniform storage-tier interface spec.md §4.3
// names, with three variants: Memory (L1), File (L2), and Database (L2 or
// L3). Each variant embeds degrader for the shared failure-threshold
// self-degradation behavior.
package tier

import (
	"sync/atomic"
	"time"

	"github.com/proxywhirl/cache/entry"
)

// Tier is the uniform operation set every storage tier implements, per
// spec.md §4.3's contract table.
type Tier interface {
	// Get returns the stored entry for k, if present. It does not check
	// expiration — callers decide.
	Get(k string) (entry.Entry, bool, error)

	// Put inserts or replaces the entry at k. inserted reports whether k
	// was new to the tier (as opposed to an update).
	Put(k string, e entry.Entry) (inserted bool, err error)

	// Delete removes k, reporting whether it existed. Idempotent.
	Delete(k string) (existed bool, err error)

	// Clear removes every entry, returning the count removed.
	Clear() (count int, err error)

	// Size returns the current entry count.
	Size() (int, error)

	// Keys returns every key currently stored.
	Keys() ([]string, error)

	// CleanupExpired bulk-removes expired entries, returning the count
	// removed. Memory and File remove entries whose ExpiresAt is at or
	// before now; Database removes those whose ExpiresAt is strictly
	// before now.
	CleanupExpired(now time.Time) (count int, err error)

	// Contains reports whether k is present, without fetching the value.
	Contains(k string) (bool, error)

	// Degraded reports whether the tier has short-circuited after
	// exceeding its failure threshold.
	Degraded() bool
}

// EvictCallback is invoked by the Memory tier when it evicts its
// least-recently-used entry, per spec.md §4.3.1. The orchestrator uses it
// to demote the entry into lower tiers (§4.4.4).
type EvictCallback func(key string, evicted entry.Entry)

// degrader implements the shared failure-threshold degradation behavior
// every tier variant embeds, per spec.md §4.3's "failure counter and
// threshold" paragraph: a broken tier short-circuits rather than crashing
// the cache. Grounded on the original_source CacheTier ABC's
// handle_failure/reset_failures pair.
type degrader struct {
	failures  atomic.Int64
	threshold int64
	disabled  atomic.Bool
}

func newDegrader(threshold int64) degrader {
	if threshold <= 0 {
		threshold = 3
	}
	return degrader{threshold: threshold}
}

// Degraded reports whether the tier has short-circuited.
func (d *degrader) Degraded() bool {
	return d.disabled.Load()
}

// handleFailure increments the failure counter and disables the tier once
// the threshold is reached.
func (d *degrader) handleFailure() {
	if d.failures.Add(1) >= d.threshold {
		d.disabled.Store(true)
	}
}

// resetFailures clears the failure counter and re-enables the tier,
// called after any successful operation.
func (d *degrader) resetFailures() {
	d.failures.Store(0)
	d.disabled.Store(false)
}
