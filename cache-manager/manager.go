// Package cachemanager implements the tier orchestrator: multi-tier
// lookup, promotion/demotion, write-through, delete-across-tiers,
// health-driven invalidation, and statistics.
//
// Design Choices:
//   - A single re-entrant lock (internal/relock.Mutex) guards every public
//     method that touches more than one tier, since Get may invoke the
//     internal delete helper on an expired entry, and InvalidateByHealth
//     invokes it on threshold crossing, both while already holding the
//     lock — the teacher's service.Service instead used one ordinary
//     sync.Mutex because its L1/L2 split never recurses into itself.
//   - Per-tier locking (the database tier's connection mutex, the file
//     tier's per-shard OS advisory lock) nests inside this lock.
//   - Write-through to enabled tiers runs concurrently via
//     golang.org/x/sync/errgroup, mirroring the teacher's Warming service
//     use of the same package for its worker fan-out.
package cachemanager

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/proxywhirl/cache/entry"
	"github.com/proxywhirl/cache/internal/logging"
	"github.com/proxywhirl/cache/internal/relock"
	"github.com/proxywhirl/cache/tier"
)

// Manager is the tier orchestrator (C4): the public entry point of this
// module, holding one of each tier, the cipher, the statistics record, and
// the re-entrant lock guarding all multi-tier operations.
type Manager struct {
	mu *relock.Mutex

	l1 tier.Tier
	l2 tier.Tier // nil if disabled
	l3 tier.Tier // nil if disabled

	cfg   entry.Config
	stats entry.Statistics
	log   *logging.Logger

	sweeper *sweeper
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger attaches a structured logger; the default discards output.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New constructs a Manager with the given tiers already built by the
// caller (see NewWithTiers for the common case of building all three from
// a Config). Exposed separately so tests can inject fakes for degraded- or
// failing-tier scenarios.
func New(cfg entry.Config, l1, l2, l3 tier.Tier, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		mu:  relock.New(),
		l1:  l1,
		l2:  l2,
		l3:  l3,
		cfg: cfg,
		log: logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.EnableBackgroundCleanup {
		m.sweeper = newSweeper(m, time.Duration(cfg.CleanupIntervalSeconds)*time.Second, m.log)
		m.sweeper.start()
	}

	return m, nil
}

// tiersInOrder returns the enabled tiers in L1,L2,L3 order, skipping
// disabled (nil) tiers. Get's promotion step writes into the tiers that
// precede the hit tier in this slice.
func (m *Manager) tiersInOrder() []tier.Tier {
	tiers := []tier.Tier{}
	if m.l1 != nil {
		tiers = append(tiers, m.l1)
	}
	if m.l2 != nil {
		tiers = append(tiers, m.l2)
	}
	if m.l3 != nil {
		tiers = append(tiers, m.l3)
	}
	return tiers
}

// tierNamesInOrder maps a tiersInOrder() index to its statistics name, so
// countersFor can go through entry.Statistics.For rather than reaching into
// the L1/L2/L3 fields directly.
var tierNamesInOrder = []entry.TierName{entry.TierL1, entry.TierL2, entry.TierL3}

func (m *Manager) countersFor(idx int) *entry.TierCounters {
	for i, t := range []tier.Tier{m.l1, m.l2, m.l3} {
		if t == nil {
			continue
		}
		if idx == 0 {
			return m.stats.For(tierNamesInOrder[i])
		}
		idx--
	}
	return m.stats.For(entry.TierL3)
}

// Get implements §4.4.1's lookup: consult each enabled tier in order,
// promoting a lower-tier hit into every higher tier.
func (m *Manager) Get(key string) (entry.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getLocked(key, time.Now())
}

func (m *Manager) getLocked(key string, now time.Time) (entry.Entry, bool, error) {
	tiers := m.tiersInOrder()

	for idx, t := range tiers {
		counters := m.countersFor(idx)

		e, ok, err := t.Get(key)
		if err != nil {
			counters.Misses.Add(1)
			continue
		}
		if !ok {
			counters.Misses.Add(1)
			continue
		}

		if e.IsExpired(now) {
			counters.Misses.Add(1)
			counters.EvictionsTTL.Add(1)
			m.deleteLocked(key)
			return entry.Entry{}, false, nil
		}

		counters.Hits.Add(1)
		updated := e.WithAccess(now)

		if _, err := t.Put(key, updated); err != nil {
			m.log.Warn("failed to write back accessed entry", map[string]interface{}{"tier": idx, "error": err.Error()})
		}

		promoted := 0
		for higherIdx := 0; higherIdx < idx; higherIdx++ {
			if _, err := tiers[higherIdx].Put(key, updated); err != nil {
				m.log.Warn("failed to promote entry into higher tier", map[string]interface{}{"tier": higherIdx, "error": err.Error()})
				continue
			}
			promoted++
		}
		m.stats.Promotions.Add(int64(promoted))

		return updated, true, nil
	}

	return entry.Entry{}, false, nil
}

// Put implements §4.4.2's write-through: every enabled tier receives the
// write concurrently; a per-tier failure is logged and forwarded to that
// tier's internal degradation counter, never aborting the overall write.
func (m *Manager) Put(key string, e entry.Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tiers := m.tiersInOrder()
	results := make([]bool, len(tiers))
	errs := make([]error, len(tiers))

	var g errgroup.Group
	for i, t := range tiers {
		i, t := i, t
		g.Go(func() error {
			inserted, err := t.Put(key, e)
			results[i] = inserted
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	anySucceeded := false
	for i, err := range errs {
		if err != nil {
			m.log.Warn("tier write failed", map[string]interface{}{"tier": i, "error": err.Error()})
			continue
		}
		anySucceeded = true
	}

	return anySucceeded, nil
}

// Delete implements §4.4.3: delete k from every enabled tier, returning the
// OR of per-tier results.
func (m *Manager) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(key), nil
}

// deleteLocked is the internal helper §4.4.3 and §4.4.5 call while already
// holding the orchestrator lock, avoiding the recursive-acquisition problem
// the relock.Mutex is built to tolerate but which a plain sync.Mutex would
// deadlock on.
func (m *Manager) deleteLocked(key string) bool {
	existed := false
	for _, t := range m.tiersInOrder() {
		ok, err := t.Delete(key)
		if err != nil {
			m.log.Warn("tier delete failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		existed = existed || ok
	}
	return existed
}

// presentIn reports, for each enabled tier, whether key is currently
// stored — used by health invalidation to know which tiers' eviction
// counters to bump (§4.4.5 step 5).
func (m *Manager) presentIn(key string) []bool {
	tiers := m.tiersInOrder()
	present := make([]bool, len(tiers))
	for i, t := range tiers {
		ok, err := t.Contains(key)
		if err == nil {
			present[i] = ok
		}
	}
	return present
}

// Clear removes every entry from every enabled tier, returning the total
// removed. Per spec.md §3.3, this does not reset statistics counters.
func (m *Manager) Clear() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, t := range m.tiersInOrder() {
		n, err := t.Clear()
		if err != nil {
			m.log.Warn("tier clear failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		total += n
	}
	return total, nil
}

// GetStatistics returns a deep copy of the statistics record, per §4.6.
// Each tier's current_size and degraded_flag (spec.md §3.3) are refreshed
// from the live tier just before the snapshot is taken, since those two
// fields describe present tier state rather than accumulated counts.
func (m *Manager) GetStatistics() entry.StatisticsSnapshot {
	m.refreshTierGauges()
	return m.stats.Snapshot()
}

func (m *Manager) refreshTierGauges() {
	tiers := m.tiersInOrder()
	for idx, t := range tiers {
		counters := m.countersFor(idx)
		if n, err := t.Size(); err == nil {
			counters.CurrentSize.Store(int64(n))
		}
		counters.Degraded.Store(t.Degraded())
	}
	for i, t := range []tier.Tier{m.l1, m.l2, m.l3} {
		if t != nil {
			continue
		}
		counters := m.stats.For(tierNamesInOrder[i])
		counters.CurrentSize.Store(0)
		counters.Degraded.Store(false)
	}
}

// Close stops the background sweeper, if running, and closes any tiers
// that hold external resources (the database tier's connection).
func (m *Manager) Close() error {
	if m.sweeper != nil {
		m.sweeper.stop()
	}

	type closer interface{ Close() error }
	for _, t := range m.tiersInOrder() {
		if c, ok := t.(closer); ok {
			if err := c.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
