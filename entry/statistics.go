package entry

import "sync/atomic"

// TierName identifies one of the three storage tiers for statistics
// purposes.
type TierName string

const (
	TierL1 TierName = "l1"
	TierL2 TierName = "l2"
	TierL3 TierName = "l3"
)

// TierCounters holds the per-tier counters spec.md §3.3 names. Fields are
// atomics so tiers can update them without taking the orchestrator's lock,
// mirroring the teacher's service.Metrics use of atomic.Int64.
type TierCounters struct {
	Hits            atomic.Int64
	Misses          atomic.Int64
	EvictionsLRU    atomic.Int64
	EvictionsTTL    atomic.Int64
	EvictionsHealth atomic.Int64
	CurrentSize     atomic.Int64
	Degraded        atomic.Bool
}

// Snapshot is a point-in-time, non-atomic copy of TierCounters suitable for
// returning to callers.
type Snapshot struct {
	Hits            int64
	Misses          int64
	EvictionsLRU    int64
	EvictionsTTL    int64
	EvictionsHealth int64
	CurrentSize     int64
	Degraded        bool
}

// Snapshot copies the current counter values.
func (c *TierCounters) Snapshot() Snapshot {
	return Snapshot{
		Hits:            c.Hits.Load(),
		Misses:          c.Misses.Load(),
		EvictionsLRU:    c.EvictionsLRU.Load(),
		EvictionsTTL:    c.EvictionsTTL.Load(),
		EvictionsHealth: c.EvictionsHealth.Load(),
		CurrentSize:     c.CurrentSize.Load(),
		Degraded:        c.Degraded.Load(),
	}
}

// Statistics aggregates counters across all tiers plus the cross-tier
// promotion/demotion counts spec.md §3.3 names. Counters are monotonic
// within a process lifetime; Clear (on the owning Manager) never resets
// them.
type Statistics struct {
	L1 TierCounters
	L2 TierCounters
	L3 TierCounters

	Promotions atomic.Int64
	Demotions  atomic.Int64
}

// StatisticsSnapshot is the deep-copied, race-free view returned to callers.
type StatisticsSnapshot struct {
	L1, L2, L3     Snapshot
	Promotions     int64
	Demotions      int64
	OverallHitRate float64
}

// Snapshot returns a deep copy of the current statistics. OverallHitRate is
// computed from L1 counters alone: L1 is the single serialization point
// every request passes through, per spec.md §3.3.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	l1 := s.L1.Snapshot()
	total := l1.Hits + l1.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(l1.Hits) / float64(total)
	}

	return StatisticsSnapshot{
		L1:             l1,
		L2:             s.L2.Snapshot(),
		L3:             s.L3.Snapshot(),
		Promotions:     s.Promotions.Load(),
		Demotions:      s.Demotions.Load(),
		OverallHitRate: hitRate,
	}
}

// For returns the counters for the named tier.
func (s *Statistics) For(tier TierName) *TierCounters {
	switch tier {
	case TierL1:
		return &s.L1
	case TierL2:
		return &s.L2
	case TierL3:
		return &s.L3
	default:
		return &s.L1
	}
}
