package cachemanager

import (
	"path/filepath"
	"time"

	"github.com/proxywhirl/cache/entry"
	"github.com/proxywhirl/cache/internal/logging"
	"github.com/proxywhirl/cache/internal/relock"
	"github.com/proxywhirl/cache/tier"
)

// NewWithTiers constructs a Manager and its three storage tiers from cfg
// in one call, the common entry point for callers who do not need to
// inject fake tiers for testing. L1's eviction callback (§4.4.4) demotes
// evicted entries into L2 and L3 without deleting them, so L1 must be
// constructed after the Manager it will report evictions to.
func NewWithTiers(cfg entry.Config, enc entry.Encryptor, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg: cfg,
		log: logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	var l2, l3 tier.Tier
	var err error

	if cfg.L2.Enabled {
		switch cfg.L2Backend {
		case entry.L2BackendDatabase:
			l2, err = tier.NewDatabase(filepath.Join(cfg.L2Directory, "l2.sqlite3"), enc, cfg.FailureThreshold, false)
		default:
			l2, err = tier.NewFile(cfg.L2Directory, enc, cfg.L2.MaxEntries, cfg.FailureThreshold, m.log)
		}
		if err != nil {
			return nil, err
		}
	}

	if cfg.L3.Enabled {
		l3, err = tier.NewDatabase(cfg.L3DatabasePath, enc, cfg.FailureThreshold, true)
		if err != nil {
			return nil, err
		}
	}

	m.l2 = l2
	m.l3 = l3
	m.mu = relock.New()

	if cfg.L1.Enabled {
		m.l1 = tier.NewMemory(cfg.L1.MaxEntries, cfg.FailureThreshold, m.onL1Evict)
	}

	if cfg.EnableBackgroundCleanup {
		interval := time.Duration(cfg.CleanupIntervalSeconds) * time.Second
		m.sweeper = newSweeper(m, interval, m.log)
		m.sweeper.start()
	}

	return m, nil
}

// onL1Evict is the L1 eviction callback configured in NewWithTiers,
// implementing §4.4.4: the demoted entry is tagged evicted_from_l1 and
// written into every lower tier without being deleted anywhere.
func (m *Manager) onL1Evict(key string, evicted entry.Entry) {
	demoted := evicted.WithEvictedFromL1(true)
	m.stats.Demotions.Add(1)
	m.stats.L1.EvictionsLRU.Add(1)

	for _, t := range []tier.Tier{m.l2, m.l3} {
		if t == nil {
			continue
		}
		if _, err := t.Put(key, demoted); err != nil {
			m.log.Warn("failed to demote evicted entry", map[string]interface{}{"error": err.Error()})
		}
	}
}
