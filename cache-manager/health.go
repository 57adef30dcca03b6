package cachemanager

import (
	"github.com/proxywhirl/cache/entry"
)

// InvalidateByHealth implements §4.4.5: record a reported failure against
// key, and evict it once failure_count reaches the configured threshold.
// The lock is held for the entire operation — no TOCTOU window between
// checking presence and deleting.
func (m *Manager) InvalidateByHealth(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok, err := m.getRawLocked(key)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Debug("invalidate_by_health: key not present", map[string]interface{}{"key": key})
		return nil
	}

	updated := e.WithFailureIncrement().WithHealthStatus(entry.HealthUnhealthy)

	if !m.cfg.HealthCheckInvalidation {
		return m.putRawLocked(key, updated)
	}

	if updated.FailureCount() >= m.cfg.FailureThreshold {
		present := m.presentIn(key)
		m.deleteLocked(key)

		for i, wasPresent := range present {
			if wasPresent {
				m.countersFor(i).EvictionsHealth.Add(1)
			}
		}
		return nil
	}

	return m.putRawLocked(key, updated)
}

// getRawLocked is the lock-free internal lookup §4.4.5 calls for: no
// promotion, no access-count bump, no expiration check — it must not
// perturb state while deciding whether to invalidate.
func (m *Manager) getRawLocked(key string) (entry.Entry, bool, error) {
	for _, t := range m.tiersInOrder() {
		e, ok, err := t.Get(key)
		if err != nil {
			continue
		}
		if ok {
			return e, true, nil
		}
	}
	return entry.Entry{}, false, nil
}

// putRawLocked writes an entry back to every tier that currently holds the
// key, without promotion accounting — used by health invalidation to
// persist an updated failure_count/health_status.
func (m *Manager) putRawLocked(key string, e entry.Entry) error {
	for _, t := range m.tiersInOrder() {
		has, err := t.Contains(key)
		if err != nil || !has {
			continue
		}
		if _, err := t.Put(key, e); err != nil {
			m.log.Warn("failed to write back health-updated entry", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// ReportHealthy resets the failure counter on a successful health check, so
// a validator's subsequent success undoes prior failure accumulation. This
// is not named directly in §4.4.5 but is the natural inverse operation the
// external validator collaborator API (§6.2) implies ("writing refreshed
// entries on success").
func (m *Manager) ReportHealthy(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok, err := m.getRawLocked(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	updated := e.WithFailureReset().WithHealthStatus(entry.HealthHealthy)
	return m.putRawLocked(key, updated)
}
