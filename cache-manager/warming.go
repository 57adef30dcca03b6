package cachemanager

import (
	"os"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/proxywhirl/cache/entry"
	"github.com/proxywhirl/cache/internal/secret"
	"github.com/proxywhirl/cache/warming"
)

// WarmResult is the {loaded, skipped, failed} count spec.md §4.4.6
// requires WarmFromFile to return.
type WarmResult struct {
	Loaded  int
	Skipped int
	Failed  int
}

// ExportResult is the count pair export_to_file returns, per §4.4.7 and
// original_source's export_to_file.
type ExportResult struct {
	Exported int
	Failed   int
}

// warmDeduper coalesces concurrent WarmFromFile calls against the same
// path into a single parse-and-load pass, grounded on the teacher's
// warming/service.go use of golang.org/x/sync/singleflight for the same
// purpose (there: deduplicating concurrent warms of the same key).
var warmDeduper singleflight.Group

// warmRateLimiter throttles progress logging during large warm-file loads,
// reusing golang.org/x/time/rate the way the teacher's warming service
// throttles origin fetches — here repurposed since this module performs no
// network calls to rate-limit.
var warmRateLimiter = rate.NewLimiter(rate.Limit(1), 1)

// WarmFromFile implements §4.4.6: load external proxy records and insert
// them, deriving a key via GenerateCacheKey when the record supplies none.
// A malformed file returns {0, 0, 1} rather than propagating an error, per
// spec.md §7's MalformedWarmFile policy.
func (m *Manager) WarmFromFile(path string, ttlOverride *int64) (WarmResult, error) {
	v, err, _ := warmDeduper.Do(path, func() (interface{}, error) {
		return m.warmFromFileOnce(path, ttlOverride)
	})
	if err != nil {
		return WarmResult{Failed: 1}, nil
	}
	return v.(WarmResult), nil
}

func (m *Manager) warmFromFileOnce(path string, ttlOverride *int64) (WarmResult, error) {
	if _, err := os.Stat(path); err != nil {
		m.log.Warn("cache warming: file not found", map[string]interface{}{"path": path})
		return WarmResult{Failed: 1}, nil
	}

	parsed, err := warming.ParseFile(path)
	if err != nil {
		m.log.Warn("cache warming: failed to parse file", map[string]interface{}{"path": path, "error": err.Error()})
		return WarmResult{Failed: 1}, nil
	}

	ttl := m.cfg.DefaultTTLSeconds
	if ttlOverride != nil {
		ttl = *ttlOverride
	}

	result := WarmResult{Skipped: parsed.Skipped}
	fetchTime := time.Now().UTC()

	for _, rec := range parsed.Records {
		key := rec.Key
		if key == "" {
			key = GenerateCacheKey(rec.ProxyURL)
		}

		e, err := entry.New(entry.Params{
			Key:        key,
			ProxyURL:   rec.ProxyURL,
			Username:   secret.New(rec.Username),
			Password:   secret.New(rec.Password),
			Source:     rec.Source,
			FetchTime:  fetchTime,
			TTLSeconds: ttl,
		})
		if err != nil {
			m.log.Warn("cache warming: failed to construct entry", map[string]interface{}{"proxy_url": rec.ProxyURL, "error": err.Error()})
			result.Failed++
			continue
		}

		if _, err := m.Put(key, e); err != nil {
			result.Failed++
			continue
		}

		result.Loaded++
		if result.Loaded%1000 == 0 && warmRateLimiter.Allow() {
			m.log.Info("cache warming: progress", map[string]interface{}{"loaded": result.Loaded})
		}
	}

	return result, nil
}

// ExportToFile implements §4.4.7: walk the union of keys across all tiers,
// serialize each via Get (so access tracking and promotion happen exactly
// as for a normal lookup), and write one JSONL line per entry.
func (m *Manager) ExportToFile(path string, enc entry.Encryptor) (ExportResult, error) {
	m.mu.Lock()
	keys := m.unionKeysLocked()
	m.mu.Unlock()

	w, err := warming.NewWriter(path)
	if err != nil {
		return ExportResult{}, err
	}
	defer w.Close()

	result := ExportResult{}
	for _, key := range keys {
		e, ok, err := m.Get(key)
		if err != nil || !ok {
			result.Failed++
			continue
		}
		if err := w.Write(e, enc); err != nil {
			result.Failed++
			continue
		}
		result.Exported++
	}

	return result, nil
}

func (m *Manager) unionKeysLocked() []string {
	seen := make(map[string]struct{})
	for _, t := range m.tiersInOrder() {
		keys, err := t.Keys()
		if err != nil {
			continue
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}

	union := make([]string, 0, len(seen))
	for k := range seen {
		union = append(union, k)
	}
	return union
}

// ImportFromExport loads a previously exported JSONL file and re-inserts
// every entry via Put, closing the symmetric-import gap §9's open
// questions called out as unresolved in the original design.
func (m *Manager) ImportFromExport(path string, enc entry.Encryptor) (WarmResult, error) {
	entries, err := warming.ReadExported(path, enc)
	if err != nil {
		return WarmResult{Failed: 1}, nil
	}

	result := WarmResult{}
	for _, e := range entries {
		if _, err := m.Put(e.Key(), e); err != nil {
			result.Failed++
			continue
		}
		result.Loaded++
	}
	return result, nil
}
