package cachemanager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/proxywhirl/cache/cipher"
	"github.com/proxywhirl/cache/entry"
)

func newTestManager(t *testing.T, cfg entry.Config) (*Manager, *cipher.Cipher) {
	t.Helper()

	key, err := cipher.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	old, had := os.LookupEnv(cipher.EnvCurrentKey)
	os.Setenv(cipher.EnvCurrentKey, key)
	t.Cleanup(func() {
		if had {
			os.Setenv(cipher.EnvCurrentKey, old)
		} else {
			os.Unsetenv(cipher.EnvCurrentKey)
		}
	})

	c, err := cipher.New()
	if err != nil {
		t.Fatal(err)
	}

	m, err := NewWithTiers(cfg, c)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	return m, c
}

func testConfig(t *testing.T) entry.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := entry.DefaultConfig()
	cfg.L1.MaxEntries = 100
	cfg.L2Directory = filepath.Join(dir, "l2")
	cfg.L3DatabasePath = filepath.Join(dir, "l3.sqlite3")
	cfg.EnableBackgroundCleanup = false
	return cfg
}

func mustEntry(t *testing.T, key, proxyURL string, ttl int64) entry.Entry {
	t.Helper()
	e, err := entry.New(entry.Params{Key: key, ProxyURL: proxyURL, TTLSeconds: ttl})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))

	e := mustEntry(t, "k1", "http://10.0.0.1:8080", 120)
	if _, err := m.Put("k1", e); err != nil {
		t.Fatal(err)
	}

	got, ok, err := m.Get("k1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if got.ProxyURL() != e.ProxyURL() {
		t.Fatal("proxy_url must round-trip")
	}
	if got.AccessCount() <= e.AccessCount() {
		t.Fatal("access_count must be strictly greater after get")
	}
	if !got.LastAccessed().After(e.LastAccessed()) {
		t.Fatal("last_accessed must be strictly later after get")
	}
}

func TestGetMissingKeyReturnsMiss(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))

	_, ok, err := m.Get("never-put")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected miss for key never put")
	}
}

func TestIsolationAcrossKeys(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))

	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		if _, err := m.Put(k, mustEntry(t, k, "http://x:"+k, 120)); err != nil {
			t.Fatal(err)
		}
	}

	for _, k := range keys {
		got, ok, err := m.Get(k)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("expected hit for %q", k)
		}
		if got.ProxyURL() != "http://x:"+k {
			t.Fatalf("cross-contamination: got %q for key %q", got.ProxyURL(), k)
		}
	}
}

func TestUpdateSemantics(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))

	m.Put("k", mustEntry(t, "k", "http://v1", 120))
	m.Put("k", mustEntry(t, "k", "http://v2", 120))

	got, ok, err := m.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.ProxyURL() != "http://v2" {
		t.Fatalf("expected latest put to win, got %q ok=%v", got.ProxyURL(), ok)
	}
}

func TestDeleteRemovesFromAllTiers(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))
	m.Put("k", mustEntry(t, "k", "http://x", 120))

	existed, err := m.Delete("k")
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatal("expected existed=true")
	}

	_, ok, err := m.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected miss after delete")
	}
}

func TestLazyTTLExpirationDeletesAcrossTiers(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))

	e, err := entry.New(entry.Params{
		Key: "expiring", ProxyURL: "http://x", TTLSeconds: 1,
		FetchTime: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Put("expiring", e)

	_, ok, err := m.Get("expiring")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected miss for expired entry")
	}

	// second get must not find it resurrected anywhere
	_, ok, err = m.Get("expiring")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expired entry must remain absent")
	}
}

func TestPromotionFromL3ToHigherTiers(t *testing.T) {
	cfg := testConfig(t)
	m, _ := newTestManager(t, cfg)

	// Write directly to L3 only, bypassing Put's write-through, to
	// simulate an entry that only a lower tier holds.
	e := mustEntry(t, "deep", "http://deep", 3600)
	if _, err := m.l3.Put("deep", e); err != nil {
		t.Fatal(err)
	}

	if ok, _ := m.l1.Contains("deep"); ok {
		t.Fatal("precondition: l1 must not yet have the key")
	}

	got, ok, err := m.Get("deep")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hit via L3")
	}
	if got.ProxyURL() != "http://deep" {
		t.Fatal("wrong entry returned")
	}

	if ok, _ := m.l1.Contains("deep"); !ok {
		t.Fatal("expected promotion into L1")
	}
	if ok, _ := m.l2.Contains("deep"); !ok {
		t.Fatal("expected promotion into L2")
	}

	snap := m.GetStatistics()
	if snap.Promotions < 2 {
		t.Fatalf("promotions = %d, want >= 2", snap.Promotions)
	}
}

func TestLRUEvictionFromL1PreservesLowerTiers(t *testing.T) {
	cfg := testConfig(t)
	cfg.L1.MaxEntries = 2
	m, _ := newTestManager(t, cfg)

	m.Put("a", mustEntry(t, "a", "http://a", 3600))
	m.Put("b", mustEntry(t, "b", "http://b", 3600))
	m.Put("c", mustEntry(t, "c", "http://c", 3600))

	if ok, _ := m.l1.Contains("a"); ok {
		t.Fatal("expected a to be evicted from L1")
	}
	if ok, _ := m.l2.Contains("a"); !ok {
		t.Fatal("expected demoted entry to remain retrievable in L2")
	}

	got, ok, err := m.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected L1-evicted entry to still be retrievable via lower tiers")
	}
	if !got.EvictedFromL1() {
		t.Fatal("expected evicted_from_l1 flag set on the demoted copy")
	}
}

func TestCapacityNeverExceedsMaxEntries(t *testing.T) {
	cfg := testConfig(t)
	cfg.L1.MaxEntries = 5
	m, _ := newTestManager(t, cfg)

	for i := 0; i < 50; i++ {
		k := mustEntry(t, rangeKey(i), "http://x", 3600)
		m.Put(k.Key(), k)
	}

	size, err := m.l1.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size > 5 {
		t.Fatalf("l1 size = %d, want <= 5", size)
	}
}

func rangeKey(i int) string {
	return "key-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestClearDoesNotResetStatistics(t *testing.T) {
	m, _ := newTestManager(t, testConfig(t))

	m.Put("k", mustEntry(t, "k", "http://x", 3600))
	if _, _, err := m.Get("k"); err != nil {
		t.Fatal(err)
	}

	before := m.GetStatistics()
	if before.L1.Hits == 0 {
		t.Fatal("expected at least one recorded hit before clear")
	}

	if _, err := m.Clear(); err != nil {
		t.Fatal(err)
	}

	after := m.GetStatistics()
	if after.L1.Hits != before.L1.Hits {
		t.Fatal("clear must not reset counters")
	}
}
