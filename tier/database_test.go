package tier

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/proxywhirl/cache/entry"
	"github.com/proxywhirl/cache/internal/secret"
)

func newTestDatabaseTier(t *testing.T, asL3 bool) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.sqlite3")
	d, err := NewDatabase(path, plaintextEncryptor{}, 3, asL3)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDatabasePutGetRoundTrip(t *testing.T) {
	d := newTestDatabaseTier(t, false)

	e, err := entry.New(entry.Params{
		Key:        "k1",
		ProxyURL:   "http://10.0.0.1:8080",
		Username:   secret.New("alice"),
		Password:   secret.New("hunter2"),
		Source:     "loader",
		TTLSeconds: 120,
	})
	if err != nil {
		t.Fatal(err)
	}

	inserted, err := d.Put("k1", e)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("expected inserted=true for a new key")
	}

	got, ok, err := d.Get("k1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Username().Expose() != "alice" || got.Password().Expose() != "hunter2" {
		t.Fatal("credentials must round-trip")
	}
}

func TestDatabaseUpsertReportsUpdateNotInsert(t *testing.T) {
	d := newTestDatabaseTier(t, false)

	e1, err := entry.New(entry.Params{Key: "k", ProxyURL: "http://x:1", TTLSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}
	inserted, err := d.Put("k", e1)
	if err != nil || !inserted {
		t.Fatalf("first put: inserted=%v err=%v", inserted, err)
	}

	e2, err := entry.New(entry.Params{Key: "k", ProxyURL: "http://x:2", TTLSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}
	inserted, err = d.Put("k", e2)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("expected inserted=false for an update")
	}

	got, _, err := d.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if got.ProxyURL() != "http://x:2" {
		t.Fatal("expected updated proxy_url to win")
	}
}

func TestDatabaseCleanupExpired(t *testing.T) {
	d := newTestDatabaseTier(t, false)

	expired, err := entry.New(entry.Params{
		Key: "expired", ProxyURL: "http://x:1", TTLSeconds: 1,
		FetchTime: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := entry.New(entry.Params{Key: "fresh", ProxyURL: "http://x:2", TTLSeconds: 3600})
	if err != nil {
		t.Fatal(err)
	}

	d.Put("expired", expired)
	d.Put("fresh", fresh)

	removed, err := d.CleanupExpired(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if ok, _ := d.Contains("fresh"); !ok {
		t.Fatal("fresh entry must survive cleanup")
	}
}

func TestDatabaseL3RecordsHealthHistory(t *testing.T) {
	d := newTestDatabaseTier(t, true)

	e, err := entry.New(entry.Params{Key: "k", ProxyURL: "http://x:1", TTLSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Put("k", e); err != nil {
		t.Fatal(err)
	}

	if err := d.RecordHealthCheck("k", time.Now(), "healthy", 42, "", "http://x:1"); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseRecordHealthCheckRejectedOnNonL3(t *testing.T) {
	d := newTestDatabaseTier(t, false)
	if err := d.RecordHealthCheck("k", time.Now(), "healthy", 0, "", ""); err == nil {
		t.Fatal("expected error recording health history on a non-L3 database tier")
	}
}
