package tier

import (
	"testing"

	"github.com/proxywhirl/cache/entry"
	"github.com/proxywhirl/cache/internal/secret"
)

type plaintextEncryptor struct{}

func (plaintextEncryptor) Encrypt(s secret.String) ([]byte, error) {
	if !s.IsSet() {
		return nil, nil
	}
	return []byte(s.Expose()), nil
}

func (plaintextEncryptor) Decrypt(ct []byte) (secret.String, error) {
	if len(ct) == 0 {
		return secret.String{}, nil
	}
	return secret.New(string(ct)), nil
}

func newTestFileTier(t *testing.T, maxEntries int) *File {
	t.Helper()
	dir := t.TempDir()
	f, err := NewFile(dir, plaintextEncryptor{}, maxEntries, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestFilePutGetRoundTrip(t *testing.T) {
	f := newTestFileTier(t, 0)
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

	inserted, err := f.Put("k1", e)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("expected inserted=true for a new key")
	}

	got, ok, err := f.Get("k1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Username().Expose() != "alice" || got.Password().Expose() != "hunter2" {
		t.Fatal("credentials must round-trip")
	}
	if got.ProxyURL() != e.ProxyURL() {
		t.Fatal("proxy_url must round-trip")
	}
}

func TestFileDeleteIsIdempotent(t *testing.T) {
	f := newTestFileTier(t, 0)
	e, err := entry.New(entry.Params{Key: "k", ProxyURL: "http://x:1", TTLSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}
	f.Put("k", e)

	existed, err := f.Delete("k")
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatal("expected existed=true")
	}

	existed, err = f.Delete("k")
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Fatal("expected existed=false on repeat delete")
	}
}

func TestFileEvictsOldestWhenOverCapacity(t *testing.T) {
	f := newTestFileTier(t, 2)
	for _, k := range []string{"a", "b", "c"} {
		e, err := entry.New(entry.Params{Key: k, ProxyURL: "http://x:" + k, TTLSeconds: 60})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Put(k, e); err != nil {
			t.Fatal(err)
		}
	}

	size, err := f.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size > 2 {
		t.Fatalf("size = %d, want <= 2", size)
	}
	if ok, _ := f.Contains("a"); ok {
		t.Fatal("expected oldest entry 'a' to be evicted")
	}
}

func TestFileIndexRebuildsFromDisk(t *testing.T) {
	dir := t.TempDir()
	f1, err := NewFile(dir, plaintextEncryptor{}, 0, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	e, err := entry.New(entry.Params{Key: "persisted", ProxyURL: "http://x:1", TTLSeconds: 3600})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f1.Put("persisted", e); err != nil {
		t.Fatal(err)
	}

	f2, err := NewFile(dir, plaintextEncryptor{}, 0, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := f2.Get("persisted")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a fresh File tier over the same directory to find the persisted entry")
	}
}
