package entry

import (
	"testing"
	"time"

	"github.com/proxywhirl/cache/internal/secret"
)

func TestNewValidatesRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		p    Params
	}{
		{"missing key", Params{ProxyURL: "http://x:1", TTLSeconds: 60}},
		{"missing proxy_url", Params{Key: "k", TTLSeconds: 60}},
		{"non-positive ttl", Params{Key: "k", ProxyURL: "http://x:1", TTLSeconds: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.p); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewSetsDerivedFields(t *testing.T) {
	e, err := New(Params{
		Key:        "k1",
		ProxyURL:   "http://10.0.0.1:8080",
		Source:     "loader-a",
		TTLSeconds: 120,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !e.ExpiresAt().Equal(e.FetchTime().Add(120 * time.Second)) {
		t.Fatal("expires_at must equal fetch_time + ttl_seconds")
	}
	if e.HealthStatus() != HealthUnknown {
		t.Fatalf("health_status = %v, want Unknown", e.HealthStatus())
	}
	if e.AccessCount() != 0 || e.FailureCount() != 0 {
		t.Fatal("access_count and failure_count must start at zero")
	}
	if !e.LastAccessed().Equal(e.FetchTime()) {
		t.Fatal("last_accessed must start equal to fetch_time")
	}
}

func TestIsExpired(t *testing.T) {
	fetchTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := New(Params{Key: "k", ProxyURL: "http://x:1", TTLSeconds: 10, FetchTime: fetchTime})
	if err != nil {
		t.Fatal(err)
	}

	if e.IsExpired(fetchTime.Add(9 * time.Second)) {
		t.Fatal("must not be expired before expires_at")
	}
	if !e.IsExpired(fetchTime.Add(10 * time.Second)) {
		t.Fatal("must be expired at expires_at")
	}
	if !e.IsExpired(fetchTime.Add(11 * time.Second)) {
		t.Fatal("must be expired after expires_at")
	}
}

func TestWithAccessIsFunctional(t *testing.T) {
	e, err := New(Params{Key: "k", ProxyURL: "http://x:1", TTLSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}

	later := e.FetchTime().Add(time.Second)
	accessed := e.WithAccess(later)

	if e.AccessCount() != 0 {
		t.Fatal("original entry must not be mutated")
	}
	if accessed.AccessCount() != 1 {
		t.Fatalf("access_count = %d, want 1", accessed.AccessCount())
	}
	if !accessed.LastAccessed().Equal(later) {
		t.Fatal("last_accessed must advance to the access time")
	}
}

func TestWithFailureIncrementAndReset(t *testing.T) {
	e, err := New(Params{Key: "k", ProxyURL: "http://x:1", TTLSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}

	failed := e.WithFailureIncrement().WithFailureIncrement()
	if failed.FailureCount() != 2 {
		t.Fatalf("failure_count = %d, want 2", failed.FailureCount())
	}

	reset := failed.WithFailureReset()
	if reset.FailureCount() != 0 {
		t.Fatalf("failure_count = %d, want 0 after reset", reset.FailureCount())
	}
}

type stubEncryptor struct{}

func (stubEncryptor) Encrypt(s secret.String) ([]byte, error) {
	if !s.IsSet() {
		return nil, nil
	}
	return []byte("ct:" + s.Expose()), nil
}

func (stubEncryptor) Decrypt(ct []byte) (secret.String, error) {
	if len(ct) == 0 {
		return secret.String{}, nil
	}
	return secret.New(string(ct)[3:]), nil
}

func TestMarshalWireRoundTrip(t *testing.T) {
	e, err := New(Params{
		Key:        "k1",
		ProxyURL:   "http://10.0.0.1:8080",
		Username:   secret.New("alice"),
		Password:   secret.New("hunter2"),
		Source:     "loader-a",
		TTLSeconds: 120,
	})
	if err != nil {
		t.Fatal(err)
	}

	enc := stubEncryptor{}
	data, err := e.MarshalWire(enc)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := UnmarshalWire(data, enc)
	if err != nil {
		t.Fatal(err)
	}

	if restored.Key() != e.Key() || restored.ProxyURL() != e.ProxyURL() {
		t.Fatal("key/proxy_url must round-trip")
	}
	if restored.Username().Expose() != "alice" || restored.Password().Expose() != "hunter2" {
		t.Fatal("credentials must round-trip through encryption")
	}
	if !restored.ExpiresAt().Equal(e.ExpiresAt()) {
		t.Fatal("expires_at must round-trip")
	}
}

func TestWithTTLRecomputesExpiresAt(t *testing.T) {
	e, err := New(Params{Key: "k", ProxyURL: "http://x:1", TTLSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := e.WithTTL(120)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.ExpiresAt().Equal(e.FetchTime().Add(120 * time.Second)) {
		t.Fatal("expires_at must be recomputed from the original fetch_time")
	}

	if _, err := e.WithTTL(0); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}
