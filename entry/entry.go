// Package entry defines the immutable cache record and the configuration
// and statistics aggregates that travel with it, grounded on the teacher's
// pkg/models/cache.go but reworked from a mutable, atomic-counter-backed
// struct into the functional-update value type spec.md §3.1/§4.2 demands.
package entry

import (
	"time"

	"github.com/proxywhirl/cache/internal/cacheerr"
	"github.com/proxywhirl/cache/internal/secret"
)

// HealthStatus mirrors the teacher's health enum, trimmed to the three
// states spec.md §3.1 names.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Entry is an immutable cached proxy record. Every field is unexported;
// callers read via accessors and write via With* copy-on-update methods, so
// no caller can ever hold a live reference into a stored entry's state.
type Entry struct {
	key           string
	proxyURL      string
	username      secret.String
	password      secret.String
	source        string
	fetchTime     time.Time
	lastAccessed  time.Time
	accessCount   int64
	ttlSeconds    int64
	expiresAt     time.Time
	healthStatus  HealthStatus
	failureCount  int64
	evictedFromL1 bool
}

// Params supplies the fields needed to construct a new Entry via New.
// FetchTime defaults to time.Now().UTC() when zero.
type Params struct {
	Key        string
	ProxyURL   string
	Username   secret.String
	Password   secret.String
	Source     string
	FetchTime  time.Time
	TTLSeconds int64
}

// New validates p against §3.1's invariants and constructs an Entry.
// LastAccessed is initialized equal to FetchTime; AccessCount, FailureCount
// start at zero; HealthStatus starts Unknown; EvictedFromL1 starts false.
func New(p Params) (Entry, error) {
	if p.Key == "" {
		return Entry{}, cacheerr.InvalidEntry("key must not be empty", nil)
	}
	if p.ProxyURL == "" {
		return Entry{}, cacheerr.InvalidEntry("proxy_url must not be empty", nil)
	}
	if p.TTLSeconds <= 0 {
		return Entry{}, cacheerr.InvalidEntry("ttl_seconds must be positive", nil)
	}

	fetchTime := p.FetchTime
	if fetchTime.IsZero() {
		fetchTime = time.Now().UTC()
	} else {
		fetchTime = fetchTime.UTC()
	}

	e := Entry{
		key:          p.Key,
		proxyURL:     p.ProxyURL,
		username:     p.Username,
		password:     p.Password,
		source:       p.Source,
		fetchTime:    fetchTime,
		lastAccessed: fetchTime,
		ttlSeconds:   p.TTLSeconds,
		expiresAt:    fetchTime.Add(time.Duration(p.TTLSeconds) * time.Second),
		healthStatus: HealthUnknown,
	}

	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// RestoreParams supplies every field of a previously stored Entry,
// including derived and access-tracking fields a Tier reads back off disk
// or out of a database row. Used by tier implementations to reconstruct an
// Entry without round-tripping through the wire JSON encoding.
type RestoreParams struct {
	Key           string
	ProxyURL      string
	Username      secret.String
	Password      secret.String
	Source        string
	FetchTime     time.Time
	LastAccessed  time.Time
	AccessCount   int64
	TTLSeconds    int64
	ExpiresAt     time.Time
	HealthStatus  HealthStatus
	FailureCount  int64
	EvictedFromL1 bool
}

// Restore reconstructs a previously stored Entry, validating invariants.
func Restore(p RestoreParams) (Entry, error) {
	health := p.HealthStatus
	if health == "" {
		health = HealthUnknown
	}

	e := Entry{
		key:           p.Key,
		proxyURL:      p.ProxyURL,
		username:      p.Username,
		password:      p.Password,
		source:        p.Source,
		fetchTime:     p.FetchTime.UTC(),
		lastAccessed:  p.LastAccessed.UTC(),
		accessCount:   p.AccessCount,
		ttlSeconds:    p.TTLSeconds,
		expiresAt:     p.ExpiresAt.UTC(),
		healthStatus:  health,
		failureCount:  p.FailureCount,
		evictedFromL1: p.EvictedFromL1,
	}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (e Entry) validate() error {
	if !e.expiresAt.After(e.fetchTime) {
		return cacheerr.InvalidEntry("expires_at must be after fetch_time", nil)
	}
	if e.failureCount < 0 {
		return cacheerr.InvalidEntry("failure_count must not be negative", nil)
	}
	if e.lastAccessed.Before(e.fetchTime) {
		return cacheerr.InvalidEntry("last_accessed must not precede fetch_time", nil)
	}
	return nil
}

// Key returns the stable cache key.
func (e Entry) Key() string { return e.key }

// ProxyURL returns the full proxy URL.
func (e Entry) ProxyURL() string { return e.proxyURL }

// Username returns the redacting-wrapped username, if any.
func (e Entry) Username() secret.String { return e.username }

// Password returns the redacting-wrapped password, if any.
func (e Entry) Password() secret.String { return e.password }

// Source returns the identifier of the loader that produced this entry.
func (e Entry) Source() string { return e.source }

// FetchTime returns when the entry was first obtained.
func (e Entry) FetchTime() time.Time { return e.fetchTime }

// LastAccessed returns the timestamp of the most recent successful get.
func (e Entry) LastAccessed() time.Time { return e.lastAccessed }

// AccessCount returns the number of successful gets recorded.
func (e Entry) AccessCount() int64 { return e.accessCount }

// TTLSeconds returns the configured live duration.
func (e Entry) TTLSeconds() int64 { return e.ttlSeconds }

// ExpiresAt returns the authoritative expiration timestamp.
func (e Entry) ExpiresAt() time.Time { return e.expiresAt }

// HealthStatus returns the last-reported health status.
func (e Entry) HealthStatus() HealthStatus { return e.healthStatus }

// FailureCount returns the number of failures reported against this entry.
func (e Entry) FailureCount() int64 { return e.failureCount }

// EvictedFromL1 reports whether the orchestrator demoted this entry out of
// the memory tier.
func (e Entry) EvictedFromL1() bool { return e.evictedFromL1 }

// IsExpired reports whether now is at or past ExpiresAt.
func (e Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// WithAccess returns a copy recording a successful read at now: AccessCount
// incremented, LastAccessed advanced. now is clamped forward if it would
// otherwise violate last_accessed >= fetch_time.
func (e Entry) WithAccess(now time.Time) Entry {
	next := e
	next.accessCount = e.accessCount + 1
	if now.Before(e.fetchTime) {
		now = e.fetchTime
	}
	next.lastAccessed = now.UTC()
	return next
}

// WithHealthStatus returns a copy with a new health status.
func (e Entry) WithHealthStatus(status HealthStatus) Entry {
	next := e
	next.healthStatus = status
	return next
}

// WithFailureIncrement returns a copy with FailureCount incremented by one.
func (e Entry) WithFailureIncrement() Entry {
	next := e
	next.failureCount = e.failureCount + 1
	return next
}

// WithFailureReset returns a copy with FailureCount reset to zero, used
// when a validator reports a subsequent success.
func (e Entry) WithFailureReset() Entry {
	next := e
	next.failureCount = 0
	return next
}

// WithEvictedFromL1 returns a copy with the evicted-from-L1 flag set.
func (e Entry) WithEvictedFromL1(evicted bool) Entry {
	next := e
	next.evictedFromL1 = evicted
	return next
}

// WithTTL returns a copy with a new ttl_seconds, recomputing expires_at from
// the original fetch_time per §3.1's invariant.
func (e Entry) WithTTL(ttlSeconds int64) (Entry, error) {
	if ttlSeconds <= 0 {
		return Entry{}, cacheerr.InvalidEntry("ttl_seconds must be positive", nil)
	}
	next := e
	next.ttlSeconds = ttlSeconds
	next.expiresAt = e.fetchTime.Add(time.Duration(ttlSeconds) * time.Second)
	return next, nil
}

// wireEntry is the JSON-ish external representation. Credentials are
// carried only as pre-encrypted ciphertext (base64 by the encoding/json
// default for []byte), matching §4.2's round-trip contract.
type wireEntry struct {
	Key                string       `json:"key"`
	ProxyURL           string       `json:"proxy_url"`
	UsernameCiphertext []byte       `json:"username_ciphertext,omitempty"`
	PasswordCiphertext []byte       `json:"password_ciphertext,omitempty"`
	Source             string       `json:"source"`
	FetchTime          time.Time    `json:"fetch_time"`
	LastAccessed       time.Time    `json:"last_accessed"`
	AccessCount        int64        `json:"access_count"`
	TTLSeconds         int64        `json:"ttl_seconds"`
	ExpiresAt          time.Time    `json:"expires_at"`
	HealthStatus       HealthStatus `json:"health_status"`
	FailureCount       int64        `json:"failure_count"`
	EvictedFromL1      bool         `json:"evicted_from_l1"`
}

// Encryptor is the subset of cipher.Cipher this package depends on, kept
// narrow so entry has no import-cycle risk with the cipher package.
type Encryptor interface {
	Encrypt(secret.String) ([]byte, error)
	Decrypt([]byte) (secret.String, error)
}

// MarshalWire encodes e to its external representation, encrypting
// credentials with enc.
func (e Entry) MarshalWire(enc Encryptor) ([]byte, error) {
	userCT, err := enc.Encrypt(e.username)
	if err != nil {
		return nil, err
	}
	passCT, err := enc.Encrypt(e.password)
	if err != nil {
		return nil, err
	}

	w := wireEntry{
		Key:                e.key,
		ProxyURL:           e.proxyURL,
		UsernameCiphertext: userCT,
		PasswordCiphertext: passCT,
		Source:             e.source,
		FetchTime:          e.fetchTime,
		LastAccessed:       e.lastAccessed,
		AccessCount:        e.accessCount,
		TTLSeconds:         e.ttlSeconds,
		ExpiresAt:          e.expiresAt,
		HealthStatus:       e.healthStatus,
		FailureCount:       e.failureCount,
		EvictedFromL1:      e.evictedFromL1,
	}
	return marshalJSON(w)
}

// UnmarshalWire decodes data into an Entry, decrypting credentials with enc.
func UnmarshalWire(data []byte, enc Encryptor) (Entry, error) {
	var w wireEntry
	if err := unmarshalJSON(data, &w); err != nil {
		return Entry{}, cacheerr.MalformedWarmFile("failed to decode cache entry", err)
	}

	username, err := enc.Decrypt(w.UsernameCiphertext)
	if err != nil {
		return Entry{}, err
	}
	password, err := enc.Decrypt(w.PasswordCiphertext)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		key:           w.Key,
		proxyURL:      w.ProxyURL,
		username:      username,
		password:      password,
		source:        w.Source,
		fetchTime:     w.FetchTime,
		lastAccessed:  w.LastAccessed,
		accessCount:   w.AccessCount,
		ttlSeconds:    w.TTLSeconds,
		expiresAt:     w.ExpiresAt,
		healthStatus:  w.HealthStatus,
		failureCount:  w.FailureCount,
		evictedFromL1: w.EvictedFromL1,
	}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}
