package entry

import "github.com/proxywhirl/cache/internal/cacheerr"

// L2Backend selects which storage implementation backs the L2 tier, per
// spec.md §3.2.
type L2Backend string

const (
	L2BackendFile     L2Backend = "file"
	L2BackendDatabase L2Backend = "database"
)

// TierConfig configures one tier's enablement and capacity, per spec.md
// §3.2. EvictionPolicy is fixed to "lru" — the spec names no alternative.
type TierConfig struct {
	Enabled        bool
	MaxEntries     int // 0 means unbounded
	EvictionPolicy string
}

// DefaultTierConfig returns an enabled, unbounded, LRU tier configuration.
func DefaultTierConfig() TierConfig {
	return TierConfig{Enabled: true, EvictionPolicy: "lru"}
}

// Config aggregates the knobs a Manager is constructed from, per spec.md
// §3.2.
type Config struct {
	L1 TierConfig
	L2 TierConfig
	L3 TierConfig

	DefaultTTLSeconds int64
	PerSourceTTL      map[string]int64

	L2Backend      L2Backend
	L2Directory    string
	L3DatabasePath string

	HealthCheckInvalidation bool
	FailureThreshold        int64

	EnableBackgroundCleanup bool
	CleanupIntervalSeconds  int64
}

// DefaultConfig returns the configuration the teacher's service.Config
// would describe as "sane defaults for local development": all three tiers
// enabled, file-backed L2, one-hour TTL, failure threshold 3, a five-minute
// sweep interval.
func DefaultConfig() Config {
	return Config{
		L1: DefaultTierConfig(),
		L2: DefaultTierConfig(),
		L3: DefaultTierConfig(),

		DefaultTTLSeconds: 3600,

		L2Backend:      L2BackendFile,
		L2Directory:    "cache-l2",
		L3DatabasePath: "cache-l3.sqlite3",

		HealthCheckInvalidation: true,
		FailureThreshold:        3,

		EnableBackgroundCleanup: true,
		CleanupIntervalSeconds:  300,
	}
}

// TTLFor resolves the TTL to apply to a newly fetched entry from the given
// source: per_source_ttl override if present, else default_ttl_seconds.
func (c Config) TTLFor(source string) int64 {
	if c.PerSourceTTL != nil {
		if ttl, ok := c.PerSourceTTL[source]; ok {
			return ttl
		}
	}
	return c.DefaultTTLSeconds
}

// Validate checks invariants a Manager depends on at construction time.
func (c Config) Validate() error {
	if c.DefaultTTLSeconds <= 0 {
		return cacheerr.InvalidEntry("default_ttl_seconds must be positive", nil)
	}
	if c.FailureThreshold <= 0 {
		return cacheerr.InvalidEntry("failure_threshold must be positive", nil)
	}
	if c.EnableBackgroundCleanup && c.CleanupIntervalSeconds <= 0 {
		return cacheerr.InvalidEntry("cleanup_interval_seconds must be positive when background cleanup is enabled", nil)
	}
	if c.L2.Enabled && c.L2Backend != L2BackendFile && c.L2Backend != L2BackendDatabase {
		return cacheerr.InvalidEntry("l2_backend must be \"file\" or \"database\"", nil)
	}
	return nil
}
