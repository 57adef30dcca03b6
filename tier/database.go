package tier

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/proxywhirl/cache/entry"
	"github.com/proxywhirl/cache/internal/cacheerr"
)

// databaseColumns is the fixed, in-code whitelist of expected columns for
// cache_entries; migration only ever issues ALTER TABLE ADD COLUMN for
// names drawn from here, never from external input, per spec.md §4.3.3.
var databaseColumns = []struct {
	name string
	ddl  string
}{
	{"key", "TEXT PRIMARY KEY"},
	{"proxy_url", "TEXT NOT NULL"},
	{"username_encrypted", "BLOB"},
	{"password_encrypted", "BLOB"},
	{"source", "TEXT"},
	{"fetch_time", "REAL"},
	{"last_accessed", "REAL"},
	{"expires_at", "REAL"},
	{"access_count", "INTEGER"},
	{"ttl_seconds", "INTEGER"},
	{"health_status", "TEXT"},
	{"failure_count", "INTEGER"},
	{"created_at", "REAL"},
	{"updated_at", "REAL"},
	{"evicted_from_l1", "INTEGER"},
}

// Database is the L2-or-L3 tier backed by an embedded SQLite file, per
// spec.md §4.3.3. Grounded on invalidation/audit.go's schema/migration
// style (CREATE TABLE IF NOT EXISTS plus indexes, raw parameterized SQL)
// with the Postgres-specific pieces (BIGSERIAL, JSONB, sqldb.Database)
// replaced by mattn/go-sqlite3, matching the embedded-single-file-database
// requirement spec.md states explicitly.
type Database struct {
	degrader

	mu  sync.Mutex
	db  *sql.DB
	enc entry.Encryptor

	// asL3 enables the auxiliary health_history table, used only when this
	// Database instance backs the L3 tier.
	asL3 bool
}

// NewDatabase opens (creating if absent) a SQLite database at path,
// configures WAL journaling and busy-timeout per spec.md §4.3.3's
// connection-discipline paragraph, and migrates the schema.
func NewDatabase(path string, enc entry.Encryptor, threshold int64, asL3 bool) (*Database, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000&cache=shared", path))
	if err != nil {
		return nil, cacheerr.IOError("failed to open database tier", err)
	}
	db.SetMaxOpenConns(1) // one long-lived connection, guarded by mu.

	d := &Database{
		degrader: newDegrader(threshold),
		db:       db,
		enc:      enc,
		asL3:     asL3,
	}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) migrate() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (key TEXT PRIMARY KEY)`)
	if err != nil {
		return cacheerr.IOError("failed to create cache_entries table", err)
	}

	existing := make(map[string]bool)
	rows, err := d.db.Query(`PRAGMA table_info(cache_entries)`)
	if err != nil {
		return cacheerr.IOError("failed to inspect cache_entries columns", err)
	}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return cacheerr.IOError("failed to scan column info", err)
		}
		existing[name] = true
	}
	rows.Close()

	for _, col := range databaseColumns {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE cache_entries ADD COLUMN %s %s", col.name, col.ddl)
		if _, err := d.db.Exec(stmt); err != nil {
			return cacheerr.IOError("failed to migrate column "+col.name, err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_source ON cache_entries(source)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_health_status ON cache_entries(health_status)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_last_accessed ON cache_entries(last_accessed)`,
	}
	for _, idx := range indexes {
		if _, err := d.db.Exec(idx); err != nil {
			return cacheerr.IOError("failed to create index", err)
		}
	}

	if d.asL3 {
		_, err := d.db.Exec(`
			CREATE TABLE IF NOT EXISTS health_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				proxy_key TEXT NOT NULL,
				check_time REAL NOT NULL,
				status TEXT NOT NULL,
				response_time_ms INTEGER,
				error_message TEXT,
				check_url TEXT,
				FOREIGN KEY (proxy_key) REFERENCES cache_entries(key) ON DELETE CASCADE
			)
		`)
		if err != nil {
			return cacheerr.IOError("failed to create health_history table", err)
		}
		if _, err := d.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			return cacheerr.IOError("failed to enable foreign key enforcement", err)
		}
	}

	return nil
}

func (d *Database) toRow(e entry.Entry) (map[string]interface{}, error) {
	userCT, err := d.enc.Encrypt(e.Username())
	if err != nil {
		return nil, err
	}
	passCT, err := d.enc.Encrypt(e.Password())
	if err != nil {
		return nil, err
	}

	now := float64(time.Now().UTC().UnixNano()) / 1e9
	evicted := 0
	if e.EvictedFromL1() {
		evicted = 1
	}

	return map[string]interface{}{
		"key":                e.Key(),
		"proxy_url":          e.ProxyURL(),
		"username_encrypted": userCT,
		"password_encrypted": passCT,
		"source":             e.Source(),
		"fetch_time":         unixSeconds(e.FetchTime()),
		"last_accessed":      unixSeconds(e.LastAccessed()),
		"expires_at":         unixSeconds(e.ExpiresAt()),
		"access_count":       e.AccessCount(),
		"ttl_seconds":        e.TTLSeconds(),
		"health_status":      string(e.HealthStatus()),
		"failure_count":      e.FailureCount(),
		"created_at":         now,
		"updated_at":         now,
		"evicted_from_l1":    evicted,
	}, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9)).UTC()
}

func (d *Database) fromRow(row *sql.Row) (entry.Entry, error) {
	var (
		key, proxyURL, source, healthStatus string
		userCT, passCT                      []byte
		fetchTime, lastAccessed, expiresAt   float64
		accessCount, ttlSeconds, failureCount int64
		evictedFromL1Int                    int
	)

	err := row.Scan(&key, &proxyURL, &userCT, &passCT, &source,
		&fetchTime, &lastAccessed, &expiresAt,
		&accessCount, &ttlSeconds, &healthStatus, &failureCount,
		&evictedFromL1Int)
	if err != nil {
		return entry.Entry{}, err
	}

	username, err := d.enc.Decrypt(userCT)
	if err != nil {
		return entry.Entry{}, err
	}
	password, err := d.enc.Decrypt(passCT)
	if err != nil {
		return entry.Entry{}, err
	}

	return entry.Restore(entry.RestoreParams{
		Key:           key,
		ProxyURL:      proxyURL,
		Username:      username,
		Password:      password,
		Source:        source,
		FetchTime:     fromUnixSeconds(fetchTime),
		LastAccessed:  fromUnixSeconds(lastAccessed),
		AccessCount:   accessCount,
		TTLSeconds:    ttlSeconds,
		ExpiresAt:     fromUnixSeconds(expiresAt),
		HealthStatus:  entry.HealthStatus(healthStatus),
		FailureCount:  failureCount,
		EvictedFromL1: evictedFromL1Int != 0,
	})
}

const selectColumns = `key, proxy_url, username_encrypted, password_encrypted, source,
	fetch_time, last_accessed, expires_at, access_count, ttl_seconds,
	health_status, failure_count, evicted_from_l1`

func (d *Database) Get(key string) (entry.Entry, bool, error) {
	if d.Degraded() {
		return entry.Entry{}, false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.db.QueryRow(`SELECT `+selectColumns+` FROM cache_entries WHERE key = ?`, key)
	e, err := d.fromRow(row)
	if err == sql.ErrNoRows {
		d.resetFailures()
		return entry.Entry{}, false, nil
	}
	if err != nil {
		d.handleFailure()
		return entry.Entry{}, false, cacheerr.IOError("failed to read cache entry", err)
	}

	d.resetFailures()
	return e, true, nil
}

func (d *Database) Put(key string, e entry.Entry) (bool, error) {
	if d.Degraded() {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var existed int
	if err := d.db.QueryRow(`SELECT COUNT(1) FROM cache_entries WHERE key = ?`, key).Scan(&existed); err != nil {
		d.handleFailure()
		return false, cacheerr.IOError("failed to check existing row", err)
	}

	row, err := d.toRow(e)
	if err != nil {
		d.handleFailure()
		return false, err
	}

	_, err = d.db.Exec(`
		INSERT OR REPLACE INTO cache_entries
		(key, proxy_url, username_encrypted, password_encrypted, source,
		 fetch_time, last_accessed, expires_at, access_count, ttl_seconds,
		 health_status, failure_count, created_at, updated_at, evicted_from_l1)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row["key"], row["proxy_url"], row["username_encrypted"], row["password_encrypted"], row["source"],
		row["fetch_time"], row["last_accessed"], row["expires_at"], row["access_count"], row["ttl_seconds"],
		row["health_status"], row["failure_count"], row["created_at"], row["updated_at"], row["evicted_from_l1"])
	if err != nil {
		d.handleFailure()
		return false, cacheerr.IOError("failed to upsert cache entry", err)
	}

	d.resetFailures()
	return existed == 0, nil
}

func (d *Database) Delete(key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteLocked(key)
}

func (d *Database) deleteLocked(key string) (bool, error) {
	result, err := d.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		d.handleFailure()
		return false, cacheerr.IOError("failed to delete cache entry", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		d.handleFailure()
		return false, cacheerr.IOError("failed to read rows affected", err)
	}
	d.resetFailures()
	return n > 0, nil
}

func (d *Database) Clear() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var count int
	if err := d.db.QueryRow(`SELECT COUNT(1) FROM cache_entries`).Scan(&count); err != nil {
		d.handleFailure()
		return 0, cacheerr.IOError("failed to count rows before clear", err)
	}

	if _, err := d.db.Exec(`DELETE FROM cache_entries`); err != nil {
		d.handleFailure()
		return count, cacheerr.IOError("failed to clear cache_entries", err)
	}

	d.resetFailures()
	return count, nil
}

func (d *Database) Size() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var count int
	if err := d.db.QueryRow(`SELECT COUNT(1) FROM cache_entries`).Scan(&count); err != nil {
		d.handleFailure()
		return 0, cacheerr.IOError("failed to count rows", err)
	}
	d.resetFailures()
	return count, nil
}

func (d *Database) Keys() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT key FROM cache_entries`)
	if err != nil {
		d.handleFailure()
		return nil, cacheerr.IOError("failed to list keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			d.handleFailure()
			return nil, cacheerr.IOError("failed to scan key", err)
		}
		keys = append(keys, k)
	}
	d.resetFailures()
	return keys, nil
}

// CleanupExpired issues a single DELETE WHERE expires_at < now, the
// performance advantage spec.md §4.3.3 calls out over the file tier's
// per-shard scan.
func (d *Database) CleanupExpired(now time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	result, err := d.db.Exec(`DELETE FROM cache_entries WHERE expires_at < ?`, unixSeconds(now))
	if err != nil {
		d.handleFailure()
		return 0, cacheerr.IOError("failed to delete expired entries", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		d.handleFailure()
		return 0, cacheerr.IOError("failed to read rows affected", err)
	}
	d.resetFailures()
	return int(n), nil
}

func (d *Database) Contains(key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var count int
	if err := d.db.QueryRow(`SELECT COUNT(1) FROM cache_entries WHERE key = ?`, key).Scan(&count); err != nil {
		d.handleFailure()
		return false, cacheerr.IOError("failed to check key existence", err)
	}
	d.resetFailures()
	return count > 0, nil
}

// RecordHealthCheck appends a row to the L3-only health_history table.
// Returns InvalidEntry (not IOError) if this instance is not L3-configured,
// since calling it on a non-L3 Database is a programming error, not a
// transient storage failure.
func (d *Database) RecordHealthCheck(proxyKey string, checkTime time.Time, status string, responseTimeMs int64, errMessage, checkURL string) error {
	if !d.asL3 {
		return cacheerr.InvalidEntry("health_history is only available on the L3 database tier", nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO health_history (proxy_key, check_time, status, response_time_ms, error_message, check_url)
		VALUES (?, ?, ?, ?, ?, ?)`,
		proxyKey, unixSeconds(checkTime), status, responseTimeMs, errMessage, checkURL)
	if err != nil {
		d.handleFailure()
		return cacheerr.IOError("failed to record health check", err)
	}
	d.resetFailures()
	return nil
}

// Close releases the underlying connection.
func (d *Database) Close() error {
	return d.db.Close()
}
