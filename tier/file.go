package tier

import (
	"bufio"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/proxywhirl/cache/entry"
	"github.com/proxywhirl/cache/internal/cacheerr"
	"github.com/proxywhirl/cache/internal/logging"
)

// fileNumShards is the fixed shard count spec.md §4.3.2 specifies.
const fileNumShards = 16

// fileLockTimeout is the advisory-lock acquisition timeout; exceeding it is
// a tier failure, per spec.md §4.3.2.
const fileLockTimeout = 5 * time.Second

// File is the L2 file-backed tier: a 16-way sharded, append-rewrite JSONL
// store, grounded on original_source/proxywhirl/cache/tiers.py's
// JsonlCacheTier. portalocker.Lock is replaced with github.com/gofrs/flock,
// the advisory-file-lock library the monorepo's other examples use for the
// same purpose.
type File struct {
	degrader

	mu         sync.Mutex
	dir        string
	enc        entry.Encryptor
	log        *logging.Logger
	maxEntries int

	index      map[string]int    // key -> shard id
	accessTime map[string]int64  // key -> last_accessed unix seconds, insertion-ordered by rebuild
	accessKeys []string          // parallel ordering for O(1) oldest lookup without a real OrderedDict
}

// NewFile constructs an L2 file tier rooted at dir, building its in-memory
// index by scanning all shards. maxEntries of 0 means unbounded.
func NewFile(dir string, enc entry.Encryptor, maxEntries int, threshold int64, log *logging.Logger) (*File, error) {
	if log == nil {
		log = logging.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cacheerr.IOError("failed to create L2 file tier directory", err)
	}

	f := &File{
		degrader:   newDegrader(threshold),
		dir:        dir,
		enc:        enc,
		log:        log,
		maxEntries: maxEntries,
		index:      make(map[string]int),
		accessTime: make(map[string]int64),
	}
	f.rebuildIndex()
	return f, nil
}

func (f *File) shardPath(shardID int) string {
	return filepath.Join(f.dir, fmt.Sprintf("shard_%02d.jsonl", shardID))
}

// shardID computes MD5(key) mod 16, matching the original's deterministic,
// non-security hash choice.
func shardID(key string) int {
	sum := md5.Sum([]byte(key))
	n := new(big.Int).SetBytes(sum[:])
	mod := new(big.Int).SetInt64(fileNumShards)
	return int(new(big.Int).Mod(n, mod).Int64())
}

type shardRecord struct {
	Key                string       `json:"key"`
	ProxyURL           string       `json:"proxy_url"`
	UsernameEncrypted  string       `json:"username_encrypted,omitempty"`
	PasswordEncrypted  string       `json:"password_encrypted,omitempty"`
	Source             string       `json:"source"`
	FetchTime          string       `json:"fetch_time"`
	LastAccessed       string       `json:"last_accessed"`
	AccessCount        int64        `json:"access_count"`
	TTLSeconds         int64        `json:"ttl_seconds"`
	ExpiresAt          string       `json:"expires_at"`
	HealthStatus       entry.HealthStatus `json:"health_status"`
	FailureCount       int64        `json:"failure_count"`
	EvictedFromL1      bool         `json:"evicted_from_l1"`
}

func (f *File) toRecord(e entry.Entry) (shardRecord, error) {
	userCT, err := f.enc.Encrypt(e.Username())
	if err != nil {
		return shardRecord{}, err
	}
	passCT, err := f.enc.Encrypt(e.Password())
	if err != nil {
		return shardRecord{}, err
	}

	return shardRecord{
		Key:               e.Key(),
		ProxyURL:          e.ProxyURL(),
		UsernameEncrypted: fmt.Sprintf("%x", userCT),
		PasswordEncrypted: fmt.Sprintf("%x", passCT),
		Source:            e.Source(),
		FetchTime:         e.FetchTime().UTC().Format(time.RFC3339Nano),
		LastAccessed:      e.LastAccessed().UTC().Format(time.RFC3339Nano),
		AccessCount:       e.AccessCount(),
		TTLSeconds:        e.TTLSeconds(),
		ExpiresAt:         e.ExpiresAt().UTC().Format(time.RFC3339Nano),
		HealthStatus:      e.HealthStatus(),
		FailureCount:      e.FailureCount(),
		EvictedFromL1:     e.EvictedFromL1(),
	}, nil
}

func (f *File) fromRecord(r shardRecord) (entry.Entry, error) {
	var userCT, passCT []byte
	if r.UsernameEncrypted != "" {
		if _, err := fmt.Sscanf(r.UsernameEncrypted, "%x", &userCT); err != nil {
			return entry.Entry{}, cacheerr.InvalidEntry("corrupt username_encrypted field", err)
		}
	}
	if r.PasswordEncrypted != "" {
		if _, err := fmt.Sscanf(r.PasswordEncrypted, "%x", &passCT); err != nil {
			return entry.Entry{}, cacheerr.InvalidEntry("corrupt password_encrypted field", err)
		}
	}

	username, err := f.enc.Decrypt(userCT)
	if err != nil {
		return entry.Entry{}, err
	}
	password, err := f.enc.Decrypt(passCT)
	if err != nil {
		return entry.Entry{}, err
	}

	fetchTime, _ := time.Parse(time.RFC3339Nano, r.FetchTime)
	lastAccessed, _ := time.Parse(time.RFC3339Nano, r.LastAccessed)
	expiresAt, _ := time.Parse(time.RFC3339Nano, r.ExpiresAt)

	return entry.Restore(entry.RestoreParams{
		Key:           r.Key,
		ProxyURL:      r.ProxyURL,
		Username:      username,
		Password:      password,
		Source:        r.Source,
		FetchTime:     fetchTime,
		LastAccessed:  lastAccessed,
		AccessCount:   r.AccessCount,
		TTLSeconds:    r.TTLSeconds,
		ExpiresAt:     expiresAt,
		HealthStatus:  r.HealthStatus,
		FailureCount:  r.FailureCount,
		EvictedFromL1: r.EvictedFromL1,
	})
}

func (f *File) readShardLocked(shardID int) (map[string]shardRecord, error) {
	path := f.shardPath(shardID)
	records := make(map[string]shardRecord)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return records, nil
	}

	lock := flock.New(path)
	locked, err := tryLockWithTimeout(lock, fileLockTimeout)
	if err != nil {
		return nil, cacheerr.Timeout("failed to acquire shard read lock", err)
	}
	if !locked {
		return nil, cacheerr.Timeout("timed out acquiring shard read lock", nil)
	}
	defer lock.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return nil, cacheerr.IOError("failed to open shard", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec shardRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			f.log.Warn("skipping corrupted shard line", map[string]interface{}{"shard": shardID})
			continue
		}
		if rec.Key != "" {
			records[rec.Key] = rec
		}
	}
	return records, nil
}

func (f *File) writeShardLocked(shardID int, records map[string]shardRecord) error {
	path := f.shardPath(shardID)
	tmpPath := path + ".tmp"

	// Lock the shard file itself, not the temp file, so a concurrent reader
	// (which locks path in readShardLocked) actually mutually excludes with
	// this write, per spec.md §4.3.2 ("every read or write acquires an
	// OS-level advisory lock on the shard file").
	lock := flock.New(path)
	locked, err := tryLockWithTimeout(lock, fileLockTimeout)
	if err != nil {
		return cacheerr.Timeout("failed to acquire shard write lock", err)
	}
	if !locked {
		return cacheerr.Timeout("timed out acquiring shard write lock", nil)
	}
	defer lock.Unlock()

	tmp, err := os.Create(tmpPath)
	if err != nil {
		return cacheerr.IOError("failed to create temp shard file", err)
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return cacheerr.IOError("failed to encode shard record", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return cacheerr.IOError("failed to flush shard file", err)
	}
	if err := tmp.Close(); err != nil {
		return cacheerr.IOError("failed to close temp shard file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return cacheerr.IOError("failed to atomically rename shard file", err)
	}
	return nil
}

func tryLockWithTimeout(lock *flock.Flock, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		locked, err := lock.TryLock()
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (f *File) rebuildIndex() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.index = make(map[string]int)
	f.accessTime = make(map[string]int64)
	f.accessKeys = nil

	type keyed struct {
		key string
		ts  int64
	}
	var ordered []keyed

	for shard := 0; shard < fileNumShards; shard++ {
		records, err := f.readShardLocked(shard)
		if err != nil {
			f.log.Warn("failed to read shard during index rebuild", map[string]interface{}{"shard": shard, "error": err.Error()})
			continue
		}
		for key, rec := range records {
			f.index[key] = shard
			ts := time.Now().Unix()
			if parsed, err := time.Parse(time.RFC3339Nano, rec.LastAccessed); err == nil {
				ts = parsed.Unix()
			}
			ordered = append(ordered, keyed{key, ts})
		}
	}

	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].ts < ordered[i].ts {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for _, k := range ordered {
		f.accessTime[k.key] = k.ts
		f.accessKeys = append(f.accessKeys, k.key)
	}
}

func (f *File) touchLocked(key string) {
	now := time.Now().Unix()
	if _, exists := f.accessTime[key]; exists {
		f.removeFromAccessOrderLocked(key)
	}
	f.accessTime[key] = now
	f.accessKeys = append(f.accessKeys, key)
}

func (f *File) removeFromAccessOrderLocked(key string) {
	delete(f.accessTime, key)
	for i, k := range f.accessKeys {
		if k == key {
			f.accessKeys = append(f.accessKeys[:i], f.accessKeys[i+1:]...)
			break
		}
	}
}

// evictOldestLocked pops the oldest-accessed key and deletes it, per
// spec.md §4.3.2's LRU-within-L2 eviction rule.
func (f *File) evictOldestLocked() {
	if len(f.accessKeys) == 0 {
		return
	}
	oldest := f.accessKeys[0]
	f.accessKeys = f.accessKeys[1:]
	delete(f.accessTime, oldest)

	shard, ok := f.index[oldest]
	if !ok {
		return
	}
	records, err := f.readShardLocked(shard)
	if err != nil {
		f.handleFailure()
		return
	}
	delete(records, oldest)
	if err := f.writeShardLocked(shard, records); err != nil {
		f.handleFailure()
		return
	}
	delete(f.index, oldest)
}

func (f *File) Get(key string) (entry.Entry, bool, error) {
	if f.Degraded() {
		return entry.Entry{}, false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	shard, ok := f.index[key]
	if !ok {
		f.resetFailures()
		return entry.Entry{}, false, nil
	}

	records, err := f.readShardLocked(shard)
	if err != nil {
		f.handleFailure()
		return entry.Entry{}, false, err
	}

	rec, ok := records[key]
	if !ok {
		f.resetFailures()
		return entry.Entry{}, false, nil
	}

	e, err := f.fromRecord(rec)
	if err != nil {
		f.handleFailure()
		return entry.Entry{}, false, err
	}

	f.touchLocked(key)
	f.resetFailures()
	return e, true, nil
}

func (f *File) Put(key string, e entry.Entry) (bool, error) {
	if f.Degraded() {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	shard, existed := f.index[key]
	if !existed {
		shard = shardID(key)
	}

	records, err := f.readShardLocked(shard)
	if err != nil {
		f.handleFailure()
		return false, err
	}

	rec, err := f.toRecord(e)
	if err != nil {
		f.handleFailure()
		return false, err
	}
	records[key] = rec

	if err := f.writeShardLocked(shard, records); err != nil {
		f.handleFailure()
		return false, err
	}

	f.index[key] = shard
	f.touchLocked(key)

	inserted := !existed
	if inserted && f.maxEntries > 0 && len(f.index) > f.maxEntries {
		f.evictOldestLocked()
	}

	f.resetFailures()
	return inserted, nil
}

func (f *File) Delete(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteLocked(key)
}

func (f *File) deleteLocked(key string) (bool, error) {
	shard, ok := f.index[key]
	if !ok {
		return false, nil
	}

	records, err := f.readShardLocked(shard)
	if err != nil {
		f.handleFailure()
		return false, err
	}
	if _, ok := records[key]; !ok {
		delete(f.index, key)
		f.removeFromAccessOrderLocked(key)
		return false, nil
	}
	delete(records, key)

	if err := f.writeShardLocked(shard, records); err != nil {
		f.handleFailure()
		return false, err
	}

	delete(f.index, key)
	f.removeFromAccessOrderLocked(key)
	f.resetFailures()
	return true, nil
}

func (f *File) Clear() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := len(f.index)
	for shard := 0; shard < fileNumShards; shard++ {
		if err := f.writeShardLocked(shard, map[string]shardRecord{}); err != nil {
			f.handleFailure()
			return count, err
		}
	}
	f.index = make(map[string]int)
	f.accessTime = make(map[string]int64)
	f.accessKeys = nil
	f.resetFailures()
	return count, nil
}

func (f *File) Size() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.index), nil
}

func (f *File) Keys() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.index))
	for k := range f.index {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *File) CleanupExpired(now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for shard := 0; shard < fileNumShards; shard++ {
		records, err := f.readShardLocked(shard)
		if err != nil {
			f.handleFailure()
			continue
		}

		changed := false
		for key, rec := range records {
			expiresAt, err := time.Parse(time.RFC3339Nano, rec.ExpiresAt)
			if err != nil {
				continue
			}
			if !now.Before(expiresAt) {
				delete(records, key)
				delete(f.index, key)
				f.removeFromAccessOrderLocked(key)
				removed++
				changed = true
			}
		}
		if changed {
			if err := f.writeShardLocked(shard, records); err != nil {
				f.handleFailure()
			}
		}
	}

	f.resetFailures()
	return removed, nil
}

func (f *File) Contains(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.index[key]
	return ok, nil
}
