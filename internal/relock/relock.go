// Package relock provides a goroutine-owned re-entrant mutex.
//
// Go's sync.Mutex is not re-entrant, but the orchestrator needs re-entrance:
// Get invokes the delete-across-tiers helper when it finds an expired entry,
// and InvalidateByHealth invokes it on threshold crossing, both while
// already holding the lock. Every public method pairs with an internal
// "_locked" helper that assumes the lock is already held; Mutex additionally
// tracks the owning goroutine (by an ID parsed from the runtime stack
// header, which Go deliberately makes awkward to obtain) so a second Lock
// call from the same goroutine does not deadlock even if a public method is
// nested inside another.
package relock

import (
	"runtime"
	"strconv"
	"sync"
)

// Mutex is a re-entrant mutex keyed on the calling goroutine.
type Mutex struct {
	mu       sync.Mutex
	cond     *sync.Cond
	owner    string
	depth    int
}

// New returns a ready-to-use re-entrant mutex.
func New() *Mutex {
	m := &Mutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock acquires the mutex. A goroutine that already holds it may call Lock
// again; each call must be matched by a corresponding Unlock.
func (m *Mutex) Lock() {
	id := goroutineID()

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.depth > 0 && m.owner != id {
		m.cond.Wait()
	}
	m.owner = id
	m.depth++
}

// Unlock releases one level of the lock. The final Unlock for the current
// holder wakes any waiters.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.depth--
	if m.depth < 0 {
		panic("relock: Unlock called without matching Lock")
	}
	if m.depth == 0 {
		m.owner = ""
		m.cond.Broadcast()
	}
}

// goroutineID extracts a best-effort identifier for the calling goroutine
// from its stack trace header ("goroutine 123 [running]:"). It is used only
// to detect re-entrance by the same logical call chain, never for anything
// correctness-sensitive beyond that.
func goroutineID() string {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	line := string(buf[:n])
	const prefix = "goroutine "
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		return ""
	}
	rest := line[len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	return strconv.Quote(rest[:end])
}
