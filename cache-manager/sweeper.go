package cachemanager

import (
	"sync"
	"time"

	"github.com/proxywhirl/cache/internal/logging"
)

// sweeper is the TTL Sweeper (C5): a daemon goroutine owned by the
// Manager, grounded on the teacher's service.go runTTLCleanup/Shutdown
// stop-channel pattern, generalized from a single L1 cache to every
// enabled tier.
type sweeper struct {
	manager  *Manager
	interval time.Duration
	log      *logging.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newSweeper(m *Manager, interval time.Duration, log *logging.Logger) *sweeper {
	if log == nil {
		log = logging.Nop()
	}
	return &sweeper{
		manager:  m,
		interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

func (s *sweeper) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runPassSafely()
		}
	}
}

// runPassSafely recovers from any panic during a sweep pass so the
// sweeper goroutine never dies, per spec.md §4.5's "must not die"
// requirement.
func (s *sweeper) runPassSafely() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("ttl sweep pass panicked", map[string]interface{}{"panic": r})
		}
	}()
	s.runPass()
}

func (s *sweeper) runPass() {
	m := s.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, t := range m.tiersInOrder() {
		n, err := t.CleanupExpired(time.Now())
		if err != nil {
			s.log.Warn("tier cleanup_expired failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		total += n
	}

	if total > 0 {
		s.log.Debug("ttl sweep removed expired entries", map[string]interface{}{"count": total})
	}
}

func (s *sweeper) stop() {
	close(s.stopChan)
	s.wg.Wait()
}
