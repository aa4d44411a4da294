package cache

import (
	"sync"
	"time"

	"github.com/ckstats/ckstatsd/internal/util"
)

// Sweeper periodically evicts cache entries unseen beyond the retention
// window. It waits an initial delay after process start so a cold cache that
// has not yet re-observed its workers is not gutted on the first pass.
type Sweeper struct {
	cache     *Cache
	retention time.Duration
	interval  time.Duration
	delay     time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSweeper creates a sweeper for the given cache.
func NewSweeper(c *Cache, retention, interval, delay time.Duration) *Sweeper {
	return &Sweeper{
		cache:     c,
		retention: retention,
		interval:  interval,
		delay:     delay,
		quit:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	util.Infof("Eviction sweeper started: retention %s, interval %s", s.retention, s.interval)
}

// Stop shuts the sweep loop down and waits for it.
func (s *Sweeper) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	select {
	case <-s.quit:
		return
	case <-time.After(s.delay):
	}

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs one eviction pass and persists if anything was removed.
func (s *Sweeper) sweep() {
	removed := s.cache.Prune(s.retention)
	if removed == 0 {
		return
	}
	util.Infof("Evicted %d stale worker entries", removed)
	if err := s.cache.Persist(); err != nil {
		util.Warnf("Persist after eviction failed: %v", err)
	}
}
