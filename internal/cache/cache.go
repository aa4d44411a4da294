// Package cache maintains the persistent per-worker record store: hardware
// type, best difficulty ever achieved, and last-seen time, reconciled across
// the live daemon API, per-worker record files on disk, and the cache's own
// prior state. Best difficulty and last-seen are monotonic maxima; external
// sources only ever feed the cache, never override it downward.
package cache

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ckstats/ckstatsd/internal/util"
)

// UnknownMinerType is returned when no source has ever observed a type for
// an identity. It is never stored.
const UnknownMinerType = "Unknown"

// Cache is the aggregate store keyed by worker identity ("address" or
// "address.worker"). One mutex guards all four maps; reads copy under the
// lock so handlers never hold a reference into shared state.
type Cache struct {
	mu sync.Mutex

	workers   map[string]string  // identity -> miner type
	users     map[string]string  // owner address -> latest miner type
	bestDiffs map[string]float64 // identity -> best difficulty ever
	lastSeen  map[string]int64   // identity -> unix seconds

	dirty bool

	path       string // persisted document
	recordsDir string // daemon's per-worker record files (read-only shim)

	persistMu sync.Mutex
}

// persistedState is the on-disk document shape. Missing keys on load default
// to empty maps so older files keep working.
type persistedState struct {
	Workers   map[string]string  `json:"workers"`
	Users     map[string]string  `json:"users"`
	BestDiffs map[string]float64 `json:"bestDiffs"`
	LastSeen  map[string]int64   `json:"lastSeenAt"`
}

// New creates an empty cache persisting to path, with recordsDir pointing at
// the daemon's per-worker record files (may be empty to disable the disk
// fallback).
func New(path, recordsDir string) *Cache {
	return &Cache{
		workers:    make(map[string]string),
		users:      make(map[string]string),
		bestDiffs:  make(map[string]float64),
		lastSeen:   make(map[string]int64),
		path:       path,
		recordsDir: recordsDir,
	}
}

// Load reads the persisted document. A missing file or a read/decode failure
// leaves the cache empty; disk problems are never fatal.
func (c *Cache) Load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			util.Warnf("Cache load failed, starting empty: %v", err)
		}
		return
	}

	var state persistedState
	if err := sonic.Unmarshal(data, &state); err != nil {
		util.Warnf("Cache file unreadable, starting empty: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if state.Workers != nil {
		c.workers = state.Workers
	}
	if state.Users != nil {
		c.users = state.Users
	}
	if state.BestDiffs != nil {
		c.bestDiffs = state.BestDiffs
	}
	if state.LastSeen != nil {
		c.lastSeen = state.LastSeen
	}

	util.Infof("Cache loaded: %d workers, %d best diffs", len(c.workers), len(c.bestDiffs))
}

// Persist writes the full state to disk as one document, via a temp file and
// rename. Concurrent callers serialize; the last writer wins, which is safe
// because the in-memory state is itself monotonically merged. A clean cache
// is a no-op so request handlers can batch merges and call Persist once.
func (c *Cache) Persist() error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	state := persistedState{
		Workers:   copyStrMap(c.workers),
		Users:     copyStrMap(c.users),
		BestDiffs: copyFloatMap(c.bestDiffs),
		LastSeen:  copyIntMap(c.lastSeen),
	}
	c.dirty = false
	c.mu.Unlock()

	data, err := sonic.Marshal(state)
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		c.markDirty()
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.markDirty()
		return err
	}
	return nil
}

// markDirty re-flags the cache after a failed write so the next Persist
// retries.
func (c *Cache) markDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// MergeBestDifficulty reconciles a candidate best-difficulty observation for
// an identity and returns the effective value: the maximum of the stored
// value, the candidate, and the daemon's on-disk record for that identity.
// Strictly greater results update the cache and flag it for persistence.
func (c *Cache) MergeBestDifficulty(identity string, candidate float64) float64 {
	diskBest := readRecordBest(c.recordsDir, identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	effective := c.bestDiffs[identity]
	if candidate > effective {
		effective = candidate
	}
	if diskBest > effective {
		effective = diskBest
	}

	if effective > c.bestDiffs[identity] {
		c.bestDiffs[identity] = effective
		c.dirty = true
	}
	return effective
}

// MergeMinerType records an observed hardware type for an identity and its
// owner address. An empty observation is a non-observation: a concrete
// stored type is never downgraded.
func (c *Cache) MergeMinerType(identity, observed string) {
	if observed == "" || observed == UnknownMinerType {
		return
	}

	address, _ := util.SplitWorkerIdentity(identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.workers[identity] != observed {
		c.workers[identity] = observed
		c.dirty = true
	}
	if address != "" && c.users[address] != observed {
		c.users[address] = observed
		c.dirty = true
	}
}

// MinerType resolves the hardware type for an identity: exact worker match,
// else the owner address's latest observed type, else Unknown.
func (c *Cache) MinerType(identity string) string {
	address, _ := util.SplitWorkerIdentity(identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.workers[identity]; ok && t != "" {
		return t
	}
	if t, ok := c.users[address]; ok && t != "" {
		return t
	}
	return UnknownMinerType
}

// Touch records that an identity was seen at the given time. Last-seen is a
// monotonic maximum, matching the best-difficulty discipline.
func (c *Cache) Touch(identity string, observedAt int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if observedAt > c.lastSeen[identity] {
		c.lastSeen[identity] = observedAt
		c.dirty = true
	}
}

// BestDifficulty returns the stored best difficulty without consulting any
// external source.
func (c *Cache) BestDifficulty(identity string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bestDiffs[identity]
}

// Prune removes entries whose last-seen time is strictly older than
// now-maxAge. Entries with no recorded last-seen are never evicted: those
// are legacy rows of unknown provenance, and silently dropping them would
// lose data migrated from older schemas. Returns the number of identities
// removed.
func (c *Cache) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for identity, seen := range c.lastSeen {
		if seen >= cutoff {
			continue
		}
		delete(c.lastSeen, identity)
		delete(c.bestDiffs, identity)
		delete(c.workers, identity)
		removed++
	}
	if removed > 0 {
		c.dirty = true
	}
	return removed
}

// LeaderboardEntry is one ranked row for the leaderboard view.
type LeaderboardEntry struct {
	Rank           int     `json:"rank"`
	DisplayID      string  `json:"display_id"`
	Address        string  `json:"address"`
	BestDifficulty float64 `json:"best_difficulty"`
	Workers        int     `json:"workers"`
	MinerType      string  `json:"miner_type"`
}

// Leaderboard ranks owner addresses by the maximum best difficulty across
// their workers, descending, at most n rows. Addresses are truncated and
// paired with a stable display ID rather than exposed in full.
func (c *Cache) Leaderboard(n int) []LeaderboardEntry {
	type agg struct {
		best    float64
		workers int
	}

	c.mu.Lock()
	byAddress := make(map[string]*agg)
	for identity, best := range c.bestDiffs {
		address, _ := util.SplitWorkerIdentity(identity)
		a := byAddress[address]
		if a == nil {
			a = &agg{}
			byAddress[address] = a
		}
		a.workers++
		if best > a.best {
			a.best = best
		}
	}
	types := copyStrMap(c.users)
	c.mu.Unlock()

	entries := make([]LeaderboardEntry, 0, len(byAddress))
	for address, a := range byAddress {
		minerType := types[address]
		if minerType == "" {
			minerType = UnknownMinerType
		}
		entries = append(entries, LeaderboardEntry{
			DisplayID:      util.DisplayID(address),
			Address:        util.TruncateAddress(address),
			BestDifficulty: a.best,
			Workers:        a.workers,
			MinerType:      minerType,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BestDifficulty != entries[j].BestDifficulty {
			return entries[i].BestDifficulty > entries[j].BestDifficulty
		}
		return entries[i].DisplayID < entries[j].DisplayID
	})

	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// TypeCounts returns the worker count per hardware type across all cached
// workers, for the miner-types distribution view.
func (c *Cache) TypeCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[string]int)
	for _, t := range c.workers {
		if t == "" {
			t = UnknownMinerType
		}
		counts[t]++
	}
	return counts
}

// Size returns the number of identities with any recorded state.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make(map[string]struct{}, len(c.bestDiffs))
	for id := range c.bestDiffs {
		ids[id] = struct{}{}
	}
	for id := range c.workers {
		ids[id] = struct{}{}
	}
	for id := range c.lastSeen {
		ids[id] = struct{}{}
	}
	return len(ids)
}

// Dir returns the directory holding the persisted document.
func (c *Cache) Dir() string {
	return filepath.Dir(c.path)
}

func copyStrMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
