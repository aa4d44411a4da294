// Package blocks recovers solved-block history from the mining daemon's
// log directory.
package blocks

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ckstats/ckstatsd/internal/util"
)

// Block is one solved block recovered from the daemon logs.
type Block struct {
	Height  int64     `json:"height"`
	Hash    string    `json:"hash,omitempty"`
	Finder  string    `json:"finder,omitempty"`
	Reward  float64   `json:"reward"`
	FoundAt time.Time `json:"found_at"`
}

// The daemon writes one line per confirmed solve, for example:
//
//	[2026-08-01 12:00:00.123] Solved and confirmed block 850123 by bc1qabc.worker1
//	[2026-08-01 12:00:00.456] Solved block 850123 hash 0000...c2d3
var (
	solvedPattern = regexp.MustCompile(`\[([0-9]{4}-[0-9]{2}-[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2})(?:\.[0-9]+)?\].*Solved and confirmed block ([0-9]+)(?: by (\S+))?`)
	hashPattern   = regexp.MustCompile(`Solved block ([0-9]+) hash ([0-9a-fA-F]{64})`)
)

const solvedTimeLayout = "2006-01-02 15:04:05"

// maxLogLine bounds the scanner buffer for unusually long lines.
const maxLogLine = 1 << 20

const (
	initialSubsidy  = 50.0
	halvingInterval = 210000
	maxHalvings     = 64
)

// Subsidy returns the coinbase reward for a block at the given height.
func Subsidy(height int64) float64 {
	halvings := height / halvingInterval
	if halvings >= maxHalvings {
		return 0
	}
	return initialSubsidy / float64(int64(1)<<uint(halvings))
}

// Scanner reads solved blocks from the daemon's log directory behind a
// TTL cache so API traffic does not reread logs on every request.
type Scanner struct {
	mu        sync.Mutex
	cached    []Block
	fetchedAt time.Time

	logDir    string
	ttl       time.Duration
	maxRecent int
}

func NewScanner(logDir string, ttl time.Duration, maxRecent int) *Scanner {
	return &Scanner{
		logDir:    logDir,
		ttl:       ttl,
		maxRecent: maxRecent,
	}
}

// Recent returns solved blocks newest first, at most maxRecent of them.
func (s *Scanner) Recent() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.fetchedAt.IsZero() && now.Sub(s.fetchedAt) < s.ttl {
		return s.cached
	}

	found, err := s.scan()
	if err != nil {
		util.Warnf("block scan failed: %v", err)
		// Keep serving the previous result on transient failures.
		return s.cached
	}

	s.cached = found
	s.fetchedAt = now
	return s.cached
}

func (s *Scanner) scan() ([]Block, error) {
	if s.logDir == "" {
		return nil, nil
	}

	entries, err := filepath.Glob(filepath.Join(s.logDir, "*.log"))
	if err != nil {
		return nil, err
	}

	byHeight := make(map[int64]Block)
	hashes := make(map[int64]string)

	for _, path := range entries {
		if err := scanLogFile(path, byHeight, hashes); err != nil {
			util.Debugf("skipping log %s: %v", path, err)
		}
	}

	blocks := make([]Block, 0, len(byHeight))
	for height, b := range byHeight {
		if hash, ok := hashes[height]; ok {
			b.Hash = hash
		}
		blocks = append(blocks, b)
	}

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Height > blocks[j].Height
	})
	if s.maxRecent > 0 && len(blocks) > s.maxRecent {
		blocks = blocks[:s.maxRecent]
	}
	return blocks, nil
}

func scanLogFile(path string, byHeight map[int64]Block, hashes map[int64]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)

	for scanner.Scan() {
		line := scanner.Text()

		if m := solvedPattern.FindStringSubmatch(line); m != nil {
			height, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				continue
			}
			b := Block{
				Height: height,
				Finder: m[3],
				Reward: Subsidy(height),
			}
			if ts, err := time.ParseInLocation(solvedTimeLayout, m[1], time.UTC); err == nil {
				b.FoundAt = ts
			}
			byHeight[height] = b
			continue
		}

		if m := hashPattern.FindStringSubmatch(line); m != nil {
			height, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			hashes[height] = m[2]
		}
	}
	return scanner.Err()
}
