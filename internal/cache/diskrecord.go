package cache

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/ckstats/ckstatsd/internal/util"
)

// The daemon drops loosely-structured per-worker record files into its users
// directory. There is no documented schema, so we treat the files as text
// and pattern-search for the historical-best field names the daemon has used
// across versions. This is a legacy-compatibility shim: read-only, best
// effort, and every failure is simply "no disk record".
var recordBestPattern = regexp.MustCompile(`"?(?:bestever|bestshare|bestdiff)"?\s*[:=]\s*"?([0-9]+(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?)`)

// maxRecordSize bounds how much of a record file is read. The daemon's
// records are small; anything larger is not one of its files.
const maxRecordSize = 1 << 20

// readRecordBest extracts the best difficulty recorded on disk for an
// identity, or 0 when no record exists or nothing matches.
func readRecordBest(dir, identity string) float64 {
	if dir == "" || identity == "" {
		return 0
	}

	address, _ := util.SplitWorkerIdentity(identity)

	// Worker-specific record first, then the owner's aggregate record.
	for _, name := range []string{identity, address} {
		if name == "" {
			continue
		}
		if best, ok := scanRecordFile(filepath.Join(dir, name)); ok {
			return best
		}
	}
	return 0
}

// scanRecordFile pattern-searches one record file. The bool is false when
// the file is missing, oversized, or contains no recognized field.
func scanRecordFile(path string) (float64, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() > maxRecordSize {
		return 0, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		util.Debugf("Worker record %s unreadable: %v", path, err)
		return 0, false
	}

	best := 0.0
	found := false
	for _, match := range recordBestPattern.FindAllSubmatch(data, -1) {
		v, err := strconv.ParseFloat(string(match[1]), 64)
		if err != nil {
			continue
		}
		found = true
		if v > best {
			best = v
		}
	}
	return best, found
}
