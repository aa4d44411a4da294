// Package stats normalizes raw daemon payloads into canonical metric
// records. Everything here is a pure transformation: no I/O, no clocks
// beyond the timestamps callers pass in.
package stats

// PoolSnapshot is the normalized pool-wide view served by the API. It is
// computed fresh from the daemon's replies on each request and only cached
// for a short TTL by the serving layer.
type PoolSnapshot struct {
	Hashrate1m float64 `json:"hashrate_1m"`
	Hashrate5m float64 `json:"hashrate_5m"`
	Hashrate1h float64 `json:"hashrate_1h"`
	Hashrate1d float64 `json:"hashrate_1d"`
	Hashrate7d float64 `json:"hashrate_7d"`

	Users        int64 `json:"users"`
	Workers      int64 `json:"workers"`
	Idle         int64 `json:"idle"`
	Disconnected int64 `json:"disconnected"`

	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`

	BestShare float64 `json:"best_share"`

	NetworkDifficulty float64 `json:"network_difficulty"`
	Height            uint64  `json:"height"`

	Uptime      int64  `json:"uptime"`
	UptimeHuman string `json:"uptime_human"`
}

// NetworkInfo is the normalized chain view for /network.
type NetworkInfo struct {
	Height     uint64  `json:"height"`
	Difficulty float64 `json:"difficulty"`
	Hashrate   float64 `json:"hashrate"`
}

// UserStats is the normalized per-address view. A nil *UserStats means the
// daemon does not know the address, which is distinct from a user with zero
// activity.
type UserStats struct {
	Address    string  `json:"address"`
	Hashrate1m float64 `json:"hashrate_1m"`
	Hashrate5m float64 `json:"hashrate_5m"`
	Hashrate1h float64 `json:"hashrate_1h"`
	Hashrate1d float64 `json:"hashrate_1d"`
	Hashrate7d float64 `json:"hashrate_7d"`

	LastShare  int64   `json:"last_share"`
	Shares     uint64  `json:"shares"`
	BestDiff   float64 `json:"best_diff"`
	Authorised int64   `json:"authorised"`

	Workers []WorkerStats `json:"workers"`
}

// WorkerStats is the normalized per-worker view. Identity is the full
// "address.worker" form; MinerType is filled in by the reconciling cache,
// not by the normalizer.
type WorkerStats struct {
	Identity   string  `json:"identity"`
	Name       string  `json:"name"`
	Hashrate1m float64 `json:"hashrate_1m"`
	Hashrate5m float64 `json:"hashrate_5m"`
	Hashrate1h float64 `json:"hashrate_1h"`
	Hashrate1d float64 `json:"hashrate_1d"`
	Hashrate7d float64 `json:"hashrate_7d"`

	LastShare int64   `json:"last_share"`
	Shares    uint64  `json:"shares"`
	BestDiff  float64 `json:"best_diff"`
	Idle      bool    `json:"idle"`
	MinerType string  `json:"miner_type,omitempty"`
}
