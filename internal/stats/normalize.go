package stats

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hako/durafmt"
)

// hashesPerDiffShare is the expected number of hash attempts represented by
// one accepted unit-difficulty share (2^32).
const hashesPerDiffShare = 4294967296

// IdleThreshold is how long a worker may go without a share before it is
// considered idle.
const IdleThreshold = 300 * time.Second

// HashrateFromDSPS converts a difficulty-shares-per-second counter into
// hashes per second.
func HashrateFromDSPS(dsps float64) float64 {
	return dsps * hashesPerDiffShare
}

// rawStatus mirrors the listener's "status" reply.
type rawStatus struct {
	Runtime      int64 `json:"runtime"`
	Users        int64 `json:"Users"`
	Workers      int64 `json:"Workers"`
	Idle         int64 `json:"Idle"`
	Disconnected int64 `json:"Disconnected"`
}

// rawPoolStats mirrors the stratifier's "stats" reply.
type rawPoolStats struct {
	DSPS1     float64 `json:"dsps1"`
	DSPS5     float64 `json:"dsps5"`
	DSPS60    float64 `json:"dsps60"`
	DSPS1440  float64 `json:"dsps1440"`
	DSPS10080 float64 `json:"dsps10080"`

	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`

	// The historical-best field name varies by daemon version; take the
	// max across whichever are present.
	Bestever  *float64 `json:"bestever"`
	Bestshare *float64 `json:"bestshare"`
	Bestdiff  *float64 `json:"bestdiff"`
}

// rawNetwork mirrors the listener's "network" reply.
type rawNetwork struct {
	Height        uint64  `json:"height"`
	Diff          float64 `json:"diff"`
	NetworkHashPS float64 `json:"networkhashps"`
}

// rawUser mirrors the stratifier's getuser reply.
type rawUser struct {
	DSPS1     float64 `json:"dsps1"`
	DSPS5     float64 `json:"dsps5"`
	DSPS60    float64 `json:"dsps60"`
	DSPS1440  float64 `json:"dsps1440"`
	DSPS10080 float64 `json:"dsps10080"`

	LastShare  int64  `json:"lastshare"`
	Shares     uint64 `json:"shares"`
	Authorised int64  `json:"authorised"`

	Bestever  *float64 `json:"bestever"`
	Bestshare *float64 `json:"bestshare"`
	Bestdiff  *float64 `json:"bestdiff"`

	Workers []rawWorker `json:"worker"`
}

// rawWorker mirrors one element of the getuser worker array.
type rawWorker struct {
	WorkerName string `json:"workername"`
	Client     string `json:"client"`

	DSPS1     float64 `json:"dsps1"`
	DSPS5     float64 `json:"dsps5"`
	DSPS60    float64 `json:"dsps60"`
	DSPS1440  float64 `json:"dsps1440"`
	DSPS10080 float64 `json:"dsps10080"`

	LastShare int64  `json:"lastshare"`
	Shares    uint64 `json:"shares"`
	Idle      bool   `json:"idle"`

	Bestever  *float64 `json:"bestever"`
	Bestshare *float64 `json:"bestshare"`
	Bestdiff  *float64 `json:"bestdiff"`
}

// bestOf applies the max-across-present rule to the candidate best-difficulty
// fields, preferring whichever historical field carries the largest value.
func bestOf(candidates ...*float64) float64 {
	best := 0.0
	for _, c := range candidates {
		if c != nil && *c > best {
			best = *c
		}
	}
	return best
}

// errorShaped reports whether a payload is the daemon's way of saying "no
// such entity": an explicit error field, or the bare sentinel "unknown".
func errorShaped(payload []byte) bool {
	text := strings.TrimSpace(string(payload))
	if text == "" || strings.EqualFold(strings.Trim(text, `"`), "unknown") {
		return true
	}
	var probe struct {
		Error interface{} `json:"error"`
	}
	if err := sonic.Unmarshal(payload, &probe); err == nil && probe.Error != nil {
		return true
	}
	return false
}

// NormalizePool combines the three pool-level replies into one snapshot.
// Any nil payload (a failed or unparseable command) degrades its fields to
// zero values; the snapshot itself is always produced.
func NormalizePool(statusPayload, poolPayload, networkPayload []byte) *PoolSnapshot {
	snap := &PoolSnapshot{}

	if statusPayload != nil && !errorShaped(statusPayload) {
		var st rawStatus
		if err := sonic.Unmarshal(statusPayload, &st); err == nil {
			snap.Users = st.Users
			snap.Workers = st.Workers
			snap.Idle = st.Idle
			snap.Disconnected = st.Disconnected
			snap.Uptime = st.Runtime
			if st.Runtime > 0 {
				snap.UptimeHuman = durafmt.Parse(time.Duration(st.Runtime) * time.Second).LimitFirstN(2).String()
			}
		}
	}

	if poolPayload != nil && !errorShaped(poolPayload) {
		var ps rawPoolStats
		if err := sonic.Unmarshal(poolPayload, &ps); err == nil {
			snap.Hashrate1m = HashrateFromDSPS(ps.DSPS1)
			snap.Hashrate5m = HashrateFromDSPS(ps.DSPS5)
			snap.Hashrate1h = HashrateFromDSPS(ps.DSPS60)
			snap.Hashrate1d = HashrateFromDSPS(ps.DSPS1440)
			snap.Hashrate7d = HashrateFromDSPS(ps.DSPS10080)
			snap.Accepted = ps.Accepted
			snap.Rejected = ps.Rejected
			snap.BestShare = bestOf(ps.Bestever, ps.Bestshare, ps.Bestdiff)
		}
	}

	if net := NormalizeNetwork(networkPayload); net != nil {
		snap.NetworkDifficulty = net.Difficulty
		snap.Height = net.Height
	}

	return snap
}

// NormalizeNetwork parses the listener's network reply. Returns nil when the
// payload is absent or error-shaped.
func NormalizeNetwork(payload []byte) *NetworkInfo {
	if payload == nil || errorShaped(payload) {
		return nil
	}
	var nw rawNetwork
	if err := sonic.Unmarshal(payload, &nw); err != nil {
		return nil
	}
	return &NetworkInfo{
		Height:     nw.Height,
		Difficulty: nw.Diff,
		Hashrate:   nw.NetworkHashPS,
	}
}

// NormalizeUser parses a getuser reply for the given address. Returns nil
// for error-shaped payloads so callers can distinguish "no such user" from
// a user with zero activity.
func NormalizeUser(address string, payload []byte, now time.Time) *UserStats {
	if payload == nil || errorShaped(payload) {
		return nil
	}

	var ru rawUser
	if err := sonic.Unmarshal(payload, &ru); err != nil {
		return nil
	}

	user := &UserStats{
		Address:    address,
		Hashrate1m: HashrateFromDSPS(ru.DSPS1),
		Hashrate5m: HashrateFromDSPS(ru.DSPS5),
		Hashrate1h: HashrateFromDSPS(ru.DSPS60),
		Hashrate1d: HashrateFromDSPS(ru.DSPS1440),
		Hashrate7d: HashrateFromDSPS(ru.DSPS10080),
		LastShare:  ru.LastShare,
		Shares:     ru.Shares,
		BestDiff:   bestOf(ru.Bestever, ru.Bestshare, ru.Bestdiff),
		Authorised: ru.Authorised,
	}

	for _, rw := range ru.Workers {
		identity := rw.WorkerName
		if identity == "" {
			identity = address
		}
		name := ""
		if i := strings.Index(identity, "."); i >= 0 {
			name = identity[i+1:]
		}
		user.Workers = append(user.Workers, WorkerStats{
			Identity:   identity,
			Name:       name,
			Hashrate1m: HashrateFromDSPS(rw.DSPS1),
			Hashrate5m: HashrateFromDSPS(rw.DSPS5),
			Hashrate1h: HashrateFromDSPS(rw.DSPS60),
			Hashrate1d: HashrateFromDSPS(rw.DSPS1440),
			Hashrate7d: HashrateFromDSPS(rw.DSPS10080),
			LastShare:  rw.LastShare,
			Shares:     rw.Shares,
			BestDiff:   bestOf(rw.Bestever, rw.Bestshare, rw.Bestdiff),
			Idle:       IsIdle(rw.LastShare, rw.Idle, now),
			MinerType:  InferMinerType(identity, rw.Client),
		})
	}

	return user
}

// IsIdle reports whether a worker counts as idle: the live connection says
// so, or its last share is older than the inactivity threshold.
func IsIdle(lastShare int64, reported bool, now time.Time) bool {
	if reported {
		return true
	}
	if lastShare <= 0 {
		return false
	}
	return now.Unix()-lastShare > int64(IdleThreshold.Seconds())
}

// minerTypePatterns maps lowercase substrings of worker names or reported
// client strings to hardware families, most specific first.
var minerTypePatterns = []struct {
	needle string
	label  string
}{
	{"nerdaxe", "NerdAxe"},
	{"nerdminer", "NerdMiner"},
	{"bitaxe", "Bitaxe"},
	{"antminer", "Antminer"},
	{"whatsminer", "Whatsminer"},
	{"avalon", "Avalon"},
	{"braiins", "Braiins"},
	{"cpuminer", "CPUMiner"},
	{"cgminer", "cgminer"},
	{"bfgminer", "bfgminer"},
}

// InferMinerType guesses the hardware family from a worker identity and the
// client string reported on its live connection. An empty return means no
// confident guess; the cache treats that as a non-observation rather than
// recording "Unknown".
func InferMinerType(identity, client string) string {
	haystacks := []string{strings.ToLower(client), strings.ToLower(identity)}
	for _, p := range minerTypePatterns {
		for _, h := range haystacks {
			if h != "" && strings.Contains(h, p.needle) {
				return p.label
			}
		}
	}
	return ""
}
