package util

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	base58Chars = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	bech32Chars = "023456789acdefghjklmnpqrstuvwxyz"
)

// ValidateAddress checks a Bitcoin address for plausible format. It accepts
// legacy base58 (1... / 3...) and bech32 (bc1...) forms. This is a shape
// check only; the daemon is the authority on whether an address exists.
func ValidateAddress(addr string) bool {
	switch {
	case strings.HasPrefix(addr, "bc1"):
		if len(addr) < 14 || len(addr) > 74 {
			return false
		}
		for _, c := range strings.ToLower(addr[3:]) {
			if !strings.ContainsRune(bech32Chars, c) {
				return false
			}
		}
		return true
	case strings.HasPrefix(addr, "1"), strings.HasPrefix(addr, "3"):
		if len(addr) < 26 || len(addr) > 35 {
			return false
		}
		for _, c := range addr {
			if !strings.ContainsRune(base58Chars, c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// SplitWorkerIdentity splits "address.worker" into its parts. The worker
// suffix is everything after the first dot and may itself contain dots.
func SplitWorkerIdentity(identity string) (address, worker string) {
	if i := strings.Index(identity, "."); i >= 0 {
		return identity[:i], identity[i+1:]
	}
	return identity, ""
}

// DisplayID derives a short stable identifier for a worker identity,
// used to key leaderboard rows without exposing the full address.
func DisplayID(identity string) string {
	sum := blake3.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:4])
}

// TruncateAddress returns a shortened address for display
func TruncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}
