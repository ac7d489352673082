package features

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HashBuckets bounds the integer code of a hashed categorical value.
const HashBuckets = 1_000_000

// Code maps a free-form categorical string to a bounded integer.
// Digit-only strings parse directly. Anything else is hashed with xxhash64,
// which depends on content only, so a device id maps to the same code in
// every process. Collisions are accepted.
func Code(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if isDigits(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return int64(xxhash.Sum64String(s) % HashBuckets)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
