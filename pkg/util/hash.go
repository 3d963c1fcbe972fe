package util

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// Integer keys hash to themselves so routing by hash mod n is the
// same as routing by key mod n.
func HashInt64(v int64) uint64 {
	return uint64(v)
}

func HashUint64(v uint64) uint64 {
	return v
}

func HashFloat64(v float64) uint64 {
	if v == 0 {
		// +0 and -0 are equal keys
		v = 0
	}
	if math.IsNaN(v) {
		return ChecksumU64(0x7ff8000000000001)
	}
	return ChecksumU64(math.Float64bits(v))
}

func HashBool(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

func HashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}

func ChecksumU64(x uint64) uint64 {
	return x * 0xbf58476d1ce4e5b9
}

// CombineHash folds b into a for multi-column keys.
func CombineHash(a, b uint64) uint64 {
	return (a * 0xbf58476d1ce4e5b9) ^ b
}
