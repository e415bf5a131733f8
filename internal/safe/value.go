package safe

import (
	"math"
)

// FileOffset converts a virtual address to an offset into /proc/<pid>/mem.
// Addresses above math.MaxInt64 cannot be seeked to; for those ok is false and
// the offset is clamped to math.MaxInt64.
func FileOffset(addr uint64) (off int64, ok bool) {
	if addr > math.MaxInt64 {
		return math.MaxInt64, false
	}
	return int64(addr), true
}
