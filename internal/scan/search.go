package scan

import (
	"github.com/coral-mesh/sigscan/internal/pattern"
)

// skipTable holds, per byte value, the rightmost pattern position that could
// line up with that byte. Every entry is at least the last position whose mask
// is not exact, so a shift never jumps past a wildcard.
type skipTable [256]int

func newSkipTable(p *pattern.Compiled) *skipTable {
	bytes, mask := p.Bytes(), p.Mask()

	lastWild := -1
	for i := len(mask) - 1; i >= 0; i-- {
		if mask[i] != pattern.MaskExact {
			lastWild = i
			break
		}
	}

	var t skipTable
	for b := range t {
		t[b] = lastWild
	}
	for i, b := range bytes {
		if i > t[b] {
			t[b] = i
		}
	}
	return &t
}

// searcher is a masked Horspool search for one compiled pattern.
type searcher struct {
	bytes []byte
	mask  []byte
	skip  *skipTable
}

func newSearcher(p *pattern.Compiled) *searcher {
	return &searcher{
		bytes: p.Bytes(),
		mask:  p.Mask(),
		skip:  newSkipTable(p),
	}
}

// find calls visit with the offset of every match in data whose offset is below
// limit, in ascending order, until visit returns false. Overlapping matches are
// all reported.
func (s *searcher) find(data []byte, limit int, visit func(off int) bool) {
	n := len(s.bytes)
	if n == 0 || len(data) < n {
		return
	}

	last := len(data) - n
	if limit-1 < last {
		last = limit - 1
	}

	for i := 0; i <= last; {
		j := n - 1
		for j >= 0 && s.bytes[j] == data[i+j]&s.mask[j] {
			j--
		}
		if j < 0 {
			if !visit(i) {
				return
			}
			i++
			continue
		}

		shift := j - s.skip[data[i+j]]
		if shift < 1 {
			shift = 1
		}
		i += shift
	}
}
