package transfer

import "sort"

// byteRange is a half-open [Start, End) byte interval.
type byteRange struct {
	Start, End uint64
}

// RangeSet tracks the union of byte ranges covered so far for one transfer,
// merging overlapping or adjacent intervals so duplicate Data frames for
// the same region are idempotent and membership/coverage queries stay
// cheap regardless of how out-of-order the frames arrived.
type RangeSet struct {
	ranges []byteRange
}

// Add marks [start, end) as covered.
func (s *RangeSet) Add(start, end uint64) {
	if end <= start {
		return
	}
	s.ranges = append(s.ranges, byteRange{start, end})
	s.normalize()
}

func (s *RangeSet) normalize() {
	sort.Slice(s.ranges, func(i, j int) bool { return s.ranges[i].Start < s.ranges[j].Start })
	merged := s.ranges[:0:0]
	for _, r := range s.ranges {
		if len(merged) > 0 && r.Start <= merged[len(merged)-1].End {
			last := &merged[len(merged)-1]
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	s.ranges = merged
}

// CoveredBytes returns the total number of distinct bytes covered.
func (s *RangeSet) CoveredBytes() uint64 {
	var total uint64
	for _, r := range s.ranges {
		total += r.End - r.Start
	}
	return total
}

// Covers reports whether [start, end) is fully covered by the set.
func (s *RangeSet) Covers(start, end uint64) bool {
	if end <= start {
		return true
	}
	for _, r := range s.ranges {
		if r.Start <= start && end <= r.End {
			return true
		}
	}
	return false
}

// CoversTotal reports whether the set fully covers [0, total).
func (s *RangeSet) CoversTotal(total uint64) bool {
	return s.Covers(0, total)
}
