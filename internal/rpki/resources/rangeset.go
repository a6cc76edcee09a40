package resources

import (
	"math/big"
	"sort"
)

// interval is a closed, inclusive range [Lo, Hi] over a numeric space big
// enough to hold an IPv6 address (128 bits) or the full ASN space
// (32 bits). ASN and IPv4 ranges are stored in the same representation so
// one engine can implement union/intersect/contains/subtract for all three
// resource kinds named in spec.md §3.
type interval struct {
	Lo, Hi *big.Int
}

// rangeSet is a sorted, non-overlapping, non-adjacent list of intervals.
// The zero value is the empty set.
type rangeSet struct {
	ranges []interval
}

func newRangeSet(ivs ...interval) *rangeSet {
	rs := &rangeSet{}
	for _, iv := range ivs {
		rs.ranges = append(rs.ranges, iv)
	}
	rs.normalize()
	return rs
}

func (rs *rangeSet) normalize() {
	if rs == nil || len(rs.ranges) == 0 {
		return
	}
	sort.Slice(rs.ranges, func(i, j int) bool {
		return rs.ranges[i].Lo.Cmp(rs.ranges[j].Lo) < 0
	})
	merged := rs.ranges[:1]
	for _, iv := range rs.ranges[1:] {
		last := &merged[len(merged)-1]
		// Merge when iv starts at-or-before last.Hi+1 (adjacent or overlapping).
		if iv.Lo.Cmp(new(big.Int).Add(last.Hi, big.NewInt(1))) <= 0 {
			if iv.Hi.Cmp(last.Hi) > 0 {
				last.Hi = iv.Hi
			}
			continue
		}
		merged = append(merged, iv)
	}
	rs.ranges = merged
}

func (rs *rangeSet) isEmpty() bool {
	return rs == nil || len(rs.ranges) == 0
}

func (rs *rangeSet) clone() *rangeSet {
	if rs == nil {
		return &rangeSet{}
	}
	out := &rangeSet{ranges: make([]interval, len(rs.ranges))}
	for i, iv := range rs.ranges {
		out.ranges[i] = interval{Lo: new(big.Int).Set(iv.Lo), Hi: new(big.Int).Set(iv.Hi)}
	}
	return out
}

func (rs *rangeSet) union(other *rangeSet) *rangeSet {
	if rs.isEmpty() {
		return other.clone()
	}
	if other.isEmpty() {
		return rs.clone()
	}
	all := append(append([]interval{}, rs.ranges...), other.ranges...)
	return newRangeSet(all...)
}

func (rs *rangeSet) intersect(other *rangeSet) *rangeSet {
	if rs.isEmpty() || other.isEmpty() {
		return &rangeSet{}
	}
	var out []interval
	i, j := 0, 0
	for i < len(rs.ranges) && j < len(other.ranges) {
		a, b := rs.ranges[i], other.ranges[j]
		lo := a.Lo
		if b.Lo.Cmp(lo) > 0 {
			lo = b.Lo
		}
		hi := a.Hi
		if b.Hi.Cmp(hi) < 0 {
			hi = b.Hi
		}
		if lo.Cmp(hi) <= 0 {
			out = append(out, interval{Lo: new(big.Int).Set(lo), Hi: new(big.Int).Set(hi)})
		}
		if a.Hi.Cmp(b.Hi) < 0 {
			i++
		} else {
			j++
		}
	}
	return newRangeSet(out...)
}

// subtract returns rs with every range in other removed.
func (rs *rangeSet) subtract(other *rangeSet) *rangeSet {
	if rs.isEmpty() {
		return &rangeSet{}
	}
	if other.isEmpty() {
		return rs.clone()
	}
	var out []interval
	for _, a := range rs.ranges {
		remaining := []interval{{Lo: new(big.Int).Set(a.Lo), Hi: new(big.Int).Set(a.Hi)}}
		for _, b := range other.ranges {
			var next []interval
			for _, r := range remaining {
				if b.Hi.Cmp(r.Lo) < 0 || b.Lo.Cmp(r.Hi) > 0 {
					next = append(next, r)
					continue
				}
				if b.Lo.Cmp(r.Lo) > 0 {
					next = append(next, interval{Lo: r.Lo, Hi: new(big.Int).Sub(b.Lo, big.NewInt(1))})
				}
				if b.Hi.Cmp(r.Hi) < 0 {
					next = append(next, interval{Lo: new(big.Int).Add(b.Hi, big.NewInt(1)), Hi: r.Hi})
				}
			}
			remaining = next
		}
		out = append(out, remaining...)
	}
	return newRangeSet(out...)
}

// containsAll reports whether every range in other is covered by rs.
func (rs *rangeSet) containsAll(other *rangeSet) bool {
	if other.isEmpty() {
		return true
	}
	if rs.isEmpty() {
		return false
	}
	for _, b := range other.ranges {
		covered := false
		for _, a := range rs.ranges {
			if a.Lo.Cmp(b.Lo) <= 0 && a.Hi.Cmp(b.Hi) >= 0 {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

func (rs *rangeSet) equal(other *rangeSet) bool {
	a, b := rs, other
	if a.isEmpty() && b.isEmpty() {
		return true
	}
	if len(a.ranges) != len(b.ranges) {
		return false
	}
	for i := range a.ranges {
		if a.ranges[i].Lo.Cmp(b.ranges[i].Lo) != 0 || a.ranges[i].Hi.Cmp(b.ranges[i].Hi) != 0 {
			return false
		}
	}
	return true
}
