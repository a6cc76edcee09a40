// Package resources implements the ASN/IPv4/IPv6 resource-set arithmetic
// that underlies the CA aggregate's resource classes and entitlement
// checks: union, intersection, containment and subtraction, all expressed
// over a single closed-interval representation shared by all three
// resource kinds.
package resources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

var (
	maxASN  = new(big.Int).SetUint64(1<<32 - 1)
	maxIPv4 = new(big.Int).SetUint64(1<<32 - 1)
	maxIPv6 = func() *big.Int {
		m := new(big.Int).Lsh(big.NewInt(1), 128)
		return m.Sub(m, big.NewInt(1))
	}()
)

// Set is the immutable resource envelope carried by a resource class:
// a set of ASNs, a set of IPv4 prefixes, a set of IPv6 prefixes, and
// whether the class additionally inherits its parent's resources.
type Set struct {
	asn       *rangeSet
	ipv4      *rangeSet
	ipv6      *rangeSet
	Inherited bool
}

// Empty returns a resource set holding nothing.
func Empty() Set {
	return Set{asn: &rangeSet{}, ipv4: &rangeSet{}, ipv6: &rangeSet{}}
}

// Inherit returns the sentinel resource set meaning "whatever the parent
// currently delegates", per spec.md §3 (ResourceClass.resources may be
// marked inherited instead of holding an explicit envelope).
func Inherit() Set {
	s := Empty()
	s.Inherited = true
	return s
}

// AddASNRange adds the inclusive ASN range [lo, hi] to the set.
func (s Set) AddASNRange(lo, hi uint32) Set {
	out := s.clone()
	out.asn.ranges = append(out.asn.ranges, interval{Lo: big.NewInt(int64(lo)), Hi: big.NewInt(int64(hi))})
	out.asn.normalize()
	return out
}

// AddPrefix adds an IPv4 or IPv6 prefix to the set, routed by address
// family.
func (s Set) AddPrefix(p netip.Prefix) (Set, error) {
	lo, hi, v6, err := prefixBounds(p)
	if err != nil {
		return s, err
	}
	out := s.clone()
	if v6 {
		out.ipv6.ranges = append(out.ipv6.ranges, interval{Lo: lo, Hi: hi})
		out.ipv6.normalize()
	} else {
		out.ipv4.ranges = append(out.ipv4.ranges, interval{Lo: lo, Hi: hi})
		out.ipv4.normalize()
	}
	return out, nil
}

func prefixBounds(p netip.Prefix) (lo, hi *big.Int, v6 bool, err error) {
	if !p.IsValid() {
		return nil, nil, false, fmt.Errorf("resources: invalid prefix %v", p)
	}
	addr := p.Masked().Addr()
	bits := addr.BitLen()
	base := new(big.Int).SetBytes(addr.AsSlice())
	hostBits := bits - p.Bits()
	span := new(big.Int).Lsh(big.NewInt(1), uint(hostBits))
	span.Sub(span, big.NewInt(1))
	hi = new(big.Int).Add(base, span)
	return base, hi, addr.Is6(), nil
}

func (s Set) clone() Set {
	return Set{asn: s.asn.clone(), ipv4: s.ipv4.clone(), ipv6: s.ipv6.clone(), Inherited: s.Inherited}
}

// Union returns the resource set holding everything in either operand.
// Inherited is sticky: the result inherits if either operand does.
func (s Set) Union(other Set) Set {
	return Set{
		asn:       s.asn.union(other.asn),
		ipv4:      s.ipv4.union(other.ipv4),
		ipv6:      s.ipv6.union(other.ipv6),
		Inherited: s.Inherited || other.Inherited,
	}
}

// Intersect returns the resource set holding only what both operands hold.
func (s Set) Intersect(other Set) Set {
	return Set{asn: s.asn.intersect(other.asn), ipv4: s.ipv4.intersect(other.ipv4), ipv6: s.ipv6.intersect(other.ipv6)}
}

// Subtract returns s with everything in other removed.
func (s Set) Subtract(other Set) Set {
	return Set{asn: s.asn.subtract(other.asn), ipv4: s.ipv4.subtract(other.ipv4), ipv6: s.ipv6.subtract(other.ipv6)}
}

// Contains reports whether s fully covers other. An Inherited set contains
// nothing explicitly — callers must resolve inheritance against the
// parent's certified resources before calling Contains.
func (s Set) Contains(other Set) bool {
	return s.asn.containsAll(other.asn) && s.ipv4.containsAll(other.ipv4) && s.ipv6.containsAll(other.ipv6)
}

// IsEmpty reports whether the set (ignoring Inherited) holds no resources.
func (s Set) IsEmpty() bool {
	return s.asn.isEmpty() && s.ipv4.isEmpty() && s.ipv6.isEmpty()
}

// Equal reports whether s and other hold the same resources and the same
// Inherited flag.
func (s Set) Equal(other Set) bool {
	return s.Inherited == other.Inherited && s.asn.equal(other.asn) && s.ipv4.equal(other.ipv4) && s.ipv6.equal(other.ipv6)
}

// String renders the set in a krill-style compact notation, e.g.
// "AS1-AS3, 10.0.0.0/8, inherit".
func (s Set) String() string {
	var parts []string
	for _, iv := range s.asn.ranges {
		if iv.Lo.Cmp(iv.Hi) == 0 {
			parts = append(parts, "AS"+iv.Lo.String())
		} else {
			parts = append(parts, "AS"+iv.Lo.String()+"-AS"+iv.Hi.String())
		}
	}
	parts = append(parts, prefixStrings(s.ipv4.ranges, false)...)
	parts = append(parts, prefixStrings(s.ipv6.ranges, true)...)
	if s.Inherited {
		parts = append(parts, "inherit")
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ", ")
}

// prefixStrings renders contiguous ranges as CIDR prefixes, splitting a
// range into the minimal set of prefixes when it isn't already aligned.
func prefixStrings(ivs []interval, v6 bool) []string {
	var out []string
	bits := 32
	if v6 {
		bits = 128
	}
	for _, iv := range ivs {
		out = append(out, rangeToPrefixes(iv.Lo, iv.Hi, bits, v6)...)
	}
	return out
}

func rangeToPrefixes(lo, hi *big.Int, bits int, v6 bool) []string {
	var out []string
	cur := new(big.Int).Set(lo)
	one := big.NewInt(1)
	for cur.Cmp(hi) <= 0 {
		maxSize := bits - trailingZeros(cur, bits)
		remaining := new(big.Int).Sub(hi, cur)
		remaining.Add(remaining, one)
		for maxSize < bits {
			span := new(big.Int).Lsh(one, uint(bits-maxSize))
			if span.Cmp(remaining) > 0 {
				maxSize++
				continue
			}
			break
		}
		out = append(out, formatPrefix(cur, maxSize, bits, v6))
		span := new(big.Int).Lsh(one, uint(bits-maxSize))
		cur.Add(cur, span)
	}
	return out
}

func trailingZeros(n *big.Int, bits int) int {
	if n.Sign() == 0 {
		return bits
	}
	count := 0
	t := new(big.Int).Set(n)
	for t.Bit(0) == 0 && count < bits {
		t.Rsh(t, 1)
		count++
	}
	return count
}

func formatPrefix(base *big.Int, prefixLen, bits int, v6 bool) string {
	buf := make([]byte, bits/8)
	b := base.Bytes()
	copy(buf[len(buf)-len(b):], b)
	addr, _ := netip.AddrFromSlice(buf)
	return netip.PrefixFrom(addr, prefixLen).String()
}

// canonicalSet is the JSON wire shape for Set.
type canonicalSet struct {
	ASN       []string `json:"asn,omitempty"`
	IPv4      []string `json:"ipv4,omitempty"`
	IPv6      []string `json:"ipv6,omitempty"`
	Inherited bool     `json:"inherited,omitempty"`
}

// MarshalJSON renders the set as sorted ASN ranges and CIDR prefix lists,
// giving every equal resource set the same byte representation regardless
// of insertion order (events are hashed and compared by content).
func (s Set) MarshalJSON() ([]byte, error) {
	c := canonicalSet{Inherited: s.Inherited}
	for _, iv := range s.asn.ranges {
		if iv.Lo.Cmp(iv.Hi) == 0 {
			c.ASN = append(c.ASN, iv.Lo.String())
		} else {
			c.ASN = append(c.ASN, iv.Lo.String()+"-"+iv.Hi.String())
		}
	}
	c.IPv4 = prefixStrings(s.ipv4.ranges, false)
	c.IPv6 = prefixStrings(s.ipv6.ranges, true)
	sort.Strings(c.ASN)
	sort.Strings(c.IPv4)
	sort.Strings(c.IPv6)
	return json.Marshal(c)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var c canonicalSet
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&c); err != nil {
		return err
	}
	out := Empty()
	out.Inherited = c.Inherited
	for _, a := range c.ASN {
		lo, hi, err := parseASNRange(a)
		if err != nil {
			return err
		}
		out = out.AddASNRange(lo, hi)
	}
	for _, p := range append(append([]string{}, c.IPv4...), c.IPv6...) {
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return fmt.Errorf("resources: invalid prefix %q: %w", p, err)
		}
		out, err = out.AddPrefix(prefix)
		if err != nil {
			return err
		}
	}
	*s = out
	return nil
}

func parseASNRange(s string) (lo, hi uint32, err error) {
	parts := strings.SplitN(s, "-", 2)
	loStr := strings.TrimPrefix(parts[0], "AS")
	v, err := strconv.ParseUint(loStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("resources: invalid ASN %q: %w", s, err)
	}
	if len(parts) == 1 {
		return uint32(v), uint32(v), nil
	}
	hiStr := strings.TrimPrefix(parts[1], "AS")
	v2, err := strconv.ParseUint(hiStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("resources: invalid ASN range %q: %w", s, err)
	}
	return uint32(v), uint32(v2), nil
}
