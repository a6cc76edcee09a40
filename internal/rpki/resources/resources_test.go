package resources

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func TestSet_UnionIntersectSubtract(t *testing.T) {
	a := Empty().AddASNRange(1, 10)
	b := Empty().AddASNRange(5, 15)

	union := a.Union(b)
	assert.True(t, union.Contains(Empty().AddASNRange(1, 15)))

	inter := a.Intersect(b)
	assert.True(t, inter.Equal(Empty().AddASNRange(5, 10)))

	diff := a.Subtract(b)
	assert.True(t, diff.Equal(Empty().AddASNRange(1, 4)))
}

func TestSet_PrefixContainment(t *testing.T) {
	held, err := Empty().AddPrefix(mustPrefix(t, "10.0.0.0/8"))
	require.NoError(t, err)

	req, err := Empty().AddPrefix(mustPrefix(t, "10.1.0.0/16"))
	require.NoError(t, err)

	assert.True(t, held.Contains(req))
	assert.False(t, req.Contains(held))
}

func TestSet_Equal(t *testing.T) {
	a, err := Empty().AddPrefix(mustPrefix(t, "192.0.2.0/24"))
	require.NoError(t, err)
	b, err := Empty().AddPrefix(mustPrefix(t, "192.0.2.0/25"))
	require.NoError(t, err)
	b, err = b.AddPrefix(mustPrefix(t, "192.0.2.128/25"))
	require.NoError(t, err)

	assert.True(t, a.Equal(b), "adjacent halves should merge back into the whole /24")
}

func TestSet_InheritedIsNotEqualToEmpty(t *testing.T) {
	assert.False(t, Inherit().Equal(Empty()))
	assert.True(t, Empty().IsEmpty())
	assert.True(t, Inherit().IsEmpty())
}

func TestSet_JSONRoundTrip(t *testing.T) {
	s := Empty().AddASNRange(64496, 64511)
	s, err := s.AddPrefix(mustPrefix(t, "198.51.100.0/24"))
	require.NoError(t, err)
	s, err = s.AddPrefix(mustPrefix(t, "2001:db8::/32"))
	require.NoError(t, err)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var out Set
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, s.Equal(out))
}

func TestSet_JSONIsOrderIndependent(t *testing.T) {
	s1 := Empty().AddASNRange(1, 1).AddASNRange(2, 2)
	s2 := Empty().AddASNRange(2, 2).AddASNRange(1, 1)

	d1, err := json.Marshal(s1)
	require.NoError(t, err)
	d2, err := json.Marshal(s2)
	require.NoError(t, err)

	assert.JSONEq(t, string(d1), string(d2))
}

func TestSet_String(t *testing.T) {
	s := Empty().AddASNRange(1, 1)
	s, err := s.AddPrefix(mustPrefix(t, "10.0.0.0/8"))
	require.NoError(t, err)

	out := s.String()
	assert.Contains(t, out, "AS1")
	assert.Contains(t, out, "10.0.0.0/8")
}
