package route

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixStructuralEquality(t *testing.T) {
	_, n1, err := net.ParseCIDR("203.0.113.0/24")
	require.NoError(t, err)
	p1, err := NewPrefix(n1)
	require.NoError(t, err)

	p2 := MustPrefix("203.0.113.0/24")
	require.True(t, p1.Equal(p2))
	require.Equal(t, p1, p2, "equal prefixes must also be map-key identical")

	require.False(t, p1.Equal(MustPrefix("203.0.113.0/25")))
	require.False(t, p1.Equal(MustPrefix("203.0.114.0/24")))
}

func TestPrefixNormalizesHostBits(t *testing.T) {
	_, n, err := net.ParseCIDR("203.0.113.57/24")
	require.NoError(t, err)
	p, err := NewPrefix(n)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.0/24", p.String())
}

func TestPrefixIPv6(t *testing.T) {
	p := MustPrefix("2001:db8::/32")
	require.Equal(t, FamilyIPv6, p.Family)
	require.Equal(t, "2001:db8::/32", p.String())
	require.False(t, p.Equal(MustPrefix("2001:db9::/32")))
}

func TestPrefixRoundTripsThroughIPNet(t *testing.T) {
	for _, cidr := range []string{"0.0.0.0/0", "10.0.0.0/8", "192.0.2.1/32", "2001:db8::1/128"} {
		p := MustPrefix(cidr)
		back, err := NewPrefix(p.IPNet())
		require.NoError(t, err)
		require.True(t, p.Equal(back), "round trip of %s", cidr)
	}
}

func TestSourcePreferenceOrder(t *testing.T) {
	require.Less(t, SourceConnected.Preference(), SourceOSPF.Preference())
	require.Less(t, SourceOSPF.Preference(), SourceBGP.Preference())
}
