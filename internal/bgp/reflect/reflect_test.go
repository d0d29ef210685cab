package reflect

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"routeragent/internal/bgp/codec"
)

func TestClientRouteReflectsToNonClientsAndOtherClients(t *testing.T) {
	r := New(1, net.ParseIP("10.0.0.1"))
	r.AddClient("10.0.0.2")
	r.AddClient("10.0.0.3")
	r.AddNonClient("10.0.0.4")

	require.True(t, r.ShouldReflect(codec.Attrs{}, "10.0.0.2", "10.0.0.3", false))
	require.True(t, r.ShouldReflect(codec.Attrs{}, "10.0.0.2", "10.0.0.4", false))
	require.False(t, r.ShouldReflect(codec.Attrs{}, "10.0.0.2", "10.0.0.2", false))
}

func TestNonClientRouteOnlyReflectsToClients(t *testing.T) {
	r := New(1, net.ParseIP("10.0.0.1"))
	r.AddClient("10.0.0.2")
	r.AddNonClient("10.0.0.3")
	r.AddNonClient("10.0.0.4")

	require.True(t, r.ShouldReflect(codec.Attrs{}, "10.0.0.3", "10.0.0.2", false))
	require.False(t, r.ShouldReflect(codec.Attrs{}, "10.0.0.3", "10.0.0.4", false))
}

func TestEBGPSourceReflectsToAllIBGP(t *testing.T) {
	r := New(1, net.ParseIP("10.0.0.1"))
	r.AddClient("10.0.0.2")
	r.AddNonClient("10.0.0.3")
	require.True(t, r.ShouldReflect(codec.Attrs{}, "203.0.113.1", "10.0.0.2", true))
	require.True(t, r.ShouldReflect(codec.Attrs{}, "203.0.113.1", "10.0.0.3", true))
}

func TestLoopDetectionByOriginatorID(t *testing.T) {
	r := New(1, net.ParseIP("10.0.0.1"))
	attrs := codec.Attrs{OriginatorID: net.ParseIP("10.0.0.1")}
	require.True(t, r.IsLooped(attrs))
}

func TestLoopDetectionByClusterList(t *testing.T) {
	r := New(42, net.ParseIP("10.0.0.1"))
	attrs := codec.Attrs{ClusterList: []uint32{7, 42}}
	require.True(t, r.IsLooped(attrs))
}

func TestPrepareForReflectionSetsOriginatorAndPrependsCluster(t *testing.T) {
	r := New(42, net.ParseIP("10.0.0.1"))
	attrs := codec.Attrs{ClusterList: []uint32{7}}
	out := r.PrepareForReflection(attrs, net.ParseIP("10.0.0.2"))
	require.True(t, out.OriginatorID.Equal(net.ParseIP("10.0.0.2")))
	require.Equal(t, []uint32{42, 7}, out.ClusterList)
}
