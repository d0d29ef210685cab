package spf

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"routeragent/internal/ospf/codec"
	"routeragent/internal/ospf/lsdb"
)

var (
	r1 = net.ParseIP("10.0.0.1")
	r2 = net.ParseIP("10.0.0.2")
	r3 = net.ParseIP("10.0.0.3")
	r4 = net.ParseIP("10.0.0.4")
)

func routerLSA(advertiser net.IP, links []codec.RouterLink) codec.LSA {
	header := codec.LSAHeader{Type: codec.LSARouter, LinkStateID: advertiser, AdvertisingRouter: advertiser, SequenceNumber: 1}
	return codec.FinalizeLSA(header, codec.EncodeRouterLSABody(codec.RouterLSABody{Links: links}))
}

func stubLink(network net.IP, mask net.IP, metric uint16) codec.RouterLink {
	return codec.RouterLink{Type: codec.LinkStub, LinkID: network, LinkData: mask, Metric: metric}
}

func p2pLink(peer, localAddr net.IP, metric uint16) codec.RouterLink {
	return codec.RouterLink{Type: codec.LinkPointToPoint, LinkID: peer, LinkData: localAddr, Metric: metric}
}

func TestComputeReachesDirectlyAttachedStub(t *testing.T) {
	db := lsdb.New()
	lan := net.ParseIP("192.168.1.0")
	mask := net.ParseIP("255.255.255.0")
	db.Install(routerLSA(r1, []codec.RouterLink{stubLink(lan, mask, 10)}), true)

	rows := Compute(r1, db)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(10), rows[0].Cost)
	require.Equal(t, 1, rows[0].Hops)
	require.Nil(t, rows[0].NextHop)
}

func TestComputeFindsShortestPathAcrossTwoHops(t *testing.T) {
	db := lsdb.New()
	lan3 := net.ParseIP("192.168.3.0")
	mask := net.ParseIP("255.255.255.0")

	db.Install(routerLSA(r1, []codec.RouterLink{p2pLink(r2, net.ParseIP("10.1.1.1"), 5)}), true)
	db.Install(routerLSA(r2, []codec.RouterLink{
		p2pLink(r1, net.ParseIP("10.1.1.2"), 5),
		p2pLink(r3, net.ParseIP("10.1.2.1"), 5),
	}), false)
	db.Install(routerLSA(r3, []codec.RouterLink{
		p2pLink(r2, net.ParseIP("10.1.2.2"), 5),
		stubLink(lan3, mask, 1),
	}), false)

	rows := Compute(r1, db)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(11), rows[0].Cost)
	require.Equal(t, 3, rows[0].Hops)
	require.True(t, rows[0].NextHop.Equal(net.ParseIP("10.1.1.2")), "next hop is r2's address on the r1-r2 link")
}

func TestComputePrefersLowerCostPath(t *testing.T) {
	db := lsdb.New()
	lan := net.ParseIP("192.168.9.0")
	mask := net.ParseIP("255.255.255.0")

	// r1 has two paths to r3: direct at cost 20, via r2 at cost 2+2=4.
	db.Install(routerLSA(r1, []codec.RouterLink{
		p2pLink(r2, net.ParseIP("10.1.1.1"), 2),
		p2pLink(r3, net.ParseIP("10.1.3.1"), 20),
	}), true)
	db.Install(routerLSA(r2, []codec.RouterLink{
		p2pLink(r1, net.ParseIP("10.1.1.2"), 2),
		p2pLink(r3, net.ParseIP("10.1.2.1"), 2),
	}), false)
	db.Install(routerLSA(r3, []codec.RouterLink{
		p2pLink(r1, net.ParseIP("10.1.3.2"), 20),
		p2pLink(r2, net.ParseIP("10.1.2.2"), 2),
		stubLink(lan, mask, 1),
	}), false)

	rows := Compute(r1, db)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(5), rows[0].Cost, "via r2 (2+2+1) beats the direct 20+1 link")
	require.True(t, rows[0].NextHop.Equal(net.ParseIP("10.1.1.2")))
}

func TestComputeSkipsUnreachableRouterStubs(t *testing.T) {
	db := lsdb.New()
	lan := net.ParseIP("192.168.5.0")
	mask := net.ParseIP("255.255.255.0")

	db.Install(routerLSA(r1, nil), true)
	db.Install(routerLSA(r2, []codec.RouterLink{stubLink(lan, mask, 1)}), false)

	rows := Compute(r1, db)
	require.Empty(t, rows, "r2 is not connected to r1 so its stub is unreachable")
}

func TestComputeHandlesTransitNetworkViaNetworkLSA(t *testing.T) {
	db := lsdb.New()
	netID := net.ParseIP("10.9.9.0")
	mask := net.ParseIP("255.255.255.0")

	db.Install(routerLSA(r1, []codec.RouterLink{
		{Type: codec.LinkTransit, LinkID: netID, LinkData: net.ParseIP("10.9.9.1"), Metric: 3},
	}), true)
	netHeader := codec.LSAHeader{Type: codec.LSANetwork, LinkStateID: netID, AdvertisingRouter: r1, SequenceNumber: 1}
	db.Install(codec.FinalizeLSA(netHeader, codec.EncodeNetworkLSABody(codec.NetworkLSABody{
		NetworkMask:     net.IPMask(mask.To4()),
		AttachedRouters: []net.IP{r1},
	})), false)

	rows := Compute(r1, db)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(3), rows[0].Cost)
	require.Equal(t, 1, rows[0].Hops, "reaching the network vertex itself is the whole cost, no extra hop for the prefix")
}

func TestComputeBreaksEqualCostTieByLowerNextHopRouterID(t *testing.T) {
	db := lsdb.New()
	lan := net.ParseIP("192.168.7.0")
	mask := net.ParseIP("255.255.255.0")

	// r1 reaches r4 via both r2 and r3 at identical total cost (4); r2
	// (10.0.0.2) has the lower router-id and must win the tie.
	db.Install(routerLSA(r1, []codec.RouterLink{
		p2pLink(r2, net.ParseIP("10.1.1.1"), 2),
		p2pLink(r3, net.ParseIP("10.1.2.1"), 2),
	}), true)
	db.Install(routerLSA(r2, []codec.RouterLink{
		p2pLink(r1, net.ParseIP("10.1.1.2"), 2),
		p2pLink(r4, net.ParseIP("10.1.3.1"), 2),
	}), false)
	db.Install(routerLSA(r3, []codec.RouterLink{
		p2pLink(r1, net.ParseIP("10.1.2.2"), 2),
		p2pLink(r4, net.ParseIP("10.1.4.1"), 2),
	}), false)
	db.Install(routerLSA(r4, []codec.RouterLink{
		p2pLink(r2, net.ParseIP("10.1.3.2"), 2),
		p2pLink(r3, net.ParseIP("10.1.4.2"), 2),
		stubLink(lan, mask, 1),
	}), false)

	rows := Compute(r1, db)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(5), rows[0].Cost)
	require.True(t, rows[0].NextHop.Equal(net.ParseIP("10.1.1.2")), "lower router-id (r2) wins the cost tie")
}
