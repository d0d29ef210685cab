package agent

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"routeragent/internal/bgp/advanced"
	"routeragent/internal/bgp/codec"
	"routeragent/internal/bgp/rib"
	ocodec "routeragent/internal/ospf/codec"
	"routeragent/internal/ospf/lsdb"
	"routeragent/internal/rconfig"
	"routeragent/internal/route"
)

type fakeFIB struct {
	routes map[route.Prefix]route.SinkEntry
}

func newFakeFIB() *fakeFIB {
	return &fakeFIB{routes: make(map[route.Prefix]route.SinkEntry)}
}

func (f *fakeFIB) Replace(e route.SinkEntry) error {
	f.routes[e.Prefix] = e
	return nil
}

func (f *fakeFIB) Remove(p route.Prefix) error {
	delete(f.routes, p)
	return nil
}

func (f *fakeFIB) Dump() ([]route.SinkEntry, error) { return nil, nil }

func testConfig() *rconfig.Config {
	return &rconfig.Config{
		RouterID: "10.0.1.1",
		BGP: rconfig.BGPConfig{
			LocalASN: 65001,
			Peers: []rconfig.BGPPeerConfig{
				{PeerIP: "192.0.2.2", PeerASN: 65002, HoldTime: 90},
				{PeerIP: "192.0.2.3", PeerASN: 65003, HoldTime: 90},
			},
		},
	}
}

func newTestAgent(t *testing.T) (*Agent, *fakeFIB) {
	t.Helper()
	fib := newFakeFIB()
	a, err := New(testConfig(), fib)
	require.NoError(t, err)
	return a, fib
}

func u8ptr(v uint8) *uint8 { return &v }

func roaFor(cidr string, maxLen uint8, asn uint32) advanced.ROA {
	return advanced.ROA{Prefix: route.MustPrefix(cidr), MaxLength: maxLen, ASN: asn}
}

func bgpRoute(cidr, peerIP string, asns ...uint32) rib.Route {
	return rib.Route{
		Prefix: route.MustPrefix(cidr),
		Attrs: codec.Attrs{
			Origin:  u8ptr(codec.OriginIGP),
			ASPath:  []codec.ASPathSegment{{Type: codec.SegASSequence, ASNs: asns}},
			NextHop: net.ParseIP(peerIP),
		},
		PeerID:      peerIP,
		PeerIP:      net.ParseIP(peerIP),
		ReceiveTime: time.Now(),
		PeerIsEBGP:  true,
	}
}

// seed drops a route into one session's Adj-RIB-In and runs the decision
// process synchronously, the way the debounced scheduler path eventually
// would.
func seed(a *Agent, peerIP string, r rib.Route) {
	sess := a.sessions[peerIP]
	sess.AdjIn.Update(r)
	a.pending[r.Prefix] = struct{}{}
	a.runDecision()
}

func withdraw(a *Agent, peerIP string, p route.Prefix) {
	sess := a.sessions[peerIP]
	sess.AdjIn.Withdraw(p)
	a.pending[p] = struct{}{}
	a.runDecision()
}

func TestSinglePrefixLearnInstallsKernelRoute(t *testing.T) {
	a, fib := newTestAgent(t)
	p := route.MustPrefix("203.0.113.0/24")

	seed(a, "192.0.2.2", bgpRoute("203.0.113.0/24", "192.0.2.2", 65002))

	best, ok := a.locRIB.Get(p)
	require.True(t, ok)
	require.Equal(t, "192.0.2.2", best.Attrs.NextHop.String())

	installed, ok := fib.routes[p]
	require.True(t, ok)
	require.Equal(t, route.SourceBGP, installed.Source)
	require.Equal(t, "192.0.2.2", installed.NextHop.String())
}

func TestShorterASPathWins(t *testing.T) {
	a, _ := newTestAgent(t)
	p := route.MustPrefix("198.51.100.0/24")

	seed(a, "192.0.2.2", bgpRoute("198.51.100.0/24", "192.0.2.2", 65010, 65020, 65030))
	seed(a, "192.0.2.3", bgpRoute("198.51.100.0/24", "192.0.2.3", 65040, 65050))

	best, ok := a.locRIB.Get(p)
	require.True(t, ok)
	require.Equal(t, "192.0.2.3", best.PeerID)
}

func TestWithdrawClearsLocRIBAndKernel(t *testing.T) {
	a, fib := newTestAgent(t)
	p := route.MustPrefix("203.0.113.0/24")

	seed(a, "192.0.2.2", bgpRoute("203.0.113.0/24", "192.0.2.2", 65002))
	withdraw(a, "192.0.2.2", p)

	_, ok := a.locRIB.Get(p)
	require.False(t, ok)
	_, ok = fib.routes[p]
	require.False(t, ok)
}

func TestLosingPeerWithdrawalFallsBackToOtherPeer(t *testing.T) {
	a, _ := newTestAgent(t)
	p := route.MustPrefix("198.51.100.0/24")

	seed(a, "192.0.2.2", bgpRoute("198.51.100.0/24", "192.0.2.2", 65010, 65020, 65030))
	seed(a, "192.0.2.3", bgpRoute("198.51.100.0/24", "192.0.2.3", 65040, 65050))
	withdraw(a, "192.0.2.3", p)

	best, ok := a.locRIB.Get(p)
	require.True(t, ok)
	require.Equal(t, "192.0.2.2", best.PeerID)
}

func TestUnresolvableNextHopExcluded(t *testing.T) {
	a, _ := newTestAgent(t)
	p := route.MustPrefix("203.0.113.0/24")

	// 198.18.0.1 is not a configured peer, not in any SPF row, not on a
	// connected subnet.
	r := bgpRoute("203.0.113.0/24", "192.0.2.2", 65002)
	r.Attrs.NextHop = net.ParseIP("198.18.0.1")
	seed(a, "192.0.2.2", r)

	_, ok := a.locRIB.Get(p)
	require.False(t, ok)
}

func TestLocRIBEntriesCarryMandatoryAttributes(t *testing.T) {
	a, _ := newTestAgent(t)

	seed(a, "192.0.2.2", bgpRoute("203.0.113.0/24", "192.0.2.2", 65002))
	seed(a, "192.0.2.3", bgpRoute("198.51.100.0/24", "192.0.2.3", 65003))

	for _, r := range a.locRIB.All() {
		require.NotNil(t, r.Attrs.Origin)
		require.NotEmpty(t, r.Attrs.ASPath)
		require.NotNil(t, r.Attrs.NextHop)
	}
}

func TestDecisionIsIdempotent(t *testing.T) {
	a, _ := newTestAgent(t)

	seed(a, "192.0.2.2", bgpRoute("203.0.113.0/24", "192.0.2.2", 65002))
	first := a.locRIB.All()

	for _, r := range a.sessions["192.0.2.2"].AdjIn.All() {
		a.pending[r.Prefix] = struct{}{}
	}
	a.runDecision()

	require.Equal(t, len(first), a.locRIB.Size())
	again, ok := a.locRIB.Get(route.MustPrefix("203.0.113.0/24"))
	require.True(t, ok)
	require.Equal(t, first[0].PeerID, again.PeerID)
}

func TestSnapshotReflectsPeersAndLocRIB(t *testing.T) {
	a, _ := newTestAgent(t)
	go a.s.Run()
	defer a.s.Stop()

	a.sessions["192.0.2.2"].AdjIn.Update(bgpRoute("203.0.113.0/24", "192.0.2.2", 65002))
	a.pending[route.MustPrefix("203.0.113.0/24")] = struct{}{}
	a.runDecision()

	snap, err := a.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Peers, 2)
	require.Equal(t, "10.0.1.1", snap.RouterID)
	require.Len(t, snap.LocRIB, 1)
	require.Len(t, snap.Installed, 1)
}

func routerLSA(advertiser net.IP, links []ocodec.RouterLink) ocodec.LSA {
	header := ocodec.LSAHeader{Type: ocodec.LSARouter, LinkStateID: advertiser, AdvertisingRouter: advertiser, SequenceNumber: 1}
	return ocodec.FinalizeLSA(header, ocodec.EncodeRouterLSABody(ocodec.RouterLSABody{Links: links}))
}

// seedOSPFLoopback wires a two-router point-to-point topology whose remote
// end advertises target as a /32 stub, then runs SPF.
func seedOSPFLoopback(a *Agent, target string, metric uint16) {
	local := net.ParseIP("10.0.1.1")
	remote := net.ParseIP("10.0.1.2")
	a.db.Install(routerLSA(local, []ocodec.RouterLink{
		{Type: ocodec.LinkPointToPoint, LinkID: remote, LinkData: net.ParseIP("10.0.0.1"), Metric: 10},
	}), true)
	a.db.Install(routerLSA(remote, []ocodec.RouterLink{
		{Type: ocodec.LinkPointToPoint, LinkID: local, LinkData: net.ParseIP("10.0.0.2"), Metric: 10},
		{Type: ocodec.LinkStub, LinkID: net.ParseIP(target), LinkData: net.ParseIP("255.255.255.255"), Metric: metric},
	}), false)
	a.runSPF()
}

func TestSPFStubRouteInstalledViaRemoteInterface(t *testing.T) {
	a, fib := newTestAgent(t)

	seedOSPFLoopback(a, "10.2.2.2", 0)

	p := route.MustPrefix("10.2.2.2/32")
	installed, ok := fib.routes[p]
	require.True(t, ok)
	require.Equal(t, route.SourceOSPF, installed.Source)
	require.Equal(t, "10.0.0.2", installed.NextHop.String())
	require.EqualValues(t, 10, installed.MetricTiebrk)
}

func TestOSPFPreferredOverBGPAndFallsBackWithoutGap(t *testing.T) {
	a, fib := newTestAgent(t)
	p := route.MustPrefix("10.2.2.2/32")

	seed(a, "192.0.2.2", bgpRoute("10.2.2.2/32", "192.0.2.2", 65002))
	require.Equal(t, route.SourceBGP, fib.routes[p].Source)

	seedOSPFLoopback(a, "10.2.2.2", 0)
	require.Equal(t, route.SourceOSPF, fib.routes[p].Source)

	// OSPF route disappears: the BGP route takes over, kernel entry never
	// absent in between (fakeFIB only sees Replace, not Remove).
	a.db = freshDBWithoutRemoteStub()
	a.runSPF()
	require.Equal(t, route.SourceBGP, fib.routes[p].Source)
}

// freshDBWithoutRemoteStub rebuilds the LSDB with the remote router's stub
// link gone, simulating a withdrawal-by-reflood.
func freshDBWithoutRemoteStub() *lsdb.Database {
	db := lsdb.New()
	local := net.ParseIP("10.0.1.1")
	remote := net.ParseIP("10.0.1.2")
	db.Install(routerLSA(local, []ocodec.RouterLink{
		{Type: ocodec.LinkPointToPoint, LinkID: remote, LinkData: net.ParseIP("10.0.0.1"), Metric: 10},
	}), true)
	db.Install(routerLSA(remote, []ocodec.RouterLink{
		{Type: ocodec.LinkPointToPoint, LinkID: local, LinkData: net.ParseIP("10.0.0.2"), Metric: 10},
	}), false)
	return db
}

func TestRPKIInvalidRejectedWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.BGP.RPKI = rconfig.RPKIConfig{Enabled: true, RejectInvalid: true}
	a, err := New(cfg, newFakeFIB())
	require.NoError(t, err)

	// ROA authorizes 65002 up to /24; an announcement from 65999 is
	// Invalid and must not reach the Loc-RIB.
	a.rpki.AddROA(roaFor("203.0.113.0/24", 24, 65002))
	seed(a, "192.0.2.2", bgpRoute("203.0.113.0/24", "192.0.2.2", 65999))

	_, ok := a.locRIB.Get(route.MustPrefix("203.0.113.0/24"))
	require.False(t, ok)

	seed(a, "192.0.2.2", bgpRoute("203.0.113.0/24", "192.0.2.2", 65002))
	_, ok = a.locRIB.Get(route.MustPrefix("203.0.113.0/24"))
	require.True(t, ok)
}
