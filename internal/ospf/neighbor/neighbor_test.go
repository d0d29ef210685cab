package neighbor

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"routeragent/internal/ospf/codec"
)

type fakeActions struct {
	inactivityStarts int
	inactivityStops  int
	sentDD           []codec.DatabaseDescription
	sentRequests     [][]codec.LSAKey
	lsdb             map[codec.LSAKey]codec.LSAHeader
	fullCount        int
	downCount        int
}

func newFakeActions() *fakeActions {
	return &fakeActions{lsdb: make(map[codec.LSAKey]codec.LSAHeader)}
}

func (f *fakeActions) StartInactivityTimer() { f.inactivityStarts++ }
func (f *fakeActions) StopInactivityTimer()  { f.inactivityStops++ }
func (f *fakeActions) SendDD(dd codec.DatabaseDescription) {
	f.sentDD = append(f.sentDD, dd)
}
func (f *fakeActions) SendLSRequest(keys []codec.LSAKey) {
	f.sentRequests = append(f.sentRequests, keys)
}
func (f *fakeActions) DatabaseSummary() []codec.LSAHeader {
	out := make([]codec.LSAHeader, 0, len(f.lsdb))
	for _, h := range f.lsdb {
		out = append(out, h)
	}
	return out
}
func (f *fakeActions) LookupLSA(key codec.LSAKey) (codec.LSAHeader, bool) {
	h, ok := f.lsdb[key]
	return h, ok
}
func (f *fakeActions) OnAdjacencyDown() { f.downCount++ }
func (f *fakeActions) OnFull()          { f.fullCount++ }

var (
	localID = net.ParseIP("10.0.0.2") // higher, so local is master in most tests
	peerID  = net.ParseIP("10.0.0.1")
	peerIP  = net.ParseIP("192.0.2.1")
)

func TestHelloBringsNeighborFromDownToInit(t *testing.T) {
	a := newFakeActions()
	n := New(localID, peerID, peerIP, 1, Broadcast, a)

	n.ReceiveHello(nil)
	require.Equal(t, Init, n.State())
	require.Equal(t, 1, a.inactivityStarts)
}

func TestHelloAdvancesToTwoWayOnlyWhenListed(t *testing.T) {
	a := newFakeActions()
	n := New(localID, peerID, peerIP, 1, Broadcast, a)
	n.ReceiveHello(nil)
	require.Equal(t, Init, n.State())

	n.ReceiveHello([]net.IP{net.ParseIP("9.9.9.9")})
	require.Equal(t, Init, n.State(), "not listed yet, stays at Init (1-Way self-loop)")

	n.ReceiveHello([]net.IP{localID})
	require.Equal(t, TwoWay, n.State(), "broadcast neighbor is not adjacency-eligible until a DR decision marks it so")
}

func TestPointToPointAlwaysFormsAdjacency(t *testing.T) {
	a := newFakeActions()
	n := New(localID, peerID, peerIP, 0, PointToPoint, a)
	n.ReceiveHello(nil)
	n.ReceiveHello([]net.IP{localID})

	require.Equal(t, ExStart, n.State())
	require.Len(t, a.sentDD, 1)
	require.True(t, a.sentDD[0].Init())
	require.True(t, a.sentDD[0].More())
}

func TestBroadcastNeighborNeedsAdjacencyEligibility(t *testing.T) {
	a := newFakeActions()
	n := New(localID, peerID, peerIP, 1, Broadcast, a)
	n.ReceiveHello(nil)
	n.ReceiveHello([]net.IP{localID})
	require.Equal(t, TwoWay, n.State())

	n.SetAdjacencyEligible(true)
	n.HandleEvent(EvAdjOK)
	require.Equal(t, ExStart, n.State())
}

func TestHigherRouterIDBecomesMaster(t *testing.T) {
	a := newFakeActions()
	n := New(localID, peerID, peerIP, 0, PointToPoint, a) // localID > peerID
	n.ReceiveHello(nil)
	n.ReceiveHello([]net.IP{localID})
	require.True(t, n.isMaster)

	// Now the lower-ID neighbor's perspective.
	a2 := newFakeActions()
	n2 := New(peerID, localID, peerIP, 0, PointToPoint, a2)
	n2.ReceiveHello(nil)
	n2.ReceiveHello([]net.IP{peerID})
	require.False(t, n2.isMaster)
}

func TestSlaveAdoptsMasterSequenceOnNegotiation(t *testing.T) {
	a := newFakeActions()
	n := New(peerID, localID, peerIP, 0, PointToPoint, a) // we are slave (peerID < localID)
	n.ReceiveHello(nil)
	n.ReceiveHello([]net.IP{peerID})
	require.Equal(t, ExStart, n.State())

	n.ReceiveDD(codec.DatabaseDescription{
		Flags:    codec.FlagInit | codec.FlagMore | codec.FlagMasterSlave,
		Sequence: 777,
	})

	require.Equal(t, Exchange, n.State())
	require.Equal(t, uint32(777), n.ddSeq)
}

func TestExchangePopulatesRequestListBeforeExchangeDone(t *testing.T) {
	a := newFakeActions()
	missingKey := codec.NewLSAKey(codec.LSARouter, net.ParseIP("5.5.5.5"), net.ParseIP("5.5.5.5"))
	n := New(localID, peerID, peerIP, 0, PointToPoint, a)
	n.ReceiveHello(nil)
	n.ReceiveHello([]net.IP{localID}) // -> ExStart, we are master

	n.ReceiveDD(codec.DatabaseDescription{Flags: 0, Sequence: n.ddSeq}) // slave's ack, same seq
	require.Equal(t, Exchange, n.State())

	n.ReceiveDD(codec.DatabaseDescription{
		Flags:      0, // M=0, MS=0: slave's final DD
		Sequence:   n.ddSeq,
		LSAHeaders: []codec.LSAHeader{{Type: codec.LSARouter, LinkStateID: net.ParseIP("5.5.5.5"), AdvertisingRouter: net.ParseIP("5.5.5.5"), SequenceNumber: 5}},
	})

	require.Equal(t, Loading, n.State())
	require.Contains(t, n.LSRequestList(), missingKey)
	require.Len(t, a.sentRequests, 1)
}

func TestExchangeDoneWithEmptyRequestListJumpsStraightToFull(t *testing.T) {
	a := newFakeActions()
	n := New(localID, peerID, peerIP, 0, PointToPoint, a)
	n.ReceiveHello(nil)
	n.ReceiveHello([]net.IP{localID})

	n.ReceiveDD(codec.DatabaseDescription{Flags: 0, Sequence: n.ddSeq})
	n.ReceiveDD(codec.DatabaseDescription{Flags: 0, Sequence: n.ddSeq})

	require.Equal(t, Full, n.State())
	require.Equal(t, 1, a.fullCount)
}

func TestSatisfyRequestDrivesLoadingToFull(t *testing.T) {
	a := newFakeActions()
	key := codec.NewLSAKey(codec.LSARouter, net.ParseIP("5.5.5.5"), net.ParseIP("5.5.5.5"))
	n := New(localID, peerID, peerIP, 0, PointToPoint, a)
	n.ReceiveHello(nil)
	n.ReceiveHello([]net.IP{localID})
	n.ReceiveDD(codec.DatabaseDescription{Flags: 0, Sequence: n.ddSeq})
	n.ReceiveDD(codec.DatabaseDescription{
		Flags:      0,
		Sequence:   n.ddSeq,
		LSAHeaders: []codec.LSAHeader{{Type: key.Type, LinkStateID: key.LinkStateIDIP(), AdvertisingRouter: key.AdvertisingRouterIP(), SequenceNumber: 1}},
	})
	require.Equal(t, Loading, n.State())

	n.SatisfyRequest(key)
	require.Equal(t, Full, n.State())
}

func TestInactivityTimerTearsDownFullAdjacency(t *testing.T) {
	a := newFakeActions()
	n := New(localID, peerID, peerIP, 0, PointToPoint, a)
	n.ReceiveHello(nil)
	n.ReceiveHello([]net.IP{localID})
	n.ReceiveDD(codec.DatabaseDescription{Flags: 0, Sequence: n.ddSeq})
	n.ReceiveDD(codec.DatabaseDescription{Flags: 0, Sequence: n.ddSeq})
	require.Equal(t, Full, n.State())

	n.HandleEvent(EvInactivityTimer)
	require.Equal(t, Down, n.State())
	require.Equal(t, 1, a.downCount)
}

func TestKillNbrFromAnyStateGoesToDown(t *testing.T) {
	a := newFakeActions()
	n := New(localID, peerID, peerIP, 0, PointToPoint, a)
	n.ReceiveHello(nil)
	require.Equal(t, Init, n.State())

	n.HandleEvent(EvKillNbr)
	require.Equal(t, Down, n.State())
	require.Equal(t, 0, a.downCount, "adjacency never reached Full, so OnAdjacencyDown must not fire")
}

func TestRetransmitListTracksAddAndAck(t *testing.T) {
	a := newFakeActions()
	n := New(localID, peerID, peerIP, 0, PointToPoint, a)
	lsa := codec.FinalizeLSA(codec.LSAHeader{Type: codec.LSARouter, LinkStateID: localID, AdvertisingRouter: localID, SequenceNumber: 1}, nil)

	n.AddRetransmit(lsa)
	require.Len(t, n.RetransmitList(), 1)

	n.AckRetransmit(lsa.Header.Key())
	require.Len(t, n.RetransmitList(), 0)
}
