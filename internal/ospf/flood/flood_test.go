package flood

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"routeragent/internal/ospf/codec"
	"routeragent/internal/ospf/lsdb"
	"routeragent/internal/ospf/neighbor"
)

type fakeTransport struct {
	updates  [][]codec.LSA
	updateTo []*neighbor.Neighbor
	acks     [][]codec.LSAHeader
}

func (f *fakeTransport) SendLSUpdate(to *neighbor.Neighbor, lsas []codec.LSA) {
	f.updates = append(f.updates, lsas)
	f.updateTo = append(f.updateTo, to)
}
func (f *fakeTransport) SendLSAck(to *neighbor.Neighbor, headers []codec.LSAHeader) {
	f.acks = append(f.acks, headers)
}

type noopNeighborActions struct{}

func (noopNeighborActions) StartInactivityTimer()                        {}
func (noopNeighborActions) StopInactivityTimer()                         {}
func (noopNeighborActions) SendDD(codec.DatabaseDescription)             {}
func (noopNeighborActions) SendLSRequest([]codec.LSAKey)                 {}
func (noopNeighborActions) DatabaseSummary() []codec.LSAHeader           { return nil }
func (noopNeighborActions) LookupLSA(codec.LSAKey) (codec.LSAHeader, bool) {
	return codec.LSAHeader{}, false
}
func (noopNeighborActions) OnAdjacencyDown() {}
func (noopNeighborActions) OnFull()          {}

var (
	localRouterID = net.ParseIP("10.0.0.9")
	senderID      = net.ParseIP("10.0.0.1")
	otherID       = net.ParseIP("10.0.0.2")
)

func fullNeighbor(routerID net.IP) *neighbor.Neighbor {
	n := neighbor.New(localRouterID, routerID, routerID, 1, neighbor.PointToPoint, noopNeighborActions{})
	n.ReceiveHello(nil)
	n.ReceiveHello([]net.IP{localRouterID})
	n.ReceiveDD(codec.DatabaseDescription{Flags: 0, Sequence: 1})
	n.ReceiveDD(codec.DatabaseDescription{Flags: 0, Sequence: 1})
	return n
}

func makeLSA(adv net.IP, seq uint32) codec.LSA {
	header := codec.LSAHeader{Type: codec.LSARouter, LinkStateID: adv, AdvertisingRouter: adv, SequenceNumber: seq}
	return codec.FinalizeLSA(header, codec.EncodeRouterLSABody(codec.RouterLSABody{}))
}

func TestReceiveLSUpdateInstallsNewerAndFloodsExceptSender(t *testing.T) {
	db := lsdb.New()
	tr := &fakeTransport{}
	m := New("10.0.0.9", db, tr)

	sender := fullNeighbor(senderID)
	other := fullNeighbor(otherID)
	m.AddNeighbor(senderID.String(), sender)
	m.AddNeighbor(otherID.String(), other)

	lsa := makeLSA(senderID, 1)
	m.ReceiveLSUpdate(sender, []codec.LSA{lsa})

	_, ok := db.Get(lsa.Header.Key())
	require.True(t, ok)
	require.Len(t, tr.updates, 1, "flooded to the other neighbor, not back to sender")
	require.Same(t, other, tr.updateTo[0])
	require.Len(t, tr.acks, 1)
}

func TestReceiveLSUpdateSendsBackNewerLocalCopy(t *testing.T) {
	db := lsdb.New()
	tr := &fakeTransport{}
	m := New("10.0.0.9", db, tr)

	sender := fullNeighbor(senderID)
	m.AddNeighbor(senderID.String(), sender)

	db.Install(makeLSA(senderID, 5), false)
	m.ReceiveLSUpdate(sender, []codec.LSA{makeLSA(senderID, 3)})

	require.Len(t, tr.updates, 1)
	require.Equal(t, uint32(5), tr.updates[0][0].Header.SequenceNumber)
	require.Same(t, sender, tr.updateTo[0])
}

func TestReceiveLSUpdateDropsDuplicateWithoutFlooding(t *testing.T) {
	db := lsdb.New()
	tr := &fakeTransport{}
	m := New("10.0.0.9", db, tr)

	sender := fullNeighbor(senderID)
	other := fullNeighbor(otherID)
	m.AddNeighbor(senderID.String(), sender)
	m.AddNeighbor(otherID.String(), other)

	lsa := makeLSA(senderID, 1)
	db.Install(lsa, false)
	m.ReceiveLSUpdate(sender, []codec.LSA{lsa})

	require.Empty(t, tr.updates)
	require.Len(t, tr.acks, 1, "still acknowledged even though dropped")
}

func TestReceiveLSUpdateSatisfiesLoadingRequest(t *testing.T) {
	db := lsdb.New()
	tr := &fakeTransport{}
	m := New("10.0.0.9", db, tr)

	sender := neighbor.New(localRouterID, senderID, senderID, 1, neighbor.PointToPoint, noopNeighborActions{})
	sender.ReceiveHello(nil)
	sender.ReceiveHello([]net.IP{localRouterID})
	sender.ReceiveDD(codec.DatabaseDescription{Flags: 0, Sequence: 1})
	sender.ReceiveDD(codec.DatabaseDescription{
		Flags:      0,
		Sequence:   1,
		LSAHeaders: []codec.LSAHeader{{Type: codec.LSARouter, LinkStateID: otherID, AdvertisingRouter: otherID, SequenceNumber: 1}},
	})
	require.Equal(t, neighbor.Loading, sender.State())

	m.ReceiveLSUpdate(sender, []codec.LSA{makeLSA(otherID, 1)})

	require.Equal(t, neighbor.Full, sender.State())
}

func TestReceiveLSRequestRepliesWithUpdateOrBadLSReq(t *testing.T) {
	db := lsdb.New()
	tr := &fakeTransport{}
	m := New("10.0.0.9", db, tr)
	lsa := makeLSA(senderID, 1)
	db.Install(lsa, false)

	requester := fullNeighbor(senderID)
	m.ReceiveLSRequest(requester, []codec.LSAKey{lsa.Header.Key()})
	require.Len(t, tr.updates, 1)

	requester2 := fullNeighbor(otherID)
	m.ReceiveLSRequest(requester2, []codec.LSAKey{codec.NewLSAKey(codec.LSANetwork, otherID, otherID)})
	require.Equal(t, neighbor.ExStart, requester2.State(), "BadLSReq sends the neighbor back to ExStart to renegotiate")
}

func TestReceiveLSAckClearsRetransmitList(t *testing.T) {
	db := lsdb.New()
	tr := &fakeTransport{}
	m := New("10.0.0.9", db, tr)
	n := fullNeighbor(senderID)
	lsa := makeLSA(localRouterID, 1)
	n.AddRetransmit(lsa)

	m.ReceiveLSAck(n, []codec.LSAHeader{lsa.Header})
	require.Empty(t, n.RetransmitList())
}

func TestRetransmitTickOnlyResendsToFullNeighbors(t *testing.T) {
	db := lsdb.New()
	tr := &fakeTransport{}
	m := New("10.0.0.9", db, tr)
	n := fullNeighbor(senderID)
	n.AddRetransmit(makeLSA(localRouterID, 1))
	m.AddNeighbor(senderID.String(), n)

	m.RetransmitTick()
	require.Len(t, tr.updates, 1)
}

func TestRefreshReoriginatesAtAgeZeroWithBumpedSequence(t *testing.T) {
	db := lsdb.New()
	tr := &fakeTransport{}
	New("10.0.0.9", db, tr)

	lsa := makeLSA(localRouterID, 5)
	db.Install(lsa, true)

	// Aging to the refresh threshold runs the refresh callback, which must
	// re-originate at LS age 0 with the sequence bumped exactly once.
	db.Age(lsdb.LSRefreshTime)

	got, ok := db.Get(lsa.Header.Key())
	require.True(t, ok)
	require.Equal(t, uint16(0), got.Header.Age)
	require.Equal(t, uint32(6), got.Header.SequenceNumber)

	// The next aging tick must not see the refreshed copy as due again.
	db.Age(time.Second)
	got, _ = db.Get(lsa.Header.Key())
	require.Equal(t, uint32(6), got.Header.SequenceNumber)
	require.Equal(t, uint16(1), got.Header.Age)
}

func TestMaxAgeCallbackFloodsToAllFullNeighbors(t *testing.T) {
	db := lsdb.New()
	tr := &fakeTransport{}
	m := New("10.0.0.9", db, tr)
	n := fullNeighbor(senderID)
	m.AddNeighbor(senderID.String(), n)

	db.Install(makeLSA(localRouterID, 1), true)
	db.Age(time.Duration(codec.MaxAge) * time.Second)

	require.Len(t, tr.updates, 1)
}
