package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"routeragent/internal/ospf/codec"
	"routeragent/internal/ospf/lsdb"
	"routeragent/internal/ospf/neighbor"
	"routeragent/internal/sched"
)

type sentPacket struct {
	dst     net.IP
	payload []byte
}

type fakeConn struct {
	sent []sentPacket
}

func (f *fakeConn) SendTo(dst net.IP, payload []byte) error {
	f.sent = append(f.sent, sentPacket{dst: dst, payload: payload})
	return nil
}

func (f *fakeConn) typesSent(t *testing.T) []codec.PacketType {
	t.Helper()
	var out []codec.PacketType
	for _, p := range f.sent {
		hdr, _, err := codec.DecodeHeader(p.payload)
		require.NoError(t, err)
		out = append(out, hdr.Type)
	}
	return out
}

func newTestInterface(t *testing.T, networkType neighbor.NetworkType, priority uint8) (*Interface, *fakeConn, *Area) {
	t.Helper()
	s := sched.New(16)
	conn := &fakeConn{}
	area := NewArea(net.ParseIP("10.0.1.1"), net.ParseIP("0.0.0.0"), lsdb.New())
	i := New(s, conn, Config{
		Name:          "eth0",
		Address:       net.ParseIP("10.0.0.1"),
		Mask:          net.CIDRMask(30, 32),
		HelloInterval: 10,
		DeadInterval:  40,
		Priority:      priority,
		Cost:          10,
		NetworkType:   networkType,
	})
	area.AddInterface(i)
	return i, conn, area
}

func helloFrom(routerID string, neighbors []net.IP, dr, bdr net.IP) []byte {
	return codec.EncodeHello(net.ParseIP(routerID), net.ParseIP("0.0.0.0"), codec.Hello{
		NetworkMask:        net.CIDRMask(30, 32),
		HelloInterval:      10,
		RouterPriority:     1,
		RouterDeadInterval: 40,
		DesignatedRouter:   dr,
		BackupDR:           bdr,
		Neighbors:          neighbors,
	})
}

func TestHelloCreatesNeighborAndReaches2Way(t *testing.T) {
	i, conn, _ := newTestInterface(t, neighbor.PointToPoint, 1)
	src := net.ParseIP("10.0.0.2")

	// First Hello does not list us: neighbor lands in Init.
	i.HandlePacket(src, helloFrom("10.0.1.2", nil, nil, nil))
	require.Len(t, i.Neighbors(), 1)
	require.Equal(t, neighbor.Init, i.Neighbors()[0].State())

	// Second Hello lists our router-id: 2-Way, and on point-to-point the
	// adjacency starts immediately (ExStart sends the first DD).
	i.HandlePacket(src, helloFrom("10.0.1.2", []net.IP{net.ParseIP("10.0.1.1")}, nil, nil))
	require.Equal(t, neighbor.ExStart, i.Neighbors()[0].State())
	require.Contains(t, conn.typesSent(t), codec.PacketDD)
}

func TestHelloParameterMismatchRejectedSilently(t *testing.T) {
	i, _, _ := newTestInterface(t, neighbor.PointToPoint, 1)

	wrongInterval := codec.EncodeHello(net.ParseIP("10.0.1.2"), net.ParseIP("0.0.0.0"), codec.Hello{
		NetworkMask:        net.CIDRMask(30, 32),
		HelloInterval:      15, // ours is 10
		RouterDeadInterval: 40,
	})
	i.HandlePacket(net.ParseIP("10.0.0.2"), wrongInterval)

	require.Empty(t, i.Neighbors())
	require.Equal(t, uint64(1), i.Dropped())
}

func TestPacketFromWrongAreaDropped(t *testing.T) {
	i, _, _ := newTestInterface(t, neighbor.PointToPoint, 1)

	other := codec.EncodeHello(net.ParseIP("10.0.1.2"), net.ParseIP("0.0.0.1"), codec.Hello{
		NetworkMask:        net.CIDRMask(30, 32),
		HelloInterval:      10,
		RouterDeadInterval: 40,
	})
	i.HandlePacket(net.ParseIP("10.0.0.2"), other)

	require.Empty(t, i.Neighbors())
	require.Equal(t, uint64(1), i.Dropped())
}

func TestBroadcastElectionPicksHighestPriorityThenRouterID(t *testing.T) {
	i, _, _ := newTestInterface(t, neighbor.Broadcast, 1)
	us := net.ParseIP("10.0.1.1")

	// Two neighbors, both bidirectional after their second Hello.
	// 10.0.1.3 has the higher router-id at equal priority, so it wins DR.
	for _, hello := range [][2]string{{"10.0.0.2", "10.0.1.2"}, {"10.0.0.3", "10.0.1.3"}} {
		i.HandlePacket(net.ParseIP(hello[0]), helloFrom(hello[1], nil, nil, nil))
		i.HandlePacket(net.ParseIP(hello[0]), helloFrom(hello[1], []net.IP{us}, nil, nil))
	}

	require.True(t, i.dr.Equal(net.ParseIP("10.0.0.3")), "dr = %v", i.dr)
}

func TestBroadcastAdjacencyOnlyWithDesignatedRouters(t *testing.T) {
	i, _, _ := newTestInterface(t, neighbor.Broadcast, 0) // priority 0: never DR/BDR ourselves
	us := net.ParseIP("10.0.1.1")

	for _, hello := range [][2]string{{"10.0.0.2", "10.0.1.2"}, {"10.0.0.3", "10.0.1.3"}} {
		i.HandlePacket(net.ParseIP(hello[0]), helloFrom(hello[1], nil, nil, nil))
		i.HandlePacket(net.ParseIP(hello[0]), helloFrom(hello[1], []net.IP{us}, nil, nil))
	}

	// 10.0.0.3 won DR, 10.0.0.2 is BDR: both are adjacency-eligible, so
	// both neighbors leave TwoWay for ExStart.
	for _, n := range i.Neighbors() {
		require.Equal(t, neighbor.ExStart, n.State(), "neighbor %s", n.RouterID)
	}
}

func TestRouterLSAOriginatedWithOnlyStubLinkBeforeFull(t *testing.T) {
	i, _, area := newTestInterface(t, neighbor.PointToPoint, 1)
	src := net.ParseIP("10.0.0.2")

	i.HandlePacket(src, helloFrom("10.0.1.2", []net.IP{net.ParseIP("10.0.1.1")}, nil, nil))
	area.OriginateRouterLSA()

	lsa, ok := area.DB.Get(codec.NewLSAKey(codec.LSARouter, net.ParseIP("10.0.1.1"), net.ParseIP("10.0.1.1")))
	require.True(t, ok)
	body, err := codec.DecodeRouterLSABody(lsa.Body)
	require.NoError(t, err)
	// A single Hello leaves the neighbor at Init, not Full: only the stub
	// link appears.
	require.Len(t, body.Links, 1)
	require.Equal(t, codec.LinkStub, body.Links[0].Type)
	require.Equal(t, "10.0.0.0", body.Links[0].LinkID.String())
}

func TestReOriginationIncrementsSequence(t *testing.T) {
	_, _, area := newTestInterface(t, neighbor.PointToPoint, 1)

	area.OriginateRouterLSA()
	area.OriginateRouterLSA()

	lsa, ok := area.DB.Get(codec.NewLSAKey(codec.LSARouter, net.ParseIP("10.0.1.1"), net.ParseIP("10.0.1.1")))
	require.True(t, ok)
	require.Equal(t, uint32(initialSequenceNumber+1), lsa.Header.SequenceNumber)
}
