package shell

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"routeragent/internal/agent"
	"routeragent/internal/bgp/session"
	"routeragent/internal/route"
)

type fakeState struct {
	snap Snapshot
}

func (f *fakeState) Snapshot() (Snapshot, error) { return f.snap, nil }

func testSnapshot() Snapshot {
	return Snapshot{
		RouterID: "10.0.1.1",
		Peers: []agent.PeerSnapshot{
			{
				PeerIP:    "192.0.2.2",
				PeerASN:   65002,
				State:     "Established",
				Counters:  session.Counters{UpdateRecv: 3, KeepaliveSent: 7},
				AdjInSize: 2,
			},
		},
		Neighbors: []agent.NeighborSnapshot{
			{RouterID: "10.0.1.2", Address: "10.0.0.2", Interface: "eth0", State: "Full"},
		},
		Installed: []route.SinkEntry{
			{Prefix: route.MustPrefix("203.0.113.0/24"), Source: route.SourceBGP, NextHop: net.ParseIP("192.0.2.2")},
		},
	}
}

func execute(t *testing.T, cmd string) string {
	t.Helper()
	var buf bytes.Buffer
	sh := NewPrinter(&fakeState{snap: testSnapshot()}, &buf)
	sh.Execute(cmd)
	return buf.String()
}

func TestShowBGPSummary(t *testing.T) {
	out := execute(t, "show bgp summary")
	require.Contains(t, out, "192.0.2.2")
	require.Contains(t, out, "Established")
	require.Contains(t, out, "65002")
}

func TestShowOSPFNeighbor(t *testing.T) {
	out := execute(t, "show ospf neighbor")
	require.Contains(t, out, "10.0.1.2")
	require.Contains(t, out, "Full")
	require.Contains(t, out, "eth0")
}

func TestShowIPRoute(t *testing.T) {
	out := execute(t, "show ip route")
	require.Contains(t, out, "203.0.113.0/24")
	require.Contains(t, out, "via 192.0.2.2")
	require.Contains(t, out, "[bgp]")
}

func TestUnknownCommand(t *testing.T) {
	out := execute(t, "configure terminal")
	require.Contains(t, out, "unknown command")
}
