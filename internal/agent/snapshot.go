package agent

import (
	"sort"

	"routeragent/internal/bgp/rib"
	"routeragent/internal/bgp/session"
	ocodec "routeragent/internal/ospf/codec"
	"routeragent/internal/ospf/spf"
	"routeragent/internal/route"
	"routeragent/internal/sched"
)

// PeerSnapshot is one BGP peer's observable state.
type PeerSnapshot struct {
	PeerIP     string
	PeerASN    uint32
	State      string
	Counters   session.Counters
	AdjInSize  int
	AdjOutSize int
}

// NeighborSnapshot is one OSPF neighbor's observable state.
type NeighborSnapshot struct {
	RouterID  string
	Address   string
	Interface string
	State     string
}

// Snapshot is the agent's read-only state query: everything is a
// copy taken on the scheduler thread, so callers on other goroutines never
// hold a live reference into protocol state.
type Snapshot struct {
	RouterID       string
	Peers          []PeerSnapshot
	Neighbors      []NeighborSnapshot
	LocRIB         []rib.Route
	LSDB           []ocodec.LSAHeader
	SPFTable       []spf.Row
	Installed      []route.SinkEntry
	FailedInstalls int
}

// Snapshot blocks until the scheduler thread has assembled a consistent
// copy of the agent's state.
func (a *Agent) Snapshot() (Snapshot, error) {
	return sched.DispatchWait(a.s, func() Snapshot {
		snap := Snapshot{RouterID: a.cfg.RouterID}

		for ip, sess := range a.sessions {
			snap.Peers = append(snap.Peers, PeerSnapshot{
				PeerIP:     ip,
				PeerASN:    sess.Config().PeerASN,
				State:      sess.State().String(),
				Counters:   sess.Stats(),
				AdjInSize:  sess.AdjIn.Size(),
				AdjOutSize: sess.AdjOut.Size(),
			})
		}
		sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].PeerIP < snap.Peers[j].PeerIP })

		for _, oi := range a.ifaces {
			for _, n := range oi.ifc.Neighbors() {
				snap.Neighbors = append(snap.Neighbors, NeighborSnapshot{
					RouterID:  n.RouterID.String(),
					Address:   n.Address.String(),
					Interface: oi.ifc.Name(),
					State:     n.State().String(),
				})
			}
		}

		snap.LocRIB = a.locRIB.All()
		for _, lsa := range a.db.All() {
			snap.LSDB = append(snap.LSDB, lsa.Header)
		}
		for _, row := range a.spfRows {
			snap.SPFTable = append(snap.SPFTable, row)
		}
		snap.Installed = a.ins.Installed()
		snap.FailedInstalls = a.ins.FailedCount()
		return snap
	})
}
