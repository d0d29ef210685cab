// Package flood implements the OSPF reliable flooding protocol of RFC
// 2328 §13: install-if-newer, flood-to-Full-neighbors-except-sender,
// send-back-if-older, drop-if-equal, ack every received LSA, retry
// unacknowledged LSAs on a 5 s interval, and refresh/age self-originated
// and MaxAge LSAs.
package flood

import (
	"routeragent/internal/obslog"
	"routeragent/internal/ospf/codec"
	"routeragent/internal/ospf/lsdb"
	"routeragent/internal/ospf/neighbor"
)

// RetransmitInterval is RFC 2328's RxmtInterval.
const RetransmitInterval = 5 // seconds

// Transport is the side-effect surface flood calls into to actually send
// packets; internal/ospf/transport's Area implements it over each
// interface's raw socket.
type Transport interface {
	SendLSUpdate(to *neighbor.Neighbor, lsas []codec.LSA)
	SendLSAck(to *neighbor.Neighbor, headers []codec.LSAHeader)
}

// Manager runs the flooding procedure for one OSPF area.
type Manager struct {
	routerID  string
	db        *lsdb.Database
	transport Transport
	neighbors map[string]*neighbor.Neighbor
	log       interface {
		Debugf(format string, args ...interface{})
		Infof(format string, args ...interface{})
	}
}

// New constructs a flooding manager and wires db's MaxAge/refresh callbacks
// to this manager's flood behavior.
func New(routerID string, db *lsdb.Database, transport Transport) *Manager {
	m := &Manager{
		routerID:  routerID,
		db:        db,
		transport: transport,
		neighbors: make(map[string]*neighbor.Neighbor),
		log:       obslog.For("ospf.flood"),
	}
	db.OnMaxAge(m.handleMaxAge)
	db.OnRefreshNeeded(m.handleRefreshNeeded)
	return m
}

// AddNeighbor registers a neighbor this manager floods to once it reaches
// Full.
func (m *Manager) AddNeighbor(routerID string, n *neighbor.Neighbor) {
	m.neighbors[routerID] = n
}

// RemoveNeighbor drops a neighbor from consideration (adjacency torn down).
func (m *Manager) RemoveNeighbor(routerID string) {
	delete(m.neighbors, routerID)
}

// ReceiveLSUpdate processes an incoming LS-Update from sender: it
// installs strictly-newer LSAs and floods them onward, sends
// back our copy for stale ones, drops equal ones, and always acknowledges.
func (m *Manager) ReceiveLSUpdate(sender *neighbor.Neighbor, lsas []codec.LSA) {
	var acked []codec.LSAHeader
	for _, lsa := range lsas {
		if !codec.VerifyLSAChecksum(lsa) {
			m.log.Debugf("ospf flood: dropping %v from %s, bad checksum", lsa.Header.Key(), m.neighborID(sender))
			continue
		}

		switch {
		case m.db.IsNewer(lsa.Header):
			m.db.Install(lsa, false)
			m.floodExcept(sender, lsa)
		case !m.equalToStored(lsa.Header):
			// Our copy is newer than the sender's: send it back instead of
			// accepting theirs.
			if ours, ok := m.db.Get(lsa.Header.Key()); ok {
				m.transport.SendLSUpdate(sender, []codec.LSA{ours})
			}
		default:
			// Identical (sequence, checksum): duplicate, drop without
			// flooding.
		}

		acked = append(acked, lsa.Header)
		if sender.State() == neighbor.Loading {
			sender.SatisfyRequest(lsa.Header.Key())
		}
	}
	if len(acked) > 0 {
		m.transport.SendLSAck(sender, acked)
	}
}

func (m *Manager) equalToStored(header codec.LSAHeader) bool {
	existing, ok := m.db.Get(header.Key())
	if !ok {
		return false
	}
	return codec.CompareNewness(header, existing.Header) == 0
}

// ReceiveLSRequest builds the LS-Update reply to a Link-State-Request.
// Triggers BadLSReq on the requester if any entry is not in the LSDB
// (RFC 2328 §10's "the LSA does not actually exist in the database" case).
func (m *Manager) ReceiveLSRequest(requester *neighbor.Neighbor, keys []codec.LSAKey) {
	lsas := make([]codec.LSA, 0, len(keys))
	for _, key := range keys {
		lsa, ok := m.db.Get(key)
		if !ok {
			requester.HandleEvent(neighbor.EvBadLSReq)
			return
		}
		lsas = append(lsas, lsa)
	}
	if len(lsas) > 0 {
		m.transport.SendLSUpdate(requester, lsas)
	}
}

// ReceiveLSAck removes acknowledged LSAs from sender's retransmission list.
func (m *Manager) ReceiveLSAck(sender *neighbor.Neighbor, headers []codec.LSAHeader) {
	for _, h := range headers {
		sender.AckRetransmit(h.Key())
	}
}

// OriginateOrRefresh installs a self-originated LSA and floods it to every
// Full neighbor.
func (m *Manager) OriginateOrRefresh(lsa codec.LSA) {
	if !m.db.Install(lsa, true) {
		return
	}
	m.floodExcept(nil, lsa)
}

// floodExcept sends lsa to every Full neighbor other than except (except
// may be nil, meaning flood to all), tracking it on each recipient's
// retransmission list until acknowledged.
func (m *Manager) floodExcept(except *neighbor.Neighbor, lsa codec.LSA) {
	for _, n := range m.neighbors {
		if n == except || !n.IsFull() {
			continue
		}
		m.transport.SendLSUpdate(n, []codec.LSA{lsa})
		n.AddRetransmit(lsa)
	}
}

// RetransmitTick resends every neighbor's outstanding retransmission
// list. Called by an internal/sched.IntervalTimer every
// RetransmitInterval seconds, indefinitely; a neighbor that leaves Full
// has its retransmit list cleared, so this sweep naturally stops
// resending to it.
func (m *Manager) RetransmitTick() {
	for _, n := range m.neighbors {
		if !n.IsFull() {
			continue
		}
		pending := n.RetransmitList()
		if len(pending) > 0 {
			m.transport.SendLSUpdate(n, pending)
		}
	}
}

func (m *Manager) handleMaxAge(lsa codec.LSA) {
	m.floodExcept(nil, lsa)
}

func (m *Manager) handleRefreshNeeded(lsa codec.LSA) {
	refreshed := lsa.Header
	refreshed.SequenceNumber++
	// A refresh re-originates at LS age 0 (RFC 2328 §12.4.4); carrying the
	// aged value forward would re-trigger the refresh on the next aging
	// tick.
	refreshed.Age = 0
	m.OriginateOrRefresh(codec.FinalizeLSA(refreshed, lsa.Body))
}

func (m *Manager) neighborID(n *neighbor.Neighbor) string {
	if n == nil || n.RouterID == nil {
		return "?"
	}
	return n.RouterID.String()
}
