// Package neighbor implements the OSPFv2 neighbor state machine of RFC
// 2328 §10.3: eight states, Database Description master/slave
// negotiation, and the link-state request list. Like internal/bgp/fsm,
// the state machine itself holds no I/O: side effects run through the
// Actions interface, which internal/ospf/transport wires to the raw
// socket.
package neighbor

import (
	"encoding/binary"
	"net"

	"github.com/sirupsen/logrus"

	"routeragent/internal/obslog"
	"routeragent/internal/ospf/codec"
)

// State is one of the eight neighbor states of RFC 2328 §10.1.
type State uint8

const (
	Down State = iota
	Attempt
	Init
	TwoWay
	ExStart
	Exchange
	Loading
	Full
)

func (s State) String() string {
	switch s {
	case Down:
		return "Down"
	case Attempt:
		return "Attempt"
	case Init:
		return "Init"
	case TwoWay:
		return "2-Way"
	case ExStart:
		return "ExStart"
	case Exchange:
		return "Exchange"
	case Loading:
		return "Loading"
	case Full:
		return "Full"
	default:
		return "Unknown"
	}
}

// Event is one input to the neighbor FSM (RFC 2328 §10.2's event set).
type Event uint8

const (
	EvHelloReceived Event = iota
	EvStart
	Ev2WayReceived
	EvNegotiationDone
	EvExchangeDone
	EvLoadingDone
	EvAdjOK
	EvSeqNumberMismatch
	EvBadLSReq
	EvKillNbr
	EvInactivityTimer
	Ev1WayReceived
)

func (e Event) String() string {
	names := [...]string{
		"HelloReceived", "Start", "2-WayReceived", "NegotiationDone",
		"ExchangeDone", "LoadingDone", "AdjOK", "SeqNumberMismatch",
		"BadLSReq", "KillNbr", "InactivityTimer", "1-WayReceived",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "Unknown"
}

// NetworkType affects whether adjacency is automatic (point-to-point) or
// depends on DR/BDR election (broadcast).
type NetworkType uint8

const (
	Broadcast NetworkType = iota
	PointToPoint
)

// Actions is the side-effect surface the neighbor calls into.
type Actions interface {
	StartInactivityTimer()
	StopInactivityTimer()
	SendDD(dd codec.DatabaseDescription)
	SendLSRequest(keys []codec.LSAKey)
	// DatabaseSummary returns a snapshot of every LSA header currently in
	// the local LSDB, used to populate the Exchange-state DD payload.
	DatabaseSummary() []codec.LSAHeader
	// LookupLSA returns the locally held header for key, if any.
	LookupLSA(key codec.LSAKey) (codec.LSAHeader, bool)
	OnAdjacencyDown()
	OnFull()
}

// Neighbor is one OSPF neighbor relationship, per RFC 2328 §10's Neighbor
// Data Structure.
type Neighbor struct {
	LocalRouterID net.IP
	RouterID      net.IP
	Address       net.IP
	Priority      uint8
	NetworkType   NetworkType

	state    State
	actions  Actions
	log      *logrus.Entry
	eligible bool // DR/BDR decided we should become adjacent (broadcast only)

	isMaster   bool
	ddSeq      uint32
	localSent  bool // we've sent our one-shot Exchange DD
	remoteDone bool // peer's DD had M=0

	lsRequestList []codec.LSAKey
	retransmit    map[codec.LSAKey]codec.LSA
}

// New constructs a neighbor in the Down state.
func New(localRouterID, peerRouterID, addr net.IP, priority uint8, networkType NetworkType, actions Actions) *Neighbor {
	return &Neighbor{
		LocalRouterID: localRouterID,
		RouterID:      peerRouterID,
		Address:       addr,
		Priority:      priority,
		NetworkType:   networkType,
		state:         Down,
		actions:       actions,
		log:           obslog.ForNeighbor(peerRouterID.String(), addr.String()),
		eligible:      networkType == PointToPoint,
		retransmit:    make(map[codec.LSAKey]codec.LSA),
	}
}

// State returns the current neighbor state.
func (n *Neighbor) State() State { return n.state }

// SetAdjacencyEligible records whether DR/BDR election decided this router
// must become adjacent to the neighbor; TwoWay->ExStart fires only for
// neighbors with which this router must become adjacent. Point-to-point
// neighbors are always eligible and ignore this call.
func (n *Neighbor) SetAdjacencyEligible(eligible bool) {
	if n.NetworkType == PointToPoint {
		return
	}
	n.eligible = eligible
}

func (n *Neighbor) transition(to State) {
	if n.state == to {
		return
	}
	n.log.Debugf("ospf neighbor %s: %s -> %s", n.RouterID, n.state, to)
	n.state = to
}

// HandleEvent runs one event through the FSM. Unhandled (state, event)
// pairs are no-ops.
func (n *Neighbor) HandleEvent(ev Event) {
	switch ev {
	case EvKillNbr, EvInactivityTimer:
		n.toDown()
		return
	case Ev1WayReceived:
		if n.state != Down && n.state != Attempt {
			n.resetLists()
			n.transition(Init)
		}
		return
	}

	switch n.state {
	case Down:
		n.handleDown(ev)
	case Attempt:
		n.handleAttempt(ev)
	case Init:
		n.handleInit(ev)
	case TwoWay:
		n.handleTwoWay(ev)
	case ExStart:
		n.handleExStart(ev)
	case Exchange:
		n.handleExchange(ev)
	case Loading:
		n.handleLoading(ev)
	case Full:
		n.handleFull(ev)
	}
}

func (n *Neighbor) handleDown(ev Event) {
	switch ev {
	case EvStart:
		n.transition(Attempt)
	case EvHelloReceived:
		// ReceiveHello (re)starts the inactivity timer for every Hello.
		n.transition(Init)
	}
}

func (n *Neighbor) handleAttempt(ev Event) {
	if ev == EvHelloReceived {
		n.transition(Init)
	}
}

func (n *Neighbor) handleInit(ev Event) {
	if ev == Ev2WayReceived {
		n.transition(TwoWay)
	}
}

func (n *Neighbor) handleTwoWay(ev Event) {
	if ev == EvAdjOK {
		n.beginNegotiation()
		n.transition(ExStart)
	}
}

func (n *Neighbor) handleExStart(ev Event) {
	if ev == EvNegotiationDone {
		n.transition(Exchange)
		n.startExchange()
	}
}

func (n *Neighbor) handleExchange(ev Event) {
	switch ev {
	case EvExchangeDone:
		n.transition(Loading)
		if len(n.lsRequestList) == 0 {
			n.HandleEvent(EvLoadingDone)
		} else {
			n.actions.SendLSRequest(n.lsRequestList)
		}
	case EvSeqNumberMismatch, EvBadLSReq:
		n.restartNegotiation()
	}
}

func (n *Neighbor) handleLoading(ev Event) {
	switch ev {
	case EvLoadingDone:
		n.transition(Full)
		n.actions.OnFull()
	case EvSeqNumberMismatch, EvBadLSReq:
		n.restartNegotiation()
	}
}

// handleFull reacts to a sequence-number mismatch or a bad Link-State
// Request discovered while adjacent: RFC 2328 §10.3 sends the neighbor
// back to ExStart to renegotiate rather than all the way down to Down.
func (n *Neighbor) handleFull(ev Event) {
	switch ev {
	case EvSeqNumberMismatch, EvBadLSReq:
		n.actions.OnAdjacencyDown()
		n.restartNegotiation()
	}
}

func (n *Neighbor) toDown() {
	n.actions.StopInactivityTimer()
	n.resetLists()
	if n.state == Full {
		n.actions.OnAdjacencyDown()
	}
	n.transition(Down)
}

func (n *Neighbor) resetLists() {
	n.lsRequestList = nil
	n.retransmit = make(map[codec.LSAKey]codec.LSA)
	n.localSent = false
	n.remoteDone = false
}

func (n *Neighbor) restartNegotiation() {
	n.resetLists()
	n.beginNegotiation()
	n.transition(ExStart)
}

// ReceiveHello drives Hello reception: it
// updates last-hello-time, advances Down/Attempt->Init on first sight, and
// Init->TwoWay when neighborIDs (the peer's Hello neighbor list) contains
// this router's own ID. Once at least TwoWay, losing bidirectionality
// drops back to Init.
func (n *Neighbor) ReceiveHello(neighborIDs []net.IP) {
	bidirectional := containsIP(neighborIDs, n.LocalRouterID)

	switch {
	case n.state == Down || n.state == Attempt:
		n.HandleEvent(EvHelloReceived)
	case n.state == Init:
		if bidirectional {
			n.HandleEvent(Ev2WayReceived)
			if n.eligible {
				n.HandleEvent(EvAdjOK)
			}
		} else {
			n.HandleEvent(Ev1WayReceived)
		}
	case n.state >= TwoWay:
		if !bidirectional {
			n.HandleEvent(Ev1WayReceived)
		}
	}
	n.actions.StartInactivityTimer()
}

func containsIP(ids []net.IP, target net.IP) bool {
	for _, id := range ids {
		if id.Equal(target) {
			return true
		}
	}
	return false
}

// beginNegotiation determines master/slave by numeric router-id comparison
// (the higher router-id is master) and sends the initial empty DD with
// I=1,M=1,MS set accordingly.
func (n *Neighbor) beginNegotiation() {
	n.isMaster = ipToUint32(n.LocalRouterID) > ipToUint32(n.RouterID)
	if n.isMaster {
		n.ddSeq++
	} else {
		n.ddSeq = 0
	}
	n.actions.SendDD(codec.DatabaseDescription{
		Flags:    codec.FlagInit | codec.FlagMore | masterBit(n.isMaster),
		Sequence: n.ddSeq,
	})
}

// ReceiveDD processes an incoming Database Description packet. In ExStart
// it completes master/slave negotiation; in Exchange it compares the
// peer's LSA headers against the local LSDB and grows ls-request-list.
func (n *Neighbor) ReceiveDD(dd codec.DatabaseDescription) {
	switch n.state {
	case ExStart:
		n.receiveDDExStart(dd)
	case Exchange:
		n.receiveDDExchange(dd)
	}
}

func (n *Neighbor) receiveDDExStart(dd codec.DatabaseDescription) {
	weAreMaster := ipToUint32(n.LocalRouterID) > ipToUint32(n.RouterID)
	n.isMaster = weAreMaster

	if weAreMaster {
		if !dd.Init() && !dd.IsMaster() {
			if dd.Sequence != n.ddSeq {
				n.HandleEvent(EvSeqNumberMismatch)
				return
			}
		}
		// Otherwise this is the peer's own Init packet: negotiation still
		// completes here, keeping our sequence, which the peer adopts from
		// the Init DD we sent.
	} else {
		n.ddSeq = dd.Sequence
	}
	n.HandleEvent(EvNegotiationDone)
}

// startExchange sends this router's full set of local LSA headers in one
// DD packet (M=0: a full MTU-bounded multi-packet exchange is out of scope
// here, see DESIGN.md).
func (n *Neighbor) startExchange() {
	headers := n.actions.DatabaseSummary()
	n.localSent = true
	n.actions.SendDD(codec.DatabaseDescription{
		Flags:      masterBit(n.isMaster),
		Sequence:   n.ddSeq,
		LSAHeaders: headers,
	})
}

func (n *Neighbor) receiveDDExchange(dd codec.DatabaseDescription) {
	if n.isMaster {
		if dd.Sequence != n.ddSeq {
			n.HandleEvent(EvSeqNumberMismatch)
			return
		}
	} else {
		n.ddSeq = dd.Sequence
	}

	// Ordering constraint: ls-request-list must be fully populated from
	// this DD before EvExchangeDone is ever signalled, or Loading sees an
	// empty list and jumps straight to Full.
	for _, h := range dd.LSAHeaders {
		ours, ok := n.actions.LookupLSA(h.Key())
		if !ok || codec.CompareNewness(ours, h) < 0 {
			n.lsRequestList = append(n.lsRequestList, h.Key())
		}
	}
	n.remoteDone = !dd.More()

	if n.isMaster {
		n.ddSeq++
	}
	if !n.localSent {
		n.startExchange()
	}
	if n.remoteDone && n.localSent {
		n.HandleEvent(EvExchangeDone)
	}
}

// SatisfyRequest removes key from ls-request-list (an LS-Update satisfied
// it) and signals LoadingDone once the list is empty.
func (n *Neighbor) SatisfyRequest(key codec.LSAKey) {
	for i, k := range n.lsRequestList {
		if k == key {
			n.lsRequestList = append(n.lsRequestList[:i], n.lsRequestList[i+1:]...)
			break
		}
	}
	if n.state == Loading && len(n.lsRequestList) == 0 {
		n.HandleEvent(EvLoadingDone)
	}
}

// LSRequestList returns the outstanding Link-State-Request entries.
func (n *Neighbor) LSRequestList() []codec.LSAKey {
	return n.lsRequestList
}

// AddRetransmit records an LSA as awaiting acknowledgment from this
// neighbor, for internal/ospf/flood's 5s retransmit timer.
func (n *Neighbor) AddRetransmit(lsa codec.LSA) {
	n.retransmit[lsa.Header.Key()] = lsa
}

// AckRetransmit removes an LSA from the retransmission list once
// acknowledged.
func (n *Neighbor) AckRetransmit(key codec.LSAKey) {
	delete(n.retransmit, key)
}

// RetransmitList returns every LSA still awaiting acknowledgment.
func (n *Neighbor) RetransmitList() []codec.LSA {
	out := make([]codec.LSA, 0, len(n.retransmit))
	for _, lsa := range n.retransmit {
		out = append(out, lsa)
	}
	return out
}

func (n *Neighbor) IsFull() bool        { return n.state == Full }
func (n *Neighbor) IsAtLeast2Way() bool { return n.state >= TwoWay }

func masterBit(isMaster bool) uint8 {
	if isMaster {
		return codec.FlagMasterSlave
	}
	return 0
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}
