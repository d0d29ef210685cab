// Package transport drives OSPF's raw-IP surface: per-interface Hello
// emission, packet dispatch into the neighbor FSM and flooding manager,
// DR/BDR election on broadcast segments (RFC 2328 §9.4), and
// Router/Network LSA origination.
package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"routeragent/internal/obslog"
	"routeragent/internal/ospf/codec"
	"routeragent/internal/ospf/flood"
	"routeragent/internal/ospf/lsdb"
	"routeragent/internal/ospf/neighbor"
	"routeragent/internal/route"
	"routeragent/internal/sched"
)

// initialSequenceNumber is RFC 2328's InitialSequenceNumber (§12.1.6).
const initialSequenceNumber = 0x80000001

// PacketConn is the sending half of internal/rawip.Conn, narrowed so tests
// can substitute an in-memory fake.
type PacketConn interface {
	SendTo(dst net.IP, payload []byte) error
}

// Area owns the single area's LSDB, flooding manager, and interfaces, and
// originates this router's own LSAs. It implements flood.Transport by
// routing each send through the interface that owns the target neighbor.
type Area struct {
	RouterID net.IP
	AreaID   net.IP
	DB       *lsdb.Database
	Flood    *flood.Manager

	ifaces []*Interface

	// OnLSDBChange is invoked after any LSDB mutation; the agent wires it
	// to the SPF debouncer.
	OnLSDBChange func()

	log *logrus.Entry
}

// NewArea constructs the area around a shared LSDB.
func NewArea(routerID, areaID net.IP, db *lsdb.Database) *Area {
	a := &Area{
		RouterID: routerID,
		AreaID:   areaID,
		DB:       db,
		log:      obslog.For("ospf.area"),
	}
	a.Flood = flood.New(routerID.String(), db, a)
	return a
}

// AddInterface registers an interface with the area.
func (a *Area) AddInterface(i *Interface) {
	a.ifaces = append(a.ifaces, i)
	i.area = a
}

// SendLSUpdate implements flood.Transport: unicast the update to the
// neighbor through its owning interface.
func (a *Area) SendLSUpdate(to *neighbor.Neighbor, lsas []codec.LSA) {
	if i := a.ifaceFor(to); i != nil {
		_ = i.conn.SendTo(to.Address, codec.EncodeLSUpdate(a.RouterID, a.AreaID, lsas))
	}
}

// SendLSAck implements flood.Transport.
func (a *Area) SendLSAck(to *neighbor.Neighbor, headers []codec.LSAHeader) {
	if i := a.ifaceFor(to); i != nil {
		_ = i.conn.SendTo(to.Address, codec.EncodeLSAck(a.RouterID, a.AreaID, headers))
	}
}

func (a *Area) ifaceFor(n *neighbor.Neighbor) *Interface {
	for _, i := range a.ifaces {
		if _, ok := i.neighbors[n.RouterID.String()]; ok {
			return i
		}
	}
	return nil
}

func (a *Area) notifyChange() {
	if a.OnLSDBChange != nil {
		a.OnLSDBChange()
	}
}

// OriginateRouterLSA rebuilds this router's Router LSA from every
// interface's current adjacency state and floods it. Called on any
// adjacency transition into or out of Full and at startup.
func (a *Area) OriginateRouterLSA() {
	var links []codec.RouterLink
	for _, i := range a.ifaces {
		links = append(links, i.routerLinks()...)
	}
	body := codec.EncodeRouterLSABody(codec.RouterLSABody{Links: links})
	a.originate(codec.LSAHeader{
		Type:              codec.LSARouter,
		LinkStateID:       a.RouterID,
		AdvertisingRouter: a.RouterID,
	}, body)
}

// OriginateNetworkLSA floods the Network LSA for a broadcast segment this
// router is DR of: link-state-id is the DR's interface address, attached
// routers are this router plus every Full neighbor (RFC 2328 §12.4.2).
func (a *Area) OriginateNetworkLSA(i *Interface) {
	attached := []net.IP{a.RouterID}
	for _, n := range i.neighbors {
		if n.IsFull() {
			attached = append(attached, n.RouterID)
		}
	}
	body := codec.EncodeNetworkLSABody(codec.NetworkLSABody{
		NetworkMask:     i.cfg.Mask,
		AttachedRouters: attached,
	})
	a.originate(codec.LSAHeader{
		Type:              codec.LSANetwork,
		LinkStateID:       i.cfg.Address,
		AdvertisingRouter: a.RouterID,
	}, body)
}

// originate finalizes the header with the next sequence number for its key
// (one past the stored copy, or InitialSequenceNumber) and hands it to the
// flooding manager.
func (a *Area) originate(header codec.LSAHeader, body []byte) {
	header.SequenceNumber = initialSequenceNumber
	if existing, ok := a.DB.Get(header.Key()); ok {
		header.SequenceNumber = existing.Header.SequenceNumber + 1
	}
	a.Flood.OriginateOrRefresh(codec.FinalizeLSA(header, body))
	a.notifyChange()
}

// Config is one OSPF-enabled interface's static parameters.
type Config struct {
	Name          string
	Address       net.IP
	Mask          net.IPMask
	HelloInterval int
	DeadInterval  int
	Priority      uint8
	Cost          uint16
	NetworkType   neighbor.NetworkType
}

// helloView is what a neighbor's last Hello claimed about the segment,
// kept for DR/BDR election.
type helloView struct {
	priority uint8
	dr       net.IP
	bdr      net.IP
	addr     net.IP
}

// Interface is one OSPF-running interface: it owns its neighbors and their
// inactivity timers, emits Hellos, and dispatches received packets.
type Interface struct {
	cfg  Config
	area *Area
	conn PacketConn
	s    *sched.Scheduler

	neighbors  map[string]*neighbor.Neighbor // keyed by router-id
	views      map[string]helloView
	inactivity map[string]*sched.DeadlineTimer

	dr  net.IP // interface address of the elected DR (broadcast only)
	bdr net.IP

	helloTimer *sched.IntervalTimer

	dropped uint64 // malformed or mismatched packets

	log *logrus.Entry
}

// New constructs an Interface; call Area.AddInterface then Start.
func New(s *sched.Scheduler, conn PacketConn, cfg Config) *Interface {
	return &Interface{
		cfg:        cfg,
		conn:       conn,
		s:          s,
		neighbors:  make(map[string]*neighbor.Neighbor),
		views:      make(map[string]helloView),
		inactivity: make(map[string]*sched.DeadlineTimer),
		log:        obslog.For("ospf.iface").WithField("iface", cfg.Name),
	}
}

// Start begins Hello emission every HelloInterval.
func (i *Interface) Start() {
	i.sendHello()
	i.helloTimer = sched.NewIntervalTimer(i.s, time.Duration(i.cfg.HelloInterval)*time.Second, i.sendHello)
}

// Stop halts Hello emission and tears down every neighbor.
func (i *Interface) Stop() {
	if i.helloTimer != nil {
		i.helloTimer.Stop()
	}
	for id, n := range i.neighbors {
		n.HandleEvent(neighbor.EvKillNbr)
		i.purgeNeighbor(id)
	}
}

// Neighbors returns the current neighbor set, for the observable-state
// snapshot.
func (i *Interface) Neighbors() []*neighbor.Neighbor {
	out := make([]*neighbor.Neighbor, 0, len(i.neighbors))
	for _, n := range i.neighbors {
		out = append(out, n)
	}
	return out
}

// Name returns the configured interface name.
func (i *Interface) Name() string { return i.cfg.Name }

// Dropped returns the count of packets rejected before dispatch.
func (i *Interface) Dropped() uint64 { return i.dropped }

func (i *Interface) sendHello() {
	var ids []net.IP
	for _, n := range i.neighbors {
		ids = append(ids, n.RouterID)
	}
	h := codec.Hello{
		NetworkMask:        i.cfg.Mask,
		HelloInterval:      uint16(i.cfg.HelloInterval),
		RouterPriority:     i.cfg.Priority,
		RouterDeadInterval: uint32(i.cfg.DeadInterval),
		DesignatedRouter:   i.dr,
		BackupDR:           i.bdr,
		Neighbors:          ids,
	}
	_ = i.conn.SendTo(net.ParseIP(allSPFRouters), codec.EncodeHello(i.area.RouterID, i.area.AreaID, h))
}

const allSPFRouters = "224.0.0.5"

// HandlePacket decodes and dispatches one received OSPF packet. Runs on the
// scheduler thread.
func (i *Interface) HandlePacket(src net.IP, data []byte) {
	hdr, payload, err := codec.DecodeHeader(data)
	if err != nil {
		i.dropped++
		return
	}
	if hdr.AuthType != 0 || !hdr.AreaID.Equal(i.area.AreaID) || hdr.RouterID.Equal(i.area.RouterID) {
		i.dropped++
		return
	}

	switch hdr.Type {
	case codec.PacketHello:
		i.handleHello(hdr, src, payload)
	case codec.PacketDD:
		if n := i.neighborByID(hdr.RouterID); n != nil {
			dd, err := codec.DecodeDD(payload)
			if err != nil {
				i.dropped++
				return
			}
			n.ReceiveDD(dd)
		}
	case codec.PacketLSRequest:
		if n := i.neighborByID(hdr.RouterID); n != nil {
			keys, err := codec.DecodeLSRequest(payload)
			if err != nil {
				i.dropped++
				return
			}
			i.area.Flood.ReceiveLSRequest(n, keys)
		}
	case codec.PacketLSUpdate:
		if n := i.neighborByID(hdr.RouterID); n != nil {
			lsas, err := codec.DecodeLSUpdate(payload)
			if err != nil {
				i.dropped++
				return
			}
			i.area.Flood.ReceiveLSUpdate(n, lsas)
			i.area.notifyChange()
		}
	case codec.PacketLSAck:
		if n := i.neighborByID(hdr.RouterID); n != nil {
			headers, err := codec.DecodeLSAck(payload)
			if err != nil {
				i.dropped++
				return
			}
			i.area.Flood.ReceiveLSAck(n, headers)
		}
	default:
		i.dropped++
	}
}

func (i *Interface) handleHello(hdr codec.Header, src net.IP, payload []byte) {
	h, err := codec.DecodeHello(payload)
	if err != nil {
		i.dropped++
		return
	}
	// Hello-parameter mismatch rejects the neighbor silently.
	if int(h.HelloInterval) != i.cfg.HelloInterval || int(h.RouterDeadInterval) != i.cfg.DeadInterval {
		i.dropped++
		return
	}
	if i.cfg.NetworkType == neighbor.Broadcast && !bytes.Equal(h.NetworkMask, i.cfg.Mask) {
		i.dropped++
		return
	}

	id := hdr.RouterID.String()
	n, known := i.neighbors[id]
	if !known {
		n = i.newNeighbor(hdr.RouterID, src, h.RouterPriority)
	}
	i.views[id] = helloView{priority: h.RouterPriority, dr: h.DesignatedRouter, bdr: h.BackupDR, addr: src}

	n.ReceiveHello(h.Neighbors)

	if i.cfg.NetworkType == neighbor.Broadcast {
		i.runElection()
	}
}

func (i *Interface) newNeighbor(routerID, addr net.IP, priority uint8) *neighbor.Neighbor {
	acts := &neighborActions{iface: i, routerID: routerID.String(), addr: addr}
	n := neighbor.New(i.area.RouterID, routerID, addr, priority, i.cfg.NetworkType, acts)
	acts.nbr = n
	i.neighbors[routerID.String()] = n
	i.area.Flood.AddNeighbor(routerID.String(), n)
	return n
}

func (i *Interface) neighborByID(routerID net.IP) *neighbor.Neighbor {
	return i.neighbors[routerID.String()]
}

func (i *Interface) purgeNeighbor(id string) {
	if t, ok := i.inactivity[id]; ok {
		t.Stop()
		delete(i.inactivity, id)
	}
	delete(i.neighbors, id)
	delete(i.views, id)
	i.area.Flood.RemoveNeighbor(id)
}

// runElection performs the DR/BDR election of RFC 2328 §9.4 over this
// router and every at-least-2-Way neighbor with a nonzero priority: first
// the backup, from candidates not declaring themselves DR (preferring ones
// declaring themselves BDR), then the DR from candidates that do declare
// themselves DR, falling back to promoting the BDR. After the result,
// adjacency eligibility is recomputed for every neighbor.
func (i *Interface) runElection() {
	type candidate struct {
		addr     net.IP
		routerID net.IP
		priority uint8
		claimsDR bool
		claimsBD bool
	}

	var cands []candidate
	if i.cfg.Priority > 0 {
		cands = append(cands, candidate{
			addr:     i.cfg.Address,
			routerID: i.area.RouterID,
			priority: i.cfg.Priority,
			claimsDR: i.cfg.Address.Equal(i.dr),
			claimsBD: i.cfg.Address.Equal(i.bdr),
		})
	}
	for id, n := range i.neighbors {
		v := i.views[id]
		if !n.IsAtLeast2Way() || v.priority == 0 {
			continue
		}
		cands = append(cands, candidate{
			addr:     v.addr,
			routerID: n.RouterID,
			priority: v.priority,
			claimsDR: v.addr.Equal(v.dr),
			claimsBD: v.addr.Equal(v.bdr),
		})
	}

	higher := func(a, b candidate) bool {
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return ipU32(a.routerID) > ipU32(b.routerID)
	}
	pick := func(pool []candidate) (candidate, bool) {
		var w candidate
		found := false
		for _, c := range pool {
			if !found || higher(c, w) {
				w = c
				found = true
			}
		}
		return w, found
	}

	// Backup: non-DR-claimants, preferring explicit BDR claimants.
	var nonDR, bdClaim []candidate
	for _, c := range cands {
		if c.claimsDR {
			continue
		}
		nonDR = append(nonDR, c)
		if c.claimsBD {
			bdClaim = append(bdClaim, c)
		}
	}
	bdr, haveBDR := pick(bdClaim)
	if !haveBDR {
		bdr, haveBDR = pick(nonDR)
	}

	var drClaim []candidate
	for _, c := range cands {
		if c.claimsDR {
			drClaim = append(drClaim, c)
		}
	}
	dr, haveDR := pick(drClaim)
	if !haveDR {
		// No one claims DR: the backup is promoted and the backup role is
		// re-elected from the remaining candidates (RFC 2328 §9.4 step 3).
		dr, haveDR = bdr, haveBDR
		var rest []candidate
		for _, c := range nonDR {
			if haveDR && c.addr.Equal(dr.addr) {
				continue
			}
			rest = append(rest, c)
		}
		bdr, haveBDR = pick(rest)
	}

	wasDR := i.isSelfDR()
	if haveDR {
		i.dr = dr.addr
	} else {
		i.dr = nil
	}
	if haveBDR && !bdr.addr.Equal(i.dr) {
		i.bdr = bdr.addr
	} else {
		i.bdr = nil
	}

	i.recomputeEligibility()

	if i.isSelfDR() && !wasDR {
		i.area.OriginateNetworkLSA(i)
	}
}

func (i *Interface) isSelfDR() bool {
	return i.dr != nil && i.dr.Equal(i.cfg.Address)
}

// recomputeEligibility marks which neighbors this router must become
// adjacent to: on broadcast, adjacency forms only with or as the DR/BDR.
func (i *Interface) recomputeEligibility() {
	selfDesignated := i.isSelfDR() || (i.bdr != nil && i.bdr.Equal(i.cfg.Address))
	for id, n := range i.neighbors {
		v := i.views[id]
		eligible := selfDesignated || v.addr.Equal(i.dr) || v.addr.Equal(i.bdr)
		n.SetAdjacencyEligible(eligible)
		if eligible && n.State() == neighbor.TwoWay {
			n.HandleEvent(neighbor.EvAdjOK)
		}
	}
}

// routerLinks describes this interface in the Router LSA (RFC 2328
// §12.4.1): a point-to-point link plus stub per Full p2p neighbor, a
// transit link when attached to an elected DR's network, and the subnet as
// a stub otherwise.
func (i *Interface) routerLinks() []codec.RouterLink {
	var links []codec.RouterLink

	if i.cfg.NetworkType == neighbor.PointToPoint {
		for _, n := range i.neighbors {
			if n.IsFull() {
				links = append(links, codec.RouterLink{
					Type:     codec.LinkPointToPoint,
					LinkID:   n.RouterID,
					LinkData: i.cfg.Address,
					Metric:   i.cfg.Cost,
				})
			}
		}
		links = append(links, i.stubLink())
		return links
	}

	if i.dr != nil && i.hasFullNeighborOrIsDR() {
		links = append(links, codec.RouterLink{
			Type:     codec.LinkTransit,
			LinkID:   i.dr,
			LinkData: i.cfg.Address,
			Metric:   i.cfg.Cost,
		})
		return links
	}
	return append(links, i.stubLink())
}

func (i *Interface) stubLink() codec.RouterLink {
	network := i.cfg.Address.Mask(i.cfg.Mask)
	return codec.RouterLink{
		Type:     codec.LinkStub,
		LinkID:   network,
		LinkData: net.IP(i.cfg.Mask),
		Metric:   i.cfg.Cost,
	}
}

func (i *Interface) hasFullNeighborOrIsDR() bool {
	if i.isSelfDR() {
		return true
	}
	for _, n := range i.neighbors {
		if n.IsFull() {
			return true
		}
	}
	return false
}

// ConnectedPrefix returns this interface's subnet, which the agent offers
// to the installer as a Connected route.
func (i *Interface) ConnectedPrefix() (p route.Prefix, ok bool) {
	if i.cfg.Address == nil || i.cfg.Mask == nil {
		return p, false
	}
	return codec.Prefix(i.cfg.Address, i.cfg.Mask), true
}

// neighborActions adapts one neighbor's side-effect surface onto this
// interface's socket, timers, and the area's LSDB.
type neighborActions struct {
	iface    *Interface
	nbr      *neighbor.Neighbor
	routerID string
	addr     net.IP
}

func (a *neighborActions) StartInactivityTimer() {
	dead := time.Duration(a.iface.cfg.DeadInterval) * time.Second
	if t, ok := a.iface.inactivity[a.routerID]; ok {
		t.Reset(dead)
		return
	}
	a.iface.inactivity[a.routerID] = sched.NewDeadlineTimer(a.iface.s, dead, func() {
		if n, ok := a.iface.neighbors[a.routerID]; ok {
			n.HandleEvent(neighbor.EvInactivityTimer)
			a.iface.purgeNeighbor(a.routerID)
			a.iface.area.OriginateRouterLSA()
		}
	})
}

func (a *neighborActions) StopInactivityTimer() {
	if t, ok := a.iface.inactivity[a.routerID]; ok {
		t.Stop()
		delete(a.iface.inactivity, a.routerID)
	}
}

func (a *neighborActions) SendDD(dd codec.DatabaseDescription) {
	_ = a.iface.conn.SendTo(a.addr, codec.EncodeDD(a.iface.area.RouterID, a.iface.area.AreaID, dd))
}

func (a *neighborActions) SendLSRequest(keys []codec.LSAKey) {
	_ = a.iface.conn.SendTo(a.addr, codec.EncodeLSRequest(a.iface.area.RouterID, a.iface.area.AreaID, keys))
}

func (a *neighborActions) DatabaseSummary() []codec.LSAHeader {
	return a.iface.area.DB.Headers()
}

func (a *neighborActions) LookupLSA(key codec.LSAKey) (codec.LSAHeader, bool) {
	lsa, ok := a.iface.area.DB.Get(key)
	return lsa.Header, ok
}

func (a *neighborActions) OnAdjacencyDown() {
	a.iface.area.OriginateRouterLSA()
}

func (a *neighborActions) OnFull() {
	a.iface.area.OriginateRouterLSA()
	if a.iface.isSelfDR() {
		a.iface.area.OriginateNetworkLSA(a.iface)
	}
	a.iface.area.notifyChange()
}

func ipU32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}
