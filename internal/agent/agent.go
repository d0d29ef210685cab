// Package agent is the composition root: it turns one rconfig.Config into
// running BGP sessions, OSPF interfaces, the shared decision process, and
// the cross-protocol installer, all mutated from one scheduler thread so
// protocol state never needs a lock.
package agent

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"routeragent/internal/bgp/advanced"
	"routeragent/internal/bgp/decision"
	"routeragent/internal/bgp/fsm"
	"routeragent/internal/bgp/policy"
	breflect "routeragent/internal/bgp/reflect"
	"routeragent/internal/bgp/rib"
	"routeragent/internal/bgp/session"
	"routeragent/internal/installer"
	"routeragent/internal/kernelfib"
	"routeragent/internal/obslog"
	"routeragent/internal/ospf/lsdb"
	"routeragent/internal/ospf/neighbor"
	"routeragent/internal/ospf/spf"
	otransport "routeragent/internal/ospf/transport"
	"routeragent/internal/rawip"
	"routeragent/internal/rconfig"
	"routeragent/internal/route"
	"routeragent/internal/sched"
)

const (
	decisionDebounce = 200 * time.Millisecond
	spfDebounce      = 200 * time.Millisecond
)

// Agent is the whole routing agent.
type Agent struct {
	cfg      *rconfig.Config
	routerID net.IP

	s *sched.Scheduler

	// BGP
	locRIB    *rib.LocRIB
	policies  *policy.Engine
	reflector *breflect.Reflector
	sessions  map[string]*session.Session // keyed by peer IP string

	damper *advanced.FlapDamper
	rpki   *advanced.RPKIValidator
	gr     *advanced.GracefulRestartManager

	pending     map[route.Prefix]struct{}
	decisionDeb *sched.Debouncer

	// OSPF
	db      *lsdb.Database
	area    *otransport.Area
	ifaces  []*ospfInterface
	spfDeb  *sched.Debouncer
	spfRows map[route.Prefix]spf.Row

	ins *installer.Installer

	listener net.Listener
	timers   []*sched.IntervalTimer

	log *logrus.Entry
}

type ospfInterface struct {
	ifc  *otransport.Interface
	conn *rawip.Conn
}

// New wires an Agent from configuration. The kernel backend is injected so
// tests (and dry runs) can substitute a fake for the netlink surface.
func New(cfg *rconfig.Config, fib kernelfib.Backend) (*Agent, error) {
	routerID := net.ParseIP(cfg.RouterID)
	if routerID == nil {
		return nil, fmt.Errorf("agent: invalid router-id %q", cfg.RouterID)
	}

	a := &Agent{
		cfg:      cfg,
		routerID: routerID,
		s:        sched.New(512),
		locRIB:   rib.NewLocRIB(),
		policies: policy.NewEngine(),
		sessions: make(map[string]*session.Session),
		gr:       advanced.NewGracefulRestartManager(),
		pending:  make(map[route.Prefix]struct{}),
		db:       lsdb.New(),
		spfRows:  make(map[route.Prefix]spf.Row),
		ins:      installer.New(fib),
		log:      obslog.For("agent"),
	}
	a.s.OnPanic(func(r any) {
		a.log.Errorf("scheduler task panicked: %v", r)
	})

	if cfg.BGP.FlapDamping.Enabled {
		dc := advanced.DefaultFlapDampingConfig()
		if cfg.BGP.FlapDamping.SuppressThresh > 0 {
			dc.SuppressThreshold = cfg.BGP.FlapDamping.SuppressThresh
		}
		if cfg.BGP.FlapDamping.ReuseThresh > 0 {
			dc.ReuseThreshold = cfg.BGP.FlapDamping.ReuseThresh
		}
		if cfg.BGP.FlapDamping.HalfLifeSeconds > 0 {
			dc.HalfLife = time.Duration(cfg.BGP.FlapDamping.HalfLifeSeconds) * time.Second
		}
		a.damper = advanced.NewFlapDamper(dc, time.Now)
	}
	if cfg.BGP.RPKI.Enabled {
		a.rpki = advanced.NewRPKIValidator()
	}

	if cfg.BGP.Reflector.Enabled {
		clusterIP := net.ParseIP(cfg.BGP.Reflector.ClusterID)
		if clusterIP == nil {
			clusterIP = routerID
		}
		a.reflector = breflect.New(ipU32(clusterIP), routerID)
	}

	for _, pc := range cfg.BGP.Peers {
		a.addPeer(pc)
	}

	a.area = otransport.NewArea(routerID, parseAreaID(cfg.OSPF.AreaID), a.db)
	a.area.OnLSDBChange = func() { a.spfDeb.Trigger() }

	a.decisionDeb = sched.NewDebouncer(a.s, decisionDebounce, a.runDecision)
	a.spfDeb = sched.NewDebouncer(a.s, spfDebounce, a.runSPF)
	return a, nil
}

func parseAreaID(s string) net.IP {
	if ip := net.ParseIP(s); ip != nil {
		return ip
	}
	return net.IPv4zero
}

func (a *Agent) addPeer(pc rconfig.BGPPeerConfig) {
	scfg := session.Config{
		PeerIP:      net.ParseIP(pc.PeerIP),
		PeerASN:     pc.PeerASN,
		LocalASN:    a.cfg.BGP.LocalASN,
		RouterID:    a.routerID,
		HoldTime:    uint16(pc.HoldTime),
		Passive:     pc.Passive,
		Client:      pc.Client,
		MultihopTTL: pc.MultihopTTL,
	}
	if a.cfg.BGP.GracefulRestart.Enabled {
		scfg.GRRestartTime = uint16(a.cfg.BGP.GracefulRestart.RestartTimeSecond)
	}

	var sess *session.Session
	hooks := session.Hooks{
		OnAdjRIBInChanged: func(p route.Prefix) { a.onAdjRIBInChanged(sess, p) },
		OnSessionUp: func() {
			a.gr.PeerSessionUp(sess.Config().PeerIP.String(), sess.PeerGracefulRestartTime() > 0)
		},
		OnSessionDown: func() bool { return a.onSessionDown(sess) },
	}
	sess = session.New(a.s, a.locRIB, a.policies, scfg, hooks)
	sess.Reflector = a.reflector
	a.sessions[pc.PeerIP] = sess

	if a.reflector != nil && pc.PeerASN == a.cfg.BGP.LocalASN {
		if pc.Client {
			a.reflector.AddClient(pc.PeerIP)
		} else {
			a.reflector.AddNonClient(pc.PeerIP)
		}
	}
}

// Start brings the agent up: scheduler loop, kernel reconciliation, peer
// sessions, the inbound BGP listener, and the OSPF interfaces.
func (a *Agent) Start() error {
	go a.s.Run()

	a.s.Dispatch(func() {
		if err := a.ins.Reconcile(); err != nil {
			a.log.WithError(err).Warn("kernel reconciliation failed")
		}
	})

	a.startListener()

	a.s.Dispatch(func() {
		for _, sess := range a.sessions {
			sess.Start()
		}
	})

	if err := a.startOSPF(); err != nil {
		a.log.WithError(err).Warn("ospf startup incomplete")
	}

	// 1 Hz LSA aging; SPF re-runs only when aging actually removed
	// something.
	a.timers = append(a.timers, sched.NewIntervalTimer(a.s, time.Second, func() {
		before := a.db.Size()
		a.db.Age(time.Second)
		if a.db.Size() != before {
			a.spfDeb.Trigger()
		}
	}))
	// 5 s LSA retransmission sweep.
	a.timers = append(a.timers, sched.NewIntervalTimer(a.s, 5*time.Second, func() {
		a.area.Flood.RetransmitTick()
	}))
	return nil
}

// Stop tears the agent down.
func (a *Agent) Stop() {
	if a.listener != nil {
		a.listener.Close()
	}
	for _, t := range a.timers {
		t.Stop()
	}
	for _, oi := range a.ifaces {
		oi.ifc.Stop()
		if oi.conn != nil {
			oi.conn.Close()
		}
	}
	a.s.Stop()
}

// startListener accepts inbound BGP connections and hands each to the
// session configured for the remote address; unknown sources are dropped.
func (a *Agent) startListener() {
	ln, err := net.Listen("tcp", ":179")
	if err != nil {
		a.log.WithError(err).Warn("bgp listener unavailable; passive peers will not come up")
		return
	}
	a.listener = ln
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
			if err != nil {
				nc.Close()
				continue
			}
			a.s.Dispatch(func() {
				sess, ok := a.sessions[host]
				if !ok {
					a.log.Warnf("rejecting bgp connection from unconfigured peer %s", host)
					nc.Close()
					return
				}
				sess.AcceptInbound(nc)
			})
		}
	}()
}

func (a *Agent) startOSPF() error {
	var firstErr error
	for _, ic := range a.cfg.OSPF.Interfaces {
		ifi, err := net.InterfaceByName(ic.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("interface %s: %w", ic.Name, err)
			}
			continue
		}
		addr, mask, ok := interfaceIPv4(ifi)
		if !ok {
			continue
		}
		conn, err := rawip.Listen(ifi)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		networkType := neighborNetworkType(ifi)
		ifc := otransport.New(a.s, conn, otransport.Config{
			Name:          ic.Name,
			Address:       addr,
			Mask:          mask,
			HelloInterval: ic.HelloInterval,
			DeadInterval:  ic.DeadInterval,
			Priority:      ic.Priority,
			Cost:          10,
			NetworkType:   networkType,
		})
		a.area.AddInterface(ifc)
		oi := &ospfInterface{ifc: ifc, conn: conn}
		a.ifaces = append(a.ifaces, oi)

		// The interface's own subnet is a Connected route.
		if p, ok := ifc.ConnectedPrefix(); ok {
			entry := route.SinkEntry{Prefix: p, Source: route.SourceConnected, Interface: ic.Name}
			a.s.Dispatch(func() { a.ins.Offer(entry) })
		}

		go a.readLoop(oi)
		a.s.Dispatch(func() { ifc.Start() })
	}
	a.s.Dispatch(func() { a.area.OriginateRouterLSA() })
	return firstErr
}

func (a *Agent) readLoop(oi *ospfInterface) {
	buf := make([]byte, 65535)
	for {
		src, payload, err := oi.conn.Recv(buf)
		if err != nil {
			return
		}
		pkt := append([]byte(nil), payload...)
		from := append(net.IP(nil), src...)
		a.s.Dispatch(func() { oi.ifc.HandlePacket(from, pkt) })
	}
}

// --- decision process ---

func (a *Agent) onAdjRIBInChanged(sess *session.Session, p route.Prefix) {
	_, present := sess.AdjIn.Get(p)
	if a.damper != nil {
		if present {
			a.damper.RouteAnnounced(p.String(), true)
		} else {
			a.damper.RouteWithdrawn(p.String())
		}
	}
	if present {
		a.gr.RouteRefreshed(sess.Config().PeerIP.String(), p)
	}
	a.pending[p] = struct{}{}
	a.decisionDeb.Trigger()
}

func (a *Agent) onSessionDown(sess *session.Session) bool {
	if !a.cfg.BGP.GracefulRestart.Enabled {
		return false
	}
	restart := sess.PeerGracefulRestartTime()
	if restart == 0 {
		// The peer-advertised restart time is authoritative; the 120 s
		// default applies only when the capability was absent.
		restart = advanced.DefaultRestartTimeSeconds
	}
	peerIP := sess.Config().PeerIP.String()
	prefixes := make([]route.Prefix, 0, sess.AdjIn.Size())
	for _, r := range sess.AdjIn.All() {
		prefixes = append(prefixes, r.Prefix)
	}
	a.gr.PeerSessionDown(peerIP, prefixes)
	sched.NewDeadlineTimer(a.s, time.Duration(restart)*time.Second, func() {
		a.gr.ExpireRestartWindow(peerIP)
		sess.DropStaleRoutes()
	})
	return true
}

// runDecision is the serializing point of the BGP pipeline: for every pending
// prefix it gathers candidates across all Adj-RIB-Ins, filters them, runs
// the nine-step comparison, and propagates the winner to the Loc-RIB, the
// Adj-RIB-Outs, and the installer. Runs on the scheduler thread.
func (a *Agent) runDecision() {
	pending := a.pending
	a.pending = make(map[route.Prefix]struct{})

	for p := range pending {
		a.decideOne(p)
	}
}

func (a *Agent) decideOne(p route.Prefix) {
	if a.damper != nil && a.damper.IsSuppressed(p.String()) {
		a.withdrawBest(p)
		return
	}

	var candidates []rib.Route
	for _, sess := range a.sessions {
		r, ok := sess.AdjIn.Get(p)
		if !ok {
			continue
		}
		if a.rpki != nil {
			r.Validation = a.rpki.Validate(p, originASN(r))
			if r.Validation == rib.ValidationInvalid && a.cfg.BGP.RPKI.RejectInvalid {
				continue
			}
		}
		candidates = append(candidates, r)
	}

	best, ok := decision.Select(candidates, a)
	if !ok {
		a.withdrawBest(p)
		return
	}

	prev, had := a.locRIB.Get(p)
	if had && sameRoute(prev, best) {
		return
	}
	a.locRIB.Set(best)
	for _, sess := range a.sessions {
		if sess.State() == fsm.Established {
			sess.AdvertiseChange(p, best, true)
		}
	}
	a.ins.Offer(route.SinkEntry{
		Prefix:       p,
		Source:       route.SourceBGP,
		NextHop:      best.Attrs.NextHop,
		MetricTiebrk: 0,
		InstallToken: best.PeerID,
	})
}

func (a *Agent) withdrawBest(p route.Prefix) {
	if _, had := a.locRIB.Get(p); !had {
		return
	}
	a.locRIB.Remove(p)
	for _, sess := range a.sessions {
		sess.AdvertiseChange(p, rib.Route{}, false)
	}
	a.ins.Withdraw(p, route.SourceBGP)
}

// Resolve implements decision.NextHopResolver against the host routing
// view this agent holds: configured peering addresses are reachable by
// construction, OSPF-computed destinations carry their SPF cost, and
// connected interface subnets cost nothing.
func (a *Agent) Resolve(nextHop net.IP) (bool, uint32, bool) {
	if nextHop == nil {
		return false, 0, false
	}
	for _, oi := range a.ifaces {
		if p, ok := oi.ifc.ConnectedPrefix(); ok && p.IPNet().Contains(nextHop) {
			return true, 0, true
		}
	}
	for p, row := range a.spfRows {
		if p.IPNet().Contains(nextHop) {
			return true, row.Cost, true
		}
	}
	for _, sess := range a.sessions {
		if sess.Config().PeerIP.Equal(nextHop) {
			return true, 0, false
		}
	}
	return false, 0, false
}

// --- SPF ---

// runSPF recomputes the OSPF routing table and diffs it into the
// installer; IGP cost changes also re-rank BGP candidates (step (f)), so
// every known prefix goes back through the decision process.
func (a *Agent) runSPF() {
	rows := spf.Compute(a.routerID, a.db)

	next := make(map[route.Prefix]spf.Row, len(rows))
	for _, r := range rows {
		if r.NextHop == nil {
			continue // directly attached; covered by the Connected offer
		}
		// The same subnet can appear as a stub from both ends of a link;
		// keep the cheapest path.
		if prev, ok := next[r.Prefix]; ok && prev.Cost <= r.Cost {
			continue
		}
		next[r.Prefix] = r
	}

	for p, row := range next {
		prev, had := a.spfRows[p]
		if had && prev.Cost == row.Cost && prev.NextHop.Equal(row.NextHop) {
			continue
		}
		a.ins.Offer(route.SinkEntry{
			Prefix:       p,
			Source:       route.SourceOSPF,
			NextHop:      row.NextHop,
			MetricTiebrk: row.Cost,
		})
	}
	for p := range a.spfRows {
		if _, still := next[p]; !still {
			a.ins.Withdraw(p, route.SourceOSPF)
		}
	}
	a.spfRows = next

	for _, sess := range a.sessions {
		for _, r := range sess.AdjIn.All() {
			a.pending[r.Prefix] = struct{}{}
		}
	}
	if len(a.pending) > 0 {
		a.decisionDeb.Trigger()
	}
}

// --- helpers ---

func sameRoute(a, b rib.Route) bool {
	return a.PeerID == b.PeerID &&
		a.ReceiveTime.Equal(b.ReceiveTime) &&
		a.Attrs.NextHop.Equal(b.Attrs.NextHop) &&
		a.Attrs.ASPathLength() == b.Attrs.ASPathLength()
}

// originASN is the last AS in AS_PATH: the origin of the announcement, the
// AS an RPKI ROA authorizes.
func originASN(r rib.Route) uint32 {
	if len(r.Attrs.ASPath) == 0 {
		return 0
	}
	last := r.Attrs.ASPath[len(r.Attrs.ASPath)-1]
	if len(last.ASNs) == 0 {
		return 0
	}
	return last.ASNs[len(last.ASNs)-1]
}

func ipU32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func interfaceIPv4(ifi *net.Interface) (net.IP, net.IPMask, bool) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, nil, false
	}
	for _, addr := range addrs {
		if ipn, ok := addr.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4, ipn.Mask, true
			}
		}
	}
	return nil, nil, false
}

func neighborNetworkType(ifi *net.Interface) neighbor.NetworkType {
	if ifi.Flags&net.FlagPointToPoint != 0 {
		return neighbor.PointToPoint
	}
	return neighbor.Broadcast
}
