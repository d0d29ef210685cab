// Package session wires one BGP peer's FSM to a real TCP connection,
// implementing fsm.Actions: capability negotiation, hold-time
// enforcement, RFC 7606 treat-as-withdraw dispatch, and the RIB/policy
// wiring around UPDATE handling. Decoded messages are dispatched back
// onto the single scheduler thread; the reader goroutine never mutates
// protocol state directly.
package session

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"routeragent/internal/bgp/codec"
	"routeragent/internal/bgp/fsm"
	"routeragent/internal/bgp/policy"
	"routeragent/internal/bgp/reflect"
	"routeragent/internal/bgp/rib"
	"routeragent/internal/bgp/transport"
	"routeragent/internal/obslog"
	"routeragent/internal/route"
	"routeragent/internal/sched"
)

const connectRetrySeconds = 30

// Config is one peer's static configuration.
type Config struct {
	PeerIP      net.IP
	PeerASN     uint32
	LocalASN    uint32
	RouterID    net.IP
	HoldTime    uint16
	Passive     bool
	Client      bool
	MultihopTTL uint8

	// GRRestartTime, when nonzero, advertises the Graceful-Restart
	// capability with this restart time in the OPEN.
	GRRestartTime uint16
}

func (c Config) isEBGP() bool { return c.PeerASN != c.LocalASN }

func (c Config) peerID() string { return c.PeerIP.String() }

// Hooks lets the owning agent observe RIB changes and route the decision
// process and installer without session importing either package.
type Hooks struct {
	// OnAdjRIBInChanged is called whenever Adj-RIB-In for this session
	// gains, loses, or replaces an entry; the agent debounces calls into a
	// decision-process run.
	OnAdjRIBInChanged func(prefix route.Prefix)

	// OnSessionUp is called on each transition into Established, after
	// capability negotiation but before the initial advertisement pass.
	OnSessionUp func()

	// OnSessionDown is consulted when the session leaves Established.
	// Returning true means graceful-restart helper mode applies: the
	// Adj-RIB-In survives with every entry marked stale instead of being
	// purged. The agent owns the restart-window timer that later drops
	// whatever the peer never refreshed.
	OnSessionDown func() (holdStale bool)
}

// Counters is the per-peer message counter set exposed through the
// observable-state snapshot.
type Counters struct {
	OpenSent         uint64
	OpenRecv         uint64
	UpdateSent       uint64
	UpdateRecv       uint64
	KeepaliveSent    uint64
	KeepaliveRecv    uint64
	NotificationSent uint64
	NotificationRecv uint64
	RouteRefreshRecv uint64
	DecodeErrors     uint64
}

// Session owns one peer's TCP connection and FSM.
type Session struct {
	cfg   Config
	hooks Hooks

	s    *sched.Scheduler
	fsm  *fsm.FSM
	conn *transport.Conn

	AdjIn  *rib.AdjRIBIn
	AdjOut *rib.AdjRIBOut
	LocRIB *rib.LocRIB // shared across all sessions; never mutated here directly

	Policy    *policy.Engine
	Reflector *reflect.Reflector // nil if this speaker is not a route reflector

	connRetryTimer *sched.DeadlineTimer
	holdTimer      *sched.DeadlineTimer
	kaTimer        *sched.DeadlineTimer

	negotiatedHold uint16
	localOpenSent  codec.Open

	// learned from the peer's OPEN
	peerIdentifier    uint32
	peerBGPID         net.IP
	peerCaps          []codec.Capability
	peerRouteRefresh  bool
	peerFourOctetAS   bool
	peerGRRestartTime uint16 // 0 when the capability was absent

	counters Counters

	log *logrus.Entry

	generation int // bumped on every new TCP connection, to fence stale read-loop goroutines
}

// New constructs a Session in Idle for the given peer, wired to the shared
// Loc-RIB and the scheduler that will run its timers and message handling.
func New(s *sched.Scheduler, locRIB *rib.LocRIB, pol *policy.Engine, cfg Config, hooks Hooks) *Session {
	sess := &Session{
		cfg:    cfg,
		hooks:  hooks,
		s:      s,
		AdjIn:  rib.NewAdjRIBIn(),
		AdjOut: rib.NewAdjRIBOut(),
		LocRIB: locRIB,
		Policy: pol,
		log:    obslog.ForPeer(cfg.peerID()),
	}
	sess.fsm = fsm.New(cfg.peerID(), sess)
	return sess
}

// Start feeds ManualStart into the FSM, which (if the peer is active, not
// passive) begins connection attempts.
func (sess *Session) Start() {
	if sess.cfg.Passive {
		return
	}
	sess.fsm.HandleEvent(fsm.EvManualStart)
}

// AcceptInbound is called by the listener when an inbound TCP connection
// arrives from this peer's address. If a connection already exists, this is
// a connection collision: the side whose BGP-Identifier is numerically
// smaller closes its connection, so we keep the inbound only
// when the peer's identifier beats ours.
func (sess *Session) AcceptInbound(nc net.Conn) {
	if sess.conn != nil {
		if ipToIdentifier(sess.cfg.RouterID) >= sess.peerIdentifier {
			nc.Close()
			return
		}
		sess.CloseTCP()
	}
	sess.generation++
	sess.conn = transport.Accept(sess.cfg.peerID(), nc)
	sess.fsm.HandleEvent(fsm.EvManualStart)
	sess.fsm.HandleEvent(fsm.EvTcpConnectionConfirmed)
}

// State reports the current FSM state, for the observable-state snapshot.
func (sess *Session) State() fsm.State { return sess.fsm.State() }

// Stats returns a copy of the per-peer message counters.
func (sess *Session) Stats() Counters { return sess.counters }

// PeerGracefulRestartTime returns the restart time the peer advertised in
// its Graceful-Restart capability, or 0 if the capability was absent.
func (sess *Session) PeerGracefulRestartTime() uint16 { return sess.peerGRRestartTime }

// PeerSupportsRouteRefresh reports whether the peer echoed the
// Route-Refresh capability in its OPEN.
func (sess *Session) PeerSupportsRouteRefresh() bool { return sess.peerRouteRefresh }

// Config returns the session's static configuration.
func (sess *Session) Config() Config { return sess.cfg }

// --- fsm.Actions ---

func (sess *Session) StartConnectRetryTimer() {
	sess.connRetryTimer = sched.NewDeadlineTimer(sess.s, connectRetrySeconds*time.Second, func() {
		sess.fsm.HandleEvent(fsm.EvConnectRetryTimerExpires)
	})
}

func (sess *Session) StopConnectRetryTimer() {
	if sess.connRetryTimer != nil {
		sess.connRetryTimer.Stop()
	}
}

func (sess *Session) InitiateTCP() {
	gen := sess.generation
	go func() {
		conn, err := transport.Dial(context.Background(), sess.cfg.peerID(), sess.cfg.PeerIP)
		sess.s.Dispatch(func() {
			if gen != sess.generation {
				return // a newer connection attempt superseded this one
			}
			if err != nil {
				sess.fsm.HandleEvent(fsm.EvTcpConnectionFails)
				return
			}
			sess.conn = conn
			sess.fsm.HandleEvent(fsm.EvTcpConnectionConfirmed)
		})
	}()
}

func (sess *Session) CloseTCP() {
	sess.generation++
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
}

func (sess *Session) SendOpen() {
	caps := []codec.Capability{
		codec.EncodeMultiprotocolCapability(codec.AFIIPv4, codec.SAFIUnicast),
		codec.EncodeMultiprotocolCapability(codec.AFIIPv6, codec.SAFIUnicast),
		codec.EncodeRouteRefreshCapability(),
		codec.EncodeFourOctetASCapability(sess.cfg.LocalASN),
	}
	if sess.cfg.GRRestartTime > 0 {
		caps = append(caps, codec.EncodeGracefulRestartCapability(sess.cfg.GRRestartTime))
	}
	open := codec.Open{
		Version:      codec.Version,
		MyASN:        capASN16(sess.cfg.LocalASN),
		HoldTime:     sess.cfg.HoldTime,
		BGPID:        sess.cfg.RouterID,
		Capabilities: caps,
	}
	sess.localOpenSent = open
	if sess.conn != nil {
		_ = sess.conn.Send(codec.EncodeOpen(open))
		sess.counters.OpenSent++
	}
	sess.startReadLoop()
}

// capASN16 truncates to the 2-byte OPEN ASN field (RFC 6793: use AS_TRANS
// 23456 when the real ASN needs 4 octets; the real ASN travels in the
// 4-octet-AS capability instead).
func capASN16(asn uint32) uint16 {
	if asn > 0xffff {
		return 23456
	}
	return uint16(asn)
}

func (sess *Session) SendKeepalive() {
	if sess.conn != nil {
		_ = sess.conn.Send(codec.EncodeKeepalive())
		sess.counters.KeepaliveSent++
	}
}

func (sess *Session) SendNotification(errCode, errSubcode uint8) {
	if sess.conn != nil {
		_ = sess.conn.Send(codec.EncodeNotification(codec.Notification{ErrorCode: errCode, ErrorSubcode: errSubcode}))
		sess.counters.NotificationSent++
	}
}

func (sess *Session) StartHold(seconds uint16) {
	if sess.holdTimer != nil {
		sess.holdTimer.Stop()
		sess.holdTimer = nil
	}
	if seconds == 0 {
		return // hold-time 0 negotiated: no Hold timer runs
	}
	sess.holdTimer = sched.NewDeadlineTimer(sess.s, time.Duration(seconds)*time.Second, func() {
		sess.fsm.HandleEvent(fsm.EvHoldTimerExpires)
	})
}

func (sess *Session) StopHold() {
	if sess.holdTimer != nil {
		sess.holdTimer.Stop()
		sess.holdTimer = nil
	}
}

func (sess *Session) StartKeepaliveTimer(seconds uint16) {
	if sess.kaTimer != nil {
		sess.kaTimer.Stop()
	}
	if seconds == 0 {
		return
	}
	sess.kaTimer = sched.NewDeadlineTimer(sess.s, time.Duration(seconds)*time.Second, func() {
		sess.fsm.HandleEvent(fsm.EvKeepaliveTimerExpires)
	})
}

func (sess *Session) StopKeepaliveTimer() {
	if sess.kaTimer != nil {
		sess.kaTimer.Stop()
		sess.kaTimer = nil
	}
}

func (sess *Session) PurgeAdjRIBIn() {
	if sess.hooks.OnSessionDown != nil && sess.hooks.OnSessionDown() {
		// Graceful-restart helper mode: hold the peer's routes, marked
		// stale, until the restart window the agent runs expires or the
		// peer re-announces them.
		sess.AdjIn.MarkAllStale()
		return
	}
	withdrawn := sess.AdjIn.All()
	sess.AdjIn.Clear()
	for _, r := range withdrawn {
		if sess.hooks.OnAdjRIBInChanged != nil {
			sess.hooks.OnAdjRIBInChanged(r.Prefix)
		}
	}
}

// DropStaleRoutes removes every still-stale Adj-RIB-In entry (the
// graceful-restart window expired) and reports each removal to the agent.
func (sess *Session) DropStaleRoutes() {
	for _, p := range sess.AdjIn.DropStale() {
		sess.notifyChanged(p)
	}
}

func (sess *Session) OnEstablished() {
	sess.log.Infof("bgp session established")
	if sess.hooks.OnSessionUp != nil {
		sess.hooks.OnSessionUp()
	}
	sess.advertiseInitial()
}

// --- message handling ---

func (sess *Session) startReadLoop() {
	conn := sess.conn
	gen := sess.generation
	go func() {
		for {
			hdr, payload, err := conn.ReadMessage()
			if err != nil {
				sess.s.Dispatch(func() {
					if gen != sess.generation {
						return
					}
					sess.fsm.HandleEvent(fsm.EvTcpConnectionFails)
				})
				return
			}
			sess.s.Dispatch(func() {
				if gen != sess.generation {
					return
				}
				sess.handleMessage(hdr, payload)
			})
		}
	}()
}

func (sess *Session) handleMessage(hdr codec.Header, payload []byte) {
	// Any inbound message restarts the hold clock while Established.
	if sess.fsm.State() == fsm.Established && sess.negotiatedHold > 0 && sess.holdTimer != nil {
		sess.holdTimer.Reset(time.Duration(sess.negotiatedHold) * time.Second)
	}
	switch hdr.Type {
	case codec.MsgOpen:
		sess.counters.OpenRecv++
		sess.handleOpen(payload)
	case codec.MsgKeepalive:
		sess.counters.KeepaliveRecv++
		sess.fsm.HandleEvent(fsm.EvKeepaliveMsg)
	case codec.MsgUpdate:
		sess.counters.UpdateRecv++
		sess.handleUpdate(payload)
	case codec.MsgNotification:
		sess.counters.NotificationRecv++
		sess.fsm.HandleEvent(fsm.EvNotifMsg)
	case codec.MsgRouteRefresh:
		// RFC 2918: re-export this peer's Adj-RIB-Out from the Loc-RIB.
		sess.counters.RouteRefreshRecv++
		sess.advertiseInitial()
	}
}

func (sess *Session) handleOpen(payload []byte) {
	open, err := codec.DecodeOpen(payload)
	if err != nil {
		sess.counters.DecodeErrors++
		var cerr *codec.Error
		if ok := asCodecErr(err, &cerr); ok {
			sess.SendNotification(cerr.Code, cerr.Subcode)
		}
		sess.fsm.HandleEvent(fsm.EvBGPOpenMsgErr)
		return
	}
	if !sess.openASNMatches(open) {
		sess.SendNotification(codec.ErrOpenMessage, codec.SubBadPeerAS)
		sess.fsm.HandleEvent(fsm.EvBGPOpenMsgErr)
		return
	}
	sess.peerIdentifier = ipToIdentifier(open.BGPID)
	sess.peerBGPID = open.BGPID
	sess.recordPeerCapabilities(open.Capabilities)

	negotiated := open.HoldTime
	if sess.cfg.HoldTime < negotiated {
		negotiated = sess.cfg.HoldTime
	}
	sess.negotiatedHold = negotiated
	sess.fsm.NegotiateHoldTime(negotiated)
	sess.fsm.HandleEvent(fsm.EvBGPOpen)
}

// openASNMatches validates the peer's claimed AS against configuration: the
// 2-octet field must carry the configured ASN, or AS_TRANS when the real
// ASN travels in the 4-octet-AS capability (RFC 6793).
func (sess *Session) openASNMatches(open codec.Open) bool {
	if uint32(open.MyASN) == sess.cfg.PeerASN {
		return true
	}
	if open.MyASN != 23456 {
		return false
	}
	for _, c := range open.Capabilities {
		if c.Code == codec.CapFourOctetAS && len(c.Value) == 4 {
			return binary.BigEndian.Uint32(c.Value) == sess.cfg.PeerASN
		}
	}
	return false
}

// recordPeerCapabilities keeps the peer's capability set; a capability we
// sent that the peer did not echo is considered un-negotiated.
func (sess *Session) recordPeerCapabilities(caps []codec.Capability) {
	sess.peerCaps = caps
	sess.peerRouteRefresh = false
	sess.peerFourOctetAS = false
	sess.peerGRRestartTime = 0
	for _, c := range caps {
		switch c.Code {
		case codec.CapRouteRefresh:
			sess.peerRouteRefresh = true
		case codec.CapFourOctetAS:
			sess.peerFourOctetAS = true
		case codec.CapGracefulRestart:
			if t, ok := c.GracefulRestartTime(); ok {
				sess.peerGRRestartTime = t
			}
		}
	}
}

func asCodecErr(err error, out **codec.Error) bool {
	ce, ok := err.(*codec.Error)
	if ok {
		*out = ce
	}
	return ok
}

func (sess *Session) handleUpdate(payload []byte) {
	update, err := codec.DecodeUpdate(payload)
	if err != nil {
		sess.counters.DecodeErrors++
		var cerr *codec.Error
		if asCodecErr(err, &cerr) && cerr.Kind == codec.KindTreatAsWithdraw {
			// RFC 7606: drop the NLRI, keep the session.
			for _, p := range update.NLRI {
				sess.withdrawPrefix(p)
			}
			return
		}
		if asCodecErr(err, &cerr) {
			sess.SendNotification(cerr.Code, cerr.Subcode)
		}
		sess.fsm.HandleEvent(fsm.EvUpdateMsgErr)
		return
	}
	sess.fsm.HandleEvent(fsm.EvUpdateMsg)

	if update.IsEndOfRIBMarker() {
		// RFC 4724: an empty UPDATE after restart means the peer finished
		// re-announcing; whatever is still stale never came back.
		sess.DropStaleRoutes()
		return
	}

	for _, p := range update.WithdrawnRoutes {
		sess.withdrawPrefix(p)
	}
	if update.Attrs.MPUnreachNLRI != nil {
		for _, p := range update.Attrs.MPUnreachNLRI.NLRI {
			sess.withdrawPrefix(p)
		}
	}

	nlri := update.NLRI
	if update.Attrs.MPReachNLRI != nil {
		nlri = append(append([]route.Prefix{}, nlri...), update.Attrs.MPReachNLRI.NLRI...)
	}
	for _, p := range nlri {
		sess.announcePrefix(p, update.Attrs)
	}
}

func (sess *Session) withdrawPrefix(p route.Prefix) {
	if sess.AdjIn.Withdraw(p) {
		sess.notifyChanged(p)
	}
}

func (sess *Session) announcePrefix(p route.Prefix, attrs codec.Attrs) {
	// Reflection loop prevention on import: a route carrying our own
	// ORIGINATOR_ID or cluster-id already went through us.
	if sess.Reflector != nil && sess.Reflector.IsLooped(attrs) {
		sess.withdrawPrefix(p)
		return
	}
	r := rib.Route{
		Prefix:         p,
		Attrs:          attrs,
		PeerID:         sess.cfg.peerID(),
		PeerIP:         sess.cfg.PeerIP,
		PeerBGPID:      sess.peerBGPID,
		ReceiveTime:    time.Now(),
		PeerIsEBGP:     sess.cfg.isEBGP(),
		PeerIdentifier: sess.peerIdentifier,
	}
	filtered, accepted := sess.Policy.ApplyImport(sess.cfg.peerID(), r)
	if !accepted {
		sess.AdjIn.Withdraw(p)
		sess.notifyChanged(p)
		return
	}
	sess.AdjIn.Update(filtered)
	sess.notifyChanged(p)
}

func (sess *Session) notifyChanged(p route.Prefix) {
	if sess.hooks.OnAdjRIBInChanged != nil {
		sess.hooks.OnAdjRIBInChanged(p)
	}
}

// advertiseInitial walks the shared Loc-RIB and sends every route this
// peer's export policy accepts; runs on entry to Established and on a
// received ROUTE-REFRESH.
func (sess *Session) advertiseInitial() {
	// Forget what was last sent so every route goes out again, not only
	// those that differ from a previous session or an earlier export.
	sess.AdjOut = rib.NewAdjRIBOut()
	for _, best := range sess.LocRIB.All() {
		sess.advertiseOne(best)
	}
}

// AdvertiseChange is called by the agent's decision process after Loc-RIB
// changes for one prefix; it applies export policy, iBGP split horizon, and
// NEXT_HOP rewriting, then sends an UPDATE (or withdraw) if the result
// differs from what was last sent to this peer.
func (sess *Session) AdvertiseChange(prefix route.Prefix, best rib.Route, hasBest bool) {
	if !hasBest {
		if sess.AdjOut.Withdraw(prefix) {
			sess.sendWithdraw(prefix)
		}
		return
	}
	sess.advertiseOne(best)
}

func (sess *Session) advertiseOne(best rib.Route) {
	if !sess.cfg.isEBGP() && !best.PeerIsEBGP && best.PeerID != "" {
		// iBGP split horizon: don't reflect an iBGP-learned route back out
		// to another iBGP peer unless we're a reflector and the Reflector
		// check below allows it; callers invoke this for every peer.
		if sess.Reflector == nil {
			return
		}
		if !sess.Reflector.ShouldReflect(best.Attrs, best.PeerID, sess.cfg.peerID(), best.PeerIsEBGP) {
			return
		}
	}

	out := best
	if sess.cfg.isEBGP() {
		out.Attrs.NextHop = sess.localNextHopFor(out)
	}
	if sess.Reflector != nil && !sess.cfg.isEBGP() {
		// ORIGINATOR_ID is the originator's BGP Identifier from its OPEN
		// (RFC 4456 §8), not its transport address; the two can differ.
		originator := best.PeerBGPID
		if originator == nil {
			originator = best.PeerIP
		}
		out.Attrs = sess.Reflector.PrepareForReflection(out.Attrs, originator)
	}

	exported, accepted := sess.Policy.ApplyExport(sess.cfg.peerID(), out)
	if !accepted {
		if sess.AdjOut.Withdraw(out.Prefix) {
			sess.sendWithdraw(out.Prefix)
		}
		return
	}
	if !sess.AdjOut.NeedsUpdate(exported) {
		return
	}
	sess.AdjOut.Record(exported)
	if sess.conn != nil {
		_ = sess.conn.Send(codec.EncodeUpdate(codec.Update{NLRI: []route.Prefix{exported.Prefix}, Attrs: exported.Attrs}))
		sess.counters.UpdateSent++
	}
}

func (sess *Session) sendWithdraw(p route.Prefix) {
	if sess.conn != nil {
		_ = sess.conn.Send(codec.EncodeUpdate(codec.Update{WithdrawnRoutes: []route.Prefix{p}}))
		sess.counters.UpdateSent++
	}
}

// localNextHopFor is the eBGP NEXT_HOP rewrite: overwrite with our local
// peering address, which for a router-id-addressed speaker is the
// router-id itself.
func (sess *Session) localNextHopFor(rib.Route) net.IP {
	return sess.cfg.RouterID
}

func ipToIdentifier(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

