// Package fsm implements the per-peer BGP finite state machine of RFC
// 4271 §8: six states driven by the session layer's events. The FSM holds
// no I/O itself; it reacts to events and calls back into Actions, which
// keeps every transition testable without a TCP connection or timers.
package fsm

import (
	"routeragent/internal/obslog"
)

// State is one of the six BGP peer states (RFC 4271 §8).
type State uint8

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connect:
		return "Connect"
	case Active:
		return "Active"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	default:
		return "Unknown"
	}
}

// Event is one input to the FSM (RFC 4271 §8.1's event list).
type Event uint8

const (
	EvManualStart Event = iota
	EvManualStop
	EvTcpConnectionConfirmed
	EvTcpConnectionFails
	EvBGPOpen
	EvBGPOpenMsgErr
	EvBGPHeaderErr
	EvKeepaliveMsg
	EvUpdateMsg
	EvUpdateMsgErr
	EvNotifMsg
	EvHoldTimerExpires
	EvKeepaliveTimerExpires
	EvConnectRetryTimerExpires
)

func (e Event) String() string {
	names := [...]string{
		"ManualStart", "ManualStop", "TcpConnectionConfirmed", "TcpConnectionFails",
		"BGPOpen", "BGPOpenMsgErr", "BGPHeaderErr", "KeepaliveMsg", "UpdateMsg",
		"UpdateMsgErr", "NotifMsg", "HoldTimer_Expires", "KeepaliveTimer_Expires",
		"ConnectRetryTimer_Expires",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "Unknown"
}

// Actions is the side-effect surface the FSM calls into; the session layer
// (internal/bgp/session) implements it. Keeping actions behind an interface
// is what lets fsm_test.go exercise every transition without a real TCP
// connection or timers.
type Actions interface {
	StartConnectRetryTimer()
	StopConnectRetryTimer()
	InitiateTCP()
	CloseTCP()
	SendOpen()
	SendKeepalive()
	SendNotification(errCode, errSubcode uint8)
	// StartHold(negotiated) starts (or restarts) the Hold timer at the
	// given value; negotiated==0 means no Hold or Keepalive timer runs
	// (RFC 4271 §4.2 allows a zero hold time).
	StartHold(seconds uint16)
	StopHold()
	StartKeepaliveTimer(seconds uint16)
	StopKeepaliveTimer()
	PurgeAdjRIBIn()
	// OnEstablished is called exactly once per transition into
	// Established, to run the initial advertisement pass.
	OnEstablished()
}

// FSM is one peer's state machine.
type FSM struct {
	peerID         string
	state          State
	actions        Actions
	log            logEntry
	negotiatedHold uint16
}

type logEntry interface {
	Debugf(format string, args ...interface{})
}

// New constructs an FSM in Idle for the named peer.
func New(peerID string, actions Actions) *FSM {
	return &FSM{peerID: peerID, state: Idle, actions: actions, log: obslog.ForPeer(peerID)}
}

// State returns the current state.
func (f *FSM) State() State { return f.state }

func (f *FSM) transition(to State) {
	if f.state == to {
		return
	}
	f.log.Debugf("bgp fsm %s: %s -> %s", f.peerID, f.state, to)
	f.state = to
}

// HandleEvent runs one event through the FSM. Unhandled (state, event)
// pairs are no-ops, matching RFC 4271's "ignore" default for events not
// explicitly listed for a state.
func (f *FSM) HandleEvent(ev Event) {
	switch f.state {
	case Idle:
		f.handleIdle(ev)
	case Connect:
		f.handleConnect(ev)
	case Active:
		f.handleActive(ev)
	case OpenSent:
		f.handleOpenSent(ev)
	case OpenConfirm:
		f.handleOpenConfirm(ev)
	case Established:
		f.handleEstablished(ev)
	}
}

func (f *FSM) handleIdle(ev Event) {
	if ev == EvManualStart {
		f.actions.StartConnectRetryTimer()
		f.actions.InitiateTCP()
		f.transition(Connect)
	}
}

func (f *FSM) handleConnect(ev Event) {
	switch ev {
	case EvManualStop:
		f.actions.StopConnectRetryTimer()
		f.actions.CloseTCP()
		f.transition(Idle)
	case EvConnectRetryTimerExpires:
		f.actions.InitiateTCP()
		f.actions.StartConnectRetryTimer()
	case EvTcpConnectionConfirmed:
		f.actions.StopConnectRetryTimer()
		f.actions.SendOpen()
		f.actions.StartHold(largeDefaultHold)
		f.transition(OpenSent)
	case EvTcpConnectionFails:
		f.actions.StartConnectRetryTimer()
		f.transition(Active)
	case EvBGPOpen, EvBGPHeaderErr, EvBGPOpenMsgErr, EvNotifMsg, EvUpdateMsg, EvUpdateMsgErr:
		f.toIdle()
	}
}

func (f *FSM) handleActive(ev Event) {
	switch ev {
	case EvManualStop:
		f.actions.StopConnectRetryTimer()
		f.actions.CloseTCP()
		f.transition(Idle)
	case EvConnectRetryTimerExpires:
		f.actions.InitiateTCP()
		f.actions.StartConnectRetryTimer()
		f.transition(Connect)
	case EvTcpConnectionConfirmed:
		f.actions.StopConnectRetryTimer()
		f.actions.SendOpen()
		f.actions.StartHold(largeDefaultHold)
		f.transition(OpenSent)
	case EvTcpConnectionFails:
		f.actions.StartConnectRetryTimer()
		f.transition(Idle)
	case EvBGPOpen, EvBGPHeaderErr, EvBGPOpenMsgErr, EvNotifMsg, EvUpdateMsg, EvUpdateMsgErr:
		f.toIdle()
	}
}

func (f *FSM) handleOpenSent(ev Event) {
	switch ev {
	case EvManualStop:
		f.actions.SendNotification(cease, 0)
		f.actions.StopConnectRetryTimer()
		f.actions.CloseTCP()
		f.transition(Idle)
	case EvTcpConnectionFails:
		f.actions.StartConnectRetryTimer()
		f.transition(Active)
	case EvBGPOpen:
		// Negotiation (hold time, capabilities) already happened in the
		// session layer before this event is posted; seconds is passed via
		// a side-channel the session sets before calling HandleEvent.
		f.actions.SendKeepalive()
		// The Hold timer is restarted here, not stopped; relying on
		// KEEPALIVE reception alone to re-arm it is a protocol-observable
		// bug.
		f.actions.StartHold(f.negotiatedHold)
		if f.negotiatedHold > 0 {
			f.actions.StartKeepaliveTimer(f.negotiatedHold / 3)
		}
		f.transition(OpenConfirm)
	case EvBGPOpenMsgErr, EvBGPHeaderErr:
		f.actions.StopConnectRetryTimer()
		f.actions.CloseTCP()
		f.transition(Idle)
	case EvHoldTimerExpires:
		f.actions.SendNotification(holdTimerExpired, 0)
		f.toIdle()
	case EvNotifMsg:
		f.toIdle()
	}
}

func (f *FSM) handleOpenConfirm(ev Event) {
	switch ev {
	case EvManualStop:
		f.actions.SendNotification(cease, 0)
		f.actions.StopConnectRetryTimer()
		f.actions.CloseTCP()
		f.transition(Idle)
	case EvKeepaliveMsg:
		// Restart Hold. Do not re-send a KEEPALIVE here: the keepalive
		// timer expiry already emits exactly one per cycle, and a second
		// emission on this transition would be a duplicate.
		f.actions.StartHold(f.negotiatedHold)
		f.transition(Established)
		f.actions.OnEstablished()
	case EvHoldTimerExpires:
		f.actions.SendNotification(holdTimerExpired, 0)
		f.toIdle()
	case EvKeepaliveTimerExpires:
		f.actions.SendKeepalive()
		if f.negotiatedHold > 0 {
			f.actions.StartKeepaliveTimer(f.negotiatedHold / 3)
		}
	case EvTcpConnectionFails, EvNotifMsg, EvBGPOpenMsgErr, EvBGPHeaderErr:
		f.toIdle()
	}
}

func (f *FSM) handleEstablished(ev Event) {
	switch ev {
	case EvManualStop:
		f.actions.SendNotification(cease, 0)
		f.actions.StopConnectRetryTimer()
		f.actions.CloseTCP()
		f.actions.PurgeAdjRIBIn()
		f.transition(Idle)
	case EvKeepaliveMsg:
		f.actions.StartHold(f.negotiatedHold)
	case EvUpdateMsg:
		f.actions.StartHold(f.negotiatedHold)
	case EvKeepaliveTimerExpires:
		// Exactly one KEEPALIVE per expiry; stay in Established.
		f.actions.SendKeepalive()
		if f.negotiatedHold > 0 {
			f.actions.StartKeepaliveTimer(f.negotiatedHold / 3)
		}
	case EvHoldTimerExpires:
		f.actions.SendNotification(holdTimerExpired, 0)
		f.toIdle()
	case EvUpdateMsgErr:
		f.actions.SendNotification(updateMessage, 0)
		f.toIdle()
	case EvTcpConnectionFails, EvNotifMsg, EvBGPHeaderErr:
		f.toIdle()
	}
}

func (f *FSM) toIdle() {
	f.actions.StopConnectRetryTimer()
	f.actions.StopHold()
	f.actions.StopKeepaliveTimer()
	f.actions.CloseTCP()
	f.actions.PurgeAdjRIBIn()
	f.transition(Idle)
}

// NegotiateHoldTime sets the value the FSM uses when it restarts the Hold
// and Keepalive timers on OpenSent/OpenConfirm transitions. The session
// layer computes min(local, peer) and calls this before posting EvBGPOpen.
func (f *FSM) NegotiateHoldTime(seconds uint16) {
	f.negotiatedHold = seconds
}

const largeDefaultHold = 240 // RFC 4271 default before negotiation

// NOTIFICATION error codes used directly by the FSM (avoids importing
// internal/bgp/codec to prevent a dependency cycle with session wiring).
const (
	cease            uint8 = 6
	holdTimerExpired uint8 = 4
	updateMessage    uint8 = 3
)
