package advanced

import "routeragent/internal/route"

// RestartState is a peer's graceful-restart role (RFC 4724).
type RestartState uint8

const (
	RestartNormal RestartState = iota
	RestartHelper              // the peer is restarting, we are helping
)

// GracefulRestartManager marks routes stale on session loss and decides
// which ones to discard once the peer's restart window elapses or it
// sends End-of-RIB (RFC 4724 helper mode). It holds no timer itself: the
// agent owns a deadline timer keyed to the peer-advertised restart time
// and calls ExpireRestartWindow when it fires.
type GracefulRestartManager struct {
	states       map[string]RestartState
	staleRoutes  map[string]map[route.Prefix]bool
}

const DefaultRestartTimeSeconds = 120

func NewGracefulRestartManager() *GracefulRestartManager {
	return &GracefulRestartManager{
		states:      make(map[string]RestartState),
		staleRoutes: make(map[string]map[route.Prefix]bool),
	}
}

// PeerSessionDown marks every prefix the peer had announced as stale and
// puts the peer in Helper state, awaiting either End-of-RIB or restart
// timeout.
func (m *GracefulRestartManager) PeerSessionDown(peerIP string, prefixes []route.Prefix) {
	stale := make(map[route.Prefix]bool, len(prefixes))
	for _, p := range prefixes {
		stale[p] = true
	}
	m.staleRoutes[peerIP] = stale
	m.states[peerIP] = RestartHelper
}

// PeerSessionUp handles the peer reconnecting; if we were helping it
// through a restart, stale routes are retained until End-of-RIB. Otherwise
// this is a fresh session with no stale state.
func (m *GracefulRestartManager) PeerSessionUp(peerIP string, peerSupportsGR bool) {
	if m.states[peerIP] == RestartHelper && peerSupportsGR {
		return
	}
	delete(m.staleRoutes, peerIP)
	m.states[peerIP] = RestartNormal
}

// HandleEndOfRIB returns the prefixes that were stale and never refreshed
// before this End-of-RIB marker; the caller must withdraw these.
func (m *GracefulRestartManager) HandleEndOfRIB(peerIP string) []route.Prefix {
	stale, ok := m.staleRoutes[peerIP]
	if !ok {
		return nil
	}
	out := make([]route.Prefix, 0, len(stale))
	for p := range stale {
		out = append(out, p)
	}
	delete(m.staleRoutes, peerIP)
	m.states[peerIP] = RestartNormal
	return out
}

// RouteRefreshed clears the stale flag for a prefix re-announced before
// End-of-RIB.
func (m *GracefulRestartManager) RouteRefreshed(peerIP string, p route.Prefix) {
	if stale, ok := m.staleRoutes[peerIP]; ok {
		delete(stale, p)
	}
}

// ExpireRestartWindow is called when the per-peer restart timer fires
// without an End-of-RIB; it returns the remaining stale prefixes to
// withdraw, same as a forced End-of-RIB.
func (m *GracefulRestartManager) ExpireRestartWindow(peerIP string) []route.Prefix {
	return m.HandleEndOfRIB(peerIP)
}

// State reports a peer's current graceful-restart role.
func (m *GracefulRestartManager) State(peerIP string) RestartState {
	return m.states[peerIP]
}
