// Package rib implements the three BGP stores of RFC 4271 §3.2:
// Adj-RIB-In (per peer), Loc-RIB (shared), Adj-RIB-Out (per peer). Each
// peer session owns its two adjacency stores; the Loc-RIB is mutated only
// by the decision process.
package rib

import (
	"net"
	"time"

	"routeragent/internal/bgp/codec"
	"routeragent/internal/route"
)

// Validation is a route's RPKI origin-validation state (RFC 6811).
type Validation uint8

const (
	ValidationUnverified Validation = iota
	ValidationValid
	ValidationInvalid
	ValidationNotFound
)

// Route is one received (or locally originated) BGP route.
type Route struct {
	Prefix           route.Prefix
	Attrs            codec.Attrs
	PeerID           string // session key: the peer's transport address, dotted string
	PeerIP           net.IP
	PeerBGPID        net.IP // BGP Identifier from the peer's OPEN; ORIGINATOR_ID on reflection
	ReceiveTime      time.Time
	Validation       Validation
	Stale            bool
	Best             bool
	PeerIsEBGP       bool
	PeerIdentifier   uint32 // PeerBGPID as an integer, for step (h)
	PeerIGPCostKnown bool
	PeerIGPCost      uint32 // step (f) tie-break; unknown ties
}

// AdjRIBIn is one peer's table of routes received from that peer,
// post-import-policy, keyed by prefix.
type AdjRIBIn struct {
	routes map[route.Prefix]Route
}

func NewAdjRIBIn() *AdjRIBIn {
	return &AdjRIBIn{routes: make(map[route.Prefix]Route)}
}

// Update replaces (or inserts) the entry named by an NLRI announcement.
func (a *AdjRIBIn) Update(r Route) {
	a.routes[r.Prefix] = r
}

// Withdraw removes the entry named by a withdrawn-routes / MP_UNREACH_NLRI
// entry. Returns whether a route was actually removed.
func (a *AdjRIBIn) Withdraw(p route.Prefix) bool {
	if _, ok := a.routes[p]; !ok {
		return false
	}
	delete(a.routes, p)
	return true
}

func (a *AdjRIBIn) Get(p route.Prefix) (Route, bool) {
	r, ok := a.routes[p]
	return r, ok
}

func (a *AdjRIBIn) All() []Route {
	out := make([]Route, 0, len(a.routes))
	for _, r := range a.routes {
		out = append(out, r)
	}
	return out
}

func (a *AdjRIBIn) Size() int { return len(a.routes) }

// Clear empties the table; used on session teardown.
func (a *AdjRIBIn) Clear() {
	a.routes = make(map[route.Prefix]Route)
}

// MarkAllStale flags every entry as stale, returning the affected prefixes.
// Used by graceful-restart helper mode: the peer's routes survive the
// session drop until the restart window closes or the peer re-announces
// them.
func (a *AdjRIBIn) MarkAllStale() []route.Prefix {
	out := make([]route.Prefix, 0, len(a.routes))
	for p, r := range a.routes {
		r.Stale = true
		a.routes[p] = r
		out = append(out, p)
	}
	return out
}

// DropStale removes every entry still flagged stale (the restart window
// expired before the peer refreshed them), returning the removed prefixes.
func (a *AdjRIBIn) DropStale() []route.Prefix {
	var out []route.Prefix
	for p, r := range a.routes {
		if r.Stale {
			delete(a.routes, p)
			out = append(out, p)
		}
	}
	return out
}

// LocRIB is the shared table of currently-best routes, one per prefix,
// mutated only by the decision process.
type LocRIB struct {
	routes map[route.Prefix]Route
}

func NewLocRIB() *LocRIB {
	return &LocRIB{routes: make(map[route.Prefix]Route)}
}

func (l *LocRIB) Set(r Route) {
	r.Best = true
	l.routes[r.Prefix] = r
}

func (l *LocRIB) Remove(p route.Prefix) {
	delete(l.routes, p)
}

func (l *LocRIB) Get(p route.Prefix) (Route, bool) {
	r, ok := l.routes[p]
	return r, ok
}

func (l *LocRIB) All() []Route {
	out := make([]Route, 0, len(l.routes))
	for _, r := range l.routes {
		out = append(out, r)
	}
	return out
}

func (l *LocRIB) Size() int { return len(l.routes) }

// AdjRIBOut is one peer's table of routes last advertised to that peer,
// post-export-policy, used to suppress redundant sends and construct
// withdraws.
type AdjRIBOut struct {
	routes map[route.Prefix]Route
}

func NewAdjRIBOut() *AdjRIBOut {
	return &AdjRIBOut{routes: make(map[route.Prefix]Route)}
}

// NeedsUpdate reports whether advertising r to this peer would be a change
// from what was last sent: a new prefix, or a different ORIGIN, AS_PATH,
// NEXT_HOP, LOCAL_PREF or MED. A change confined to other attributes
// (communities, ORIGINATOR_ID, CLUSTER_LIST and the rest) is not reported.
func (o *AdjRIBOut) NeedsUpdate(r Route) bool {
	prev, ok := o.routes[r.Prefix]
	if !ok {
		return true
	}
	return !attrsEqual(prev.Attrs, r.Attrs)
}

func (o *AdjRIBOut) Record(r Route) {
	o.routes[r.Prefix] = r
}

// Get returns the route last recorded as sent for prefix p, if any.
func (o *AdjRIBOut) Get(p route.Prefix) (Route, bool) {
	r, ok := o.routes[p]
	return r, ok
}

// Withdraw removes the record and reports whether a withdraw actually needs
// to be sent (i.e. we had previously advertised this prefix).
func (o *AdjRIBOut) Withdraw(p route.Prefix) bool {
	if _, ok := o.routes[p]; !ok {
		return false
	}
	delete(o.routes, p)
	return true
}

func (o *AdjRIBOut) All() []Route {
	out := make([]Route, 0, len(o.routes))
	for _, r := range o.routes {
		out = append(out, r)
	}
	return out
}

func (o *AdjRIBOut) Size() int { return len(o.routes) }

func attrsEqual(a, b codec.Attrs) bool {
	if (a.Origin == nil) != (b.Origin == nil) {
		return false
	}
	if a.Origin != nil && *a.Origin != *b.Origin {
		return false
	}
	if a.ASPathLength() != b.ASPathLength() {
		return false
	}
	if len(a.ASPath) != len(b.ASPath) {
		return false
	}
	for i := range a.ASPath {
		if a.ASPath[i].Type != b.ASPath[i].Type || len(a.ASPath[i].ASNs) != len(b.ASPath[i].ASNs) {
			return false
		}
		for j := range a.ASPath[i].ASNs {
			if a.ASPath[i].ASNs[j] != b.ASPath[i].ASNs[j] {
				return false
			}
		}
	}
	if !a.NextHop.Equal(b.NextHop) {
		return false
	}
	if (a.LocalPref == nil) != (b.LocalPref == nil) {
		return false
	}
	if a.LocalPref != nil && *a.LocalPref != *b.LocalPref {
		return false
	}
	if (a.MED == nil) != (b.MED == nil) {
		return false
	}
	if a.MED != nil && *a.MED != *b.MED {
		return false
	}
	return true
}
