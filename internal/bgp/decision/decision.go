// Package decision implements the BGP best-path selection process: RFC
// 4271 §9.1.2's ordered tie-break chain, from LOCAL_PREF down to the
// peer-address comparison that guarantees a total order.
package decision

import (
	"bytes"
	"net"

	"routeragent/internal/bgp/rib"
	"routeragent/internal/route"
)

// NextHopResolver answers whether a NEXT_HOP is currently reachable in the
// host's routing view, and its IGP cost if known (step 2 and step (f)).
type NextHopResolver interface {
	Resolve(nextHop net.IP) (reachable bool, igpCost uint32, known bool)
}

// Candidate wraps one received route for the comparison set of its prefix;
// it carries the route only.
type Candidate struct {
	Route rib.Route
}

// Select picks the best route from an already policy-filtered candidate
// set (import policy runs in the caller, against each peer's Adj-RIB-In)
// and returns the winner, or ok=false if no candidate survives NEXT_HOP
// resolution.
func Select(candidates []rib.Route, resolver NextHopResolver) (rib.Route, bool) {
	survivors := make([]rib.Route, 0, len(candidates))
	for _, c := range candidates {
		nh := c.Attrs.NextHop
		if resolver == nil {
			survivors = append(survivors, c)
			continue
		}
		reachable, cost, known := resolver.Resolve(nh)
		if !reachable {
			continue
		}
		c.PeerIGPCostKnown = known
		c.PeerIGPCost = cost
		survivors = append(survivors, c)
	}
	if len(survivors) == 0 {
		return rib.Route{}, false
	}
	best := survivors[0]
	for _, c := range survivors[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best, true
}

// better reports whether a beats b under the RFC 4271 §9.1.2 total order,
// steps (a)-(i).
func better(a, b rib.Route) bool {
	// (a) higher LOCAL_PREF wins.
	if v, ok := cmpLocalPref(a, b); ok {
		return v
	}
	// (b) shorter AS_PATH wins.
	if al, bl := a.Attrs.ASPathLength(), b.Attrs.ASPathLength(); al != bl {
		return al < bl
	}
	// (c) lower ORIGIN wins.
	if v, ok := cmpOrigin(a, b); ok {
		return v
	}
	// (d) same neighboring AS: lower MED wins.
	if v, ok := cmpMED(a, b); ok {
		return v
	}
	// (e) eBGP beats iBGP.
	if a.PeerIsEBGP != b.PeerIsEBGP {
		return a.PeerIsEBGP
	}
	// (f) lower IGP cost to NEXT_HOP wins; unknown ties (falls through).
	if a.PeerIGPCostKnown && b.PeerIGPCostKnown && a.PeerIGPCost != b.PeerIGPCost {
		return a.PeerIGPCost < b.PeerIGPCost
	}
	// (g) oldest route wins.
	if !a.ReceiveTime.Equal(b.ReceiveTime) {
		return a.ReceiveTime.Before(b.ReceiveTime)
	}
	// (h) lower BGP-Identifier wins.
	if a.PeerIdentifier != b.PeerIdentifier {
		return a.PeerIdentifier < b.PeerIdentifier
	}
	// (i) lower peer-IP wins.
	return bytes.Compare(a.PeerIP, b.PeerIP) < 0
}

func cmpLocalPref(a, b rib.Route) (better bool, decided bool) {
	ap, bp := localPrefOf(a), localPrefOf(b)
	if ap == bp {
		return false, false
	}
	return ap > bp, true
}

func localPrefOf(r rib.Route) uint32 {
	if r.Attrs.LocalPref != nil {
		return *r.Attrs.LocalPref
	}
	return 100 // RFC 4271 default LOCAL_PREF when unset (iBGP-originated locally)
}

func cmpOrigin(a, b rib.Route) (better bool, decided bool) {
	ao, bo := originOf(a), originOf(b)
	if ao == bo {
		return false, false
	}
	return ao < bo, true
}

func originOf(r rib.Route) uint8 {
	if r.Attrs.Origin != nil {
		return *r.Attrs.Origin
	}
	return 2 // INCOMPLETE if unset, worst case
}

// cmpMED applies step (d): only compares MED when both routes were learned
// from peers in the same neighboring AS (the first ASN in AS_PATH).
// Returns decided=false when the neighbor ASes differ or either MED is
// absent.
func cmpMED(a, b rib.Route) (better bool, decided bool) {
	aAS, aok := neighborAS(a)
	bAS, bok := neighborAS(b)
	if !aok || !bok || aAS != bAS {
		return false, false
	}
	am, bm := medOf(a), medOf(b)
	if am == bm {
		return false, false
	}
	return am < bm, true
}

func neighborAS(r rib.Route) (uint32, bool) {
	return r.Attrs.NeighborAS()
}

func medOf(r rib.Route) uint32 {
	if r.Attrs.MED != nil {
		return *r.Attrs.MED
	}
	return 0 // MED absent treated as 0 (RFC 4271 §9.1.2.2 default-to-zero convention)
}

// PrefixKey re-exports route.Prefix for callers that only need the decision
// package's public surface without importing internal/route directly.
type PrefixKey = route.Prefix
