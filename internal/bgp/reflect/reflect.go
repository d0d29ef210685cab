// Package reflect implements BGP route reflection (RFC 4456): the three
// advertisement rules keyed on where a route was learned, plus
// ORIGINATOR_ID/CLUSTER_LIST loop prevention.
package reflect

import (
	"net"

	"routeragent/internal/bgp/codec"
)

// Reflector tracks client/non-client classification for one cluster and
// applies the reflection and loop-prevention rules.
type Reflector struct {
	ClusterID uint32
	RouterID  net.IP

	clients    map[string]bool
	nonClients map[string]bool
}

func New(clusterID uint32, routerID net.IP) *Reflector {
	return &Reflector{
		ClusterID:  clusterID,
		RouterID:   routerID,
		clients:    make(map[string]bool),
		nonClients: make(map[string]bool),
	}
}

func (r *Reflector) AddClient(peerID string) {
	r.clients[peerID] = true
	delete(r.nonClients, peerID)
}

func (r *Reflector) AddNonClient(peerID string) {
	r.nonClients[peerID] = true
	delete(r.clients, peerID)
}

func (r *Reflector) RemovePeer(peerID string) {
	delete(r.clients, peerID)
	delete(r.nonClients, peerID)
}

func (r *Reflector) IsClient(peerID string) bool    { return r.clients[peerID] }
func (r *Reflector) IsNonClient(peerID string) bool { return r.nonClients[peerID] }

// ShouldReflect implements RFC 4456 §6's reflection rules plus the
// don't-reflect-to-source and loop-prevention checks.
func (r *Reflector) ShouldReflect(attrs codec.Attrs, fromPeer, toPeer string, fromEBGP bool) bool {
	if fromPeer == toPeer {
		return false
	}
	if r.IsLooped(attrs) {
		return false
	}
	switch {
	case fromEBGP:
		return r.IsClient(toPeer) || r.IsNonClient(toPeer)
	case r.IsClient(fromPeer):
		return r.IsClient(toPeer) || r.IsNonClient(toPeer)
	case r.IsNonClient(fromPeer):
		return r.IsClient(toPeer)
	default:
		return false
	}
}

// IsLooped implements the import-side loop check: ORIGINATOR_ID equal to
// our router-id, or CLUSTER_LIST containing our cluster-id.
func (r *Reflector) IsLooped(attrs codec.Attrs) bool {
	if attrs.OriginatorID != nil && attrs.OriginatorID.Equal(r.RouterID) {
		return true
	}
	for _, cid := range attrs.ClusterList {
		if cid == r.ClusterID {
			return true
		}
	}
	return false
}

// PrepareForReflection adds ORIGINATOR_ID (if absent, set to the
// originating peer's router-id) and prepends our cluster-id to
// CLUSTER_LIST.
func (r *Reflector) PrepareForReflection(attrs codec.Attrs, originatorID net.IP) codec.Attrs {
	out := attrs
	if out.OriginatorID == nil {
		out.OriginatorID = originatorID
	}
	out.ClusterList = append([]uint32{r.ClusterID}, out.ClusterList...)
	return out
}
