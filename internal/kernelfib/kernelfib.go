// Package kernelfib binds the installer's abstract route-install surface
// (replace, remove, and a tagged dump for reconciliation) to the Linux
// kernel via github.com/vishvananda/netlink. Every route this agent
// installs carries ProtocolTag in the kernel's route protocol field, so
// the installer only ever sees and touches its own routes; host routes
// installed by anything else are invisible here.
package kernelfib

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"routeragent/internal/route"
)

// ProtocolTag is the kernel route-protocol value stamped on every route
// this agent installs. Values >= 4 are available for userspace routing
// daemons (rtnetlink(7)); 189 sits clear of the well-known daemons' tags.
const ProtocolTag = 189

// Backend is the narrow kernel-FIB contract the installer drives. The
// netlink implementation below is the production binding; tests substitute
// an in-memory fake.
type Backend interface {
	Replace(e route.SinkEntry) error
	Remove(p route.Prefix) error
	// Dump returns every kernel route carrying ProtocolTag, for the
	// startup reconciliation pass.
	Dump() ([]route.SinkEntry, error)
}

// Netlink is the Linux implementation of Backend.
type Netlink struct{}

// New returns a Backend bound to the host's netlink route surface.
func New() *Netlink {
	return &Netlink{}
}

// Replace installs or updates the kernel route for e's prefix in one
// idempotent operation, never delete-then-add.
func (k *Netlink) Replace(e route.SinkEntry) error {
	r, err := toNetlinkRoute(e)
	if err != nil {
		return err
	}
	if err := netlink.RouteReplace(r); err != nil {
		return fmt.Errorf("kernelfib: replace %s: %w", e.Prefix, err)
	}
	return nil
}

// Remove deletes this agent's kernel route for p. A route installed by
// anything else (different protocol tag) is left alone by the kernel's
// exact-match semantics on the protocol field.
func (k *Netlink) Remove(p route.Prefix) error {
	r := &netlink.Route{
		Dst:      p.IPNet(),
		Protocol: ProtocolTag,
	}
	if err := netlink.RouteDel(r); err != nil {
		return fmt.Errorf("kernelfib: remove %s: %w", p, err)
	}
	return nil
}

// Dump lists the kernel routes stamped with ProtocolTag.
func (k *Netlink) Dump() ([]route.SinkEntry, error) {
	filter := &netlink.Route{Protocol: ProtocolTag}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, filter, netlink.RT_FILTER_PROTOCOL)
	if err != nil {
		return nil, fmt.Errorf("kernelfib: dump: %w", err)
	}
	out := make([]route.SinkEntry, 0, len(routes))
	for _, r := range routes {
		e, err := fromNetlinkRoute(r)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func toNetlinkRoute(e route.SinkEntry) (*netlink.Route, error) {
	r := &netlink.Route{
		Dst:      e.Prefix.IPNet(),
		Gw:       e.NextHop,
		Priority: int(e.MetricTiebrk),
		Protocol: ProtocolTag,
	}
	if e.Interface != "" {
		link, err := netlink.LinkByName(e.Interface)
		if err != nil {
			return nil, fmt.Errorf("kernelfib: interface %s: %w", e.Interface, err)
		}
		r.LinkIndex = link.Attrs().Index
	}
	if r.Gw == nil && r.LinkIndex == 0 {
		return nil, fmt.Errorf("kernelfib: route %s has neither next-hop nor interface", e.Prefix)
	}
	return r, nil
}

func fromNetlinkRoute(r netlink.Route) (route.SinkEntry, error) {
	if r.Dst == nil {
		return route.SinkEntry{}, fmt.Errorf("kernelfib: route without destination")
	}
	p, err := route.NewPrefix(r.Dst)
	if err != nil {
		return route.SinkEntry{}, err
	}
	var ifName string
	if r.LinkIndex != 0 {
		if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
			ifName = link.Attrs().Name
		}
	}
	return route.SinkEntry{
		Prefix:       p,
		NextHop:      r.Gw,
		Interface:    ifName,
		MetricTiebrk: uint32(r.Priority),
	}, nil
}

var _ Backend = (*Netlink)(nil)
