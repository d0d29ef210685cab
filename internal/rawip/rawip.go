// Package rawip wraps a raw IP protocol-89 socket for OSPFv2: the speaker
// sends and receives directly over IP with no TCP/UDP framing, joined to
// the AllSPFRouters (and, where applicable, AllDRouters) multicast groups
// with TTL=1 and multicast loopback disabled.
package rawip

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"routeragent/internal/obslog"
)

const (
	// AllSPFRouters is the multicast group every OSPF router listens on
	// (RFC 2328 Appendix A.1).
	AllSPFRouters = "224.0.0.5"
	// AllDRouters is the multicast group DR/BDR additionally listen on.
	AllDRouters = "224.0.0.6"

	// ProtocolNumber is OSPF's registered IP protocol number.
	ProtocolNumber = 89

	// packetTOS is the IP TOS/precedence OSPF control traffic uses
	// (Internetwork Control, RFC 2328 Appendix A.1 and RFC 791 §3.1).
	packetTOS = 0b11000000

	multicastTTL = 1
)

// Conn is one OSPF raw-socket binding to a single interface.
type Conn struct {
	ifi *net.Interface
	rc  *ipv4.RawConn
	log interface {
		Debugf(format string, args ...interface{})
		Warnf(format string, args ...interface{})
	}
}

// Listen opens a raw IP/89 socket, binds it to ifi, joins AllSPFRouters
// (and AllDRouters on non-point-to-point interfaces), and sets TTL=1,
// OSPF's TOS, and multicast-loopback off.
func Listen(ifi *net.Interface) (*Conn, error) {
	pc, err := net.ListenPacket(fmt.Sprintf("ip4:%d", ProtocolNumber), "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("rawip: listen protocol %d: %w", ProtocolNumber, err)
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rawip: new raw conn: %w", err)
	}

	c := &Conn{ifi: ifi, rc: rc, log: obslog.For("rawip")}
	if err := c.configure(); err != nil {
		rc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) configure() error {
	if err := c.rc.SetMulticastInterface(c.ifi); err != nil {
		return fmt.Errorf("rawip: set multicast interface: %w", err)
	}
	if err := c.rc.SetMulticastTTL(multicastTTL); err != nil {
		return fmt.Errorf("rawip: set multicast ttl: %w", err)
	}
	if err := c.rc.SetTOS(packetTOS); err != nil {
		return fmt.Errorf("rawip: set tos: %w", err)
	}
	if err := c.rc.SetMulticastLoopback(false); err != nil {
		return fmt.Errorf("rawip: disable multicast loopback: %w", err)
	}
	if err := c.rc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		return fmt.Errorf("rawip: enable control messages: %w", err)
	}

	groups := []net.Addr{&net.IPAddr{IP: net.ParseIP(AllSPFRouters)}}
	if c.ifi.Flags&net.FlagPointToPoint == 0 {
		groups = append(groups, &net.IPAddr{IP: net.ParseIP(AllDRouters)})
	}
	for _, g := range groups {
		if err := c.rc.JoinGroup(c.ifi, g); err != nil {
			return fmt.Errorf("rawip: join multicast group %v: %w", g, err)
		}
	}
	return nil
}

// Close leaves the joined multicast groups and closes the socket.
func (c *Conn) Close() error {
	for _, addr := range []string{AllSPFRouters, AllDRouters} {
		_ = c.rc.LeaveGroup(c.ifi, &net.IPAddr{IP: net.ParseIP(addr)})
	}
	return c.rc.Close()
}

// SendTo writes payload to dst (typically AllSPFRouters, or a specific
// neighbor's unicast address for DD/LSRequest/LSUpdate/LSAck), letting the
// kernel fill in the IP header (length, checksum, source address) from the
// partial header we supply.
func (c *Conn) SendTo(dst net.IP, payload []byte) error {
	header := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TOS:      packetTOS,
		TTL:      multicastTTL,
		Protocol: ProtocolNumber,
		Dst:      dst,
	}
	if err := c.rc.WriteTo(header, payload, nil); err != nil {
		return fmt.Errorf("rawip: write to %s: %w", dst, err)
	}
	return nil
}

// Recv blocks for the next OSPF packet on this socket, returning its
// source address and payload (the IP header itself is stripped).
func (c *Conn) Recv(buf []byte) (src net.IP, payload []byte, err error) {
	header, p, _, err := c.rc.ReadFrom(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("rawip: read: %w", err)
	}
	if header.Flags&ipv4.MoreFragments != 0 || header.FragOff != 0 {
		return nil, nil, fmt.Errorf("rawip: discarding fragmented packet from %s", header.Src)
	}
	return header.Src, p, nil
}

// Interface returns the network interface this socket is bound to.
func (c *Conn) Interface() *net.Interface {
	return c.ifi
}
