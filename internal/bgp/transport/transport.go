// Package transport owns the BGP TCP connection and its framing: one
// byte-stream per peer, split into messages by the 19-byte header.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"routeragent/internal/bgp/codec"
)

const bgpPort = 179

// Conn wraps a TCP connection to one peer with BGP message framing.
type Conn struct {
	peerID string
	nc     net.Conn
	r      *bufio.Reader
}

// Dial actively opens a TCP connection to peerIP:179, the Connect-state
// action of the peer FSM.
func Dial(ctx context.Context, peerID string, peerIP net.IP) (*Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(peerIP.String(), fmt.Sprintf("%d", bgpPort)))
	if err != nil {
		return nil, err
	}
	return &Conn{peerID: peerID, nc: nc, r: bufio.NewReaderSize(nc, 8192)}, nil
}

// Accept wraps an already-accepted inbound connection (passive peer).
func Accept(peerID string, nc net.Conn) *Conn {
	return &Conn{peerID: peerID, nc: nc, r: bufio.NewReaderSize(nc, 8192)}
}

// Close tears down the TCP connection; safe to call multiple times.
func (c *Conn) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Close()
}

// Send writes one fully-framed BGP message (header + payload already
// encoded by internal/bgp/codec's Encode* functions).
func (c *Conn) Send(wire []byte) error {
	_, err := c.nc.Write(wire)
	return err
}

// ReadMessage blocks for exactly one BGP message: it reads the 19-byte
// header, validates it, then reads exactly Length-19 more bytes. This is
// the reader goroutine's only blocking point; all protocol state is
// mutated only after this call returns, on the scheduler thread.
func (c *Conn) ReadMessage() (codec.Header, []byte, error) {
	hdrBuf := make([]byte, codec.HeaderSize)
	if _, err := readFull(c.r, hdrBuf); err != nil {
		return codec.Header{}, nil, err
	}
	hdr, err := codec.DecodeHeader(hdrBuf)
	if err != nil {
		return codec.Header{}, nil, err
	}
	payloadLen := int(hdr.Length) - codec.HeaderSize
	if payloadLen == 0 {
		return hdr, nil, nil
	}
	payload := make([]byte, payloadLen)
	if _, err := readFull(c.r, payload); err != nil {
		return codec.Header{}, nil, err
	}
	return hdr, payload, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// RemoteAddr returns the peer's address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	if c.nc == nil {
		return nil
	}
	return c.nc.RemoteAddr()
}
