// Package codec implements bit-exact encode/decode for BGP-4 wire messages
// and path attributes: RFC 4271's header, OPEN, UPDATE, NOTIFICATION, and
// KEEPALIVE, RFC 2918's ROUTE-REFRESH, RFC 5492 capabilities, and RFC 4760
// multiprotocol reachability. Decoding fails with typed errors; it never
// logs or retries.
package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	HeaderSize     = 19
	MarkerSize     = 16
	MinMessageSize = HeaderSize
	MaxMessageSize = 4096
	Version        = 4
)

// MessageType identifies one of the five BGP-4 message types.
type MessageType uint8

const (
	MsgOpen         MessageType = 1
	MsgUpdate       MessageType = 2
	MsgNotification MessageType = 3
	MsgKeepalive    MessageType = 4
	MsgRouteRefresh MessageType = 5
)

var marker = [MarkerSize]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Header is the 19-byte BGP message header.
type Header struct {
	Length uint16
	Type   MessageType
}

// EncodeHeader writes the 16-byte marker, length, and type for a message
// whose payload is payloadLen bytes.
func EncodeHeader(typ MessageType, payloadLen int) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:MarkerSize], marker[:])
	binary.BigEndian.PutUint16(buf[16:18], uint16(HeaderSize+payloadLen))
	buf[18] = byte(typ)
	return buf
}

// DecodeHeader parses and validates the fixed header: the marker must be
// 16 bytes of 0xFF, length in [19,4096], type in [1,5].
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, newErr(KindHeader, ErrMessageHeader, 0, "short header", nil)
	}
	for i := 0; i < MarkerSize; i++ {
		if data[i] != 0xff {
			return Header{}, newErr(KindHeader, ErrMessageHeader, SubConnectionNotSynchronized, "bad marker", nil)
		}
	}
	length := binary.BigEndian.Uint16(data[16:18])
	if length < MinMessageSize || length > MaxMessageSize {
		lb := make([]byte, 2)
		binary.BigEndian.PutUint16(lb, length)
		return Header{}, newErr(KindHeader, ErrMessageHeader, SubBadMessageLength, fmt.Sprintf("bad length %d", length), lb)
	}
	typ := MessageType(data[18])
	if typ < 1 || typ > 5 {
		return Header{}, newErr(KindHeader, ErrMessageHeader, SubBadMessageType, fmt.Sprintf("bad type %d", typ), []byte{data[18]})
	}
	return Header{Length: length, Type: typ}, nil
}

// SplitFrame scans buf for one complete BGP message and returns its header,
// payload, and the number of bytes consumed. It returns ok=false when buf
// does not yet hold a full message (the caller should read more from the
// TCP stream).
func SplitFrame(buf []byte) (hdr Header, payload []byte, consumed int, ok bool, err error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, 0, false, nil
	}
	hdr, err = DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, 0, false, err
	}
	if len(buf) < int(hdr.Length) {
		return Header{}, nil, 0, false, nil
	}
	return hdr, buf[HeaderSize:hdr.Length], int(hdr.Length), true, nil
}
