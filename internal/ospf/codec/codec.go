// Package codec implements bit-exact encode/decode for OSPFv2 packets and
// LSAs: the 24-byte packet header, the five packet types, the 20-byte LSA
// header, and the five LSA bodies of RFC 2328, with the one's-complement
// header checksum and the Fletcher LSA checksum verified on decode and
// emitted on encode.
package codec

import (
	"encoding/binary"
	"fmt"
	"net"

	"routeragent/internal/route"
)

const (
	HeaderSize    = 24
	LSAHeaderSize = 20
	Version       = 2
)

// PacketType identifies one of the five OSPF packet types.
type PacketType uint8

const (
	PacketHello     PacketType = 1
	PacketDD        PacketType = 2
	PacketLSRequest PacketType = 3
	PacketLSUpdate  PacketType = 4
	PacketLSAck     PacketType = 5
)

// LSAType identifies one of the five LSA types this agent understands.
type LSAType uint8

const (
	LSARouter      LSAType = 1
	LSANetwork     LSAType = 2
	LSASummary     LSAType = 3
	LSAASBRSummary LSAType = 4
	LSAExternal    LSAType = 5
)

const MaxAge = 3600 // seconds, RFC 2328 §13.1

// Error is the codec layer's typed decode failure, matching the shape of
// internal/bgp/codec.Error for the sibling protocol; the codec never logs
// or retries on its own.
type Error struct {
	Detail string
}

func (e *Error) Error() string { return fmt.Sprintf("ospf codec: %s", e.Detail) }

func errf(format string, args ...interface{}) *Error {
	return &Error{Detail: fmt.Sprintf(format, args...)}
}

// Header is the 24-byte OSPF packet header (RFC 2328 §A.3.1).
type Header struct {
	Version  uint8
	Type     PacketType
	Length   uint16
	RouterID net.IP
	AreaID   net.IP
	Checksum uint16
	AuthType uint16
	AuthData [8]byte
}

func ipTo4(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return []byte{0, 0, 0, 0}
}

// checksum16 is the standard 16-bit one's-complement Internet checksum
// (RFC 905), computed over the header with the 8-byte auth field zeroed
// plus any payload.
func checksum16(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// fletcher16 is the Fletcher checksum RFC 2328 Appendix B uses for LSAs,
// the same algorithm FRRouting's fletcher_checksum computes in
// ospf_lsa.c. data must have its age field
// (bytes 0-1 relative to offset) and checksum field (bytes 16-17 absolute)
// zeroed before calling. offset is the byte to start summing from (2, to
// skip ls_age).
func fletcher16(data []byte, offset int) uint16 {
	const checksumOffset = 16
	var c0, c1 int
	for i := offset; i < len(data); i++ {
		c0 = (c0 + int(data[i])) % 255
		c1 = (c1 + c0) % 255
	}
	p := checksumOffset - offset
	l := len(data) - offset
	x := ((l-p-1)*c0 - c1) % 255
	if x <= 0 {
		x += 255
	}
	y := 510 - c0 - x
	if y > 255 {
		y -= 255
	}
	if y <= 0 {
		y += 255
	}
	return uint16(x)<<8 | uint16(y)
}

// packetChecksum computes the header+payload checksum:
// the 16-bit sum over the whole packet with the checksum field and the
// 8-byte authentication field zeroed.
func packetChecksum(buf []byte) uint16 {
	tmp := append([]byte{}, buf...)
	tmp[12], tmp[13] = 0, 0
	for i := 16; i < 24; i++ {
		tmp[i] = 0
	}
	return checksum16(tmp)
}

// EncodeHeader serializes the 24-byte header and appends payload, computing
// length and checksum over the whole packet.
func EncodeHeader(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = Version
	buf[1] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(HeaderSize+len(payload)))
	copy(buf[4:8], ipTo4(h.RouterID))
	copy(buf[8:12], ipTo4(h.AreaID))
	// checksum field (buf[12:14]) left zero for the calculation
	binary.BigEndian.PutUint16(buf[14:16], h.AuthType)
	copy(buf[16:24], h.AuthData[:])
	copy(buf[HeaderSize:], payload)

	binary.BigEndian.PutUint16(buf[12:14], packetChecksum(buf))
	return buf
}

// DecodeHeader parses and validates the 24-byte header:
// the checksum is verified over the packet with the auth field zeroed.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, errf("short packet: %d bytes", len(data))
	}
	h := Header{
		Version:  data[0],
		Type:     PacketType(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
		RouterID: net.IPv4(data[4], data[5], data[6], data[7]),
		AreaID:   net.IPv4(data[8], data[9], data[10], data[11]),
		Checksum: binary.BigEndian.Uint16(data[12:14]),
		AuthType: binary.BigEndian.Uint16(data[14:16]),
	}
	copy(h.AuthData[:], data[16:24])
	if h.Version != Version {
		return Header{}, nil, errf("unsupported version %d", h.Version)
	}
	if int(h.Length) > len(data) {
		return Header{}, nil, errf("length %d exceeds buffer %d", h.Length, len(data))
	}
	if h.AuthType != 0 {
		return Header{}, nil, errf("unsupported auth type %d", h.AuthType)
	}
	if packetChecksum(data[:h.Length]) != h.Checksum {
		return Header{}, nil, errf("bad checksum")
	}

	return h, data[HeaderSize:h.Length], nil
}

// Hello is the decoded Hello packet (RFC 2328 §A.3.2).
type Hello struct {
	NetworkMask        net.IPMask
	HelloInterval      uint16
	Options            uint8
	RouterPriority     uint8
	RouterDeadInterval uint32
	DesignatedRouter   net.IP
	BackupDR           net.IP
	Neighbors          []net.IP
}

func EncodeHello(routerID, areaID net.IP, h Hello) []byte {
	buf := make([]byte, 20+4*len(h.Neighbors))
	copy(buf[0:4], []byte(h.NetworkMask))
	binary.BigEndian.PutUint16(buf[4:6], h.HelloInterval)
	buf[6] = h.Options
	buf[7] = h.RouterPriority
	binary.BigEndian.PutUint32(buf[8:12], h.RouterDeadInterval)
	copy(buf[12:16], ipTo4(h.DesignatedRouter))
	copy(buf[16:20], ipTo4(h.BackupDR))
	for i, n := range h.Neighbors {
		copy(buf[20+4*i:24+4*i], ipTo4(n))
	}
	return EncodeHeader(Header{Type: PacketHello, RouterID: routerID, AreaID: areaID}, buf)
}

func DecodeHello(payload []byte) (Hello, error) {
	if len(payload) < 20 {
		return Hello{}, errf("short hello: %d bytes", len(payload))
	}
	h := Hello{
		NetworkMask:        net.IPMask(append([]byte{}, payload[0:4]...)),
		HelloInterval:      binary.BigEndian.Uint16(payload[4:6]),
		Options:            payload[6],
		RouterPriority:     payload[7],
		RouterDeadInterval: binary.BigEndian.Uint32(payload[8:12]),
		DesignatedRouter:   net.IPv4(payload[12], payload[13], payload[14], payload[15]),
		BackupDR:           net.IPv4(payload[16], payload[17], payload[18], payload[19]),
	}
	for i := 20; i+4 <= len(payload); i += 4 {
		h.Neighbors = append(h.Neighbors, net.IPv4(payload[i], payload[i+1], payload[i+2], payload[i+3]))
	}
	return h, nil
}

// DD flag bits (RFC 2328 §A.3.3).
const (
	FlagInit        uint8 = 0x04
	FlagMore        uint8 = 0x02
	FlagMasterSlave uint8 = 0x01
)

// DatabaseDescription is the decoded DD packet.
type DatabaseDescription struct {
	InterfaceMTU uint16
	Options      uint8
	Flags        uint8
	Sequence     uint32
	LSAHeaders   []LSAHeader
}

func (d DatabaseDescription) Init() bool     { return d.Flags&FlagInit != 0 }
func (d DatabaseDescription) More() bool     { return d.Flags&FlagMore != 0 }
func (d DatabaseDescription) IsMaster() bool { return d.Flags&FlagMasterSlave != 0 }

func EncodeDD(routerID, areaID net.IP, d DatabaseDescription) []byte {
	buf := make([]byte, 8, 8+LSAHeaderSize*len(d.LSAHeaders))
	binary.BigEndian.PutUint16(buf[0:2], d.InterfaceMTU)
	buf[2] = d.Options
	buf[3] = d.Flags
	binary.BigEndian.PutUint32(buf[4:8], d.Sequence)
	for _, lh := range d.LSAHeaders {
		buf = append(buf, EncodeLSAHeader(lh)...)
	}
	return EncodeHeader(Header{Type: PacketDD, RouterID: routerID, AreaID: areaID}, buf)
}

func DecodeDD(payload []byte) (DatabaseDescription, error) {
	if len(payload) < 8 {
		return DatabaseDescription{}, errf("short dd: %d bytes", len(payload))
	}
	d := DatabaseDescription{
		InterfaceMTU: binary.BigEndian.Uint16(payload[0:2]),
		Options:      payload[2],
		Flags:        payload[3],
		Sequence:     binary.BigEndian.Uint32(payload[4:8]),
	}
	rest := payload[8:]
	for len(rest) >= LSAHeaderSize {
		lh, err := DecodeLSAHeader(rest[:LSAHeaderSize])
		if err != nil {
			return DatabaseDescription{}, err
		}
		d.LSAHeaders = append(d.LSAHeaders, lh)
		rest = rest[LSAHeaderSize:]
	}
	return d, nil
}

// LSAKey is a single (ls-type, link-state-id, advertising-router) request
// entry (RFC 2328 §A.3.4) and also the LSDB primary key. The addresses are
// fixed 4-byte arrays so the key is comparable and usable as a map key.
type LSAKey struct {
	Type              LSAType
	LinkStateID       [4]byte
	AdvertisingRouter [4]byte
}

// NewLSAKey builds a key from IP-form identifiers.
func NewLSAKey(t LSAType, linkStateID, advertisingRouter net.IP) LSAKey {
	var k LSAKey
	k.Type = t
	copy(k.LinkStateID[:], ipTo4(linkStateID))
	copy(k.AdvertisingRouter[:], ipTo4(advertisingRouter))
	return k
}

// LinkStateIDIP returns the link-state-id in net.IP form.
func (k LSAKey) LinkStateIDIP() net.IP {
	return net.IPv4(k.LinkStateID[0], k.LinkStateID[1], k.LinkStateID[2], k.LinkStateID[3])
}

// AdvertisingRouterIP returns the advertising router in net.IP form.
func (k LSAKey) AdvertisingRouterIP() net.IP {
	return net.IPv4(k.AdvertisingRouter[0], k.AdvertisingRouter[1], k.AdvertisingRouter[2], k.AdvertisingRouter[3])
}

func EncodeLSRequest(routerID, areaID net.IP, keys []LSAKey) []byte {
	buf := make([]byte, 12*len(keys))
	for i, k := range keys {
		binary.BigEndian.PutUint32(buf[12*i:12*i+4], uint32(k.Type))
		copy(buf[12*i+4:12*i+8], k.LinkStateID[:])
		copy(buf[12*i+8:12*i+12], k.AdvertisingRouter[:])
	}
	return EncodeHeader(Header{Type: PacketLSRequest, RouterID: routerID, AreaID: areaID}, buf)
}

func DecodeLSRequest(payload []byte) ([]LSAKey, error) {
	if len(payload)%12 != 0 {
		return nil, errf("ls request length %d not a multiple of 12", len(payload))
	}
	keys := make([]LSAKey, 0, len(payload)/12)
	for i := 0; i+12 <= len(payload); i += 12 {
		keys = append(keys, NewLSAKey(
			LSAType(binary.BigEndian.Uint32(payload[i:i+4])),
			net.IP(payload[i+4:i+8]),
			net.IP(payload[i+8:i+12]),
		))
	}
	return keys, nil
}

// LSA is a complete, wire-ready link-state advertisement: header plus the
// type-specific body, already encoded.
type LSA struct {
	Header LSAHeader
	Body   []byte
}

func EncodeLSUpdate(routerID, areaID net.IP, lsas []LSA) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(lsas)))
	for _, l := range lsas {
		buf = append(buf, EncodeLSAHeader(l.Header)...)
		buf = append(buf, l.Body...)
	}
	return EncodeHeader(Header{Type: PacketLSUpdate, RouterID: routerID, AreaID: areaID}, buf)
}

func DecodeLSUpdate(payload []byte) ([]LSA, error) {
	if len(payload) < 4 {
		return nil, errf("short ls update: %d bytes", len(payload))
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	rest := payload[4:]
	lsas := make([]LSA, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < LSAHeaderSize {
			return nil, errf("truncated ls update at lsa %d", i)
		}
		lh, err := DecodeLSAHeader(rest[:LSAHeaderSize])
		if err != nil {
			return nil, err
		}
		bodyLen := int(lh.Length) - LSAHeaderSize
		if bodyLen < 0 || len(rest) < LSAHeaderSize+bodyLen {
			return nil, errf("truncated lsa body at lsa %d", i)
		}
		body := append([]byte{}, rest[LSAHeaderSize:LSAHeaderSize+bodyLen]...)
		lsas = append(lsas, LSA{Header: lh, Body: body})
		rest = rest[LSAHeaderSize+bodyLen:]
	}
	return lsas, nil
}

func EncodeLSAck(routerID, areaID net.IP, headers []LSAHeader) []byte {
	var buf []byte
	for _, h := range headers {
		buf = append(buf, EncodeLSAHeader(h)...)
	}
	return EncodeHeader(Header{Type: PacketLSAck, RouterID: routerID, AreaID: areaID}, buf)
}

func DecodeLSAck(payload []byte) ([]LSAHeader, error) {
	var out []LSAHeader
	for len(payload) >= LSAHeaderSize {
		lh, err := DecodeLSAHeader(payload[:LSAHeaderSize])
		if err != nil {
			return nil, err
		}
		out = append(out, lh)
		payload = payload[LSAHeaderSize:]
	}
	return out, nil
}

// LSAHeader is the 20-byte LSA header common to every LSA type.
type LSAHeader struct {
	Age               uint16
	Options           uint8
	Type              LSAType
	LinkStateID       net.IP
	AdvertisingRouter net.IP
	SequenceNumber    uint32
	Checksum          uint16
	Length            uint16
}

// Key returns the LSDB primary key (ls-type, link-state-id,
// advertising-router).
func (h LSAHeader) Key() LSAKey {
	return NewLSAKey(h.Type, h.LinkStateID, h.AdvertisingRouter)
}

func EncodeLSAHeader(h LSAHeader) []byte {
	buf := make([]byte, LSAHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Age)
	buf[2] = h.Options
	buf[3] = byte(h.Type)
	copy(buf[4:8], ipTo4(h.LinkStateID))
	copy(buf[8:12], ipTo4(h.AdvertisingRouter))
	binary.BigEndian.PutUint32(buf[12:16], h.SequenceNumber)
	binary.BigEndian.PutUint16(buf[16:18], h.Checksum)
	binary.BigEndian.PutUint16(buf[18:20], h.Length)
	return buf
}

func DecodeLSAHeader(data []byte) (LSAHeader, error) {
	if len(data) < LSAHeaderSize {
		return LSAHeader{}, errf("short lsa header: %d bytes", len(data))
	}
	return LSAHeader{
		Age:               binary.BigEndian.Uint16(data[0:2]),
		Options:           data[2],
		Type:              LSAType(data[3]),
		LinkStateID:       net.IPv4(data[4], data[5], data[6], data[7]),
		AdvertisingRouter: net.IPv4(data[8], data[9], data[10], data[11]),
		SequenceNumber:    binary.BigEndian.Uint32(data[12:16]),
		Checksum:          binary.BigEndian.Uint16(data[16:18]),
		Length:            binary.BigEndian.Uint16(data[18:20]),
	}, nil
}

// ComputeLSAChecksum computes the Fletcher-16 checksum RFC 2328 Appendix B
// specifies, over the LSA header (with age and checksum zeroed) plus body.
func ComputeLSAChecksum(header LSAHeader, body []byte) uint16 {
	h := header
	h.Age = 0
	h.Checksum = 0
	data := append(EncodeLSAHeader(h), body...)
	return fletcher16(data, 2)
}

// FinalizeLSA sets Length and Checksum on header from body and returns the
// ready-to-flood LSA.
func FinalizeLSA(header LSAHeader, body []byte) LSA {
	header.Length = uint16(LSAHeaderSize + len(body))
	header.Checksum = ComputeLSAChecksum(header, body)
	return LSA{Header: header, Body: body}
}

// VerifyLSAChecksum reports whether l.Header.Checksum matches the Fletcher
// checksum recomputed from l.Header and l.Body.
func VerifyLSAChecksum(l LSA) bool {
	return ComputeLSAChecksum(l.Header, l.Body) == l.Header.Checksum
}

// RouterLink is one entry in a Router LSA's link list (RFC 2328 §A.4.2).
type RouterLink struct {
	LinkID   net.IP
	LinkData net.IP
	Type     uint8
	Metric   uint16
}

// Router link types.
const (
	LinkPointToPoint uint8 = 1
	LinkTransit      uint8 = 2
	LinkStub         uint8 = 3
	LinkVirtual      uint8 = 4
)

// RouterLSABody is the Router LSA body (ls-type 1).
type RouterLSABody struct {
	VBit  bool
	EBit  bool
	BBit  bool
	Links []RouterLink
}

func EncodeRouterLSABody(b RouterLSABody) []byte {
	buf := make([]byte, 4, 4+12*len(b.Links))
	var flags uint8
	if b.VBit {
		flags |= 0x04
	}
	if b.EBit {
		flags |= 0x02
	}
	if b.BBit {
		flags |= 0x01
	}
	buf[0] = flags
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.Links)))
	for _, l := range b.Links {
		lb := make([]byte, 12)
		copy(lb[0:4], ipTo4(l.LinkID))
		copy(lb[4:8], ipTo4(l.LinkData))
		lb[8] = l.Type
		lb[9] = 0
		binary.BigEndian.PutUint16(lb[10:12], l.Metric)
		buf = append(buf, lb...)
	}
	return buf
}

func DecodeRouterLSABody(data []byte) (RouterLSABody, error) {
	if len(data) < 4 {
		return RouterLSABody{}, errf("short router lsa: %d bytes", len(data))
	}
	b := RouterLSABody{
		VBit: data[0]&0x04 != 0,
		EBit: data[0]&0x02 != 0,
		BBit: data[0]&0x01 != 0,
	}
	numLinks := int(binary.BigEndian.Uint16(data[2:4]))
	rest := data[4:]
	for i := 0; i < numLinks; i++ {
		if len(rest) < 12 {
			return RouterLSABody{}, errf("truncated router lsa link %d", i)
		}
		b.Links = append(b.Links, RouterLink{
			LinkID:   net.IPv4(rest[0], rest[1], rest[2], rest[3]),
			LinkData: net.IPv4(rest[4], rest[5], rest[6], rest[7]),
			Type:     rest[8],
			Metric:   binary.BigEndian.Uint16(rest[10:12]),
		})
		rest = rest[12:]
	}
	return b, nil
}

// NetworkLSABody is the Network LSA body (ls-type 2), originated by the DR
// on a transit network.
type NetworkLSABody struct {
	NetworkMask      net.IPMask
	AttachedRouters  []net.IP
}

func EncodeNetworkLSABody(b NetworkLSABody) []byte {
	buf := make([]byte, 4+4*len(b.AttachedRouters))
	copy(buf[0:4], []byte(b.NetworkMask))
	for i, r := range b.AttachedRouters {
		copy(buf[4+4*i:8+4*i], ipTo4(r))
	}
	return buf
}

func DecodeNetworkLSABody(data []byte) (NetworkLSABody, error) {
	if len(data) < 4 {
		return NetworkLSABody{}, errf("short network lsa: %d bytes", len(data))
	}
	b := NetworkLSABody{NetworkMask: net.IPMask(append([]byte{}, data[0:4]...))}
	for i := 4; i+4 <= len(data); i += 4 {
		b.AttachedRouters = append(b.AttachedRouters, net.IPv4(data[i], data[i+1], data[i+2], data[i+3]))
	}
	return b, nil
}

// SummaryLSABody is the Summary/ASBR-Summary LSA body (ls-type 3/4).
type SummaryLSABody struct {
	NetworkMask net.IPMask
	Metric      uint32 // 24-bit field on the wire
}

func EncodeSummaryLSABody(b SummaryLSABody) []byte {
	buf := make([]byte, 8)
	copy(buf[0:4], []byte(b.NetworkMask))
	buf[4] = 0
	buf[5] = byte(b.Metric >> 16)
	buf[6] = byte(b.Metric >> 8)
	buf[7] = byte(b.Metric)
	return buf
}

func DecodeSummaryLSABody(data []byte) (SummaryLSABody, error) {
	if len(data) < 8 {
		return SummaryLSABody{}, errf("short summary lsa: %d bytes", len(data))
	}
	return SummaryLSABody{
		NetworkMask: net.IPMask(append([]byte{}, data[0:4]...)),
		Metric:      uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7]),
	}, nil
}

// ExternalLSABody is the AS-External LSA body (ls-type 5).
type ExternalLSABody struct {
	NetworkMask        net.IPMask
	ExternalType2      bool
	Metric             uint32 // 24-bit field on the wire
	ForwardingAddress  net.IP
	ExternalRouteTag   uint32
}

func EncodeExternalLSABody(b ExternalLSABody) []byte {
	buf := make([]byte, 16)
	copy(buf[0:4], []byte(b.NetworkMask))
	if b.ExternalType2 {
		buf[4] = 0x80
	}
	buf[5] = byte(b.Metric >> 16)
	buf[6] = byte(b.Metric >> 8)
	buf[7] = byte(b.Metric)
	copy(buf[8:12], ipTo4(b.ForwardingAddress))
	binary.BigEndian.PutUint32(buf[12:16], b.ExternalRouteTag)
	return buf
}

func DecodeExternalLSABody(data []byte) (ExternalLSABody, error) {
	if len(data) < 16 {
		return ExternalLSABody{}, errf("short external lsa: %d bytes", len(data))
	}
	return ExternalLSABody{
		NetworkMask:       net.IPMask(append([]byte{}, data[0:4]...)),
		ExternalType2:     data[4]&0x80 != 0,
		Metric:            uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7]),
		ForwardingAddress: net.IPv4(data[8], data[9], data[10], data[11]),
		ExternalRouteTag:  binary.BigEndian.Uint32(data[12:16]),
	}, nil
}

// Prefix reconstructs the destination route.Prefix a Summary or External
// LSA advertises, from its link-state-id (network number) and mask.
func Prefix(linkStateID net.IP, mask net.IPMask) route.Prefix {
	p, err := route.NewPrefix(&net.IPNet{IP: linkStateID.Mask(mask), Mask: mask})
	if err != nil {
		return route.Prefix{}
	}
	return p
}

// CompareNewness implements RFC 2328 §13.1: two LSA instances with the same
// key are compared by (sequence, checksum, age) in that order. It returns
// >0 if a is newer, <0 if b is newer, 0 if they are the same instance.
func CompareNewness(a, b LSAHeader) int {
	if a.SequenceNumber != b.SequenceNumber {
		if int32(a.SequenceNumber) > int32(b.SequenceNumber) {
			return 1
		}
		return -1
	}
	if a.Checksum != b.Checksum {
		if a.Checksum > b.Checksum {
			return 1
		}
		return -1
	}
	aMaxAge := a.Age >= MaxAge
	bMaxAge := b.Age >= MaxAge
	if aMaxAge != bMaxAge {
		if aMaxAge {
			return 1 // a flooded as MaxAge takes precedence for removal
		}
		return -1
	}
	// RFC 2328 §13.1: if ages differ by more than MaxAgeDiff (15m), the
	// lower age is newer; this agent treats any age difference the same
	// way for simplicity, matching the common-case ordering.
	if a.Age != b.Age {
		if a.Age < b.Age {
			return 1
		}
		return -1
	}
	return 0
}
