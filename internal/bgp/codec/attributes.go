package codec

import (
	"encoding/binary"
	"fmt"
	"net"

	"routeragent/internal/route"
)

// Path attribute flag bits (RFC 4271 §4.3).
const (
	FlagOptional   uint8 = 0x80
	FlagTransitive uint8 = 0x40
	FlagPartial    uint8 = 0x20
	FlagExtended   uint8 = 0x10
)

// Path attribute type codes.
const (
	AttrOrigin          uint8 = 1
	AttrASPath          uint8 = 2
	AttrNextHop         uint8 = 3
	AttrMED             uint8 = 4
	AttrLocalPref       uint8 = 5
	AttrAtomicAggregate uint8 = 6
	AttrAggregator      uint8 = 7
	AttrCommunities     uint8 = 8
	AttrOriginatorID    uint8 = 9
	AttrClusterList     uint8 = 10
	AttrMPReachNLRI     uint8 = 14
	AttrMPUnreachNLRI   uint8 = 15
)

// Origin attribute values.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// AS_PATH segment types.
const (
	SegASSet      uint8 = 1
	SegASSequence uint8 = 2
)

// ASPathSegment is one segment of AS_PATH, tagged AS_SET or AS_SEQUENCE.
type ASPathSegment struct {
	Type uint8
	ASNs []uint32
}

// AFI/SAFI for MP_REACH_NLRI / MP_UNREACH_NLRI (RFC 4760).
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
	SAFIUnicast uint8 = 1
)

// Attrs is the decoded path-attribute set of an UPDATE: a mapping from
// attribute type code to a typed value. Unknown optional-transitive
// attributes are preserved verbatim in Unrecognized so they can be
// re-advertised unmodified.
type Attrs struct {
	Origin          *uint8
	ASPath          []ASPathSegment
	NextHop         net.IP
	MED             *uint32
	LocalPref       *uint32
	AtomicAggregate bool
	AggregatorASN   *uint32
	AggregatorAddr  net.IP
	Communities     []uint32
	OriginatorID    net.IP
	ClusterList     []uint32
	MPReachNLRI     *MPReach
	MPUnreachNLRI   *MPUnreach
	Unrecognized    []RawAttr
}

// RawAttr preserves an attribute this codec does not interpret, keyed by
// flags+type so it round-trips unchanged.
type RawAttr struct {
	Flags uint8
	Type  uint8
	Value []byte
}

// MPReach is the decoded MP_REACH_NLRI value (RFC 4760), restricted to
// AFI=1/2, SAFI=1.
type MPReach struct {
	AFI     uint16
	SAFI    uint8
	NextHop net.IP
	NLRI    []route.Prefix
}

// MPUnreach is the decoded MP_UNREACH_NLRI value.
type MPUnreach struct {
	AFI  uint16
	SAFI uint8
	NLRI []route.Prefix
}

// ASPathLength returns the path length used by best-path step (b): an
// AS_SET counts as length 1; an AS_SEQUENCE counts as its element count.
func (a Attrs) ASPathLength() int {
	n := 0
	for _, seg := range a.ASPath {
		if seg.Type == SegASSet {
			n++
		} else {
			n += len(seg.ASNs)
		}
	}
	return n
}

// NeighborAS returns the leftmost AS in AS_PATH, i.e. the AS this route was
// learned from, used by step (d)'s "same neighboring AS" MED comparison.
func (a Attrs) NeighborAS() (uint32, bool) {
	for _, seg := range a.ASPath {
		if len(seg.ASNs) > 0 {
			return seg.ASNs[0], true
		}
	}
	return 0, false
}

func encodeAttrHeader(flags, typ uint8, valueLen int) []byte {
	if valueLen > 255 {
		buf := make([]byte, 4)
		buf[0] = flags | FlagExtended
		buf[1] = typ
		binary.BigEndian.PutUint16(buf[2:4], uint16(valueLen))
		return buf
	}
	buf := make([]byte, 3)
	buf[0] = flags &^ FlagExtended
	buf[1] = typ
	buf[2] = byte(valueLen)
	return buf
}

func encodeASPath(segs []ASPathSegment) []byte {
	var out []byte
	for _, seg := range segs {
		hdr := []byte{seg.Type, byte(len(seg.ASNs))}
		out = append(out, hdr...)
		for _, asn := range seg.ASNs {
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, asn)
			out = append(out, b...)
		}
	}
	return out
}

func decodeASPath(data []byte) ([]ASPathSegment, error) {
	var segs []ASPathSegment
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, newErr(KindUpdate, ErrUpdateMessage, SubMalformedASPath, "truncated AS_PATH segment header", nil)
		}
		segType := data[0]
		segLen := int(data[1])
		if segType != SegASSet && segType != SegASSequence {
			return nil, newErr(KindUpdate, ErrUpdateMessage, SubMalformedASPath, "bad AS_PATH segment type", nil)
		}
		need := 2 + segLen*4
		if len(data) < need {
			return nil, newErr(KindUpdate, ErrUpdateMessage, SubMalformedASPath, "truncated AS_PATH segment", nil)
		}
		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			off := 2 + i*4
			asns[i] = binary.BigEndian.Uint32(data[off : off+4])
		}
		segs = append(segs, ASPathSegment{Type: segType, ASNs: asns})
		data = data[need:]
	}
	if len(segs) == 0 {
		return nil, newErr(KindUpdate, ErrUpdateMessage, SubMalformedASPath, "AS_PATH has no segments", nil)
	}
	return segs, nil
}

// EncodeAttrs serializes the attribute set in ascending type-code order,
// so decode-then-encode round-trips byte-exactly for canonical input.
func EncodeAttrs(a Attrs) []byte {
	var out []byte
	if a.Origin != nil {
		v := []byte{*a.Origin}
		out = append(out, encodeAttrHeader(FlagTransitive, AttrOrigin, len(v))...)
		out = append(out, v...)
	}
	if len(a.ASPath) > 0 {
		v := encodeASPath(a.ASPath)
		out = append(out, encodeAttrHeader(FlagTransitive, AttrASPath, len(v))...)
		out = append(out, v...)
	}
	if a.NextHop != nil {
		v := a.NextHop.To4()
		if v == nil {
			v = net.IPv4zero.To4()
		}
		out = append(out, encodeAttrHeader(FlagTransitive, AttrNextHop, len(v))...)
		out = append(out, v...)
	}
	if a.MED != nil {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, *a.MED)
		out = append(out, encodeAttrHeader(FlagOptional, AttrMED, len(v))...)
		out = append(out, v...)
	}
	if a.LocalPref != nil {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, *a.LocalPref)
		out = append(out, encodeAttrHeader(FlagTransitive, AttrLocalPref, len(v))...)
		out = append(out, v...)
	}
	if a.AtomicAggregate {
		out = append(out, encodeAttrHeader(FlagTransitive, AttrAtomicAggregate, 0)...)
	}
	if a.AggregatorASN != nil {
		v := make([]byte, 8)
		binary.BigEndian.PutUint32(v[0:4], *a.AggregatorASN)
		ip4 := a.AggregatorAddr.To4()
		if ip4 == nil {
			ip4 = net.IPv4zero.To4()
		}
		copy(v[4:8], ip4)
		out = append(out, encodeAttrHeader(FlagOptional|FlagTransitive, AttrAggregator, len(v))...)
		out = append(out, v...)
	}
	if len(a.Communities) > 0 {
		v := make([]byte, 4*len(a.Communities))
		for i, c := range a.Communities {
			binary.BigEndian.PutUint32(v[i*4:i*4+4], c)
		}
		out = append(out, encodeAttrHeader(FlagOptional|FlagTransitive, AttrCommunities, len(v))...)
		out = append(out, v...)
	}
	if a.OriginatorID != nil {
		v := a.OriginatorID.To4()
		if v == nil {
			v = net.IPv4zero.To4()
		}
		out = append(out, encodeAttrHeader(FlagOptional, AttrOriginatorID, len(v))...)
		out = append(out, v...)
	}
	if len(a.ClusterList) > 0 {
		v := make([]byte, 4*len(a.ClusterList))
		for i, c := range a.ClusterList {
			binary.BigEndian.PutUint32(v[i*4:i*4+4], c)
		}
		out = append(out, encodeAttrHeader(FlagOptional, AttrClusterList, len(v))...)
		out = append(out, v...)
	}
	if a.MPReachNLRI != nil {
		v := encodeMPReach(*a.MPReachNLRI)
		out = append(out, encodeAttrHeader(FlagOptional, AttrMPReachNLRI, len(v))...)
		out = append(out, v...)
	}
	if a.MPUnreachNLRI != nil {
		v := encodeMPUnreach(*a.MPUnreachNLRI)
		out = append(out, encodeAttrHeader(FlagOptional, AttrMPUnreachNLRI, len(v))...)
		out = append(out, v...)
	}
	for _, raw := range a.Unrecognized {
		out = append(out, encodeAttrHeader(raw.Flags, raw.Type, len(raw.Value))...)
		out = append(out, raw.Value...)
	}
	return out
}

func encodeMPReach(mp MPReach) []byte {
	var out []byte
	head := make([]byte, 2)
	binary.BigEndian.PutUint16(head, mp.AFI)
	out = append(out, head...)
	out = append(out, mp.SAFI)
	nhLen := 4
	if mp.AFI == AFIIPv6 {
		nhLen = 16
	}
	nh := mp.NextHop.To4()
	if mp.AFI == AFIIPv6 {
		nh = mp.NextHop.To16()
	}
	if nh == nil {
		nh = make([]byte, nhLen)
	}
	out = append(out, byte(len(nh)))
	out = append(out, nh...)
	out = append(out, 0) // SNPA count, always 0
	for _, p := range mp.NLRI {
		out = append(out, encodeNLRIPrefix(p)...)
	}
	return out
}

func encodeMPUnreach(mp MPUnreach) []byte {
	var out []byte
	head := make([]byte, 2)
	binary.BigEndian.PutUint16(head, mp.AFI)
	out = append(out, head...)
	out = append(out, mp.SAFI)
	for _, p := range mp.NLRI {
		out = append(out, encodeNLRIPrefix(p)...)
	}
	return out
}

// encodeNLRIPrefix writes one (length, prefix-bytes) NLRI entry per RFC
// 4271 §4.3, truncated to the minimum number of octets for Length bits.
func encodeNLRIPrefix(p route.Prefix) []byte {
	nbytes := (int(p.Length) + 7) / 8
	out := make([]byte, 1+nbytes)
	out[0] = p.Length
	copy(out[1:], p.Addr[:nbytes])
	return out
}

func decodeNLRI(data []byte, family route.Family) ([]route.Prefix, error) {
	var out []route.Prefix
	for len(data) > 0 {
		length := data[0]
		maxBits := 32
		if family == route.FamilyIPv6 {
			maxBits = 128
		}
		if int(length) > maxBits {
			return nil, newErr(KindUpdate, ErrUpdateMessage, SubInvalidNetworkField, "prefix length too long", nil)
		}
		nbytes := (int(length) + 7) / 8
		if len(data) < 1+nbytes {
			return nil, newErr(KindUpdate, ErrUpdateMessage, SubInvalidNetworkField, "truncated NLRI", nil)
		}
		var p route.Prefix
		p.Family = family
		p.Length = length
		copy(p.Addr[:nbytes], data[1:1+nbytes])
		out = append(out, p)
		data = data[1+nbytes:]
	}
	return out, nil
}

// DecodeAttrs decodes the attribute TLV stream into a PathAttributeSet.
// Flag/category mismatches and malformed values are returned as typed
// errors; the caller (session layer) decides between NOTIFICATION and
// RFC 7606 treat-as-withdraw.
func DecodeAttrs(data []byte) (Attrs, error) {
	var a Attrs
	for len(data) > 0 {
		if len(data) < 3 {
			return a, newErr(KindUpdate, ErrUpdateMessage, SubMalformedAttributeList, "truncated attribute header", nil)
		}
		flags := data[0]
		typ := data[1]
		var length int
		var valueOff int
		if flags&FlagExtended != 0 {
			if len(data) < 4 {
				return a, newErr(KindUpdate, ErrUpdateMessage, SubMalformedAttributeList, "truncated extended-length attribute", nil)
			}
			length = int(binary.BigEndian.Uint16(data[2:4]))
			valueOff = 4
		} else {
			length = int(data[2])
			valueOff = 3
		}
		if len(data) < valueOff+length {
			return a, newErr(KindUpdate, ErrUpdateMessage, SubAttributeLengthError, "attribute value truncated", nil)
		}
		value := data[valueOff : valueOff+length]
		if err := checkAttrFlags(flags, typ); err != nil {
			return a, err
		}
		if err := decodeOneAttr(&a, flags, typ, value); err != nil {
			return a, err
		}
		data = data[valueOff+length:]
	}
	return a, nil
}

// checkAttrFlags enforces RFC 4271 §6.3's flag/category rule for known
// attributes: well-known attributes carry Optional clear and Transitive
// set; optional attributes carry Optional set with the Transitive bit
// fixed per attribute; the Partial bit is only valid on optional
// transitive attributes. Unknown attributes are classified by their own
// flags and pass through.
func checkAttrFlags(flags, typ uint8) error {
	var wantOptional, wantTransitive bool
	switch typ {
	case AttrOrigin, AttrASPath, AttrNextHop, AttrLocalPref, AttrAtomicAggregate:
		wantOptional, wantTransitive = false, true
	case AttrAggregator, AttrCommunities:
		wantOptional, wantTransitive = true, true
	case AttrMED, AttrOriginatorID, AttrClusterList, AttrMPReachNLRI, AttrMPUnreachNLRI:
		wantOptional, wantTransitive = true, false
	default:
		return nil
	}
	if (flags&FlagOptional != 0) != wantOptional || (flags&FlagTransitive != 0) != wantTransitive {
		return newErr(KindUpdate, ErrUpdateMessage, SubAttributeFlagsError,
			fmt.Sprintf("bad flags %#02x for attribute %d", flags, typ), []byte{flags, typ})
	}
	if flags&FlagPartial != 0 && !(wantOptional && wantTransitive) {
		return newErr(KindUpdate, ErrUpdateMessage, SubAttributeFlagsError,
			fmt.Sprintf("partial bit set on attribute %d", typ), []byte{flags, typ})
	}
	return nil
}

func decodeOneAttr(a *Attrs, flags, typ uint8, value []byte) error {
	switch typ {
	case AttrOrigin:
		if len(value) != 1 || value[0] > OriginIncomplete {
			return newErr(KindUpdate, ErrUpdateMessage, SubInvalidOriginAttribute, "bad ORIGIN value", nil)
		}
		v := value[0]
		a.Origin = &v
	case AttrASPath:
		segs, err := decodeASPath(value)
		if err != nil {
			return err
		}
		a.ASPath = segs
	case AttrNextHop:
		if len(value) != 4 {
			return newErr(KindUpdate, ErrUpdateMessage, SubInvalidNextHopAttribute, "bad NEXT_HOP length", nil)
		}
		a.NextHop = net.IPv4(value[0], value[1], value[2], value[3])
	case AttrMED:
		if len(value) != 4 {
			return newErr(KindUpdate, ErrUpdateMessage, SubAttributeLengthError, "bad MED length", nil)
		}
		v := binary.BigEndian.Uint32(value)
		a.MED = &v
	case AttrLocalPref:
		if len(value) != 4 {
			return newErr(KindUpdate, ErrUpdateMessage, SubAttributeLengthError, "bad LOCAL_PREF length", nil)
		}
		v := binary.BigEndian.Uint32(value)
		a.LocalPref = &v
	case AttrAtomicAggregate:
		a.AtomicAggregate = true
	case AttrAggregator:
		if len(value) != 8 {
			return newErr(KindUpdate, ErrUpdateMessage, SubAttributeLengthError, "bad AGGREGATOR length", nil)
		}
		asn := binary.BigEndian.Uint32(value[0:4])
		a.AggregatorASN = &asn
		a.AggregatorAddr = net.IPv4(value[4], value[5], value[6], value[7])
	case AttrCommunities:
		if len(value)%4 != 0 {
			return newErr(KindUpdate, ErrUpdateMessage, SubAttributeLengthError, "bad COMMUNITIES length", nil)
		}
		for i := 0; i < len(value); i += 4 {
			a.Communities = append(a.Communities, binary.BigEndian.Uint32(value[i:i+4]))
		}
	case AttrOriginatorID:
		if len(value) != 4 {
			return newErr(KindUpdate, ErrUpdateMessage, SubAttributeLengthError, "bad ORIGINATOR_ID length", nil)
		}
		a.OriginatorID = net.IPv4(value[0], value[1], value[2], value[3])
	case AttrClusterList:
		if len(value)%4 != 0 {
			return newErr(KindUpdate, ErrUpdateMessage, SubAttributeLengthError, "bad CLUSTER_LIST length", nil)
		}
		for i := 0; i < len(value); i += 4 {
			a.ClusterList = append(a.ClusterList, binary.BigEndian.Uint32(value[i:i+4]))
		}
	case AttrMPReachNLRI:
		mp, err := decodeMPReach(value)
		if err != nil {
			return err
		}
		a.MPReachNLRI = mp
	case AttrMPUnreachNLRI:
		mp, err := decodeMPUnreach(value)
		if err != nil {
			return err
		}
		a.MPUnreachNLRI = mp
	default:
		if flags&FlagOptional == 0 {
			// unrecognized well-known attribute
			return newErr(KindUpdate, ErrUpdateMessage, SubUnrecognizedWellKnownAttr, fmt.Sprintf("unrecognized well-known attribute %d", typ), []byte{typ})
		}
		a.Unrecognized = append(a.Unrecognized, RawAttr{Flags: flags, Type: typ, Value: append([]byte(nil), value...)})
	}
	return nil
}

func decodeMPReach(value []byte) (*MPReach, error) {
	if len(value) < 5 {
		return nil, newErr(KindUpdate, ErrUpdateMessage, SubOptionalAttributeError, "truncated MP_REACH_NLRI", nil)
	}
	afi := binary.BigEndian.Uint16(value[0:2])
	safi := value[2]
	nhLen := int(value[3])
	off := 4
	if len(value) < off+nhLen {
		return nil, newErr(KindUpdate, ErrUpdateMessage, SubOptionalAttributeError, "truncated MP_REACH_NLRI next hop", nil)
	}
	nh := net.IP(append([]byte(nil), value[off:off+nhLen]...))
	off += nhLen
	if off >= len(value) {
		return nil, newErr(KindUpdate, ErrUpdateMessage, SubOptionalAttributeError, "truncated MP_REACH_NLRI SNPA", nil)
	}
	snpaCount := int(value[off])
	off++
	for i := 0; i < snpaCount; i++ {
		if off >= len(value) {
			return nil, newErr(KindUpdate, ErrUpdateMessage, SubOptionalAttributeError, "truncated MP_REACH_NLRI SNPA entries", nil)
		}
		snpaLen := int(value[off])
		off += 1 + (snpaLen+7)/8
	}
	family := route.FamilyIPv4
	if afi == AFIIPv6 {
		family = route.FamilyIPv6
	}
	nlri, err := decodeNLRI(value[off:], family)
	if err != nil {
		return nil, err
	}
	return &MPReach{AFI: afi, SAFI: safi, NextHop: nh, NLRI: nlri}, nil
}

func decodeMPUnreach(value []byte) (*MPUnreach, error) {
	if len(value) < 3 {
		return nil, newErr(KindUpdate, ErrUpdateMessage, SubOptionalAttributeError, "truncated MP_UNREACH_NLRI", nil)
	}
	afi := binary.BigEndian.Uint16(value[0:2])
	safi := value[2]
	family := route.FamilyIPv4
	if afi == AFIIPv6 {
		family = route.FamilyIPv6
	}
	nlri, err := decodeNLRI(value[3:], family)
	if err != nil {
		return nil, err
	}
	return &MPUnreach{AFI: afi, SAFI: safi, NLRI: nlri}, nil
}
