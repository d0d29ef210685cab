package codec

import (
	"encoding/binary"

	"routeragent/internal/route"
)

// Update is the decoded UPDATE message (RFC 4271 §4.3).
type Update struct {
	WithdrawnRoutes []route.Prefix // IPv4 unicast withdraws carried directly
	Attrs           Attrs
	NLRI            []route.Prefix // IPv4 unicast NLRI carried directly
}

// IsEndOfRIBMarker reports whether u is the zero-length UPDATE RFC 4724
// uses to signal end-of-RIB for a given AFI/SAFI. Restart-mode wire
// behavior is not implemented, but recognizing the marker shape keeps the
// session layer from mistaking it for a malformed UPDATE.
func (u Update) IsEndOfRIBMarker() bool {
	return len(u.WithdrawnRoutes) == 0 && len(u.NLRI) == 0 &&
		u.Attrs.Origin == nil && len(u.Attrs.ASPath) == 0 && u.Attrs.MPReachNLRI == nil && u.Attrs.MPUnreachNLRI == nil
}

// EncodeUpdate serializes an UPDATE message including the 19-byte header.
func EncodeUpdate(u Update) []byte {
	var withdrawn []byte
	for _, p := range u.WithdrawnRoutes {
		withdrawn = append(withdrawn, encodeNLRIPrefix(p)...)
	}
	attrBytes := EncodeAttrs(u.Attrs)
	var nlri []byte
	for _, p := range u.NLRI {
		nlri = append(nlri, encodeNLRIPrefix(p)...)
	}

	payload := make([]byte, 0, 4+len(withdrawn)+len(attrBytes)+len(nlri))
	wl := make([]byte, 2)
	binary.BigEndian.PutUint16(wl, uint16(len(withdrawn)))
	payload = append(payload, wl...)
	payload = append(payload, withdrawn...)
	al := make([]byte, 2)
	binary.BigEndian.PutUint16(al, uint16(len(attrBytes)))
	payload = append(payload, al...)
	payload = append(payload, attrBytes...)
	payload = append(payload, nlri...)

	return append(EncodeHeader(MsgUpdate, len(payload)), payload...)
}

// DecodeUpdate parses an UPDATE payload and enforces the mandatory-
// attribute rule: when any IPv4 NLRI is present, ORIGIN, AS_PATH, and
// NEXT_HOP are mandatory. MP_REACH_NLRI carries its own next hop for other
// AFIs and is exempt from the NEXT_HOP-attribute requirement.
func DecodeUpdate(payload []byte) (Update, error) {
	if len(payload) < 4 {
		return Update{}, newErr(KindUpdate, ErrUpdateMessage, SubMalformedAttributeList, "short UPDATE", nil)
	}
	wlen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+wlen {
		return Update{}, newErr(KindUpdate, ErrUpdateMessage, SubMalformedAttributeList, "truncated withdrawn routes", nil)
	}
	withdrawn, err := decodeNLRI(payload[2:2+wlen], route.FamilyIPv4)
	if err != nil {
		return Update{}, err
	}
	rest := payload[2+wlen:]
	if len(rest) < 2 {
		return Update{}, newErr(KindUpdate, ErrUpdateMessage, SubMalformedAttributeList, "short attribute length field", nil)
	}
	alen := int(binary.BigEndian.Uint16(rest[0:2]))
	if len(rest) < 2+alen {
		return Update{}, newErr(KindUpdate, ErrUpdateMessage, SubMalformedAttributeList, "truncated attributes", nil)
	}
	attrs, err := DecodeAttrs(rest[2 : 2+alen])
	if err != nil {
		return Update{}, err
	}
	nlriBytes := rest[2+alen:]
	nlri, err := decodeNLRI(nlriBytes, route.FamilyIPv4)
	if err != nil {
		return Update{}, err
	}

	u := Update{WithdrawnRoutes: withdrawn, Attrs: attrs, NLRI: nlri}

	if len(nlri) > 0 {
		if attrs.Origin == nil {
			return u, newErr(KindUpdate, ErrUpdateMessage, SubMissingWellKnownAttr, "missing ORIGIN", []byte{AttrOrigin})
		}
		if len(attrs.ASPath) == 0 {
			return u, newErr(KindUpdate, ErrUpdateMessage, SubMissingWellKnownAttr, "missing AS_PATH", []byte{AttrASPath})
		}
		if attrs.NextHop == nil {
			return u, newErr(KindUpdate, ErrUpdateMessage, SubMissingWellKnownAttr, "missing NEXT_HOP", []byte{AttrNextHop})
		}
	}
	if attrs.MPReachNLRI != nil && len(attrs.MPReachNLRI.NLRI) > 0 {
		if attrs.Origin == nil {
			return u, newErr(KindUpdate, ErrUpdateMessage, SubMissingWellKnownAttr, "missing ORIGIN", []byte{AttrOrigin})
		}
		if len(attrs.ASPath) == 0 {
			return u, newErr(KindUpdate, ErrUpdateMessage, SubMissingWellKnownAttr, "missing AS_PATH", []byte{AttrASPath})
		}
	}
	return u, nil
}
