package codec

import (
	"encoding/binary"
	"net"
)

// Capability codes (RFC 5492 and extensions).
const (
	CapMultiprotocol   uint8 = 1
	CapRouteRefresh    uint8 = 2
	CapGracefulRestart uint8 = 64
	CapFourOctetAS     uint8 = 65
)

// Capability is one TLV carried in an OPEN Optional Parameter of type 2
// (Capabilities, RFC 5492).
type Capability struct {
	Code  uint8
	Value []byte
}

// MultiprotocolAFISAFI decodes a Code=1 capability value into AFI/SAFI.
func (c Capability) MultiprotocolAFISAFI() (afi uint16, safi uint8, ok bool) {
	if c.Code != CapMultiprotocol || len(c.Value) != 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(c.Value[0:2]), c.Value[3], true
}

// EncodeMultiprotocolCapability builds a Code=1 capability for one
// AFI/SAFI pair (RFC 4760); the OPEN carries one per declared pair.
func EncodeMultiprotocolCapability(afi uint16, safi uint8) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], afi)
	v[2] = 0 // reserved
	v[3] = safi
	return Capability{Code: CapMultiprotocol, Value: v}
}

// EncodeRouteRefreshCapability builds a Code=2 capability (RFC 2918).
func EncodeRouteRefreshCapability() Capability {
	return Capability{Code: CapRouteRefresh, Value: nil}
}

// EncodeGracefulRestartCapability builds a Code=64 capability (RFC 4724)
// carrying the restart time in seconds. Flags are zero; restart-mode wire
// behaviors beyond the capability itself are not implemented, but the
// restart time must travel so the helper side can honor it.
func EncodeGracefulRestartCapability(restartSeconds uint16) Capability {
	v := make([]byte, 2)
	binary.BigEndian.PutUint16(v, restartSeconds&0x0fff)
	return Capability{Code: CapGracefulRestart, Value: v}
}

// GracefulRestartTime decodes a Code=64 capability's restart time.
func (c Capability) GracefulRestartTime() (seconds uint16, ok bool) {
	if c.Code != CapGracefulRestart || len(c.Value) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(c.Value[0:2]) & 0x0fff, true
}

// EncodeFourOctetASCapability builds a Code=65 capability (RFC 6793).
func EncodeFourOctetASCapability(asn uint32) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, asn)
	return Capability{Code: CapFourOctetAS, Value: v}
}

func encodeCapability(c Capability) []byte {
	return append([]byte{c.Code, byte(len(c.Value))}, c.Value...)
}

func decodeCapability(data []byte) (Capability, int, bool) {
	if len(data) < 2 {
		return Capability{}, 0, false
	}
	code := data[0]
	length := int(data[1])
	if len(data) < 2+length {
		return Capability{}, 0, false
	}
	return Capability{Code: code, Value: append([]byte(nil), data[2:2+length]...)}, 2 + length, true
}

// OptParamCapabilities is the Optional Parameter type code carrying
// capabilities (RFC 5492 §4).
const OptParamCapabilities uint8 = 2

// Open is the decoded OPEN message (RFC 4271 §4.2).
type Open struct {
	Version      uint8
	MyASN        uint16 // 2-octet AS field; 4-octet AS travels in a capability
	HoldTime     uint16
	BGPID        net.IP
	Capabilities []Capability
}

// EncodeOpen serializes an OPEN message, including the full 19-byte header.
func EncodeOpen(o Open) []byte {
	var params []byte
	if len(o.Capabilities) > 0 {
		var capBytes []byte
		for _, c := range o.Capabilities {
			capBytes = append(capBytes, encodeCapability(c)...)
		}
		params = append(params, OptParamCapabilities, byte(len(capBytes)))
		params = append(params, capBytes...)
	}

	payload := make([]byte, 10, 10+len(params))
	payload[0] = o.Version
	binary.BigEndian.PutUint16(payload[1:3], o.MyASN)
	binary.BigEndian.PutUint16(payload[3:5], o.HoldTime)
	ip4 := o.BGPID.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(payload[5:9], ip4)
	payload[9] = byte(len(params))
	payload = append(payload, params...)

	return append(EncodeHeader(MsgOpen, len(payload)), payload...)
}

// DecodeOpen parses an OPEN message payload (header already stripped) and
// validates version, hold-time, and BGP identifier.
func DecodeOpen(payload []byte) (Open, error) {
	if len(payload) < 10 {
		return Open{}, newErr(KindOpen, ErrOpenMessage, 0, "short OPEN", nil)
	}
	var o Open
	o.Version = payload[0]
	if o.Version != Version {
		return Open{}, newErr(KindOpen, ErrOpenMessage, SubUnsupportedVersionNumber, "unsupported version", []byte{0, Version})
	}
	o.MyASN = binary.BigEndian.Uint16(payload[1:3])
	o.HoldTime = binary.BigEndian.Uint16(payload[3:5])
	if o.HoldTime != 0 && o.HoldTime < 3 {
		return Open{}, newErr(KindOpen, ErrOpenMessage, SubUnacceptableHoldTime, "unacceptable hold time", nil)
	}
	o.BGPID = net.IPv4(payload[5], payload[6], payload[7], payload[8])
	if o.BGPID.To4() == nil || o.BGPID.IsUnspecified() {
		return Open{}, newErr(KindOpen, ErrOpenMessage, SubBadBGPIdentifier, "bad BGP identifier", nil)
	}
	paramsLen := int(payload[9])
	rest := payload[10:]
	if len(rest) < paramsLen {
		return Open{}, newErr(KindOpen, ErrOpenMessage, SubUnsupportedOptionalParam, "optional parameter length mismatch", nil)
	}
	rest = rest[:paramsLen]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return Open{}, newErr(KindOpen, ErrOpenMessage, SubUnsupportedOptionalParam, "truncated optional parameter", nil)
		}
		ptype := rest[0]
		plen := int(rest[1])
		if len(rest) < 2+plen {
			return Open{}, newErr(KindOpen, ErrOpenMessage, SubUnsupportedOptionalParam, "truncated optional parameter value", nil)
		}
		pval := rest[2 : 2+plen]
		if ptype == OptParamCapabilities {
			for len(pval) > 0 {
				cap, n, ok := decodeCapability(pval)
				if !ok {
					return Open{}, newErr(KindOpen, ErrOpenMessage, SubUnsupportedCapability, "malformed capability", nil)
				}
				o.Capabilities = append(o.Capabilities, cap)
				pval = pval[n:]
			}
		}
		rest = rest[2+plen:]
	}
	return o, nil
}
