package codec

import "encoding/binary"

// Notification is the decoded NOTIFICATION message (RFC 4271 §4.5).
type Notification struct {
	ErrorCode    uint8
	ErrorSubcode uint8
	Data         []byte
}

// EncodeNotification serializes a NOTIFICATION message including header.
func EncodeNotification(n Notification) []byte {
	payload := append([]byte{n.ErrorCode, n.ErrorSubcode}, n.Data...)
	return append(EncodeHeader(MsgNotification, len(payload)), payload...)
}

// DecodeNotification parses a NOTIFICATION payload.
func DecodeNotification(payload []byte) (Notification, error) {
	if len(payload) < 2 {
		return Notification{}, newErr(KindHeader, ErrMessageHeader, SubBadMessageLength, "short NOTIFICATION", nil)
	}
	return Notification{
		ErrorCode:    payload[0],
		ErrorSubcode: payload[1],
		Data:         append([]byte(nil), payload[2:]...),
	}, nil
}

// NotificationFromError converts a codec Error into the NOTIFICATION the
// session layer sends before tearing down the FSM.
func NotificationFromError(e *Error) Notification {
	return Notification{ErrorCode: e.Code, ErrorSubcode: e.Subcode, Data: e.Data}
}

// EncodeKeepalive serializes a KEEPALIVE message: header only.
func EncodeKeepalive() []byte {
	return EncodeHeader(MsgKeepalive, 0)
}

// RouteRefresh is the decoded ROUTE-REFRESH message (RFC 2918).
type RouteRefresh struct {
	AFI  uint16
	SAFI uint8
}

// EncodeRouteRefresh serializes a ROUTE-REFRESH message including header.
func EncodeRouteRefresh(r RouteRefresh) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], r.AFI)
	payload[2] = 0 // reserved
	payload[3] = r.SAFI
	return append(EncodeHeader(MsgRouteRefresh, len(payload)), payload...)
}

// DecodeRouteRefresh parses a ROUTE-REFRESH payload.
func DecodeRouteRefresh(payload []byte) (RouteRefresh, error) {
	if len(payload) < 4 {
		return RouteRefresh{}, newErr(KindHeader, ErrMessageHeader, SubBadMessageLength, "short ROUTE-REFRESH", nil)
	}
	return RouteRefresh{AFI: binary.BigEndian.Uint16(payload[0:2]), SAFI: payload[3]}, nil
}
