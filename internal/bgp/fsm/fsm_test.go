package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeActions struct {
	calls          []string
	keepalivesSent int
	established    int
	lastNotifyCode uint8
	lastNotifySub  uint8
	purgedAdjRIBIn int
}

func (f *fakeActions) StartConnectRetryTimer()          { f.calls = append(f.calls, "StartConnectRetryTimer") }
func (f *fakeActions) StopConnectRetryTimer()           { f.calls = append(f.calls, "StopConnectRetryTimer") }
func (f *fakeActions) InitiateTCP()                     { f.calls = append(f.calls, "InitiateTCP") }
func (f *fakeActions) CloseTCP()                        { f.calls = append(f.calls, "CloseTCP") }
func (f *fakeActions) SendOpen()                        { f.calls = append(f.calls, "SendOpen") }
func (f *fakeActions) SendKeepalive()                   { f.keepalivesSent++ }
func (f *fakeActions) SendNotification(code, sub uint8) { f.lastNotifyCode, f.lastNotifySub = code, sub }
func (f *fakeActions) StartHold(seconds uint16)         { f.calls = append(f.calls, "StartHold") }
func (f *fakeActions) StopHold()                        { f.calls = append(f.calls, "StopHold") }
func (f *fakeActions) StartKeepaliveTimer(seconds uint16) {
	f.calls = append(f.calls, "StartKeepaliveTimer")
}
func (f *fakeActions) StopKeepaliveTimer() { f.calls = append(f.calls, "StopKeepaliveTimer") }
func (f *fakeActions) PurgeAdjRIBIn()      { f.purgedAdjRIBIn++ }
func (f *fakeActions) OnEstablished()      { f.established++ }

func establishedFSM(t *testing.T) (*FSM, *fakeActions) {
	t.Helper()
	a := &fakeActions{}
	f := New("192.0.2.1", a)
	f.HandleEvent(EvManualStart)
	require.Equal(t, Connect, f.State())
	f.HandleEvent(EvTcpConnectionConfirmed)
	require.Equal(t, OpenSent, f.State())
	f.NegotiateHoldTime(90)
	f.HandleEvent(EvBGPOpen)
	require.Equal(t, OpenConfirm, f.State())
	f.HandleEvent(EvKeepaliveMsg)
	require.Equal(t, Established, f.State())
	return f, a
}

func TestHappyPathToEstablished(t *testing.T) {
	f, a := establishedFSM(t)
	require.Equal(t, Established, f.State())
	require.Equal(t, 1, a.established)
}

func TestHoldTimerRestartedNotStoppedOnOpenSentToOpenConfirm(t *testing.T) {
	a := &fakeActions{}
	f := New("192.0.2.1", a)
	f.HandleEvent(EvManualStart)
	f.HandleEvent(EvTcpConnectionConfirmed)
	a.calls = nil
	f.NegotiateHoldTime(90)
	f.HandleEvent(EvBGPOpen)
	require.Contains(t, a.calls, "StartHold")
	require.NotContains(t, a.calls, "StopHold")
}

func TestKeepaliveOnEstablishedEntryIsNotDuplicated(t *testing.T) {
	_, a := establishedFSM(t)
	// SendOpen/SendKeepalive on the OpenSent->OpenConfirm transition sends
	// exactly one KEEPALIVE; the OpenConfirm->Established transition on
	// EvKeepaliveMsg must not send a second one.
	require.Equal(t, 1, a.keepalivesSent)
}

func TestKeepaliveTimerExpiresEmitsExactlyOneKeepalive(t *testing.T) {
	f, a := establishedFSM(t)
	// One KEEPALIVE already went out on OpenSent->OpenConfirm; each expiry
	// adds exactly one more.
	f.HandleEvent(EvKeepaliveTimerExpires)
	require.Equal(t, Established, f.State())
	require.Equal(t, 2, a.keepalivesSent)
	f.HandleEvent(EvKeepaliveTimerExpires)
	require.Equal(t, 3, a.keepalivesSent)
}

func TestHoldTimerExpiredFromEstablishedGoesIdleAndPurges(t *testing.T) {
	f, a := establishedFSM(t)
	f.HandleEvent(EvHoldTimerExpires)
	require.Equal(t, Idle, f.State())
	require.Equal(t, holdTimerExpired, a.lastNotifyCode)
	require.Equal(t, 1, a.purgedAdjRIBIn)
}

func TestNotificationFromAnyNonIdleGoesIdle(t *testing.T) {
	f, a := establishedFSM(t)
	f.HandleEvent(EvNotifMsg)
	require.Equal(t, Idle, f.State())
	require.Equal(t, 1, a.purgedAdjRIBIn)
}

func TestTcpFailsFromConnectGoesActive(t *testing.T) {
	a := &fakeActions{}
	f := New("192.0.2.1", a)
	f.HandleEvent(EvManualStart)
	f.HandleEvent(EvTcpConnectionFails)
	require.Equal(t, Active, f.State())
}

func TestConnectRetryExpiresFromActiveGoesConnect(t *testing.T) {
	a := &fakeActions{}
	f := New("192.0.2.1", a)
	f.HandleEvent(EvManualStart)
	f.HandleEvent(EvTcpConnectionFails)
	require.Equal(t, Active, f.State())
	f.HandleEvent(EvConnectRetryTimerExpires)
	require.Equal(t, Connect, f.State())
}
