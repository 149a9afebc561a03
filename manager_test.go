// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"context"
	"testing"
	"time"

	psdp "github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// establishedWithInvitation builds a Session already in ESTABLISHED state
// bound to inv, without going through the async transport-initializer path,
// so re-INVITE/disconnect policy tests can drive handleReinvite/
// handleDisconnected directly and deterministically.
func establishedWithInvitation(t *testing.T, m *Manager, inv *fakeInvitation, current *SDP) *Session {
	t.Helper()
	s := m.newBoundSession("sess-" + t.Name())
	s.inv = inv
	s.outgoing = inv.outgoing
	s.audioSDPIndex = 0
	s.audioTransport = newFakeAudioTransport()

	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.outgoing {
		require.NoError(t, s.fireLocked("dial"))
	} else {
		require.NoError(t, s.fireLocked("ring"))
		require.NoError(t, s.fireLocked("acceptStart"))
	}
	require.NoError(t, s.fireLocked("establish"))

	inv.activeLocal = current
	inv.activeRemote = current
	return s
}

// callingWithInvitation builds a Session still in CALLING, for tests that
// drive handleDisconnected's pre-establishment failure-reason precedence.
func callingWithInvitation(t *testing.T, m *Manager, inv *fakeInvitation) *Session {
	t.Helper()
	s := m.newBoundSession("sess-" + t.Name())
	s.inv = inv
	s.outgoing = true

	s.mu.Lock()
	require.NoError(t, s.fireLocked("dial"))
	s.mu.Unlock()
	return s
}

func TestHandleReinviteIdenticalEchoesLocalAnswer(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(false, nil)
	current := audioOnlySDP("203.0.113.9", 30000)
	s := establishedWithInvitation(t, m, inv, current)

	proposed := *current
	inv.offeredRemote = &proposed

	s.mu.Lock()
	m.handleReinvite(s, inv)
	s.mu.Unlock()

	require.Len(t, inv.reinviteCodes, 1)
	assert.Equal(t, 200, inv.reinviteCodes[0])
	assert.Equal(t, StateEstablished, s.State())
}

func TestHandleReinviteIdenticalVersionDifferentBodyRejected(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(false, nil)
	current := audioOnlySDP("203.0.113.9", 30000)
	s := establishedWithInvitation(t, m, inv, current)

	proposed := *current
	proposed.MediaDescriptions = []*psdp.MediaDescription{audioMediaDescription(30002, true, DirectionSendRecv)}
	inv.offeredRemote = &proposed

	s.mu.Lock()
	m.handleReinvite(s, inv)
	s.mu.Unlock()

	require.Len(t, inv.reinviteCodes, 1)
	assert.Equal(t, 488, inv.reinviteCodes[0])
}

func TestHandleReinviteVersionBumpNoNewAudioAccepted(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(false, nil)
	current := audioOnlySDP("203.0.113.9", 30000)
	s := establishedWithInvitation(t, m, inv, current)

	proposed := *current
	proposed.Origin.SessionVersion++
	inv.offeredRemote = &proposed

	s.mu.Lock()
	m.handleReinvite(s, inv)
	s.mu.Unlock()

	require.Len(t, inv.reinviteCodes, 1)
	assert.Equal(t, 200, inv.reinviteCodes[0])
	assert.Equal(t, StateEstablished, s.State())
}

func TestHandleReinviteNewlyProposedAudioAsksApplication(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(false, nil)
	// current has no active audio (port 0, e.g. a prior video-only stream);
	// this is the one legitimate way newlyProposedAudio can fire.
	current := newBaseSDP("203.0.113.9", newSessionID(), 1)
	current.MediaDescriptions = []*psdp.MediaDescription{audioMediaDescription(0, true, DirectionInactive)}
	s := establishedWithInvitation(t, m, inv, current)

	events := subscribeChan(s)
	proposed := *current
	proposed.Origin.SessionVersion++
	proposed.MediaDescriptions = []*psdp.MediaDescription{audioMediaDescription(30000, true, DirectionSendRecv)}
	inv.offeredRemote = &proposed

	s.mu.Lock()
	m.handleReinvite(s, inv)
	s.mu.Unlock()

	require.Len(t, inv.reinviteCodes, 1)
	assert.Equal(t, 180, inv.reinviteCodes[0])
	assert.Equal(t, StateProposed, s.State())
	waitEvent(t, events, EventGotStreamProposal, time.Second)
}

func TestHandleReinviteOriginMismatchRejected(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(false, nil)
	current := audioOnlySDP("203.0.113.9", 30000)
	s := establishedWithInvitation(t, m, inv, current)

	proposed := *current
	proposed.Origin.SessionVersion++
	proposed.Origin.UnicastAddress = "203.0.113.10"
	inv.offeredRemote = &proposed

	s.mu.Lock()
	m.handleReinvite(s, inv)
	s.mu.Unlock()

	require.Len(t, inv.reinviteCodes, 1)
	assert.Equal(t, 488, inv.reinviteCodes[0])
}

func TestHandleReinviteVersionGapRejected(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(false, nil)
	current := audioOnlySDP("203.0.113.9", 30000)
	s := establishedWithInvitation(t, m, inv, current)

	proposed := *current
	proposed.Origin.SessionVersion += 2
	inv.offeredRemote = &proposed

	s.mu.Lock()
	m.handleReinvite(s, inv)
	s.mu.Unlock()

	require.Len(t, inv.reinviteCodes, 1)
	assert.Equal(t, 488, inv.reinviteCodes[0])
}

func TestHandleDisconnectedTimeoutAfterConnecting(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(true, nil)
	s := callingWithInvitation(t, m, inv)

	events := subscribeChan(s)
	s.mu.Lock()
	m.handleDisconnected(s, inv, DialogStateChange{
		PrevState: DialogConnecting,
		HasCode:   true,
		Code:      408,
	}, StateCalling)
	s.mu.Unlock()

	ev := waitEvent(t, events, EventDidFail, time.Second)
	assert.Equal(t, "No ACK received", ev.Reason)
	assert.Equal(t, 408, ev.Code)
}

func TestHandleDisconnectedWarningHeaderDetail(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(true, nil)
	s := callingWithInvitation(t, m, inv)

	events := subscribeChan(s)
	s.mu.Lock()
	m.handleDisconnected(s, inv, DialogStateChange{
		PrevState: DialogCalling,
		HasCode:   true,
		Code:      488,
		Reason:    "Not Acceptable Here",
		Headers:   map[string]string{"Warning": `370 proxy.example.com "Insufficient bandwidth"`},
	}, StateCalling)
	s.mu.Unlock()

	ev := waitEvent(t, events, EventDidFail, time.Second)
	assert.Equal(t, "Not Acceptable Here (Insufficient bandwidth)", ev.Reason)
}

func TestHandleDisconnectedCancelledRequest(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(true, nil)
	s := callingWithInvitation(t, m, inv)

	events := subscribeChan(s)
	s.mu.Lock()
	m.handleDisconnected(s, inv, DialogStateChange{
		PrevState: DialogCalling,
		HasMethod: true,
		Method:    "CANCEL",
	}, StateCalling)
	s.mu.Unlock()

	ev := waitEvent(t, events, EventDidFail, time.Second)
	assert.Equal(t, "Request cancelled", ev.Reason)
}

func TestHandleDisconnectedUsesLastSDPFailureReason(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(true, nil)
	s := callingWithInvitation(t, m, inv)
	s.sdpNegFailureReason = "codec mismatch"

	events := subscribeChan(s)
	s.mu.Lock()
	m.handleDisconnected(s, inv, DialogStateChange{PrevState: DialogCalling}, StateCalling)
	s.mu.Unlock()

	ev := waitEvent(t, events, EventDidFail, time.Second)
	assert.Equal(t, "codec mismatch", ev.Reason)
}

func TestHandleDisconnectedNoFailureAfterConfirmed(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(true, nil)
	current := audioOnlySDP("203.0.113.9", 30000)
	s := establishedWithInvitation(t, m, inv, current)

	events := subscribeChan(s)
	s.mu.Lock()
	m.handleDisconnected(s, inv, DialogStateChange{PrevState: DialogConfirmed, HasMethod: true, Method: "BYE"}, StateEstablished)
	s.mu.Unlock()

	ev := waitEvent(t, events, EventDidEnd, time.Second)
	assert.Equal(t, OriginatorRemote, ev.Originator)
}

func TestHandleDisconnectedNoFailureWhenLocallyTerminating(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(true, nil)
	current := audioOnlySDP("203.0.113.9", 30000)
	s := establishedWithInvitation(t, m, inv, current)
	s.mu.Lock()
	require.NoError(t, s.fireLocked("terminate"))
	s.mu.Unlock()

	events := subscribeChan(s)
	s.mu.Lock()
	m.handleDisconnected(s, inv, DialogStateChange{PrevState: DialogDisconnecting, HasMethod: true, Method: "BYE"}, StateTerminating)
	s.mu.Unlock()

	ev := waitEvent(t, events, EventDidEnd, time.Second)
	assert.Equal(t, OriginatorLocal, ev.Originator)
}

func TestRegisterAudioTransportRelaysDTMFToSession(t *testing.T) {
	m := newTestManager()
	inv := newFakeInvitation(true, nil)
	current := audioOnlySDP("203.0.113.9", 30000)
	s := establishedWithInvitation(t, m, inv, current)
	at := s.audioTransport.(*fakeAudioTransport)

	events := subscribeChan(s)
	m.registerAudioTransport(at, s)
	at.dtmf <- "7"

	ev := waitEvent(t, events, EventGotDTMF, time.Second)
	assert.Equal(t, "7", ev.Digit)

	m.unregisterAudioTransport(at)
}

func TestWarningDetailFallsBackToRawOnMalformedHeader(t *testing.T) {
	assert.Equal(t, "garbled", warningDetail("garbled"))
	assert.Equal(t, "Insufficient bandwidth", warningDetail(`370 proxy.example.com "Insufficient bandwidth"`))
}

func TestPeerKeyFromURI(t *testing.T) {
	assert.Equal(t, PeerKey{User: "bob", Host: "example.com"}, peerKeyFromURI("sip:bob@example.com"))
	assert.Equal(t, PeerKey{User: "bob", Host: "example.com"}, peerKeyFromURI("sips:bob@example.com;transport=tls"))
	assert.Equal(t, PeerKey{Host: "example.com"}, peerKeyFromURI("sip:example.com"))
}

func TestHandleIncomingInvitationSendsProvisionalRinging(t *testing.T) {
	m := newTestManager()
	remote := audioOnlySDP("203.0.113.9", 30000)
	inv := newFakeInvitation(false, remote)

	_, err := m.HandleIncomingInvitation(context.Background(), inv, "")
	require.NoError(t, err)
	assert.Equal(t, DialogEarly, inv.State())
}
