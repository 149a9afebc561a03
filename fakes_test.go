// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"context"
	"sync"

	psdp "github.com/pion/sdp/v3"
)

// fakeInvitation is an in-memory Invitation used by session/manager tests,
// standing in for invitation_sipgo.go's sipgo-backed adapters the way the
// teacher's tests stand up a real sipgo dialog pair over loopback UDP; here
// a fake is enough since nothing under test depends on wire behavior.
type fakeInvitation struct {
	mu sync.Mutex

	outgoing  bool
	callerURI string
	remoteURI string
	state     DialogState

	offeredLocal  *SDP
	offeredRemote *SDP
	activeLocal   *SDP
	activeRemote  *SDP

	events chan DialogEvent

	sendInviteErr    error
	acceptInviteErr  error
	sendReinviteErr  error
	disconnectCalled int
	reinviteCodes    []int
}

func newFakeInvitation(outgoing bool, remoteSDP *SDP) *fakeInvitation {
	st := DialogCalling
	if !outgoing {
		st = DialogIncoming
	}
	return &fakeInvitation{
		outgoing:      outgoing,
		callerURI:     "sip:local@example.com",
		remoteURI:     "sip:remote@example.com",
		state:         st,
		offeredRemote: remoteSDP,
		events:        make(chan DialogEvent, 16),
	}
}

func (f *fakeInvitation) SendInvite(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendInviteErr != nil {
		return f.sendInviteErr
	}
	f.activeLocal = f.offeredLocal
	if f.activeRemote == nil {
		f.activeRemote = audioOnlySDP("198.51.100.5", 40000)
	}
	f.pushStateLocked(DialogConnecting, DialogStateChange{HasCode: true, Code: 200, Reason: "OK"})
	f.pushSDPLocked(true, f.activeLocal, f.activeRemote, "")
	f.pushStateLocked(DialogConfirmed, DialogStateChange{})
	return nil
}

func (f *fakeInvitation) AcceptInvite(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptInviteErr != nil {
		return f.acceptInviteErr
	}
	f.activeLocal = f.offeredLocal
	f.activeRemote = f.offeredRemote
	f.pushStateLocked(DialogConnecting, DialogStateChange{HasCode: true, Code: 200, Reason: "OK"})
	f.pushStateLocked(DialogConfirmed, DialogStateChange{})
	f.pushSDPLocked(true, f.activeLocal, f.activeRemote, "")
	return nil
}

func (f *fakeInvitation) RespondToInviteProvisionally(code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code >= 180 && code < 200 {
		f.pushStateLocked(DialogEarly, DialogStateChange{HasCode: true, Code: code})
	}
	return nil
}

func (f *fakeInvitation) RespondToReinvite(code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinviteCodes = append(f.reinviteCodes, code)
	if code == 200 {
		f.activeLocal = f.offeredLocal
		f.pushStateLocked(DialogConfirmed, DialogStateChange{})
	}
	return nil
}

func (f *fakeInvitation) SendReinvite(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendReinviteErr != nil {
		return f.sendReinviteErr
	}
	f.activeLocal = f.offeredLocal
	f.pushSDPLocked(true, f.activeLocal, f.activeRemote, "")
	return nil
}

func (f *fakeInvitation) Disconnect(ctx context.Context, code ...int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalled++
	prev := f.state
	f.pushStateLocked(DialogDisconnecting, DialogStateChange{})
	f.pushStateLocked(DialogDisconnected, DialogStateChange{PrevState: prev, HasMethod: true, Method: "BYE"})
	close(f.events)
	return nil
}

func (f *fakeInvitation) SetOfferedLocalSDP(sdp *SDP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offeredLocal = sdp
}

func (f *fakeInvitation) OfferedRemoteSDP() *SDP {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offeredRemote
}

func (f *fakeInvitation) ActiveLocalSDP() *SDP {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocal
}

func (f *fakeInvitation) ActiveRemoteSDP() *SDP {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeRemote
}

func (f *fakeInvitation) CallerURI() string { return f.callerURI }
func (f *fakeInvitation) RemoteURI() string { return f.remoteURI }
func (f *fakeInvitation) IsOutgoing() bool  { return f.outgoing }

func (f *fakeInvitation) State() DialogState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeInvitation) Events() <-chan DialogEvent { return f.events }

// pushStateLocked must be called with f.mu held.
func (f *fakeInvitation) pushStateLocked(newState DialogState, extra DialogStateChange) {
	extra.PrevState = f.state
	extra.State = newState
	f.state = newState
	f.events <- DialogEvent{Kind: DialogEventStateChange, StateChange: extra}
}

func (f *fakeInvitation) pushSDPLocked(ok bool, local, remote *SDP, errMsg string) {
	f.events <- DialogEvent{Kind: DialogEventSDPUpdate, SDPUpdate: SDPUpdate{Succeeded: ok, LocalSDP: local, RemoteSDP: remote, Error: errMsg}}
}

// simulateRemoteReinvite lets a test drive the REINVITED branch without a
// real transport: it stashes a proposed remote SDP and fires the state
// change the manager's dispatch loop reacts to.
func (f *fakeInvitation) simulateRemoteReinvite(proposed *SDP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offeredRemote = proposed
	f.pushStateLocked(DialogReinvited, DialogStateChange{})
}

// simulateDisconnect pushes a DISCONNECTED state change with caller-chosen
// fields, letting a test drive the failure-reason precedence in
// manager.go's handleDisconnected without a real BYE/CANCEL/timeout.
func (f *fakeInvitation) simulateDisconnect(dsc DialogStateChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushStateLocked(DialogDisconnected, dsc)
	close(f.events)
}

// fakeRTPTransport is a synchronous RTPTransport that succeeds unless
// failWith is set.
type fakeRTPTransport struct {
	events   chan TransportEvent
	failWith string
	port     int
}

func newFakeRTPTransport() *fakeRTPTransport {
	return &fakeRTPTransport{events: make(chan TransportEvent, 1), port: 20000}
}

func (t *fakeRTPTransport) SetInit() {
	if t.failWith != "" {
		t.events <- TransportEvent{Initialized: false, Reason: t.failWith}
		return
	}
	t.events <- TransportEvent{Initialized: true}
}

func (t *fakeRTPTransport) Events() <-chan TransportEvent { return t.events }

// fakeAudioTransport is an in-memory AudioTransport for exercising the
// Session's hold/unhold/DTMF/no-media logic without a socket.
type fakeAudioTransport struct {
	mu sync.Mutex

	direction   Direction
	active      bool
	remoteSeen  bool
	dtmf        chan string
	sentDigits  []string
	startCalled int
	stopCalled  int
}

func newFakeAudioTransport() *fakeAudioTransport {
	return &fakeAudioTransport{direction: DirectionSendRecv, dtmf: make(chan string, 4)}
}

func (a *fakeAudioTransport) LocalMedia(isOffer bool, direction Direction) *psdp.MediaDescription {
	return audioMediaDescription(20000, isOffer, direction)
}

func (a *fakeAudioTransport) Start(localSDP, remoteSDP *SDP, audioIndex int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = true
	a.startCalled++
	return nil
}

func (a *fakeAudioTransport) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	a.stopCalled++
	return nil
}

func (a *fakeAudioTransport) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *fakeAudioTransport) Direction() Direction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.direction
}

func (a *fakeAudioTransport) UpdateDirection(d Direction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.direction = d
}

func (a *fakeAudioTransport) SendDTMF(digit string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sentDigits = append(a.sentDigits, digit)
	return nil
}

func (a *fakeAudioTransport) DTMF() <-chan string { return a.dtmf }

func (a *fakeAudioTransport) RemoteRTPAddressReceived() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remoteSeen
}

// fakeEngine counts connect/disconnect calls instead of mixing audio.
type fakeEngine struct {
	mu         sync.Mutex
	connects   int
	disconnect int
}

func (e *fakeEngine) ConnectAudioTransport(t AudioTransport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connects++
	return nil
}

func (e *fakeEngine) DisconnectAudioTransport(t AudioTransport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnect++
	return nil
}

// testConfig builds a Config wired entirely to fakes: no UDP socket, no
// real codec work, suitable for session/manager unit tests.
func testConfig() *Config {
	return NewConfig(
		WithTransportFactories(
			func(RTPConfig) (RTPTransport, error) { return newFakeRTPTransport(), nil },
			func(RTPTransport, *SDP, int) (AudioTransport, error) { return newFakeAudioTransport(), nil },
		),
		WithRecordingDir(""),
	)
}

// audioOnlySDP builds a minimal single-audio-line SDP offer/answer body
// for tests that don't care about the exact codec list.
func audioOnlySDP(addr string, port int) *SDP {
	sd := newBaseSDP(addr, newSessionID(), 1)
	sd.MediaDescriptions = []*psdp.MediaDescription{audioMediaDescription(port, true, DirectionSendRecv)}
	return sd
}
