// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/looplab/fsm"
	psdp "github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the Session's own state machine, distinct from the dialog
// engine's DialogState (spec §3). The manager translates dialog/SDP
// events into calls that drive this machine.
type State string

const (
	StateNull        State = "NULL"
	StateCalling     State = "CALLING"
	StateIncoming    State = "INCOMING"
	StateAccepting   State = "ACCEPTING"
	StateEstablished State = "ESTABLISHED"
	StateProposed    State = "PROPOSED"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
)

const noAudioWatchdog = 5 * time.Second

// queuedAction is a pending hold/unhold request, processed one at a time
// in FIFO order (spec §4.3 "hold/unhold action queue").
type queuedAction int

const (
	actionHold queuedAction = iota
	actionUnhold
)

// Session is a single SIP call under negotiation: it owns the dialog
// state machine's media consequences, the one audio stream it drives, and
// everything hold/recording/DTMF related layered on top of it (spec §3,
// §4.2, §4.3). All exported methods and all manager callbacks serialize
// through mu, mirroring the single re-entrant lock of the source this
// design is grounded on.
type Session struct {
	mu  sync.Mutex
	fsm *fsm.FSM

	id     string
	cfg    *Config
	engine Engine
	notify *notifier
	log    zerolog.Logger

	inv             Invitation
	outgoing        bool
	remoteUserAgent string

	startTime time.Time
	stopTime  time.Time

	onHoldByLocal  bool
	onHoldByRemote bool

	audioSDPIndex  int
	audioTransport AudioTransport

	queue []queuedAction

	ringtone *ringtonePlayer

	sdpNegFailureReason string
	noAudioTimer        *time.Timer

	recorder *AudioRecorder

	// registerAudioTransport/unregisterAudioTransport let the manager keep
	// its DTMF demux table (transport -> session) in sync with the one
	// audio stream this session owns at a time.
	registerAudioTransport   func(AudioTransport, *Session)
	unregisterAudioTransport func(AudioTransport)

	// onEnded lets the manager drop this session from its dialog demux
	// table once it reaches TERMINATED, regardless of which path got it
	// there.
	onEnded func()
}

func newSession(id string, cfg *Config, engine Engine) *Session {
	s := &Session{
		id:            id,
		cfg:           cfg,
		engine:        engine,
		notify:        newNotifier(id),
		log:           log.With().Str("call_id", id).Logger(),
		audioSDPIndex: -1,
	}
	s.fsm = fsm.NewFSM(
		string(StateNull),
		fsm.Events{
			{Name: "dial", Src: []string{string(StateNull)}, Dst: string(StateCalling)},
			{Name: "ring", Src: []string{string(StateNull)}, Dst: string(StateIncoming)},
			{Name: "acceptStart", Src: []string{string(StateIncoming)}, Dst: string(StateAccepting)},
			{Name: "establish", Src: []string{string(StateCalling), string(StateAccepting)}, Dst: string(StateEstablished)},
			{Name: "fail", Src: []string{string(StateCalling), string(StateAccepting)}, Dst: string(StateTerminated)},
			{Name: "propose", Src: []string{string(StateEstablished)}, Dst: string(StateProposed)},
			{Name: "resolveProposal", Src: []string{string(StateProposed)}, Dst: string(StateEstablished)},
			{
				Name: "terminate",
				Src: []string{
					string(StateCalling), string(StateIncoming), string(StateAccepting),
					string(StateEstablished), string(StateProposed),
				},
				Dst: string(StateTerminating),
			},
			{
				// Driven by the dialog reaching DISCONNECTED, which can
				// happen from any non-terminal state: a remote rejection
				// before ESTABLISHED, a normal hangup, or the completion of
				// a locally requested Terminate.
				Name: "terminated",
				Src: []string{
					string(StateCalling), string(StateIncoming), string(StateAccepting),
					string(StateEstablished), string(StateProposed), string(StateTerminating),
				},
				Dst: string(StateTerminated),
			},
		},
		fsm.Callbacks{},
	)
	return s
}

// ID returns the session identifier, a UUID the Manager assigns when it
// creates the session.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State(s.fsm.Current())
}

// OnHold reports whether either party has put the call on hold.
func (s *Session) OnHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onHoldByLocal || s.onHoldByRemote
}

func (s *Session) RemoteUserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUserAgent
}

// AudioRecordingFileName returns the active recording's file name, or ""
// when not recording.
func (s *Session) AudioRecordingFileName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return ""
	}
	return s.recorder.FileName()
}

// Subscribe registers a listener for this session's notifications.
func (s *Session) Subscribe(l Listener) (cancel func()) {
	return s.notify.Subscribe(l)
}

func (s *Session) changeState(newState State) {
	prev := State(s.fsm.Current())
	if prev == newState {
		return
	}
	if newState == StateIncoming && s.ringtone != nil {
		s.ringtone.Start()
	}
	if (prev == StateIncoming || prev == StateCalling) && s.ringtone != nil {
		s.ringtone.Stop()
		s.ringtone = nil
	}
	s.notify.publish(Event{Type: EventChangedState, PrevState: prev, State: newState})
}

func (s *Session) fireLocked(event string) error {
	prev := State(s.fsm.Current())
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidState, prev, event, err)
	}
	s.changeState(State(s.fsm.Current()))
	return nil
}

// startOutgoing begins an outgoing call: it kicks off asynchronous RTP
// transport setup and moves the session from NULL to CALLING. The
// Invitation's SendInvite only happens once transport setup finishes
// (newContinue), matching the source's new()/_new_continue
// split.
func (s *Session) startOutgoing(inv Invitation, audio bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fsm.Current() != string(StateNull) {
		return fmt.Errorf("%w: session already started", ErrInvalidState)
	}
	if !audio {
		return ErrNoMediaRequested
	}

	s.inv = inv
	s.outgoing = true
	if path := s.cfg.Ringtone.Ringback; path != "" {
		s.ringtone = newRingtonePlayer(path)
	}

	rtp, err := s.cfg.NewRTPTransport(s.cfg.RTP)
	if err != nil {
		return fmt.Errorf("creating audio RTP transport: %w", err)
	}

	if err := s.fireLocked("dial"); err != nil {
		return err
	}
	s.notify.publish(Event{Type: EventNewOutgoing, Audio: audio})

	newTransportInitializer(
		map[string]RTPTransport{"audio": rtp},
		nil,
		func(results map[string]RTPTransport) { s.newContinue(results["audio"]) },
		func(reason string) { s.newFail(reason) },
	)
	return nil
}

// doFailLocked finalizes a session that never reached a negotiated dialog:
// audio transport setup failed before the INVITE (or its acceptance) was
// ever sent, so there is no TERMINATING interim state to pass through
// (grounded on the source's _do_fail).
func (s *Session) doFailLocked(reason string) {
	s.stopMediaLocked()
	s.inv = nil
	_ = s.fireLocked("fail")
	s.notify.publish(Event{Type: EventDidFail, Originator: OriginatorLocal, Code: 0, Reason: reason})
	s.notify.publish(Event{Type: EventDidEnd, Originator: OriginatorLocal})
	if s.onEnded != nil {
		s.onEnded()
	}
}

func (s *Session) newFail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() != string(StateCalling) {
		return
	}
	s.doFailLocked(reason)
}

func (s *Session) newContinue(rtp RTPTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() != string(StateCalling) {
		return
	}

	media, err := s.initAudioLocked(rtp, nil, 0)
	if err != nil {
		s.doFailLocked(err.Error())
		return
	}
	s.audioSDPIndex = 0

	localSDP := newBaseSDP(s.cfg.RTP.LocalRTPAddress, newSessionID(), 1)
	localSDP.MediaDescriptions = []*psdp.MediaDescription{media}
	s.inv.SetOfferedLocalSDP(localSDP)
	if err := s.inv.SendInvite(context.Background()); err != nil {
		s.doFailLocked(err.Error())
	}
}

// Accept accepts an incoming call, requesting the audio stream proposed
// by the remote party.
func (s *Session) Accept(ctx context.Context, audio bool) error {
	s.mu.Lock()
	if s.fsm.Current() != string(StateIncoming) {
		s.mu.Unlock()
		return fmt.Errorf("%w: Accept requires INCOMING", ErrInvalidState)
	}

	remoteSDP := s.inv.OfferedRemoteSDP()
	audioIndex := -1
	if audio {
		for i, md := range remoteSDP.MediaDescriptions {
			if md.MediaName.Media == "audio" {
				audioIndex = i
			}
		}
		if audioIndex == -1 {
			s.mu.Unlock()
			return ErrAudioNotProposed
		}
	}
	if audioIndex == -1 {
		s.mu.Unlock()
		return ErrNoStreamAccepted
	}

	rtp, err := s.cfg.NewRTPTransport(s.cfg.RTP)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("creating audio RTP transport: %w", err)
	}
	s.audioSDPIndex = audioIndex

	if err := s.fireLocked("acceptStart"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	newTransportInitializer(
		map[string]RTPTransport{"audio": rtp},
		nil,
		func(results map[string]RTPTransport) { s.acceptContinue(results["audio"]) },
		func(reason string) { s.acceptFail(reason) },
	)
	return nil
}

func (s *Session) acceptFail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() != string(StateAccepting) {
		return
	}
	s.doFailLocked(reason)
}

func (s *Session) acceptContinue(rtp RTPTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() != string(StateAccepting) {
		return
	}

	remoteSDP := s.inv.OfferedRemoteSDP()
	media, err := s.initAudioLocked(rtp, remoteSDP, s.audioSDPIndex)
	if err != nil {
		_ = s.inv.Disconnect(context.Background(), 500)
		s.doFailLocked(err.Error())
		return
	}

	localSDP := buildAnswerSDP(s.cfg.RTP.LocalRTPAddress, remoteSDP, s.audioSDPIndex, mediaPort(media))
	localSDP.MediaDescriptions[s.audioSDPIndex] = media
	s.inv.SetOfferedLocalSDP(localSDP)
	if err := s.inv.AcceptInvite(context.Background()); err != nil {
		_ = s.inv.Disconnect(context.Background(), 500)
		s.doFailLocked(err.Error())
	}
}

// Reject declines an incoming call (spec §4.3: equivalent to Terminate
// while INCOMING).
func (s *Session) Reject(ctx context.Context) error {
	return s.Terminate(ctx)
}

// AcceptProposal and RejectProposal resolve a mid-call stream proposal
// (spec §4.3). Only audio is ever proposed and no second stream type
// exists to add, so AcceptProposal moves the session out of PROPOSED and
// publishes AcceptedStreamProposal; it sends no response to the pending
// re-INVITE and starts no new stream.
func (s *Session) AcceptProposal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() != string(StateProposed) {
		return fmt.Errorf("%w: AcceptProposal requires PROPOSED", ErrInvalidState)
	}
	if err := s.fireLocked("resolveProposal"); err != nil {
		return err
	}
	s.notify.publish(Event{Type: EventAcceptedStreamProposal, Originator: OriginatorLocal})
	return nil
}

func (s *Session) RejectProposal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() != string(StateProposed) {
		return fmt.Errorf("%w: RejectProposal requires PROPOSED", ErrInvalidState)
	}
	if err := s.inv.RespondToReinvite(488); err != nil {
		return err
	}
	if err := s.fireLocked("resolveProposal"); err != nil {
		return err
	}
	s.notify.publish(Event{Type: EventRejectedStreamProposal, Originator: OriginatorLocal})
	return nil
}

// Hold enqueues a hold request, processed immediately if no other
// hold/unhold action is in flight (spec §4.3 action queue).
func (s *Session) Hold() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() != string(StateEstablished) {
		return fmt.Errorf("%w: session is not active", ErrInvalidState)
	}
	s.queue = append(s.queue, actionHold)
	if len(s.queue) == 1 {
		s.processQueueLocked()
	}
	return nil
}

func (s *Session) Unhold() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() != string(StateEstablished) {
		return fmt.Errorf("%w: session is not active", ErrInvalidState)
	}
	s.queue = append(s.queue, actionUnhold)
	if len(s.queue) == 1 {
		s.processQueueLocked()
	}
	return nil
}

// processQueueLocked drains the queue until it finds an action that
// actually changes on_hold_by_local, sends the resulting re-INVITE, and
// stops; any remaining queued actions wait for the next drain triggered
// by the re-INVITE's 200 OK (spec §4.3, grounded on _process_queue).
func (s *Session) processQueueLocked() {
	wasOnHold := s.onHoldByLocal
	var localSDP *SDP
	for len(s.queue) > 0 {
		action := s.queue[0]
		s.queue = s.queue[1:]
		switch action {
		case actionHold:
			if s.onHoldByLocal {
				continue
			}
			if s.audioTransport != nil && s.audioTransport.IsActive() {
				_ = s.engine.DisconnectAudioTransport(s.audioTransport)
			}
			localSDP = s.makeNextSDPLocked(true, true)
			s.onHoldByLocal = true
		case actionUnhold:
			if !s.onHoldByLocal {
				continue
			}
			if s.audioTransport != nil && s.audioTransport.IsActive() {
				_ = s.engine.ConnectAudioTransport(s.audioTransport)
			}
			localSDP = s.makeNextSDPLocked(true, false)
			s.onHoldByLocal = false
		}
		break
	}
	if localSDP == nil {
		return
	}
	s.inv.SetOfferedLocalSDP(localSDP)
	_ = s.inv.SendReinvite(context.Background())

	switch {
	case !wasOnHold && s.onHoldByLocal:
		s.checkRecordingHoldLocked()
		s.notify.publish(Event{Type: EventGotHoldRequest, Originator: OriginatorLocal})
	case wasOnHold && !s.onHoldByLocal:
		s.checkRecordingHoldLocked()
		s.notify.publish(Event{Type: EventGotUnholdRequest, Originator: OriginatorLocal})
	}
}

// Terminate ends the session from whatever state it is in.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := State(s.fsm.Current())
	if cur == StateNull || cur == StateTerminating || cur == StateTerminated {
		return nil
	}
	if s.inv.State() != DialogDisconnecting {
		_ = s.inv.Disconnect(ctx)
	}
	if err := s.fireLocked("terminate"); err != nil {
		return err
	}
	s.notify.publish(Event{Type: EventWillEnd})
	return nil
}

// StartRecordingAudio begins recording the active audio stream to path/
// fileName, auto-generating a file name from the remote party and current
// time when fileName is empty (spec §4.3, grounded on
// start_recording_audio's default naming). An empty path with a relative
// fileName falls back to Config.RecordingDir.
func (s *Session) StartRecordingAudio(path, fileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioTransport == nil || !s.audioTransport.IsActive() {
		return ErrNoAudioStream
	}
	if s.recorder != nil {
		return ErrAlreadyRecording
	}
	if fileName == "" {
		fileName = s.defaultRecordingFileName()
	}
	if path == "" && !filepath.IsAbs(fileName) {
		path = s.cfg.RecordingDir
	}
	rec, err := newAudioRecorder(path, fileName)
	if err != nil {
		return fmt.Errorf("starting audio recording: %w", err)
	}
	s.recorder = rec
	if !(s.onHoldByLocal || s.onHoldByRemote) {
		if err := s.recorder.Start(); err != nil {
			s.recorder = nil
			return fmt.Errorf("starting audio recording: %w", err)
		}
	}
	s.notify.publish(Event{Type: EventStartedRecordingAudio, FileName: rec.FileName()})
	return nil
}

func (s *Session) StopRecordingAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return ErrNotRecording
	}
	s.stopRecordingLocked()
	return nil
}

func (s *Session) stopRecordingLocked() {
	fileName := s.recorder.FileName()
	_ = s.recorder.Stop()
	s.recorder = nil
	s.notify.publish(Event{Type: EventStoppedRecordingAudio, FileName: fileName})
}

// checkRecordingHoldLocked pauses/resumes the recorder around hold state
// transitions (spec §4.3, grounded on _check_recording_hold).
func (s *Session) checkRecordingHoldLocked() {
	if s.recorder == nil {
		return
	}
	onHold := s.onHoldByLocal || s.onHoldByRemote
	if onHold {
		if s.recorder.IsActive() && !s.recorder.IsPaused() {
			_ = s.recorder.Pause()
		}
		return
	}
	if s.recorder.IsActive() {
		if s.recorder.IsPaused() {
			_ = s.recorder.Resume()
		}
		return
	}
	if err := s.recorder.Start(); err != nil {
		s.recorder = nil
	}
}

// SendDTMF transmits a DTMF digit over the active audio stream.
func (s *Session) SendDTMF(digit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioTransport == nil || !s.audioTransport.IsActive() {
		return ErrNoAudioStream
	}
	return s.audioTransport.SendDTMF(digit)
}

// initAudioLocked wraps rtp into an AudioTransport and registers it with
// the manager's DTMF demux table, mirroring _init_audio.
func (s *Session) initAudioLocked(rtp RTPTransport, remoteSDP *SDP, audioIndex int) (*psdp.MediaDescription, error) {
	at, err := s.cfg.NewAudioTransport(rtp, remoteSDP, audioIndex)
	if err != nil {
		return nil, fmt.Errorf("creating audio transport: %w", err)
	}
	s.audioTransport = at
	if s.registerAudioTransport != nil {
		s.registerAudioTransport(at, s)
	}
	return at.LocalMedia(remoteSDP == nil, at.Direction()), nil
}

// updateMediaLocked is driven by the manager on every successful SDP
// negotiation outcome (spec §4.2).
func (s *Session) updateMediaLocked(localSDP, remoteSDP *SDP) {
	if s.audioTransport == nil {
		return
	}
	if s.audioSDPIndex < 0 || s.audioSDPIndex >= len(localSDP.MediaDescriptions) || s.audioSDPIndex >= len(remoteSDP.MediaDescriptions) {
		return
	}
	localPort := localSDP.MediaDescriptions[s.audioSDPIndex].MediaName.Port.Value
	remotePort := remoteSDP.MediaDescriptions[s.audioSDPIndex].MediaName.Port.Value
	if localPort != 0 && remotePort != 0 {
		s.updateAudioLocked(localSDP, remoteSDP)
	} else {
		s.stopAudioLocked()
	}
}

func (s *Session) updateAudioLocked(localSDP, remoteSDP *SDP) {
	if s.audioTransport.IsActive() {
		wasOnHold := s.onHoldByRemote
		newDirection := mediaDirection(localSDP.MediaDescriptions[s.audioSDPIndex])
		s.onHoldByRemote = !newDirection.CanSend()
		s.audioTransport.UpdateDirection(newDirection)

		switch {
		case !wasOnHold && s.onHoldByRemote:
			s.checkRecordingHoldLocked()
			s.notify.publish(Event{Type: EventGotHoldRequest, Originator: OriginatorRemote})
		case wasOnHold && !s.onHoldByRemote:
			s.checkRecordingHoldLocked()
			s.notify.publish(Event{Type: EventGotUnholdRequest, Originator: OriginatorRemote})
		}
		return
	}

	if err := s.audioTransport.Start(localSDP, remoteSDP, s.audioSDPIndex); err != nil {
		s.log.Error().Err(err).Msg("starting audio transport failed")
		return
	}
	_ = s.engine.ConnectAudioTransport(s.audioTransport)
	d := s.cfg.NoMediaTimeout
	if d <= 0 {
		d = noAudioWatchdog
	}
	s.noAudioTimer = time.AfterFunc(d, s.checkAudio)
}

func (s *Session) stopMediaLocked() {
	if s.audioTransport != nil {
		s.stopAudioLocked()
	}
}

func (s *Session) stopAudioLocked() {
	if s.audioTransport.IsActive() {
		_ = s.engine.DisconnectAudioTransport(s.audioTransport)
		_ = s.audioTransport.Stop()
		if s.noAudioTimer != nil {
			s.noAudioTimer.Stop()
			s.noAudioTimer = nil
		}
		if s.recorder != nil {
			s.stopRecordingLocked()
		}
	}
	if s.unregisterAudioTransport != nil {
		s.unregisterAudioTransport(s.audioTransport)
	}
	s.audioTransport = nil
}

func (s *Session) checkAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noAudioTimer = nil
	if s.audioTransport == nil || !s.audioTransport.IsActive() || !s.audioTransport.RemoteRTPAddressReceived() {
		s.notify.publish(Event{Type: EventGotNoAudio})
	}
}

func (s *Session) cancelMediaLocked() {
	if s.audioTransport != nil && !s.audioTransport.IsActive() {
		s.stopAudioLocked()
	}
}

// makeNextSDPLocked mirrors _make_next_sdp: bump the active local SDP's
// o= version and rebuild only the audio line.
func (s *Session) makeNextSDPLocked(isOffer, onHold bool) *SDP {
	active := s.inv.ActiveLocalSDP()
	canSend := s.audioTransport != nil && s.audioTransport.Direction().CanSend()
	port := 0
	if s.audioSDPIndex >= 0 && s.audioSDPIndex < len(active.MediaDescriptions) {
		port = active.MediaDescriptions[s.audioSDPIndex].MediaName.Port.Value
	}
	return nextSDP(active, isOffer, onHold, canSend, s.audioSDPIndex, port)
}

func (s *Session) defaultRecordingFileName() string {
	direction := "incoming"
	if s.outgoing {
		direction = "outgoing"
	}
	peer := peerKeyFromURI(s.inv.RemoteURI())
	return fmt.Sprintf("%s-%s@%s-%s.wav", time.Now().Format("20060102-150405"), peer.User, peer.Host, direction)
}

func mediaPort(md *psdp.MediaDescription) int {
	return md.MediaName.Port.Value
}
