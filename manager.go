// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the process-wide dialog/session demultiplexer (spec §4.2),
// grounded on the source's SessionManager singleton combined with the
// teacher's sync.Map-keyed dialog cache (dialog_cache.go): one Manager
// drives every INVITE dialog and every audio transport's DTMF stream to
// the Session that owns it.
type Manager struct {
	cfg    *Config
	engine Engine

	sessions        sync.Map // string (session id) -> *Session
	audioTransports sync.Map // AudioTransport -> *Session
}

func NewManager(cfg *Config, engine Engine) *Manager {
	return &Manager{cfg: cfg, engine: engine}
}

// Session looks up a live session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (m *Manager) newBoundSession(id string) *Session {
	s := newSession(id, m.cfg, m.engine)
	s.registerAudioTransport = m.registerAudioTransport
	s.unregisterAudioTransport = m.unregisterAudioTransport
	s.onEnded = func() { m.sessions.Delete(id) }
	return s
}

// PlaceCall starts an outgoing session over inv, an Invitation that has
// not yet sent its INVITE.
func (m *Manager) PlaceCall(inv Invitation, audio bool) (*Session, error) {
	id := uuid.NewString()
	s := m.newBoundSession(id)

	if err := s.startOutgoing(inv, audio); err != nil {
		return nil, err
	}
	m.sessions.Store(id, s)
	go m.dispatch(s, inv)
	return s, nil
}

// HandleIncomingInvitation evaluates a freshly arrived INVITE dialog and,
// if it offers a supported media type, provisions a new Session in the
// INCOMING state (spec §4.2, grounded on _handle_SCInvitationChangedState's
// INCOMING branch). userAgent is the request's User-Agent header, if any.
func (m *Manager) HandleIncomingInvitation(ctx context.Context, inv Invitation, userAgent string) (*Session, error) {
	remoteSDP := inv.OfferedRemoteSDP()
	hasAudio := false
	for _, md := range remoteSDP.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			hasAudio = true
		}
	}
	if !hasAudio {
		_ = inv.Disconnect(ctx, 415)
		return nil, fmt.Errorf("session: no supported media offered")
	}

	_ = inv.RespondToInviteProvisionally(180)

	id := uuid.NewString()
	s := m.newBoundSession(id)
	s.inv = inv
	s.outgoing = false
	s.remoteUserAgent = userAgent

	ringtonePath := m.cfg.Ringtone.RingtoneForPeer(peerKeyFromURI(inv.CallerURI()))
	s.ringtone = newRingtonePlayer(ringtonePath)

	s.mu.Lock()
	if err := s.fireLocked("ring"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	m.sessions.Store(id, s)
	s.notify.publish(Event{Type: EventNewIncoming, HasAudio: hasAudio})
	go m.dispatch(s, inv)
	return s, nil
}

func (m *Manager) dispatch(s *Session, inv Invitation) {
	for ev := range inv.Events() {
		switch ev.Kind {
		case DialogEventStateChange:
			m.handleStateChange(s, inv, ev.StateChange)
		case DialogEventSDPUpdate:
			m.handleSDPUpdate(s, ev.SDPUpdate)
		}
	}
}

// handleStateChange is the else branch of _handle_SCInvitationChangedState:
// everything that happens to a dialog once its Session already exists.
func (m *Manager) handleStateChange(s *Session, inv Invitation, dsc DialogStateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevSessionState := State(s.fsm.Current())

	switch dsc.State {
	case DialogEarly:
		if inv.IsOutgoing() && dsc.HasCode && dsc.Code == 180 {
			if s.ringtone != nil && !s.ringtone.IsActive() {
				s.ringtone.Start()
			}
			s.notify.publish(Event{Type: EventGotRingIndication})
		}

	case DialogConnecting:
		s.startTime = time.Now()
		s.notify.publish(Event{Type: EventWillStart})
		if inv.IsOutgoing() {
			if ua, ok := dsc.Headers["Server"]; ok {
				s.remoteUserAgent = ua
			} else if ua, ok := dsc.Headers["User-Agent"]; ok {
				s.remoteUserAgent = ua
			}
		}

	case DialogConfirmed:
		if err := s.fireLocked("establish"); err == nil {
			if dsc.PrevState == DialogConnecting {
				s.notify.publish(Event{Type: EventDidStart})
			}
			if len(s.queue) > 0 {
				s.processQueueLocked()
			}
		}

	case DialogReinvited:
		m.handleReinvite(s, inv)

	case DialogDisconnected:
		m.handleDisconnected(s, inv, dsc, prevSessionState)
	}
}

// handleReinvite implements the re-INVITE acceptance policy exactly as
// the source's REINVITED branch does: compare o= line versions, then
// contents, and only allow a version bump of exactly one that adds no
// media the session wasn't already told about.
func (m *Manager) handleReinvite(s *Session, inv Invitation) {
	current := inv.ActiveRemoteSDP()
	proposed := inv.OfferedRemoteSDP()

	switch {
	case proposed.Origin.SessionVersion == current.Origin.SessionVersion:
		if !sdpEqual(current, proposed) {
			_ = inv.RespondToReinvite(488)
			return
		}
		inv.SetOfferedLocalSDP(inv.ActiveLocalSDP())
		_ = inv.RespondToReinvite(200)

	case proposed.Origin.SessionVersion == current.Origin.SessionVersion+1:
		if originDiffers(current, proposed) {
			_ = inv.RespondToReinvite(488)
			return
		}
		if newlyProposedAudio(current, proposed) {
			_ = inv.RespondToReinvite(180)
			if err := s.fireLocked("propose"); err == nil {
				s.notify.publish(Event{Type: EventGotStreamProposal, HasAudio: true})
			}
			return
		}
		inv.SetOfferedLocalSDP(s.makeNextSDPLocked(false, s.onHoldByLocal))
		_ = inv.RespondToReinvite(200)

	default:
		_ = inv.RespondToReinvite(488)
	}
}

// handleDisconnected finalizes a session once its dialog reaches
// DISCONNECTED, computing the SessionDidFail reason with the same
// precedence as the source (code+Warning header, CANCEL, or the last SDP
// negotiation failure), gated the same way: no failure is reported for a
// locally requested termination or a clean post-CONFIRMED hangup.
func (m *Manager) handleDisconnected(s *Session, inv Invitation, dsc DialogStateChange, prevSessionState State) {
	if !s.startTime.IsZero() {
		s.stopTime = time.Now()
	}

	if s.remoteUserAgent == "" {
		if ua, ok := dsc.Headers["Server"]; ok {
			s.remoteUserAgent = ua
		} else if ua, ok := dsc.Headers["User-Agent"]; ok {
			s.remoteUserAgent = ua
		}
	}

	s.stopMediaLocked()
	s.inv = nil
	_ = s.fireLocked("terminated")

	originator := OriginatorRemote
	if dsc.PrevState == DialogDisconnecting {
		originator = OriginatorLocal
	}

	if prevSessionState != StateTerminating && dsc.PrevState != DialogConfirmed {
		failure := Event{Type: EventDidFail, Originator: originator, Code: 0}
		switch {
		case dsc.HasCode:
			failure.Code = dsc.Code
			switch {
			case dsc.PrevState == DialogConnecting && dsc.Code == 408:
				failure.Reason = "No ACK received"
			default:
				if warning, ok := dsc.Headers["Warning"]; ok {
					failure.Reason = fmt.Sprintf("%s (%s)", dsc.Reason, warningDetail(warning))
				} else {
					failure.Reason = dsc.Reason
				}
			}
		case dsc.HasMethod && dsc.Method == "CANCEL":
			failure.Reason = "Request cancelled"
		default:
			failure.Reason = s.sdpNegFailureReason
		}
		s.notify.publish(failure)
	}
	s.notify.publish(Event{Type: EventDidEnd, Originator: originator})

	if s.onEnded != nil {
		s.onEnded()
	}
}

func (m *Manager) handleSDPUpdate(s *Session, u SDPUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Succeeded {
		s.updateMediaLocked(u.LocalSDP, u.RemoteSDP)
		s.sdpNegFailureReason = ""
		return
	}
	s.cancelMediaLocked()
	s.sdpNegFailureReason = u.Error
}

// registerAudioTransport wires a Session's one active audio stream into
// the DTMF demux table and starts relaying its digits as session events
// (spec §4.3, grounded on audio_transport_mapping /
// _handle_SCAudioTransportGotDTMF).
func (m *Manager) registerAudioTransport(at AudioTransport, s *Session) {
	m.audioTransports.Store(at, s)
	go func() {
		for digit := range at.DTMF() {
			if v, ok := m.audioTransports.Load(at); ok {
				v.(*Session).notify.publish(Event{Type: EventGotDTMF, Digit: digit})
			}
		}
	}()
}

func (m *Manager) unregisterAudioTransport(at AudioTransport) {
	m.audioTransports.Delete(at)
}

// warningDetail extracts the quoted explanation text out of a SIP Warning
// header value ("370 proxy.example.com \"Insufficient bandwidth\"").
func warningDetail(raw string) string {
	parts := strings.SplitN(raw, " ", 3)
	if len(parts) == 3 {
		return strings.Trim(parts[2], `"`)
	}
	return raw
}

// peerKeyFromURI extracts the user/host pair out of a SIP URI string for
// ringtone-override lookups.
func peerKeyFromURI(uri string) PeerKey {
	u := strings.TrimPrefix(uri, "sips:")
	u = strings.TrimPrefix(u, "sip:")
	if i := strings.IndexAny(u, ";?"); i >= 0 {
		u = u[:i]
	}
	if at := strings.LastIndex(u, "@"); at >= 0 {
		return PeerKey{User: u[:at], Host: u[at+1:]}
	}
	return PeerKey{Host: u}
}
