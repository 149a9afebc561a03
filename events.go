// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType enumerates every notification a Session can emit (spec §6).
type EventType int

const (
	EventChangedState EventType = iota
	EventNewOutgoing
	EventNewIncoming
	EventGotRingIndication
	EventWillStart
	EventDidStart
	EventWillEnd
	EventDidFail
	EventDidEnd
	EventGotHoldRequest
	EventGotUnholdRequest
	EventGotStreamProposal
	EventRejectedStreamProposal
	EventAcceptedStreamProposal
	EventGotNoAudio
	EventStartedRecordingAudio
	EventStoppedRecordingAudio
	EventGotDTMF
)

func (t EventType) String() string {
	switch t {
	case EventChangedState:
		return "SessionChangedState"
	case EventNewOutgoing:
		return "SessionNewOutgoing"
	case EventNewIncoming:
		return "SessionNewIncoming"
	case EventGotRingIndication:
		return "SessionGotRingIndication"
	case EventWillStart:
		return "SessionWillStart"
	case EventDidStart:
		return "SessionDidStart"
	case EventWillEnd:
		return "SessionWillEnd"
	case EventDidFail:
		return "SessionDidFail"
	case EventDidEnd:
		return "SessionDidEnd"
	case EventGotHoldRequest:
		return "SessionGotHoldRequest"
	case EventGotUnholdRequest:
		return "SessionGotUnholdRequest"
	case EventGotStreamProposal:
		return "SessionGotStreamProposal"
	case EventRejectedStreamProposal:
		return "SessionRejectedStreamProposal"
	case EventAcceptedStreamProposal:
		return "SessionAcceptedStreamProposal"
	case EventGotNoAudio:
		return "SessionGotNoAudio"
	case EventStartedRecordingAudio:
		return "SessionStartedRecordingAudio"
	case EventStoppedRecordingAudio:
		return "SessionStoppedRecordingAudio"
	case EventGotDTMF:
		return "SessionGotDTMF"
	default:
		return "Unknown"
	}
}

// Originator distinguishes whether an action was initiated locally or by
// the remote party (spec §4.2, §7).
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
)

// Event is the timestamped notification a Session publishes. Only the
// fields relevant to Type are populated; this mirrors the kwargs-style
// NotificationData of the source this was distilled from, expressed as a
// single struct so the compiler, not a string lookup, enforces what a
// listener may read.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string

	PrevState State
	State     State

	Audio    bool
	HasAudio bool

	Originator Originator
	Code       int
	Reason     string

	FileName string
	Digit    string
}

// Listener receives events for a single session, in publish order. A
// listener must never call back into the Session synchronously: most
// events are dispatched with the session lock held (spec §5); NewIncoming
// and received DTMF digits are published without it.
type Listener func(Event)

// notifier is the per-session notification bus façade (spec §4 "Notification
// bus façade"). Modeled on the pack's Publisher/Subscriber split
// (sebacius-switchboard services/signaling/events), simplified to in-process
// fan-out since there is no cross-process transport in this core.
type notifier struct {
	mu        sync.RWMutex
	listeners []Listener
	sessionID string
}

func newNotifier(sessionID string) *notifier {
	return &notifier{sessionID: sessionID}
}

// Subscribe registers a listener and returns an unsubscribe function.
func (n *notifier) Subscribe(l Listener) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
	idx := len(n.listeners) - 1
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if idx < len(n.listeners) {
			n.listeners[idx] = nil
		}
	}
}

// publish delivers ev to every listener synchronously, in subscription
// order, under the caller's lock (spec §5 ordering guarantee). A panicking
// listener is logged and does not interrupt delivery to the rest.
func (n *notifier) publish(ev Event) {
	ev.Timestamp = time.Now()
	ev.SessionID = n.sessionID

	n.mu.RLock()
	listeners := make([]Listener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		if l == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("call_id", n.sessionID).
						Interface("panic", r).
						Str("event", ev.Type.String()).
						Msg("session event listener panicked")
				}
			}()
			l(ev)
		}()
	}
}
