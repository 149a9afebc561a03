// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import "context"

// DialogState is the state of the underlying SIP INVITE dialog, as
// reported by the dialog engine. It is a different state space from the
// Session's own state machine (session.go); the manager translates one
// into the other.
type DialogState int

const (
	DialogNull DialogState = iota
	DialogCalling
	DialogIncoming
	DialogEarly
	DialogConnecting
	DialogConfirmed
	DialogReinvited
	DialogDisconnecting
	DialogDisconnected
)

func (s DialogState) String() string {
	switch s {
	case DialogCalling:
		return "CALLING"
	case DialogIncoming:
		return "INCOMING"
	case DialogEarly:
		return "EARLY"
	case DialogConnecting:
		return "CONNECTING"
	case DialogConfirmed:
		return "CONFIRMED"
	case DialogReinvited:
		return "REINVITED"
	case DialogDisconnecting:
		return "DISCONNECTING"
	case DialogDisconnected:
		return "DISCONNECTED"
	default:
		return "NULL"
	}
}

// DialogStateChange describes a dialog state transition, with whatever
// extra data the terminal/early states carry (spec §4.2 failure-reason
// precedence reads Code/Reason/Method/Headers off this).
type DialogStateChange struct {
	PrevState DialogState
	State     DialogState

	HasCode bool
	Code    int
	Reason  string

	HasMethod bool
	Method    string

	Headers map[string]string
}

// SDPUpdate reports the outcome of an SDP offer/answer round, successful
// or not (spec §4.2 remote-hold detection, §7 kind 4).
type SDPUpdate struct {
	Succeeded bool
	LocalSDP  *SDP
	RemoteSDP *SDP
	Error     string
}

// DialogEventKind discriminates the two event shapes a dialog delivers.
type DialogEventKind int

const (
	DialogEventStateChange DialogEventKind = iota
	DialogEventSDPUpdate
)

type DialogEvent struct {
	Kind        DialogEventKind
	StateChange DialogStateChange
	SDPUpdate   SDPUpdate
}

// Invitation is the dialog-engine capability a Session drives and
// observes (spec §6). It is implemented by an adapter over the SIP
// transaction/dialog layer (see invitation_sipgo.go) and, in tests, by an
// in-memory fake.
type Invitation interface {
	SendInvite(ctx context.Context) error
	AcceptInvite(ctx context.Context) error
	RespondToInviteProvisionally(code int) error
	RespondToReinvite(code int) error
	SendReinvite(ctx context.Context) error
	Disconnect(ctx context.Context, code ...int) error

	SetOfferedLocalSDP(sdp *SDP)
	OfferedRemoteSDP() *SDP
	ActiveLocalSDP() *SDP
	ActiveRemoteSDP() *SDP

	CallerURI() string
	RemoteURI() string
	IsOutgoing() bool
	State() DialogState

	// Events is the single stream of state/SDP changes for this dialog.
	// It is closed once the dialog reaches DialogDisconnected.
	Events() <-chan DialogEvent
}
