// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	psdp "github.com/pion/sdp/v3"
)

// SDP is the negotiated session description. The controller only ever
// builds and compares it (spec §4.4); wire encoding/decoding is pion/sdp's
// job, not ours.
type SDP = psdp.SessionDescription

// Direction is the SDP media direction attribute.
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) String() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// TransportEvent is emitted by an RTPTransport while it is initializing.
type TransportEvent struct {
	Initialized bool
	Reason      string
}

// RTPTransport is the lower-level per-stream RTP socket/ICE/SRTP setup.
// Out of scope per spec §1; this is the boundary the controller drives.
type RTPTransport interface {
	// SetInit kicks off asynchronous initialization (ICE gathering, SRTP
	// keying, socket bind). Completion is signaled on Events().
	SetInit()
	Events() <-chan TransportEvent
}

// AudioTransport wraps an initialized RTPTransport plus codec state, the
// active audio stream abstraction the session commands.
type AudioTransport interface {
	// LocalMedia builds this transport's SDP media line. direction is only
	// meaningful when isOffer is true; see spec §4.4.
	LocalMedia(isOffer bool, direction Direction) *psdp.MediaDescription

	Start(localSDP, remoteSDP *SDP, audioIndex int) error
	Stop() error

	IsActive() bool
	Direction() Direction
	UpdateDirection(d Direction)

	SendDTMF(digit string) error
	// DTMF delivers digits received on this transport; consumed by the
	// session manager and routed to the owning session.
	DTMF() <-chan string

	// RemoteRTPAddressReceived reports whether a packet has been observed
	// from the remote party yet, the no-media watchdog's only signal.
	RemoteRTPAddressReceived() bool
}

// Engine is the media engine mixer boundary: connecting an AudioTransport
// makes it audible/mixed; disconnecting mutes it without tearing it down
// (used for hold).
type Engine interface {
	ConnectAudioTransport(t AudioTransport) error
	DisconnectAudioTransport(t AudioTransport) error
}
