// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"time"

	psdp "github.com/pion/sdp/v3"
)

// newSessionID generates an o= line session id the way most SIP stacks
// do: a monotonically-increasing-enough timestamp, not a strict counter.
func newSessionID() uint64 {
	return uint64(time.Now().UnixNano())
}

// audioFormats is the static payload-type list this controller offers;
// codec negotiation internals are a declared non-goal (spec §1).
var audioFormats = []string{"0", "8"}

func audioRtpmapAttributes() []psdp.Attribute {
	return []psdp.Attribute{
		{Key: "rtpmap", Value: "0 PCMU/8000"},
		{Key: "rtpmap", Value: "8 PCMA/8000"},
	}
}

// newBaseSDP builds an empty session-level SDP skeleton with the given
// local RTP address as both o= and c= address (spec §4.4 "fresh SDPSession").
func newBaseSDP(localAddr string, sessionID, version uint64) *SDP {
	return &SDP{
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddr,
		},
		SessionName: "-",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: localAddr},
		},
		TimeDescriptions: []psdp.TimeDescription{{Timing: psdp.Timing{StartTime: 0, StopTime: 0}}},
	}
}

// audioMediaDescription builds the audio m= line for a given RTP port and
// direction. direction is only meaningful for offers (spec §4.4).
func audioMediaDescription(port int, isOffer bool, direction Direction) *psdp.MediaDescription {
	attrs := audioRtpmapAttributes()
	if isOffer {
		attrs = append(attrs, psdp.Attribute{Key: direction.String()})
	}
	return &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   "audio",
			Port:    psdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: audioFormats,
		},
		Attributes: attrs,
	}
}

// rejectedMirror builds a zero-port mirror of a remote media line,
// preserving type/transport/formats/attributes as spec §4.4 requires for
// streams we do not accept.
func rejectedMirror(remote *psdp.MediaDescription) *psdp.MediaDescription {
	attrs := make([]psdp.Attribute, len(remote.Attributes))
	copy(attrs, remote.Attributes)
	formats := make([]string, len(remote.MediaName.Formats))
	copy(formats, remote.MediaName.Formats)
	protos := make([]string, len(remote.MediaName.Protos))
	copy(protos, remote.MediaName.Protos)
	return &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   remote.MediaName.Media,
			Port:    psdp.RangedPort{Value: 0},
			Protos:  protos,
			Formats: formats,
		},
		Attributes: attrs,
	}
}

// buildAnswerSDP constructs an answer with the same number of media lines
// as the remote offer; audioIndex is populated from the transport's local
// media, every other index is a rejected mirror (spec §4.4 "Answer").
func buildAnswerSDP(localAddr string, remote *SDP, audioIndex int, audioPort int) *SDP {
	sd := newBaseSDP(localAddr, remote.Origin.SessionID, 1)
	sd.TimeDescriptions = remote.TimeDescriptions
	sd.MediaDescriptions = make([]*psdp.MediaDescription, len(remote.MediaDescriptions))
	for i, rm := range remote.MediaDescriptions {
		if i == audioIndex {
			sd.MediaDescriptions[i] = audioMediaDescription(audioPort, false, DirectionSendRecv)
			continue
		}
		sd.MediaDescriptions[i] = rejectedMirror(rm)
	}
	return sd
}

// nextSDP increments the active local SDP's o= version and replaces the
// audio line, direction derived from whether the transport can currently
// send (spec §4.4 hold/unhold re-INVITE). is_offer=false (re-INVITE 200 OK
// answer to a version-bumped offer that adds no stream) drops the direction
// attribute, matching the source's make_next_sdp(is_offer=False) path.
func nextSDP(active *SDP, isOffer bool, onHold bool, canSend bool, audioIndex, audioPort int) *SDP {
	sd := *active
	sd.Origin.SessionVersion++

	mds := make([]*psdp.MediaDescription, len(active.MediaDescriptions))
	copy(mds, active.MediaDescriptions)

	var direction Direction
	switch {
	case canSend && onHold:
		direction = DirectionSendOnly
	case canSend && !onHold:
		direction = DirectionSendRecv
	case !canSend && onHold:
		direction = DirectionInactive
	default:
		direction = DirectionRecvOnly
	}

	if audioIndex >= 0 && audioIndex < len(mds) {
		mds[audioIndex] = audioMediaDescription(audioPort, isOffer, direction)
	}
	sd.MediaDescriptions = mds
	return &sd
}

// originDiffers compares the o= line fields the re-INVITE acceptance
// policy cares about (spec §4.2: user, id, net_type, address_type, address).
func originDiffers(a, b *SDP) bool {
	return a.Origin.Username != b.Origin.Username ||
		a.Origin.SessionID != b.Origin.SessionID ||
		a.Origin.NetworkType != b.Origin.NetworkType ||
		a.Origin.AddressType != b.Origin.AddressType ||
		a.Origin.UnicastAddress != b.Origin.UnicastAddress
}

// activeMediaTypes returns the set of media types with a non-zero port.
func activeMediaTypes(sd *SDP) map[string]bool {
	out := map[string]bool{}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value != 0 {
			out[md.MediaName.Media] = true
		}
	}
	return out
}

// newlyProposedAudio reports whether audio appears in proposed with a
// nonzero port but was absent (or zero-port) in current (spec §4.2).
func newlyProposedAudio(current, proposed *SDP) bool {
	cur := activeMediaTypes(current)
	prop := activeMediaTypes(proposed)
	return !cur["audio"] && prop["audio"]
}

// mediaDirection reads the direction attribute off a media line, SDP's
// default of sendrecv when none is present.
func mediaDirection(md *psdp.MediaDescription) Direction {
	for _, a := range md.Attributes {
		switch a.Key {
		case "sendonly":
			return DirectionSendOnly
		case "recvonly":
			return DirectionRecvOnly
		case "inactive":
			return DirectionInactive
		case "sendrecv":
			return DirectionSendRecv
		}
	}
	return DirectionSendRecv
}

// sdpEqual compares two SDPs for the "identical" check of the re-INVITE
// echo path (spec §4.2); pion/sdp values round-trip through Marshal for a
// byte-stable comparison since SessionDescription holds slices/pointers.
func sdpEqual(a, b *SDP) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, aerr := a.Marshal()
	bb, berr := b.Marshal()
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}
