// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	psdp "github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
	"github.com/sipline/callsession/audio"
)

// dtmfPayloadType is the RFC 4733 telephone-event payload type this
// transport offers alongside the two static G.711 formats (spec §4.4
// non-goal on codec negotiation: a single fixed plan, no dynamic PT
// assignment beyond this one).
const dtmfPayloadType = 101

// UDPRTPTransport is a default RTPTransport backed by a bound UDP socket,
// grounded on arzzra-soft_phone/pkg/rtp/session.go's RTP session plumbing
// but scoped down to what the controller's RTPTransport boundary actually
// needs: a local port and a one-shot initialization signal.
type UDPRTPTransport struct {
	conn      *net.UDPConn
	localAddr *net.UDPAddr

	events chan TransportEvent
	once   sync.Once
}

// NewUDPRTPTransport binds a UDP socket in cfg's port range. It matches
// Config.NewRTPTransport's signature and is meant to be wired in directly
// via WithTransportFactories.
func NewUDPRTPTransport(cfg RTPConfig) (RTPTransport, error) {
	conn, err := bindUDPPort(cfg)
	if err != nil {
		return nil, err
	}
	return &UDPRTPTransport{
		conn:      conn,
		localAddr: conn.LocalAddr().(*net.UDPAddr),
		events:    make(chan TransportEvent, 1),
	}, nil
}

func bindUDPPort(cfg RTPConfig) (*net.UDPConn, error) {
	start, end := cfg.PortRangeStart, cfg.PortRangeEnd
	if start == 0 {
		start = 10000
	}
	if end == 0 {
		end = 20000
	}
	ip := net.ParseIP(cfg.LocalRTPAddress)
	for port := start; port <= end; port += 2 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("session: no free UDP port in range %d-%d", start, end)
}

// SetInit reports immediate success: the socket is already bound by the
// time this transport exists, unlike ICE/SRTP transports whose gathering
// happens asynchronously.
func (t *UDPRTPTransport) SetInit() {
	t.once.Do(func() {
		t.events <- TransportEvent{Initialized: true}
	})
}

func (t *UDPRTPTransport) Events() <-chan TransportEvent { return t.events }

func (t *UDPRTPTransport) LocalPort() int { return t.localAddr.Port }

func (t *UDPRTPTransport) Close() error { return t.conn.Close() }

// UDPAudioTransport sends and receives G.711 audio plus RFC 4733 DTMF
// events over a UDPRTPTransport's socket. It is the default
// Config.NewAudioTransport implementation: a concrete, wireable backing
// for the AudioTransport boundary, not the only way to implement it.
type UDPAudioTransport struct {
	rtp *UDPRTPTransport

	mu          sync.Mutex
	remoteAddr  *net.UDPAddr
	direction   Direction
	active      bool
	gotRemote   bool
	ssrc        uint32
	seq         uint16
	timestamp   uint32
	dtmfSeq     uint16
	sendingDTMF bool

	dtmf   chan string
	stopCh chan struct{}
}

// NewUDPAudioTransport wraps rtp, matching Config.NewAudioTransport's
// signature. remoteSDP/audioIndex are accepted to satisfy the factory
// shape; the remote address is actually latched in Start, since that is
// when the negotiated SDP pair is final (spec §4.1/§4.4).
func NewUDPAudioTransport(transport RTPTransport, remoteSDP *SDP, audioIndex int) (AudioTransport, error) {
	t, ok := transport.(*UDPRTPTransport)
	if !ok {
		return nil, fmt.Errorf("session: NewUDPAudioTransport requires a *UDPRTPTransport, got %T", transport)
	}
	return &UDPAudioTransport{
		rtp:       t,
		direction: DirectionSendRecv,
		ssrc:      uint32(time.Now().UnixNano()),
		dtmf:      make(chan string, 8),
	}, nil
}

func (t *UDPAudioTransport) LocalMedia(isOffer bool, direction Direction) *psdp.MediaDescription {
	md := audioMediaDescription(t.rtp.LocalPort(), isOffer, direction)
	md.MediaName.Formats = append(append([]string{}, md.MediaName.Formats...), strconv.Itoa(dtmfPayloadType))
	md.Attributes = append(md.Attributes, psdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", dtmfPayloadType)})
	return md
}

// Start resolves the remote RTP endpoint from remoteSDP's audioIndex media
// line and (re)starts the receive loop, grounded on the source's
// AudioTransport.update_direction/remote address handling.
func (t *UDPAudioTransport) Start(localSDP, remoteSDP *SDP, audioIndex int) error {
	if remoteSDP == nil || audioIndex < 0 || audioIndex >= len(remoteSDP.MediaDescriptions) {
		return fmt.Errorf("session: no remote audio media at index %d", audioIndex)
	}
	md := remoteSDP.MediaDescriptions[audioIndex]
	host := connectionAddress(remoteSDP, md)
	port := md.MediaName.Port.Value
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolving remote RTP address %s:%d: %w", host, port, err)
	}

	t.mu.Lock()
	wasActive := t.active
	t.remoteAddr = addr
	// The remote line states the peer's direction; this transport's own
	// direction is its mirror image.
	switch remoteDir := mediaDirection(md); remoteDir {
	case DirectionSendOnly:
		t.direction = DirectionRecvOnly
	case DirectionRecvOnly:
		t.direction = DirectionSendOnly
	default:
		t.direction = remoteDir
	}
	t.active = true
	t.mu.Unlock()

	if !wasActive {
		t.stopCh = make(chan struct{})
		go t.receiveLoop(t.stopCh)
	}
	return nil
}

func connectionAddress(sd *SDP, md *psdp.MediaDescription) string {
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		return md.ConnectionInformation.Address.Address
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address
	}
	return ""
}

func (t *UDPAudioTransport) Stop() error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = false
	stopCh := t.stopCh
	t.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	return nil
}

func (t *UDPAudioTransport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *UDPAudioTransport) Direction() Direction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.direction
}

func (t *UDPAudioTransport) UpdateDirection(d Direction) {
	t.mu.Lock()
	t.direction = d
	t.mu.Unlock()
}

func (t *UDPAudioTransport) RemoteRTPAddressReceived() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gotRemote
}

func (t *UDPAudioTransport) DTMF() <-chan string { return t.dtmf }

// SendDTMF emits an RFC 4733 telephone-event: three duplicate packets
// followed by three end packets, the redundancy scheme described in
// arzzra-soft_phone/pkg/media/dtmf.go's GeneratePackets.
func (t *UDPAudioTransport) SendDTMF(digit string) error {
	event, ok := dtmfEventCode(digit)
	if !ok {
		return fmt.Errorf("session: unsupported DTMF digit %q", digit)
	}

	t.mu.Lock()
	addr := t.remoteAddr
	canSend := t.direction.CanSend()
	t.dtmfSeq++
	seq := t.dtmfSeq
	ts := t.timestamp
	ssrc := t.ssrc
	t.mu.Unlock()

	if addr == nil || !canSend {
		return fmt.Errorf("session: no active send direction for DTMF")
	}

	const duration = 1600 // 200ms @ 8kHz
	for i := 0; i < 3; i++ {
		if err := t.sendDTMFFrame(addr, seq, ts, ssrc, event, duration, false, i == 0); err != nil {
			return err
		}
		seq++
	}
	for i := 0; i < 3; i++ {
		if err := t.sendDTMFFrame(addr, seq, ts, ssrc, event, duration, true, false); err != nil {
			return err
		}
		seq++
	}

	t.mu.Lock()
	t.dtmfSeq = seq
	t.mu.Unlock()
	return nil
}

func (t *UDPAudioTransport) sendDTMFFrame(addr *net.UDPAddr, seq uint16, ts uint32, ssrc uint32, event uint8, duration uint16, end bool, marker bool) error {
	payload := make([]byte, 4)
	payload[0] = event & 0x0F
	if end {
		payload[1] |= 0x80
	}
	payload[2] = byte(duration >> 8)
	payload[3] = byte(duration & 0xFF)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    dtmfPayloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling DTMF packet: %w", err)
	}
	_, err = t.rtp.conn.WriteToUDP(buf, addr)
	return err
}

func dtmfEventCode(digit string) (uint8, bool) {
	switch digit {
	case "0", "1", "2", "3", "4", "5", "6", "7", "8", "9":
		return uint8(digit[0] - '0'), true
	case "*":
		return 10, true
	case "#":
		return 11, true
	case "A", "a":
		return 12, true
	case "B", "b":
		return 13, true
	case "C", "c":
		return 14, true
	case "D", "d":
		return 15, true
	default:
		return 0, false
	}
}

// SendPCM encodes a frame of 16-bit signed PCM as G.711 u-law and sends it
// to the currently negotiated remote endpoint, when the transport is
// allowed to send. Hosts that bridge a media engine call this per frame;
// it is not part of the AudioTransport interface since not every
// implementation works in terms of raw PCM.
func (t *UDPAudioTransport) SendPCM(lpcm []byte) error {
	t.mu.Lock()
	addr := t.remoteAddr
	canSend := t.direction.CanSend()
	seq := t.seq
	t.seq++
	ts := t.timestamp
	t.timestamp += uint32(len(lpcm) / 2)
	ssrc := t.ssrc
	t.mu.Unlock()

	if addr == nil || !canSend {
		return nil
	}

	ulaw := make([]byte, len(lpcm)/2)
	if _, err := audio.EncodeUlawTo(ulaw, lpcm); err != nil {
		return fmt.Errorf("encoding outbound audio frame: %w", err)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: ulaw,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audio packet: %w", err)
	}
	_, err = t.rtp.conn.WriteToUDP(buf, addr)
	return err
}

func (t *UDPAudioTransport) receiveLoop(stop chan struct{}) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-stop:
			return
		default:
		}
		t.rtp.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := t.rtp.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-stop:
				return
			default:
				log.Warn().Err(err).Msg("rtp receive loop stopped")
				return
			}
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		t.mu.Lock()
		t.gotRemote = true
		t.mu.Unlock()

		if pkt.PayloadType == dtmfPayloadType {
			t.handleDTMFPacket(&pkt)
			continue
		}
		// Static G.711 payload: decoding into PCM is left to a sink the
		// host wires separately (e.g. AudioRecorder.Write takes the raw
		// u-law payload directly); this transport's job ends at framing.
	}
}

func (t *UDPAudioTransport) handleDTMFPacket(pkt *rtp.Packet) {
	if len(pkt.Payload) < 4 {
		return
	}
	end := pkt.Payload[1]&0x80 != 0
	if !end {
		return
	}
	digit := dtmfDigitString(pkt.Payload[0] & 0x0F)
	select {
	case t.dtmf <- digit:
	default:
	}
}

func dtmfDigitString(event byte) string {
	switch {
	case event <= 9:
		return string('0' + event)
	case event == 10:
		return "*"
	case event == 11:
		return "#"
	case event >= 12 && event <= 15:
		return string('A' + (event - 12))
	default:
		return "?"
	}
}
