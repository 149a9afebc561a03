// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import "time"

// RTPConfig holds the static RTP transport options handed to every
// RTPTransport created by a Session. It mirrors the RTPTransport
// constructor options of the underlying media engine.
type RTPConfig struct {
	LocalRTPAddress string
	UseSRTP         bool
	SRTPForced      bool
	UseICE          bool
	ICEStunAddress  string
	ICEStunPort     int

	// PortRangeStart/PortRangeEnd bound the UDP port allocator used by
	// NewUDPRTPTransport. Zero means the package defaults (10000-20000).
	PortRangeStart int
	PortRangeEnd   int
}

func DefaultRTPConfig() RTPConfig {
	return RTPConfig{
		LocalRTPAddress: "0.0.0.0",
		ICEStunPort:     3478,
		PortRangeStart:  10000,
		PortRangeEnd:    20000,
	}
}

// PeerKey identifies a SIP peer by user and host, used to look up a
// per-peer ringtone override.
type PeerKey struct {
	User string
	Host string
}

// RingtoneConfig maps ringtone/ringback audio assets. Default is played
// for inbound calls with no per-peer override; Ringback is played locally
// while an outgoing call is ringing.
type RingtoneConfig struct {
	Default  string
	Ringback string

	peerRingtones map[PeerKey]string
}

func NewRingtoneConfig(defaultInbound, outboundRingback string) *RingtoneConfig {
	return &RingtoneConfig{
		Default:       defaultInbound,
		Ringback:      outboundRingback,
		peerRingtones: map[PeerKey]string{},
	}
}

func (c *RingtoneConfig) AddRingtoneForPeer(key PeerKey, path string) {
	if c.peerRingtones == nil {
		c.peerRingtones = map[PeerKey]string{}
	}
	c.peerRingtones[key] = path
}

func (c *RingtoneConfig) RemovePeer(key PeerKey) {
	delete(c.peerRingtones, key)
}

// RingtoneForPeer returns the per-peer override if one exists, else Default.
func (c *RingtoneConfig) RingtoneForPeer(key PeerKey) string {
	if path, ok := c.peerRingtones[key]; ok {
		return path
	}
	return c.Default
}

// Config aggregates the manager-wide configuration: RTP and ringtone
// options plus knobs that are not part of the original source object
// model but are needed to make the Go rendition runnable without global
// state (media transport/audio transport factories, no-media watchdog
// duration, recording directory default).
type Config struct {
	RTP      RTPConfig
	Ringtone *RingtoneConfig

	// NoMediaTimeout is the no-media watchdog duration (spec default 5s);
	// zero or a negative value falls back to 5s.
	NoMediaTimeout time.Duration

	// RecordingDir is the directory StartRecordingAudio writes into when it
	// is called with an empty path and a relative file name.
	RecordingDir string

	// NewRTPTransport constructs a fresh, uninitialized RTPTransport for
	// a new media stream. Supplied by the media engine integration.
	NewRTPTransport func(RTPConfig) (RTPTransport, error)

	// NewAudioTransport wraps an initialized RTPTransport into an
	// AudioTransport, optionally negotiating against a remote SDP at a
	// given media index (remoteSDP == nil for an outbound offer).
	NewAudioTransport func(rtp RTPTransport, remoteSDP *SDP, audioIndex int) (AudioTransport, error)
}

type Option func(*Config)

func WithRTPConfig(rtp RTPConfig) Option {
	return func(c *Config) { c.RTP = rtp }
}

func WithRingtoneConfig(rc *RingtoneConfig) Option {
	return func(c *Config) { c.Ringtone = rc }
}

func WithNoMediaTimeout(d time.Duration) Option {
	return func(c *Config) { c.NoMediaTimeout = d }
}

func WithRecordingDir(dir string) Option {
	return func(c *Config) { c.RecordingDir = dir }
}

func WithTransportFactories(
	newRTP func(RTPConfig) (RTPTransport, error),
	newAudio func(RTPTransport, *SDP, int) (AudioTransport, error),
) Option {
	return func(c *Config) {
		c.NewRTPTransport = newRTP
		c.NewAudioTransport = newAudio
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		RTP:               DefaultRTPConfig(),
		Ringtone:          NewRingtoneConfig("", ""),
		NoMediaTimeout:    5 * time.Second,
		RecordingDir:      ".",
		NewRTPTransport:   NewUDPRTPTransport,
		NewAudioTransport: NewUDPAudioTransport,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}
