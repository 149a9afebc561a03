// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package audio

import "github.com/zaf/g711"

// PCMDecoder turns G.711 u-law RTP payload frames into 16-bit
// little-endian PCM. u-law is the only codec a Session ever records,
// since UDPAudioTransport.SendPCM likewise only ever puts u-law on the
// wire, so there is no codec to select here.
type PCMDecoder struct {
	Decoder func(encoded []byte) (lpcm []byte)
}

func NewPCMDecoder() *PCMDecoder {
	return &PCMDecoder{Decoder: g711.DecodeUlaw}
}
