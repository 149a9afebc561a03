// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

var (
	ringtones sync.Map
	beeps     sync.Map
)

// BeepLoadPCM loads a pregenerated confirmation beep in 16-bit PCM,
// cached per sample rate.
func BeepLoadPCM(sampleRate int) []byte {
	uuid := fmt.Sprintf("beep-%d", sampleRate)
	if v, ok := beeps.Load(uuid); ok {
		return v.([]byte)
	}
	pcmBytes := beepPCMGenerate(sampleRate)
	beeps.Store(uuid, pcmBytes)
	return pcmBytes
}

func beepPCMGenerate(sampleRate int) []byte {
	var (
		durationSec = 0.5
		volume      = 0.2
		freq        = 700.0
	)

	numSamples := int(float64(sampleRate) * durationSec)
	buf := &bytes.Buffer{}

	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		sample := volume * math.Sin(2*math.Pi*freq*t)
		intSample := int16(sample * math.MaxInt16)
		binary.Write(buf, binary.LittleEndian, intSample)
	}

	return buf.Bytes()
}

// RingtoneLoadPCM loads the built-in fallback ringtone/ringback tone used
// when no WAV asset is configured, cached per sample rate.
func RingtoneLoadPCM(sampleRate int) []byte {
	uuid := fmt.Sprintf("ringtone-%d", sampleRate)
	if v, ok := ringtones.Load(uuid); ok {
		return v.([]byte)
	}
	pcmBytes := ringtonePCMGenerate(sampleRate)
	ringtones.Store(uuid, pcmBytes)
	return pcmBytes
}

func ringtonePCMGenerate(sampleRate int) []byte {
	var (
		durationSec = 2
		volume      = 0.3
		freq1       = 350.0
		freq2       = 440.0
	)

	numSamples := sampleRate * durationSec
	buf := &bytes.Buffer{}

	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		sample := volume * (math.Sin(2*math.Pi*freq1*t) + math.Sin(2*math.Pi*freq2*t)) / 2.0
		intSample := int16(sample * math.MaxInt16)
		binary.Write(buf, binary.LittleEndian, intSample)
	}

	return buf.Bytes()
}
