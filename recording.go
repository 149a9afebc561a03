// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sipline/callsession/audio"
)

const recordingSampleRate = 8000

// AudioRecorder persists the active audio stream to a mono 16-bit WAV
// file, with pause/resume driven by hold state (spec §4.3, grounded on
// the source's RecordingWaveFile). It decodes G.711 u-law RTP payloads
// through a PCMDecoder and re-encodes frames via go-audio/wav, replacing
// the teacher's hand-rolled WAV writer outright.
type AudioRecorder struct {
	fileName string
	file     *os.File
	encoder  *wav.Encoder
	decoder  *audio.PCMDecoder

	mu     sync.Mutex
	active bool
	paused bool
}

func newAudioRecorder(dir, fileName string) (*AudioRecorder, error) {
	full := filepath.Join(dir, fileName)
	f, err := os.Create(full)
	if err != nil {
		return nil, fmt.Errorf("creating recording file %q: %w", full, err)
	}
	return &AudioRecorder{
		fileName: fileName,
		file:     f,
		encoder:  wav.NewEncoder(f, recordingSampleRate, 16, 1, 1),
		decoder:  audio.NewPCMDecoder(),
	}, nil
}

func (r *AudioRecorder) FileName() string { return r.fileName }

func (r *AudioRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.paused = false
	return nil
}

func (r *AudioRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	return nil
}

func (r *AudioRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	return nil
}

func (r *AudioRecorder) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *AudioRecorder) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Write accepts G.711 u-law encoded RTP payload frames and, unless
// stopped or paused, decodes and appends them to the WAV file. It
// implements io.Writer so an AudioTransport adapter can tap its media
// path through a recorder, the same seam the teacher's Recording type
// wraps around an RTP reader/writer pair.
func (r *AudioRecorder) Write(payload []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active || r.paused {
		return len(payload), nil
	}

	lpcm := r.decoder.Decoder(payload)
	ints := make([]int, len(lpcm)/2)
	for i := range ints {
		ints[i] = int(int16(uint16(lpcm[2*i]) | uint16(lpcm[2*i+1])<<8))
	}
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: recordingSampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	if err := r.encoder.Write(buf); err != nil {
		return 0, fmt.Errorf("writing recording frame: %w", err)
	}
	return len(payload), nil
}

func (r *AudioRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	if err := r.encoder.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("finalizing recording: %w", err)
	}
	return r.file.Close()
}
