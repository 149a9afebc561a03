// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sipline/callsession/audio"
)

const ringtoneGap = 2 * time.Second

// ringtonePlayer represents the local ring/ringback indication a Session
// asks its host application to render while a call is alive but not yet
// answered (spec §4.3, grounded on the source's _start_ringtone and the
// teacher's ringtone.go background-playback loop). It does not own an
// audio device: it validates and streams the configured WAV file on a
// background goroutine, reading and discarding its samples (it exposes no
// way to receive them), and logs playback failures instead of rendering
// audio itself.
type ringtonePlayer struct {
	path string

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

func newRingtonePlayer(path string) *ringtonePlayer {
	return &ringtonePlayer{path: path}
}

func (p *ringtonePlayer) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Start begins the loop-count=0, pause_time=2s playback pattern of the
// source. An empty path loops over the built-in tone from
// audio.RingtoneLoadPCM. A path that cannot be opened or decoded ends the
// loop with a warning log; the player still reports active until Stop.
func (p *ringtonePlayer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.active = true
	go p.loop(ctx, p.done)
}

func (p *ringtonePlayer) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.active = false
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *ringtonePlayer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := p.playOnce(ctx); err != nil {
			log.Warn().Err(err).Str("path", p.path).Msg("ringtone playback stopped")
			return
		}
		t := time.NewTimer(ringtoneGap)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

const ringtoneSampleRate = 8000

func (p *ringtonePlayer) playOnce(ctx context.Context) error {
	if p.path == "" {
		_ = audio.RingtoneLoadPCM(ringtoneSampleRate)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ringtoneGap):
			return nil
		}
	}

	f, err := os.Open(p.path)
	if err != nil {
		return err
	}
	defer f.Close()

	pcm, err := audio.OpenRingtonePCM(f)
	if err != nil {
		return err
	}

	buf := make([]byte, 320)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if _, err := pcm.Read(buf); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
