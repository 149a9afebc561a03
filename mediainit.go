// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"fmt"
	"sync"
)

// transportInitializer is the one-shot fan-in coordinator of spec §4.1.
// Given a named set of RTPTransports, it triggers initialization of each
// and invokes exactly one of onSuccess/onFailure exactly once, regardless
// of how many transports are in flight or how late a stray event arrives.
//
// Grounded on the source's MediaTransportInitializer, which does the same
// thing for an audio RTP transport plus an optional MSRP chat stream; the
// chat stream is scaffolded here as an optional closer list since MSRP
// chat itself is a declared non-goal.
type transportInitializer struct {
	mu      sync.Mutex
	all     map[string]RTPTransport
	waiting map[string]RTPTransport
	done    bool

	onSuccess func(map[string]RTPTransport)
	onFailure func(reason string)

	auxiliary []func()
}

// newTransportInitializer starts initialization of every transport in
// streams immediately. onSuccess/onFailure fire from whichever transport's
// event goroutine completes the coordination; callers must not assume a
// particular calling goroutine.
func newTransportInitializer(
	streams map[string]RTPTransport,
	auxiliary []func(),
	onSuccess func(map[string]RTPTransport),
	onFailure func(reason string),
) *transportInitializer {
	ti := &transportInitializer{
		all:       make(map[string]RTPTransport, len(streams)),
		waiting:   make(map[string]RTPTransport, len(streams)),
		onSuccess: onSuccess,
		onFailure: onFailure,
		auxiliary: auxiliary,
	}
	for name, t := range streams {
		ti.all[name] = t
		ti.waiting[name] = t
	}
	for name, t := range streams {
		go ti.watch(name, t)
		t.SetInit()
	}
	return ti
}

func (ti *transportInitializer) watch(name string, t RTPTransport) {
	for ev := range t.Events() {
		if ti.handle(name, t, ev) {
			return
		}
	}
}

// handle processes one event under the coordinator's lock. It returns true
// once this transport's watch loop should stop (completion reached or the
// coordinator is already done).
func (ti *transportInitializer) handle(name string, t RTPTransport, ev TransportEvent) bool {
	ti.mu.Lock()
	if ti.done {
		ti.mu.Unlock()
		return true
	}

	if ev.Initialized {
		delete(ti.waiting, name)
		if len(ti.waiting) > 0 {
			ti.mu.Unlock()
			return true
		}
		ti.done = true
		results := ti.snapshotLocked()
		ti.mu.Unlock()
		ti.onSuccess(results)
		return true
	}

	ti.done = true
	ti.mu.Unlock()

	for _, close := range ti.auxiliary {
		close()
	}
	ti.onFailure(fmt.Sprintf("Failed to initialize %s transport: %s", name, ev.Reason))
	return true
}

// snapshotLocked must be called with ti.mu held.
func (ti *transportInitializer) snapshotLocked() map[string]RTPTransport {
	out := make(map[string]RTPTransport, len(ti.all))
	for k, v := range ti.all {
		out[k] = v
	}
	return out
}
