// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingtonePlayerStartStopLifecycle(t *testing.T) {
	p := newRingtonePlayer("")
	assert.False(t, p.IsActive())

	p.Start()
	assert.True(t, p.IsActive())

	// A second Start while already active is a no-op, not a second goroutine.
	p.Start()
	assert.True(t, p.IsActive())

	p.Stop()
	assert.False(t, p.IsActive())
}

func TestRingtonePlayerStopWithoutStartIsNoop(t *testing.T) {
	p := newRingtonePlayer("")
	p.Stop()
	assert.False(t, p.IsActive())
}

func TestRingtonePlayerMissingFileEndsLoopButStopStillCleansUp(t *testing.T) {
	p := newRingtonePlayer("/nonexistent/path/to/file.wav")
	p.Start()
	p.Stop()
	assert.False(t, p.IsActive())
}
