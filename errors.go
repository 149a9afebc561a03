// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import "errors"

var (
	ErrInvalidState      = errors.New("session: method not valid in current state")
	ErrNoMediaRequested  = errors.New("session: no media stream requested")
	ErrAudioNotProposed  = errors.New("session: audio was not proposed by remote party")
	ErrNoStreamAccepted  = errors.New("session: none of the streams proposed by the remote party is accepted")
	ErrNoAudioStream     = errors.New("session: no audio stream is active on this session")
	ErrAlreadyRecording  = errors.New("session: already recording audio to a file")
	ErrNotRecording      = errors.New("session: not recording any audio")
	ErrAudioAlreadyAdded = errors.New("session: an audio stream is already active within this session")
)
