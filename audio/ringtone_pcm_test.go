// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRingtonePCMReadsPCMWrittenByEncoder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")

	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           []int{100, -100, 200, -200},
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	rf, err := os.Open(path)
	require.NoError(t, err)
	defer rf.Close()

	pcm, err := OpenRingtonePCM(rf)
	require.NoError(t, err)

	out := make([]byte, 8)
	n, err := pcm.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestOpenRingtonePCMErrorsOnGarbage(t *testing.T) {
	_, err := OpenRingtonePCM(bytes.NewReader([]byte("not a wav file at all, just text")))
	require.Error(t, err)
}

func TestOpenRingtonePCMReaderReturnsEOFAtEndOfData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.wav")

	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           []int{1, 2},
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	rf, err := os.Open(path)
	require.NoError(t, err)
	defer rf.Close()

	pcm, err := OpenRingtonePCM(rf)
	require.NoError(t, err)

	out := make([]byte, 4)
	_, err = pcm.Read(out)
	require.NoError(t, err)

	_, err = pcm.Read(out)
	assert.ErrorIs(t, err, io.EOF)
}
