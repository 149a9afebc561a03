// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"io"

	"github.com/go-audio/riff"
)

// ringtonePCMStream streams the raw PCM samples out of a ringtone WAV
// asset, skipping whatever chunks precede the data chunk.
type ringtonePCMStream struct {
	data *riff.Chunk
}

// OpenRingtonePCM parses r as a WAV file and returns a reader positioned
// at its PCM data, for ringtonePlayer.playOnce to stream in fixed-size
// chunks.
func OpenRingtonePCM(r io.Reader) (io.Reader, error) {
	parser := riff.New(r)
	if err := parser.ParseHeaders(); err != nil {
		return nil, fmt.Errorf("parsing wav headers: %w", err)
	}

	for {
		chunk, err := parser.NextChunk()
		if err != nil {
			return nil, fmt.Errorf("scanning wav chunks: %w", err)
		}

		switch chunk.ID {
		case riff.FmtID:
			if err := chunk.DecodeWavHeader(parser); err != nil {
				return nil, fmt.Errorf("decoding wav format chunk: %w", err)
			}
			chunk.Drain()
		case riff.DataFormatID:
			return &ringtonePCMStream{data: chunk}, nil
		default:
			chunk.Drain()
		}
	}
}

func (s *ringtonePCMStream) Read(buf []byte) (int, error) {
	n, err := s.data.Read(buf)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("reading wav data chunk: %w", err)
	}
	return n, err
}
