// wav_decode.go - WAV decoding and mono downmix for acquired samples

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"bytes"
	"io"

	"github.com/faiface/beep/wav"
	"github.com/pkg/errors"
)

// DecodedSample is mono PCM plus the metadata units need to build voices.
type DecodedSample struct {
	PCM        []float32
	SampleRate int
	Channels   int
	Length     int
	Duration   float64
}

// decodeWAVBytes decodes a WAV body into mono PCM. Stereo sources are
// downmixed by averaging.
func decodeWAVBytes(data []byte) (*DecodedSample, error) {
	streamer, format, err := wav.Decode(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return nil, errors.Wrap(err, "wav decode")
	}
	defer streamer.Close()

	// beep's 16-bit path normalizes against the unsigned range
	// (1<<16 - 1), which halves every sample; undo that so full-scale
	// PCM decodes to +/-1.
	gain := 1.0
	if format.Precision == 2 {
		gain = 2.0
	}

	pcm := make([]float32, 0, streamer.Len())
	frames := make([][2]float64, 1024)
	for {
		n, ok := streamer.Stream(frames)
		for i := 0; i < n; i++ {
			pcm = append(pcm, float32(gain*(frames[i][0]+frames[i][1])/2))
		}
		if !ok {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return nil, errors.Wrap(err, "wav stream")
	}
	if len(pcm) == 0 {
		return nil, errors.New("wav contained no frames")
	}

	rate := int(format.SampleRate)
	return &DecodedSample{
		PCM:        pcm,
		SampleRate: rate,
		Channels:   format.NumChannels,
		Length:     len(pcm),
		Duration:   float64(len(pcm)) / float64(rate),
	}, nil
}
