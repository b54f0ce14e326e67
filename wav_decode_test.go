// wav_decode_test.go - WAV decode and downmix tests

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func encodeStereoWAV(sampleRate int, left, right []float32) []byte {
	var buf bytes.Buffer
	dataLen := len(left) * 4

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*4))
	binary.Write(&buf, binary.LittleEndian, uint16(4))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	for i := range left {
		binary.Write(&buf, binary.LittleEndian, int16(math.Round(float64(left[i])*32767)))
		binary.Write(&buf, binary.LittleEndian, int16(math.Round(float64(right[i])*32767)))
	}
	return buf.Bytes()
}

func TestDecodeWAV_Mono(t *testing.T) {
	samples := []float32{0, 0.25, 0.5, -0.5, -0.25, 0}
	data := encodeWAV(8000, samples)

	ds, err := decodeWAVBytes(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ds.SampleRate != 8000 {
		t.Errorf("SampleRate = %d, want 8000", ds.SampleRate)
	}
	if ds.Length != len(samples) {
		t.Errorf("Length = %d, want %d", ds.Length, len(samples))
	}
	wantDur := float64(len(samples)) / 8000
	if math.Abs(ds.Duration-wantDur) > 1e-9 {
		t.Errorf("Duration = %v, want %v", ds.Duration, wantDur)
	}
	for i, want := range samples {
		if math.Abs(float64(ds.PCM[i]-want)) > 0.001 {
			t.Errorf("PCM[%d] = %v, want %v", i, ds.PCM[i], want)
		}
	}
}

func TestDecodeWAV_StereoDownmixAverages(t *testing.T) {
	left := []float32{0.5, 0.5, 0.5, 0.5}
	right := []float32{-0.5, -0.5, 0.5, 0.5}
	data := encodeStereoWAV(8000, left, right)

	ds, err := decodeWAVBytes(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ds.Channels != 2 {
		t.Errorf("Channels = %d, want 2", ds.Channels)
	}
	if ds.Length != 4 {
		t.Fatalf("Length = %d, want 4", ds.Length)
	}
	want := []float32{0, 0, 0.5, 0.5}
	for i := range want {
		if math.Abs(float64(ds.PCM[i]-want[i])) > 0.001 {
			t.Errorf("PCM[%d] = %v, want %v", i, ds.PCM[i], want[i])
		}
	}
}

func TestDecodeWAV_RejectsGarbage(t *testing.T) {
	if _, err := decodeWAVBytes([]byte("not a wav at all")); err == nil {
		t.Error("garbage bytes decoded without error")
	}
}
