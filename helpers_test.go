// helpers_test.go - Shared test fixtures: WAV encoding, render server, polling

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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

// encodeWAV builds a 16-bit PCM mono WAV from float samples.
func encodeWAV(sampleRate int, samples []float32) []byte {
	var buf bytes.Buffer
	dataLen := len(samples) * 2

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	for _, s := range samples {
		v := int16(math.Round(float64(s) * 32767))
		binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

// sineWAV is a short test tone.
func sineWAV(sampleRate int, seconds float64) []byte {
	n := int(seconds * float64(sampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}
	return encodeWAV(sampleRate, samples)
}

// renderServer mimics the corpus host: pre-rendered WAVs under
// /evorenders and a POST /render fallback, with per-route hit counters.
type renderServer struct {
	*httptest.Server
	fetchHits  atomic.Int64
	renderHits atomic.Int64

	// missing genomes 404 on the pre-rendered routes, forcing the
	// render fallback.
	missing map[string]bool
	// failRender makes POST /render return 500 as well.
	failRender bool
}

func newRenderServer(t *testing.T, sampleRate int, seconds float64) *renderServer {
	t.Helper()
	rs := &renderServer{missing: make(map[string]bool)}
	body := sineWAV(sampleRate, seconds)
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/render" {
			rs.renderHits.Add(1)
			if rs.failRender {
				http.Error(w, "render failed", http.StatusInternalServerError)
				return
			}
			w.Write(body)
			return
		}
		rs.fetchHits.Add(1)
		for genome := range rs.missing {
			if strings.Contains(r.URL.Path, genome) {
				http.NotFound(w, r)
				return
			}
		}
		w.Write(body)
	}))
	t.Cleanup(rs.Close)
	return rs
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func newTestEngine() *Engine {
	return NewEngine(AUDIO_BACKEND_NONE, engineSampleRate, NewSampleStore(defaultSampleStoreCap))
}

func testCellEvent(genomeID string, dur float64) CellEvent {
	return CellEvent{
		Genome: GenomeDesc{
			GenomeID:   genomeID,
			Experiment: "exp1",
			EvoRunID:   "run1",
		},
		Params: RenderParams{Duration: dur, Pitch: 0, Velocity: 1},
	}
}

// blockPeak is the largest absolute sample in a rendered block.
func blockPeak(buf []float32) float32 {
	var peak float32
	for _, s := range buf {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func boolPtr(v bool) *bool        { return &v }
func strPtr(v string) *string     { return &v }
