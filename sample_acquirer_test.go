// sample_acquirer_test.go - Acquisition chain tests: fetch, render, dedup

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
)

func TestRenderKey(t *testing.T) {
	cases := []struct {
		genome string
		rp     RenderParams
		want   string
	}{
		{"g1", RenderParams{Duration: 1, Pitch: 0, Velocity: 1}, "g1-1_0_1"},
		{"g2", RenderParams{Duration: 0.5, Pitch: -12, Velocity: 0.75}, "g2-0.5_-12_0.75"},
		{"g3", RenderParams{Duration: 2.25, Pitch: 7, Velocity: 1}, "g3-2.25_7_1"},
	}
	for _, tc := range cases {
		if got := renderKey(tc.genome, tc.rp); got != tc.want {
			t.Errorf("renderKey(%s, %+v) = %s, want %s", tc.genome, tc.rp, got, tc.want)
		}
	}
}

func TestAcquirer_FetchesPreRendered(t *testing.T) {
	srv := newRenderServer(t, 8000, 0.1)
	a := NewSampleAcquirer(srv.URL)

	sd := SoundData{GenomeID: "g1", Experiment: "e", EvoRunID: "run1"}
	rp := RenderParams{Duration: 1, Pitch: 0, Velocity: 1}
	ds, err := a.GetAudioData(context.Background(), sd, rp, nil)
	if err != nil {
		t.Fatalf("GetAudioData: %v", err)
	}
	if ds.SampleRate != 8000 {
		t.Errorf("SampleRate = %d, want 8000", ds.SampleRate)
	}
	if ds.Length == 0 || len(ds.PCM) != ds.Length {
		t.Errorf("inconsistent decoded length: Length=%d len(PCM)=%d", ds.Length, len(ds.PCM))
	}
	if srv.renderHits.Load() != 0 {
		t.Error("render fallback used although pre-rendered WAV exists")
	}
}

func TestAcquirer_FallsBackToRender(t *testing.T) {
	srv := newRenderServer(t, 8000, 0.1)
	srv.missing["g404"] = true
	a := NewSampleAcquirer(srv.URL)

	sd := SoundData{GenomeID: "g404", EvoRunID: "run1"}
	rp := RenderParams{Duration: 1, Pitch: 0, Velocity: 1}
	ds, err := a.GetAudioData(context.Background(), sd, rp, nil)
	if err != nil {
		t.Fatalf("GetAudioData: %v", err)
	}
	if len(ds.PCM) == 0 {
		t.Error("render fallback returned empty PCM")
	}
	if srv.renderHits.Load() != 1 {
		t.Errorf("renderHits = %d, want 1", srv.renderHits.Load())
	}
}

func TestAcquirer_SampleUnavailableWhenAllFail(t *testing.T) {
	srv := newRenderServer(t, 8000, 0.1)
	srv.missing["gdead"] = true
	srv.failRender = true
	a := NewSampleAcquirer(srv.URL)

	sd := SoundData{GenomeID: "gdead", EvoRunID: "run1"}
	_, err := a.GetAudioData(context.Background(), sd, RenderParams{Duration: 1}, nil)
	if err == nil {
		t.Fatal("expected error when fetch and render both fail")
	}
	if !errors.Is(err, ErrSampleUnavailable) {
		t.Errorf("error = %v, want ErrSampleUnavailable", err)
	}
}

func TestAcquirer_CachesByRenderKey(t *testing.T) {
	srv := newRenderServer(t, 8000, 0.1)
	a := NewSampleAcquirer(srv.URL)

	sd := SoundData{GenomeID: "g1", EvoRunID: "run1"}
	rp := RenderParams{Duration: 1, Pitch: 0, Velocity: 1}

	first, err := a.GetAudioData(context.Background(), sd, rp, nil)
	if err != nil {
		t.Fatalf("first GetAudioData: %v", err)
	}
	hits := srv.fetchHits.Load()
	second, err := a.GetAudioData(context.Background(), sd, rp, nil)
	if err != nil {
		t.Fatalf("second GetAudioData: %v", err)
	}
	if srv.fetchHits.Load() != hits {
		t.Error("cache miss on identical render key")
	}
	if first != second {
		t.Error("cache returned a different decode for the same key")
	}

	// Different parameters resolve to a different key and refetch.
	if _, err := a.GetAudioData(context.Background(), sd, RenderParams{Duration: 2, Pitch: 0, Velocity: 1}, nil); err != nil {
		t.Fatalf("third GetAudioData: %v", err)
	}
	if srv.fetchHits.Load() == hits {
		t.Error("distinct render key served from cache")
	}
}

func TestAcquirer_ConcurrentRequestsShareOneFlight(t *testing.T) {
	var requests atomic.Int64
	release := make(chan struct{})
	body := sineWAV(8000, 0.05)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".wav") && strings.Contains(r.URL.Path, "evorenders") {
			requests.Add(1)
			<-release
			w.Write(body)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	a := NewSampleAcquirer(srv.URL)
	sd := SoundData{GenomeID: "g1", EvoRunID: "run1"}
	rp := RenderParams{Duration: 1, Pitch: 0, Velocity: 1}

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.GetAudioData(context.Background(), sd, rp, nil)
		}(i)
	}
	waitFor(t, testTimeout, func() bool { return requests.Load() >= 1 }, "first request to arrive")
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("worker %d: %v", i, err)
		}
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("upstream requests = %d, want 1 shared flight", got)
	}
}

func TestAcquirer_ProgressStages(t *testing.T) {
	srv := newRenderServer(t, 8000, 0.05)
	srv.missing["gslow"] = true
	a := NewSampleAcquirer(srv.URL)

	var stages []string
	_, err := a.GetAudioData(context.Background(),
		SoundData{GenomeID: "gslow", EvoRunID: "run1"},
		RenderParams{Duration: 1},
		func(stage string) { stages = append(stages, stage) })
	if err != nil {
		t.Fatalf("GetAudioData: %v", err)
	}
	want := []string{"fetch", "render"}
	if fmt.Sprint(stages) != fmt.Sprint(want) {
		t.Errorf("stages = %v, want %v", stages, want)
	}
}

func TestAcquirer_FetchRaw(t *testing.T) {
	srv := newRenderServer(t, 8000, 0.05)
	a := NewSampleAcquirer(srv.URL)

	sd := SoundData{GenomeID: "g1", EvoRunID: "run1"}
	rp := RenderParams{Duration: 1, Pitch: 0, Velocity: 1}
	data, name, err := a.FetchRaw(context.Background(), sd, rp)
	if err != nil {
		t.Fatalf("FetchRaw: %v", err)
	}
	if len(data) == 0 {
		t.Error("FetchRaw returned empty body")
	}
	if name != "g1-1_0_1.wav" {
		t.Errorf("filename = %s, want g1-1_0_1.wav", name)
	}

	srv.missing["g1"] = true
	if _, _, err := a.FetchRaw(context.Background(), sd, rp); !errors.Is(err, ErrSampleUnavailable) {
		t.Errorf("missing download error = %v, want ErrSampleUnavailable", err)
	}
}
