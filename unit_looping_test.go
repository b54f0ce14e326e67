// unit_looping_test.go - Loop toggling, master election and drag/release tests

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"math"
	"sort"
	"testing"
)

type loopingFixture struct {
	unit     *LoopingUnit
	engine   *Engine
	registry *VoiceRegistry
	srv      *renderServer
}

func newLoopingFixture(t *testing.T) *loopingFixture {
	t.Helper()
	srv := newRenderServer(t, 8000, 0.25)
	engine := newTestEngine()
	registry := NewVoiceRegistry()
	u := NewLoopingUnit(engine, registry, NewSampleAcquirer(srv.URL))
	if err := u.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(u.Cleanup)
	return &loopingFixture{unit: u, engine: engine, registry: registry, srv: srv}
}

func (f *loopingFixture) startLoop(t *testing.T, genomeID string) {
	t.Helper()
	if !f.unit.HandleCellHover(testCellEvent(genomeID, 0.25)) {
		t.Fatalf("hover %s rejected", genomeID)
	}
	waitFor(t, testTimeout, func() bool {
		for _, g := range f.unit.LoopingGenomes() {
			if g == genomeID {
				return true
			}
		}
		return false
	}, genomeID+" loop to start")
}

func TestLooping_HoverToggles(t *testing.T) {
	f := newLoopingFixture(t)

	f.startLoop(t, "g1")
	if genome, dur := f.unit.MasterLoop(); genome != "g1" || dur <= 0 {
		t.Errorf("master = %s/%v, want g1 with positive duration", genome, dur)
	}

	if f.unit.HandleCellHover(testCellEvent("g1", 0.25)) {
		t.Error("toggle-off reported a start")
	}
	if got := f.unit.VoiceCount(); got != 0 {
		t.Errorf("voices after toggle-off = %d, want 0", got)
	}
	if genome, _ := f.unit.MasterLoop(); genome != "" {
		t.Errorf("master after last stop = %s, want none", genome)
	}
}

func TestLooping_MasterReelection(t *testing.T) {
	f := newLoopingFixture(t)

	f.startLoop(t, "g1")
	f.startLoop(t, "g2")
	f.startLoop(t, "g3")

	if genome, _ := f.unit.MasterLoop(); genome != "g1" {
		t.Fatalf("initial master = %s, want g1", genome)
	}

	// Stopping the master hands the clock to the oldest survivor.
	f.unit.HandleCellHover(testCellEvent("g1", 0.25))
	if genome, _ := f.unit.MasterLoop(); genome != "g2" {
		t.Errorf("master after g1 stop = %s, want g2", genome)
	}

	// Stopping a non-master leaves the master alone.
	f.unit.HandleCellHover(testCellEvent("g3", 0.25))
	if genome, _ := f.unit.MasterLoop(); genome != "g2" {
		t.Errorf("master after g3 stop = %s, want g2", genome)
	}
}

func TestLooping_CapEvictsOldest(t *testing.T) {
	f := newLoopingFixture(t)
	f.unit.UpdateConfig(UnitConfig{MaxVoices: intPtr(2)})

	f.startLoop(t, "g1")
	f.startLoop(t, "g2")
	f.startLoop(t, "g3")

	got := f.unit.LoopingGenomes()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "g2" || got[1] != "g3" {
		t.Errorf("loops after eviction = %v, want [g2 g3]", got)
	}
	// g1 was the master; the clock must have moved on.
	if genome, _ := f.unit.MasterLoop(); genome == "g1" || genome == "" {
		t.Errorf("master after eviction = %q", genome)
	}
}

func TestLooping_PitchDragStaysCheap(t *testing.T) {
	f := newLoopingFixture(t)
	f.startLoop(t, "g1")

	fetches := f.srv.fetchHits.Load()
	renders := f.srv.renderHits.Load()

	// Drag: pitch moves via the shared rate constant, no re-acquisition.
	f.registry.UpdateParameters("g1", ParamPatch{Pitch: floatPtr(3)}, f.unit.Key())

	voiceID := f.unit.Key() + "-g1"
	rate := f.engine.Constant("rate-"+voiceID, 0)
	want := math.Pow(2, 3.0/12)
	if got := rate.Value(); math.Abs(got-want) > 1e-9 {
		t.Errorf("drag rate = %v, want %v", got, want)
	}
	if f.srv.fetchHits.Load() != fetches || f.srv.renderHits.Load() != renders {
		t.Error("drag triggered network traffic")
	}
}

func TestLooping_ReleaseReacquiresAndResetsRate(t *testing.T) {
	f := newLoopingFixture(t)
	f.startLoop(t, "g1")

	voiceID := f.unit.Key() + "-g1"
	rate := f.engine.Constant("rate-"+voiceID, 0)

	// Drag first so the release has a rate to reset.
	f.registry.UpdateParameters("g1", ParamPatch{Pitch: floatPtr(3)}, f.unit.Key())
	if rate.Value() == 1 {
		t.Fatal("drag did not move the rate")
	}

	fetches := f.srv.fetchHits.Load()
	f.registry.UpdateParameters("g1", ParamPatch{Pitch: floatPtr(5), RenderNow: true}, f.unit.Key())

	waitFor(t, testTimeout, func() bool { return f.srv.fetchHits.Load() > fetches }, "re-acquisition fetch")
	waitFor(t, testTimeout, func() bool { return rate.Value() == 1 }, "rate reset after re-render")

	if got := f.unit.VoiceCount(); got != 1 {
		t.Errorf("voices after release = %d, want 1", got)
	}
}

func TestLooping_ReleaseAtDraggedPitchReacquires(t *testing.T) {
	f := newLoopingFixture(t)
	f.startLoop(t, "g1")

	voiceID := f.unit.Key() + "-g1"
	rate := f.engine.Constant("rate-"+voiceID, 0)

	// Drag through several values, ending on the one the release will
	// carry. The drags stay cheap rate moves.
	fetches := f.srv.fetchHits.Load()
	for _, pitch := range []float64{1, 3, 7} {
		f.registry.UpdateParameters("g1", ParamPatch{Pitch: floatPtr(pitch)}, f.unit.Key())
	}
	want := math.Pow(2, 7.0/12)
	if got := rate.Value(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("drag rate = %v, want %v", got, want)
	}
	if f.srv.fetchHits.Load() != fetches {
		t.Fatal("drags triggered network traffic")
	}

	// Release at the dragged value: pitch 7 was never rendered, so the
	// voice must re-acquire even though no field moves on the merge.
	f.registry.UpdateParameters("g1", ParamPatch{Pitch: floatPtr(7), RenderNow: true}, f.unit.Key())

	waitFor(t, testTimeout, func() bool { return f.srv.fetchHits.Load() > fetches }, "release re-acquisition at the dragged pitch")
	waitFor(t, testTimeout, func() bool { return rate.Value() == 1 }, "rate reset after re-render")
}

func TestLooping_ToggleOffFadesTail(t *testing.T) {
	f := newLoopingFixture(t)
	f.startLoop(t, "g1")

	buf := make([]float32, 1024)
	// Let the envelope settle at sustain.
	for i := 0; i < 4; i++ {
		f.engine.RenderBlock(buf)
	}

	f.unit.HandleCellHover(testCellEvent("g1", 0.25))
	if got := f.unit.VoiceCount(); got != 0 {
		t.Fatalf("voices after toggle-off = %d, want 0", got)
	}

	// The release tail still sounds on the next block.
	f.engine.RenderBlock(buf)
	if blockPeak(buf) == 0 {
		t.Error("voice cut hard on removal, no release tail")
	}

	// Past the release window the tail has died out.
	for i := 0; i < 4; i++ {
		f.engine.RenderBlock(buf)
	}
	f.engine.RenderBlock(buf)
	if peak := blockPeak(buf); peak != 0 {
		t.Errorf("tail still audible past the release window, peak = %v", peak)
	}
}

func TestLooping_ReleaseWithoutChangeSkipsReacquisition(t *testing.T) {
	f := newLoopingFixture(t)
	f.startLoop(t, "g1")

	fetches := f.srv.fetchHits.Load()
	params, _ := f.registry.GetVoiceParameters(f.unit.Key() + "-g1")

	// RenderNow with an identical pitch value: no field changed, no fetch.
	f.registry.UpdateParameters("g1", ParamPatch{Pitch: floatPtr(params.Pitch), RenderNow: true}, f.unit.Key())

	if got := f.srv.fetchHits.Load(); got != fetches {
		t.Errorf("no-op release fetched (%d -> %d)", fetches, got)
	}
}

func TestLooping_OtherContextUpdateIgnored(t *testing.T) {
	f := newLoopingFixture(t)
	f.startLoop(t, "g1")

	fetches := f.srv.fetchHits.Load()
	f.registry.UpdateParameters("g1", ParamPatch{Pitch: floatPtr(9), RenderNow: true}, "some-other-unit")

	if got := f.srv.fetchHits.Load(); got != fetches {
		t.Error("update scoped to another context reached this unit")
	}
}

func TestLooping_SyncTogglePreservesVoices(t *testing.T) {
	f := newLoopingFixture(t)
	f.startLoop(t, "g1")
	f.startLoop(t, "g2")

	f.unit.UpdateConfig(UnitConfig{SyncEnabled: boolPtr(true)})
	if got := f.unit.VoiceCount(); got != 2 {
		t.Errorf("voices after sync on = %d, want 2", got)
	}
	f.unit.UpdateConfig(UnitConfig{SyncEnabled: boolPtr(false)})
	if got := f.unit.VoiceCount(); got != 2 {
		t.Errorf("voices after sync off = %d, want 2", got)
	}
}
