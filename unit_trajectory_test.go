// unit_trajectory_test.go - Hover throttle, voice cap and mode tests

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"sort"
	"testing"
	"time"
)

func newTrajectoryFixture(t *testing.T, seconds float64) (*TrajectoryUnit, *renderServer) {
	t.Helper()
	srv := newRenderServer(t, 8000, seconds)
	engine := newTestEngine()
	registry := NewVoiceRegistry()
	acquirer := NewSampleAcquirer(srv.URL)
	u := NewTrajectoryUnit(engine, registry, acquirer)
	if err := u.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(u.Cleanup)
	return u, srv
}

func TestTrajectory_HoverBeforeInitializeIgnored(t *testing.T) {
	srv := newRenderServer(t, 8000, 0.1)
	u := NewTrajectoryUnit(newTestEngine(), NewVoiceRegistry(), NewSampleAcquirer(srv.URL))
	if u.HandleCellHover(testCellEvent("g1", 1)) {
		t.Error("uninitialized unit accepted a hover")
	}
	if u.VoiceCount() != 0 {
		t.Error("uninitialized unit spawned a voice")
	}
}

func TestTrajectory_OneOffHoverSpawnsVoice(t *testing.T) {
	u, _ := newTrajectoryFixture(t, 1.0)

	if !u.HandleCellHover(testCellEvent("g1", 1)) {
		t.Fatal("hover rejected")
	}
	waitFor(t, testTimeout, func() bool { return u.VoiceCount() == 1 }, "voice to start")
	if got := u.VoiceGenomes(); len(got) != 1 || got[0] != "g1" {
		t.Errorf("voices = %v, want [g1]", got)
	}
}

func TestTrajectory_RepeatHoverThrottled(t *testing.T) {
	u, srv := newTrajectoryFixture(t, 1.0)

	// Identical cells in one burst: only the first hover triggers.
	if !u.HandleCellHover(testCellEvent("g1", 1)) {
		t.Fatal("first hover rejected")
	}
	for i := 0; i < 5; i++ {
		if u.HandleCellHover(testCellEvent("g1", 1)) {
			t.Fatal("burst repeat accepted inside the throttle window")
		}
	}
	waitFor(t, testTimeout, func() bool { return u.VoiceCount() == 1 }, "single voice")
	time.Sleep(50 * time.Millisecond)
	if got := u.VoiceCount(); got != 1 {
		t.Errorf("voices after burst = %d, want 1", got)
	}
	if got := srv.fetchHits.Load(); got > 2 {
		t.Errorf("throttled burst still caused %d fetches", got)
	}
}

func TestTrajectory_DifferentGenomeBypassesThrottle(t *testing.T) {
	u, _ := newTrajectoryFixture(t, 1.0)

	if !u.HandleCellHover(testCellEvent("g1", 1)) {
		t.Fatal("first hover rejected")
	}
	if !u.HandleCellHover(testCellEvent("g2", 1)) {
		t.Error("different genome throttled")
	}
	waitFor(t, testTimeout, func() bool { return u.VoiceCount() == 2 }, "two voices")
}

func TestTrajectory_LoopingCapEvictsOldest(t *testing.T) {
	u, _ := newTrajectoryFixture(t, 1.0)
	u.UpdateConfig(UnitConfig{
		PlaybackMode: strPtr(PlaybackLooping),
		MaxVoices:    intPtr(2),
	})

	for _, genome := range []string{"g1", "g2", "g3"} {
		g := genome
		if !u.HandleCellHover(testCellEvent(g, 0.01)) {
			t.Fatalf("hover %s rejected", g)
		}
		waitFor(t, testTimeout, func() bool {
			for _, have := range u.VoiceGenomes() {
				if have == g {
					return true
				}
			}
			return false
		}, g+" to start")
	}

	got := u.VoiceGenomes()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "g2" || got[1] != "g3" {
		t.Errorf("voices after cap eviction = %v, want [g2 g3]", got)
	}
}

func TestTrajectory_OneOffEvictionSparesLoops(t *testing.T) {
	u, _ := newTrajectoryFixture(t, 1.0)
	u.UpdateConfig(UnitConfig{
		PlaybackMode: strPtr(PlaybackLooping),
		MaxVoices:    intPtr(3),
	})

	// The loop starts first, making it the oldest voice overall.
	if !u.HandleCellHover(testCellEvent("g1", 1)) {
		t.Fatal("loop hover rejected")
	}
	waitFor(t, testTimeout, func() bool { return u.VoiceCount() == 1 }, "loop to start")

	u.UpdateConfig(UnitConfig{PlaybackMode: strPtr(PlaybackOneOff)})
	// Sequential starts pin the one-off creation order: g2 before g3.
	for i, g := range []string{"g2", "g3"} {
		if !u.HandleCellHover(testCellEvent(g, 1)) {
			t.Fatalf("hover %s rejected", g)
		}
		want := i + 2
		waitFor(t, testTimeout, func() bool { return u.VoiceCount() == want }, g+" to start")
	}

	// At the cap a new one-off evicts the oldest one-off, not the loop.
	if !u.HandleCellHover(testCellEvent("g4", 1)) {
		t.Fatal("hover g4 rejected")
	}
	waitFor(t, testTimeout, func() bool {
		for _, g := range u.VoiceGenomes() {
			if g == "g4" {
				return true
			}
		}
		return false
	}, "g4 to start")

	got := u.VoiceGenomes()
	sort.Strings(got)
	if len(got) != 3 || got[0] != "g1" || got[1] != "g3" || got[2] != "g4" {
		t.Errorf("voices after eviction = %v, want [g1 g3 g4]", got)
	}
}

func TestTrajectory_LoopingHoverToggles(t *testing.T) {
	u, _ := newTrajectoryFixture(t, 1.0)
	u.UpdateConfig(UnitConfig{PlaybackMode: strPtr(PlaybackLooping)})

	if !u.HandleCellHover(testCellEvent("g1", 0.01)) {
		t.Fatal("start hover rejected")
	}
	waitFor(t, testTimeout, func() bool { return u.VoiceCount() == 1 }, "loop to start")

	// Past the throttle window the same cell toggles the loop off.
	time.Sleep(30 * time.Millisecond)
	if u.HandleCellHover(testCellEvent("g1", 0.01)) {
		t.Error("toggle-off hover reported a start")
	}
	if got := u.VoiceCount(); got != 0 {
		t.Errorf("voices after toggle-off = %d, want 0", got)
	}
}

func TestTrajectory_OneOffVoiceExpires(t *testing.T) {
	u, _ := newTrajectoryFixture(t, 0.05)

	u.HandleCellHover(testCellEvent("g1", 0.05))
	waitFor(t, testTimeout, func() bool { return u.VoiceCount() == 1 }, "voice to start")
	// Sample is 50ms; the expiry timer adds a 100ms grace.
	waitFor(t, testTimeout, func() bool { return u.VoiceCount() == 0 }, "voice to expire")
}

func TestTrajectory_CleanupEvictsScopedBuffers(t *testing.T) {
	u, _ := newTrajectoryFixture(t, 1.0)
	store := u.engine.Store()

	u.HandleCellHover(testCellEvent("g1", 1))
	waitFor(t, testTimeout, func() bool { return u.VoiceCount() == 1 }, "voice to start")
	if store.Len() == 0 {
		t.Fatal("no buffer installed for the voice")
	}

	u.Cleanup()
	if got := store.Len(); got != 0 {
		t.Errorf("store entries after cleanup = %d, want 0", got)
	}
	if got := u.VoiceCount(); got != 0 {
		t.Errorf("voices after cleanup = %d, want 0", got)
	}
}
