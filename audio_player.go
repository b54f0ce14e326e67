// audio_player.go - Sample playback signals: one-shots, loops, sequenced steps

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"math"
	"sync/atomic"
)

// SamplePlayer reads a named buffer out of the sample store with linear
// interpolation. The playback rate is a shared Const so pitch drags move
// a running voice without a rebuild. The buffer reference is re-resolved
// whenever the store version changes; a missing or evicted name plays as
// silence.
type SamplePlayer struct {
	store *SampleStore
	name  string
	rate  *Const
	env   *Envelope

	startFrac float64
	endFrac   float64
	loop      bool

	srcRate float64 // sample rate of the decoded buffer
	outRate float64 // engine output rate

	buf      []float32
	version  uint64
	resolved bool
	pos      float64
	started  bool

	finished atomic.Bool
}

type samplePlayerConfig struct {
	name      string
	rate      *Const
	env       *Envelope
	loop      bool
	startFrac float64
	endFrac   float64
	srcRate   float64
}

func newSamplePlayer(store *SampleStore, outRate float64, cfg samplePlayerConfig) *SamplePlayer {
	if cfg.endFrac <= 0 || cfg.endFrac > 1 {
		cfg.endFrac = 1
	}
	if cfg.startFrac < 0 || cfg.startFrac >= cfg.endFrac {
		cfg.startFrac = 0
	}
	if cfg.rate == nil {
		cfg.rate = NewConst(1)
	}
	if cfg.srcRate <= 0 {
		cfg.srcRate = outRate
	}
	return &SamplePlayer{
		store:     store,
		name:      cfg.name,
		rate:      cfg.rate,
		env:       cfg.env,
		loop:      cfg.loop,
		startFrac: cfg.startFrac,
		endFrac:   cfg.endFrac,
		srcRate:   cfg.srcRate,
		outRate:   outRate,
	}
}

func (p *SamplePlayer) Rate() *Const { return p.rate }

// Finished reports a one-shot that ran off the end of its buffer.
func (p *SamplePlayer) Finished() bool { return p.finished.Load() }

// Release gates the envelope off; the voice fades over the release time.
func (p *SamplePlayer) Release() {
	if p.env != nil {
		p.env.SetGate(false)
	}
}

// Faded reports a released voice whose tail has died out, so the
// owning unit can drop it from the fragment.
func (p *SamplePlayer) Faded() bool {
	if p.finished.Load() {
		return true
	}
	return p.env != nil && p.env.Done()
}

func (p *SamplePlayer) resolve() {
	if v := p.store.Version(); v != p.version || !p.resolved {
		p.buf, _ = p.store.Get(p.name)
		p.version = v
		p.resolved = true
	}
}

func (p *SamplePlayer) restart() {
	p.pos = p.startFrac * float64(len(p.buf))
	p.started = true
	if p.env != nil {
		p.env.Retrigger()
	}
}

func (p *SamplePlayer) NextSample() float32 {
	p.resolve()
	n := len(p.buf)
	if n == 0 {
		return 0
	}
	start := p.startFrac * float64(n)
	end := p.endFrac * float64(n)
	if end <= start {
		return 0
	}
	if !p.started {
		p.pos = start
		p.started = true
		if p.env != nil {
			p.env.SetGate(true)
		}
	}
	if p.finished.Load() {
		return 0
	}

	i := int(p.pos)
	if i >= n {
		i = n - 1
	}
	s0 := p.buf[i]
	s1 := s0
	if i+1 < n {
		s1 = p.buf[i+1]
	}
	frac := float32(p.pos - float64(i))
	out := s0 + (s1-s0)*frac

	if p.env != nil {
		out *= p.env.Next()
		if p.env.Done() && !p.loop {
			p.finished.Store(true)
		}
	}

	p.pos += p.rate.Value() * p.srcRate / p.outRate
	if p.pos >= end {
		if p.loop {
			span := end - start
			p.pos = start + math.Mod(p.pos-start, span)
		} else {
			p.finished.Store(true)
		}
	}
	return out
}

// SyncedLoop phase-locks a looping player to the shared phasor: the
// player restarts on every phasor wrap and the final portion of the cycle
// is gated to smooth the seam.
type SyncedLoop struct {
	Player *SamplePlayer
	Clock  *Phasor
	// Fraction of the cycle, from the end, during which output is
	// suppressed (defaults to loopSeamGate).
	SeamGate float64
}

const loopSeamGate = 0.05

func (s *SyncedLoop) NextSample() float32 {
	if s.Clock.Wrapped() {
		s.Player.resolve()
		s.Player.restart()
	}
	out := s.Player.NextSample()
	gate := s.SeamGate
	if gate <= 0 {
		gate = loopSeamGate
	}
	if s.Clock.Phase() > 1.0-gate {
		return 0
	}
	return out
}

// SequenceClock is a free-running timeline in seconds, wrapping at the
// sequence duration. One instance per sequencing unit, ticked once per
// frame as a silent fragment member ahead of its step players.
type SequenceClock struct {
	durBits atomic.Uint64

	outRate float64
	now     float64
}

func NewSequenceClock(outRate, durationSec float64) *SequenceClock {
	c := &SequenceClock{outRate: outRate}
	c.SetDuration(durationSec)
	return c
}

func (c *SequenceClock) SetDuration(sec float64) {
	c.durBits.Store(math.Float64bits(sec))
}

func (c *SequenceClock) Duration() float64 {
	return math.Float64frombits(c.durBits.Load())
}

func (c *SequenceClock) NextSample() float32 {
	dur := c.Duration()
	if dur <= 0 {
		return 0
	}
	c.now += 1.0 / c.outRate
	for c.now >= dur {
		c.now -= dur
	}
	return 0
}

func (c *SequenceClock) Now() float64 { return c.now }

// StepPlayer triggers a sample inside a window of the sequence timeline.
// Window edges are taken modulo the sequence duration, so micro-offsets
// that push an item before zero or past the end wrap around.
type StepPlayer struct {
	Clock    *SequenceClock
	Player   *SamplePlayer
	WinStart float64
	WinEnd   float64

	wasIn     bool
	triggered bool
}

func (s *StepPlayer) inWindow(t, dur float64) bool {
	a := math.Mod(s.WinStart, dur)
	if a < 0 {
		a += dur
	}
	b := math.Mod(s.WinEnd, dur)
	if b < 0 {
		b += dur
	}
	if a == b {
		return false
	}
	if a < b {
		return t >= a && t < b
	}
	return t >= a || t < b
}

func (s *StepPlayer) NextSample() float32 {
	dur := s.Clock.Duration()
	if dur <= 0 {
		return 0
	}
	in := s.inWindow(s.Clock.Now(), dur)
	if in && !s.wasIn {
		s.Player.resolve()
		s.Player.restart()
		s.Player.finished.Store(false)
		s.triggered = true
	}
	if !in && s.wasIn {
		s.Player.Release()
	}
	s.wasIn = in
	// Silent until the first window entry; afterwards the envelope's
	// release tail is allowed to ring past the window edge.
	if !s.triggered {
		return 0
	}
	return s.Player.NextSample()
}
