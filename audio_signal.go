// audio_signal.go - Signal primitives for the realtime mix graph

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

// Signal is one root of a unit's audio-graph fragment. The engine pulls
// every contributing signal once per output frame. Signals own their
// internal state; the control plane never mutates a live signal directly,
// it either replaces the fragment or stores into a Const.
type Signal interface {
	NextSample() float32
}

// Const is a named scalar shared between the control plane and the audio
// goroutine. Writes go through Set (an atomic store), so continuous
// controls move without rebuilding the graph.
type Const struct {
	bits atomic.Uint64
}

func NewConst(v float64) *Const {
	c := &Const{}
	c.Set(v)
	return c
}

func (c *Const) Set(v float64) {
	c.bits.Store(math.Float64bits(v))
}

func (c *Const) Value() float64 {
	return math.Float64frombits(c.bits.Load())
}

// Amp multiplies a source signal by a shared gain constant. Units wrap
// every voice in an Amp bound to their gain-<unitKey> constant so volume
// edits reach the renderer through UpdateConstant alone.
type Amp struct {
	Src   Signal
	Gain  *Const
	Scale float32 // static per-voice scale (1 when unused)
}

func (a *Amp) NextSample() float32 {
	return a.Src.NextSample() * float32(a.Gain.Value()) * a.Scale
}

// Sum adds a set of signals into one root, for effect sends that process
// a unit's whole mix.
type Sum struct {
	Srcs []Signal
}

func (s *Sum) NextSample() float32 {
	var out float32
	for _, src := range s.Srcs {
		out += src.NextSample()
	}
	return out
}

// Envelope phases.
const (
	envAttack = iota
	envDecay
	envSustain
	envRelease
	envIdle
)

// Envelope is a linear ADSR stepped once per sample. Times are in
// samples; sustain is a level. Gate-on restarts the attack, gate-off
// moves to release from whatever level is current, which keeps loop
// toggles click-free.
//
// The gate is written from the control plane (voice teardown calls
// Release while the renderer may be mid-block) and the phase is read
// back by the units' released-voice sweep, so both cross the
// goroutine boundary as atomics. Phase transitions happen only inside
// Next, on the audio side; level and sample never leave it.
type Envelope struct {
	attack  int
	decay   int
	release int
	sustain float32

	gate  atomic.Bool
	phase atomic.Int32

	level    float32
	sample   int
	prevGate bool
}

func NewEnvelope(sampleRate float64, attackSec, decaySec, sustain, releaseSec float64) *Envelope {
	toSamples := func(sec float64) int {
		n := int(sec * sampleRate)
		if n < 1 {
			n = 1
		}
		return n
	}
	env := &Envelope{
		attack:  toSamples(attackSec),
		decay:   toSamples(decaySec),
		release: toSamples(releaseSec),
		sustain: float32(sustain),
	}
	env.phase.Store(envIdle)
	return env
}

// SetGate requests a gate change from any goroutine; the phase move is
// folded into Next on the audio side.
func (e *Envelope) SetGate(on bool) {
	e.gate.Store(on)
}

// Retrigger restarts the attack immediately. Audio-side only; synced
// and step players call it from inside the render pull.
func (e *Envelope) Retrigger() {
	e.gate.Store(true)
	e.prevGate = true
	e.sample = 0
	e.phase.Store(envAttack)
}

func (e *Envelope) Done() bool {
	return e.phase.Load() == envIdle && !e.gate.Load()
}

func (e *Envelope) Next() float32 {
	gate := e.gate.Load()
	phase := int(e.phase.Load())
	if gate && !e.prevGate {
		phase = envAttack
		e.sample = 0
	}
	if !gate && e.prevGate && phase != envRelease && phase != envIdle {
		phase = envRelease
		e.sample = 0
	}
	e.prevGate = gate

	switch phase {
	case envAttack:
		e.level += 1.0 / float32(e.attack)
		if e.level >= 1.0 {
			e.level = 1.0
			phase = envDecay
			e.sample = 0
		}
	case envDecay:
		e.level = 1.0 - (1.0-e.sustain)*float32(e.sample)/float32(e.decay)
		e.sample++
		if e.sample >= e.decay {
			e.level = e.sustain
			phase = envSustain
		}
	case envSustain:
		// Level holds until the gate drops.
	case envRelease:
		e.level -= e.sustain / float32(e.release)
		e.sample++
		if e.sample >= e.release || e.level <= 0 {
			e.level = 0
			phase = envIdle
		}
	case envIdle:
		e.level = 0
	}
	if e.level < 0 {
		e.level = 0
	}
	e.phase.Store(int32(phase))
	return e.level
}

// Phasor is the shared loop clock: a ramp 0..1 advanced once per frame.
// It participates in the fragment as a silent signal so it ticks exactly
// once per frame; synced players read Phase/Wrapped after it has ticked
// (the engine preserves fragment order).
type Phasor struct {
	incBits atomic.Uint64 // per-sample increment, settable from control plane

	phase   float64
	wrapped bool
}

func NewPhasor(sampleRate, cycleSeconds float64) *Phasor {
	p := &Phasor{}
	p.SetCycle(sampleRate, cycleSeconds)
	return p
}

func (p *Phasor) SetCycle(sampleRate, cycleSeconds float64) {
	inc := 0.0
	if cycleSeconds > 0 {
		inc = 1.0 / (cycleSeconds * sampleRate)
	}
	p.incBits.Store(math.Float64bits(inc))
}

func (p *Phasor) NextSample() float32 {
	p.phase += math.Float64frombits(p.incBits.Load())
	if p.phase >= 1.0 {
		p.phase -= 1.0
		p.wrapped = true
	} else {
		p.wrapped = false
	}
	return 0
}

func (p *Phasor) Phase() float64 { return p.phase }
func (p *Phasor) Wrapped() bool  { return p.wrapped }

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20.0)
}
