// audio_engine.go - Realtime mix engine: per-unit fragments, solo/mute gating

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	AUDIO_BACKEND_NONE = iota
	AUDIO_BACKEND_OTO
	AUDIO_BACKEND_PORTAUDIO
)

const engineSampleRate = 44100

// AudioOutput is the pull-based output device abstraction. Backends call
// Engine.RenderBlock from their own audio goroutine.
type AudioOutput interface {
	Start()
	Stop()
	Close()
	IsStarted() bool
}

// UnitMix is the per-unit gating state the engine needs to recompute the
// contributor set.
type UnitMix struct {
	VolumeDB float64
	Active   bool
	Soloed   bool
}

type unitEntry struct {
	signals []Signal
	mix     UnitMix
	order   int // registration order, keeps the flattened mix stable
}

type mixSnapshot struct {
	signals []Signal
}

// Engine owns the single realtime output. Units register audio-graph
// fragments; on every change the engine recomputes the contributor set
// (active, and soloed whenever any unit is soloed) and installs a new mix
// snapshot behind an atomic pointer. The audio goroutine only ever reads
// the last-committed snapshot, so control-plane mutation needs no lock on
// the hot path.
type Engine struct {
	mu          sync.Mutex
	initialized bool
	backend     int
	sampleRate  int
	output      AudioOutput
	store       *SampleStore
	units       map[string]*unitEntry
	consts      map[string]*Const
	nextOrder   int
	defaultIR   []float32

	snapshot atomic.Pointer[mixSnapshot]
}

func NewEngine(backend int, sampleRate int, store *SampleStore) *Engine {
	if sampleRate <= 0 {
		sampleRate = engineSampleRate
	}
	if store == nil {
		store = NewSampleStore(defaultSampleStoreCap)
	}
	e := &Engine{
		backend:    backend,
		sampleRate: sampleRate,
		store:      store,
		units:      make(map[string]*unitEntry),
		consts:     make(map[string]*Const),
	}
	e.snapshot.Store(&mixSnapshot{})
	return e
}

func (e *Engine) SampleRate() int     { return e.sampleRate }
func (e *Engine) Store() *SampleStore { return e.store }

// Initialize opens the output device and starts pulling. Idempotent; a
// failed open returns ErrAudioUnavailable and leaves the engine usable
// for another attempt after a user gesture.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	output, err := NewAudioOutput(e.backend, e.sampleRate, e)
	if err != nil {
		return errors.Wrap(ErrAudioUnavailable, err.Error())
	}
	e.output = output
	e.output.Start()
	e.initialized = true
	log.Printf("[engine] output started, backend=%d rate=%d", e.backend, e.sampleRate)
	return nil
}

// Close stops the output and clears unit entries. Constants survive so a
// re-initialized engine keeps its continuous-control bindings.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.output != nil {
		e.output.Close()
		e.output = nil
	}
	e.units = make(map[string]*unitEntry)
	e.snapshot.Store(&mixSnapshot{})
	e.initialized = false
}

// SetUnitNodes registers or replaces a unit's fragment together with its
// mix state, then recomputes the contributor set. The unit gain constant
// gain-<unitKey> is kept in step so volume edits after registration go
// through UpdateConstant without a rebuild.
func (e *Engine) SetUnitNodes(unitKey string, signals []Signal, mix UnitMix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.units[unitKey]
	if !ok {
		entry = &unitEntry{order: e.nextOrder}
		e.nextOrder++
		e.units[unitKey] = entry
	}
	entry.signals = signals
	entry.mix = mix
	e.constLocked("gain-"+unitKey, 1).Set(dbToLinear(mix.VolumeDB))
	e.recomputeLocked()
}

// SetUnitMix updates gating only, keeping the registered fragment.
func (e *Engine) SetUnitMix(unitKey string, mix UnitMix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.units[unitKey]
	if !ok {
		return
	}
	entry.mix = mix
	e.constLocked("gain-"+unitKey, 1).Set(dbToLinear(mix.VolumeDB))
	e.recomputeLocked()
}

func (e *Engine) RemoveUnitNodes(unitKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.units, unitKey)
	e.recomputeLocked()
}

// Constant returns the named shared scalar, creating it at the given
// initial value on first use.
func (e *Engine) Constant(key string, initial float64) *Const {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.constLocked(key, initial)
}

func (e *Engine) constLocked(key string, initial float64) *Const {
	c, ok := e.consts[key]
	if !ok {
		c = NewConst(initial)
		e.consts[key] = c
	}
	return c
}

// UpdateConstant stores a named scalar without touching the graph.
func (e *Engine) UpdateConstant(key string, value float64) {
	e.Constant(key, value).Set(value)
}

// UpdateVirtualFileSystem installs or overwrites named PCM buffers.
func (e *Engine) UpdateVirtualFileSystem(m map[string][]float32) {
	e.store.PutAll(m)
}

// ImpulseResponse resolves the named reverb IR, falling back to a
// synthesized comb/allpass response so the wet path is always defined.
func (e *Engine) ImpulseResponse() []float32 {
	if ir, ok := e.store.Get("reverb-ir"); ok && len(ir) > 0 {
		return ir
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.defaultIR == nil {
		e.defaultIR = GenerateDefaultIR(e.sampleRate, 1.5)
	}
	return e.defaultIR
}

// ContributingUnits reports the keys currently in the mix, for tests and
// state introspection.
func (e *Engine) ContributingUnits() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	anySoloed := false
	for _, entry := range e.units {
		if entry.mix.Soloed {
			anySoloed = true
		}
	}
	var keys []string
	for key, entry := range e.units {
		if entry.mix.Active && (!anySoloed || entry.mix.Soloed) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (e *Engine) recomputeLocked() {
	anySoloed := false
	for _, entry := range e.units {
		if entry.mix.Soloed {
			anySoloed = true
		}
	}
	ordered := make([]*unitEntry, 0, len(e.units))
	for _, entry := range e.units {
		if entry.mix.Active && (!anySoloed || entry.mix.Soloed) {
			ordered = append(ordered, entry)
		}
	}
	// Registration order keeps summation deterministic across recomputes.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].order > ordered[j].order; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	var flat []Signal
	for _, entry := range ordered {
		flat = append(flat, entry.signals...)
	}
	e.snapshot.Store(&mixSnapshot{signals: flat})
}

// RenderBlock fills out with mono samples from the current snapshot. A
// panicking signal is logged and the rest of the block stays silent; the
// snapshot is retained, never replaced with silence.
func (e *Engine) RenderBlock(out []float32) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[engine] %v: %v", ErrRenderFailed, r)
		}
	}()
	snap := e.snapshot.Load()
	for i := range out {
		var s float32
		for _, sig := range snap.signals {
			s += sig.NextSample()
		}
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = s
	}
}

// GenerateSample renders a single frame. Test helper.
func (e *Engine) GenerateSample() float32 {
	var one [1]float32
	e.RenderBlock(one[:])
	return one[0]
}

func NewAudioOutput(backend int, sampleRate int, engine *Engine) (AudioOutput, error) {
	switch backend {
	case AUDIO_BACKEND_OTO:
		return NewOtoOutput(sampleRate, engine)
	case AUDIO_BACKEND_PORTAUDIO:
		return NewPortAudioOutput(sampleRate, engine)
	default:
		return NewNullOutput(), nil
	}
}
