// unit_looping.go - Toggle-on-hover polyphonic looper with phase-lock sync

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"context"
	"log"
	"math"
	"time"
)

type loopVoice struct {
	id       string
	genomeID string
	sd       SoundData

	name     string // sample store key
	player   *SamplePlayer
	synced   *SyncedLoop
	rate     *Const
	duration float64 // seconds of the decoded loop

	// renderedPitch is the pitch baked into the acquired sample. Cheap
	// pitch drags move the playback rate relative to it; a release
	// re-acquires and resets the rate.
	renderedPitch float64

	created    time.Time
	seq        int
	generation uint64
}

// LoopingUnit toggles a looping voice per hovered genome, bounded by the
// voice cap. The first loop started is the master; when sync is enabled
// later loops phase-lock to a shared clock running at the master loop's
// period.
type LoopingUnit struct {
	BaseUnit

	syncEnabled    bool
	voices         map[string]*loopVoice
	released       []*SamplePlayer
	nextSeq        int
	masterID       string
	masterDuration float64
	phasor         *Phasor
	vfsNames       map[string]struct{}
}

func NewLoopingUnit(engine *Engine, registry *VoiceRegistry, acquirer *SampleAcquirer) *LoopingUnit {
	return &LoopingUnit{
		BaseUnit: newBaseUnit(UnitLooping, engine, registry, acquirer),
		voices:   make(map[string]*loopVoice),
		vfsNames: make(map[string]struct{}),
	}
}

func (u *LoopingUnit) vfsPrefix() string {
	return "loop-" + u.key
}

func (u *LoopingUnit) listenerID() string {
	return "looping-" + u.key
}

func (u *LoopingUnit) Initialize() error {
	u.mu.Lock()
	if u.initialized {
		u.mu.Unlock()
		return nil
	}
	u.phasor = NewPhasor(float64(u.engine.SampleRate()), 0)
	u.initialized = true
	u.mu.Unlock()

	u.registry.RegisterRenderParamListener(u.listenerID(), u.onParamUpdate)
	return nil
}

// HandleCellHover toggles the genome's loop. Returns true when a loop
// was (asynchronously) started, false when one was stopped or the unit
// is not ready.
func (u *LoopingUnit) HandleCellHover(ev CellEvent) bool {
	u.mu.Lock()
	if !u.initialized {
		u.mu.Unlock()
		log.Printf("[unit looping %d] hover before initialize, ignored", u.id)
		return false
	}
	genomeID := ev.Genome.GenomeID
	voiceID := u.key + "-" + genomeID
	if _, ok := u.voices[voiceID]; ok {
		u.removeVoiceLocked(voiceID)
		u.electMasterLocked()
		u.rebuildLocked()
		u.mu.Unlock()
		return false
	}
	if _, pending := u.rendering[genomeID]; pending {
		// Duplicate start while the first acquisition is in flight.
		u.mu.Unlock()
		return false
	}
	u.mu.Unlock()

	go u.acquireAndStart(ev)
	return true
}

func (u *LoopingUnit) acquireAndStart(ev CellEvent) {
	name, ds, err := u.FetchSample(context.Background(), ev.SoundData(), ev.Params, u.vfsPrefix(), true)
	if err != nil {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.initialized {
		return
	}
	genomeID := ev.Genome.GenomeID
	voiceID := u.key + "-" + genomeID
	if _, ok := u.voices[voiceID]; ok {
		return
	}
	u.vfsNames[name] = struct{}{}

	for len(u.voices) >= u.maxVoices {
		oldest := u.oldestVoiceLocked()
		if oldest == nil {
			break
		}
		u.removeVoiceLocked(oldest.id)
	}

	outRate := float64(u.engine.SampleRate())
	rate := u.engine.Constant("rate-"+voiceID, 1)
	rate.Set(1)
	player := newSamplePlayer(u.engine.Store(), outRate, samplePlayerConfig{
		name:    name,
		rate:    rate,
		env:     NewEnvelope(outRate, 0.010, 0.050, 0.8, 0.050),
		loop:    true,
		srcRate: float64(ds.SampleRate),
	})

	voice := &loopVoice{
		id:            voiceID,
		genomeID:      genomeID,
		sd:            ev.SoundData(),
		name:          name,
		player:        player,
		rate:          rate,
		duration:      ds.Duration,
		renderedPitch: ev.Params.Pitch,
		created:       time.Now(),
		seq:           u.nextSeq,
	}
	u.nextSeq++
	u.voices[voiceID] = voice

	u.registry.RegisterVoice(voiceID, genomeID, VoiceParams{
		Duration:     ev.Params.Duration,
		Pitch:        ev.Params.Pitch,
		Velocity:     ev.Params.Velocity,
		PlaybackRate: 1,
		EndOffset:    1,
	}, u.key)

	// Covers both the first loop and a master lost to cap eviction above.
	u.electMasterLocked()
	u.rebuildLocked()
}

// electMasterLocked reassigns the master to the earliest remaining loop
// after the current master stopped. The shared clock follows the new
// master's period without restarting other voices.
func (u *LoopingUnit) electMasterLocked() {
	if _, alive := u.voices[u.masterID]; alive {
		return
	}
	next := u.oldestVoiceLocked()
	if next == nil {
		u.masterID = ""
		u.masterDuration = 0
		u.phasor.SetCycle(float64(u.engine.SampleRate()), 0)
		return
	}
	u.masterID = next.id
	u.masterDuration = next.duration
	u.phasor.SetCycle(float64(u.engine.SampleRate()), next.duration)
}

func (u *LoopingUnit) oldestVoiceLocked() *loopVoice {
	var oldest *loopVoice
	for _, v := range u.voices {
		if oldest == nil ||
			v.created.Before(oldest.created) ||
			(v.created.Equal(oldest.created) && v.seq < oldest.seq) {
			oldest = v
		}
	}
	return oldest
}

// removeVoiceLocked drops the voice from the live set but keeps its
// gated-off player in the released list: the fragment carries it until
// the release tail fades, so a stop never cuts hard on a block edge.
func (u *LoopingUnit) removeVoiceLocked(voiceID string) {
	voice, ok := u.voices[voiceID]
	if !ok {
		return
	}
	voice.player.Release()
	u.released = append(u.released, voice.player)
	delete(u.voices, voiceID)
	u.registry.RemoveVoice(voiceID)
}

func (u *LoopingUnit) sweepReleasedLocked() {
	kept := u.released[:0]
	for _, p := range u.released {
		if !p.Faded() {
			kept = append(kept, p)
		}
	}
	u.released = kept
}

// rebuildLocked recomputes the fragment: the shared phasor first (so
// synced players observe this frame's phase), then one root per voice,
// then the still-fading released players. The master always free-runs;
// it defines the clock.
func (u *LoopingUnit) rebuildLocked() {
	u.sweepReleasedLocked()
	gain := u.engine.Constant("gain-"+u.key, dbToLinear(u.volumeDB))
	var signals []Signal
	if u.syncEnabled && len(u.voices) > 0 {
		signals = append(signals, u.phasor)
	}
	for _, v := range u.voices {
		var src Signal = v.player
		if u.syncEnabled && v.id != u.masterID {
			if v.synced == nil || v.synced.Player != v.player {
				v.synced = &SyncedLoop{Player: v.player, Clock: u.phasor}
			}
			src = v.synced
		} else {
			v.synced = nil
		}
		signals = append(signals, &Amp{Src: src, Gain: gain, Scale: 1})
	}
	for _, p := range u.released {
		signals = append(signals, &Amp{Src: p, Gain: gain, Scale: 1})
	}
	u.engine.SetUnitNodes(u.key, signals, u.mixLocked())
}

// onParamUpdate handles registry fan-out for this unit's voices. Drags
// land as cheap rate updates; releases re-acquire under a new store key
// and rebuild the voice, superseding any older in-flight render.
func (u *LoopingUnit) onParamUpdate(ev ParamUpdateEvent) {
	if ev.ContextID != "" && ev.ContextID != u.key {
		return
	}
	u.mu.Lock()
	type reacquire struct {
		voice      *loopVoice
		params     VoiceParams
		generation uint64
	}
	var pending []reacquire
	for voiceID, params := range ev.Voices {
		voice, ok := u.voices[voiceID]
		if !ok {
			continue
		}
		if ev.RenderNow {
			voice.generation++
			pending = append(pending, reacquire{voice: voice, params: params, generation: voice.generation})
			continue
		}
		if ev.Patch.PlaybackRate != nil {
			voice.rate.Set(*ev.Patch.PlaybackRate)
		} else if ev.Patch.Pitch != nil {
			voice.rate.Set(math.Pow(2, (*ev.Patch.Pitch-voice.renderedPitch)/12))
		}
		if ev.Patch.StartOffset != nil || ev.Patch.EndOffset != nil {
			u.rebuildPlayerLocked(voice, params)
		}
	}
	u.mu.Unlock()

	for _, p := range pending {
		go u.reacquireVoice(p.voice, p.params, p.generation)
	}
}

// rebuildPlayerLocked swaps only the playback node, keeping the store
// key, clock membership, and timestamps.
func (u *LoopingUnit) rebuildPlayerLocked(voice *loopVoice, params VoiceParams) {
	outRate := float64(u.engine.SampleRate())
	ds, _ := u.engine.Store().Get(voice.name)
	srcRate := outRate
	if len(ds) > 0 && voice.duration > 0 {
		srcRate = float64(len(ds)) / voice.duration
	}
	voice.player = newSamplePlayer(u.engine.Store(), outRate, samplePlayerConfig{
		name:      voice.name,
		rate:      voice.rate,
		env:       NewEnvelope(outRate, 0.010, 0.050, 0.8, 0.050),
		loop:      true,
		startFrac: params.StartOffset,
		endFrac:   params.EndOffset,
		srcRate:   srcRate,
	})
	voice.synced = nil
	u.rebuildLocked()
}

func (u *LoopingUnit) reacquireVoice(voice *loopVoice, params VoiceParams, generation uint64) {
	rp := RenderParams{Duration: params.Duration, Pitch: params.Pitch, Velocity: params.Velocity}
	name, ds, err := u.FetchSample(context.Background(), voice.sd, rp, u.vfsPrefix(), true)
	if err != nil {
		return // keep playing the old render
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	current, ok := u.voices[voice.id]
	if !ok || current.generation != generation {
		// A newer render superseded this one; its result claims nothing.
		return
	}
	u.vfsNames[name] = struct{}{}
	current.name = name
	current.duration = ds.Duration
	current.renderedPitch = params.Pitch
	current.rate.Set(1)

	// Fade the superseded render out instead of dropping it mid-block.
	current.player.Release()
	u.released = append(u.released, current.player)

	outRate := float64(u.engine.SampleRate())
	current.player = newSamplePlayer(u.engine.Store(), outRate, samplePlayerConfig{
		name:      name,
		rate:      current.rate,
		env:       NewEnvelope(outRate, 0.010, 0.050, 0.8, 0.050),
		loop:      true,
		startFrac: params.StartOffset,
		endFrac:   params.EndOffset,
		srcRate:   float64(ds.SampleRate),
	})
	current.synced = nil

	if current.id == u.masterID {
		u.masterDuration = ds.Duration
		u.phasor.SetCycle(outRate, ds.Duration)
	}
	u.rebuildLocked()
}

// MasterLoop reports the sync master, empty when no loop is running.
func (u *LoopingUnit) MasterLoop() (genomeID string, duration float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	voice, ok := u.voices[u.masterID]
	if !ok {
		return "", 0
	}
	return voice.genomeID, u.masterDuration
}

func (u *LoopingUnit) LoopingGenomes() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for _, v := range u.voices {
		out = append(out, v.genomeID)
	}
	return out
}

func (u *LoopingUnit) VoiceCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.voices)
}

func (u *LoopingUnit) UpdateConfig(cfg UnitConfig) {
	u.mu.Lock()
	rebuild := false
	if cfg.SyncEnabled != nil && *cfg.SyncEnabled != u.syncEnabled {
		u.syncEnabled = *cfg.SyncEnabled
		rebuild = true
	}
	if cfg.MaxVoices != nil && *cfg.MaxVoices > 0 {
		u.maxVoices = *cfg.MaxVoices
		for len(u.voices) > u.maxVoices {
			oldest := u.oldestVoiceLocked()
			if oldest == nil {
				break
			}
			u.removeVoiceLocked(oldest.id)
		}
		u.electMasterLocked()
		rebuild = true
	}
	if cfg.VolumeDB != nil {
		u.volumeDB = *cfg.VolumeDB
	}
	if rebuild {
		u.rebuildLocked()
	}
	u.mu.Unlock()
	if cfg.VolumeDB != nil {
		u.engine.UpdateConstant("gain-"+u.key, dbToLinear(*cfg.VolumeDB))
	}
}

func (u *LoopingUnit) Cleanup() {
	u.registry.RemoveRenderParamListener(u.listenerID())

	u.mu.Lock()
	for id := range u.voices {
		u.removeVoiceLocked(id)
	}
	u.masterID = ""
	u.masterDuration = 0
	u.released = nil
	names := u.vfsNames
	u.vfsNames = make(map[string]struct{})
	u.rendering = make(map[string]RenderParams)
	u.initialized = false
	u.mu.Unlock()

	for name := range names {
		u.engine.Store().Evict(name)
	}
	u.engine.RemoveUnitNodes(u.key)
}
