// unit_trajectory.go - Hover-driven one-shot / looping sample player

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

const (
	PlaybackOneOff  = "one-off"
	PlaybackLooping = "looping"
)

type trajVoice struct {
	id       string
	genomeID string
	player   *SamplePlayer
	created  time.Time
	seq      int
	loop     bool
	timer    *time.Timer
}

// TrajectoryUnit plays a voice per hover. In one-off mode every hover
// spawns a fresh nonce-keyed voice that expires with its sample; in
// looping mode a hover toggles the genome's loop. Either way the oldest
// voice is evicted when the cap is exceeded.
type TrajectoryUnit struct {
	BaseUnit

	mode         string
	reverbAmount float64

	voices   map[string]*trajVoice
	released []*SamplePlayer
	nextSeq  int
	vfsNames map[string]struct{}

	lastCellGenome string
	lastCellAt     time.Time
	lastCellDur    float64
}

func NewTrajectoryUnit(engine *Engine, registry *VoiceRegistry, acquirer *SampleAcquirer) *TrajectoryUnit {
	return &TrajectoryUnit{
		BaseUnit: newBaseUnit(UnitTrajectory, engine, registry, acquirer),
		mode:     PlaybackOneOff,
		voices:   make(map[string]*trajVoice),
		vfsNames: make(map[string]struct{}),
	}
}

func (u *TrajectoryUnit) Initialize() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.initialized = true
	return nil
}

func (u *TrajectoryUnit) vfsPrefix() string {
	return "trajectory-" + u.key
}

// HandleCellHover triggers or toggles a voice for the hovered genome.
// Returns false when the hover was throttled, toggled a loop off, or the
// unit is not ready; acquisition happens asynchronously either way.
func (u *TrajectoryUnit) HandleCellHover(ev CellEvent) bool {
	u.mu.Lock()
	if !u.initialized {
		u.mu.Unlock()
		log.Printf("[unit trajectory %d] hover before initialize, ignored", u.id)
		return false
	}

	genomeID := ev.Genome.GenomeID

	// Pointer jitter sends identical cells in bursts; suppress repeats
	// inside one sample duration.
	window := time.Duration(u.lastCellDur * float64(time.Second))
	if window <= 0 {
		window = 150 * time.Millisecond
	}
	if genomeID == u.lastCellGenome && time.Since(u.lastCellAt) < window {
		u.mu.Unlock()
		return false
	}
	u.lastCellGenome = genomeID
	u.lastCellAt = time.Now()
	u.lastCellDur = ev.Params.Duration

	if u.mode == PlaybackLooping {
		if voice := u.findGenomeVoiceLocked(genomeID); voice != nil {
			u.removeVoiceLocked(voice.id)
			u.rebuildLocked()
			u.mu.Unlock()
			return false
		}
	}
	mode := u.mode
	u.mu.Unlock()

	go u.acquireAndStart(ev, mode)
	return true
}

func (u *TrajectoryUnit) acquireAndStart(ev CellEvent, mode string) {
	name, ds, err := u.FetchSample(context.Background(), ev.SoundData(), ev.Params, u.vfsPrefix(), true)
	if err != nil {
		return // voice omitted, already logged
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.initialized {
		return
	}
	u.vfsNames[name] = struct{}{}

	genomeID := ev.Genome.GenomeID
	loop := mode == PlaybackLooping
	if loop && u.findGenomeVoiceLocked(genomeID) != nil {
		// A duplicate start raced in while acquiring.
		return
	}

	voiceID := u.key + "-" + genomeID
	var env *Envelope
	outRate := float64(u.engine.SampleRate())
	if loop {
		env = NewEnvelope(outRate, 0.010, 0.050, 0.8, 0.050)
	} else {
		voiceID = fmt.Sprintf("%s-%d", voiceID, time.Now().UnixMilli())
		env = NewEnvelope(outRate, 0.002, 0.010, 1.0, 0.030)
	}

	player := newSamplePlayer(u.engine.Store(), outRate, samplePlayerConfig{
		name:    name,
		env:     env,
		loop:    loop,
		srcRate: float64(ds.SampleRate),
	})

	voice := &trajVoice{
		id:       voiceID,
		genomeID: genomeID,
		player:   player,
		created:  time.Now(),
		seq:      u.nextSeq,
		loop:     loop,
	}
	u.nextSeq++

	for len(u.voices) >= u.maxVoices {
		oldest := u.oldestOfKindLocked(loop)
		if oldest == nil {
			break
		}
		u.removeVoiceLocked(oldest.id)
	}

	u.voices[voiceID] = voice
	u.registry.RegisterVoice(voiceID, genomeID, VoiceParams{
		Duration:     ev.Params.Duration,
		Pitch:        ev.Params.Pitch,
		Velocity:     ev.Params.Velocity,
		PlaybackRate: 1,
		EndOffset:    1,
	}, u.key)

	if !loop {
		expiry := time.Duration(ds.Duration*float64(time.Second)) + 100*time.Millisecond
		voice.timer = time.AfterFunc(expiry, func() {
			u.mu.Lock()
			u.removeVoiceLocked(voiceID)
			u.rebuildLocked()
			u.mu.Unlock()
		})
	}

	u.rebuildLocked()
}

func (u *TrajectoryUnit) findGenomeVoiceLocked(genomeID string) *trajVoice {
	for _, v := range u.voices {
		if v.genomeID == genomeID {
			return v
		}
	}
	return nil
}

func (u *TrajectoryUnit) oldestVoiceLocked() *trajVoice {
	var oldest *trajVoice
	for _, v := range u.voices {
		if oldest == nil ||
			v.created.Before(oldest.created) ||
			(v.created.Equal(oldest.created) && v.seq < oldest.seq) {
			oldest = v
		}
	}
	return oldest
}

// oldestOfKindLocked picks the eviction candidate when the cap is hit:
// the oldest voice of the same playback kind as the one being added.
// After a mode switch only voices of the other kind may remain; the
// overall oldest then keeps the cap hard.
func (u *TrajectoryUnit) oldestOfKindLocked(loop bool) *trajVoice {
	var oldest *trajVoice
	for _, v := range u.voices {
		if v.loop != loop {
			continue
		}
		if oldest == nil ||
			v.created.Before(oldest.created) ||
			(v.created.Equal(oldest.created) && v.seq < oldest.seq) {
			oldest = v
		}
	}
	if oldest == nil {
		return u.oldestVoiceLocked()
	}
	return oldest
}

// removeVoiceLocked drops the voice from the live set but keeps its
// gated-off player in the released list until the tail fades, so stops
// and evictions never cut hard on a block edge.
func (u *TrajectoryUnit) removeVoiceLocked(voiceID string) {
	voice, ok := u.voices[voiceID]
	if !ok {
		return
	}
	if voice.timer != nil {
		voice.timer.Stop()
	}
	voice.player.Release()
	u.released = append(u.released, voice.player)
	delete(u.voices, voiceID)
	u.registry.RemoveVoice(voiceID)
}

func (u *TrajectoryUnit) sweepReleasedLocked() {
	kept := u.released[:0]
	for _, p := range u.released {
		if !p.Faded() {
			kept = append(kept, p)
		}
	}
	u.released = kept
}

// rebuildLocked recomputes the unit's fragment. With reverb enabled the
// whole voice mix, fading tails included, runs through one IR send;
// otherwise each player is its own root.
func (u *TrajectoryUnit) rebuildLocked() {
	u.sweepReleasedLocked()
	gain := u.engine.Constant("gain-"+u.key, dbToLinear(u.volumeDB))
	players := make([]Signal, 0, len(u.voices)+len(u.released))
	for _, v := range u.voices {
		players = append(players, v.player)
	}
	for _, p := range u.released {
		players = append(players, p)
	}
	var signals []Signal
	if u.reverbAmount > 0 && len(players) > 0 {
		send := NewReverbSend(&Sum{Srcs: players}, u.engine.ImpulseResponse(), u.reverbAmount)
		signals = []Signal{&Amp{Src: send, Gain: gain, Scale: 1}}
	} else {
		for _, p := range players {
			signals = append(signals, &Amp{Src: p, Gain: gain, Scale: 1})
		}
	}
	u.engine.SetUnitNodes(u.key, signals, u.mixLocked())
}

// VoiceGenomes reports the genomes of live voices, for state checks.
func (u *TrajectoryUnit) VoiceGenomes() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for _, v := range u.voices {
		out = append(out, v.genomeID)
	}
	return out
}

func (u *TrajectoryUnit) VoiceCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.voices)
}

func (u *TrajectoryUnit) UpdateConfig(cfg UnitConfig) {
	u.mu.Lock()
	rebuild := false
	if cfg.PlaybackMode != nil && *cfg.PlaybackMode != u.mode {
		u.mode = *cfg.PlaybackMode
		// Mode changes do not retroactively convert voices; new hovers
		// follow the new mode.
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
		rebuild = true
	}
	if cfg.ReverbAmount != nil && *cfg.ReverbAmount != u.reverbAmount {
		u.reverbAmount = *cfg.ReverbAmount
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

func (u *TrajectoryUnit) Cleanup() {
	u.mu.Lock()
	for id := range u.voices {
		u.removeVoiceLocked(id)
	}
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
