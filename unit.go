// unit.go - Unit base contract: lifecycle, mix state, sample helpers

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
	"sync"

	"github.com/google/uuid"
)

type UnitType int

const (
	UnitTrajectory UnitType = iota
	UnitLooping
	UnitSequencing
	UnitLiveCoding
)

func (t UnitType) String() string {
	switch t {
	case UnitTrajectory:
		return "trajectory"
	case UnitLooping:
		return "looping"
	case UnitSequencing:
		return "sequencing"
	case UnitLiveCoding:
		return "livecoding"
	}
	return "unknown"
}

// UnitConfig is a partial configuration merge. Nil fields are untouched.
type UnitConfig struct {
	PlaybackMode *string // trajectory: "one-off" | "looping"
	MaxVoices    *int
	ReverbAmount *float64
	Pitch        *float64
	SyncEnabled  *bool
	BPM          *float64
	Bars         *int
	StartOffset  *float64
	VolumeDB     *float64
}

// Unit is the capability set every performance unit exposes. Variants are
// dispatched on Type; each variant keeps its own state record.
type Unit interface {
	ID() int
	SetID(int)
	Key() string
	Type() UnitType

	Initialize() error
	Cleanup()
	UpdateConfig(UnitConfig)
	HandleCellHover(CellEvent) bool

	SetActive(bool)
	SetMuted(bool)
	SetSoloed(bool)
	SetVolume(db float64)
	Active() bool
	Muted() bool
	Soloed() bool
	Volume() float64

	AddRenderStateCallback(id string, cb func(map[string]RenderParams))
	RemoveRenderStateCallback(id string)
}

const defaultMaxVoices = 4

// BaseUnit carries the shared unit state: display id, stable key, mix
// flags, the in-flight render map, and the service handles. Display ids
// renumber on removal; the uuid key is what the engine and registry see.
type BaseUnit struct {
	id    int
	key   string
	utype UnitType

	engine   *Engine
	registry *VoiceRegistry
	acquirer *SampleAcquirer

	mu          sync.Mutex
	initialized bool
	active      bool
	muted       bool
	soloed      bool
	volumeDB    float64
	maxVoices   int

	rendering map[string]RenderParams
	renderCbs map[string]func(map[string]RenderParams)
}

func newBaseUnit(utype UnitType, engine *Engine, registry *VoiceRegistry, acquirer *SampleAcquirer) BaseUnit {
	return BaseUnit{
		key:       uuid.NewString(),
		utype:     utype,
		engine:    engine,
		registry:  registry,
		acquirer:  acquirer,
		active:    true,
		maxVoices: defaultMaxVoices,
		rendering: make(map[string]RenderParams),
		renderCbs: make(map[string]func(map[string]RenderParams)),
	}
}

func (u *BaseUnit) ID() int        { return u.id }
func (u *BaseUnit) SetID(id int)   { u.id = id }
func (u *BaseUnit) Key() string    { return u.key }
func (u *BaseUnit) Type() UnitType { return u.utype }

func (u *BaseUnit) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

func (u *BaseUnit) Muted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.muted
}

func (u *BaseUnit) Soloed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.soloed
}

func (u *BaseUnit) Volume() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.volumeDB
}

func (u *BaseUnit) SetActive(v bool) {
	u.mu.Lock()
	u.active = v
	mix := u.mixLocked()
	u.mu.Unlock()
	u.engine.SetUnitMix(u.key, mix)
}

func (u *BaseUnit) SetMuted(v bool) {
	u.mu.Lock()
	u.muted = v
	mix := u.mixLocked()
	u.mu.Unlock()
	u.engine.SetUnitMix(u.key, mix)
}

func (u *BaseUnit) SetSoloed(v bool) {
	u.mu.Lock()
	u.soloed = v
	mix := u.mixLocked()
	u.mu.Unlock()
	u.engine.SetUnitMix(u.key, mix)
}

func (u *BaseUnit) SetVolume(db float64) {
	u.mu.Lock()
	u.volumeDB = db
	u.mu.Unlock()
	u.engine.UpdateConstant("gain-"+u.key, dbToLinear(db))
}

// mixLocked folds mute into the engine's active flag: a muted unit never
// contributes, soloed or not.
func (u *BaseUnit) mixLocked() UnitMix {
	return UnitMix{
		VolumeDB: u.volumeDB,
		Active:   u.active && !u.muted,
		Soloed:   u.soloed,
	}
}

func (u *BaseUnit) Mix() UnitMix {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mixLocked()
}

// UpdateAudioNodes forwards a fragment to the engine under the current
// mix state.
func (u *BaseUnit) UpdateAudioNodes(signals []Signal) {
	u.engine.SetUnitNodes(u.key, signals, u.Mix())
}

func (u *BaseUnit) GainConst() *Const {
	return u.engine.Constant("gain-"+u.key, dbToLinear(u.Volume()))
}

func (u *BaseUnit) AddRenderStateCallback(id string, cb func(map[string]RenderParams)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.renderCbs[id] = cb
}

func (u *BaseUnit) RemoveRenderStateCallback(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.renderCbs, id)
}

func (u *BaseUnit) markRendering(genomeID string, rp RenderParams) {
	u.mu.Lock()
	u.rendering[genomeID] = rp
	cbs, state := u.renderStateLocked()
	u.mu.Unlock()
	for _, cb := range cbs {
		cb(state)
	}
}

func (u *BaseUnit) unmarkRendering(genomeID string) {
	u.mu.Lock()
	delete(u.rendering, genomeID)
	cbs, state := u.renderStateLocked()
	u.mu.Unlock()
	for _, cb := range cbs {
		cb(state)
	}
}

func (u *BaseUnit) renderStateLocked() ([]func(map[string]RenderParams), map[string]RenderParams) {
	cbs := make([]func(map[string]RenderParams), 0, len(u.renderCbs))
	for _, cb := range u.renderCbs {
		cbs = append(cbs, cb)
	}
	state := make(map[string]RenderParams, len(u.rendering))
	for k, v := range u.rendering {
		state[k] = v
	}
	return cbs, state
}

// vfsName builds the store key for a decoded sample. Custom-rendered
// variants carry the parameter triple so distinct renders never collide.
func vfsName(prefix, genomeID string, rp RenderParams, custom bool) string {
	if custom {
		return fmt.Sprintf("%s-%s-%s_%s_%s", prefix, genomeID,
			fmtParam(rp.Duration), fmtParam(rp.Pitch), fmtParam(rp.Velocity))
	}
	return prefix + "-" + genomeID
}

// FetchSample acquires a rendered variant, installs it in the sample
// store under a unit-scoped name, and returns the name plus metadata.
// The genome is marked "rendering" for the duration, and always unmarked
// on settle. Acquisition failure is the caller's cue to skip the voice.
func (u *BaseUnit) FetchSample(ctx context.Context, sd SoundData, rp RenderParams, vfsKeyPrefix string, custom bool) (string, *DecodedSample, error) {
	u.markRendering(sd.GenomeID, rp)
	defer u.unmarkRendering(sd.GenomeID)

	ds, err := u.acquirer.GetAudioData(ctx, sd, rp, nil)
	if err != nil {
		log.Printf("[unit %s %d] sample acquisition failed for %s: %v", u.utype, u.id, sd.GenomeID, err)
		return "", nil, err
	}
	name := vfsName(vfsKeyPrefix, sd.GenomeID, rp, custom)
	u.engine.UpdateVirtualFileSystem(map[string][]float32{name: ds.PCM})
	return name, ds, nil
}
