// unit_sequencing.go - Step-based sample sequencer with per-item micro-offsets

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
	"sort"
)

const (
	defaultBars = 1
	defaultBPM  = 120

	minBPM  = 1
	maxBPM  = 999
	minBars = 1
	maxBars = 16
)

// SequenceItem is one scheduled sample. Several items may share a step,
// forming a chord; offset is the micro-position within the step's slot
// (0.5 is the neutral centre).
type SequenceItem struct {
	GenomeID      string
	Step          int
	Offset        float64
	DurationScale float64
	PitchShift    float64
	Stretch       bool

	// Render parameters of the acquired sample.
	Duration float64
	Pitch    float64
	Velocity float64

	sd        SoundData
	voiceID   string
	name      string // sample store key, empty until acquired
	sampleDur float64
	srcRate   float64
	seq       int
}

// SequencingUnit schedules items on a wrapping timeline of
// (60/bpm)*4*bars seconds. Steps divide the (startOffset-shifted)
// timeline evenly; item micro-offsets displace triggers inside their
// step's slot. Items sharing identical (step, offset) keep insertion
// order in the fragment; nothing else orders them.
type SequencingUnit struct {
	BaseUnit

	bars        int
	bpm         float64
	startOffset float64
	pitch       float64

	selectedTimestep *int
	items            []*SequenceItem
	nextSeq          int
	clock            *SequenceClock
	started          bool
	vfsNames         map[string]struct{}
}

func NewSequencingUnit(engine *Engine, registry *VoiceRegistry, acquirer *SampleAcquirer) *SequencingUnit {
	return &SequencingUnit{
		BaseUnit: newBaseUnit(UnitSequencing, engine, registry, acquirer),
		bars:     defaultBars,
		bpm:      defaultBPM,
		vfsNames: make(map[string]struct{}),
	}
}

func (u *SequencingUnit) vfsPrefix() string {
	return "seq-" + u.key
}

func (u *SequencingUnit) listenerID() string {
	return "sequencing-" + u.key
}

func (u *SequencingUnit) Initialize() error {
	u.mu.Lock()
	if u.initialized {
		u.mu.Unlock()
		return nil
	}
	u.clock = NewSequenceClock(float64(u.engine.SampleRate()), u.sequenceDurationLocked())
	u.initialized = true
	u.mu.Unlock()

	u.registry.RegisterRenderParamListener(u.listenerID(), u.onParamUpdate)
	return nil
}

func (u *SequencingUnit) sequenceDurationLocked() float64 {
	return 60.0 / u.bpm * 4.0 * float64(u.bars)
}

// SequenceDuration is the timeline length in seconds.
func (u *SequencingUnit) SequenceDuration() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sequenceDurationLocked()
}

// HandleCellHover routes to the toggle, matching the shared unit
// contract: hovering a cell while a sequencing unit is selected edits
// the sequence.
func (u *SequencingUnit) HandleCellHover(ev CellEvent) bool {
	return u.ToggleSequenceItem(ev)
}

// ToggleSequenceItem adds the genome at the selected timestep (or the
// next free step) or removes it when already present. Returns true when
// an item was added.
func (u *SequencingUnit) ToggleSequenceItem(ev CellEvent) bool {
	u.mu.Lock()
	if !u.initialized {
		u.mu.Unlock()
		log.Printf("[unit sequencing %d] toggle before initialize, ignored", u.id)
		return false
	}
	genomeID := ev.Genome.GenomeID
	for i, item := range u.items {
		if item.GenomeID == genomeID {
			u.items = append(u.items[:i], u.items[i+1:]...)
			u.registry.RemoveVoice(item.voiceID)
			u.rebuildLocked()
			u.mu.Unlock()
			return false
		}
	}

	step := 0
	if u.selectedTimestep != nil {
		step = *u.selectedTimestep
	} else {
		for _, item := range u.items {
			if item.Step >= step {
				step = item.Step + 1
			}
		}
	}

	item := &SequenceItem{
		GenomeID:      genomeID,
		Step:          step,
		Offset:        0.5,
		DurationScale: 1,
		PitchShift:    u.pitch,
		Duration:      ev.Params.Duration,
		Pitch:         ev.Params.Pitch,
		Velocity:      ev.Params.Velocity,
		sd:            ev.SoundData(),
		voiceID:       u.key + "-" + genomeID,
		seq:           u.nextSeq,
	}
	u.nextSeq++
	u.items = append(u.items, item)

	u.registry.RegisterVoice(item.voiceID, genomeID, VoiceParams{
		Duration:     item.Duration,
		Pitch:        item.Pitch,
		Velocity:     item.Velocity,
		PlaybackRate: 1,
		EndOffset:    1,
	}, u.key)

	if !u.started {
		u.started = true
		u.active = true
	}
	u.rebuildLocked()
	u.mu.Unlock()

	go u.acquireItem(item)
	return true
}

func (u *SequencingUnit) acquireItem(item *SequenceItem) {
	rp := RenderParams{Duration: item.Duration, Pitch: item.Pitch, Velocity: item.Velocity}
	name, ds, err := u.FetchSample(context.Background(), item.sd, rp, u.vfsPrefix(), true)
	if err != nil {
		return // item stays silent until a later edit re-acquires
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.initialized {
		return
	}
	u.vfsNames[name] = struct{}{}
	item.name = name
	item.sampleDur = ds.Duration
	item.srcRate = float64(ds.SampleRate)
	u.rebuildLocked()
}

// stepIndexLocked maps each distinct step value to its rank.
func (u *SequencingUnit) stepIndexLocked() map[int]int {
	distinct := make(map[int]struct{})
	for _, item := range u.items {
		distinct[item.Step] = struct{}{}
	}
	steps := make([]int, 0, len(distinct))
	for s := range distinct {
		steps = append(steps, s)
	}
	sort.Ints(steps)
	index := make(map[int]int, len(steps))
	for i, s := range steps {
		index[s] = i
	}
	return index
}

// itemTimeLocked computes the trigger time of one item on the wrapping
// timeline.
func (u *SequencingUnit) itemTimeLocked(item *SequenceItem, index map[int]int) float64 {
	dur := u.sequenceDurationLocked()
	delta := 1.0 / float64(len(index))
	base := u.startOffset*dur + float64(index[item.Step])*delta*(1-u.startOffset)*dur
	return base + (item.Offset-0.5)*delta*dur
}

// GetTimes reports every item's trigger time, ascending. Empty sequence,
// empty times.
func (u *SequencingUnit) GetTimes() []float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.items) == 0 {
		return []float64{}
	}
	index := u.stepIndexLocked()
	times := make([]float64, 0, len(u.items))
	for _, item := range u.items {
		times = append(times, u.itemTimeLocked(item, index))
	}
	sort.Float64s(times)
	return times
}

func (u *SequencingUnit) rebuildLocked() {
	dur := u.sequenceDurationLocked()
	u.clock.SetDuration(dur)

	if len(u.items) == 0 {
		u.engine.SetUnitNodes(u.key, nil, u.mixLocked())
		return
	}

	gain := u.engine.Constant("gain-"+u.key, dbToLinear(u.volumeDB))
	norm := float32(1.0 / math.Sqrt(math.Max(1, float64(len(u.items)))))
	index := u.stepIndexLocked()
	outRate := float64(u.engine.SampleRate())

	signals := []Signal{u.clock}
	for _, item := range u.items {
		if item.name == "" {
			continue // still acquiring
		}
		start := u.itemTimeLocked(item, index)
		windowLen := item.Duration * item.DurationScale
		if windowLen <= 0 {
			continue
		}

		rate := math.Pow(2, item.PitchShift/12)
		if item.Stretch && item.sampleDur > 0 {
			rate = item.sampleDur / windowLen
		}

		player := newSamplePlayer(u.engine.Store(), outRate, samplePlayerConfig{
			name:    item.name,
			rate:    NewConst(rate),
			env:     NewEnvelope(outRate, 0.002, 0.010, 1.0, 0.010),
			srcRate: item.srcRate,
		})
		step := &StepPlayer{
			Clock:    u.clock,
			Player:   player,
			WinStart: start,
			WinEnd:   start + windowLen,
		}
		signals = append(signals, &Amp{Src: step, Gain: gain, Scale: norm})
	}
	u.engine.SetUnitNodes(u.key, signals, u.mixLocked())
}

// onParamUpdate reloads an item's sample when its render parameters
// change on release.
func (u *SequencingUnit) onParamUpdate(ev ParamUpdateEvent) {
	if ev.ContextID != "" && ev.ContextID != u.key {
		return
	}
	if !ev.RenderNow {
		return
	}
	u.mu.Lock()
	var reload []*SequenceItem
	for voiceID, params := range ev.Voices {
		for _, item := range u.items {
			if item.voiceID != voiceID {
				continue
			}
			item.Duration = params.Duration
			item.Pitch = params.Pitch
			item.Velocity = params.Velocity
			reload = append(reload, item)
		}
	}
	u.mu.Unlock()

	for _, item := range reload {
		go u.acquireItem(item)
	}
}

// SetSelectedTimestep pins the step new items land on; nil resumes
// appending at the next free step.
func (u *SequencingUnit) SetSelectedTimestep(step *int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.selectedTimestep = step
}

// UpdateItemControls edits an item's placement fields and reschedules.
func (u *SequencingUnit) UpdateItemControls(genomeID string, offset, durationScale *float64, stretch *bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, item := range u.items {
		if item.GenomeID != genomeID {
			continue
		}
		if offset != nil {
			item.Offset = *offset
		}
		if durationScale != nil {
			item.DurationScale = *durationScale
		}
		if stretch != nil {
			item.Stretch = *stretch
		}
		u.rebuildLocked()
		return true
	}
	return false
}

func (u *SequencingUnit) Items() []SequenceItem {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]SequenceItem, 0, len(u.items))
	for _, item := range u.items {
		out = append(out, *item)
	}
	return out
}

func (u *SequencingUnit) UpdateConfig(cfg UnitConfig) {
	u.mu.Lock()
	rebuild := false
	if cfg.BPM != nil {
		bpm := *cfg.BPM
		if bpm < minBPM {
			bpm = minBPM
		}
		if bpm > maxBPM {
			bpm = maxBPM
		}
		u.bpm = bpm
		rebuild = true
	}
	if cfg.Bars != nil {
		bars := *cfg.Bars
		if bars < minBars {
			bars = minBars
		}
		if bars > maxBars {
			bars = maxBars
		}
		u.bars = bars
		rebuild = true
	}
	if cfg.StartOffset != nil {
		so := *cfg.StartOffset
		if so < 0 {
			so = 0
		}
		if so > 1 {
			so = 1
		}
		u.startOffset = so
		rebuild = true
	}
	if cfg.Pitch != nil {
		u.pitch = *cfg.Pitch
		for _, item := range u.items {
			item.PitchShift = u.pitch
		}
		rebuild = true
	}
	if cfg.VolumeDB != nil {
		u.volumeDB = *cfg.VolumeDB
	}
	if rebuild && u.initialized {
		u.rebuildLocked()
	}
	u.mu.Unlock()
	if cfg.VolumeDB != nil {
		u.engine.UpdateConstant("gain-"+u.key, dbToLinear(*cfg.VolumeDB))
	}
}

func (u *SequencingUnit) Cleanup() {
	u.registry.RemoveRenderParamListener(u.listenerID())

	u.mu.Lock()
	for _, item := range u.items {
		u.registry.RemoveVoice(item.voiceID)
	}
	u.items = nil
	u.started = false
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
