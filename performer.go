// performer.go - Session core: unit management and event routing

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"
)

// Core is the service container created at boot: the engine, the sample
// store behind it, the registry, the acquirer and the performer that
// ties them together. Teardown is explicit.
type Core struct {
	Engine    *Engine
	Registry  *VoiceRegistry
	Acquirer  *SampleAcquirer
	Performer *Performer
}

type CoreOptions struct {
	Host          string
	Backend       int
	SampleRate    int
	StoreCapacity int
	DownloadDir   string
}

func NewCore(opts CoreOptions) *Core {
	store := NewSampleStore(opts.StoreCapacity)
	engine := NewEngine(opts.Backend, opts.SampleRate, store)
	registry := NewVoiceRegistry()
	acquirer := NewSampleAcquirer(opts.Host)
	return &Core{
		Engine:    engine,
		Registry:  registry,
		Acquirer:  acquirer,
		Performer: NewPerformer(engine, registry, acquirer, opts.DownloadDir),
	}
}

// Initialize opens the audio output. Safe to call again after an
// ErrAudioUnavailable once the host has a user gesture to offer.
func (c *Core) Initialize() error {
	return c.Engine.Initialize()
}

func (c *Core) Shutdown() {
	c.Performer.RemoveAllUnits()
	c.Registry.Teardown()
	c.Engine.Store().Clear()
	c.Engine.Close()
}

// Performer owns the unit list and routes surface events. Display ids
// are contiguous 1-based labels, renumbered on removal; the engine and
// registry address units by their stable keys.
type Performer struct {
	engine    *Engine
	registry  *VoiceRegistry
	acquirer  *SampleAcquirer
	lcGroup   *liveCodeGroup
	downloads *DownloadStore

	mu       sync.Mutex
	units    []Unit
	selected int // display id; 0 when nothing is selected
}

func NewPerformer(engine *Engine, registry *VoiceRegistry, acquirer *SampleAcquirer, downloadDir string) *Performer {
	return &Performer{
		engine:    engine,
		registry:  registry,
		acquirer:  acquirer,
		lcGroup:   newLiveCodeGroup(),
		downloads: NewDownloadStore(downloadDir),
	}
}

// AddUnit creates, initializes and selects a unit of the given type.
func (p *Performer) AddUnit(t UnitType) (Unit, error) {
	var unit Unit
	switch t {
	case UnitTrajectory:
		unit = NewTrajectoryUnit(p.engine, p.registry, p.acquirer)
	case UnitLooping:
		unit = NewLoopingUnit(p.engine, p.registry, p.acquirer)
	case UnitSequencing:
		unit = NewSequencingUnit(p.engine, p.registry, p.acquirer)
	case UnitLiveCoding:
		unit = NewLiveCodingUnit(p.engine, p.registry, p.acquirer, p.lcGroup)
	default:
		return nil, errors.Errorf("unknown unit type %d", t)
	}
	if err := unit.Initialize(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.units = append(p.units, unit)
	p.renumberLocked()
	p.selected = unit.ID()
	p.mu.Unlock()
	log.Printf("[performer] added %s unit %d", t, unit.ID())
	return unit, nil
}

// RemoveUnit cleans a unit up and renumbers the remainder.
func (p *Performer) RemoveUnit(id int) bool {
	p.mu.Lock()
	idx := -1
	for i, u := range p.units {
		if u.ID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	unit := p.units[idx]
	p.units = append(p.units[:idx], p.units[idx+1:]...)
	p.renumberLocked()
	if p.selected == id {
		p.selected = 0
		if len(p.units) > 0 {
			p.selected = p.units[0].ID()
		}
	}
	p.mu.Unlock()

	unit.Cleanup()
	log.Printf("[performer] removed %s unit %d", unit.Type(), id)
	return true
}

func (p *Performer) renumberLocked() {
	for i, u := range p.units {
		u.SetID(i + 1)
	}
}

func (p *Performer) RemoveAllUnits() {
	p.mu.Lock()
	units := p.units
	p.units = nil
	p.selected = 0
	p.mu.Unlock()
	for _, u := range units {
		u.Cleanup()
	}
}

func (p *Performer) Unit(id int) (Unit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.units {
		if u.ID() == id {
			return u, true
		}
	}
	return nil, false
}

func (p *Performer) Units() []Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Unit, len(p.units))
	copy(out, p.units)
	return out
}

func (p *Performer) SelectUnit(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.units {
		if u.ID() == id {
			p.selected = id
			return true
		}
	}
	return false
}

func (p *Performer) SelectedUnit() (Unit, bool) {
	p.mu.Lock()
	id := p.selected
	p.mu.Unlock()
	if id == 0 {
		return nil, false
	}
	return p.Unit(id)
}

// OnCellHover formats the effective parameters against the global
// overrides and routes the event to the selected unit.
func (p *Performer) OnCellHover(g GenomeDesc) bool {
	unit, ok := p.SelectedUnit()
	if !ok {
		return false
	}
	return unit.HandleCellHover(FormatCellEvent(p.registry, g))
}

// OnCellDoubleClick downloads the genome's rendered WAV.
func (p *Performer) OnCellDoubleClick(g GenomeDesc) (string, error) {
	ev := FormatCellEvent(p.registry, g)
	data, filename, err := p.acquirer.FetchRaw(context.Background(), ev.SoundData(), ev.Params)
	if err != nil {
		log.Printf("[performer] download failed for %s: %v", g.GenomeID, err)
		return "", err
	}
	path, err := p.downloads.Save(filename, data)
	if err != nil {
		log.Printf("[performer] download write failed for %s: %v", g.GenomeID, err)
		return "", err
	}
	log.Printf("[performer] downloaded %s", path)
	return path, nil
}

// UnitStateField selects which flag ToggleUnitState flips.
type UnitStateField int

const (
	UnitStateActive UnitStateField = iota
	UnitStateMuted
	UnitStateSoloed
)

func (p *Performer) ToggleUnitState(id int, field UnitStateField) bool {
	unit, ok := p.Unit(id)
	if !ok {
		return false
	}
	switch field {
	case UnitStateActive:
		unit.SetActive(!unit.Active())
	case UnitStateMuted:
		unit.SetMuted(!unit.Muted())
	case UnitStateSoloed:
		unit.SetSoloed(!unit.Soloed())
	}
	return true
}

func (p *Performer) SetUnitVolume(id int, db float64) bool {
	unit, ok := p.Unit(id)
	if !ok {
		return false
	}
	unit.SetVolume(db)
	return true
}

func (p *Performer) UpdateUnitConfig(id int, cfg UnitConfig) bool {
	unit, ok := p.Unit(id)
	if !ok {
		return false
	}
	unit.UpdateConfig(cfg)
	return true
}

// Global override passthroughs, so every surface edit routes through the
// registry hub.
func (p *Performer) UpdateGlobalParameters(g GlobalParams) {
	p.registry.UpdateGlobalParameters(g)
}

func (p *Performer) ResetGlobalParameters() {
	p.registry.ResetGlobalParameters()
}
