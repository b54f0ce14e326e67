// unit_livecoding.go - Live-coding unit shell hosting an opaque evaluator

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
	lua "github.com/yuin/gopher-lua"
)

// PatternEvaluator is the opaque live-coding engine. The shell never
// reaches into its internals; it only drives the lifecycle and feeds the
// private sample-name map.
type PatternEvaluator interface {
	SetCode(code string)
	Evaluate(code string) error
	Start() error
	Stop()
	Hush()
	SetSampleMap(names map[string]string)
	Playing() bool
	Close()
}

// LuaEvaluator runs patterns in an isolated Lua state. The sample-name
// map is exposed as the global table `samples`; start/stop/hush call the
// correspondingly named Lua functions when the pattern defines them.
type LuaEvaluator struct {
	mu      sync.Mutex
	state   *lua.LState
	code    string
	playing bool
	closed  bool
}

func NewLuaEvaluator() *LuaEvaluator {
	return &LuaEvaluator{state: lua.NewState()}
}

func (e *LuaEvaluator) SetCode(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.code = code
}

func (e *LuaEvaluator) Evaluate(code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("evaluator closed")
	}
	e.code = code
	if err := e.state.DoString(code); err != nil {
		return errors.Wrap(err, "pattern evaluate")
	}
	return nil
}

func (e *LuaEvaluator) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playing || e.closed {
		return nil
	}
	if e.code != "" {
		if err := e.state.DoString(e.code); err != nil {
			return errors.Wrap(err, "pattern start")
		}
	}
	e.callLocked("start")
	e.playing = true
	return nil
}

func (e *LuaEvaluator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.playing || e.closed {
		return
	}
	e.callLocked("stop")
	e.playing = false
}

func (e *LuaEvaluator) Hush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.callLocked("hush")
	e.playing = false
}

func (e *LuaEvaluator) SetSampleMap(names map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	table := e.state.NewTable()
	for id, bufferKey := range names {
		e.state.SetField(table, id, lua.LString(bufferKey))
	}
	e.state.SetGlobal("samples", table)
}

func (e *LuaEvaluator) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *LuaEvaluator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.state.Close()
	e.closed = true
	e.playing = false
}

// callLocked invokes a global Lua function if the pattern defined one.
// Pattern errors never propagate past the shell.
func (e *LuaEvaluator) callLocked(name string) {
	fn := e.state.GetGlobal(name)
	if fn == lua.LNil {
		return
	}
	if err := e.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		log.Printf("[livecoding] %s() failed: %v", name, err)
	}
}

// liveCodeGroup coordinates solo across live-coding units: soloing one
// stops every other playing unit, remembers exactly which ones were
// playing, and restores those on solo-off.
type liveCodeGroup struct {
	mu         sync.Mutex
	units      map[string]*LiveCodingUnit
	soloHolder string
	restore    map[string]bool
}

func newLiveCodeGroup() *liveCodeGroup {
	return &liveCodeGroup{units: make(map[string]*LiveCodingUnit)}
}

func (g *liveCodeGroup) add(u *LiveCodingUnit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.units[u.key] = u
}

func (g *liveCodeGroup) remove(u *LiveCodingUnit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.units, u.key)
	if g.soloHolder == u.key {
		g.soloHolder = ""
		g.restore = nil
	}
}

func (g *liveCodeGroup) solo(holder *LiveCodingUnit) {
	g.mu.Lock()
	if g.soloHolder == holder.key {
		g.mu.Unlock()
		return
	}
	g.soloHolder = holder.key
	g.restore = make(map[string]bool)
	var toStop []*LiveCodingUnit
	for key, u := range g.units {
		if key == holder.key {
			continue
		}
		playing := u.IsPlaying()
		g.restore[key] = playing
		if playing {
			toStop = append(toStop, u)
		}
	}
	g.mu.Unlock()
	for _, u := range toStop {
		u.StopPattern()
	}
}

func (g *liveCodeGroup) unsolo(holder *LiveCodingUnit) {
	g.mu.Lock()
	if g.soloHolder != holder.key {
		g.mu.Unlock()
		return
	}
	g.soloHolder = ""
	restore := g.restore
	g.restore = nil
	units := make(map[string]*LiveCodingUnit, len(g.units))
	for k, u := range g.units {
		units[k] = u
	}
	g.mu.Unlock()
	for key, wasPlaying := range restore {
		if u, ok := units[key]; ok && wasPlaying {
			if err := u.StartPattern(); err != nil {
				log.Printf("[livecoding] restore of unit %d failed: %v", u.id, err)
			}
		}
	}
}

// LiveCodingUnit isolates one evaluator: its own Lua state, its own
// sample-name map, its own play state. Evaluator audio renders outside
// the engine mix; only the lifecycle contract lives here.
type LiveCodingUnit struct {
	BaseUnit

	group       *liveCodeGroup
	eval        PatternEvaluator
	sampleNames map[string]string
	vfsNames    map[string]struct{}
}

func NewLiveCodingUnit(engine *Engine, registry *VoiceRegistry, acquirer *SampleAcquirer, group *liveCodeGroup) *LiveCodingUnit {
	u := &LiveCodingUnit{
		BaseUnit:    newBaseUnit(UnitLiveCoding, engine, registry, acquirer),
		group:       group,
		eval:        NewLuaEvaluator(),
		sampleNames: make(map[string]string),
		vfsNames:    make(map[string]struct{}),
	}
	group.add(u)
	return u
}

func (u *LiveCodingUnit) vfsPrefix() string {
	return "lc-" + u.key
}

func (u *LiveCodingUnit) Initialize() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.initialized = true
	return nil
}

// HandleCellHover adds the hovered genome's buffer to this unit's
// private sample palette under its genome id.
func (u *LiveCodingUnit) HandleCellHover(ev CellEvent) bool {
	u.mu.Lock()
	if !u.initialized {
		u.mu.Unlock()
		log.Printf("[unit livecoding %d] hover before initialize, ignored", u.id)
		return false
	}
	u.mu.Unlock()

	go func() {
		name, _, err := u.FetchSample(context.Background(), ev.SoundData(), ev.Params, u.vfsPrefix(), true)
		if err != nil {
			return
		}
		u.mu.Lock()
		u.vfsNames[name] = struct{}{}
		u.sampleNames[ev.Genome.GenomeID] = name
		names := make(map[string]string, len(u.sampleNames))
		for k, v := range u.sampleNames {
			names[k] = v
		}
		u.mu.Unlock()
		u.eval.SetSampleMap(names)
	}()
	return true
}

func (u *LiveCodingUnit) SetCode(code string)        { u.eval.SetCode(code) }
func (u *LiveCodingUnit) Evaluate(code string) error { return u.eval.Evaluate(code) }

func (u *LiveCodingUnit) StartPattern() error { return u.eval.Start() }
func (u *LiveCodingUnit) StopPattern()        { u.eval.Stop() }
func (u *LiveCodingUnit) Hush()               { u.eval.Hush() }
func (u *LiveCodingUnit) IsPlaying() bool     { return u.eval.Playing() }

// SampleNames returns a copy of the private palette.
func (u *LiveCodingUnit) SampleNames() map[string]string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]string, len(u.sampleNames))
	for k, v := range u.sampleNames {
		out[k] = v
	}
	return out
}

// SetSoloed coordinates across the live-coding group: solo-on stops the
// other playing units, solo-off restores exactly their prior states.
func (u *LiveCodingUnit) SetSoloed(v bool) {
	was := u.Soloed()
	u.BaseUnit.SetSoloed(v)
	if v && !was {
		u.group.solo(u)
	} else if !v && was {
		u.group.unsolo(u)
	}
}

func (u *LiveCodingUnit) UpdateConfig(cfg UnitConfig) {
	u.mu.Lock()
	if cfg.VolumeDB != nil {
		u.volumeDB = *cfg.VolumeDB
	}
	u.mu.Unlock()
	if cfg.VolumeDB != nil {
		u.engine.UpdateConstant("gain-"+u.key, dbToLinear(*cfg.VolumeDB))
	}
}

func (u *LiveCodingUnit) Cleanup() {
	u.eval.Hush()
	u.eval.Close()
	u.group.remove(u)

	u.mu.Lock()
	names := u.vfsNames
	u.vfsNames = make(map[string]struct{})
	u.sampleNames = make(map[string]string)
	u.rendering = make(map[string]RenderParams)
	u.initialized = false
	u.mu.Unlock()

	for name := range names {
		u.engine.Store().Evict(name)
	}
	u.engine.RemoveUnitNodes(u.key)
}
