// voice_registry.go - Process-wide voice parameter registry and pub/sub hub

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"log"
	"sync"
)

// VoiceParams is the current parameter snapshot of one live voice.
type VoiceParams struct {
	Duration     float64
	Pitch        float64
	Velocity     float64
	PlaybackRate float64
	StartOffset  float64
	EndOffset    float64
	Stretch      bool
}

// ParamPatch is a partial update. Nil fields are untouched. RenderNow
// marks a slider release: the only kind of edit that may trigger
// re-acquisition of a differently rendered sample.
type ParamPatch struct {
	Duration     *float64
	Pitch        *float64
	Velocity     *float64
	PlaybackRate *float64
	StartOffset  *float64
	EndOffset    *float64
	Stretch      *bool
	RenderNow    bool
}

// apply merges the patch into the voice's current parameters.
func (p ParamPatch) apply(v *VoiceParams) {
	if p.Duration != nil {
		v.Duration = *p.Duration
	}
	if p.Pitch != nil {
		v.Pitch = *p.Pitch
	}
	if p.Velocity != nil {
		v.Velocity = *p.Velocity
	}
	if p.PlaybackRate != nil {
		v.PlaybackRate = *p.PlaybackRate
	}
	if p.StartOffset != nil {
		v.StartOffset = *p.StartOffset
	}
	if p.EndOffset != nil {
		v.EndOffset = *p.EndOffset
	}
	if p.Stretch != nil {
		v.Stretch = *p.Stretch
	}
}

// renderedParams is the render-affecting subset (duration, pitch,
// velocity) last handed to the renderer. Drags merge into the current
// parameters without touching it, so a release is compared against what
// was actually rendered, not against the values the drag already moved.
type renderedParams struct {
	Duration float64
	Pitch    float64
	Velocity float64
}

// VoiceRecord ties a voice to its genome, owning context and parameters.
type VoiceRecord struct {
	VoiceID   string
	GenomeID  string
	ContextID string
	Params    VoiceParams

	rendered renderedParams
}

func (rec *VoiceRecord) renderSubset() renderedParams {
	return renderedParams{
		Duration: rec.Params.Duration,
		Pitch:    rec.Params.Pitch,
		Velocity: rec.Params.Velocity,
	}
}

// ParamUpdateEvent is what render-param listeners receive. RenderNow is
// true only when re-acquisition is required; otherwise the event carries
// a cheap in-place update (playback rate, offsets).
type ParamUpdateEvent struct {
	GenomeID  string
	ContextID string
	RenderNow bool
	Patch     ParamPatch
	// Voices maps voiceId to the post-merge parameter snapshot for every
	// affected voice.
	Voices map[string]VoiceParams
}

type RenderParamListener func(ParamUpdateEvent)

// GlobalParams are the corpus-wide parameter overrides consulted by the
// cell-event formatter. Nil means "no override, use the original".
type GlobalParams struct {
	Duration *float64
	Pitch    *float64
	Velocity *float64
}

// VoiceRegistry is the hub-and-spoke mapping from voices to parameters
// and from genomes/contexts to voices. All parameter edits route through
// here so ordering and supersession stay enforceable in one place.
// Listener callbacks run synchronously and must be fast; a panicking
// callback is caught and logged, the remaining listeners still fire.
type VoiceRegistry struct {
	mu        sync.RWMutex
	voices    map[string]*VoiceRecord
	byGenome  map[string]map[string]struct{}
	byContext map[string]map[string]struct{}

	renderListeners map[string]RenderParamListener

	global     GlobalParams
	globalSubs map[string]func(GlobalParams)
}

func NewVoiceRegistry() *VoiceRegistry {
	return &VoiceRegistry{
		voices:          make(map[string]*VoiceRecord),
		byGenome:        make(map[string]map[string]struct{}),
		byContext:       make(map[string]map[string]struct{}),
		renderListeners: make(map[string]RenderParamListener),
		globalSubs:      make(map[string]func(GlobalParams)),
	}
}

func (r *VoiceRegistry) RegisterVoice(voiceID, genomeID string, params VoiceParams, contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &VoiceRecord{
		VoiceID:   voiceID,
		GenomeID:  genomeID,
		ContextID: contextID,
		Params:    params,
	}
	rec.rendered = rec.renderSubset()
	r.voices[voiceID] = rec
	if r.byGenome[genomeID] == nil {
		r.byGenome[genomeID] = make(map[string]struct{})
	}
	r.byGenome[genomeID][voiceID] = struct{}{}
	if contextID != "" {
		if r.byContext[contextID] == nil {
			r.byContext[contextID] = make(map[string]struct{})
		}
		r.byContext[contextID][voiceID] = struct{}{}
	}
}

func (r *VoiceRegistry) RemoveVoice(voiceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.voices[voiceID]
	if !ok {
		return
	}
	delete(r.voices, voiceID)
	if set := r.byGenome[rec.GenomeID]; set != nil {
		delete(set, voiceID)
		if len(set) == 0 {
			delete(r.byGenome, rec.GenomeID)
		}
	}
	if rec.ContextID != "" {
		if set := r.byContext[rec.ContextID]; set != nil {
			delete(set, voiceID)
			if len(set) == 0 {
				delete(r.byContext, rec.ContextID)
			}
		}
	}
}

func (r *VoiceRegistry) GetVoiceParameters(voiceID string) (VoiceParams, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.voices[voiceID]
	if !ok {
		return VoiceParams{}, false
	}
	return rec.Params, true
}

// UpdateVoiceParameters merges params into one voice record.
func (r *VoiceRegistry) UpdateVoiceParameters(voiceID string, patch ParamPatch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.voices[voiceID]
	if !ok {
		return false
	}
	patch.apply(&rec.Params)
	return true
}

// VoicesForGenome returns the voice IDs referencing a genome, optionally
// restricted to one context.
func (r *VoiceRegistry) VoicesForGenome(genomeID, contextID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for voiceID := range r.byGenome[genomeID] {
		if contextID != "" && r.voices[voiceID].ContextID != contextID {
			continue
		}
		out = append(out, voiceID)
	}
	return out
}

// UpdateParameters fans a patch out to every voice of the genome,
// optionally scoped to one context, and notifies listeners synchronously.
// The event's RenderNow is set only when the patch asked for a render AND
// at least one voice's render-affecting fields differ from its last
// rendered baseline. Comparing against the baseline rather than the
// merged current values keeps a release honest after a drag already
// moved the parameter to its final value: the drag was cheap, the
// release still re-acquires.
func (r *VoiceRegistry) UpdateParameters(genomeID string, patch ParamPatch, contextID string) {
	r.mu.Lock()
	affected := make(map[string]VoiceParams)
	renderChanged := false
	for voiceID := range r.byGenome[genomeID] {
		rec := r.voices[voiceID]
		if contextID != "" && rec.ContextID != contextID {
			continue
		}
		patch.apply(&rec.Params)
		if patch.RenderNow {
			if now := rec.renderSubset(); now != rec.rendered {
				rec.rendered = now
				renderChanged = true
			}
		}
		affected[voiceID] = rec.Params
	}
	listeners := make([]RenderParamListener, 0, len(r.renderListeners))
	for _, l := range r.renderListeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	if len(affected) == 0 {
		return
	}
	event := ParamUpdateEvent{
		GenomeID:  genomeID,
		ContextID: contextID,
		RenderNow: patch.RenderNow && renderChanged,
		Patch:     patch,
		Voices:    affected,
	}
	for _, l := range listeners {
		r.notify(l, event)
	}
}

func (r *VoiceRegistry) notify(l RenderParamListener, event ParamUpdateEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[registry] parameter callback panicked for genome %s: %v", event.GenomeID, rec)
		}
	}()
	l(event)
}

func (r *VoiceRegistry) RegisterRenderParamListener(listenerID string, l RenderParamListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderListeners[listenerID] = l
}

func (r *VoiceRegistry) RemoveRenderParamListener(listenerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.renderListeners, listenerID)
}

// UpdateGlobalParameters merges non-nil overrides and notifies global
// subscribers.
func (r *VoiceRegistry) UpdateGlobalParameters(p GlobalParams) {
	r.mu.Lock()
	if p.Duration != nil {
		r.global.Duration = p.Duration
	}
	if p.Pitch != nil {
		r.global.Pitch = p.Pitch
	}
	if p.Velocity != nil {
		r.global.Velocity = p.Velocity
	}
	current := r.global
	subs := r.globalSubsLocked()
	r.mu.Unlock()
	r.notifyGlobal(subs, current)
}

func (r *VoiceRegistry) GetGlobalParameters() GlobalParams {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global
}

// ResetGlobalParameters clears every override; subsequent cell events use
// the genomes' original parameters again.
func (r *VoiceRegistry) ResetGlobalParameters() {
	r.mu.Lock()
	r.global = GlobalParams{}
	subs := r.globalSubsLocked()
	r.mu.Unlock()
	r.notifyGlobal(subs, GlobalParams{})
}

func (r *VoiceRegistry) RegisterGlobalParameterCallback(id string, cb func(GlobalParams)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalSubs[id] = cb
}

func (r *VoiceRegistry) RemoveGlobalParameterCallback(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.globalSubs, id)
}

func (r *VoiceRegistry) globalSubsLocked() []func(GlobalParams) {
	subs := make([]func(GlobalParams), 0, len(r.globalSubs))
	for _, cb := range r.globalSubs {
		subs = append(subs, cb)
	}
	return subs
}

func (r *VoiceRegistry) notifyGlobal(subs []func(GlobalParams), p GlobalParams) {
	for _, cb := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("[registry] global parameter callback panicked: %v", rec)
				}
			}()
			cb(p)
		}()
	}
}

// Teardown clears records but keeps subscriber lists, matching the
// shared-singleton lifecycle: units re-register voices after a restart
// without resubscribing.
func (r *VoiceRegistry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voices = make(map[string]*VoiceRecord)
	r.byGenome = make(map[string]map[string]struct{})
	r.byContext = make(map[string]map[string]struct{})
	r.global = GlobalParams{}
}
