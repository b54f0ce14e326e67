// cell_event.go - Genome descriptors and effective-parameter cell events

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

// GenomeDesc is what the visualization surface emits per hover/click:
// the corpus coordinates of a genome plus its original render
// parameters.
type GenomeDesc struct {
	GenomeID   string
	Experiment string
	EvoRunID   string
	Original   RenderParams
}

// CellEvent combines a genome descriptor with the currently effective
// render parameters: global overrides when set, the originals otherwise.
type CellEvent struct {
	Genome GenomeDesc
	Params RenderParams
}

func (c CellEvent) SoundData() SoundData {
	return SoundData{
		GenomeID:   c.Genome.GenomeID,
		Experiment: c.Genome.Experiment,
		EvoRunID:   c.Genome.EvoRunID,
	}
}

// FormatCellEvent resolves the effective parameters for a hover against
// the registry's global overrides.
func FormatCellEvent(registry *VoiceRegistry, g GenomeDesc) CellEvent {
	params := g.Original
	global := registry.GetGlobalParameters()
	if global.Duration != nil {
		params.Duration = *global.Duration
	}
	if global.Pitch != nil {
		params.Pitch = *global.Pitch
	}
	if global.Velocity != nil {
		params.Velocity = *global.Velocity
	}
	return CellEvent{Genome: g, Params: params}
}
