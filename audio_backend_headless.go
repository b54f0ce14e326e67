//go:build headless

// audio_backend_headless.go - No-op OTO substitute for headless builds

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

type OtoOutput struct {
	started bool
}

func NewOtoOutput(sampleRate int, engine *Engine) (*OtoOutput, error) {
	return &OtoOutput{}, nil
}

func (o *OtoOutput) Start() {
	o.started = true
}

func (o *OtoOutput) Stop() {
	o.started = false
}

func (o *OtoOutput) Close() {
	o.started = false
}

func (o *OtoOutput) IsStarted() bool {
	return o.started
}
