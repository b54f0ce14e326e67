//go:build !portaudio

// audio_backend_portaudio_stub.go - Stub when built without the portaudio tag

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import "github.com/pkg/errors"

type PortAudioOutput struct{}

func NewPortAudioOutput(sampleRate int, engine *Engine) (*PortAudioOutput, error) {
	return nil, errors.New("portaudio backend not compiled in (build with -tags portaudio)")
}

func (o *PortAudioOutput) Start()          {}
func (o *PortAudioOutput) Stop()           {}
func (o *PortAudioOutput) Close()          {}
func (o *PortAudioOutput) IsStarted() bool { return false }
