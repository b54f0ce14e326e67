//go:build portaudio

// audio_backend_portaudio.go - PortAudio output implementation

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
)

type PortAudioOutput struct {
	stream  *portaudio.Stream
	engine  *Engine
	monoBuf []float32
	started bool
	mutex   sync.Mutex
}

func NewPortAudioOutput(sampleRate int, engine *Engine) (*PortAudioOutput, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "portaudio init")
	}
	out := &PortAudioOutput{
		engine:  engine,
		monoBuf: make([]float32, 2048),
	}
	stream, err := portaudio.OpenDefaultStream(0, 2, float64(sampleRate), 0, out.callback)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, errors.Wrap(err, "portaudio stream")
	}
	out.stream = stream
	return out, nil
}

func (o *PortAudioOutput) callback(out [][]float32) {
	numFrames := len(out[0])
	if len(o.monoBuf) < numFrames {
		o.monoBuf = make([]float32, numFrames)
	}
	mono := o.monoBuf[:numFrames]
	o.engine.RenderBlock(mono)
	for i, s := range mono {
		out[0][i] = s
		out[1][i] = s
	}
}

func (o *PortAudioOutput) Start() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if !o.started && o.stream != nil {
		if err := o.stream.Start(); err == nil {
			o.started = true
		}
	}
}

func (o *PortAudioOutput) Stop() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.started && o.stream != nil {
		_ = o.stream.Stop()
		o.started = false
	}
}

func (o *PortAudioOutput) Close() {
	o.Stop()
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.stream != nil {
		_ = o.stream.Close()
		o.stream = nil
		_ = portaudio.Terminate()
	}
}

func (o *PortAudioOutput) IsStarted() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.started
}
