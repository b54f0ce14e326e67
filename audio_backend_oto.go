//go:build !headless

// audio_backend_oto.go - OTO v3 audio output implementation

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ebitengine/oto/v3"
	"github.com/pkg/errors"
)

// otoReadyTimeout bounds the wait for the audio context to come up; some
// hosts never signal readiness, in which case we proceed optimistically.
const otoReadyTimeout = 5 * time.Second

type OtoOutput struct {
	ctx      *oto.Context
	player   *oto.Player
	engine   atomic.Pointer[Engine] // atomic for the lock-free Read path
	monoBuf  []float32
	frameBuf []float32
	started  bool
	mutex    sync.Mutex // setup/control operations only
}

func NewOtoOutput(sampleRate int, engine *Engine) (*OtoOutput, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
		BufferSize:   4,
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, errors.Wrap(err, "oto context")
	}
	select {
	case <-ready:
	case <-time.After(otoReadyTimeout):
	}

	out := &OtoOutput{
		ctx:      ctx,
		monoBuf:  make([]float32, 2048),
		frameBuf: make([]float32, 4096),
	}
	out.engine.Store(engine)
	out.player = ctx.NewPlayer(out)
	return out, nil
}

// Read renders one mono block from the engine and duplicates it onto
// both stereo channels.
func (o *OtoOutput) Read(p []byte) (n int, err error) {
	engine := o.engine.Load()
	if engine == nil {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	numFrames := len(p) / 8 // 2 channels x 4 bytes
	if len(o.monoBuf) < numFrames {
		o.monoBuf = make([]float32, numFrames)
		o.frameBuf = make([]float32, numFrames*2)
	}
	mono := o.monoBuf[:numFrames]
	frames := o.frameBuf[:numFrames*2]

	engine.RenderBlock(mono)
	for i, s := range mono {
		frames[2*i] = s
		frames[2*i+1] = s
	}

	copy(p, (*[1 << 30]byte)(unsafe.Pointer(&frames[0]))[:numFrames*8])
	return numFrames * 8, nil
}

func (o *OtoOutput) Start() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if !o.started && o.player != nil {
		o.player.Play()
		o.started = true
	}
}

func (o *OtoOutput) Stop() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.started && o.player != nil {
		o.player.Pause()
		o.started = false
	}
}

func (o *OtoOutput) Close() {
	o.Stop()
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
}

func (o *OtoOutput) IsStarted() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.started
}
