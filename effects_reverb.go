// effects_reverb.go - Reverb send: FFT convolution against a named IR

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// Comb/allpass bank used to synthesize the default impulse response when
// no named IR has been installed. Prime-length comb delays avoid
// arithmetic relationships that cause artificial-sounding periodicity;
// two series allpass stages add diffusion without coloring.
const (
	combDelay1 = 1687
	combDelay2 = 1601
	combDelay3 = 2053
	combDelay4 = 2251

	combDecay1 = 0.97
	combDecay2 = 0.95
	combDecay3 = 0.93
	combDecay4 = 0.91

	allpassDelay1 = 389
	allpassDelay2 = 307
	allpassCoef   = 0.5

	reverbAttenuation = 0.3
	reverbPreDelayMS  = 8
)

type combFilter struct {
	buffer []float32
	decay  float32
	pos    int
}

type combReverb struct {
	combs       [4]combFilter
	allpassBuf  [2][]float32
	allpassPos  [2]int
	preDelayBuf []float32
	preDelayPos int
}

func newCombReverb(sampleRate int) *combReverb {
	r := &combReverb{
		preDelayBuf: make([]float32, reverbPreDelayMS*sampleRate/1000),
	}
	lengths := []int{combDelay1, combDelay2, combDelay3, combDelay4}
	decays := []float32{combDecay1, combDecay2, combDecay3, combDecay4}
	for i := range r.combs {
		r.combs[i] = combFilter{buffer: make([]float32, lengths[i]), decay: decays[i]}
	}
	r.allpassBuf[0] = make([]float32, allpassDelay1)
	r.allpassBuf[1] = make([]float32, allpassDelay2)
	return r
}

func (r *combReverb) process(input float32) float32 {
	delayed := r.preDelayBuf[r.preDelayPos]
	r.preDelayBuf[r.preDelayPos] = input
	r.preDelayPos = (r.preDelayPos + 1) % len(r.preDelayBuf)

	var out float32
	for i := range r.combs {
		comb := &r.combs[i]
		cDelay := comb.buffer[comb.pos]
		comb.buffer[comb.pos] = delayed + cDelay*comb.decay
		out += cDelay
		comb.pos = (comb.pos + 1) % len(comb.buffer)
	}

	for i := 0; i < 2; i++ {
		pos := r.allpassPos[i]
		buf := r.allpassBuf[i]
		aDelay := buf[pos]
		buf[pos] = out + aDelay*allpassCoef
		out = aDelay - out
		r.allpassPos[i] = (pos + 1) % len(buf)
	}

	return out * reverbAttenuation
}

// GenerateDefaultIR renders the comb/allpass bank's response to a unit
// impulse. Installed as the fallback when no "reverb-ir" buffer exists.
func GenerateDefaultIR(sampleRate int, seconds float64) []float32 {
	n := int(seconds * float64(sampleRate))
	if n < 1 {
		n = 1
	}
	r := newCombReverb(sampleRate)
	ir := make([]float32, n)
	for i := range ir {
		in := float32(0)
		if i == 0 {
			in = 1
		}
		ir[i] = r.process(in)
	}
	return ir
}

// Convolver is an overlap-add FFT convolver. Input is consumed one sample
// at a time; output is delayed by one block. Long IRs are truncated to
// keep one FFT per block (see maxIRLen).
type Convolver struct {
	fft       *fourier.FFT
	fftSize   int
	blockSize int

	irSpec []complex128

	inBlock  []float64
	inFill   int
	outQueue []float32
	outPos   int
	overlap  []float64

	scratchSeq   []float64
	scratchSpec  []complex128
	scratchCoeff []complex128
}

const (
	convolverBlock = 1024
	maxIRLen       = 1 << 16
)

func NewConvolver(ir []float32) *Convolver {
	if len(ir) == 0 {
		ir = []float32{1}
	}
	if len(ir) > maxIRLen {
		ir = ir[:maxIRLen]
	}
	fftSize := 1
	for fftSize < convolverBlock+len(ir)-1 {
		fftSize <<= 1
	}
	fft := fourier.NewFFT(fftSize)

	seq := make([]float64, fftSize)
	for i, v := range ir {
		seq[i] = float64(v)
	}
	irSpec := fft.Coefficients(nil, seq)

	return &Convolver{
		fft:          fft,
		fftSize:      fftSize,
		blockSize:    convolverBlock,
		irSpec:       irSpec,
		inBlock:      make([]float64, fftSize),
		outQueue:     make([]float32, convolverBlock),
		outPos:       0,
		overlap:      make([]float64, fftSize),
		scratchSeq:   make([]float64, fftSize),
		scratchSpec:  make([]complex128, fft.Len()/2+1),
		scratchCoeff: make([]complex128, fft.Len()/2+1),
	}
}

func (c *Convolver) processBlock() {
	spec := c.fft.Coefficients(c.scratchCoeff, c.inBlock)
	for i := range spec {
		c.scratchSpec[i] = spec[i] * c.irSpec[i]
	}
	seq := c.fft.Sequence(c.scratchSeq, c.scratchSpec)
	norm := 1.0 / float64(c.fftSize)

	for i := 0; i < c.fftSize; i++ {
		c.overlap[i] += seq[i] * norm
	}
	for i := 0; i < c.blockSize; i++ {
		c.outQueue[i] = float32(c.overlap[i])
	}
	copy(c.overlap, c.overlap[c.blockSize:])
	for i := c.fftSize - c.blockSize; i < c.fftSize; i++ {
		c.overlap[i] = 0
	}

	for i := range c.inBlock {
		c.inBlock[i] = 0
	}
	c.inFill = 0
	c.outPos = 0
}

// Process pushes one input sample and returns one output sample (delayed
// by one block).
func (c *Convolver) Process(x float32) float32 {
	c.inBlock[c.inFill] = float64(x)
	c.inFill++

	var out float32
	if c.outPos < len(c.outQueue) {
		out = c.outQueue[c.outPos]
		c.outPos++
	}
	if c.inFill == c.blockSize {
		c.processBlock()
	}
	return out
}

// ReverbSend splits its source into a dry path scaled by 1-wet and a wet
// path convolved with the IR scaled by wet*0.3, recombined under a master
// gain.
type ReverbSend struct {
	Src    Signal
	Conv   *Convolver
	Wet    float64
	Master float64
}

const reverbMasterGain = 0.7

func NewReverbSend(src Signal, ir []float32, wet float64) *ReverbSend {
	if wet < 0 {
		wet = 0
	}
	if wet > 1 {
		wet = 1
	}
	return &ReverbSend{
		Src:    src,
		Conv:   NewConvolver(ir),
		Wet:    wet,
		Master: reverbMasterGain,
	}
}

func (r *ReverbSend) NextSample() float32 {
	s := r.Src.NextSample()
	wetOut := r.Conv.Process(s)
	mixed := s*float32(1-r.Wet) + wetOut*float32(r.Wet*reverbAttenuation)
	return mixed * float32(r.Master)
}
