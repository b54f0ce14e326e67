// errors.go - Error kinds crossing component boundaries

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import "github.com/pkg/errors"

// Error kinds. No component panics across a boundary; public operations
// either return one of these (wrapped with call-site context) or swallow
// the failure into a logged no-op, per the propagation policy.
var (
	// ErrAudioUnavailable means the output device could not be opened or
	// resumed. Recoverable: the caller retries after a user gesture.
	ErrAudioUnavailable = errors.New("audio output unavailable")

	// ErrSampleUnavailable means neither the remote WAV nor the render
	// fallback produced a decodable buffer. The affected voice is omitted.
	ErrSampleUnavailable = errors.New("sample unavailable")

	// ErrRenderFailed means the realtime renderer raised during a block.
	// The previous mix snapshot is retained.
	ErrRenderFailed = errors.New("render failed")
)
