// audio_backend_null.go - Silent output for tests and -backend none

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import "sync"

type NullOutput struct {
	mu      sync.Mutex
	started bool
}

func NewNullOutput() *NullOutput {
	return &NullOutput{}
}

func (n *NullOutput) Start() {
	n.mu.Lock()
	n.started = true
	n.mu.Unlock()
}

func (n *NullOutput) Stop() {
	n.mu.Lock()
	n.started = false
	n.mu.Unlock()
}

func (n *NullOutput) Close() {
	n.Stop()
}

func (n *NullOutput) IsStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}
