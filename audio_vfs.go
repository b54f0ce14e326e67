// audio_vfs.go - Virtual sample store feeding the realtime renderer

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"log"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultSampleStoreCap = 20

// SampleStore is the named mapping of decoded mono PCM consumed by the
// renderer. It is the boundary where asynchronously decoded buffers meet
// the synchronous audio pull: the control plane installs buffers by name,
// players resolve names on the audio goroutine.
//
// Bounded with oldest-insertion eviction: lookups use Peek so recency is
// never refreshed and the LRU order degenerates to insertion order.
type SampleStore struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, []float32]
	version atomic.Uint64
}

func NewSampleStore(capacity int) *SampleStore {
	if capacity <= 0 {
		capacity = defaultSampleStoreCap
	}
	cache, err := lru.NewWithEvict(capacity, func(name string, _ []float32) {
		log.Printf("[vfs] evicted %s", name)
	})
	if err != nil {
		// Only reachable with capacity <= 0, which is clamped above.
		panic(err)
	}
	return &SampleStore{cache: cache}
}

// Put installs or overwrites one named buffer. An empty buffer is the
// safe eviction: live players resolving the name render silence instead
// of erroring mid-block.
func (s *SampleStore) Put(name string, pcm []float32) {
	s.mu.Lock()
	s.cache.Add(name, pcm)
	s.mu.Unlock()
	s.version.Add(1)
}

// PutAll installs a batch under one version bump.
func (s *SampleStore) PutAll(m map[string][]float32) {
	if len(m) == 0 {
		return
	}
	s.mu.Lock()
	for name, pcm := range m {
		s.cache.Add(name, pcm)
	}
	s.mu.Unlock()
	s.version.Add(1)
}

// Get resolves a name without touching recency, so insertion order keeps
// governing eviction.
func (s *SampleStore) Get(name string) ([]float32, bool) {
	s.mu.Lock()
	pcm, ok := s.cache.Peek(name)
	s.mu.Unlock()
	return pcm, ok
}

func (s *SampleStore) Evict(name string) {
	s.mu.Lock()
	s.cache.Remove(name)
	s.mu.Unlock()
	s.version.Add(1)
}

func (s *SampleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Version changes on every mutation. Players compare it against their
// cached copy once per frame (one atomic load) and re-resolve on change.
func (s *SampleStore) Version() uint64 {
	return s.version.Load()
}

// Clear drops every entry. Teardown only; units evict their own scoped
// names during cleanup.
func (s *SampleStore) Clear() {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	s.version.Add(1)
}
