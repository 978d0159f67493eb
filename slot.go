// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"context"
	"image"
	"sync"
	"time"
)

// Result is the outcome of a load requested through a Slot.
type Result struct {
	Link  string
	Size  Size
	Image image.Image // nil if Err is set
	Err   error
}

// Slot is a reusable requester of sized images, such as one cell of a
// scrolling grid.  Each call to Load supersedes the previous one: results
// of superseded loads are discarded, so a recycled slot never receives an
// image meant for its previous occupant.  Loads that fail with a retry
// hint are repeated after the engine's retry delay until they succeed,
// fail permanently, or are superseded.
//
// Results are delivered one at a time with the slot locked, so deliver
// must not call Load or Reset synchronously.
type Slot struct {
	engine  *Engine
	deliver func(Result)

	mu    sync.Mutex
	gen   uint64 // incremented by every Load and Reset
	done  bool   // an image has been delivered for gen
	timer *time.Timer
}

// NewSlot returns a Slot loading images from e and passing results to deliver.
func NewSlot(e *Engine, deliver func(Result)) *Slot {
	return &Slot{engine: e, deliver: deliver}
}

// Load starts loading link at size in the background, superseding any
// load in progress.
func (s *Slot) Load(link string, size Size) {
	s.mu.Lock()
	gen := s.next()
	s.mu.Unlock()

	go s.run(gen, link, size)
}

// Reset discards any load in progress, as when the slot is recycled.
func (s *Slot) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next()
}

// next starts a new generation.  s.mu must be held.
func (s *Slot) next() uint64 {
	s.gen++
	s.done = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.gen
}

// current reports whether gen is still the slot's active load.  s.mu must
// be held.
func (s *Slot) current(gen uint64) bool {
	return gen == s.gen && !s.done
}

func (s *Slot) run(gen uint64, link string, size Size) {
	s.mu.Lock()
	ok := s.current(gen)
	s.mu.Unlock()
	if !ok {
		return
	}

	m, retry, err := s.engine.LoadSized(context.Background(), link, size)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) {
		return
	}

	if retry {
		s.timer = time.AfterFunc(s.engine.RetryDelay(), func() {
			s.run(gen, link, size)
		})
		return
	}

	if m != nil {
		s.done = true
	}
	s.deliver(Result{Link: link, Size: size, Image: m, Err: err})
}
