// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import "sync"

// Registry is the set of identities whose remote download is currently
// outstanding.  All operations are serialized through a single lock, so
// they form one total order across goroutines.  The zero value is ready
// to use.
type Registry struct {
	mu  sync.Mutex
	ids map[Identity]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[Identity]struct{})}
}

// Add marks id as being downloaded.  Adding an existing member is a no-op.
func (r *Registry) Add(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(id)
}

func (r *Registry) add(id Identity) {
	if r.ids == nil {
		r.ids = make(map[Identity]struct{})
	}
	if _, ok := r.ids[id]; ok {
		return
	}
	r.ids[id] = struct{}{}
	downloadsInFlight.Inc()
}

// Remove clears the download mark for id.
func (r *Registry) Remove(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		delete(r.ids, id)
		downloadsInFlight.Dec()
	}
}

// Contains reports whether a download for id is outstanding.
func (r *Registry) Contains(id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// Count returns the number of outstanding downloads.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// TryBegin atomically checks whether a download for id may start and, if
// so, adds id to the registry.  It returns ErrTooManyProcesses if more
// than ceiling downloads are outstanding (a negative ceiling disables
// the check) and ErrDownloadInProgress if id is already a member.
//
// A successful TryBegin must be paired with a Remove once the download
// completes, whether or not it succeeded.
func (r *Registry) TryBegin(id Identity, ceiling int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ceiling >= 0 && len(r.ids) > ceiling {
		return ErrTooManyProcesses
	}
	if _, ok := r.ids[id]; ok {
		return ErrDownloadInProgress
	}
	r.add(id)
	return nil
}
