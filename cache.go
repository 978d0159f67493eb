// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is the in-memory tier holding decoded images.  Implementations
// decide their own capacity and eviction, and may drop any entry at any
// time; a miss is never an error.  Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get retrieves the cached image for k.
	Get(k Key) (m image.Image, ok bool)

	// Put caches m under k, replacing any existing entry.
	Put(k Key, m image.Image)
}

// NopCache provides a no-op cache implementation that doesn't actually cache anything.
var NopCache = new(nopCache)

type nopCache struct{}

func (c nopCache) Get(Key) (image.Image, bool) { return nil, false }
func (c nopCache) Put(Key, image.Image)        {}

// DefaultCacheEntries is the number of decoded images held by a memory
// cache created without an explicit size.
const DefaultCacheEntries = 256

// LRUCache is a Cache holding at most a fixed number of decoded images,
// evicting the least recently used entry when full.
type LRUCache struct {
	lru *lru.Cache[Key, image.Image]
}

// NewLRUCache returns an LRUCache holding up to size images.  If size is
// not positive, DefaultCacheEntries is used.
func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		size = DefaultCacheEntries
	}
	c, err := lru.New[Key, image.Image](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{lru: c}, nil
}

// Get implements Cache.
func (c *LRUCache) Get(k Key) (image.Image, bool) {
	return c.lru.Get(k)
}

// Put implements Cache.
func (c *LRUCache) Put(k Key, m image.Image) {
	c.lru.Add(k, m)
}

// Len returns the number of cached images.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}
