// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

// Package imagefetch fetches remote images by URL and caches them, at full
// resolution and as resized variants, in a memory tier of decoded images
// and a disk tier of PNG files.  Concurrent downloads of the same image are
// rejected, and sized loads apply backpressure once too many downloads are
// outstanding.  For typical use of creating and using an Engine, see
// cmd/imagefetch/main.go.
package imagefetch // import "willnorris.com/go/imagefetch"

import (
	"context"
	"errors"
	"image"
	"io/fs"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxDownloads is the default backpressure ceiling for sized
	// loads.  A sized load that needs the network fails with
	// ErrTooManyProcesses while more than this many downloads are
	// outstanding.
	DefaultMaxDownloads = 5

	// DefaultRetryDelay is how long a Slot waits before repeating a load
	// that failed with a retryable error.
	DefaultRetryDelay = 750 * time.Millisecond
)

// Engine answers requests for remote images, consulting the memory cache,
// then the disk store, then the network.  An Engine is safe for
// concurrent use.
type Engine struct {
	fetcher  Fetcher
	store    Store
	cache    Cache
	registry *Registry
	logger   *zap.Logger

	maxDownloads int
	retryDelay   time.Duration

	writes pending // background disk writes
}

// pending counts background work.  Unlike sync.WaitGroup, it may be
// incremented while another goroutine is waiting on it.
type pending struct {
	mu   sync.Mutex
	cond *sync.Cond // signalled when n drops to zero; lazily created
	n    int
}

func (p *pending) add() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
}

func (p *pending) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n--
	if p.n == 0 && p.cond != nil {
		p.cond.Broadcast()
	}
}

// wait blocks until the count is zero.  Work added while waiting is
// waited for as well.
func (p *pending) wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cond == nil {
		p.cond = sync.NewCond(&p.mu)
	}
	for p.n > 0 {
		p.cond.Wait()
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the memory tier.  The default is an LRUCache holding
// DefaultCacheEntries images.
func WithCache(c Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithRegistry sets the registry of outstanding downloads, allowing
// several engines to share one.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithLogger sets the logger.  The default discards all output.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMaxDownloads sets the backpressure ceiling for sized loads.  A
// negative value disables backpressure.
func WithMaxDownloads(n int) Option {
	return func(e *Engine) {
		e.maxDownloads = n
	}
}

// WithRetryDelay sets the delay used by Slots before retrying.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.retryDelay = d
	}
}

// New constructs an Engine that downloads images with fetcher and
// persists them to store.
func New(fetcher Fetcher, store Store, opts ...Option) *Engine {
	e := &Engine{
		fetcher:      fetcher,
		store:        store,
		maxDownloads: DefaultMaxDownloads,
		retryDelay:   DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.cache == nil {
		c, err := NewLRUCache(DefaultCacheEntries)
		if err != nil {
			panic(err) // only fails for non-positive sizes
		}
		e.cache = c
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// LoadFull returns the full resolution image at link.
//
// LoadFull fails with a *LinkError if link is empty or unparseable, with
// ErrDownloadInProgress if another download of link is outstanding, with
// a *DownloadError if the downloaded bytes are not an image, and with the
// fetcher's error if the download itself fails.
func (e *Engine) LoadFull(ctx context.Context, link string) (image.Image, error) {
	if link == "" {
		return nil, &LinkError{Link: link, Message: "empty link"}
	}

	id := Derive(link)
	key := FullKey(id)

	if m, ok := e.cached(key); ok {
		return m, nil
	}

	if m, ok := e.readDisk(key); ok {
		e.cache.Put(key, m)
		return m, nil
	}

	if err := checkLink(link); err != nil {
		return nil, err
	}
	if err := e.begin(id, -1); err != nil {
		return nil, err
	}

	m, err := e.download(ctx, link, id)
	if err != nil {
		return nil, err
	}

	e.persist(key, m)
	e.cache.Put(key, m)
	return m, nil
}

// LoadSized returns the image at link resized to exactly size.  The
// returned bool is a retry hint: when true, the failure is a transient
// capacity or dedup condition and the caller should call LoadSized again
// after a short delay, without reporting the error.
//
// A sized variant is served from memory, then from disk.  Failing that, it
// is derived from the full resolution image if one is cached, and only
// then downloaded.
func (e *Engine) LoadSized(ctx context.Context, link string, size Size) (m image.Image, retry bool, err error) {
	if link == "" {
		return nil, false, &LinkError{Link: link, Message: "empty link"}
	}

	id := Derive(link)
	key := SizedKey(id, size)
	fullKey := FullKey(id)

	if m, ok := e.cached(key); ok {
		return m, false, nil
	}

	if m, ok := e.readDisk(key); ok {
		e.cache.Put(key, m)
		return m, false, nil
	}

	// resize an existing full resolution image rather than download again
	full, ok := e.cached(fullKey)
	if !ok {
		if full, ok = e.readDisk(fullKey); ok {
			e.cache.Put(fullKey, full)
		}
	}
	if ok {
		m := Resize(full, size)
		resizedFromDisk.Inc()
		e.logger.Debug("resized cached image", zap.String("key", key.Name()))
		e.persist(key, m)
		e.cache.Put(key, m)
		return m, false, nil
	}

	if err := checkLink(link); err != nil {
		return nil, false, err
	}
	if err := e.begin(id, e.maxDownloads); err != nil {
		return nil, true, err
	}

	full, err = e.download(ctx, link, id)
	if err != nil {
		return nil, false, err
	}

	m = Resize(full, size)
	e.persist(fullKey, full)
	e.persist(key, m)
	e.cache.Put(fullKey, full)
	e.cache.Put(key, m)
	return m, false, nil
}

// PathIfCached returns the path of the file holding the image at link,
// resized to size if size is not nil, if that file exists.
func (e *Engine) PathIfCached(link string, size *Size) (string, bool) {
	key := keyFor(link, size)
	if !e.store.Exists(key) {
		return "", false
	}
	return e.store.Path(key), true
}

// Delete removes the file holding the image at link, resized to size if
// size is not nil.  Images already held in memory are not affected.
func (e *Engine) Delete(link string, size *Size) error {
	return e.store.Remove(keyFor(link, size))
}

// Cleanup removes stored files with the given extensions, or with
// DefaultCleanupExtensions if none are given.  It returns the number of
// files removed.
func (e *Engine) Cleanup(exts ...string) (int, error) {
	c, ok := e.store.(Cleaner)
	if !ok {
		return 0, errors.New("store does not support cleanup")
	}
	e.Flush()
	return c.Cleanup(exts...)
}

// Flush blocks until all pending background disk writes have finished,
// including writes started by loads running concurrently with Flush.
// Call it before the process exits to keep freshly downloaded images.
func (e *Engine) Flush() {
	e.writes.wait()
}

// RetryDelay returns the delay callers should wait before retrying a
// load that failed with a retry hint.
func (e *Engine) RetryDelay() time.Duration {
	return e.retryDelay
}

func keyFor(link string, size *Size) Key {
	id := Derive(link)
	if size == nil {
		return FullKey(id)
	}
	return SizedKey(id, *size)
}

func checkLink(link string) error {
	if link == "" {
		return &LinkError{Link: link, Message: "empty link"}
	}
	if _, err := url.Parse(link); err != nil {
		return &LinkError{Link: link, Message: err.Error()}
	}
	return nil
}

func (e *Engine) cached(k Key) (image.Image, bool) {
	m, ok := e.cache.Get(k)
	if ok {
		cacheHits.WithLabelValues("memory").Inc()
		e.logger.Debug("serving from memory", zap.String("key", k.Name()))
	}
	return m, ok
}

// readDisk returns the decoded image stored for k.  Entries that cannot
// be read or decoded are removed so that they are fetched again.
func (e *Engine) readDisk(k Key) (image.Image, bool) {
	if !e.store.Exists(k) {
		return nil, false
	}

	b, err := e.store.Read(k)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false
	}
	var m image.Image
	if err == nil {
		m, err = Decode(b)
	}
	if err != nil {
		corruptEntries.Inc()
		e.logger.Warn("removing unreadable cached image", zap.String("key", k.Name()), zap.Error(err))
		if err := e.store.Remove(k); err != nil {
			e.logger.Warn("error removing cached image", zap.String("key", k.Name()), zap.Error(err))
		}
		return nil, false
	}

	cacheHits.WithLabelValues("disk").Inc()
	e.logger.Debug("serving from disk", zap.String("key", k.Name()))
	return m, true
}

// begin registers a download of id, subject to ceiling.
func (e *Engine) begin(id Identity, ceiling int) error {
	err := e.registry.TryBegin(id, ceiling)
	switch {
	case errors.Is(err, ErrTooManyProcesses):
		downloadRejections.WithLabelValues("backpressure").Inc()
	case errors.Is(err, ErrDownloadInProgress):
		downloadRejections.WithLabelValues("in_progress").Inc()
	}
	return err
}

// download fetches and decodes the image at link.  The caller must have
// registered id with begin; download clears it as soon as the fetch
// returns, whatever its outcome.
func (e *Engine) download(ctx context.Context, link string, id Identity) (image.Image, error) {
	start := time.Now()
	e.logger.Debug("fetching remote image", zap.String("link", link))

	b, err := func() ([]byte, error) {
		defer e.registry.Remove(id)
		return e.fetcher.Fetch(ctx, link)
	}()
	if err != nil {
		remoteImageFetchErrors.Inc()
		e.logger.Warn("error fetching remote image", zap.String("link", link), zap.Error(err))
		return nil, err
	}

	m, err := Decode(b)
	if err != nil {
		remoteImageFetchErrors.Inc()
		e.logger.Warn("error decoding remote image", zap.String("link", link), zap.Error(err))
		return nil, &DownloadError{Link: link, Err: err}
	}

	downloadSeconds.Observe(time.Since(start).Seconds())
	return m, nil
}

// persist encodes m and writes it to the store in the background.
// Failures are logged and otherwise ignored; the memory tier already
// holds the image.
func (e *Engine) persist(k Key, m image.Image) {
	e.writes.add()
	go func() {
		defer e.writes.done()

		b, err := Encode(m)
		if err == nil {
			err = e.store.Write(k, b)
		}
		if err != nil {
			diskWriteErrors.Inc()
			e.logger.Warn("error writing cached image", zap.String("key", k.Name()), zap.Error(err))
		}
	}()
}
