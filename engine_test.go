// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingFetcher is a Fetcher that records how often it is called.
type countingFetcher struct {
	calls atomic.Int32
	fetch func(ctx context.Context, link string) ([]byte, error)
}

func (f *countingFetcher) Fetch(ctx context.Context, link string) ([]byte, error) {
	f.calls.Add(1)
	return f.fetch(ctx, link)
}

// staticFetcher returns a fetcher that always responds with b.
func staticFetcher(b []byte) *countingFetcher {
	return &countingFetcher{fetch: func(context.Context, string) ([]byte, error) {
		return b, nil
	}}
}

// blockingFetcher returns a fetcher that announces each fetch on started
// and then waits for release to be closed before responding with b.
func blockingFetcher(b []byte, started chan<- string, release <-chan struct{}) *countingFetcher {
	return &countingFetcher{fetch: func(ctx context.Context, link string) ([]byte, error) {
		started <- link
		<-release
		return b, nil
	}}
}

func newTestEngine(t *testing.T, f Fetcher, opts ...Option) (*Engine, *DiskStore, *LRUCache) {
	t.Helper()
	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore returned error: %v", err)
	}
	c, err := NewLRUCache(16)
	if err != nil {
		t.Fatalf("NewLRUCache returned error: %v", err)
	}
	e := New(f, s, append([]Option{WithCache(c)}, opts...)...)
	t.Cleanup(e.Flush)
	return e, s, c
}

// storedSize returns the dimensions of the image stored on disk for k.
func storedSize(t *testing.T, s Store, k Key) (Size, bool) {
	t.Helper()
	b, err := os.ReadFile(s.Path(k))
	if err != nil {
		return Size{}, false
	}
	m, err := Decode(b)
	if err != nil {
		t.Errorf("stored image for %v does not decode: %v", k, err)
		return Size{}, false
	}
	return dims(m), true
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
	var zero T
	return zero
}

func TestLoadSized(t *testing.T) {
	f := staticFetcher(pngBytes(t, 400, 200))
	e, s, c := newTestEngine(t, f)

	link, size := "https://x/a.png", Size{100, 100}
	id := Derive(link)

	m, retry, err := e.LoadSized(context.Background(), link, size)
	if err != nil || retry {
		t.Fatalf("LoadSized returned retry=%t, err=%v", retry, err)
	}
	if got := dims(m); got != size {
		t.Errorf("LoadSized returned %v image, want %v", got, size)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetcher called %d times, want 1", got)
	}

	e.Flush()
	if got, ok := storedSize(t, s, FullKey(id)); !ok || got != (Size{400, 200}) {
		t.Errorf("stored full image is %v (exists %t), want 400x200", got, ok)
	}
	if got, ok := storedSize(t, s, SizedKey(id, size)); !ok || got != size {
		t.Errorf("stored sized image is %v (exists %t), want %v", got, ok, size)
	}
	if got, want := c.Len(), 2; got != want {
		t.Errorf("memory cache holds %d images, want %d", got, want)
	}

	// second load is a memory hit
	m2, retry, err := e.LoadSized(context.Background(), link, size)
	if err != nil || retry {
		t.Fatalf("second LoadSized returned retry=%t, err=%v", retry, err)
	}
	if m2 != m {
		t.Errorf("second LoadSized did not return the cached image")
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetcher called %d times after second load, want 1", got)
	}
}

func TestLoadSized_Idempotent(t *testing.T) {
	f := staticFetcher(pngBytes(t, 64, 64))
	// without a memory tier every repeat is served from disk
	e, _, _ := newTestEngine(t, f, WithCache(NopCache))

	link, size := "https://x/a.png", Size{10, 20}
	for i := 0; i < 5; i++ {
		m, retry, err := e.LoadSized(context.Background(), link, size)
		if err != nil || retry {
			t.Fatalf("LoadSized #%d returned retry=%t, err=%v", i, retry, err)
		}
		if got := dims(m); got != size {
			t.Errorf("LoadSized #%d returned %v image, want %v", i, got, size)
		}
		e.Flush()
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetcher called %d times, want 1", got)
	}
}

func TestLoadSized_ResizeFromDisk(t *testing.T) {
	f := staticFetcher(nil)
	e, s, _ := newTestEngine(t, f)

	link, size := "https://x/a.png", Size{100, 50}
	id := Derive(link)
	if err := s.Write(FullKey(id), pngBytes(t, 400, 200)); err != nil {
		t.Fatal(err)
	}

	m, retry, err := e.LoadSized(context.Background(), link, size)
	if err != nil || retry {
		t.Fatalf("LoadSized returned retry=%t, err=%v", retry, err)
	}
	if got := dims(m); got != size {
		t.Errorf("LoadSized returned %v image, want %v", got, size)
	}
	if got := f.calls.Load(); got != 0 {
		t.Errorf("fetcher called %d times, want 0", got)
	}

	e.Flush()
	if got, ok := storedSize(t, s, SizedKey(id, size)); !ok || got != size {
		t.Errorf("stored sized image is %v (exists %t), want %v", got, ok, size)
	}
}

func TestLoadSized_ResizeFromMemory(t *testing.T) {
	f := staticFetcher(pngBytes(t, 400, 200))
	e, _, _ := newTestEngine(t, f)

	link := "https://x/a.png"
	if _, err := e.LoadFull(context.Background(), link); err != nil {
		t.Fatalf("LoadFull returned error: %v", err)
	}
	for _, size := range []Size{{10, 10}, {20, 10}, {400, 200}} {
		m, _, err := e.LoadSized(context.Background(), link, size)
		if err != nil {
			t.Fatalf("LoadSized(%v) returned error: %v", size, err)
		}
		if got := dims(m); got != size {
			t.Errorf("LoadSized(%v) returned %v image", size, got)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetcher called %d times, want 1", got)
	}
}

func TestLoadSized_CorruptionRecovery(t *testing.T) {
	garbage := []byte("definitely not a png")

	t.Run("sized and full corrupt", func(t *testing.T) {
		f := staticFetcher(pngBytes(t, 400, 200))
		e, s, _ := newTestEngine(t, f)

		link, size := "https://x/a.png", Size{100, 100}
		id := Derive(link)
		for _, k := range []Key{FullKey(id), SizedKey(id, size)} {
			if err := s.Write(k, garbage); err != nil {
				t.Fatal(err)
			}
		}

		m, retry, err := e.LoadSized(context.Background(), link, size)
		if err != nil || retry {
			t.Fatalf("LoadSized returned retry=%t, err=%v", retry, err)
		}
		if got := dims(m); got != size {
			t.Errorf("LoadSized returned %v image, want %v", got, size)
		}
		if got := f.calls.Load(); got != 1 {
			t.Errorf("fetcher called %d times, want 1", got)
		}

		e.Flush()
		if got, ok := storedSize(t, s, FullKey(id)); !ok || got != (Size{400, 200}) {
			t.Errorf("repaired full image is %v (exists %t), want 400x200", got, ok)
		}
		if got, ok := storedSize(t, s, SizedKey(id, size)); !ok || got != size {
			t.Errorf("repaired sized image is %v (exists %t), want %v", got, ok, size)
		}
	})

	t.Run("sized corrupt, full valid", func(t *testing.T) {
		f := staticFetcher(nil)
		e, s, _ := newTestEngine(t, f)

		link, size := "https://x/a.png", Size{100, 100}
		id := Derive(link)
		if err := s.Write(SizedKey(id, size), garbage); err != nil {
			t.Fatal(err)
		}
		if err := s.Write(FullKey(id), pngBytes(t, 400, 200)); err != nil {
			t.Fatal(err)
		}

		if _, _, err := e.LoadSized(context.Background(), link, size); err != nil {
			t.Fatalf("LoadSized returned error: %v", err)
		}
		if got := f.calls.Load(); got != 0 {
			t.Errorf("fetcher called %d times, want 0", got)
		}
	})
}

func TestLoadFull(t *testing.T) {
	f := staticFetcher(pngBytes(t, 30, 20))
	e, s, _ := newTestEngine(t, f, WithCache(NopCache))

	link := "https://x/a.png"
	id := Derive(link)

	m, err := e.LoadFull(context.Background(), link)
	if err != nil {
		t.Fatalf("LoadFull returned error: %v", err)
	}
	if got, want := dims(m), (Size{30, 20}); got != want {
		t.Errorf("LoadFull returned %v image, want %v", got, want)
	}

	e.Flush()
	if got, ok := storedSize(t, s, FullKey(id)); !ok || got != (Size{30, 20}) {
		t.Errorf("stored full image is %v (exists %t), want 30x20", got, ok)
	}

	// served from disk
	if _, err := e.LoadFull(context.Background(), link); err != nil {
		t.Fatalf("second LoadFull returned error: %v", err)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetcher called %d times, want 1", got)
	}
}

func TestLoadFull_CorruptionRecovery(t *testing.T) {
	f := staticFetcher(pngBytes(t, 30, 20))
	e, s, _ := newTestEngine(t, f)

	link := "https://x/a.png"
	id := Derive(link)
	if err := s.Write(FullKey(id), []byte("garbage")); err != nil {
		t.Fatal(err)
	}

	if _, err := e.LoadFull(context.Background(), link); err != nil {
		t.Fatalf("LoadFull returned error: %v", err)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetcher called %d times, want 1", got)
	}
	e.Flush()
	if got, ok := storedSize(t, s, FullKey(id)); !ok || got != (Size{30, 20}) {
		t.Errorf("repaired full image is %v (exists %t), want 30x20", got, ok)
	}
}

func TestLoad_Errors(t *testing.T) {
	errFetch := errors.New("connection reset")

	tests := []struct {
		name  string
		link  string
		fetch func(context.Context, string) ([]byte, error)
		check func(error) bool
		calls int32
	}{
		{
			name:  "empty link",
			link:  "",
			check: func(err error) bool { var e *LinkError; return errors.As(err, &e) },
		},
		{
			name:  "unparseable link",
			link:  "http://[::1",
			check: func(err error) bool { var e *LinkError; return errors.As(err, &e) },
		},
		{
			name:  "transport error",
			link:  "https://x/a.png",
			fetch: func(context.Context, string) ([]byte, error) { return nil, errFetch },
			check: func(err error) bool { return err == errFetch },
			calls: 1,
		},
		{
			name:  "undecodable bytes",
			link:  "https://x/a.png",
			fetch: func(context.Context, string) ([]byte, error) { return []byte("<html>"), nil },
			check: func(err error) bool { var e *DownloadError; return errors.As(err, &e) },
			calls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &countingFetcher{fetch: tt.fetch}
			reg := NewRegistry()
			e, _, _ := newTestEngine(t, f, WithRegistry(reg))

			_, err := e.LoadFull(context.Background(), tt.link)
			if !tt.check(err) {
				t.Errorf("LoadFull(%q) returned unexpected error %v", tt.link, err)
			}

			_, retry, err := e.LoadSized(context.Background(), tt.link, Size{10, 10})
			if !tt.check(err) {
				t.Errorf("LoadSized(%q) returned unexpected error %v", tt.link, err)
			}
			if retry {
				t.Errorf("LoadSized(%q) returned retry hint for a permanent failure", tt.link)
			}

			if got, want := f.calls.Load(), 2*tt.calls; got != want {
				t.Errorf("fetcher called %d times, want %d", got, want)
			}
			if got := reg.Count(); got != 0 {
				t.Errorf("registry holds %d downloads after failures, want 0", got)
			}
		})
	}
}

func TestLoadFull_DownloadInProgress(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	f := blockingFetcher(pngBytes(t, 10, 10), started, release)
	e, _, _ := newTestEngine(t, f)

	link := "https://x/a.png"
	done := make(chan error, 1)
	go func() {
		_, err := e.LoadFull(context.Background(), link)
		done <- err
	}()
	receive(t, started)

	if _, err := e.LoadFull(context.Background(), link); err != ErrDownloadInProgress {
		t.Errorf("concurrent LoadFull returned %v, want %v", err, ErrDownloadInProgress)
	}

	close(release)
	if err := receive(t, done); err != nil {
		t.Errorf("first LoadFull returned error: %v", err)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetcher called %d times, want 1", got)
	}
}

func TestLoadSized_Dedup(t *testing.T) {
	const n = 10
	started := make(chan string, n)
	release := make(chan struct{})
	f := blockingFetcher(pngBytes(t, 40, 40), started, release)
	e, _, _ := newTestEngine(t, f)

	type result struct {
		m     image.Image
		retry bool
		err   error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func() {
			m, retry, err := e.LoadSized(context.Background(), "https://x/a.png", Size{20, 20})
			results <- result{m, retry, err}
		}()
	}

	receive(t, started)
	// every other caller is turned away while the download is outstanding
	for i := 0; i < n-1; i++ {
		r := receive(t, results)
		if r.err != ErrDownloadInProgress || !r.retry {
			t.Errorf("concurrent LoadSized returned retry=%t, err=%v; want retry with %v", r.retry, r.err, ErrDownloadInProgress)
		}
	}
	close(release)

	r := receive(t, results)
	if r.err != nil || r.m == nil {
		t.Errorf("downloading LoadSized returned %v, %v", r.m, r.err)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetcher called %d times, want 1", got)
	}
}

func TestLoadSized_Backpressure(t *testing.T) {
	const busy = DefaultMaxDownloads + 1
	started := make(chan string, busy)
	release := make(chan struct{})
	f := blockingFetcher(pngBytes(t, 8, 8), started, release)
	e, _, _ := newTestEngine(t, f)

	size := Size{4, 4}
	done := make(chan error, busy)
	for i := 0; i < busy; i++ {
		link := fmt.Sprintf("https://x/%d.png", i)
		go func() {
			_, _, err := e.LoadSized(context.Background(), link, size)
			done <- err
		}()
	}
	for i := 0; i < busy; i++ {
		receive(t, started)
	}

	_, retry, err := e.LoadSized(context.Background(), "https://x/new.png", size)
	if err != ErrTooManyProcesses || !retry {
		t.Errorf("LoadSized with %d downloads outstanding returned retry=%t, err=%v; want retry with %v", busy, retry, err, ErrTooManyProcesses)
	}
	if got := f.calls.Load(); got != busy {
		t.Errorf("fetcher called %d times, want %d", got, busy)
	}

	close(release)
	for i := 0; i < busy; i++ {
		if err := receive(t, done); err != nil {
			t.Errorf("blocked LoadSized returned error: %v", err)
		}
	}

	// capacity is available again
	if _, retry, err := e.LoadSized(context.Background(), "https://x/new.png", size); err != nil || retry {
		t.Errorf("LoadSized after downloads finished returned retry=%t, err=%v", retry, err)
	}
}

func TestLoadSized_MaxDownloads(t *testing.T) {
	reg := NewRegistry()
	reg.Add("other")

	f := staticFetcher(pngBytes(t, 8, 8))
	e, _, _ := newTestEngine(t, f, WithRegistry(reg), WithMaxDownloads(0))
	if _, retry, err := e.LoadSized(context.Background(), "https://x/a.png", Size{4, 4}); err != ErrTooManyProcesses || !retry {
		t.Errorf("LoadSized returned retry=%t, err=%v; want retry with %v", retry, err, ErrTooManyProcesses)
	}

	// full loads are not subject to backpressure
	if _, err := e.LoadFull(context.Background(), "https://x/a.png"); err != nil {
		t.Errorf("LoadFull returned error: %v", err)
	}

	e, _, _ = newTestEngine(t, f, WithRegistry(reg), WithMaxDownloads(-1))
	if _, _, err := e.LoadSized(context.Background(), "https://x/b.png", Size{4, 4}); err != nil {
		t.Errorf("LoadSized with backpressure disabled returned error: %v", err)
	}
}

// failingStore is a Store whose writes always fail.
type failingStore struct {
	Store
}

func (failingStore) Write(Key, []byte) error { return errors.New("disk full") }

func TestLoadSized_WriteFailure(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := staticFetcher(pngBytes(t, 8, 8))
	e := New(f, failingStore{s})

	link := "https://x/a.png"
	if _, _, err := e.LoadSized(context.Background(), link, Size{4, 4}); err != nil {
		t.Fatalf("LoadSized returned error: %v", err)
	}
	e.Flush()
	if _, ok := e.PathIfCached(link, nil); ok {
		t.Errorf("PathIfCached returned ok although writes fail")
	}
	if _, err := e.Cleanup(); err == nil {
		t.Errorf("Cleanup returned nil error for a store without cleanup support")
	}
}

func TestPathIfCached_Delete_Cleanup(t *testing.T) {
	f := staticFetcher(pngBytes(t, 16, 16))
	e, s, _ := newTestEngine(t, f)

	link, size := "https://x/a.png", Size{8, 8}
	if _, ok := e.PathIfCached(link, nil); ok {
		t.Errorf("PathIfCached returned ok before loading")
	}

	if _, _, err := e.LoadSized(context.Background(), link, size); err != nil {
		t.Fatalf("LoadSized returned error: %v", err)
	}
	e.Flush()

	id := Derive(link)
	if p, ok := e.PathIfCached(link, nil); !ok || p != s.Path(FullKey(id)) {
		t.Errorf("PathIfCached(full) returned %q, %t; want %q", p, ok, s.Path(FullKey(id)))
	}
	if p, ok := e.PathIfCached(link, &size); !ok || p != s.Path(SizedKey(id, size)) {
		t.Errorf("PathIfCached(%v) returned %q, %t; want %q", size, p, ok, s.Path(SizedKey(id, size)))
	}

	if err := e.Delete(link, &size); err != nil {
		t.Errorf("Delete returned error: %v", err)
	}
	if _, ok := e.PathIfCached(link, &size); ok {
		t.Errorf("PathIfCached(%v) returned ok after Delete", size)
	}
	if _, ok := e.PathIfCached(link, nil); !ok {
		t.Errorf("Delete of sized variant removed the full image")
	}

	n, err := e.Cleanup("png")
	if err != nil || n != 1 {
		t.Errorf("Cleanup returned %d, %v; want 1, nil", n, err)
	}
	if _, ok := e.PathIfCached(link, nil); ok {
		t.Errorf("PathIfCached returned ok after Cleanup")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrTooManyProcesses, true},
		{ErrDownloadInProgress, true},
		{fmt.Errorf("wrapped: %w", ErrDownloadInProgress), true},
		{&DownloadError{Link: "x", Err: errors.New("bad")}, false},
		{&LinkError{}, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) returned %t, want %t", tt.err, got, tt.want)
		}
	}
}

func TestFlush_ConcurrentLoads(t *testing.T) {
	f := staticFetcher(pngBytes(t, 8, 8))
	e, s, _ := newTestEngine(t, f, WithMaxDownloads(-1))

	const n = 100
	size := Size{4, 4}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			if _, _, err := e.LoadSized(context.Background(), fmt.Sprint("https://x/", i), size); err != nil {
				t.Errorf("LoadSized returned error: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			e.Flush()
		}()
		go func() {
			defer wg.Done()
			if _, err := e.Cleanup("gif"); err != nil {
				t.Errorf("Cleanup returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	e.Flush()
	for i := 0; i < n; i++ {
		k := SizedKey(Derive(fmt.Sprint("https://x/", i)), size)
		if !s.Exists(k) {
			t.Errorf("sized image %v not stored after Flush", k)
		}
	}
}
