// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterbourgon/diskv"
)

// Store is the persistent tier holding encoded images.
type Store interface {
	// Exists reports whether an entry for k is stored.
	Exists(k Key) bool

	// Read returns the stored encoded image for k.
	Read(k Key) ([]byte, error)

	// Write stores b under k.  Writes must be atomic: a partially
	// written entry is never observable by Read.
	Write(k Key, b []byte) error

	// Remove deletes the entry for k.  Removing a missing entry is not
	// an error.
	Remove(k Key) error

	// Path returns the file path at which k is (or would be) stored.
	Path(k Key) string
}

// A Cleaner can reclaim storage by removing files by extension.
type Cleaner interface {
	Cleanup(exts ...string) (int, error)
}

const (
	// ImagesDir is the subdirectory of the storage root holding cached images.
	ImagesDir = "images"

	// FileExt is the extension of every cached image.  Cached images are
	// always PNG encoded, regardless of the source encoding.
	FileExt = ".png"

	tempDir = ".tmp"
)

// DefaultCleanupExtensions lists the extensions removed by Cleanup when
// none are given.
var DefaultCleanupExtensions = []string{"jpg", "png", "mp4", "m4a"}

// DiskStore is a Store keeping one PNG file per Key in
// <root>/images/<identity>[-<width>-<height>].png.
type DiskStore struct {
	root string
	dir  string
	d    *diskv.Diskv
}

var _ Store = (*DiskStore)(nil)
var _ Cleaner = (*DiskStore)(nil)

// NewDiskStore returns a DiskStore rooted at root, creating the images
// directory if necessary.
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	dir := filepath.Join(root, ImagesDir)
	tmp := filepath.Join(root, tempDir)
	for _, p := range []string{dir, tmp} {
		if err := os.MkdirAll(p, 0755); err != nil {
			return nil, err
		}
	}

	d := diskv.New(diskv.Options{
		BasePath: dir,
		// Writes go to a temp file that is renamed into place.
		TempDir: tmp,
		// Files are stored flat: "c0ffee-10-10.png" at dir/c0ffee-10-10.png
		Transform:    func(string) []string { return []string{} },
		CacheSizeMax: 0,
	})

	return &DiskStore{root: root, dir: dir, d: d}, nil
}

func filename(k Key) string {
	return k.Name() + FileExt
}

// Path implements Store.
func (s *DiskStore) Path(k Key) string {
	return filepath.Join(s.dir, filename(k))
}

// Exists implements Store.
func (s *DiskStore) Exists(k Key) bool {
	return s.d.Has(filename(k))
}

// Read implements Store.
func (s *DiskStore) Read(k Key) ([]byte, error) {
	return s.d.Read(filename(k))
}

// Write implements Store.
func (s *DiskStore) Write(k Key, b []byte) error {
	return s.d.Write(filename(k), b)
}

// Remove implements Store.
func (s *DiskStore) Remove(k Key) error {
	err := s.d.Erase(filename(k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Cleanup removes every regular file under the storage root whose
// extension is one of exts, or DefaultCleanupExtensions if exts is
// empty.  Extensions may be given with or without the leading dot.  It
// returns the number of files removed.
func (s *DiskStore) Cleanup(exts ...string) (int, error) {
	if len(exts) == 0 {
		exts = DefaultCleanupExtensions
	}
	match := make(map[string]bool, len(exts))
	for _, ext := range exts {
		match[strings.TrimPrefix(ext, ".")] = true
	}

	var removed int
	err := filepath.WalkDir(s.root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !de.Type().IsRegular() {
			return nil
		}
		if !match[strings.TrimPrefix(filepath.Ext(path), ".")] {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}
