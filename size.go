// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a target image dimension, in pixels.
type Size struct {
	Width  int
	Height int
}

// NewSize returns the Size for the possibly fractional measurements w and
// h.  Values are truncated toward zero and negative values become zero.
func NewSize(w, h float64) Size {
	return Size{Width: truncate(w), Height: truncate(h)}
}

// Square returns a Size with equal width and height.
func Square(s float64) Size {
	return NewSize(s, s)
}

func truncate(f float64) int {
	if f <= 0 {
		return 0
	}
	return int(f)
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ParseSize parses a size string of the form "WxH".  A single number "N"
// is shorthand for "NxN", and a missing side defaults to zero ("100x" is
// 100 pixels wide with a proportional height).
func ParseSize(str string) (Size, error) {
	if str == "" {
		return Size{}, fmt.Errorf("empty size")
	}

	var w, h string
	if dims := strings.SplitN(str, "x", 2); len(dims) == 2 {
		w, h = dims[0], dims[1]
	} else {
		w, h = str, str
	}

	parse := func(v string) (float64, error) {
		if v == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", str, err)
		}
		if f < 0 {
			return 0, fmt.Errorf("invalid size %q: negative dimension", str)
		}
		return f, nil
	}

	fw, err := parse(w)
	if err != nil {
		return Size{}, err
	}
	fh, err := parse(h)
	if err != nil {
		return Size{}, err
	}
	return NewSize(fw, fh), nil
}

// Key identifies one cached variant of an image: either the full
// resolution original or a derived rendition at a specific Size.  Keys
// built with FullKey and SizedKey can be compared with ==.
type Key struct {
	ID    Identity
	Size  Size // only meaningful if Sized is true
	Sized bool
}

// FullKey returns the Key of the full resolution variant of id.
func FullKey(id Identity) Key {
	return Key{ID: id}
}

// SizedKey returns the Key of the variant of id rendered at size s.
func SizedKey(id Identity, s Size) Key {
	return Key{ID: id, Size: s, Sized: true}
}

// Name returns the canonical name of k: the identity, followed by
// "-<width>-<height>" for sized variants.
func (k Key) Name() string {
	if !k.Sized {
		return string(k.ID)
	}
	return fmt.Sprintf("%s-%d-%d", k.ID, k.Size.Width, k.Size.Height)
}

func (k Key) String() string {
	return k.Name()
}
