// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"bytes"
	"image"
	_ "image/gif"  // register gif format
	_ "image/jpeg" // register jpeg format
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"  // register bmp format
	_ "golang.org/x/image/tiff" // register tiff format
	_ "golang.org/x/image/webp" // register webp format
)

// Resize returns m scaled to fill exactly s, stretching it if the aspect
// ratios differ; callers compute the target box themselves.  The one
// exception is a zero dimension: if one side of s is zero it is derived
// from the other to keep the aspect ratio, and if both are zero m is
// returned unchanged.
func Resize(m image.Image, s Size) image.Image {
	if s.Width == 0 && s.Height == 0 {
		return m
	}
	return imaging.Resize(m, s.Width, s.Height, imaging.Lanczos)
}

// Decode decodes an encoded image in any of the supported formats (gif,
// jpeg, png, bmp, tiff, webp).  JPEG and TIFF images are rotated
// according to their EXIF orientation, since that metadata is lost once
// the image is re-encoded for the disk cache.
func Decode(b []byte) (image.Image, error) {
	m, format, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if format == "jpeg" || format == "tiff" {
		m = orient(m, exifOrientation(b))
	}
	return m, nil
}

// Encode returns the PNG encoding of m.
func Encode(m image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EXIF orientation values.
// See https://magnushoff.com/articles/jpeg-orientation/
const (
	topLeftSide     = 1
	topRightSide    = 2
	bottomRightSide = 3
	bottomLeftSide  = 4
	leftSideTop     = 5
	rightSideTop    = 6
	rightSideBottom = 7
	leftSideBottom  = 8
)

// exifOrientation returns the EXIF orientation stored in the encoded
// image b, or topLeftSide if there is none.
func exifOrientation(b []byte) int {
	ex, err := exif.Decode(bytes.NewReader(b))
	if err != nil {
		return topLeftSide
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return topLeftSide
	}
	o, err := tag.Int(0)
	if err != nil {
		return topLeftSide
	}
	return o
}

// orient transforms m so that it displays upright given its EXIF
// orientation o.
func orient(m image.Image, o int) image.Image {
	switch o {
	case topRightSide:
		return imaging.FlipH(m)
	case bottomRightSide:
		return imaging.Rotate180(m)
	case bottomLeftSide:
		return imaging.FlipV(m)
	case leftSideTop:
		return imaging.Transpose(m)
	case rightSideTop:
		return imaging.Rotate270(m)
	case rightSideBottom:
		return imaging.Transverse(m)
	case leftSideBottom:
		return imaging.Rotate90(m)
	}
	return m
}
