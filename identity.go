// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"crypto/md5"
	"encoding/hex"
	"io"
)

// Identity is the content key of a remote image, derived from its source
// URL.  It is a fixed-length lowercase hex string.
type Identity string

// Derive returns the Identity for link.  The link is hashed byte for byte
// without any normalization, so two links that differ only in escaping or
// case have different identities.
func Derive(link string) Identity {
	h := md5.New()
	_, _ = io.WriteString(h, link)
	return Identity(hex.EncodeToString(h.Sum(nil)))
}
