// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"errors"
	"fmt"
)

var (
	// ErrDownloadInProgress is returned when a network fetch for the
	// same identity is already outstanding.
	ErrDownloadInProgress = errors.New("download in progress")

	// ErrTooManyProcesses is returned by sized loads when too many
	// downloads are already outstanding.
	ErrTooManyProcesses = errors.New("too many processes")
)

// LinkError reports an empty or unparseable image link.
type LinkError struct {
	Link    string
	Message string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link error %q: %s", e.Link, e.Message)
}

// DownloadError reports that a remote image was fetched but could not be
// decoded.
type DownloadError struct {
	Link string
	Err  error // decode error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download error %q: %v", e.Link, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// StatusError reports a non-200 response from a remote server.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote URL %q returned status: %v", e.URL, e.Status)
}

// Retryable reports whether err is a transient capacity or dedup
// condition.  Callers should retry such requests after a short delay
// rather than report them as failures.
func Retryable(err error) bool {
	return errors.Is(err, ErrTooManyProcesses) || errors.Is(err, ErrDownloadInProgress)
}
