// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"errors"
	"fmt"
	"image"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// URLError reports a malformed request URL.
type URLError struct {
	Message string
	URL     *url.URL
}

func (e URLError) Error() string {
	return fmt.Sprintf("malformed URL %q: %s", e.URL, e.Message)
}

// Request is an image request parsed from an incoming HTTP request.
type Request struct {
	URL  *url.URL // URL of the remote image
	Size *Size    // requested size, or nil for the full resolution image
}

func (r Request) String() string {
	if r.Size == nil {
		return r.URL.String()
	}
	return fmt.Sprintf("%s#%s", r.URL, r.Size)
}

// NewRequest parses an http.Request into an image request.  The request
// path is either the remote URL alone, or a size followed by the remote
// URL:
//
//	http://localhost/http://example.com/a.png
//	http://localhost/100x100/http://example.com/a.png
//
// The query string is always part of the remote URL.
func NewRequest(r *http.Request) (*Request, error) {
	var err error
	req := new(Request)

	path := strings.TrimPrefix(r.URL.Path, "/")
	req.URL, err = url.Parse(path)
	if err != nil || !req.URL.IsAbs() {
		// first segment should be the size
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 {
			return nil, URLError{"too few path segments", r.URL}
		}

		size, err := ParseSize(parts[0])
		if err != nil {
			return nil, URLError{err.Error(), r.URL}
		}
		req.Size = &size

		req.URL, err = url.Parse(parts[1])
		if err != nil {
			return nil, URLError{fmt.Sprintf("unable to parse remote URL: %v", err), r.URL}
		}
	}

	if !req.URL.IsAbs() {
		return nil, URLError{"must provide absolute remote URL", r.URL}
	}

	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, URLError{"remote URL must have http or https scheme", r.URL}
	}

	req.URL.RawQuery = r.URL.RawQuery
	return req, nil
}

// Handler serves images loaded through an Engine as PNG.
type Handler struct {
	Engine *Engine
	Logger *zap.Logger
}

// ServeHTTP handles image requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/favicon.ico" {
		return // ignore favicon requests
	}
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	req, err := NewRequest(r)
	if err != nil {
		msg := fmt.Sprintf("invalid request URL: %v", err)
		logger.Info(msg)
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	var (
		m     image.Image
		retry bool
	)
	if req.Size != nil {
		m, retry, err = h.Engine.LoadSized(r.Context(), req.URL.String(), *req.Size)
	} else {
		// full resolution loads carry no retry hint
		m, err = h.Engine.LoadFull(r.Context(), req.URL.String())
	}
	if err != nil {
		code := statusCode(err, retry)
		if retry {
			secs := int(math.Ceil(h.Engine.RetryDelay().Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		}
		msg := fmt.Sprintf("error loading image: %v", err)
		logger.Info(msg, zap.Stringer("request", req), zap.Int("status", code))
		http.Error(w, msg, code)
		return
	}

	b, err := Encode(m)
	if err != nil {
		msg := fmt.Sprintf("error encoding image: %v", err)
		logger.Error(msg, zap.Stringer("request", req))
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Write(b)
}

// statusCode returns the HTTP status to report for a failed load.
func statusCode(err error, retry bool) int {
	if retry {
		return http.StatusServiceUnavailable
	}

	var linkErr *LinkError
	if errors.As(err, &linkErr) {
		return http.StatusBadRequest
	}
	if errors.Is(err, ErrDownloadInProgress) {
		return http.StatusConflict
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code >= 400 {
		return statusErr.Code
	}
	return http.StatusBadGateway
}
