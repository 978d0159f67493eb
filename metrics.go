// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

package imagefetch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imagefetch",
			Name:      "cache_hits_total",
			Help:      "Number of loads answered from a cache tier.",
		}, []string{"tier"})
	resizedFromDisk = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imagefetch",
		Name:      "resized_from_disk_total",
		Help:      "Number of sized variants derived from a full resolution file on disk.",
	})
	corruptEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imagefetch",
		Name:      "corrupt_entries_total",
		Help:      "Number of cached files removed because they failed to decode.",
	})
	downloadsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "imagefetch",
		Name:      "downloads_in_flight",
		Help:      "Number of remote image downloads currently outstanding.",
	})
	downloadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imagefetch",
			Name:      "download_rejections_total",
			Help:      "Number of downloads not started because of dedup or backpressure.",
		}, []string{"reason"})
	remoteImageFetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imagefetch",
		Name:      "remote_image_fetch_errors_total",
		Help:      "Total image fetch failures.",
	})
	downloadSeconds = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "imagefetch",
		Name:      "download_seconds",
		Help:      "Time taken to download and decode remote images in seconds.",
	})
	diskWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imagefetch",
		Name:      "disk_write_errors_total",
		Help:      "Number of failed background writes to the disk tier.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(resizedFromDisk)
	prometheus.MustRegister(corruptEntries)
	prometheus.MustRegister(downloadsInFlight)
	prometheus.MustRegister(downloadRejections)
	prometheus.MustRegister(remoteImageFetchErrors)
	prometheus.MustRegister(downloadSeconds)
	prometheus.MustRegister(diskWriteErrors)
}
