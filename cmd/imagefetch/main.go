// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

// imagefetch starts an HTTP server that fetches, resizes, and caches
// remote images.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/die-net/lrucache"
	"github.com/die-net/lrucache/twotier"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/mux"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	rediscache "github.com/gregjones/httpcache/redis"
	"github.com/peterbourgon/diskv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"willnorris.com/go/imagefetch"
	"willnorris.com/go/imagefetch/internal/config"
	"willnorris.com/go/imagefetch/internal/s3cache"
)

// defaultMemorySize is the size in megabytes of a "memory" HTTP cache.
const defaultMemorySize = 100

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imagefetch: %v\n", err)
		os.Exit(2)
	}

	logger := zap.Must(zap.NewProduction())
	if cfg.Verbose {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("imagefetch exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Flush()

	if cfg.Cleanup {
		n, err := engine.Cleanup()
		if err != nil {
			return fmt.Errorf("cleaning up %s: %w", cfg.Root, err)
		}
		logger.Info("removed cached files", zap.Int("count", n), zap.String("root", cfg.Root))
	}

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: newRouter(engine, logger),

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("imagefetch listening", zap.String("addr", server.Addr))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newEngine builds the Engine described by cfg.
func newEngine(cfg config.Config, logger *zap.Logger) (*imagefetch.Engine, error) {
	store, err := imagefetch.NewDiskStore(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("opening storage root: %w", err)
	}
	cache, err := imagefetch.NewLRUCache(cfg.MemoryEntries)
	if err != nil {
		return nil, err
	}

	var httpCache tieredCache
	if err := httpCache.Set(cfg.HTTPCache, logger); err != nil {
		return nil, err
	}

	fetcher := imagefetch.NewHTTPFetcher(nil, httpCache.Cache)
	fetcher.UserAgent = cfg.UserAgent
	fetcher.Client.Timeout = cfg.Timeout

	return imagefetch.New(fetcher, store,
		imagefetch.WithCache(cache),
		imagefetch.WithLogger(logger),
		imagefetch.WithMaxDownloads(cfg.MaxDownloads),
		imagefetch.WithRetryDelay(cfg.RetryDelay),
	), nil
}

func newRouter(engine *imagefetch.Engine, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Handle("/metrics", promhttp.Handler())
	r.PathPrefix("/").Handler(&imagefetch.Handler{Engine: engine, Logger: logger})
	return r
}

// tieredCache combines several HTTP caches, listed from fastest to
// slowest, using the twotier package.
type tieredCache struct {
	httpcache.Cache
}

// Set adds the space separated caches in value as lower tiers.
func (tc *tieredCache) Set(value string, logger *zap.Logger) error {
	for _, v := range strings.Fields(value) {
		c, err := parseCache(v, logger)
		if err != nil {
			return err
		}

		if tc.Cache == nil {
			tc.Cache = c
		} else {
			tc.Cache = twotier.New(tc.Cache, c)
		}
	}
	return nil
}

// parseCache returns the HTTP cache described by c, which is one of
//
//	memory[:maxSize[:maxAge]]
//	redis://host:port
//	s3://region/bucket/prefix
//	file:///path or /path
func parseCache(c string, logger *zap.Logger) (httpcache.Cache, error) {
	if c == "" {
		return nil, nil
	}

	if c == "memory" {
		c = fmt.Sprintf("memory:%d", defaultMemorySize)
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache %q: %w", c, err)
	}

	switch u.Scheme {
	case "memory":
		return lruCache(u.Opaque)
	case "redis":
		conn, err := redis.DialURL(u.String(), redis.DialPassword(os.Getenv("REDIS_PASSWORD")))
		if err != nil {
			return nil, err
		}
		return rediscache.NewWithClient(conn), nil
	case "s3":
		return s3cache.New(u.String(), logger)
	case "file":
		return diskCache(u.Path), nil
	default:
		return diskCache(c), nil
	}
}

// lruCache creates an LRU cache with options of the form
// "maxSize:maxAge".  maxSize is in megabytes, maxAge is a duration.
func lruCache(options string) (*lrucache.LruCache, error) {
	size, ageStr, _ := strings.Cut(options, ":")
	mb, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid memory cache size %q: %w", size, err)
	}

	var age time.Duration
	if ageStr != "" {
		if age, err = time.ParseDuration(ageStr); err != nil {
			return nil, err
		}
	}
	return lrucache.New(mb*1e6, int64(age.Seconds())), nil
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
