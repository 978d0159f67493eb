// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

// Package config holds the settings of the imagefetch server.  Settings
// come from built-in defaults, an optional YAML file, IMAGEFETCH_*
// environment variables, and command line flags, each overriding the one
// before.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"willnorris.com/go/imagefetch"
	"willnorris.com/go/imagefetch/internal/envy"
)

// EnvPrefix is the prefix of environment variables naming flags.
const EnvPrefix = "IMAGEFETCH"

// Config is the server configuration.
type Config struct {
	Addr          string        `yaml:"addr"`
	Root          string        `yaml:"root"`
	MemoryEntries int           `yaml:"memoryEntries"`
	MaxDownloads  int           `yaml:"maxDownloads"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	HTTPCache     string        `yaml:"httpCache"`
	UserAgent     string        `yaml:"userAgent"`
	Verbose       bool          `yaml:"verbose"`
	Timeout       time.Duration `yaml:"timeout"`
	Cleanup       bool          `yaml:"cleanup"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:          "localhost:8080",
		Root:          "imagefetch-data",
		MemoryEntries: imagefetch.DefaultCacheEntries,
		MaxDownloads:  imagefetch.DefaultMaxDownloads,
		RetryDelay:    imagefetch.DefaultRetryDelay,
		UserAgent:     "imagefetch",
	}
}

// Load returns the default configuration overlaid with the YAML file at
// path.  Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parsing %s: %w", path, err)
	}
	return c, c.Validate()
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if c.Root == "" {
		errs = append(errs, errors.New("root is empty"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("retryDelay must be positive, got %v", c.RetryDelay))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %v", c.Timeout))
	}
	return errors.Join(errs...)
}

// RegisterFlags defines a flag in fs for every setting, defaulting to
// and storing into c.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "TCP address to listen on")
	fs.StringVar(&c.Root, "root", c.Root, "directory holding cached images")
	fs.IntVar(&c.MemoryEntries, "memoryEntries", c.MemoryEntries, "number of decoded images kept in memory")
	fs.IntVar(&c.MaxDownloads, "maxDownloads", c.MaxDownloads, "outstanding downloads above which sized requests are refused; negative disables")
	fs.DurationVar(&c.RetryDelay, "retryDelay", c.RetryDelay, "delay before retrying a refused request")
	fs.StringVar(&c.HTTPCache, "httpCache", c.HTTPCache, "space separated list of caches for upstream HTTP responses")
	fs.StringVar(&c.UserAgent, "userAgent", c.UserAgent, "user agent sent to remote servers")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "print verbose logging messages")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "time limit for fetching a remote image")
	fs.BoolVar(&c.Cleanup, "cleanup", c.Cleanup, "remove cached files at startup")
}

// Parse builds the configuration from command line args and the
// environment, as reported by lookup.  A -config flag (or the
// IMAGEFETCH_CONFIG variable) names a YAML file whose settings apply
// beneath those given by flags or the environment.
func Parse(name string, args []string, lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c.RegisterFlags(fs)
	path := fs.String("config", "", "YAML configuration file")

	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if err := envy.Update(EnvPrefix, fs, lookup); err != nil {
		return c, err
	}
	if *path == "" {
		return c, c.Validate()
	}

	file, err := Load(*path)
	if err != nil {
		return c, err
	}

	// reapply everything given by flags or the environment on top of the file
	overrides := flag.NewFlagSet(name, flag.ContinueOnError)
	file.RegisterFlags(overrides)
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			return
		}
		if serr := overrides.Set(f.Name, f.Value.String()); serr != nil && err == nil {
			err = serr
		}
	})
	if err != nil {
		return file, err
	}
	return file, file.Validate()
}
