// Copyright 2024 The imagefetch authors.
// SPDX-License-Identifier: Apache-2.0

// Package s3cache provides an httpcache.Cache that keeps upstream HTTP
// responses in an S3 bucket, so that several imagefetch servers can share
// a response cache.
package s3cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"

	"willnorris.com/go/imagefetch"
)

// requestTimeout bounds every call to S3.  The httpcache.Cache interface
// carries no context, so the cache supplies its own.
const requestTimeout = 10 * time.Second

// entry is the stored form of a cached response.
type entry struct {
	Data    []byte    `json:"data"`
	Expires time.Time `json:"expires,omitempty"`
}

// Cache stores cached responses as objects in an S3 bucket.
type Cache struct {
	client s3iface.S3API
	bucket string
	prefix string

	// TTL is how long entries remain valid.  Zero means entries never
	// expire.
	TTL time.Duration

	Logger *zap.Logger
}

// objectKey returns the object name for a cache key.  Cache keys are
// URLs, so they are hashed the same way image identities are.
func (c *Cache) objectKey(key string) string {
	return path.Join(c.prefix, string(imagefetch.Derive(key)))
}

// Get implements httpcache.Cache.
func (c *Cache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	name := c.objectKey(key)
	resp, err := c.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		var aerr awserr.Error
		if !errors.As(err, &aerr) || aerr.Code() != s3.ErrCodeNoSuchKey {
			c.Logger.Warn("error reading from s3", zap.String("object", name), zap.Error(err))
		}
		return nil, false
	}
	defer resp.Body.Close()

	var e entry
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		c.Logger.Warn("error decoding s3 cache entry", zap.String("object", name), zap.Error(err))
		return nil, false
	}
	if !e.Expires.IsZero() && time.Now().After(e.Expires) {
		go c.Delete(key)
		return nil, false
	}
	return e.Data, true
}

// Set implements httpcache.Cache.
func (c *Cache) Set(key string, value []byte) {
	e := entry{Data: value}
	if c.TTL > 0 {
		e.Expires = time.Now().Add(c.TTL)
	}
	b, err := json.Marshal(e)
	if err != nil {
		c.Logger.Warn("error encoding s3 cache entry", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	name := c.objectKey(key)
	_, err = c.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(b),
	})
	if err != nil {
		c.Logger.Warn("error writing to s3", zap.String("object", name), zap.Error(err))
	}
}

// Delete implements httpcache.Cache.
func (c *Cache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	name := c.objectKey(key)
	_, err := c.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		c.Logger.Warn("error deleting from s3", zap.String("object", name), zap.Error(err))
	}
}

// New constructs a Cache from a URL of the form
//
//	s3://region/bucket/optional-path-prefix
//
// The query parameters endpoint, disableSSL=1 and s3ForcePathStyle=1
// configure S3-compatible services, and ttl sets Cache.TTL as a duration
// such as "24h".
func New(s string, logger *zap.Logger) (*Cache, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("s3cache: unsupported scheme %q", u.Scheme)
	}

	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("s3cache: no bucket in %q", s)
	}

	q := u.Query()
	var ttl time.Duration
	if v := q.Get("ttl"); v != "" {
		if ttl, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("s3cache: invalid ttl: %w", err)
		}
	}

	config := aws.NewConfig().WithRegion(u.Host)
	if v := q.Get("endpoint"); v != "" {
		config = config.WithEndpoint(v)
	}
	if q.Get("disableSSL") == "1" {
		config = config.WithDisableSSL(true)
	}
	if q.Get("s3ForcePathStyle") == "1" {
		config = config.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, err
	}
	return newCache(s3.New(sess), bucket, prefix, ttl, logger), nil
}

func newCache(client s3iface.S3API, bucket, prefix string, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client: client,
		bucket: bucket,
		prefix: prefix,
		TTL:    ttl,
		Logger: logger,
	}
}
