// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache resolves trace file references to local readable
// files. Local paths pass through untouched; remote references
// (gs://...) are fetched once into a scratch directory, with the
// remote-to-local mapping persisted in BadgerDB so later loads skip
// the network.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianProf/services/profiler/storage/badger"
)

// ErrUnsupportedScheme indicates a remote reference with no registered
// fetcher.
var ErrUnsupportedScheme = errors.New("no fetcher registered for scheme")

// Fetcher downloads one remote trace file to local storage.
//
// Implementations must be safe for concurrent use; the loader resolves
// many files at once.
type Fetcher interface {
	Fetch(ctx context.Context, remote string) (string, error)
}

// TraceCache maps trace references to local files.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent resolutions of the same remote
//	reference are coalesced into a single fetch.
type TraceCache struct {
	db       *badger.DB
	fetchers map[string]Fetcher
	logger   *slog.Logger
	group    singleflight.Group
}

// New creates a TraceCache backed by the given registry database.
// A nil logger falls back to slog.Default().
func New(db *badger.DB, logger *slog.Logger) *TraceCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceCache{
		db:       db,
		fetchers: make(map[string]Fetcher),
		logger:   logger,
	}
}

// RegisterFetcher installs a fetcher for a URL scheme ("gs", "s3").
// Call before the first ResolveLocal; not safe concurrently with it.
func (c *TraceCache) RegisterFetcher(scheme string, f Fetcher) {
	c.fetchers[scheme] = f
}

// ResolveLocal returns a local readable path for the given trace
// reference, fetching it first when remote and not already cached.
func (c *TraceCache) ResolveLocal(ctx context.Context, path string) (string, error) {
	scheme := schemeOf(path)
	if scheme == "" {
		return path, nil
	}

	if local, ok := c.lookup(path); ok {
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
		// Cached copy vanished; refetch below.
		c.logger.Debug("cached trace missing on disk, refetching",
			slog.String("remote", path), slog.String("local", local))
	}

	fetcher, ok := c.fetchers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}

	local, err, _ := c.group.Do(path, func() (any, error) {
		local, err := fetcher.Fetch(ctx, path)
		if err != nil {
			return "", err
		}
		if err := c.store(path, local); err != nil {
			// The fetch succeeded; a registry write failure only costs
			// a refetch next time.
			c.logger.Warn("failed to persist cache mapping",
				slog.String("remote", path), slog.Any("error", err))
		}
		return local, nil
	})
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", path, err)
	}
	return local.(string), nil
}

// Register records that the trace actually parsed lives at actual
// rather than at the resolved local path. The parser reports this when
// it inflates a compressed trace to a scratch file.
func (c *TraceCache) Register(ctx context.Context, key, actual string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store(key, actual)
}

func (c *TraceCache) lookup(key string) (string, bool) {
	var local string
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			local = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false
	}
	return local, true
}

func (c *TraceCache) store(key, local string) error {
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), []byte(local))
	})
}

// schemeOf returns the URL scheme of a reference, or "" for plain
// filesystem paths.
func schemeOf(path string) string {
	idx := strings.Index(path, "://")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
