// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies in-memory database creation works.
func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("gs://bucket/run/worker0.pt.trace.json"), []byte("/scratch/worker0.pt.trace.json"))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("gs://bucket/run/worker0.pt.trace.json"))
		require.NoError(t, err)

		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("/scratch/worker0.pt.trace.json"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpenPersistent verifies mappings survive a close/reopen cycle.
func TestOpenPersistent(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0 // no GC goroutine in tests

	db, err := Open(cfg)
	require.NoError(t, err)

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("remote"), []byte("local"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	err = db2.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("remote"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("local"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
