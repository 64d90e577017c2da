// Copyright 2026 The Persipubsub Authors
// This file is part of Persipubsub.
//
// Persipubsub is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Persipubsub is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Persipubsub. If not, see <http://www.gnu.org/licenses/>.

// Package kv is the thin contract persipubsub drives the embedded
// transactional store through. It names exactly the operations the
// queue engine needs (§4.2 of the spec): open an environment with
// caps, begin read-only or read-write transactions, point get/put/
// delete, cursor iteration, sub-database drop, and stat. A single
// implementation (kv/mdbx.go) backs it with MDBX, the same store
// family the teacher codebase drives its chaindata through.
package kv

import "context"

// Variables naming, borrowed from the teacher's own convention:
//
//	tx  - a transaction (read-only or read-write)
//	dbi - a named sub-database handle
//	k/v - key/value
//
// Methods naming:
//
//	Get    - exact match lookup
//	First/Last/Next/Prev - cursor positioning

// Stat reports a sub-database's page-level statistics, the only size
// signal the retention logic (Queue.ApproxDataSize, Queue.CountMsgs)
// consults.
type Stat struct {
	Entries       uint64
	PageSize      uint64
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
}

// Options configure a freshly opened Environment.
type Options struct {
	// MapSizeBytes bounds the memory-mapped file size; exceeding it
	// surfaces as errs.Capacity.
	MapSizeBytes uint64
	MaxReaders   int
	MaxNamedDBs  int
}

// Cursor iterates a sub-database's keys in lexicographic order.
type Cursor interface {
	// First positions at the smallest key. Returns (nil, nil, nil) if
	// the sub-database is empty.
	First() (k, v []byte, err error)
	// Last positions at the largest key.
	Last() (k, v []byte, err error)
	// Next advances to the next key after the cursor's current
	// position.
	Next() (k, v []byte, err error)
	// Prev moves to the key preceding the cursor's current position.
	Prev() (k, v []byte, err error)
	// Close releases the cursor. Safe to call more than once.
	Close()
}

// Tx is a read-only (or the read portion of a read-write) transaction.
// A Tx and any Cursor opened from it must only be used from the
// goroutine that created them and must not outlive the transaction.
type Tx interface {
	// Get returns the value stored for key in the named sub-database,
	// or (nil, false, nil) if absent.
	Get(dbName string, key []byte) (val []byte, found bool, err error)
	// Cursor opens a cursor over the named sub-database. The
	// sub-database must already exist; otherwise the error wraps a
	// not-found error that IsNotFound recognizes.
	Cursor(dbName string) (Cursor, error)
	// Stat returns page-level statistics for the named sub-database.
	Stat(dbName string) (Stat, error)
}

// RwTx extends Tx with mutation and schema operations. All writes
// made through an RwTx become visible to other transactions only on
// Commit.
type RwTx interface {
	Tx
	// Put inserts or overwrites key/value in the named sub-database.
	Put(dbName string, key, val []byte) error
	// Delete removes key from the named sub-database. Deleting an
	// absent key is not an error.
	Delete(dbName string, key []byte) error
	// CreateDB creates the named sub-database if it does not already
	// exist. Idempotent.
	CreateDB(dbName string) error
	// Drop clears every entry in the named sub-database. If del is
	// true the sub-database handle itself is also removed.
	Drop(dbName string, del bool) error
}

// RoDB is a store environment opened for read-only access to an
// existing set of sub-databases.
type RoDB interface {
	// View runs f inside a read-only transaction with MVCC snapshot
	// isolation. The transaction is always rolled back on return.
	View(ctx context.Context, f func(tx Tx) error) error
	// Close releases the environment handle. Repeat calls are a no-op.
	Close() error
}

// RwDB is a store environment opened for both read and write access.
// One RwDB exists per (process, directory) pair; the underlying
// store's file lock arbitrates writers across processes, and the
// environment package's registry arbitrates duplicate opens within one
// process.
type RwDB interface {
	RoDB
	// Update runs f inside a single read-write transaction, serialized
	// against every other writer by the store's single writer lock. If
	// f returns an error, or Commit fails, the transaction is aborted.
	Update(ctx context.Context, f func(tx RwTx) error) error
}

// notFoundErr is returned (wrapped in errs.Storage) by Tx and RwTx
// operations when the named sub-database does not exist; distinguished
// so callers such as queuedata.Retrieve can tell "missing" apart from
// other failures.
type notFoundErr struct{ what string }

func (e *notFoundErr) Error() string { return e.what + " not found" }

// NewNotFoundError builds the sentinel error kv.IsNotFound recognizes.
func NewNotFoundError(what string) error { return &notFoundErr{what: what} }

// IsNotFound reports whether err denotes a missing sub-database.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundErr)
	return ok
}
