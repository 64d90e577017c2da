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

// Package environment owns the one store handle a process may hold
// open per queue directory (§4.7 of the spec), and builds the
// Control/Publisher/Subscriber facades on top of it. A directory's
// writer lock is an exclusive advisory lock file on disk: while one
// process holds a directory open, Open for that directory in any other
// process fails with errs.PreconditionViolated, so processes do not
// share a directory concurrently. Two Opens of the same directory
// within one process share a single underlying handle instead of
// racing to mmap it twice.
package environment

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/persipubsub/persipubsub/control"
	"github.com/persipubsub/persipubsub/errs"
	"github.com/persipubsub/persipubsub/kv"
	"github.com/persipubsub/persipubsub/publisher"
	"github.com/persipubsub/persipubsub/queue"
	"github.com/persipubsub/persipubsub/subscriber"
)

// Process-wide defaults, matching the original implementation's
// environment geometry.
const (
	DefaultMaxReaders  = 1024
	DefaultMaxNamedDBs = 1024
)

// DefaultMapSize is 32 GiB, the original implementation's default
// memory map ceiling.
const DefaultMapSize = 32 << 30

// Options configure Open. Zero values fall back to the process-wide
// defaults above.
type Options struct {
	MapSizeBytes uint64
	MaxReaders   int
	MaxNamedDBs  int
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MapSizeBytes == 0 {
		o.MapSizeBytes = DefaultMapSize
	}
	if o.MaxReaders == 0 {
		o.MaxReaders = DefaultMaxReaders
	}
	if o.MaxNamedDBs == 0 {
		o.MaxNamedDBs = DefaultMaxNamedDBs
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Environment is a process-local handle onto one queue directory. All
// Control/Publisher/Subscriber facades it builds share the same
// underlying kv.RwDB, so commits by one are immediately visible to the
// others (subject to the store's own MVCC isolation).
type Environment struct {
	dir    string
	db     kv.RwDB
	flock  *flock.Flock
	logger *zap.Logger

	mu       sync.Mutex
	refCount int
	closed   bool
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Environment)
)

// Open returns the Environment for dir, opening its store handle and
// acquiring dir's advisory writer lock on first use by this process,
// or returning the already-open Environment (with its reference count
// incremented) on subsequent calls for the same canonicalized
// directory. Close must be called once per Open call.
func Open(dir string, opts Options) (*Environment, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err, "resolving queue directory %q", dir)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if env, ok := registry[abs]; ok {
		env.mu.Lock()
		env.refCount++
		env.mu.Unlock()
		return env, nil
	}

	opts = opts.withDefaults()

	fl := flock.New(filepath.Join(abs, ".persipubsub.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err, "acquiring writer lock on %q", abs)
	}
	if !locked {
		return nil, errs.New(errs.PreconditionViolated, "queue directory %q is already locked by another process", abs)
	}

	db, err := kv.Open(abs, kv.Options{
		MapSizeBytes: opts.MapSizeBytes,
		MaxReaders:   opts.MaxReaders,
		MaxNamedDBs:  opts.MaxNamedDBs,
	})
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	env := &Environment{
		dir:      abs,
		db:       db,
		flock:    fl,
		logger:   opts.Logger.Named("environment").With(zap.String("dir", abs)),
		refCount: 1,
	}
	registry[abs] = env
	env.logger.Info("environment opened")
	return env, nil
}

// DB exposes the underlying store handle for callers that need lower
// level access (e.g. tests seeding queue_db directly).
func (e *Environment) DB() kv.RwDB { return e.db }

// NewControl builds a Control over this Environment's store handle.
func (e *Environment) NewControl() *control.Control {
	return control.New(e.db, control.Options{Logger: e.logger})
}

// NewPublisher opens a Queue over this Environment's store handle and
// wraps it in a Publisher. The directory must already be initialized
// (see Control.Init). autosync controls whether the returned
// Publisher's SendMany commits one message per transaction instead of
// batching the whole slice (see publisher.Options.Autosync).
func (e *Environment) NewPublisher(ctx context.Context, opts queue.Options, autosync bool) (*publisher.Publisher, error) {
	if opts.Logger == nil {
		opts.Logger = e.logger
	}
	q, err := queue.Open(ctx, e.db, opts)
	if err != nil {
		return nil, err
	}
	return publisher.New(q, publisher.Options{Autosync: autosync}), nil
}

// NewSubscriber opens a Queue over this Environment's store handle and
// wraps it in a Subscriber scoped to subID.
func (e *Environment) NewSubscriber(ctx context.Context, subID string, opts queue.Options) (*subscriber.Subscriber, error) {
	if opts.Logger == nil {
		opts.Logger = e.logger
	}
	q, err := queue.Open(ctx, e.db, opts)
	if err != nil {
		return nil, err
	}
	return subscriber.New(q, subID), nil
}

// Close releases this caller's reference. The underlying store handle
// and writer lock are only released once every Open call for dir has
// been matched by a Close.
func (e *Environment) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.refCount--
	if e.refCount > 0 {
		return nil
	}

	e.closed = true
	delete(registry, e.dir)
	e.logger.Info("environment closed")

	dbErr := e.db.Close()
	lockErr := e.flock.Unlock()
	if dbErr != nil {
		return errs.Wrap(errs.Storage, dbErr, "closing store at %q", e.dir)
	}
	if lockErr != nil {
		return errs.Wrap(errs.Storage, lockErr, "releasing writer lock on %q", e.dir)
	}
	return nil
}
