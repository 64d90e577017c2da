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

package kv

import (
	"context"
	stderrors "errors"
	"os"
	"sync"

	"github.com/erigontech/mdbx-go/mdbx"

	"github.com/persipubsub/persipubsub/errs"
)

// env wraps an *mdbx.Env and caches DBI handles by name, the way a
// long-lived process must: an MDBX DBI handle is opened once and then
// shared across every subsequent transaction.
type env struct {
	mdbxEnv *mdbx.Env

	mu   sync.RWMutex
	dbis map[string]mdbx.DBI

	closeOnce sync.Once
}

// Open creates or opens an MDBX environment rooted at path with the
// given caps. The directory is created if missing.
func Open(path string, opts Options) (RwDB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errs.Wrap(errs.Storage, err, "creating queue directory %q", path)
	}

	e, err := mdbx.NewEnv(mdbx.Default)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err, "allocating mdbx environment")
	}
	if err := e.SetOption(mdbx.OptMaxDB, uint64(opts.MaxNamedDBs)); err != nil {
		return nil, errs.Wrap(errs.Storage, err, "setting max named dbs")
	}
	if err := e.SetOption(mdbx.OptMaxReaders, uint64(opts.MaxReaders)); err != nil {
		return nil, errs.Wrap(errs.Storage, err, "setting max readers")
	}
	if err := e.SetGeometry(-1, -1, int(opts.MapSizeBytes), -1, -1, -1); err != nil {
		return nil, errs.Wrap(errs.Storage, err, "setting map size")
	}

	if err := e.Open(path, mdbx.Coalesce|mdbx.LifoReclaim, 0o644); err != nil {
		if mdbx.IsErrno(err, mdbx.MapFull) {
			return nil, errs.Wrap(errs.Capacity, err, "opening mdbx environment at %q", path)
		}
		return nil, errs.Wrap(errs.Storage, err, "opening mdbx environment at %q", path)
	}

	return &env{mdbxEnv: e, dbis: make(map[string]mdbx.DBI)}, nil
}

func (e *env) dbiFlags() uint {
	return mdbx.Create
}

// ensureDBI returns the cached DBI handle for name, opening (and
// caching) it within tx if this is the first reference.
func (e *env) ensureDBI(tx *mdbx.Txn, name string, create bool) (mdbx.DBI, error) {
	e.mu.RLock()
	dbi, ok := e.dbis[name]
	e.mu.RUnlock()
	if ok {
		return dbi, nil
	}

	flags := uint(0)
	if create {
		flags = e.dbiFlags()
	}
	dbi, err := tx.OpenDBI(name, flags, nil, nil)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return 0, errs.Wrap(errs.Storage, NewNotFoundError(name), "sub-database %q", name)
		}
		return 0, errs.Wrap(errs.Storage, err, "opening sub-database %q", name)
	}

	e.mu.Lock()
	e.dbis[name] = dbi
	e.mu.Unlock()
	return dbi, nil
}

func (e *env) forgetDBI(name string) {
	e.mu.Lock()
	delete(e.dbis, name)
	e.mu.Unlock()
}

func (e *env) View(_ context.Context, f func(tx Tx) error) error {
	err := e.mdbxEnv.View(func(txn *mdbx.Txn) error {
		return f(&roTx{env: e, txn: txn})
	})
	return translateTxErr(err)
}

func (e *env) Update(_ context.Context, f func(tx RwTx) error) error {
	err := e.mdbxEnv.Update(func(txn *mdbx.Txn) error {
		return f(&rwTx{roTx: roTx{env: e, txn: txn}})
	})
	return translateTxErr(err)
}

func (e *env) Close() error {
	e.closeOnce.Do(func() {
		e.mdbxEnv.Close()
	})
	return nil
}

func translateTxErr(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*errs.Error); ok {
		return pe
	}
	if mdbx.IsErrno(err, mdbx.MapFull) {
		return errs.Wrap(errs.Capacity, err, "mdbx map full")
	}
	return errs.Wrap(errs.Storage, err, "mdbx transaction")
}

// roTx implements Tx over an *mdbx.Txn.
type roTx struct {
	env *env
	txn *mdbx.Txn
}

func (t *roTx) Get(dbName string, key []byte) ([]byte, bool, error) {
	dbi, err := t.env.ensureDBI(t.txn, dbName, false)
	if err != nil {
		return nil, false, err
	}
	val, err := t.txn.Get(dbi, key)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.Storage, err, "get from %q", dbName)
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (t *roTx) Cursor(dbName string) (Cursor, error) {
	dbi, err := t.env.ensureDBI(t.txn, dbName, false)
	if err != nil {
		return nil, err
	}
	c, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err, "opening cursor on %q", dbName)
	}
	return &cursor{c: c}, nil
}

func (t *roTx) Stat(dbName string) (Stat, error) {
	dbi, err := t.env.ensureDBI(t.txn, dbName, false)
	if err != nil {
		return Stat{}, err
	}
	st, err := t.txn.StatDBI(dbi)
	if err != nil {
		return Stat{}, errs.Wrap(errs.Storage, err, "stat of %q", dbName)
	}
	return Stat{
		Entries:       st.Entries,
		PageSize:      uint64(st.PSize),
		BranchPages:   st.BranchPages,
		LeafPages:     st.LeafPages,
		OverflowPages: st.OverflowPages,
	}, nil
}

// rwTx implements RwTx, adding mutation to roTx.
type rwTx struct {
	roTx
}

func (t *rwTx) Put(dbName string, key, val []byte) error {
	dbi, err := t.env.ensureDBI(t.txn, dbName, true)
	if err != nil {
		return err
	}
	if err := t.txn.Put(dbi, key, val, 0); err != nil {
		if mdbx.IsErrno(err, mdbx.MapFull) {
			return errs.Wrap(errs.Capacity, err, "put into %q", dbName)
		}
		return errs.Wrap(errs.Storage, err, "put into %q", dbName)
	}
	return nil
}

func (t *rwTx) Delete(dbName string, key []byte) error {
	dbi, err := t.env.ensureDBI(t.txn, dbName, false)
	if err != nil {
		if IsNotFound(errorsCause(err)) {
			return nil
		}
		return err
	}
	if err := t.txn.Del(dbi, key, nil); err != nil {
		if mdbx.IsNotFound(err) {
			return nil
		}
		return errs.Wrap(errs.Storage, err, "delete from %q", dbName)
	}
	return nil
}

func (t *rwTx) CreateDB(dbName string) error {
	_, err := t.env.ensureDBI(t.txn, dbName, true)
	return err
}

func (t *rwTx) Drop(dbName string, del bool) error {
	dbi, err := t.env.ensureDBI(t.txn, dbName, true)
	if err != nil {
		return err
	}
	if err := t.txn.Drop(dbi, del); err != nil {
		return errs.Wrap(errs.Storage, err, "dropping %q", dbName)
	}
	if del {
		t.env.forgetDBI(dbName)
	}
	return nil
}

// errorsCause unwraps err to its innermost cause so Delete can
// special-case a not-found sub-database regardless of how many
// errs.Wrap layers sit on top of it.
func errorsCause(err error) error {
	for {
		unwrapped := stderrors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
}

// cursor implements Cursor over an *mdbx.Cursor.
type cursor struct {
	c *mdbx.Cursor
}

func (cur *cursor) First() ([]byte, []byte, error) { return cur.get(mdbx.First) }
func (cur *cursor) Last() ([]byte, []byte, error)  { return cur.get(mdbx.Last) }
func (cur *cursor) Next() ([]byte, []byte, error)  { return cur.get(mdbx.Next) }
func (cur *cursor) Prev() ([]byte, []byte, error)  { return cur.get(mdbx.Prev) }

func (cur *cursor) get(op mdbx.CursorOp) ([]byte, []byte, error) {
	k, v, err := cur.c.Get(nil, nil, op)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, errs.Wrap(errs.Storage, err, "cursor positioning")
	}
	ck := make([]byte, len(k))
	copy(ck, k)
	cv := make([]byte, len(v))
	copy(cv, v)
	return ck, cv, nil
}

func (cur *cursor) Close() {
	cur.c.Close()
}
