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

// Package queue is the core engine: the transactional put/front/pop
// protocol, per-message fan-out bookkeeping, and the retention/pruning
// policy described in §4.5 of the spec. A Queue caches its
// configuration and subscriber set at Open time; that snapshot is
// refreshed only by re-opening, never mutated in place.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/persipubsub/persipubsub/codec"
	"github.com/persipubsub/persipubsub/config"
	"github.com/persipubsub/persipubsub/errs"
	"github.com/persipubsub/persipubsub/kv"
	"github.com/persipubsub/persipubsub/queuedata"
	"github.com/persipubsub/persipubsub/schema"
)

// Options configure Open. All fields are optional.
type Options struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// Name labels log lines and metrics emitted by this Queue; it has
	// no effect on the on-disk schema.
	Name string
}

// Queue owns the persistent message flow over a single store
// environment. It is safe for concurrent use by multiple goroutines:
// every operation opens its own store transaction.
type Queue struct {
	db kv.RwDB

	hwm         config.HighWaterMark
	strategy    config.Strategy
	subscribers map[string]struct{}

	logger  *zap.Logger
	metrics *metrics
}

// Open loads configuration via queuedata.Retrieve, creates any
// missing core or subscriber sub-databases, and caches HighWaterMark,
// Strategy, and the subscriber set for the lifetime of the returned
// Queue. It fails with errs.NotInitialized if db has never had
// Control.Init run against it.
func Open(ctx context.Context, db kv.RwDB, opts Options) (*Queue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	name := opts.Name
	if name == "" {
		name = "default"
	}

	qd, err := queuedata.RetrieveFromEnv(ctx, db)
	if err != nil {
		return nil, err
	}
	for sub := range qd.Subscribers {
		if schema.IsReservedName(sub) {
			return nil, errs.New(errs.PreconditionViolated, "subscriber id %q collides with a reserved sub-database name", sub)
		}
	}

	err = db.Update(ctx, func(tx kv.RwTx) error {
		for _, dbName := range schema.CoreDBs {
			if err := tx.CreateDB(dbName); err != nil {
				return err
			}
		}
		for sub := range qd.Subscribers {
			if err := tx.CreateDB(sub); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q := &Queue{
		db:          db,
		hwm:         qd.HighWaterMark,
		strategy:    qd.Strategy,
		subscribers: qd.Subscribers,
		logger:      logger.Named("queue").With(zap.String("queue", name)),
		metrics:     newMetrics(reg, name),
	}
	q.logger.Info("queue opened", zap.Int("subscribers", len(qd.Subscribers)))
	return q, nil
}

// Subscribers returns a copy of the subscriber set cached at Open.
func (q *Queue) Subscribers() map[string]struct{} {
	out := make(map[string]struct{}, len(q.subscribers))
	for s := range q.subscribers {
		out[s] = struct{}{}
	}
	return out
}

// HighWaterMark returns the retention limits cached at Open.
func (q *Queue) HighWaterMark() config.HighWaterMark { return q.hwm }

// Strategy returns the eviction strategy cached at Open.
func (q *Queue) Strategy() config.Strategy { return q.strategy }

// newMessageID builds a lexicographically-sortable, practically
// unique id: a fixed-width zero-padded UTC nanosecond timestamp
// followed by a type-4 UUID. The timestamp prefix gives approximate
// FIFO ordering; uniqueness comes from the UUID suffix.
func newMessageID() string {
	return fmt.Sprintf("%020d%s", time.Now().UTC().UnixNano(), uuid.New().String())
}

// Put enqueues msg for every cached subscriber in a single
// transaction, after running cleanup. See PutManyFlushOnce for
// batched publication.
func (q *Queue) Put(ctx context.Context, msg []byte) error {
	if err := q.Cleanup(ctx); err != nil {
		return err
	}
	return q.db.Update(ctx, func(tx kv.RwTx) error {
		_, err := q.putLocked(tx, msg)
		return err
	})
}

// PutManyFlushOnce enqueues every message in msgs inside a single
// transaction (one id per message), after running cleanup once. It is
// the batched counterpart to Put for publishers that want atomic
// multi-message visibility and amortized commit cost.
func (q *Queue) PutManyFlushOnce(ctx context.Context, msgs [][]byte) error {
	if err := q.Cleanup(ctx); err != nil {
		return err
	}
	return q.db.Update(ctx, func(tx kv.RwTx) error {
		for _, msg := range msgs {
			if _, err := q.putLocked(tx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *Queue) putLocked(tx kv.RwTx, msg []byte) (string, error) {
	id := newMessageID()
	key := []byte(id)

	if err := tx.Put(schema.PendingDB, key, codec.IntToBytes(uint64(len(q.subscribers)))); err != nil {
		return "", err
	}
	if err := tx.Put(schema.MetaDB, key, codec.IntToBytes(uint64(time.Now().UTC().Unix()))); err != nil {
		return "", err
	}
	if err := tx.Put(schema.DataDB, key, msg); err != nil {
		return "", err
	}
	for sub := range q.subscribers {
		if err := tx.Put(sub, key, []byte{}); err != nil {
			return "", err
		}
	}
	return id, nil
}

// Front non-destructively peeks at a subscriber's oldest pending
// message. found is false if the subscriber's inbox is empty.
func (q *Queue) Front(ctx context.Context, subID string) (msgID string, msg []byte, found bool, err error) {
	err = q.db.View(ctx, func(tx kv.Tx) error {
		cur, cerr := tx.Cursor(subID)
		if cerr != nil {
			if kv.IsNotFound(errCause(cerr)) {
				return errs.New(errs.PreconditionViolated, "unknown subscriber %q", subID)
			}
			return cerr
		}
		defer cur.Close()

		k, _, cerr := cur.First()
		if cerr != nil {
			return cerr
		}
		if k == nil {
			return nil
		}

		val, ok, cerr := tx.Get(schema.DataDB, k)
		if cerr != nil {
			return cerr
		}
		if !ok {
			// The subscriber still points at an id whose payload a
			// concurrent prune already removed; report no message
			// rather than a dangling id.
			return nil
		}
		msgID = string(k)
		msg = val
		found = true
		return nil
	})
	return
}

// pop is the shared implementation backing Pop (explicit id) and
// PopHead (cursor-selected id). Passing an explicit id is the correct
// acknowledgment idiom for a caller that peeked earlier via Front: it
// closes the race where a concurrent consumer of the same subscriber
// has already advanced the head.
func (q *Queue) pop(ctx context.Context, subID string, msgID *string) (string, error) {
	var poppedID string
	err := q.db.Update(ctx, func(tx kv.RwTx) error {
		var key []byte
		if msgID != nil {
			key = []byte(*msgID)
			_, found, err := tx.Get(subID, key)
			if err != nil {
				if kv.IsNotFound(errCause(err)) {
					return errs.New(errs.PreconditionViolated, "unknown subscriber %q", subID)
				}
				return err
			}
			if !found {
				return errs.New(errs.Empty, "message %q is not pending for subscriber %q", *msgID, subID)
			}
		} else {
			cur, err := tx.Cursor(subID)
			if err != nil {
				if kv.IsNotFound(errCause(err)) {
					return errs.New(errs.PreconditionViolated, "unknown subscriber %q", subID)
				}
				return err
			}
			k, _, err := cur.First()
			cur.Close()
			if err != nil {
				return err
			}
			if k == nil {
				return errs.New(errs.Empty, "subscriber %q has no pending messages", subID)
			}
			key = k
		}

		if err := tx.Delete(subID, key); err != nil {
			return err
		}

		raw, found, err := tx.Get(schema.PendingDB, key)
		if err != nil {
			return err
		}
		if found {
			pending, err := codec.BytesToInt(raw)
			if err != nil {
				return err
			}
			if pending > 0 {
				pending--
			}
			if err := tx.Put(schema.PendingDB, key, codec.IntToBytes(pending)); err != nil {
				return err
			}
		}
		poppedID = string(key)
		return nil
	})
	if err != nil {
		return "", err
	}
	return poppedID, nil
}

// Pop acknowledges msgID for subID: it is removed from the
// subscriber's inbox and pending_db is decremented. The message
// itself remains in data_db/meta_db until a later cleanup observes
// pending == 0.
func (q *Queue) Pop(ctx context.Context, subID, msgID string) error {
	_, err := q.pop(ctx, subID, &msgID)
	return err
}

// PopHead acknowledges whichever message currently sorts first in
// subID's inbox and returns its id. Prefer Pop with an id obtained
// from Front when the caller peeked first (see pop's doc comment).
func (q *Queue) PopHead(ctx context.Context, subID string) (string, error) {
	return q.pop(ctx, subID, nil)
}

// CountMsgs reports meta_db's entry count — the only "how many
// messages" signal retention consults.
func (q *Queue) CountMsgs(ctx context.Context) (uint64, error) {
	var n uint64
	err := q.db.View(ctx, func(tx kv.Tx) error {
		st, err := tx.Stat(schema.MetaDB)
		if err != nil {
			return err
		}
		n = st.Entries
		return nil
	})
	return n, err
}

// CountPending reports how many messages are currently queued for
// subID, via its sub-database's entry count.
func (q *Queue) CountPending(ctx context.Context, subID string) (uint64, error) {
	var n uint64
	err := q.db.View(ctx, func(tx kv.Tx) error {
		st, serr := tx.Stat(subID)
		if serr != nil {
			if kv.IsNotFound(errCause(serr)) {
				return errs.New(errs.PreconditionViolated, "unknown subscriber %q", subID)
			}
			return serr
		}
		n = st.Entries
		return nil
	})
	return n, err
}

// ApproxDataSize estimates data_db's on-disk footprint from its page
// counts; it is cheap, read-only, and approximate.
func (q *Queue) ApproxDataSize(ctx context.Context) (uint64, error) {
	var size uint64
	err := q.db.View(ctx, func(tx kv.Tx) error {
		st, err := tx.Stat(schema.DataDB)
		if err != nil {
			return err
		}
		size = st.PageSize * (st.BranchPages + st.LeafPages + st.OverflowPages)
		return nil
	})
	return size, err
}

// Cleanup runs prune_dangling_messages, then prune_half_of_messages
// if the queue is still at or over either high-water mark. Every Put
// and PutManyFlushOnce calls this first; there are no background
// threads performing retention.
func (q *Queue) Cleanup(ctx context.Context) error {
	start := time.Now()
	defer func() { q.metrics.cleanupDurations.Observe(time.Since(start).Seconds()) }()

	if _, err := q.PruneDanglingMessages(ctx); err != nil {
		return err
	}

	count, err := q.CountMsgs(ctx)
	if err != nil {
		return err
	}
	size, err := q.ApproxDataSize(ctx)
	if err != nil {
		return err
	}
	q.metrics.messagesTotal.Set(float64(count))
	q.metrics.approxSizeBytes.Set(float64(size))

	if count >= q.hwm.MaxMessages || size >= uint64(q.hwm.HwmDBSize) {
		if _, err := q.pruneHalfOfMessages(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PruneDanglingMessages removes every message that is either fully
// consumed (pending_db == 0) or older than HighWaterMark.MessageTimeout,
// in one write transaction. Timed-out (but not zero-pending) ids are
// additionally removed from every subscriber's inbox, since those
// subscribers would otherwise wait forever for a message that has
// expired out from under them.
func (q *Queue) PruneDanglingMessages(ctx context.Context) (int, error) {
	var prunedCount int
	err := q.db.Update(ctx, func(tx kv.RwTx) error {
		zeroPending, err := q.scanZeroPending(tx)
		if err != nil {
			return err
		}
		timedOut, err := q.scanTimedOut(tx)
		if err != nil {
			return err
		}

		union := make(map[string]struct{}, len(zeroPending)+len(timedOut))
		for id := range zeroPending {
			union[id] = struct{}{}
		}
		for id := range timedOut {
			union[id] = struct{}{}
		}

		for id := range union {
			key := []byte(id)
			if err := tx.Delete(schema.PendingDB, key); err != nil {
				return err
			}
			if err := tx.Delete(schema.MetaDB, key); err != nil {
				return err
			}
			if err := tx.Delete(schema.DataDB, key); err != nil {
				return err
			}
		}
		for id := range timedOut {
			key := []byte(id)
			for sub := range q.subscribers {
				if err := tx.Delete(sub, key); err != nil {
					return err
				}
			}
		}
		prunedCount = len(union)
		return nil
	})
	if err == nil && prunedCount > 0 {
		q.metrics.danglingPruned.Add(float64(prunedCount))
		q.logger.Debug("pruned dangling messages", zap.Int("count", prunedCount))
	}
	return prunedCount, err
}

func (q *Queue) scanZeroPending(tx kv.RwTx) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	cur, err := tx.Cursor(schema.PendingDB)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	k, v, err := cur.First()
	if err != nil {
		return nil, err
	}
	for k != nil {
		n, err := codec.BytesToInt(v)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			ids[string(k)] = struct{}{}
		}
		k, v, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (q *Queue) scanTimedOut(tx kv.RwTx) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	cutoff := uint64(time.Now().UTC().Add(-q.hwm.MessageTimeout).Unix())

	cur, err := tx.Cursor(schema.MetaDB)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	k, v, err := cur.First()
	if err != nil {
		return nil, err
	}
	for k != nil {
		ts, err := codec.BytesToInt(v)
		if err != nil {
			return nil, err
		}
		if ts < cutoff {
			ids[string(k)] = struct{}{}
		}
		k, v, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// pruneHalfOfMessages drops the lexicographically smallest (PruneFirst)
// or largest (PruneLast) ⌊entries/2⌋+1 ids from meta_db, amortizing
// O(N) eviction across many Put calls instead of trimming exactly to
// the threshold on every call. It runs as two sequential write
// transactions: one to collect the victim ids, one to delete them.
func (q *Queue) pruneHalfOfMessages(ctx context.Context) (int, error) {
	var victims []string
	err := q.db.Update(ctx, func(tx kv.RwTx) error {
		st, err := tx.Stat(schema.MetaDB)
		if err != nil {
			return err
		}
		if st.Entries == 0 {
			return nil
		}
		toDrop := st.Entries/2 + 1

		cur, err := tx.Cursor(schema.MetaDB)
		if err != nil {
			return err
		}
		defer cur.Close()

		var k []byte
		if q.strategy == config.PruneFirst {
			k, _, err = cur.First()
		} else {
			k, _, err = cur.Last()
		}
		if err != nil {
			return err
		}

		ids := make([]string, 0, toDrop)
		for k != nil && uint64(len(ids)) < toDrop {
			ids = append(ids, string(k))
			if q.strategy == config.PruneFirst {
				k, _, err = cur.Next()
			} else {
				k, _, err = cur.Prev()
			}
			if err != nil {
				return err
			}
		}
		victims = ids
		return nil
	})
	if err != nil || len(victims) == 0 {
		return 0, err
	}

	err = q.db.Update(ctx, func(tx kv.RwTx) error {
		for _, id := range victims {
			key := []byte(id)
			if err := tx.Delete(schema.PendingDB, key); err != nil {
				return err
			}
			if err := tx.Delete(schema.MetaDB, key); err != nil {
				return err
			}
			if err := tx.Delete(schema.DataDB, key); err != nil {
				return err
			}
			for sub := range q.subscribers {
				if err := tx.Delete(sub, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	q.metrics.hwmPruned.Add(float64(len(victims)))
	q.logger.Warn("pruned half of messages", zap.Int("count", len(victims)), zap.String("strategy", string(q.strategy)))
	return len(victims), nil
}
