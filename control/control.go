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

// Package control implements the administrative surface described in
// §4.6 of the spec: initializing a fresh queue directory, adding and
// removing subscribers, forcing retention, and staging configuration
// changes that take effect on the next Queue.Open.
package control

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/persipubsub/persipubsub/codec"
	"github.com/persipubsub/persipubsub/config"
	"github.com/persipubsub/persipubsub/errs"
	"github.com/persipubsub/persipubsub/kv"
	"github.com/persipubsub/persipubsub/queue"
	"github.com/persipubsub/persipubsub/queuedata"
	"github.com/persipubsub/persipubsub/schema"
)

// Options configure a Control. All fields are optional.
type Options struct {
	Logger *zap.Logger
}

// Control performs administrative operations against a queue
// directory's store handle. Unlike Queue, it does not cache
// configuration: every method re-reads or re-writes queue_db as
// needed, since these operations are expected to be rare and
// out-of-band relative to Put/Front/Pop traffic.
type Control struct {
	db     kv.RwDB
	logger *zap.Logger
}

// New wraps db for administrative use.
func New(db kv.RwDB, opts Options) *Control {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{db: db, logger: logger.Named("control")}
}

// IsInitialized reports whether Init has ever succeeded against this
// store handle.
func (c *Control) IsInitialized(ctx context.Context) (bool, error) {
	_, err := queuedata.RetrieveFromEnv(ctx, c.db)
	if err == nil {
		return true, nil
	}
	if errs.Is(err, errs.NotInitialized) {
		return false, nil
	}
	return false, err
}

// Init writes the initial queue_db configuration and subscriber_db
// rows, and creates every core and subscriber sub-database. It is
// idempotent: calling Init again on an already-initialized directory
// is a no-op that preserves the existing configuration, rather than
// an error, so that a process can unconditionally call Init on
// startup without first checking IsInitialized.
func (c *Control) Init(ctx context.Context, hwm config.HighWaterMark, strategy config.Strategy, subscribers []string) error {
	if err := hwm.Validate(); err != nil {
		return err
	}
	if !strategy.Valid() {
		return errs.New(errs.PreconditionViolated, "invalid strategy %q", strategy)
	}
	for _, sub := range subscribers {
		if err := validateSubID(sub); err != nil {
			return err
		}
	}

	already, err := c.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if already {
		c.logger.Info("init skipped, already initialized")
		return nil
	}

	err = c.db.Update(ctx, func(tx kv.RwTx) error {
		for _, dbName := range schema.CoreDBs {
			if err := tx.CreateDB(dbName); err != nil {
				return err
			}
		}
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyMessageTimeout), codec.IntToBytes(uint64(hwm.MessageTimeout.Seconds()))); err != nil {
			return err
		}
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyMaxMessages), codec.IntToBytes(hwm.MaxMessages)); err != nil {
			return err
		}
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyHwmDBSize), codec.IntToBytes(uint64(hwm.HwmDBSize))); err != nil {
			return err
		}
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyStrategy), codec.StrToBytes(string(strategy))); err != nil {
			return err
		}
		for _, sub := range subscribers {
			if err := tx.CreateDB(sub); err != nil {
				return err
			}
			if err := tx.Put(schema.SubscriberDB, []byte(sub), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("initialized queue", zap.Int("subscribers", len(subscribers)), zap.String("strategy", string(strategy)))
	return nil
}

func validateSubID(id string) error {
	if id == "" {
		return errs.New(errs.PreconditionViolated, "subscriber id must not be empty")
	}
	if strings.ContainsAny(id, " \t\n") {
		return errs.New(errs.PreconditionViolated, "subscriber id %q must not contain whitespace", id)
	}
	if schema.IsReservedName(id) {
		return errs.New(errs.PreconditionViolated, "subscriber id %q collides with a reserved sub-database name", id)
	}
	return nil
}

// AddSub registers a new subscriber id, creating its sub-database.
// Adding an id that is already registered is a no-op.
func (c *Control) AddSub(ctx context.Context, id string) error {
	if err := validateSubID(id); err != nil {
		return err
	}
	err := c.db.Update(ctx, func(tx kv.RwTx) error {
		if err := tx.CreateDB(id); err != nil {
			return err
		}
		return tx.Put(schema.SubscriberDB, []byte(id), []byte{})
	})
	if err != nil {
		return err
	}
	c.logger.Info("subscriber added", zap.String("subscriber", id))
	return nil
}

// RemoveSub unregisters id: every message still pending for it has
// its pending_db count decremented, its sub-database is dropped, and
// its row is removed from subscriber_db. Removing an id that is not
// registered is a no-op.
func (c *Control) RemoveSub(ctx context.Context, id string) error {
	err := c.db.Update(ctx, func(tx kv.RwTx) error {
		_, found, err := tx.Get(schema.SubscriberDB, []byte(id))
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		pendingIDs, err := collectKeys(tx, id)
		if err != nil {
			if kv.IsNotFound(errCause(err)) {
				pendingIDs = nil
			} else {
				return err
			}
		}
		for _, msgID := range pendingIDs {
			if err := decrementPending(tx, []byte(msgID)); err != nil {
				return err
			}
		}
		if err := tx.Drop(id, true); err != nil {
			return err
		}
		return tx.Delete(schema.SubscriberDB, []byte(id))
	})
	if err != nil {
		return err
	}
	c.logger.Info("subscriber removed", zap.String("subscriber", id))
	return nil
}

// ClearAllSubscribers removes every registered subscriber and every
// message in the queue: each subscriber's sub-database is dropped and
// its subscriber_db row removed, and data_db/meta_db/pending_db are
// themselves dropped (cleared, not deleted) in the same transaction.
// Unlike RemoveSub, this does not bother decrementing per-message
// pending counts first, since the messages themselves are gone by the
// time the transaction commits.
func (c *Control) ClearAllSubscribers(ctx context.Context) error {
	err := c.db.Update(ctx, func(tx kv.RwTx) error {
		ids, err := collectKeys(tx, schema.SubscriberDB)
		if err != nil {
			if kv.IsNotFound(errCause(err)) {
				ids = nil
			} else {
				return err
			}
		}
		for _, id := range ids {
			if err := tx.Drop(id, true); err != nil {
				return err
			}
			if err := tx.Delete(schema.SubscriberDB, []byte(id)); err != nil {
				return err
			}
		}
		if err := tx.Drop(schema.PendingDB, false); err != nil {
			return err
		}
		if err := tx.Drop(schema.MetaDB, false); err != nil {
			return err
		}
		return tx.Drop(schema.DataDB, false)
	})
	if err != nil {
		return err
	}
	c.logger.Info("cleared all subscribers and messages")
	return nil
}

// PruneDanglingMessages force-runs the time/consumption based
// retention pass immediately, rather than waiting for the next Put.
func (c *Control) PruneDanglingMessages(ctx context.Context) (int, error) {
	q, err := queue.Open(ctx, c.db, queue.Options{Logger: c.logger, Name: "control"})
	if err != nil {
		return 0, err
	}
	return q.PruneDanglingMessages(ctx)
}

// PruneAllMessagesFor discards every message currently pending for a
// single subscriber, without affecting any other subscriber's view of
// those messages. A message whose pending count reaches zero as a
// result is fully reclaimed (data_db/meta_db/pending_db rows removed)
// in the same transaction.
func (c *Control) PruneAllMessagesFor(ctx context.Context, id string) (int, error) {
	var pruned int
	err := c.db.Update(ctx, func(tx kv.RwTx) error {
		ids, err := collectKeys(tx, id)
		if err != nil {
			if kv.IsNotFound(errCause(err)) {
				return errs.New(errs.PreconditionViolated, "unknown subscriber %q", id)
			}
			return err
		}
		for _, msgID := range ids {
			key := []byte(msgID)
			if err := tx.Delete(id, key); err != nil {
				return err
			}
			zero, err := decrementPendingReportZero(tx, key)
			if err != nil {
				return err
			}
			if zero {
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
		}
		pruned = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		c.logger.Info("pruned subscriber messages", zap.String("subscriber", id), zap.Int("count", pruned))
	}
	return pruned, nil
}

// SetHWM stages new retention limits in queue_db. The change takes
// effect for whichever Queue next calls Open against this directory;
// a Queue already holding the handle keeps its cached limits (see
// §4.6: no dynamic reconfiguration of a live queue).
func (c *Control) SetHWM(ctx context.Context, hwm config.HighWaterMark) error {
	if err := hwm.Validate(); err != nil {
		return err
	}
	return c.db.Update(ctx, func(tx kv.RwTx) error {
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyMessageTimeout), codec.IntToBytes(uint64(hwm.MessageTimeout.Seconds()))); err != nil {
			return err
		}
		if err := tx.Put(schema.QueueDB, []byte(schema.KeyMaxMessages), codec.IntToBytes(hwm.MaxMessages)); err != nil {
			return err
		}
		return tx.Put(schema.QueueDB, []byte(schema.KeyHwmDBSize), codec.IntToBytes(uint64(hwm.HwmDBSize)))
	})
}

// SetStrategy stages a new eviction strategy in queue_db, with the
// same next-open-only effect as SetHWM.
func (c *Control) SetStrategy(ctx context.Context, strategy config.Strategy) error {
	if !strategy.Valid() {
		return errs.New(errs.PreconditionViolated, "invalid strategy %q", strategy)
	}
	return c.db.Update(ctx, func(tx kv.RwTx) error {
		return tx.Put(schema.QueueDB, []byte(schema.KeyStrategy), codec.StrToBytes(string(strategy)))
	})
}

func collectKeys(tx kv.RwTx, dbName string) ([]string, error) {
	cur, err := tx.Cursor(dbName)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var keys []string
	k, _, err := cur.First()
	if err != nil {
		return nil, err
	}
	for k != nil {
		keys = append(keys, string(k))
		k, _, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func decrementPending(tx kv.RwTx, key []byte) error {
	_, err := decrementPendingReportZero(tx, key)
	return err
}

func decrementPendingReportZero(tx kv.RwTx, key []byte) (bool, error) {
	raw, found, err := tx.Get(schema.PendingDB, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	n, err := codec.BytesToInt(raw)
	if err != nil {
		return false, err
	}
	if n > 0 {
		n--
	}
	if err := tx.Put(schema.PendingDB, key, codec.IntToBytes(n)); err != nil {
		return false, err
	}
	return n == 0, nil
}
