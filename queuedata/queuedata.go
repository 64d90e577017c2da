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

// Package queuedata gathers the read-only projection of a queue's
// configuration: the high-water mark, the strategy, and the current
// subscriber set, all read from a single transaction so the values are
// mutually consistent (§4.4 of the spec).
package queuedata

import (
	"context"

	"github.com/c2h5oh/datasize"

	"github.com/persipubsub/persipubsub/codec"
	"github.com/persipubsub/persipubsub/config"
	"github.com/persipubsub/persipubsub/errs"
	"github.com/persipubsub/persipubsub/kv"
	"github.com/persipubsub/persipubsub/schema"
)

// QueueData is the snapshot Queue.Open caches for the lifetime of a
// Queue handle.
type QueueData struct {
	HighWaterMark config.HighWaterMark
	Strategy      config.Strategy
	Subscribers   map[string]struct{}
}

// Retrieve reads QueueData from tx. It fails with errs.NotInitialized
// if queue_db is missing or any reserved key is absent.
func Retrieve(tx kv.Tx) (QueueData, error) {
	var qd QueueData

	raw := make(map[string][]byte, len(schema.ReservedKeys))
	for _, key := range schema.ReservedKeys {
		val, found, err := tx.Get(schema.QueueDB, []byte(key))
		if err != nil {
			if kv.IsNotFound(errCause(err)) {
				return qd, errs.Wrap(errs.NotInitialized, err, "queue_db is missing")
			}
			return qd, errs.Wrap(errs.Storage, err, "reading %s from queue_db", key)
		}
		if !found {
			return qd, errs.New(errs.NotInitialized, "queue_db is missing reserved key %q", key)
		}
		raw[key] = val
	}

	timeoutSecs, err := codec.BytesToInt(raw[schema.KeyMessageTimeout])
	if err != nil {
		return qd, err
	}
	maxMessages, err := codec.BytesToInt(raw[schema.KeyMaxMessages])
	if err != nil {
		return qd, err
	}
	hwmBytes, err := codec.BytesToInt(raw[schema.KeyHwmDBSize])
	if err != nil {
		return qd, err
	}
	strategyStr, err := codec.BytesToStr(raw[schema.KeyStrategy])
	if err != nil {
		return qd, err
	}
	strategy := config.Strategy(strategyStr)
	if !strategy.Valid() {
		return qd, errs.New(errs.Encoding, "unknown strategy %q in queue_db", strategyStr)
	}

	subscribers, err := readSubscribers(tx)
	if err != nil {
		return qd, err
	}

	qd = QueueData{
		HighWaterMark: config.HighWaterMark{
			MessageTimeout: secondsToDuration(timeoutSecs),
			MaxMessages:    maxMessages,
			HwmDBSize:      datasize.ByteSize(hwmBytes),
		},
		Strategy:    strategy,
		Subscribers: subscribers,
	}
	return qd, nil
}

func readSubscribers(tx kv.Tx) (map[string]struct{}, error) {
	subs := make(map[string]struct{})

	cur, err := tx.Cursor(schema.SubscriberDB)
	if err != nil {
		if kv.IsNotFound(errCause(err)) {
			return subs, nil
		}
		return nil, errs.Wrap(errs.Storage, err, "opening subscriber_db cursor")
	}
	defer cur.Close()

	k, _, err := cur.First()
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err, "iterating subscriber_db")
	}
	for k != nil {
		id, err := codec.BytesToStr(k)
		if err != nil {
			return nil, err
		}
		subs[id] = struct{}{}

		k, _, err = cur.Next()
		if err != nil {
			return nil, errs.Wrap(errs.Storage, err, "iterating subscriber_db")
		}
	}
	return subs, nil
}

// RetrieveFromEnv is a convenience that opens its own read-only
// transaction over db.
func RetrieveFromEnv(ctx context.Context, db kv.RoDB) (QueueData, error) {
	var qd QueueData
	err := db.View(ctx, func(tx kv.Tx) error {
		var err error
		qd, err = Retrieve(tx)
		return err
	})
	return qd, err
}
