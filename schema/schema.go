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

// Package schema lists the fixed set of named sub-databases and
// reserved keys that make up a queue's on-disk layout. Two
// implementations of this spec interoperate over the same queue
// directory iff they agree on every name and key below.
package schema

// SchemaVersion is bumped whenever the on-disk layout changes in a
// backward-incompatible way.
const SchemaVersion = "1.0"

// Reserved sub-database names. All other sub-database names are
// subscriber identifiers.
const (
	// DataDB maps message id -> opaque message payload.
	DataDB = "data_db"

	// MetaDB maps message id -> 8-byte big-endian unix timestamp
	// (seconds) of when the message was enqueued.
	MetaDB = "meta_db"

	// PendingDB maps message id -> 8-byte big-endian count of
	// subscribers that have not yet consumed the message.
	PendingDB = "pending_db"

	// QueueDB holds the reserved configuration keys below.
	QueueDB = "queue_db"

	// SubscriberDB is the authoritative set of subscriber ids (keys,
	// empty values).
	SubscriberDB = "subscriber_db"
)

// Reserved keys inside QueueDB. All are UTF-8 encoded keys; see
// codec for their value encodings.
const (
	// KeyMessageTimeout -> 8-byte big-endian unsigned seconds.
	KeyMessageTimeout = "message_timeout"

	// KeyMaxMessages -> 8-byte big-endian unsigned count.
	KeyMaxMessages = "max_messages"

	// KeyHwmDBSize -> 8-byte big-endian unsigned bytes.
	KeyHwmDBSize = "hwm_db_size"

	// KeyStrategy -> UTF-8 string, one of "PRUNE_FIRST"/"PRUNE_LAST".
	KeyStrategy = "strategy"
)

// ReservedKeys lists every key QueueDB must contain for a queue to be
// considered initialized (queuedata.Retrieve, Control.IsInitialized).
var ReservedKeys = []string{KeyMessageTimeout, KeyMaxMessages, KeyHwmDBSize, KeyStrategy}

// CoreDBs lists the sub-databases created on every Queue.Open,
// independent of the subscriber set.
var CoreDBs = []string{DataDB, MetaDB, PendingDB, QueueDB, SubscriberDB}

// IsReservedName reports whether name collides with one of the core
// sub-databases, i.e. cannot also be used as a subscriber id.
func IsReservedName(name string) bool {
	for _, n := range CoreDBs {
		if n == name {
			return true
		}
	}
	return false
}
