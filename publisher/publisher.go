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

// Package publisher is the thin send-side facade over Queue: every
// registered subscriber receives every published message, in the
// order a single Publisher sends them.
package publisher

import (
	"context"

	"github.com/persipubsub/persipubsub/queue"
)

// Options configure a Publisher.
type Options struct {
	// Autosync makes SendMany commit one message per transaction
	// (via Put) instead of batching the whole slice into a single
	// transaction. Off by default, matching the original
	// implementation's default.
	Autosync bool
}

// Publisher wraps a Queue for the publish side of the API. Multiple
// Publishers may share one Queue; each Send/SendMany call is its own
// transaction (or, under Autosync, one transaction per message), so
// publishers across goroutines never block each other longer than one
// commit.
type Publisher struct {
	q        *queue.Queue
	autosync bool
}

// New wraps q for publishing.
func New(q *queue.Queue, opts Options) *Publisher {
	return &Publisher{q: q, autosync: opts.Autosync}
}

// Send enqueues a single message for every subscriber registered at
// the underlying Queue's Open time.
func (p *Publisher) Send(ctx context.Context, msg []byte) error {
	return p.q.Put(ctx, msg)
}

// SendMany enqueues every message in msgs. By default this is one
// transaction via PutManyFlushOnce: either all of them become visible
// to subscribers, or (on error) none do. If Autosync is set, each
// message is instead committed individually via Put, matching the
// original implementation's per-message fsync-on-every-write mode;
// an error partway through leaves the earlier messages committed.
// There is no ordering guarantee across concurrent SendMany/Send calls
// from different Publishers, only within a single call.
func (p *Publisher) SendMany(ctx context.Context, msgs [][]byte) error {
	if p.autosync {
		for _, msg := range msgs {
			if err := p.q.Put(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	}
	return p.q.PutManyFlushOnce(ctx, msgs)
}
