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

// Package subscriber is the thin receive-side facade over Queue: it
// polls a single subscriber id's inbox and acknowledges whatever it
// observed, on a scoped-acquisition boundary.
package subscriber

import (
	"context"
	"time"

	"github.com/persipubsub/persipubsub/errs"
	"github.com/persipubsub/persipubsub/queue"
)

// Subscriber wraps a Queue for one subscriber id.
type Subscriber struct {
	q     *queue.Queue
	subID string
}

// New scopes q to subID. subID is not validated against the Queue's
// cached subscriber set here; an unregistered id surfaces as
// errs.PreconditionViolated on the first Receive/ReceiveToTop call.
func New(q *queue.Queue, subID string) *Subscriber {
	return &Subscriber{q: q, subID: subID}
}

// Receive polls front up to retries times, spaced timeout/retries
// apart, until a message appears or the deadline elapses. If a
// message was observed, handle is called with its payload, and the
// message is acknowledged (popped) on return from handle — whether
// handle returned an error or not. This mirrors the source
// implementation's scoped-consumer behavior: the ack boundary is scope
// exit, not successful handling, so a handler that panics or returns
// an error still consumes the message (see §9 Open Questions: this is
// preserved as observed, not re-derived as "correct").
//
// received reports whether a message was observed before the deadline.
// When no message arrives in time, received is false, handle is not
// called and err is nil; invalid arguments, a failing Front or a
// cancelled ctx return false with a non-nil err.
func (s *Subscriber) Receive(ctx context.Context, timeout time.Duration, retries int, handle func(msg []byte) error) (received bool, err error) {
	if timeout <= 0 {
		return false, errs.New(errs.PreconditionViolated, "receive timeout must be positive, got %s", timeout)
	}
	if retries <= 0 {
		return false, errs.New(errs.PreconditionViolated, "receive retries must be positive, got %d", retries)
	}

	msgID, msg, found, err := s.pollFront(ctx, timeout, retries)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	defer func() {
		if ackErr := s.q.Pop(ctx, s.subID, msgID); ackErr != nil && err == nil {
			err = ackErr
		}
	}()

	err = handle(msg)
	return true, err
}

// ReceiveToTop first discards every message in subID's inbox except
// the most recently enqueued one — popping each through the normal
// path, so pending_db is decremented for each discard the same way an
// explicit Pop would be — then applies Receive's polling/ack semantics
// to whatever remains. Other subscribers still see the discarded
// messages as live, since only this subscriber's inbox pointers are
// removed (see §9 Open Questions on this asymmetry).
func (s *Subscriber) ReceiveToTop(ctx context.Context, timeout time.Duration, retries int, handle func(msg []byte) error) (bool, error) {
	for {
		count, err := s.q.CountPending(ctx, s.subID)
		if err != nil {
			return false, err
		}
		if count <= 1 {
			break
		}
		if _, err := s.q.PopHead(ctx, s.subID); err != nil {
			if errs.Is(err, errs.Empty) {
				break
			}
			return false, err
		}
	}
	return s.Receive(ctx, timeout, retries, handle)
}

func (s *Subscriber) pollFront(ctx context.Context, timeout time.Duration, retries int) (msgID string, msg []byte, found bool, err error) {
	interval := timeout / time.Duration(retries)
	if interval <= 0 {
		interval = time.Nanosecond
	}

	for attempt := 0; attempt < retries; attempt++ {
		msgID, msg, found, err = s.q.Front(ctx, s.subID)
		if err != nil || found {
			return
		}
		if attempt == retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", nil, false, ctx.Err()
		case <-time.After(interval):
		}
	}
	return "", nil, false, nil
}
