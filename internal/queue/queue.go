// COPYRIGHT 2024 FERMI NATIONAL ACCELERATOR LABORATORY
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
//
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue provides the forwarding queue: an unbounded, concurrency-safe FIFO that many producers can write to
// without ever blocking, and that a single consumer drains.  The queue never drops or reorders entries.  Backlog
// limits are the consumer's business.
package queue

import (
	"context"
	"errors"
	"sync"

	eaqueue "github.com/eapache/queue"

	"github.com/fermitools/weewx-prompush/internal/record"
)

// ErrClosed is returned by Dequeue once the queue has been closed
var ErrClosed = errors.New("queue is closed")

// Queue is an unbounded FIFO of records
type Queue struct {
	mu      sync.Mutex
	entries *eaqueue.Queue
	// ready holds a token whenever entries may be non-empty.  It has capacity 1 so that Enqueue never blocks.
	ready  chan struct{}
	done   chan struct{}
	closed bool
	// sealed queues take no new entries but still hand out the ones they hold
	sealed     bool
	sealedDone chan struct{}
}

// New returns an empty, open Queue
func New() *Queue {
	return &Queue{
		entries:    eaqueue.New(),
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		sealedDone: make(chan struct{}),
	}
}

// Enqueue appends r to the queue.  It never blocks.  Records enqueued after Seal or Close are discarded, and Enqueue
// reports whether r was accepted.
func (q *Queue) Enqueue(r record.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.sealed {
		return false
	}
	q.entries.Add(r)
	q.signal()
	return true
}

// signal must be called with q.mu held
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the oldest record, blocking until one is available.  It returns ErrClosed once the
// queue is closed or once a sealed queue is empty, and ctx.Err() if ctx is cancelled first.  Entries still queued at
// Close are not returned.
func (q *Queue) Dequeue(ctx context.Context) (record.Record, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return record.Record{}, ErrClosed
		}
		if q.entries.Length() > 0 {
			r := q.entries.Remove().(record.Record)
			if q.entries.Length() > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return r, nil
		}
		if q.sealed {
			q.mu.Unlock()
			return record.Record{}, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.sealedDone:
		case <-q.done:
		case <-ctx.Done():
			return record.Record{}, ctx.Err()
		}
	}
}

// Len returns the number of records waiting in the queue
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Length()
}

// Seal stops the queue from taking new records while letting Dequeue hand out the ones already queued.  Once those
// are gone, Dequeue returns ErrClosed.  Seal is safe to call more than once, and after Close.
func (q *Queue) Seal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		return
	}
	q.sealed = true
	close(q.sealedDone)
}

// Close stops the queue.  Blocked and future Dequeue calls return ErrClosed, and Close returns the number of records
// that were still waiting and are now lost.  Close is safe to call more than once.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	close(q.done)
	lost := q.entries.Length()
	q.entries = eaqueue.New()
	return lost
}
