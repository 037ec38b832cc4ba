// Package memory provides an in-process lane broker for local development
// and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/batchd/internal/batch"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO per lane with timer-promoted delayed entries.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}
}

type lane struct {
	waiting []batch.Delivery
	delayed int64
	signal  chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		lanes:  make(map[string]*lane),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
}

func (q *Queue) laneLocked(name string) *lane {
	l, ok := q.lanes[name]
	if !ok {
		l = &lane{signal: make(chan struct{}, 1)}
		q.lanes[name] = l
	}
	return l
}

func (l *lane) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Enqueue appends the batch to the lane.
func (q *Queue) Enqueue(ctx context.Context, batchID, laneName string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	l := q.laneLocked(laneName)
	l.waiting = append(l.waiting, batch.Delivery{BatchID: batchID, Lane: laneName, Attempt: 1})
	l.notify()
	return nil
}

// EnqueueDelayed makes the batch visible on the lane after delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, batchID, laneName string, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, batchID, laneName)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	l := q.laneLocked(laneName)
	l.delayed++
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if q.closed {
			return
		}
		l.delayed--
		l.waiting = append(l.waiting, batch.Delivery{BatchID: batchID, Lane: laneName, Attempt: 1})
		l.notify()
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Dequeue blocks until the lane has a delivery, ctx ends or the queue closes.
func (q *Queue) Dequeue(ctx context.Context, laneName string) (batch.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return batch.Delivery{}, ErrClosed
		}
		l := q.laneLocked(laneName)
		if len(l.waiting) > 0 {
			d := l.waiting[0]
			l.waiting = l.waiting[1:]
			if len(l.waiting) > 0 {
				l.notify()
			}
			q.mu.Unlock()
			return d, nil
		}
		signal := l.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return batch.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return batch.Delivery{}, ErrClosed
		case <-signal:
		}
	}
}

// Counts reports the lane backlog.
func (q *Queue) Counts(_ context.Context, laneName string) (batch.LaneCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneName]
	if !ok {
		return batch.LaneCounts{}, nil
	}
	return batch.LaneCounts{Waiting: int64(len(l.waiting)), Delayed: l.delayed}, nil
}

// Close stops pending timers and wakes blocked consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	close(q.done)
}
