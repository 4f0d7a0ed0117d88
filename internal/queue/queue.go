// Package queue provides the bounded latest-wins queue used between every
// producer/consumer pair in the media and command pipelines.
//
// Unlike a regular bounded queue, Put never blocks the producer: when the
// queue is full the oldest resident item is evicted to make room. Media
// pipelines prefer freshness over completeness, so a slow consumer sees
// recent data instead of an ever-growing backlog.
package queue

import (
	"context"
	"sync/atomic"
)

// Queue is a bounded FIFO that evicts the oldest item on overflow.
// A capacity of 1 behaves as an "always latest" slot.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// New creates a queue with the given capacity. Capacity must be >= 1;
// smaller values are clamped to 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Put enqueues an item without ever blocking. If the queue is full, the
// oldest resident item is discarded and counted as dropped.
func (q *Queue[T]) Put(item T) {
	for {
		select {
		case q.ch <- item:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
			// Consumer emptied the queue between selects; retry the send.
		}
	}
}

// Get returns the oldest retained item, blocking until one is available
// or the context is cancelled.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the oldest retained item if one is immediately available.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case item := <-q.ch:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of currently retained items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Dropped returns the total number of items evicted by Put since creation.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
