// Package queue provides the unbounded FIFO that sits between the camera's
// grab goroutine and the recorder's drain loop.
//
// Enqueue never blocks on capacity and Dequeue never waits for an item; the
// consumer is expected to poll. A single mutex serialises every operation, so
// all of them are linearizable with respect to each other.
package queue

import "sync"

const minCapacity = 16

// Queue is a thread-safe, unbounded FIFO backed by a growable ring buffer.
// The zero value is ready to use.
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int
	peak  int
}

// New creates a queue with room for capacity items before it first grows
func New[T any](capacity int) *Queue[T] {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Queue[T]{buf: make([]T, capacity)}
}

// Enqueue appends item at the tail. Amortized O(1).
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	if q.count == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	if q.count > q.peak {
		q.peak = q.count
	}
	q.mu.Unlock()
}

// Dequeue removes and returns the oldest item. ok is false when the queue is
// empty.
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return item, false
	}

	var zero T
	item = q.buf[q.head]
	q.buf[q.head] = zero // release the reference for the GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return item, true
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// IsEmpty reports whether nothing is queued
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Peak returns the largest depth the queue has reached
func (q *Queue[T]) Peak() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peak
}

// Clear drops every queued item. Only meant for teardown.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.buf = make([]T, minCapacity)
	q.head = 0
	q.count = 0
}

// grow doubles the ring and unwraps it so head is at index 0.
// Caller holds q.mu.
func (q *Queue[T]) grow() {
	newCap := len(q.buf) * 2
	if newCap < minCapacity {
		newCap = minCapacity
	}
	buf := make([]T, newCap)
	for i := 0; i < q.count; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
