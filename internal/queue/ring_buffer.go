// Package queue provides a thread-safe ring buffer decoupling telemetry
// intake from event processing.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// Item is one raw telemetry payload awaiting processing.
type Item struct {
	Payload    map[string]any
	Source     string
	ReceivedAt time.Time
}

// RingBuffer is a bounded circular buffer of raw telemetry items.
// Pushes never block; a full buffer rejects the item and counts a drop
// so that a stalled processor cannot back-pressure the intake path
// into unbounded memory growth.
type RingBuffer struct {
	buffer []*Item
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}
	rb := &RingBuffer{
		buffer: make([]*Item, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an item to the queue. Returns ErrQueueFull at capacity.
func (rb *RingBuffer) Push(item *Item) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.totalPushed.Add(1)

	rb.cond.Signal()
	return nil
}

// Pop removes and returns an item, or ErrQueueEmpty.
func (rb *RingBuffer) Pop() (*Item, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.count == 0 {
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopBlocking removes and returns an item, waiting until one is
// available or the queue is closed and drained.
func (rb *RingBuffer) PopBlocking() (*Item, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}
	if rb.count == 0 {
		return nil, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

func (rb *RingBuffer) popLocked() *Item {
	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	return item
}

// Len returns the current number of queued items.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int { return rb.size }

// Close marks the queue closed and wakes all waiting consumers.
// Items already queued can still be drained.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() Metrics {
	return Metrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// Metrics holds statistics about queue operations.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
