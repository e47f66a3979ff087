package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// OrderedQueue is a lock-free multi-producer single-consumer queue with a
// built-in consumer. Every pushed item is handed to the handler on a single
// goroutine, in the order the pushes completed.
//
// Pushes from one goroutine are therefore handled in the order they were made.
// Under concurrent pushes from several goroutines the order is decided by
// which push finishes its CAS first.
type OrderedQueue[T any] struct {
	head    atomic.Pointer[node[T]]
	tail    atomic.Pointer[node[T]]
	handler func(*T)
	closed  atomic.Bool
	done    chan struct{}

	// Condition variable for waiting on new items
	mu   sync.Mutex
	cond *sync.Cond
}

// NewOrderedQueue creates a queue and starts its consumer goroutine
func NewOrderedQueue[T any](handler func(*T)) *OrderedQueue[T] {
	// Create a sentinel node (dummy node at the beginning)
	sentinel := &node[T]{}

	q := &OrderedQueue[T]{
		handler: handler,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.consume()

	return q
}

// Push appends an item to the queue.
// Returns false if the item is nil or the queue is closed.
func (q *OrderedQueue[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8 = 0

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// another producer may help moving the tail, both outcomes are fine
				q.tail.CompareAndSwap(tailNode, newNode)
				q.signal()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin a little under low contention, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Close stops accepting items. Items already queued are still handled.
func (q *OrderedQueue[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// Wait blocks until the queue was closed and every queued item was handled
func (q *OrderedQueue[T]) Wait() {
	<-q.done
}

// Done is closed once the consumer has exited
func (q *OrderedQueue[T]) Done() <-chan struct{} {
	return q.done
}

// IsClosed returns true if the queue is closed
func (q *OrderedQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of queued items. O(n), intended for debugging.
func (q *OrderedQueue[T]) Len() int {
	count := 0
	for current := q.head.Load().next.Load(); current != nil; current = current.next.Load() {
		count++
	}
	return count
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// signal wakes the consumer. The lock prevents a wakeup from slipping in
// between the consumer's emptiness check and its call to Wait.
func (q *OrderedQueue[T]) signal() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// consume hands all items to the handler until the queue is closed and empty
func (q *OrderedQueue[T]) consume() {
	defer close(q.done)

	for {
		handled := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			handled = true

			value := next.value
			q.head.Store(next)
			q.handler(value)

			// help the gc, the node is the new sentinel now
			next.value = nil
		}

		if !handled {
			q.mu.Lock()
			empty := q.head.Load().next.Load() == nil
			if empty && q.closed.Load() {
				q.mu.Unlock()
				return
			}
			if empty {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}
