package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dBoard/lib/index"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/lib/util"
	"github.com/sony/gobreaker"
)

// task is one operation of a client
type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// clientManager holds the state of one client and runs its operations in order
type clientManager struct {
	address  string
	clientID int64

	mu            sync.Mutex
	subscriptions []*index.Subscription

	left        atomic.Bool
	pushPending atomic.Bool
	queue       *util.OrderedQueue[task]
	breaker     *gobreaker.CircuitBreaker
}

func newClientManager(address string, clientID int64, breaker *gobreaker.CircuitBreaker) *clientManager {
	m := &clientManager{
		address:  address,
		clientID: clientID,
		breaker:  breaker,
	}
	m.queue = util.NewOrderedQueue(func(t *task) {
		t.done <- t.fn(t.ctx)
	})
	return m
}

// submit queues fn and waits for its result
func (m *clientManager) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if !m.queue.Push(t) {
		return ErrClientLeft
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.queue.Done():
		// the consumer may have handled the task right before exiting
		select {
		case err := <-t.done:
			return err
		default:
			return ErrClientLeft
		}
	}
}

// submitAsync queues fn without waiting
func (m *clientManager) submitAsync(ctx context.Context, fn func(ctx context.Context) error) bool {
	return m.queue.Push(&task{ctx: ctx, fn: fn, done: make(chan error, 1)})
}

func (m *clientManager) addSubscription(sub *index.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, sub)
}

// removeSubscriptions removes every subscription equal to pattern and returns how many were removed
func (m *clientManager) removeSubscriptions(pattern protocol.Pattern) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.subscriptions[:0]
	for _, sub := range m.subscriptions {
		if !sub.Pattern().Equal(pattern) {
			kept = append(kept, sub)
		}
	}
	removed := len(m.subscriptions) - len(kept)
	clear(m.subscriptions[len(kept):])
	m.subscriptions = kept
	return removed
}

func (m *clientManager) snapshotSubscriptions() []*index.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*index.Subscription(nil), m.subscriptions...)
}

// close stops accepting operations, queued ones still run
func (m *clientManager) close() {
	m.left.Store(true)
	m.queue.Close()
}
