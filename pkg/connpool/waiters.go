package connpool

import (
	"container/list"
	"time"
)

// grant is what a waiter receives: a checked-out connection, a reserved slot it must
// fill itself, or a terminal error.
type grant[T any] struct {
	conn *Conn[T]
	slot bool
	err  error
}

type waiter[T any] struct {
	deadline   time.Time // zero means no deadline
	enqueuedAt time.Time
	ready      chan grant[T]

	// guarded by pool.mu
	served bool
	elem   *list.Element
}

func (w *waiter[T]) expired(now time.Time) bool {
	return !w.deadline.IsZero() && !now.Before(w.deadline)
}

// deliver must be called with pool.mu held and at most once per waiter.
func (w *waiter[T]) deliver(g grant[T]) {
	w.served = true
	w.ready <- g
}

// waitQueue is a FIFO of suspended acquire calls ordered strictly by arrival.
// All methods require pool.mu.
type waitQueue[T any] struct {
	l list.List
}

func newWaitQueue[T any]() *waitQueue[T] {
	q := &waitQueue[T]{}
	q.l.Init()
	return q
}

func (q *waitQueue[T]) Len() int {
	return q.l.Len()
}

func (q *waitQueue[T]) push(deadline, now time.Time) *waiter[T] {
	w := &waiter[T]{
		deadline:   deadline,
		enqueuedAt: now,
		ready:      make(chan grant[T], 1),
	}
	w.elem = q.l.PushBack(w)
	return w
}

// remove drops w if it is still queued.
func (q *waitQueue[T]) remove(w *waiter[T]) bool {
	if w.elem == nil {
		return false
	}
	q.l.Remove(w.elem)
	w.elem = nil
	return true
}

// popLive pops from the front, failing every waiter whose deadline has passed with
// ErrPoolExhausted, and returns the first live waiter or nil. The returned waiter is
// unlinked but not yet served.
func (q *waitQueue[T]) popLive(now time.Time) (*waiter[T], int) {
	expired := 0
	for e := q.l.Front(); e != nil; e = q.l.Front() {
		w := q.l.Remove(e).(*waiter[T])
		w.elem = nil
		if w.expired(now) {
			w.deliver(grant[T]{err: ErrPoolExhausted})
			expired++
			continue
		}
		return w, expired
	}
	return nil, expired
}

// drain unlinks and returns every queued waiter in arrival order.
func (q *waitQueue[T]) drain() []*waiter[T] {
	out := make([]*waiter[T], 0, q.l.Len())
	for e := q.l.Front(); e != nil; e = q.l.Front() {
		w := q.l.Remove(e).(*waiter[T])
		w.elem = nil
		out = append(out, w)
	}
	return out
}
