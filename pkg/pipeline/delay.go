package pipeline

import (
	"container/heap"
	"sync"
	"time"
)

// entry is an item that must not be processed before ready.
type entry[T any] struct {
	item  T
	ready time.Time
	seq   uint64
}

// delayHeap orders entries by ready time, then by insertion.
type delayHeap[T any] []*entry[T]

func (h delayHeap[T]) Len() int {
	return len(h)
}

func (h delayHeap[T]) Less(i, j int) bool {
	if h[i].ready.Equal(h[j].ready) {
		return h[i].seq < h[j].seq
	}
	return h[i].ready.Before(h[j].ready)
}

func (h delayHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *delayHeap[T]) Push(x any) {
	*h = append(*h, x.(*entry[T]))
}

func (h *delayHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}

// delayQueue is a FIFO where items are invisible until their ready time.
type delayQueue[T any] struct {
	mu    sync.Mutex
	items delayHeap[T]
	seq   uint64
	wake  chan struct{}
}

func newDelayQueue[T any]() *delayQueue[T] {
	return &delayQueue[T]{items: delayHeap[T]{}, wake: make(chan struct{}, 1)}
}

// push adds an item; a zero ready time means now.
func (q *delayQueue[T]) push(item T, ready time.Time) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &entry[T]{item: item, ready: ready, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *delayQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pop blocks until the earliest item is ready & returns it.
//
// Once `closed` is closed pop returns false as soon as the queue is empty;
// items still waiting for their ready time are always handed out first.
func (q *delayQueue[T]) pop(closed <-chan struct{}) (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-closed:
				// a push may have raced the close
				if q.len() > 0 {
					continue
				}
				var zero T
				return zero, false
			}
		}

		head := q.items[0]
		wait := time.Until(head.ready)
		if wait <= 0 {
			heap.Pop(&q.items)
			q.mu.Unlock()
			return head.item, true
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-q.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}
