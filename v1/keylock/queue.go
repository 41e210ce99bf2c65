package keylock

import (
	"container/list"
	"time"
)

// waiter is a caller parked on a held key. ready is closed exactly once,
// when the waiter becomes the holder.
type waiter struct {
	ready    chan struct{}
	queuedAt time.Time
	elem     *list.Element
}

// entry is the state of a locked key. A nil or empty queue means the key
// is held with nobody waiting.
type entry struct {
	waiters *list.List
}

func (e *entry) len() int {
	if e.waiters == nil {
		return 0
	}
	return e.waiters.Len()
}

func (e *entry) push() *waiter {
	if e.waiters == nil {
		e.waiters = list.New()
	}
	w := &waiter{ready: make(chan struct{}), queuedAt: time.Now()}
	w.elem = e.waiters.PushBack(w)
	return w
}

// pop removes the head waiter, or returns nil if the queue is empty.
func (e *entry) pop() *waiter {
	if e.len() == 0 {
		return nil
	}
	return e.waiters.Remove(e.waiters.Front()).(*waiter)
}

// remove unlinks w from anywhere in the queue. The order of the others is
// unchanged.
func (e *entry) remove(w *waiter) {
	e.waiters.Remove(w.elem)
}
