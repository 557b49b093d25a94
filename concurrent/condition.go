/**
 * Copyright (c) 2019, The Rendezvous Authors.
 *
 * Permission to use, copy, modify, and/or distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package concurrent

import (
	"sync"
	"time"

	"github.com/botobag/rendezvous/park"
)

// condWaiter is one entry in a condition's FIFO wait list. All fields are
// guarded by the condition's mutex.
type condWaiter struct {
	parker   *park.Parker
	next     *condWaiter
	notified bool
}

// condition is a wait/notify point associated with a mutex, built on the
// park primitive so waits are both timed and interruptible. It replaces the
// role sync.Cond would play, which cannot express either.
//
// All methods except the tail of await/awaitUntil require the associated
// mutex to be held. await and awaitUntil release the mutex while parked and
// reacquire it before returning, on every return path.
type condition struct {
	mutex *sync.Mutex

	// FIFO wait list. signal wakes head first, so waiters are released in
	// arrival order.
	head *condWaiter
	tail *condWaiter
}

func newCondition(mutex *sync.Mutex) *condition {
	return &condition{mutex: mutex}
}

// enqueue appends n to the wait list. Caller holds the mutex.
func (c *condition) enqueue(n *condWaiter) {
	if c.tail == nil {
		c.head = n
	} else {
		c.tail.next = n
	}
	c.tail = n
}

// remove unlinks n from the wait list if still present. Caller holds the
// mutex.
func (c *condition) remove(n *condWaiter) {
	var prev *condWaiter
	for q := c.head; q != nil; q = q.next {
		if q == n {
			if prev == nil {
				c.head = q.next
			} else {
				prev.next = q.next
			}
			if c.tail == q {
				c.tail = prev
			}
			n.next = nil
			return
		}
		prev = q
	}
}

// await blocks until signalled or interrupted. The caller must hold the
// mutex and must re-check its predicate on return; wake-ups may be spurious.
// On ErrInterrupted the waiter has been unlinked, the caller's interrupt
// flag consumed, and no signal lost.
func (c *condition) await(w *park.Parker) error {
	_, err := c.doAwait(w, time.Time{}, false)
	return err
}

// awaitUntil is await with a deadline. It reports (true, nil) when the
// deadline elapsed before a signal arrived.
func (c *condition) awaitUntil(w *park.Parker, deadline time.Time) (timedOut bool, err error) {
	return c.doAwait(w, deadline, true)
}

func (c *condition) doAwait(w *park.Parker, deadline time.Time, timed bool) (bool, error) {
	if w == nil {
		w = park.NewParker()
	}

	n := &condWaiter{parker: w}
	c.enqueue(n)
	c.mutex.Unlock()

	for {
		if timed {
			w.ParkUntil(deadline)
		} else {
			w.Park()
		}

		c.mutex.Lock()
		if n.notified {
			// A signal chose us. The interrupt flag, if concurrently set, stays
			// set for the caller's next blocking operation to observe.
			return false, nil
		}
		if w.ClearInterrupted() {
			c.remove(n)
			return false, ErrInterrupted
		}
		if timed && !time.Now().Before(deadline) {
			c.remove(n)
			return true, nil
		}
		// Spurious wake-up. Park again.
		c.mutex.Unlock()
	}
}

// signal releases the longest-waiting waiter, if any. Caller holds the
// mutex.
func (c *condition) signal() {
	n := c.head
	if n == nil {
		return
	}
	c.head = n.next
	if c.head == nil {
		c.tail = nil
	}
	n.next = nil
	n.notified = true
	n.parker.Unpark()
}

// signalAll releases every waiter. Caller holds the mutex.
func (c *condition) signalAll() {
	for n := c.head; n != nil; {
		next := n.next
		n.next = nil
		n.notified = true
		n.parker.Unpark()
		n = next
	}
	c.head = nil
	c.tail = nil
}
