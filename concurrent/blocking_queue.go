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

	"code.hybscloud.com/atomix"
)

//===----------------------------------------------------------------------------------------====//
// queueNode
//===----------------------------------------------------------------------------------------====//

// queueNode is a singly-linked list node. The list always begins with a
// sentinel whose item is nil; real elements live from head.next onward. A
// dequeued node is self-linked (next pointing at itself) to mark it off-list.
type queueNode struct {
	item interface{}
	next *queueNode
}

//===----------------------------------------------------------------------------------------====//
// LinkedBlockingQueue
//===----------------------------------------------------------------------------------------====//

// LinkedBlockingQueue is a bounded FIFO blocking queue backed by a linked
// list with a sentinel head.
//
// It uses the two-lock queue discipline: putLock guards the tail and is
// taken by producers, takeLock guards the head and is taken by consumers,
// and the element count is an atomic shared by both sides. Because the
// sentinel separates the head anchor from the first live element, whenever
// the queue is non-empty producers touch only last and consumers touch only
// head; they never race on the same pointer.
//
// Visibility between the two sides flows through count: every enqueue
// updates count last (under putLock), and a consumer that observes count == n
// under takeLock is guaranteed to see the first n node publications.
//
// Waiters on a full or empty queue are released with a cascading signal: one
// signal per state transition, with the awakened peer re-signalling if slack
// or work remains. This bounds wake-up overhead at O(elements) rather than
// O(waiters * elements) while leaving no waiter stranded.
type LinkedBlockingQueue struct {
	// The capacity bound.
	capacity int

	// Current number of elements.
	count atomix.Int64

	// Head of the list; head.item is always nil. Guarded by takeLock.
	head *queueNode

	// Tail of the list; last.next is always nil. Guarded by putLock.
	last *queueNode

	// Lock held by Take, Poll, etc.
	takeLock sync.Mutex
	notEmpty *condition

	// Lock held by Put, Offer, etc.
	putLock sync.Mutex
	notFull *condition
}

// LinkedBlockingQueue implements BlockingQueue.
var _ BlockingQueue = (*LinkedBlockingQueue)(nil)

// NewLinkedBlockingQueue creates a LinkedBlockingQueue with the given
// capacity. It panics if capacity is not positive.
func NewLinkedBlockingQueue(capacity int) *LinkedBlockingQueue {
	if capacity <= 0 {
		panic("concurrent: LinkedBlockingQueue capacity must be positive")
	}
	sentinel := &queueNode{}
	q := &LinkedBlockingQueue{
		capacity: capacity,
		head:     sentinel,
		last:     sentinel,
	}
	q.notEmpty = newCondition(&q.takeLock)
	q.notFull = newCondition(&q.putLock)
	return q
}

// NewLinkedBlockingQueueFrom creates a LinkedBlockingQueue with the given
// capacity, initially containing the given elements in order. It returns
// ErrCapacityExceeded if the elements do not fit.
func NewLinkedBlockingQueueFrom(capacity int, elements []interface{}) (*LinkedBlockingQueue, error) {
	q := NewLinkedBlockingQueue(capacity)
	// Never contended at this point; the locks are taken only for visibility
	// of the node publications.
	q.putLock.Lock()
	n := 0
	for _, e := range elements {
		checkNotNil(e)
		if n == capacity {
			q.putLock.Unlock()
			return nil, ErrCapacityExceeded
		}
		q.enqueue(&queueNode{item: e})
		n++
	}
	q.count.StoreRelease(int64(n))
	q.putLock.Unlock()
	return q, nil
}

func checkNotNil(element interface{}) {
	if element == nil {
		panic("concurrent: nil element")
	}
}

// enqueue links node at the end of the list. Caller holds putLock.
func (q *LinkedBlockingQueue) enqueue(node *queueNode) {
	q.last.next = node
	q.last = node
}

// dequeue removes a node from the head of the list, promoting its node to be
// the new sentinel. Caller holds takeLock.
func (q *LinkedBlockingQueue) dequeue() interface{} {
	h := q.head
	first := h.next
	h.next = h // self-link: off-list, helps GC and stops stale iterators
	q.head = first
	x := first.item
	first.item = nil
	return x
}

// signalNotEmpty signals a waiting consumer. Called from producers that just
// made the queue non-empty; takeLock is taken briefly for the signal only.
func (q *LinkedBlockingQueue) signalNotEmpty() {
	q.takeLock.Lock()
	q.notEmpty.signal()
	q.takeLock.Unlock()
}

// signalNotFull signals a waiting producer. Called from consumers that just
// made space.
func (q *LinkedBlockingQueue) signalNotFull() {
	q.putLock.Lock()
	q.notFull.signal()
	q.putLock.Unlock()
}

// fullyLock acquires both locks, freezing the structure for operations that
// traverse it.
func (q *LinkedBlockingQueue) fullyLock() {
	q.putLock.Lock()
	q.takeLock.Lock()
}

func (q *LinkedBlockingQueue) fullyUnlock() {
	q.takeLock.Unlock()
	q.putLock.Unlock()
}

// Size implements BlockingQueue.
func (q *LinkedBlockingQueue) Size() int {
	return int(q.count.LoadAcquire())
}

// RemainingCapacity implements BlockingQueue.
func (q *LinkedBlockingQueue) RemainingCapacity() int {
	return q.capacity - int(q.count.LoadAcquire())
}

// Put implements BlockingQueue. It inserts element at the tail, waiting for
// space if the queue is full. The wait is bound to w; a concurrent
// w.Interrupt unblocks it with ErrInterrupted and the queue unchanged.
func (q *LinkedBlockingQueue) Put(w *park.Parker, element interface{}) error {
	checkNotNil(element)
	q.putLock.Lock()
	for q.count.LoadAcquire() == int64(q.capacity) {
		if err := q.notFull.await(w); err != nil {
			q.putLock.Unlock()
			return err
		}
	}
	q.enqueue(&queueNode{item: element})
	c := q.count.AddAcqRel(1) - 1
	if c+1 < int64(q.capacity) {
		// Still slack after us; wake one more producer (cascading notify).
		q.notFull.signal()
	}
	q.putLock.Unlock()
	if c == 0 {
		q.signalNotEmpty()
	}
	return nil
}

// OfferTimeout implements BlockingQueue. It inserts element at the tail,
// waiting up to timeout for space; (false, nil) means the deadline elapsed
// with the queue still full.
func (q *LinkedBlockingQueue) OfferTimeout(w *park.Parker, element interface{}, timeout time.Duration) (bool, error) {
	checkNotNil(element)
	deadline := time.Now().Add(timeout)
	q.putLock.Lock()
	for q.count.LoadAcquire() == int64(q.capacity) {
		if !time.Now().Before(deadline) {
			q.putLock.Unlock()
			return false, nil
		}
		if _, err := q.notFull.awaitUntil(w, deadline); err != nil {
			q.putLock.Unlock()
			return false, err
		}
	}
	q.enqueue(&queueNode{item: element})
	c := q.count.AddAcqRel(1) - 1
	if c+1 < int64(q.capacity) {
		q.notFull.signal()
	}
	q.putLock.Unlock()
	if c == 0 {
		q.signalNotEmpty()
	}
	return true, nil
}

// Offer implements BlockingQueue. It inserts element at the tail only if
// the queue has space right now, without waiting.
func (q *LinkedBlockingQueue) Offer(element interface{}) bool {
	checkNotNil(element)
	if q.count.LoadAcquire() == int64(q.capacity) {
		return false
	}
	c := int64(-1)
	q.putLock.Lock()
	if q.count.LoadAcquire() < int64(q.capacity) {
		q.enqueue(&queueNode{item: element})
		c = q.count.AddAcqRel(1) - 1
		if c+1 < int64(q.capacity) {
			q.notFull.signal()
		}
	}
	q.putLock.Unlock()
	if c == 0 {
		q.signalNotEmpty()
	}
	return c >= 0
}

// Take implements BlockingQueue. It removes and returns the head element,
// waiting until one is available.
func (q *LinkedBlockingQueue) Take(w *park.Parker) (interface{}, error) {
	q.takeLock.Lock()
	for q.count.LoadAcquire() == 0 {
		if err := q.notEmpty.await(w); err != nil {
			q.takeLock.Unlock()
			return nil, err
		}
	}
	x := q.dequeue()
	c := q.count.AddAcqRel(-1) + 1
	if c > 1 {
		// More behind us; wake one more consumer (cascading notify).
		q.notEmpty.signal()
	}
	q.takeLock.Unlock()
	if c == int64(q.capacity) {
		q.signalNotFull()
	}
	return x, nil
}

// PollTimeout implements BlockingQueue. It removes and returns the head
// element, waiting up to timeout; ErrTimeout means the deadline elapsed
// with the queue still empty.
func (q *LinkedBlockingQueue) PollTimeout(w *park.Parker, timeout time.Duration) (interface{}, error) {
	deadline := time.Now().Add(timeout)
	q.takeLock.Lock()
	for q.count.LoadAcquire() == 0 {
		if !time.Now().Before(deadline) {
			q.takeLock.Unlock()
			return nil, ErrTimeout
		}
		if _, err := q.notEmpty.awaitUntil(w, deadline); err != nil {
			q.takeLock.Unlock()
			return nil, err
		}
	}
	x := q.dequeue()
	c := q.count.AddAcqRel(-1) + 1
	if c > 1 {
		q.notEmpty.signal()
	}
	q.takeLock.Unlock()
	if c == int64(q.capacity) {
		q.signalNotFull()
	}
	return x, nil
}

// Poll implements BlockingQueue. It removes and returns the head element
// only if one is available right now; otherwise ErrWouldBlock.
func (q *LinkedBlockingQueue) Poll() (interface{}, error) {
	if q.count.LoadAcquire() == 0 {
		return nil, ErrWouldBlock
	}
	var (
		x interface{}
		c = int64(-1)
	)
	q.takeLock.Lock()
	if q.count.LoadAcquire() > 0 {
		x = q.dequeue()
		c = q.count.AddAcqRel(-1) + 1
		if c > 1 {
			q.notEmpty.signal()
		}
	}
	q.takeLock.Unlock()
	if c == int64(q.capacity) {
		q.signalNotFull()
	}
	if c < 0 {
		return nil, ErrWouldBlock
	}
	return x, nil
}

// Peek implements BlockingQueue. It returns the head element without
// removing it, or ErrWouldBlock if the queue is empty.
func (q *LinkedBlockingQueue) Peek() (interface{}, error) {
	if q.count.LoadAcquire() == 0 {
		return nil, ErrWouldBlock
	}
	q.takeLock.Lock()
	var x interface{}
	if first := q.head.next; first != nil {
		x = first.item
	}
	q.takeLock.Unlock()
	if x == nil {
		return nil, ErrWouldBlock
	}
	return x, nil
}

// unlink removes node p whose predecessor is trail. Caller holds both
// locks.
func (q *LinkedBlockingQueue) unlink(p, trail *queueNode) {
	p.item = nil
	trail.next = p.next
	if q.last == p {
		q.last = trail
	}
	if q.count.AddAcqRel(-1) == int64(q.capacity)-1 {
		q.notFull.signal()
	}
}

// Remove implements BlockingQueue. It removes the first occurrence of
// element (compared with ==), reporting whether the queue changed.
func (q *LinkedBlockingQueue) Remove(element interface{}) bool {
	if element == nil {
		return false
	}
	q.fullyLock()
	for trail, p := q.head, q.head.next; p != nil; trail, p = p, p.next {
		if p.item == element {
			q.unlink(p, trail)
			q.fullyUnlock()
			return true
		}
	}
	q.fullyUnlock()
	return false
}

// Contains implements BlockingQueue.
func (q *LinkedBlockingQueue) Contains(element interface{}) bool {
	if element == nil {
		return false
	}
	q.fullyLock()
	for p := q.head.next; p != nil; p = p.next {
		if p.item == element {
			q.fullyUnlock()
			return true
		}
	}
	q.fullyUnlock()
	return false
}

// Clear implements BlockingQueue. It atomically removes every element.
func (q *LinkedBlockingQueue) Clear() {
	q.fullyLock()
	h := q.head
	for p := h.next; p != nil; {
		next := p.next
		p.item = nil
		p.next = p
		p = next
	}
	h.next = nil
	q.last = h
	c := q.count.LoadAcquire()
	q.count.StoreRelease(0)
	if c == int64(q.capacity) {
		q.notFull.signal()
	}
	q.fullyUnlock()
}

// DrainTo removes up to max elements (all of them if max is negative) and
// feeds each to sink in queue order, returning the number drained. Only
// takeLock is held, so producers keep running while the drain proceeds.
func (q *LinkedBlockingQueue) DrainTo(sink func(element interface{}), max int) int {
	if sink == nil {
		panic("concurrent: DrainTo with nil sink")
	}
	if max == 0 {
		return 0
	}
	signalNotFull := false
	q.takeLock.Lock()
	n := int(q.count.LoadAcquire())
	if max > 0 && max < n {
		n = max
	}
	h := q.head
	i := 0
	// The sink runs with takeLock held; if it panics, the nodes consumed so
	// far must stay consumed before the panic escapes.
	defer func() {
		if i > 0 {
			q.head = h
			signalNotFull = q.count.AddAcqRel(int64(-i)) == int64(q.capacity-i)
		}
		q.takeLock.Unlock()
		if signalNotFull {
			q.signalNotFull()
		}
	}()
	for i < n {
		p := h.next
		x := p.item
		p.item = nil
		h.next = h
		h = p
		i++
		sink(x)
	}
	return n
}

//===----------------------------------------------------------------------------------------====//
// QueueIterator
//===----------------------------------------------------------------------------------------====//

// iterDone is defined to serve as the type for Done. It allows an immutable
// package-level value.
type iterDone int

// Error implements Go's error interface for iterDone.
func (iterDone) Error() string {
	return "no more elements in iterator"
}

var _ error = iterDone(0)

// Done is returned by an iterator's Next method when the iteration is
// complete.
const Done iterDone = 0

// QueueIterator traverses a LinkedBlockingQueue in head-to-tail order. It is
// weakly consistent: it observes elements lazily, may miss insertions and
// removals that race with the traversal, and never fails on concurrent
// modification. Each element is returned at most once.
type QueueIterator struct {
	queue *LinkedBlockingQueue

	// The next node to return and its element. The element is captured
	// eagerly because the node's item may be nulled by a concurrent dequeue
	// between HasNext and Next.
	current        *queueNode
	currentElement interface{}
}

// Iterator returns a weakly-consistent iterator over the queue's elements.
func (q *LinkedBlockingQueue) Iterator() *QueueIterator {
	it := &QueueIterator{queue: q}
	q.fullyLock()
	it.current = q.head.next
	if it.current != nil {
		it.currentElement = it.current.item
	}
	q.fullyUnlock()
	return it
}

// HasNext reports whether Next would return an element.
func (it *QueueIterator) HasNext() bool {
	return it.current != nil
}

// nextNode returns the live successor of p, skipping dequeued nodes. A
// self-linked node marks a dequeue race; the traversal restarts from the
// current head since everything between has been consumed.
func (it *QueueIterator) nextNode(p *queueNode) *queueNode {
	for {
		s := p.next
		if s == p {
			return it.queue.head.next
		}
		if s == nil || s.item != nil {
			return s
		}
		p = s
	}
}

// Next returns the next element, or Done when the traversal is complete.
func (it *QueueIterator) Next() (interface{}, error) {
	q := it.queue
	q.fullyLock()
	if it.current == nil {
		q.fullyUnlock()
		return nil, Done
	}
	x := it.currentElement
	it.current = it.nextNode(it.current)
	if it.current == nil {
		it.currentElement = nil
	} else {
		it.currentElement = it.current.item
	}
	q.fullyUnlock()
	return x, nil
}
