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
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/botobag/rendezvous/park"

	"code.hybscloud.com/spin"
)

//===----------------------------------------------------------------------------------------====//
// qNode
//===----------------------------------------------------------------------------------------====//

// qNode is a node of the dual queue. The item field carries a *interface{}
// box (nil for requests) and is the CAS target of the rendezvous itself: a
// fulfiller flips it nil ↔ box. Two self-reference sentinels are encoded:
// item pointing at the node means the wait was cancelled, and next pointing
// at the node means the node was dequeued by an advanceHead.
type qNode struct {
	next   unsafe.Pointer // *qNode: next node in queue
	item   unsafe.Pointer // *interface{}: CAS'ed to or from nil
	waiter unsafe.Pointer // *park.Parker: set to control park/unpark
	isData bool
}

func (n *qNode) loadNext() *qNode {
	return (*qNode)(atomic.LoadPointer(&n.next))
}

func (n *qNode) casNext(cmp, val *qNode) bool {
	return atomic.CompareAndSwapPointer(&n.next, unsafe.Pointer(cmp), unsafe.Pointer(val))
}

func (n *qNode) loadItem() unsafe.Pointer {
	return atomic.LoadPointer(&n.item)
}

func (n *qNode) casItem(cmp, val unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&n.item, cmp, val)
}

func (n *qNode) storeItem(p unsafe.Pointer) {
	atomic.StorePointer(&n.item, p)
}

func (n *qNode) loadWaiter() *park.Parker {
	return (*park.Parker)(atomic.LoadPointer(&n.waiter))
}

func (n *qNode) storeWaiter(w *park.Parker) {
	atomic.StorePointer(&n.waiter, unsafe.Pointer(w))
}

// tryCancel cancels the wait by CASing the node itself in as the item.
func (n *qNode) tryCancel(cmp unsafe.Pointer) {
	n.casItem(cmp, unsafe.Pointer(n))
}

func (n *qNode) isCancelled() bool {
	return n.loadItem() == unsafe.Pointer(n)
}

// isOffList reports whether the node is known to be off the queue because
// its next pointer was forgotten by an advanceHead operation. Readers that
// observe the self-link restart from the queue's anchors.
func (n *qNode) isOffList() bool {
	return n.loadNext() == n
}

//===----------------------------------------------------------------------------------------====//
// transferQueue
//===----------------------------------------------------------------------------------------====//

// transferQueue is the fair (FIFO) transferer: a Scherer-Scott style dual
// queue, using modes within nodes rather than marked pointers. The
// algorithm is a little simpler than the stack's because fulfillers need no
// explicit nodes; matching is done by CASing a waiting node's item field
// from non-nil to nil (for puts) or vice versa (for takes).
type transferQueue struct {
	// Head of the queue. The node it references is always a dummy whose item
	// is dead; the first live element hangs off head.next. Waiters of either
	// mode append at the tail and fulfillers advance the head, so the dummy
	// keeps appenders and fulfillers off each other's pointers.
	head unsafe.Pointer // *qNode

	// Tail of the queue.
	tail unsafe.Pointer // *qNode

	// Reference to a cancelled node that might not yet have been unlinked
	// because it was the last inserted node when it was cancelled.
	cleanMe unsafe.Pointer // *qNode
}

// transferQueue implements transferer.
var _ transferer = (*transferQueue)(nil)

func newTransferQueue() *transferQueue {
	h := &qNode{} // dummy
	t := &transferQueue{}
	t.head = unsafe.Pointer(h)
	t.tail = unsafe.Pointer(h)
	return t
}

func (t *transferQueue) loadHead() *qNode {
	return (*qNode)(atomic.LoadPointer(&t.head))
}

func (t *transferQueue) loadTail() *qNode {
	return (*qNode)(atomic.LoadPointer(&t.tail))
}

func (t *transferQueue) loadCleanMe() *qNode {
	return (*qNode)(atomic.LoadPointer(&t.cleanMe))
}

// advanceHead tries to CAS nh as the new head; if successful, the old head's
// next is self-linked to avoid garbage retention and to signal "off-list" to
// concurrent readers.
func (t *transferQueue) advanceHead(h, nh *qNode) {
	if h == t.loadHead() &&
		atomic.CompareAndSwapPointer(&t.head, unsafe.Pointer(h), unsafe.Pointer(nh)) {
		atomic.StorePointer(&h.next, unsafe.Pointer(h)) // forget old next
	}
}

// advanceTail tries to CAS nt as the new tail.
func (t *transferQueue) advanceTail(tl, nt *qNode) {
	if t.loadTail() == tl {
		atomic.CompareAndSwapPointer(&t.tail, unsafe.Pointer(tl), unsafe.Pointer(nt))
	}
}

func (t *transferQueue) casCleanMe(cmp, val *qNode) bool {
	return atomic.CompareAndSwapPointer(&t.cleanMe, unsafe.Pointer(cmp), unsafe.Pointer(val))
}

// transfer puts or takes an item.
//
// The basic algorithm loops trying one of two actions:
//
//  1. If the queue is apparently empty or holds same-mode nodes, append a
//     waiter node, wait to be fulfilled (or cancelled), and return the
//     matching item.
//
//  2. If the queue apparently contains waiting nodes and this call is of
//     complementary mode, fulfil the head waiter by CASing its item field,
//     dequeue it, and return the matched item.
//
// In each case, along the way, lagging head and tail pointers are advanced
// on behalf of other stalled or slow tasks.
func (t *transferQueue) transfer(w *park.Parker, e interface{}, timed bool, deadline time.Time) (interface{}, bool) {
	var s *qNode // constructed/reused as needed
	isData := e != nil
	var ep unsafe.Pointer
	if isData {
		ep = unsafe.Pointer(&e)
	}

	for {
		tl := t.loadTail()
		h := t.loadHead()

		if h == tl || tl.isData == isData { // empty or same-mode
			tn := tl.loadNext()
			if tl != t.loadTail() { // inconsistent read
				continue
			}
			if tn != nil { // lagging tail
				t.advanceTail(tl, tn)
				continue
			}
			if timed && !time.Now().Before(deadline) { // can't wait
				return nil, false
			}
			if s == nil {
				s = &qNode{item: ep, isData: isData}
			}
			if !tl.casNext(nil, s) { // failed to link in
				continue
			}
			t.advanceTail(tl, s) // swing tail and wait

			x := t.awaitFulfill(s, ep, w, timed, deadline)
			if x == unsafe.Pointer(s) { // wait was cancelled
				t.clean(tl, s)
				return nil, false
			}

			if !s.isOffList() { // not already unlinked
				t.advanceHead(tl, s) // unlink if head
				if x != nil {        // and forget fields
					s.storeItem(unsafe.Pointer(s))
				}
				s.storeWaiter(nil)
			}
			if x != nil {
				return *(*interface{})(x), true
			}
			return e, true
		}

		// Complementary mode: fulfil the node at the head.
		m := h.loadNext() // node to fulfil
		if tl != t.loadTail() || m == nil || h != t.loadHead() {
			continue // inconsistent read
		}

		x := m.loadItem()
		if isData == (x != nil) || // m already fulfilled
			x == unsafe.Pointer(m) || // m cancelled
			!m.casItem(x, ep) { // lost CAS
			t.advanceHead(h, m) // dequeue and retry
			continue
		}

		t.advanceHead(h, m) // successfully fulfilled
		if wt := m.loadWaiter(); wt != nil {
			wt.Unpark()
		}
		if x != nil {
			return *(*interface{})(x), true
		}
		return e, true
	}
}

// awaitFulfill spins and then blocks until node s is fulfilled, returning
// the item observed in s (or s itself if the wait was cancelled). Only the
// head's successor spins: FIFO order means it is the next to be fulfilled.
func (t *transferQueue) awaitFulfill(s *qNode, ep unsafe.Pointer, w *park.Parker, timed bool, deadline time.Time) unsafe.Pointer {
	spins := 0
	if h := t.loadHead(); h.loadNext() == s {
		if timed {
			spins = maxTimedSpins
		} else {
			spins = maxUntimedSpins
		}
	}
	var sw spin.Wait
	for {
		if w.IsInterrupted() {
			s.tryCancel(ep)
		}
		x := s.loadItem()
		if x != ep {
			return x
		}
		var remaining time.Duration
		if timed {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				s.tryCancel(ep)
				continue
			}
		}
		if spins > 0 {
			spins--
			sw.Once()
		} else if s.loadWaiter() == nil {
			s.storeWaiter(w)
		} else if !timed {
			w.Park()
		} else if remaining > park.SpinForTimeoutThreshold {
			w.ParkUntil(deadline)
		}
	}
}

// clean gets rid of cancelled node s with original predecessor pred.
//
// At any given time exactly one node on the list cannot be deleted: the last
// inserted one. When s is that node, its predecessor is parked in the
// cleanMe slot instead, after first unlinking the previously saved victim.
// At least one of s or the saved node is always deletable, so this
// terminates even under adversarial cancellation of trailing nodes.
func (t *transferQueue) clean(pred, s *qNode) {
	s.storeWaiter(nil) // forget task handle

	for pred.loadNext() == s { // early return if already unlinked
		h := t.loadHead()
		hn := h.loadNext() // absorb cancelled first node as head
		if hn != nil && hn.isCancelled() {
			t.advanceHead(h, hn)
			continue
		}
		tl := t.loadTail() // ensure consistent read for tail
		if tl == h {
			return // queue is empty
		}
		tn := tl.loadNext()
		if tl != t.loadTail() {
			continue
		}
		if tn != nil {
			t.advanceTail(tl, tn)
			continue
		}
		if s != tl { // not tail: try to unsplice directly
			sn := s.loadNext()
			if sn == s || pred.casNext(s, sn) {
				return
			}
		}
		dp := t.loadCleanMe()
		if dp != nil { // try unlinking the previously saved victim
			d := dp.loadNext()
			clear := false
			if d == nil || // d is gone, or
				d == dp || // d is off-list, or
				!d.isCancelled() { // d no longer needs removal
				clear = true
			} else if d != tl { // d not tail and
				if dn := d.loadNext(); dn != nil && // has successor
					dn != d && // that is on-list
					dp.casNext(d, dn) { // d unspliced
					clear = true
				}
			}
			if clear {
				t.casCleanMe(dp, nil)
			}
			if dp == pred {
				return // s is already the saved node
			}
		} else if t.casCleanMe(nil, pred) {
			return // postpone cleaning s
		}
	}
}
