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
// sNode
//===----------------------------------------------------------------------------------------====//

// Modes for sNodes, ORed together in node mode fields.
const (
	// Node represents an unfulfilled consumer.
	modeRequest int32 = 0
	// Node represents an unfulfilled producer.
	modeData int32 = 1
	// Node is fulfilling another unfulfilled DATA or REQUEST.
	modeFulfilling int32 = 2
)

// isFulfilling reports whether m has the fulfilling bit set.
func isFulfilling(m int32) bool { return m&modeFulfilling != 0 }

// sNode is a node of the dual stack. A node is matched iff match is
// non-nil; match pointing at the node itself means the wait was cancelled.
// item and mode need no atomic access because they are always written
// before, and read after, the head CAS that publishes the node.
type sNode struct {
	next   unsafe.Pointer // *sNode: next node in stack
	match  unsafe.Pointer // *sNode: the node matched to this one
	waiter unsafe.Pointer // *park.Parker: set to control park/unpark
	item   interface{}    // data, or nil for REQUESTs
	mode   int32
}

func (n *sNode) loadNext() *sNode {
	return (*sNode)(atomic.LoadPointer(&n.next))
}

func (n *sNode) casNext(cmp, val *sNode) bool {
	return atomic.CompareAndSwapPointer(&n.next, unsafe.Pointer(cmp), unsafe.Pointer(val))
}

func (n *sNode) loadMatch() *sNode {
	return (*sNode)(atomic.LoadPointer(&n.match))
}

func (n *sNode) loadWaiter() *park.Parker {
	return (*park.Parker)(atomic.LoadPointer(&n.waiter))
}

func (n *sNode) storeWaiter(w *park.Parker) {
	atomic.StorePointer(&n.waiter, unsafe.Pointer(w))
}

// tryMatch tries to match node s to this node and, if so, wakes up the
// waiting task. Fulfillers call tryMatch to identify their waiters; waiters
// block until they have been matched. Reports whether this node is matched
// to s (whether by this call or a previous one).
func (n *sNode) tryMatch(s *sNode) bool {
	if n.loadMatch() == nil &&
		atomic.CompareAndSwapPointer(&n.match, nil, unsafe.Pointer(s)) {
		if w := n.loadWaiter(); w != nil {
			// Waiters need at most one unpark.
			n.storeWaiter(nil)
			w.Unpark()
		}
		return true
	}
	return n.loadMatch() == s
}

// tryCancel cancels the wait by matching the node to itself.
func (n *sNode) tryCancel() {
	atomic.CompareAndSwapPointer(&n.match, nil, unsafe.Pointer(n))
}

func (n *sNode) isCancelled() bool {
	return n.loadMatch() == n
}

//===----------------------------------------------------------------------------------------====//
// transferStack
//===----------------------------------------------------------------------------------------====//

// transferStack is the unfair (LIFO) transferer: a dual stack whose nodes
// are either requests or data, with FULFILLING marker nodes reserving a spot
// to match a waiting node.
type transferStack struct {
	// The head (top) of the stack.
	head unsafe.Pointer // *sNode
}

// transferStack implements transferer.
var _ transferer = (*transferStack)(nil)

func (t *transferStack) loadHead() *sNode {
	return (*sNode)(atomic.LoadPointer(&t.head))
}

func (t *transferStack) casHead(h, nh *sNode) bool {
	return atomic.CompareAndSwapPointer(&t.head, unsafe.Pointer(h), unsafe.Pointer(nh))
}

// snode creates or resets fields of a node. Called only from transfer where
// the node to push is lazily created and reused when possible, to reduce the
// interval between reads and CASes of head and to avoid garbage surges when
// push CASes fail under contention.
func snode(s *sNode, e interface{}, next *sNode, mode int32) *sNode {
	if s == nil {
		s = &sNode{item: e}
	}
	s.mode = mode
	s.next = unsafe.Pointer(next)
	return s
}

// transfer puts or takes an item.
//
// The basic algorithm loops trying one of three actions:
//
//  1. If apparently empty or already containing nodes of the same mode, push
//     a waiter node and wait for a match, returning it (or nothing if
//     cancelled).
//
//  2. If apparently containing a node of complementary mode, push a
//     fulfilling node, match it with the corresponding waiting node, pop
//     both, and return the matched item. The matching or unlinking might not
//     actually be necessary because of other tasks performing action 3.
//
//  3. If the top of the stack already holds a fulfilling node, help it out
//     by doing its match and/or pop operations, then retry.
func (t *transferStack) transfer(w *park.Parker, e interface{}, timed bool, deadline time.Time) (interface{}, bool) {
	var s *sNode // constructed/reused as needed
	mode := modeRequest
	if e != nil {
		mode = modeData
	}

	for {
		h := t.loadHead()
		switch {
		case h == nil || h.mode == mode: // empty or same-mode
			if timed && !time.Now().Before(deadline) { // can't wait
				if h != nil && h.isCancelled() {
					t.casHead(h, h.loadNext()) // pop cancelled node
				} else {
					return nil, false
				}
			} else if s = snode(s, e, h, mode); t.casHead(h, s) {
				m := t.awaitFulfill(s, w, timed, deadline)
				if m == s { // wait was cancelled
					t.clean(s)
					return nil, false
				}
				if h = t.loadHead(); h != nil && h.loadNext() == s {
					t.casHead(h, s.loadNext()) // help s's fulfiller
				}
				if mode == modeRequest {
					return m.item, true
				}
				return s.item, true
			}

		case !isFulfilling(h.mode): // try to fulfill
			if h.isCancelled() { // already cancelled
				t.casHead(h, h.loadNext()) // pop and retry
			} else if s = snode(s, e, h, modeFulfilling|mode); t.casHead(h, s) {
				for { // loop until matched or waiters disappear
					m := s.loadNext() // m is s's match
					if m == nil {     // all waiters are gone
						t.casHead(s, nil) // pop fulfill node
						s = nil           // use new node next time
						break             // restart main loop
					}
					mn := m.loadNext()
					if m.tryMatch(s) {
						t.casHead(s, mn) // pop both s and m
						if mode == modeRequest {
							return m.item, true
						}
						return s.item, true
					}
					// Lost the match; help unlink.
					s.casNext(m, mn)
				}
			}

		default: // help a fulfiller
			m := h.loadNext() // m is h's match
			if m == nil {     // waiter is gone
				t.casHead(h, nil) // pop fulfilling node
			} else {
				mn := m.loadNext()
				if m.tryMatch(h) { // help match
					t.casHead(h, mn) // pop both h and m
				} else { // lost match
					h.casNext(m, mn) // help unlink
				}
			}
		}
	}
}

// awaitFulfill spins and then blocks until node s is matched by a fulfill
// operation, returning the matching node (or s itself if the wait was
// cancelled by interrupt or timeout).
//
// Before parking, the node publishes its waiter field and re-checks state at
// least once more, covering the race against a fulfiller that notices the
// waiter is non-nil and must wake it. When the node is at the point of call
// the head of the stack, parking is preceded by spins, so that rendezvous
// arriving very close in time complete without a context switch. Interrupts
// take precedence over normal returns, which take precedence over timeouts.
func (t *transferStack) awaitFulfill(s *sNode, w *park.Parker, timed bool, deadline time.Time) *sNode {
	spins := 0
	if t.shouldSpin(s) {
		if timed {
			spins = maxTimedSpins
		} else {
			spins = maxUntimedSpins
		}
	}
	var sw spin.Wait
	for {
		if w.IsInterrupted() {
			s.tryCancel()
		}
		if m := s.loadMatch(); m != nil {
			return m
		}
		var remaining time.Duration
		if timed {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				s.tryCancel()
				continue
			}
		}
		if spins > 0 {
			if t.shouldSpin(s) {
				spins--
			} else {
				spins = 0
			}
			sw.Once()
		} else if s.loadWaiter() == nil {
			// Establish waiter so the fulfiller can unpark on the next pass.
			s.storeWaiter(w)
		} else if !timed {
			w.Park()
		} else if remaining > park.SpinForTimeoutThreshold {
			w.ParkUntil(deadline)
		}
	}
}

// shouldSpin reports whether node s is at the head or there is an active
// fulfiller, i.e. it is likely to be matched next.
func (t *transferStack) shouldSpin(s *sNode) bool {
	h := t.loadHead()
	return h == s || h == nil || isFulfilling(h.mode)
}

// clean unlinks cancelled node s from the stack.
//
// At worst the entire stack is traversed. Concurrent clean calls might not
// see s if another task already removed it, but the traversal can stop at
// any node known to follow s: s's successor, or one past it when that too is
// cancelled.
func (t *transferStack) clean(s *sNode) {
	s.item = nil // forget item
	s.storeWaiter(nil)

	past := s.loadNext()
	if past != nil && past.isCancelled() {
		past = past.loadNext()
	}

	// Absorb cancelled nodes at the head.
	var p *sNode
	for {
		p = t.loadHead()
		if p == nil || p == past || !p.isCancelled() {
			break
		}
		t.casHead(p, p.loadNext())
	}

	// Unsplice embedded nodes.
	for p != nil && p != past {
		n := p.loadNext()
		if n != nil && n.isCancelled() {
			p.casNext(n, n.loadNext())
		} else {
			p = n
		}
	}
}
