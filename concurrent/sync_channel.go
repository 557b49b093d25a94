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
	"runtime"
	"time"

	"github.com/botobag/rendezvous/park"
)

// The number of CPUs, for spin control.
var ncpus = runtime.NumCPU()

// The number of times to spin before parking in a timed wait. The value is
// empirically derived: it works well across a variety of processors and OSes.
// Spinning instead of parking pays off when rendezvous arrive in bursts, but
// only on multiprocessors.
var maxTimedSpins = func() int {
	if ncpus < 2 {
		return 0
	}
	return 32
}()

// The number of times to spin before parking in an untimed wait. This is
// greater than the timed value because untimed waits spin faster (no
// deadline check on each iteration).
var maxUntimedSpins = maxTimedSpins * 16

// transferer abstracts the dual data structure behind a SynchronousChannel:
// transfer performs a put (e non-nil) or a take (e nil), returning the
// transferred item and true, or (nil, false) when the wait was cancelled by
// timeout or interrupt. The caller distinguishes the two by examining w's
// interrupt flag.
type transferer interface {
	transfer(w *park.Parker, e interface{}, timed bool, deadline time.Time) (interface{}, bool)
}

//===----------------------------------------------------------------------------------------====//
// SynchronousChannel
//===----------------------------------------------------------------------------------------====//

// SynchronousChannel is a zero-capacity rendezvous point: every Put must
// wait for a Take and vice versa, and the item passes directly from producer
// to consumer with no buffering in between.
//
// Fairness is selected at construction. An unfair channel backs onto a dual
// stack: arrival order among concurrent waiters is not honoured, but the
// LIFO discipline keeps hot tasks hot and tends to win on throughput. A fair
// channel backs onto a dual queue: producers match in arrival order,
// consumers match in arrival order, and cross-role matching is FIFO.
//
// SynchronousChannel implements BlockingQueue so it can stand in wherever a
// queue is consumed (an executor hand-off, for example), but it has no
// observable content: Peek, Size, Contains and the rest of the observers
// report a permanently empty collection.
type SynchronousChannel struct {
	xfer transferer
}

// SynchronousChannel implements BlockingQueue.
var _ BlockingQueue = (*SynchronousChannel)(nil)

// NewSynchronousChannel creates a SynchronousChannel with the given fairness
// policy.
func NewSynchronousChannel(fair bool) *SynchronousChannel {
	c := &SynchronousChannel{}
	if fair {
		c.xfer = newTransferQueue()
	} else {
		c.xfer = &transferStack{}
	}
	return c
}

// Put implements BlockingQueue. It hands element to a consumer, waiting as
// long as it takes for one to arrive.
func (c *SynchronousChannel) Put(w *park.Parker, element interface{}) error {
	checkNotNil(element)
	if w == nil {
		w = park.NewParker()
	}
	if _, ok := c.xfer.transfer(w, element, false, time.Time{}); ok {
		return nil
	}
	// An untimed transfer fails only by interrupt.
	w.ClearInterrupted()
	return ErrInterrupted
}

// Offer implements BlockingQueue. It hands element to a consumer only if one
// is already waiting.
func (c *SynchronousChannel) Offer(element interface{}) bool {
	checkNotNil(element)
	_, ok := c.xfer.transfer(nil, element, true, time.Now())
	return ok
}

// OfferTimeout implements BlockingQueue. It hands element to a consumer,
// waiting up to timeout for one to arrive; (false, nil) means none did.
func (c *SynchronousChannel) OfferTimeout(w *park.Parker, element interface{}, timeout time.Duration) (bool, error) {
	checkNotNil(element)
	if w == nil {
		w = park.NewParker()
	}
	if _, ok := c.xfer.transfer(w, element, true, time.Now().Add(timeout)); ok {
		return true, nil
	}
	if w.ClearInterrupted() {
		return false, ErrInterrupted
	}
	return false, nil
}

// Take implements BlockingQueue. It receives an element from a producer,
// waiting as long as it takes for one to arrive.
func (c *SynchronousChannel) Take(w *park.Parker) (interface{}, error) {
	if w == nil {
		w = park.NewParker()
	}
	if x, ok := c.xfer.transfer(w, nil, false, time.Time{}); ok {
		return x, nil
	}
	w.ClearInterrupted()
	return nil, ErrInterrupted
}

// Poll implements BlockingQueue. It receives an element only if a producer
// is already waiting; otherwise ErrWouldBlock.
func (c *SynchronousChannel) Poll() (interface{}, error) {
	if x, ok := c.xfer.transfer(nil, nil, true, time.Now()); ok {
		return x, nil
	}
	return nil, ErrWouldBlock
}

// PollTimeout implements BlockingQueue. It receives an element, waiting up
// to timeout for a producer; ErrTimeout means none arrived.
func (c *SynchronousChannel) PollTimeout(w *park.Parker, timeout time.Duration) (interface{}, error) {
	if w == nil {
		w = park.NewParker()
	}
	if x, ok := c.xfer.transfer(w, nil, true, time.Now().Add(timeout)); ok {
		return x, nil
	}
	if w.ClearInterrupted() {
		return nil, ErrInterrupted
	}
	return nil, ErrTimeout
}

// Peek implements BlockingQueue. A synchronous channel holds nothing, so
// there is never a head to observe.
func (c *SynchronousChannel) Peek() (interface{}, error) {
	return nil, ErrWouldBlock
}

// Size implements BlockingQueue. It is always zero: an element is only ever
// present at the instant of its transfer.
func (c *SynchronousChannel) Size() int {
	return 0
}

// RemainingCapacity implements BlockingQueue. It is always zero.
func (c *SynchronousChannel) RemainingCapacity() int {
	return 0
}

// Contains implements BlockingQueue. It is always false.
func (c *SynchronousChannel) Contains(element interface{}) bool {
	return false
}

// Remove implements BlockingQueue. It is always false.
func (c *SynchronousChannel) Remove(element interface{}) bool {
	return false
}

// Clear implements BlockingQueue. It is a no-op.
func (c *SynchronousChannel) Clear() {}
