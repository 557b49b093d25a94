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

// Package park provides the blocking primitive used by the synchronization
// structures in this module: a per-task permit that a task consumes to
// suspend itself and that any other task can make available to resume it,
// plus the per-task interrupt flag that every blocking operation observes.
package park

import (
	"time"

	"code.hybscloud.com/atomix"
)

// SpinForTimeoutThreshold is the duration below which a timed wait is better
// served by spinning than by parking. Parking for a sub-microsecond interval
// costs more than the interval itself; callers that hold a deadline closer
// than this should spin until it passes.
const SpinForTimeoutThreshold = 1000 * time.Nanosecond

// A Parker is the blocking handle of a single task (goroutine). It carries a
// one-slot permit and an interrupt flag.
//
// Park consumes the permit, blocking until one is available. Unpark makes the
// permit available; at most one permit is ever banked, so consecutive Unpark
// calls are indistinguishable from one. This ordering-insensitivity is the
// point: an Unpark that races ahead of the Park it is meant to release simply
// causes that Park to return immediately.
//
// Park may also return spuriously. Callers must re-check the condition they
// were waiting for in a loop and never treat a bare return as a notification.
//
// A Parker must not be shared by tasks that block independently; each
// blocking task owns exactly one.
type Parker struct {
	// The permit. A buffered channel of capacity one is the binary
	// semaphore: a send banks the permit, a receive consumes it.
	permit chan struct{}

	// The interrupt flag. Zero means clear. Stored with release so that a
	// task observing the flag with an acquire load also observes everything
	// the interrupter published before setting it.
	interrupted atomix.Int32
}

// NewParker creates a Parker with no banked permit and a clear interrupt
// flag.
func NewParker() *Parker {
	return &Parker{
		permit: make(chan struct{}, 1),
	}
}

// Park suspends the calling task until a permit is available and consumes
// it. If the interrupt flag is set on entry, Park returns immediately
// without consuming a permit.
func (p *Parker) Park() {
	if p.IsInterrupted() {
		return
	}
	<-p.permit
}

// ParkUntil suspends the calling task until a permit is available, the
// deadline arrives, or the interrupt flag is observed on entry. The permit
// is consumed only if it was the cause of the wake-up.
func (p *Parker) ParkUntil(deadline time.Time) {
	if p.IsInterrupted() {
		return
	}

	d := time.Until(deadline)
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	select {
	case <-p.permit:
		timer.Stop()
	case <-timer.C:
	}
}

// Unpark makes the permit available, releasing the current (or next) Park by
// this Parker's task. At most one permit is banked.
func (p *Parker) Unpark() {
	select {
	case p.permit <- struct{}{}:
	default:
		// Permit already banked.
	}
}

// Interrupt sets the interrupt flag and unparks the task. A task parked at
// the time of the call returns from Park with the flag set; a task not
// currently parked finds its next Park returning immediately.
func (p *Parker) Interrupt() {
	p.interrupted.StoreRelease(1)
	p.Unpark()
}

// IsInterrupted reports whether the interrupt flag is set, leaving it
// unchanged.
func (p *Parker) IsInterrupted() bool {
	return p.interrupted.LoadAcquire() != 0
}

// ClearInterrupted consumes the interrupt flag, reporting whether it was set.
// Blocking operations that surface an interrupt failure consume the flag
// through this method so the interrupt cannot leak into an unrelated wait.
func (p *Parker) ClearInterrupted() bool {
	return p.interrupted.CompareAndSwapAcqRel(1, 0)
}
