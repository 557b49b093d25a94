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

// Package concurrent provides a concurrent handoff and future-completion
// core: a cancellable FutureTask, a bounded two-lock FIFO blocking queue, a
// zero-capacity synchronous handoff channel with selectable fairness, and a
// worker-pool executor that runs futures on pooled goroutines.
package concurrent

import (
	"time"

	"github.com/botobag/rendezvous/park"
)

// A Runnable is a piece of work that can be dispatched to an Executor. The
// parker identifies the running task: user code polls it for interrupts, and
// a cancellation with interrupt delivery targets it.
type Runnable interface {
	Run(w *park.Parker)
}

// The RunnableFunc type is an adapter to allow the use of ordinary functions
// as a Runnable.
type RunnableFunc func(w *park.Parker)

// RunnableFunc implements Runnable.
var _ Runnable = (RunnableFunc)(nil)

// Run implements Runnable. It calls f(w).
func (f RunnableFunc) Run(w *park.Parker) {
	f(w)
}

// A Callable is a computation that produces a value (or fails). The parker
// identifies the running task; a computation that can block for long should
// poll w.IsInterrupted and abandon its work when asked to.
type Callable interface {
	Call(w *park.Parker) (interface{}, error)
}

// The CallableFunc type is an adapter to allow the use of ordinary functions
// as a Callable.
type CallableFunc func(w *park.Parker) (interface{}, error)

// CallableFunc implements Callable.
var _ Callable = (CallableFunc)(nil)

// Call implements Callable. It calls f(w).
func (f CallableFunc) Call(w *park.Parker) (interface{}, error) {
	return f(w)
}

// Executor is the narrow dispatch surface consumed by the orchestration
// helpers: an opaque handle that runs the task some time in the future on
// some goroutine.
type Executor interface {
	// Execute arranges for task to run. It only arranges execution; the actual
	// run may occur sometime later. An executor that cannot accept the task
	// returns an error wrapping ErrRejected.
	Execute(task Runnable) error
}

// ExecutorService extends Executor with future-producing submission and
// lifecycle management.
type ExecutorService interface {
	Executor

	// Submit wraps the callable in a FutureTask and dispatches it. The
	// returned future tracks progress and can be used to cancel execution
	// and/or wait for the outcome.
	Submit(c Callable) (*FutureTask, error)

	// SubmitRunnable wraps the runnable in a FutureTask that completes with
	// the given result value once the runnable returns.
	SubmitRunnable(r Runnable, result interface{}) (*FutureTask, error)

	// Shutdown shuts down the executor. Previously submitted tasks are
	// executed but no new tasks will be accepted. It is a no-op if the
	// executor has already shut down. It returns a channel which will receive
	// a notification when all remaining tasks have completed after the
	// shutdown request.
	Shutdown() (terminated <-chan bool, err error)
}

// BlockingQueue is the transfer surface shared by LinkedBlockingQueue and
// SynchronousChannel. Implementations are thread-safe across all operations.
//
// Blocking and timed operations take the calling task's parker so a
// concurrent Interrupt on it unblocks the wait with ErrInterrupted. Passing
// nil binds the wait to a private parker that nothing else can reach, which
// makes the wait uninterruptible.
type BlockingQueue interface {
	// Put inserts element, waiting if necessary for space to become
	// available. The element must not be nil.
	Put(w *park.Parker, element interface{}) error

	// Offer inserts element only if it can do so immediately, reporting
	// whether the element was accepted.
	Offer(element interface{}) bool

	// OfferTimeout inserts element, waiting up to timeout for space. It
	// reports (false, nil) when the deadline elapsed first.
	OfferTimeout(w *park.Parker, element interface{}, timeout time.Duration) (bool, error)

	// Take removes and returns the head element, waiting if necessary until
	// one becomes available.
	Take(w *park.Parker) (interface{}, error)

	// Poll removes and returns the head element only if one is immediately
	// available; otherwise it returns ErrWouldBlock.
	Poll() (interface{}, error)

	// PollTimeout removes and returns the head element, waiting up to timeout
	// for one to become available. It returns ErrTimeout when the deadline
	// elapsed first.
	PollTimeout(w *park.Parker, timeout time.Duration) (interface{}, error)

	// Peek returns the head element without removing it, or ErrWouldBlock if
	// none is immediately observable.
	Peek() (interface{}, error)

	// Remove removes one occurrence of element, reporting whether the queue
	// changed.
	Remove(element interface{}) bool

	// Contains reports whether the queue holds at least one occurrence of
	// element.
	Contains(element interface{}) bool

	// Size returns the number of elements currently held.
	Size() int

	// RemainingCapacity returns the number of additional elements the queue
	// can accept without blocking.
	RemainingCapacity() int

	// Clear removes all elements.
	Clear()
}
