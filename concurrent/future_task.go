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
	"fmt"
	"time"
	"unsafe"

	"github.com/botobag/rendezvous/park"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"

	"sync/atomic"
)

//===----------------------------------------------------------------------------------------====//
// FutureTask states
//===----------------------------------------------------------------------------------------====//

// The run state of a FutureTask, initially futureStateNew. The run state
// transitions to a terminal state only in setOutcome, setFailure, and Cancel.
// During completion, state may take on the transient value
// futureStateCompleting (while the outcome is being written) or
// futureStateInterrupting (only while interrupting the runner to satisfy a
// Cancel with interrupt delivery).
//
// Possible state transitions:
//
//	NEW -> COMPLETING -> NORMAL
//	NEW -> COMPLETING -> EXCEPTIONAL
//	NEW -> CANCELLED
//	NEW -> INTERRUPTING -> INTERRUPTED
const (
	futureStateNew          int32 = 0
	futureStateCompleting   int32 = 1
	futureStateNormal       int32 = 2
	futureStateExceptional  int32 = 3
	futureStateCancelled    int32 = 4
	futureStateInterrupting int32 = 5
	futureStateInterrupted  int32 = 6
)

//===----------------------------------------------------------------------------------------====//
// waitNode
//===----------------------------------------------------------------------------------------====//

// waitNode records a task waiting on a FutureTask's Treiber stack. The
// waiter field is cleared (by the completer during broadcast, or by the
// waiter itself on timeout/interrupt) to mark the node dead; unlinkers
// unsplice dead nodes as they traverse.
type waitNode struct {
	waiter unsafe.Pointer // *park.Parker
	next   *waitNode
}

func (n *waitNode) loadWaiter() *park.Parker {
	return (*park.Parker)(atomic.LoadPointer(&n.waiter))
}

func (n *waitNode) clearWaiter() {
	atomic.StorePointer(&n.waiter, nil)
}

//===----------------------------------------------------------------------------------------====//
// FutureTask
//===----------------------------------------------------------------------------------------====//

// A FutureTask is a cancellable one-shot computation. It wraps a Callable
// (or a Runnable with a fallback result) and publishes the outcome
// atomically to any number of tasks blocked in Get, supporting cancellation
// that races with completion.
//
// A FutureTask is normally dispatched through an Executor, but calling Run
// directly from the owning task is equally valid.
type FutureTask struct {
	// The run state word. Loads that dereference outcome use acquire;
	// terminal transitions store with release so the outcome write is
	// published through the state write.
	state atomix.Int32

	// The underlying computation; nil'ed out after completion.
	callable Callable

	// The value produced by the computation or the error that failed it.
	// Written exactly once, between the COMPLETING transition and the
	// terminal store; readable only after an acquire load observes a state
	// >= NORMAL.
	outcome interface{}

	// The parker of the task running the computation. Claimed by CAS from
	// nil; cleared only after the state is settled.
	runner unsafe.Pointer // *park.Parker

	// Treiber stack of waitNodes blocked in Get.
	waiters unsafe.Pointer // *waitNode

	// Completion hook; fired exactly once from the broadcast path when the
	// task reaches a terminal state. Installed before the task escapes to
	// other goroutines.
	done func(*FutureTask)
}

// NewFutureTask creates a FutureTask that will, upon running, execute the
// given Callable. It panics if c is nil.
func NewFutureTask(c Callable) *FutureTask {
	if c == nil {
		panic("concurrent: NewFutureTask with nil Callable")
	}
	return &FutureTask{callable: c}
}

// NewRunnableFutureTask creates a FutureTask that will, upon running,
// execute the given Runnable, and arrange that Get returns result on
// successful completion. It panics if r is nil.
func NewRunnableFutureTask(r Runnable, result interface{}) *FutureTask {
	if r == nil {
		panic("concurrent: NewRunnableFutureTask with nil Runnable")
	}
	return &FutureTask{
		callable: CallableFunc(func(w *park.Parker) (interface{}, error) {
			r.Run(w)
			return result, nil
		}),
	}
}

// SetDoneHandler installs the completion hook fired exactly once when the
// task transitions to a terminal state (whether normally, exceptionally, or
// through cancellation). It must be called before the task is made visible
// to any other goroutine; the hook runs on whichever task drives the
// terminal transition.
func (ft *FutureTask) SetDoneHandler(done func(*FutureTask)) {
	ft.done = done
}

// IsCancelled reports whether the task was cancelled before it completed
// normally or exceptionally.
func (ft *FutureTask) IsCancelled() bool {
	return ft.state.LoadAcquire() >= futureStateCancelled
}

// IsDone reports whether the task completed: normally, exceptionally, or
// through cancellation.
func (ft *FutureTask) IsDone() bool {
	return ft.state.LoadAcquire() != futureStateNew
}

// Cancel attempts to cancel execution. The attempt fails if the task has
// already completed or been cancelled. If it succeeds before the task
// started, the task never runs. If the task is already running and
// mayInterruptIfRunning is true, the runner is interrupted; the runner is
// expected to poll its interrupt flag. Returns whether the state changed.
func (ft *FutureTask) Cancel(mayInterruptIfRunning bool) bool {
	if mayInterruptIfRunning {
		if !ft.state.CompareAndSwapAcqRel(futureStateNew, futureStateInterrupting) {
			return false
		}
		if r := (*park.Parker)(atomic.LoadPointer(&ft.runner)); r != nil {
			r.Interrupt()
		}
		ft.state.StoreRelease(futureStateInterrupted)
	} else if !ft.state.CompareAndSwapAcqRel(futureStateNew, futureStateCancelled) {
		return false
	}
	ft.finishCompletion()
	return true
}

// Get blocks until the task completes and reports its outcome: the produced
// value, an *ExecutionError wrapping the failure, or ErrCancelled. The wait
// is bound to w (nil for an uninterruptible wait); a concurrent w.Interrupt
// unblocks it with ErrInterrupted.
func (ft *FutureTask) Get(w *park.Parker) (interface{}, error) {
	s := ft.state.LoadAcquire()
	if s <= futureStateCompleting {
		var err error
		s, err = ft.awaitDone(w, false, time.Time{})
		if err != nil {
			return nil, err
		}
	}
	return ft.report(s)
}

// GetTimeout is Get with a deadline; it returns ErrTimeout if the task has
// not completed within timeout.
func (ft *FutureTask) GetTimeout(w *park.Parker, timeout time.Duration) (interface{}, error) {
	s := ft.state.LoadAcquire()
	if s <= futureStateCompleting {
		var err error
		s, err = ft.awaitDone(w, true, time.Now().Add(timeout))
		if err != nil {
			return nil, err
		}
		if s <= futureStateCompleting {
			return nil, ErrTimeout
		}
	}
	return ft.report(s)
}

// Run executes the computation unless it has been cancelled, then settles
// the state and broadcasts to waiters. It is idempotent: the runner slot is
// claimed by CAS, so concurrent and repeated calls return without effect.
// w identifies the running task and receives the interrupt from a
// concurrent Cancel(true); nil binds the run to a private parker that a
// canceller can still target through the runner slot.
func (ft *FutureTask) Run(w *park.Parker) {
	if w == nil {
		w = park.NewParker()
	}
	if ft.state.LoadAcquire() != futureStateNew ||
		!atomic.CompareAndSwapPointer(&ft.runner, nil, unsafe.Pointer(w)) {
		return
	}

	c := ft.callable
	if c != nil && ft.state.LoadAcquire() == futureStateNew {
		result, err := runCallable(c, w)
		if err != nil {
			ft.setFailure(err)
		} else {
			ft.setOutcome(result)
		}
	}

	// The runner slot must stay claimed until the state is settled, to
	// prevent concurrent calls to Run.
	atomic.StorePointer(&ft.runner, nil)

	// The state must be reread to cover a leaked interrupt from a canceller
	// that raced with completion.
	if s := ft.state.LoadAcquire(); s >= futureStateInterrupting {
		ft.handlePossibleCancellationInterrupt(s, w)
	}
}

// RunAndReset executes the computation without settling the state, then
// resets the future so it can run again. It reports true iff the
// computation completed and no concurrent Cancel intervened. Designed for
// tasks that intrinsically execute more than once (periodic work); such a
// task never publishes an outcome through Get.
func (ft *FutureTask) RunAndReset(w *park.Parker) bool {
	if w == nil {
		w = park.NewParker()
	}
	if ft.state.LoadAcquire() != futureStateNew ||
		!atomic.CompareAndSwapPointer(&ft.runner, nil, unsafe.Pointer(w)) {
		return false
	}

	ran := false
	c := ft.callable
	if c != nil && ft.state.LoadAcquire() == futureStateNew {
		if _, err := runCallable(c, w); err != nil {
			ft.setFailure(err)
		} else {
			ran = true
		}
	}

	atomic.StorePointer(&ft.runner, nil)

	s := ft.state.LoadAcquire()
	if s >= futureStateInterrupting {
		ft.handlePossibleCancellationInterrupt(s, w)
	}
	return ran && s == futureStateNew
}

// runCallable invokes the user computation, converting a panic into an
// error so it can be stored as the outcome cause.
func runCallable(c Callable, w *park.Parker) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	return c.Call(w)
}

// setOutcome publishes a successful result: CAS into COMPLETING, write the
// value, then release the terminal state. The two writes in this order are
// what make outcome readable to anyone who observed a state >= NORMAL.
func (ft *FutureTask) setOutcome(v interface{}) {
	if ft.state.CompareAndSwapAcqRel(futureStateNew, futureStateCompleting) {
		ft.outcome = v
		ft.state.StoreRelease(futureStateNormal)
		ft.finishCompletion()
	}
}

// setFailure publishes a failed result with the same two-write discipline as
// setOutcome.
func (ft *FutureTask) setFailure(cause error) {
	if ft.state.CompareAndSwapAcqRel(futureStateNew, futureStateCompleting) {
		ft.outcome = cause
		ft.state.StoreRelease(futureStateExceptional)
		ft.finishCompletion()
	}
}

// handlePossibleCancellationInterrupt waits until a canceller that observed
// us mid-run finishes delivering its interrupt, then consumes the interrupt
// so it cannot leak into whatever unrelated work this task performs next.
func (ft *FutureTask) handlePossibleCancellationInterrupt(s int32, w *park.Parker) {
	if s == futureStateInterrupting {
		backoff := iox.Backoff{}
		for ft.state.LoadAcquire() == futureStateInterrupting {
			backoff.Wait()
		}
	}
	w.ClearInterrupted()
}

// finishCompletion detaches the waiter stack with a single head swap (the
// linearisation point of the broadcast), unparks every recorded waiter, and
// fires the done hook. Called exactly once per task, by whichever party
// drove the terminal transition.
func (ft *FutureTask) finishCompletion() {
	for {
		q := (*waitNode)(atomic.LoadPointer(&ft.waiters))
		if q == nil {
			break
		}
		if atomic.CompareAndSwapPointer(&ft.waiters, unsafe.Pointer(q), nil) {
			for {
				if t := q.loadWaiter(); t != nil {
					q.clearWaiter()
					t.Unpark()
				}
				next := q.next
				if next == nil {
					break
				}
				q.next = nil // unlink to help GC
				q = next
			}
			break
		}
	}

	if done := ft.done; done != nil {
		done(ft)
	}
	ft.callable = nil
}

// awaitDone blocks until the task settles, the deadline passes, or the
// caller is interrupted. It returns the state observed on exit; a state
// <= COMPLETING means the deadline passed first.
func (ft *FutureTask) awaitDone(w *park.Parker, timed bool, deadline time.Time) (int32, error) {
	if w == nil {
		w = park.NewParker()
	}

	var (
		q      *waitNode
		queued bool
		sw     spin.Wait
	)
	for {
		if w.ClearInterrupted() {
			ft.removeWaiter(q)
			return 0, ErrInterrupted
		}

		s := ft.state.LoadAcquire()
		if s > futureStateCompleting {
			if q != nil {
				q.clearWaiter()
			}
			return s, nil
		} else if s == futureStateCompleting {
			// The outcome is instants away; spinning beats parking here.
			sw.Once()
		} else if q == nil {
			q = &waitNode{waiter: unsafe.Pointer(w)}
		} else if !queued {
			q.next = (*waitNode)(atomic.LoadPointer(&ft.waiters))
			queued = atomic.CompareAndSwapPointer(
				&ft.waiters, unsafe.Pointer(q.next), unsafe.Pointer(q))
		} else if timed {
			if !time.Now().Before(deadline) {
				ft.removeWaiter(q)
				return ft.state.LoadAcquire(), nil
			}
			w.ParkUntil(deadline)
		} else {
			w.Park()
		}
	}
}

// removeWaiter unlinks a timed-out or interrupted wait node to avoid
// accumulating garbage. Internal nodes are simply unspliced without CAS
// since it is harmless if they are traversed anyway by completers. To avoid
// the effects of unsplicing from already removed nodes, the list is
// retraversed on an apparent race. This is slow when there are a lot of
// nodes, but wait lists are not expected to be long enough for
// higher-overhead schemes to pay off.
func (ft *FutureTask) removeWaiter(node *waitNode) {
	if node == nil {
		return
	}
	node.clearWaiter()

retry:
	for {
		var pred *waitNode
		q := (*waitNode)(atomic.LoadPointer(&ft.waiters))
		for q != nil {
			s := q.next
			if q.loadWaiter() != nil {
				pred = q
			} else if pred != nil {
				pred.next = s
				if pred.loadWaiter() == nil { // check for race
					continue retry
				}
			} else if !atomic.CompareAndSwapPointer(
				&ft.waiters, unsafe.Pointer(q), unsafe.Pointer(s)) {
				continue retry
			}
			q = s
		}
		break
	}
}

// report returns the value or error for a completed task, given the
// terminal state it reached.
func (ft *FutureTask) report(s int32) (interface{}, error) {
	x := ft.outcome
	switch {
	case s == futureStateNormal:
		return x, nil
	case s >= futureStateCancelled:
		return nil, ErrCancelled
	default:
		return nil, &ExecutionError{Cause: x.(error)}
	}
}
