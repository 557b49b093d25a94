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
	"errors"
	"time"

	"github.com/botobag/rendezvous/park"
)

//===----------------------------------------------------------------------------------------====//
// completionService
//===----------------------------------------------------------------------------------------====//

// completionService dispatches futures on an executor and funnels them into
// a completion queue as they settle, in completion order. The funnel is the
// future's done hook, which fires from the broadcast path of the terminal
// transition, so a future is never in the queue before its outcome is
// observable.
type completionService struct {
	executor Executor
	queue    *LinkedBlockingQueue
}

// newCompletionService creates a completionService able to buffer up to
// capacity completed futures.
func newCompletionService(executor Executor, capacity int) *completionService {
	return &completionService{
		executor: executor,
		queue:    NewLinkedBlockingQueue(capacity),
	}
}

// submit wraps c in a future whose completion enqueues it, and dispatches
// it.
func (cs *completionService) submit(c Callable) (*FutureTask, error) {
	f := NewFutureTask(c)
	f.SetDoneHandler(func(done *FutureTask) {
		// The queue is sized for every submitted future, so this cannot fail.
		cs.queue.Offer(done)
	})
	if err := cs.executor.Execute(f); err != nil {
		return nil, err
	}
	return f, nil
}

//===----------------------------------------------------------------------------------------====//
// InvokeAll
//===----------------------------------------------------------------------------------------====//

// InvokeAll dispatches every task on the executor and blocks until all of
// them have completed, returning a future per task in input order. A task
// failure does not abort its siblings: each future records its own outcome,
// retrievable (without blocking) through Get.
//
// An interrupt of w aborts the wait with ErrInterrupted; unfinished tasks
// are then cancelled with interrupt delivery, as they are when the executor
// rejects a submission.
func InvokeAll(w *park.Parker, executor Executor, tasks []Callable) ([]*FutureTask, error) {
	futures := make([]*FutureTask, 0, len(tasks))
	done := false
	defer func() {
		if !done {
			for _, f := range futures {
				f.Cancel(true)
			}
		}
	}()

	for _, c := range tasks {
		f := NewFutureTask(c)
		futures = append(futures, f)
		if err := executor.Execute(f); err != nil {
			return futures, err
		}
	}

	for _, f := range futures {
		if !f.IsDone() {
			if _, err := f.Get(w); err == ErrInterrupted {
				return futures, err
			}
			// Cancellations and execution failures stay recorded in the future.
		}
	}

	done = true
	return futures, nil
}

// InvokeAllTimeout is InvokeAll bounded by one global deadline; while the
// waits proceed per future, each applies the time remaining until that
// shared deadline. When the deadline passes, tasks that have not completed
// are cancelled with interrupt delivery, and the futures are returned
// without error: inspect IsCancelled to tell winners from casualties.
func InvokeAllTimeout(w *park.Parker, executor Executor, tasks []Callable, timeout time.Duration) ([]*FutureTask, error) {
	deadline := time.Now().Add(timeout)
	futures := make([]*FutureTask, 0, len(tasks))
	done := false
	defer func() {
		if !done {
			for _, f := range futures {
				f.Cancel(true)
			}
		}
	}()

	for _, c := range tasks {
		futures = append(futures, NewFutureTask(c))
	}

	for _, f := range futures {
		if err := executor.Execute(f); err != nil {
			return futures, err
		}
		if !time.Now().Before(deadline) {
			return futures, nil
		}
	}

	for _, f := range futures {
		if !f.IsDone() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return futures, nil
			}
			if _, err := f.GetTimeout(w, remaining); err != nil {
				switch err {
				case ErrInterrupted:
					return futures, err
				case ErrTimeout:
					return futures, nil
				}
				// Other failures stay recorded in the future.
			}
		}
	}

	done = true
	return futures, nil
}

//===----------------------------------------------------------------------------------------====//
// InvokeAny
//===----------------------------------------------------------------------------------------====//

// InvokeAny dispatches the tasks on the executor and returns the value of
// the first one to complete successfully. Once a winner is in, the
// remaining tasks are cancelled with interrupt delivery. If every task
// fails, the last observed failure is returned. It panics if tasks is
// empty.
func InvokeAny(w *park.Parker, executor Executor, tasks []Callable) (interface{}, error) {
	return doInvokeAny(w, executor, tasks, false, 0)
}

// InvokeAnyTimeout is InvokeAny bounded by a deadline; it returns ErrTimeout
// if no task completed successfully in time.
func InvokeAnyTimeout(w *park.Parker, executor Executor, tasks []Callable, timeout time.Duration) (interface{}, error) {
	return doInvokeAny(w, executor, tasks, true, timeout)
}

func doInvokeAny(w *park.Parker, executor Executor, tasks []Callable, timed bool, timeout time.Duration) (interface{}, error) {
	ntasks := len(tasks)
	if ntasks == 0 {
		panic("concurrent: InvokeAny with no tasks")
	}
	deadline := time.Now().Add(timeout)

	futures := make([]*FutureTask, 0, ntasks)
	defer func() {
		for _, f := range futures {
			f.Cancel(true)
		}
	}()

	// Tasks are submitted incrementally: one up front, another each time a
	// completion poll comes back empty. If the first task wins immediately,
	// the rest never start.
	cs := newCompletionService(executor, ntasks)
	var lastFailure error

	f, err := cs.submit(tasks[0])
	if err != nil {
		return nil, err
	}
	futures = append(futures, f)
	next := 1
	active := 1

	for {
		var completed *FutureTask
		if c, err := cs.queue.Poll(); err == nil {
			completed = c.(*FutureTask)
		} else if next < ntasks {
			f, err := cs.submit(tasks[next])
			if err != nil {
				return nil, err
			}
			futures = append(futures, f)
			next++
			active++
			continue
		} else if active == 0 {
			break
		} else if timed {
			c, err := cs.queue.PollTimeout(w, time.Until(deadline))
			if err != nil {
				return nil, err
			}
			completed = c.(*FutureTask)
		} else {
			c, err := cs.queue.Take(w)
			if err != nil {
				return nil, err
			}
			completed = c.(*FutureTask)
		}

		if completed != nil {
			active--
			// The future is settled; this Get reports without blocking.
			v, err := completed.Get(w)
			if err == nil {
				return v, nil
			}
			lastFailure = err
		}
	}

	if lastFailure == nil {
		lastFailure = &ExecutionError{Cause: errors.New("no task completed")}
	}
	return nil, lastFailure
}
