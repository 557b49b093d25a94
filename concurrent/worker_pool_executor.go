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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/botobag/rendezvous/park"

	"code.hybscloud.com/atomix"
)

//===----------------------------------------------------------------------------------------====//
// WorkerPoolExecutorConfig
//===----------------------------------------------------------------------------------------====//

// DefaultQueueCapacity is the capacity of the LinkedBlockingQueue created
// for a WorkerPoolExecutor whose config does not supply a queue.
const DefaultQueueCapacity = 1 << 16

// WorkerPoolExecutorConfig contains options to configure a
// WorkerPoolExecutor.
type WorkerPoolExecutorConfig struct {
	// The maximum number of workers allowed in pool (required, must be greater
	// than 0)
	MaxPoolSize uint32

	// The minimum number of workers to maintain in pool
	MinPoolSize uint32

	// The maximum time for an idle worker to wait for a new task before
	// retiring; only workers beyond MinPoolSize retire
	KeepAliveTime time.Duration

	// Queue provides storage for queueing tasks. If not set, a
	// LinkedBlockingQueue with DefaultQueueCapacity is created and used.
	// Supplying a SynchronousChannel instead yields direct hand-off: every
	// submission either reaches a waiting worker or spawns a new one.
	Queue BlockingQueue
}

// Validate verifies config values.
func (config *WorkerPoolExecutorConfig) Validate() error {
	if config.MaxPoolSize == 0 {
		return errors.New(`WorkerPoolExecutor: MaxPoolSize must be a non-zero value which specifies ` +
			`the maximum number of workers to be created by the executor. If you have no idea, try to ` +
			`set the value to uint32(runtime.GOMAXPROCS(-1)).`)
	}

	if config.MaxPoolSize < config.MinPoolSize {
		return fmt.Errorf(`WorkerPoolExecutor: MaxPoolSize (%d) should be greater than or equal to MinPoolSize (%d)`,
			config.MaxPoolSize, config.MinPoolSize)
	}
	return nil
}

//===----------------------------------------------------------------------------------------====//
// workerPoolExecutorState
//===----------------------------------------------------------------------------------------====//

// workerPoolExecutorState contains current state of the WorkerPoolExecutor.
// It packs the pool size and the running state into one word so both can be
// updated atomically with CAS.
type workerPoolExecutorState int64

// workerPoolExecutorRunState indicates the running state of
// WorkerPoolExecutor. It is stored in the high 32 bits of
// workerPoolExecutorState. The low 32 bits in workerPoolExecutorRunState
// must be 0.
type workerPoolExecutorRunState int64

// Enumeration of workerPoolExecutorRunState
const (
	workerPoolExecutorRunStateMask int64 = -4294967296 // 0xffffffff00000000

	// Executor accepts and processes tasks. The constant is the one and the
	// only one in workerPoolExecutorRunState that sets the HSB. This makes
	// workerPoolExecutorState with running state be a negative value and thus
	// enables fast check IsRunning.
	workerPoolExecutorRunStateRunning workerPoolExecutorRunState = workerPoolExecutorRunState(workerPoolExecutorRunStateMask)

	// Shutdown is invoked on Executor. Queued tasks are processed but no new
	// tasks will be accepted.
	workerPoolExecutorRunStateShutdown = 0 // 0x0 << 32

	// There's no tasks in the queue and no new tasks is accepted.
	workerPoolExecutorRunStateTerminated = 4294967296 // 0x1 << 32
)

// RunState reads run state from state word.
func (s workerPoolExecutorState) RunState() workerPoolExecutorRunState {
	return workerPoolExecutorRunState(int64(s) & workerPoolExecutorRunStateMask)
}

// WorkerCount returns number of workers in the pool currently.
func (s workerPoolExecutorState) WorkerCount() uint32 {
	return uint32(s & 0xffffffff)
}

// Load loads state word with atomic.LoadInt64 because it is a lock-free
// variable.
func (s *workerPoolExecutorState) Load() workerPoolExecutorState {
	return workerPoolExecutorState(atomic.LoadInt64((*int64)(s)))
}

// SetRunState sets the run state.
func (s *workerPoolExecutorState) SetRunState(newRunState workerPoolExecutorRunState) (oldState workerPoolExecutorState) {
	for {
		oldState = s.Load()
		if int64(oldState) >= int64(newRunState) {
			// States are only allowed to transition from RUNNING to SHUTDOWN to
			// TERMINATED.
			return
		}

		newState := makeWorkerPoolExecutorState(newRunState, oldState.WorkerCount())
		if atomic.CompareAndSwapInt64((*int64)(s), int64(oldState), int64(newState)) {
			return
		}
	}
}

// IsRunning returns true if the run state is
// workerPoolExecutorRunStateRunning.
func (s workerPoolExecutorState) IsRunning() bool {
	return s < 0
}

// IsShutdown returns true if the executor received a shutdown request.
func (s workerPoolExecutorState) IsShutdown() bool {
	return s >= workerPoolExecutorRunStateShutdown
}

// IsTerminated returns true if the executor is terminated.
func (s workerPoolExecutorState) IsTerminated() bool {
	return s >= workerPoolExecutorRunStateTerminated
}

// CompareAndIncWorkerCount increments the worker count in the given state by
// 1 with CAS.
func (s *workerPoolExecutorState) CompareAndIncWorkerCount(old workerPoolExecutorState) (done bool) {
	return atomic.CompareAndSwapInt64((*int64)(s), int64(old), int64(old+1))
}

// CompareAndDecWorkerCount decrements the worker count in the given state by
// 1 with CAS.
func (s *workerPoolExecutorState) CompareAndDecWorkerCount(old workerPoolExecutorState) (done bool) {
	return atomic.CompareAndSwapInt64((*int64)(s), int64(old), int64(old-1))
}

// DecWorkerCount decrements the worker count by 1 and returns the new state.
func (s *workerPoolExecutorState) DecWorkerCount() workerPoolExecutorState {
	return workerPoolExecutorState(atomic.AddInt64((*int64)(s), int64(-1)))
}

// makeWorkerPoolExecutorState creates a workerPoolExecutorState from given
// run state and worker count.
func makeWorkerPoolExecutorState(
	runState workerPoolExecutorRunState,
	workerCount uint32) workerPoolExecutorState {

	return workerPoolExecutorState(int64(runState) | int64(workerCount))
}

//===----------------------------------------------------------------------------------------====//
// workerPoolExecutorWorker
//===----------------------------------------------------------------------------------------====//

// workerPoolExecutorWorker runs tasks on a dedicated goroutine. Each worker
// owns a Parker: it is the task handle passed to every task the worker runs,
// the target of cancellation interrupts while a future runs on this worker,
// and the lever the executor pulls to kick an idle worker out of its queue
// wait during shutdown.
type workerPoolExecutorWorker struct {
	// Executor that pools this worker
	executor *WorkerPoolExecutor

	// The worker task's handle
	parker *park.Parker

	// Non-zero while the worker is between tasks (polling the queue). Only
	// idle workers are interrupted by shutdown; a worker running user code
	// must not observe an interrupt it did not earn.
	idle atomix.Int32
}

// newWorkerPoolExecutorWorker creates a worker for WorkerPoolExecutor.
func newWorkerPoolExecutorWorker(executor *WorkerPoolExecutor) *workerPoolExecutorWorker {
	return &workerPoolExecutorWorker{
		executor: executor,
		parker:   park.NewParker(),
	}
}

// Start creates a goroutine to execute run loop.
func (w *workerPoolExecutorWorker) Start(firstTask Runnable) {
	go w.run(firstTask)
}

// run implements the run loop for a worker to execute tasks in the queue.
func (w *workerPoolExecutorWorker) run(firstTask Runnable) {
	task := firstTask

	for {
		if task == nil {
			// Retrieve one task from executor.
			w.idle.Store(1)
			task = w.executor.pollTask(w)
			w.idle.Store(0)
			if task == nil {
				// No task to be executed; Terminate the worker.
				break
			}
		}

		task.Run(w.parker)

		// An interrupt that landed while the task was settling must not leak
		// into the next task.
		w.parker.ClearInterrupted()

		// Reset task.
		task = nil
	}

	w.executor.terminateWorker(w)
}

//===----------------------------------------------------------------------------------------====//
// WorkerPoolExecutor
//===----------------------------------------------------------------------------------------====//

// WorkerPoolExecutor runs submitted tasks with one of the pooled workers
// backed by a goroutine. The implementation is heavily influenced by Doug
// Lea's PooledExecutor [0] which was released into the public domain [1].
//
// The run state and worker count live in one lock-free word updated by CAS;
// the executor's mutex is taken only to register, retire and interrupt
// workers and to record termination waiters.
//
// The pool does not by default preallocate worker goroutines. Instead, a
// worker is created if necessary when a task arrives.
//
// [0]: http://gee.cs.oswego.edu/dl/classes/EDU/oswego/cs/dl/util/concurrent/intro.html
// [1]: http://creativecommons.org/publicdomain/zero/1.0/
type WorkerPoolExecutor struct {
	// A lock-free word that contains pool running state and worker count
	state workerPoolExecutorState

	// Configuration
	config *WorkerPoolExecutorConfig

	// Task queue contains tasks to be executed
	taskQueue BlockingQueue

	// Mutex guarding workers and terminations
	mutex sync.Mutex

	// Live workers; tracked so shutdown can interrupt the ones blocked in
	// queue waits. Guarded by mutex.
	workers map[*workerPoolExecutorWorker]bool

	// Channels that are used for waiting termination. Guarded by mutex.
	terminations []chan<- bool
}

// WorkerPoolExecutor implements ExecutorService.
var _ ExecutorService = (*WorkerPoolExecutor)(nil)

// NewWorkerPoolExecutor creates a WorkerPoolExecutor from given config.
func NewWorkerPoolExecutor(config WorkerPoolExecutorConfig) (*WorkerPoolExecutor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	taskQueue := config.Queue
	if taskQueue == nil {
		taskQueue = NewLinkedBlockingQueue(DefaultQueueCapacity)
	}

	return &WorkerPoolExecutor{
		state:     makeWorkerPoolExecutorState(workerPoolExecutorRunStateRunning, 0),
		config:    &config,
		taskQueue: taskQueue,
		workers:   map[*workerPoolExecutorWorker]bool{},
	}, nil
}

// Shutdown implements ExecutorService. Previously submitted tasks are
// drained and executed but no new tasks will be accepted; workers blocked
// waiting for tasks are interrupted out of their waits and retire.
func (executor *WorkerPoolExecutor) Shutdown() (terminated <-chan bool, err error) {
	mutex := &executor.mutex

	// Hold lock for potential modification on executor.terminations. This also
	// avoids races with signals in tryTerminate.
	mutex.Lock()

	// Create a channel for return which notifies the completion of
	// termination.
	termination := make(chan bool, 1)

	// Transition the state to SHUTDOWN. After that, addWorker and addTask
	// would refuse any request.
	prevState := executor.state.SetRunState(workerPoolExecutorRunStateShutdown)

	if prevState.IsTerminated() {
		// Executor was already terminated. Fill the returning channel with
		// termination signal.
		termination <- true
	} else {
		// Append a termination to executor.terminations.
		executor.terminations = append(executor.terminations, termination)

		if prevState.IsRunning() {
			// Kick every idle worker out of its queue wait; each one re-checks
			// the run state, drains what remains, and retires. Busy workers find
			// the shutdown themselves when their current task finishes.
			for w := range executor.workers {
				if w.idle.Load() != 0 {
					w.parker.Interrupt()
				}
			}
		}
	}

	mutex.Unlock()

	// Try to advance to TERMINATED.
	executor.tryTerminate()

	return termination, nil
}

// loadState loads current state.
func (executor *WorkerPoolExecutor) loadState() workerPoolExecutorState {
	return executor.state.Load()
}

// tryTerminate tries to transition to TERMINATED if the executor is shut
// down, there's no task in the queue, and all workers are terminated. While
// workers remain, one blocked worker is interrupted so the shutdown
// propagates: each retiring worker calls back here.
func (executor *WorkerPoolExecutor) tryTerminate() {
	// Load state.
	state := executor.loadState()

	// Quick return if we have not received shutdown request or is already
	// terminated.
	if !state.IsShutdown() || state.IsTerminated() {
		return
	}

	// Quick return if task queue is not empty.
	if executor.taskQueue.Size() != 0 {
		return
	}

	if state.WorkerCount() > 0 {
		// Propagate the shutdown to one blocked worker; the chain continues
		// from its retirement.
		executor.interruptOneWorker()
		return
	}

	// No workers in the pool.

	// Lock mutex to send termination signal after transition to TERMINATED.
	mutex := &executor.mutex
	mutex.Lock()
	defer mutex.Unlock()

	if !state.IsTerminated() {
		// Transition to TERMINATED. No new worker can be added to the executor
		// after the state was transitioned to SHUTDOWN. We can update the state
		// word with trivial assignment.
		executor.state.SetRunState(workerPoolExecutorRunStateTerminated)

		// Send termination signals.
		terminations := executor.terminations
		executor.terminations = nil
		for _, termination := range terminations {
			termination <- true
		}
	}
}

// interruptOneWorker interrupts a single idle worker, if any.
func (executor *WorkerPoolExecutor) interruptOneWorker() {
	executor.mutex.Lock()
	for w := range executor.workers {
		if w.idle.Load() != 0 {
			w.parker.Interrupt()
			break
		}
	}
	executor.mutex.Unlock()
}

// Execute implements Executor.
//
// On receiving a task, if fewer than config.MinPoolSize workers are running,
// a new worker is always created to process the task even if other workers
// are idly waiting. Otherwise a new worker is created only if there are
// fewer than config.MaxPoolSize workers and the request cannot immediately
// be queued.
func (executor *WorkerPoolExecutor) Execute(task Runnable) error {
	if task == nil {
		panic("concurrent: Execute with nil task")
	}

	// Load config into local stack.
	config := executor.config

	// Load state.
	state := executor.loadState()

	// Ensure minimum number of workers.
	if state.WorkerCount() < config.MinPoolSize {
		if err := executor.addWorker(task, config.MinPoolSize); err == nil {
			return nil
		}
		// Ignore errors and reload state.
		state = executor.loadState()
	}

	if state.IsRunning() {
		// Try to give the task to an existing worker by putting it to the
		// queue. A full queue (or a synchronous hand-off with no waiting
		// worker) falls through to spawning a worker for the task instead.
		if err := executor.addTask(task); err != errRejectTaskDueToFullQueue {
			return err
		}
	}

	// Final try by directly requesting a worker to perform the task.
	return executor.addWorker(task, config.MaxPoolSize)
}

// Submit implements ExecutorService.
func (executor *WorkerPoolExecutor) Submit(c Callable) (*FutureTask, error) {
	task := NewFutureTask(c)
	if err := executor.Execute(task); err != nil {
		return nil, err
	}
	return task, nil
}

// SubmitRunnable implements ExecutorService.
func (executor *WorkerPoolExecutor) SubmitRunnable(r Runnable, result interface{}) (*FutureTask, error) {
	task := NewRunnableFutureTask(r, result)
	if err := executor.Execute(task); err != nil {
		return nil, err
	}
	return task, nil
}

var (
	errRejectWorkerDueToShuttingDown = fmt.Errorf("unable to add new worker because executor is shutting down: %w", ErrRejected)
	errTooManyWorkers                = fmt.Errorf("unable to add new worker because worker pool is full: %w", ErrRejected)
	errRejectTaskDueToShuttingDown   = fmt.Errorf("unable to execute task because executor is shutting down: %w", ErrRejected)
	errRejectTaskDueToFullQueue      = fmt.Errorf("unable to execute task because task queue is full: %w", ErrRejected)
)

// addWorker tries to create a worker to execute the task. limit specifies
// the bound of pool size. An error is returned if the pool size would
// exceed the limit after adding the newly created worker.
func (executor *WorkerPoolExecutor) addWorker(firstTask Runnable, limit uint32) error {
	for {
		// Load state.
		state := executor.loadState()
		if state.IsShutdown() {
			return errRejectWorkerDueToShuttingDown
		}

		// Check pool size limit.
		if (state.WorkerCount() + 1) > limit {
			return errTooManyWorkers
		}

		// Atomically increment pool size.
		if executor.state.CompareAndIncWorkerCount(state) {
			break
		}

		// CAS failed. Restart the loop to load new state.
	}

	// Create a new worker, register it, and start running with the initial
	// task.
	w := newWorkerPoolExecutorWorker(executor)
	executor.mutex.Lock()
	executor.workers[w] = true
	executor.mutex.Unlock()
	w.Start(firstTask)

	return nil
}

// terminateWorker is called upon termination of worker w. It should be
// called from the goroutine that runs w.
func (executor *WorkerPoolExecutor) terminateWorker(w *workerPoolExecutorWorker) {
	executor.mutex.Lock()
	delete(executor.workers, w)
	executor.mutex.Unlock()

	// Note that the worker count has already been decremented (by pollTask).
	state := executor.loadState()

	if state.IsShutdown() {
		// Try to advance to TERMINATED.
		executor.tryTerminate()
	} else {
		// Create a replacement as needed.
		minPoolSize := executor.config.MinPoolSize
		if minPoolSize == 0 && executor.taskQueue.Size() != 0 {
			minPoolSize = 1
		}
		if minPoolSize > state.WorkerCount() {
			executor.addWorker(nil, minPoolSize)
		}
	}
}

// addTask puts the task in the queue and ensures that there'll be a worker
// to run it.
func (executor *WorkerPoolExecutor) addTask(task Runnable) error {
	taskQueue := executor.taskQueue

	// Put task to the queue.
	if !taskQueue.Offer(task) {
		return errRejectTaskDueToFullQueue
	}

	for {
		// The task was successfully enqueued. But during the enqueue, someone
		// may shut down the executor or there may be no worker to execute it.
		state := executor.loadState()
		if !state.IsRunning() {
			// Try to remove the task from queue.
			if taskQueue.Remove(task) {
				return errRejectTaskDueToShuttingDown
			}
			// Someone took the task from queue.
		} else if state.WorkerCount() == 0 {
			// Executor is running and there's no worker in the current pool.
			// This may happen when config.MinPoolSize is zero. Try to add a
			// worker.
			if err := executor.addWorker(nil, 1); err != nil {
				// Retry.
				continue
			}
		}
		break
	}

	return nil
}

// Remove removes the task from the queue if it has not started, so that it
// never runs. A best-effort companion to FutureTask.Cancel: cancelling a
// queued future already guarantees it does nothing when a worker reaches
// it; removing it also releases the queue slot.
func (executor *WorkerPoolExecutor) Remove(task Runnable) bool {
	removed := executor.taskQueue.Remove(task)
	if removed {
		executor.tryTerminate()
	}
	return removed
}

// pollTask blocks the calling worker to wait for a task. It returns nil in
// the following cases to indicate that no further task could be run:
//
//  1. The executor received a shutdown request and the task queue is empty.
//  2. The worker didn't get a task within config.KeepAliveTime and the
//     current pool size is greater than config.MinPoolSize.
//
// Note that upon returning nil, the worker count in the state word is
// decremented.
func (executor *WorkerPoolExecutor) pollTask(w *workerPoolExecutorWorker) Runnable {
	isIdle := false
	// Cache the config and task queue locally.
	taskQueue := executor.taskQueue
	config := executor.config

	for {
		// Reload state.
		state := executor.loadState()
		noTasks := taskQueue.Size() == 0

		if state.IsShutdown() && noTasks {
			executor.state.DecWorkerCount()
			return nil
		}

		redundantWorker := state.WorkerCount() > config.MinPoolSize

		if redundantWorker &&
			isIdle &&
			(state.WorkerCount() > 1 || noTasks) {
			// Cause idle worker to die. The check depends on state.WorkerCount.
			// Other workers may also be here. Perform CAS on decrementing worker
			// count before return. This limits at most one idle worker to be
			// removed at a time to keep config.MinPoolSize workers in the pool.
			if executor.state.CompareAndDecWorkerCount(state) {
				return nil
			}
		}

		// Reset isIdle.
		isIdle = false

		// Poll with a timeout only when this worker is eligible to retire;
		// otherwise wait indefinitely. Either wait is broken by the shutdown
		// interrupt.
		var (
			task interface{}
			err  error
		)
		if redundantWorker && config.KeepAliveTime > 0 {
			task, err = taskQueue.PollTimeout(w.parker, config.KeepAliveTime)
		} else {
			task, err = taskQueue.Take(w.parker)
		}

		switch {
		case err == ErrTimeout:
			isIdle = true
			// Restart loop to reload state and check whether the worker can be
			// killed.
		case err == ErrInterrupted:
			// Shutdown kick (or a stray interrupt). Restart the loop; the state
			// re-check decides whether to retire.
		case err != nil:
			// Semantic non-failure; keep polling.
		case task != nil:
			return task.(Runnable)
		}
	}
}
