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

	"code.hybscloud.com/iox"
)

var (
	// ErrInterrupted indicates the calling task was asked to stop while it was
	// blocked (or about to block). The operation that returns it has consumed
	// the caller's interrupt flag and has left the data structure unchanged.
	ErrInterrupted = errors.New("concurrent: interrupted")

	// ErrTimeout indicates the deadline of a timed operation elapsed before
	// the required state transition occurred.
	ErrTimeout = errors.New("concurrent: timed out")

	// ErrCancelled is reported by FutureTask.Get when the task was cancelled
	// before it produced an outcome. It is distinguishable from an execution
	// failure, which is reported as an *ExecutionError.
	ErrCancelled = errors.New("concurrent: task was cancelled")

	// ErrRejected indicates an executor refused to accept a task. Errors
	// returned from Execute and Submit wrap this value; test with
	// errors.Is(err, ErrRejected).
	ErrRejected = errors.New("concurrent: task rejected from execution")

	// ErrCapacityExceeded is returned when a queue is constructed from an
	// initial collection that does not fit its capacity.
	ErrCapacityExceeded = errors.New("concurrent: initial elements exceed queue capacity")
)

// ErrWouldBlock is the semantic signal returned by the non-blocking
// operations Poll and Peek when no element is available. It
// is a control-flow value, not a failure; callers retry or move on.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// ExecutionError wraps the cause of a failed user computation. It is
// surfaced only from FutureTask.Get and friends; the original failure is
// available via Unwrap (or the Cause field directly).
type ExecutionError struct {
	Cause error
}

// Error implements error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("concurrent: execution failed: %s", e.Cause)
}

// Unwrap returns the original failure so errors.Is and errors.As see through
// the wrapper.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
