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

package concurrent_test

import (
	"errors"
	"time"

	"github.com/botobag/rendezvous/concurrent"
	"github.com/botobag/rendezvous/park"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newInvokeExecutor() *concurrent.WorkerPoolExecutor {
	executor, err := concurrent.NewWorkerPoolExecutor(concurrent.WorkerPoolExecutorConfig{
		MinPoolSize: 4,
		MaxPoolSize: 8,
	})
	Expect(err).ShouldNot(HaveOccurred())
	return executor
}

var _ = Describe("InvokeAll", func() {
	It("collects a result per task in input order", func() {
		executor := newInvokeExecutor()
		defer shutdownExecutor(executor)

		const N = 16
		tasks := make([]concurrent.Callable, N)
		for i := 0; i < N; i++ {
			value := i
			tasks[i] = concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				return value, nil
			})
		}

		futures, err := concurrent.InvokeAll(nil, executor, tasks)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(futures).Should(HaveLen(N))

		collected := map[int]bool{}
		for i, f := range futures {
			Expect(f.IsDone()).Should(BeTrue())
			value, err := f.Get(nil)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(value).Should(Equal(i))
			collected[value.(int)] = true
		}
		Expect(collected).Should(HaveLen(N))
	})

	It("does not abort siblings when one task fails", func() {
		executor := newInvokeExecutor()
		defer shutdownExecutor(executor)

		cause := errors.New("task 1 failed")
		tasks := []concurrent.Callable{
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				return "zero", nil
			}),
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				return nil, cause
			}),
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				return "two", nil
			}),
		}

		futures, err := concurrent.InvokeAll(nil, executor, tasks)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(futures).Should(HaveLen(3))

		Expect(futures[0].Get(nil)).Should(Equal("zero"))

		_, err = futures[1].Get(nil)
		var ee *concurrent.ExecutionError
		Expect(errors.As(err, &ee)).Should(BeTrue())
		Expect(ee.Cause).Should(Equal(cause))

		Expect(futures[2].Get(nil)).Should(Equal("two"))
	})

	It("cancels tasks that outlive the deadline", func() {
		executor := newInvokeExecutor()
		defer shutdownExecutor(executor)

		tasks := []concurrent.Callable{
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				return "fast", nil
			}),
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				for !w.IsInterrupted() {
					time.Sleep(time.Millisecond)
				}
				return nil, concurrent.ErrInterrupted
			}),
		}

		futures, err := concurrent.InvokeAllTimeout(nil, executor, tasks, 50*time.Millisecond)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(futures).Should(HaveLen(2))

		Expect(futures[0].Get(nil)).Should(Equal("fast"))
		Eventually(futures[1].IsCancelled).Should(BeTrue())
	})
})

var _ = Describe("InvokeAny", func() {
	It("returns the first success and cancels the losers", func() {
		executor := newInvokeExecutor()
		defer shutdownExecutor(executor)

		slowInterrupted := make(chan time.Duration, 1)
		start := time.Now()
		tasks := []concurrent.Callable{
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				time.Sleep(5 * time.Millisecond)
				return "A", nil
			}),
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				for !w.IsInterrupted() {
					if time.Since(start) >= 50*time.Millisecond {
						return "B", nil
					}
					time.Sleep(time.Millisecond)
				}
				slowInterrupted <- time.Since(start)
				return nil, concurrent.ErrInterrupted
			}),
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				time.Sleep(30 * time.Millisecond)
				return nil, errors.New("task C failed")
			}),
		}

		value, err := concurrent.InvokeAny(nil, executor, tasks)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(value).Should(Equal("A"))

		// The 50 ms task observes its interrupt well before its natural end.
		Eventually(slowInterrupted).Should(Receive(BeNumerically("<", 50*time.Millisecond)))
	})

	It("propagates the last failure when every task fails", func() {
		executor := newInvokeExecutor()
		defer shutdownExecutor(executor)

		tasks := []concurrent.Callable{
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				return nil, errors.New("first failure")
			}),
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				return nil, errors.New("second failure")
			}),
		}

		_, err := concurrent.InvokeAny(nil, executor, tasks)
		var ee *concurrent.ExecutionError
		Expect(errors.As(err, &ee)).Should(BeTrue())
		Expect(ee.Cause.Error()).Should(ContainSubstring("failure"))
	})

	It("times out when no task completes in time", func() {
		executor := newInvokeExecutor()
		defer shutdownExecutor(executor)

		tasks := []concurrent.Callable{
			concurrent.CallableFunc(func(w *park.Parker) (interface{}, error) {
				for !w.IsInterrupted() {
					time.Sleep(time.Millisecond)
				}
				return nil, concurrent.ErrInterrupted
			}),
		}

		const timeout = 30 * time.Millisecond
		startedAt := time.Now()
		_, err := concurrent.InvokeAnyTimeout(nil, executor, tasks, timeout)
		Expect(err).Should(MatchError(concurrent.ErrTimeout))
		Expect(time.Since(startedAt)).Should(BeNumerically(">=", timeout))
	})

	It("panics without tasks", func() {
		executor := newInvokeExecutor()
		defer shutdownExecutor(executor)

		Expect(func() { concurrent.InvokeAny(nil, executor, nil) }).Should(Panic())
	})
})
