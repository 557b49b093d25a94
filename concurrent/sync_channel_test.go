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
	"fmt"
	"sync"
	"time"

	"github.com/botobag/rendezvous/concurrent"
	"github.com/botobag/rendezvous/park"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// forEachFairness runs the given specs once per transfer algorithm.
func forEachFairness(body func(fair bool)) {
	for _, fair := range []bool{false, true} {
		fairness := "unfair (stack)"
		if fair {
			fairness = "fair (queue)"
		}
		Context(fmt.Sprintf("in %s mode", fairness), func() {
			body(fair)
		})
	}
}

var _ = Describe("SynchronousChannel", func() {
	forEachFairness(func(fair bool) {
		It("hands an item from a late producer to a waiting consumer", func() {
			channel := concurrent.NewSynchronousChannel(fair)

			taken := make(chan interface{}, 1)
			go func() {
				defer GinkgoRecover()
				x, err := channel.Take(nil)
				Expect(err).ShouldNot(HaveOccurred())
				taken <- x
			}()

			time.Sleep(10 * time.Millisecond)
			Expect(channel.Put(nil, 42)).Should(Succeed())
			Eventually(taken).Should(Receive(Equal(42)))
		})

		It("hands an item from a waiting producer to a late consumer", func() {
			channel := concurrent.NewSynchronousChannel(fair)

			putDone := make(chan bool, 1)
			go func() {
				defer GinkgoRecover()
				Expect(channel.Put(nil, "item")).Should(Succeed())
				putDone <- true
			}()

			time.Sleep(10 * time.Millisecond)
			Expect(channel.Take(nil)).Should(Equal("item"))
			Eventually(putDone).Should(Receive())
		})

		It("refuses a non-blocking transfer with no counterpart", func() {
			channel := concurrent.NewSynchronousChannel(fair)

			Expect(channel.Offer("unwanted")).Should(BeFalse())
			_, err := channel.Poll()
			Expect(concurrent.IsWouldBlock(err)).Should(BeTrue())
		})

		It("matches a non-blocking transfer with a waiting counterpart", func() {
			channel := concurrent.NewSynchronousChannel(fair)

			taken := make(chan interface{}, 1)
			go func() {
				defer GinkgoRecover()
				x, err := channel.Take(nil)
				Expect(err).ShouldNot(HaveOccurred())
				taken <- x
			}()

			// The consumer needs a moment to enqueue itself.
			Eventually(func() bool { return channel.Offer("direct") }).Should(BeTrue())
			Eventually(taken).Should(Receive(Equal("direct")))
		})

		It("times out a transfer no earlier than requested", func() {
			channel := concurrent.NewSynchronousChannel(fair)

			const timeout = 30 * time.Millisecond
			start := time.Now()
			_, err := channel.PollTimeout(nil, timeout)
			Expect(err).Should(MatchError(concurrent.ErrTimeout))
			Expect(time.Since(start)).Should(BeNumerically(">=", timeout))

			start = time.Now()
			accepted, err := channel.OfferTimeout(nil, "nobody wants this", timeout)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(accepted).Should(BeFalse())
			Expect(time.Since(start)).Should(BeNumerically(">=", timeout))
		})

		It("completes a timed transfer when the counterpart arrives in time", func() {
			channel := concurrent.NewSynchronousChannel(fair)

			offered := make(chan bool, 1)
			go func() {
				defer GinkgoRecover()
				accepted, err := channel.OfferTimeout(nil, 7, time.Second)
				Expect(err).ShouldNot(HaveOccurred())
				offered <- accepted
			}()

			Expect(channel.PollTimeout(nil, time.Second)).Should(Equal(7))
			Eventually(offered).Should(Receive(BeTrue()))
		})

		It("cancels a pending transfer on interrupt", func() {
			channel := concurrent.NewSynchronousChannel(fair)

			consumer := park.NewParker()
			errs := make(chan error, 1)
			go func() {
				_, err := channel.Take(consumer)
				errs <- err
			}()

			Consistently(errs).ShouldNot(Receive())
			consumer.Interrupt()
			Eventually(errs).Should(Receive(MatchError(concurrent.ErrInterrupted)))
			Expect(consumer.IsInterrupted()).Should(BeFalse())

			// The cancelled node must not satisfy a later producer.
			Expect(channel.Offer("after interrupt")).Should(BeFalse())
		})

		It("reports a permanently empty collection through the observers", func() {
			channel := concurrent.NewSynchronousChannel(fair)
			Expect(channel.Size()).Should(Equal(0))
			Expect(channel.RemainingCapacity()).Should(Equal(0))
			Expect(channel.Contains("anything")).Should(BeFalse())
			Expect(channel.Remove("anything")).Should(BeFalse())
			_, err := channel.Peek()
			Expect(concurrent.IsWouldBlock(err)).Should(BeTrue())
		})

		It("delivers every item exactly once under producer/consumer stress", func() {
			const (
				numProducers     = 4
				numConsumers     = 4
				itemsPerProducer = 1000
			)
			channel := concurrent.NewSynchronousChannel(fair)

			type item struct {
				producer int
				seq      int
			}

			var wg sync.WaitGroup
			for p := 0; p < numProducers; p++ {
				wg.Add(1)
				go func(producer int) {
					defer GinkgoRecover()
					defer wg.Done()
					for seq := 0; seq < itemsPerProducer; seq++ {
						Expect(channel.Put(nil, item{producer, seq})).Should(Succeed())
					}
				}(p)
			}

			received := make(chan item, numProducers*itemsPerProducer)
			for c := 0; c < numConsumers; c++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for i := 0; i < itemsPerProducer; i++ {
						x, err := channel.Take(nil)
						Expect(err).ShouldNot(HaveOccurred())
						received <- x.(item)
					}
				}()
			}
			wg.Wait()
			close(received)

			// The delivered multiset equals the sent multiset: nothing lost,
			// nothing duplicated.
			counts := map[item]int{}
			for it := range received {
				counts[it]++
			}
			for p := 0; p < numProducers; p++ {
				for seq := 0; seq < itemsPerProducer; seq++ {
					Expect(counts[item{p, seq}]).Should(Equal(1))
				}
			}
		})

		It("delivers each producer's items in sent order at a single consumer", func() {
			const (
				numProducers     = 4
				itemsPerProducer = 200
			)
			channel := concurrent.NewSynchronousChannel(fair)

			type item struct {
				producer int
				seq      int
			}

			var wg sync.WaitGroup
			for p := 0; p < numProducers; p++ {
				wg.Add(1)
				go func(producer int) {
					defer GinkgoRecover()
					defer wg.Done()
					for seq := 0; seq < itemsPerProducer; seq++ {
						Expect(channel.Put(nil, item{producer, seq})).Should(Succeed())
					}
				}(p)
			}

			nextSeq := map[int]int{}
			for i := 0; i < numProducers*itemsPerProducer; i++ {
				x, err := channel.Take(nil)
				Expect(err).ShouldNot(HaveOccurred())
				it := x.(item)
				Expect(it.seq).Should(Equal(nextSeq[it.producer]))
				nextSeq[it.producer]++
			}
			wg.Wait()
		})
	})

	It("matches producers and consumers in arrival order in fair mode", func() {
		channel := concurrent.NewSynchronousChannel(true)

		// Queue two producers with a clear arrival order.
		firstReady := make(chan bool, 1)
		go func() {
			defer GinkgoRecover()
			firstReady <- true
			Expect(channel.Put(nil, "first")).Should(Succeed())
		}()
		<-firstReady
		time.Sleep(20 * time.Millisecond)

		secondReady := make(chan bool, 1)
		go func() {
			defer GinkgoRecover()
			secondReady <- true
			Expect(channel.Put(nil, "second")).Should(Succeed())
		}()
		<-secondReady
		time.Sleep(20 * time.Millisecond)

		Expect(channel.Take(nil)).Should(Equal("first"))
		Expect(channel.Take(nil)).Should(Equal("second"))
	})
})
