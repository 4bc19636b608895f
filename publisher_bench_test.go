// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !race

package shmbus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-shmbus"
	"github.com/siderolabs/go-shmbus/mempool"
	"github.com/siderolabs/go-shmbus/queue"
)

func BenchmarkLoanRelease(b *testing.B) {
	for _, test := range []struct {
		name string

		size uint64
	}{
		{
			name: "small",
			size: radarObjectSize,
		},
		{
			name: "large",
			size: 16384,
		},
	} {
		b.Run(test.name, func(b *testing.B) {
			area, err := shmbus.NewArea()
			require.NoError(b, err)

			b.Cleanup(func() {
				require.NoError(b, area.Close())
			})

			pub, err := shmbus.NewAreaPublisher[radarObject](area, radar)
			require.NoError(b, err)

			b.ReportAllocs()
			b.ResetTimer()

			for range b.N {
				sample, err := pub.LoanSize(test.size)
				require.NoError(b, err)

				sample.Release()
			}
		})
	}
}

func BenchmarkPublish(b *testing.B) {
	for _, test := range []struct {
		name string

		queues int
	}{
		{
			name: "no subscribers",
		},
		{
			name:   "one subscriber",
			queues: 1,
		},
		{
			name:   "fan-out",
			queues: 8,
		},
	} {
		b.Run(test.name, func(b *testing.B) {
			area, err := shmbus.NewArea(
				shmbus.WithMempools(mempool.Config{{PayloadSize: 64, Count: 1024}}),
				shmbus.WithNumQueues(test.queues),
				shmbus.WithQueueCapacity(16),
			)
			require.NoError(b, err)

			b.Cleanup(func() {
				require.NoError(b, area.Close())
			})

			p, err := area.NewPublisherPort(radar)
			require.NoError(b, err)

			pub, err := shmbus.NewPublisher[radarObject](p)
			require.NoError(b, err)

			for range test.queues {
				_, ring, err := area.ClaimQueue(queue.DiscardOldest)
				require.NoError(b, err)

				p.Connect(ring, false)
			}

			b.ReportAllocs()
			b.ResetTimer()

			for i := range b.N {
				sample, err := pub.Loan()
				require.NoError(b, err)

				sample.Get().Counter = uint64(i)
				sample.Publish()
			}
		})
	}
}

func testBenchmarkAllocs(t *testing.T, f func(b *testing.B), threshold int64) {
	res := testing.Benchmark(f)

	allocs := res.AllocsPerOp()
	if allocs > threshold {
		t.Fatalf("Expected AllocsPerOp <= %d, got %d", threshold, allocs)
	}
}

// loaning allocates nothing but the process-local sample
func TestBenchmarkLoanReleaseAllocs(t *testing.T) {
	testBenchmarkAllocs(t, BenchmarkLoanRelease, 4)
}

func TestBenchmarkPublishAllocs(t *testing.T) {
	testBenchmarkAllocs(t, BenchmarkPublish, 4)
}
