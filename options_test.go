// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shmbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-shmbus"
	"github.com/siderolabs/go-shmbus/mempool"
	"github.com/siderolabs/go-shmbus/queue"
)

func TestOptions(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string

		opt shmbus.OptionFunc

		expectedError string
	}{
		{
			name:          "empty name",
			opt:           shmbus.WithName(""),
			expectedError: "segment name should be set",
		},
		{
			name:          "name with slash",
			opt:           shmbus.WithName("a/b"),
			expectedError: `segment name should not contain slashes: "a/b"`,
		},
		{
			name:          "no mempools",
			opt:           shmbus.WithMempools(nil),
			expectedError: "at least one mempool should be configured",
		},
		{
			name:          "descending mempools",
			opt:           shmbus.WithMempools(mempool.Config{{PayloadSize: 128, Count: 1}, {PayloadSize: 64, Count: 1}}),
			expectedError: "mempool 1: payload sizes should be strictly ascending: 64 <= 128",
		},
		{
			name:          "no ports",
			opt:           shmbus.WithNumPorts(0),
			expectedError: "number of ports should be positive: 0",
		},
		{
			name:          "negative queues",
			opt:           shmbus.WithNumQueues(-1),
			expectedError: "number of queues should be non-negative: -1",
		},
		{
			name:          "zero queue capacity",
			opt:           shmbus.WithQueueCapacity(0),
			expectedError: "queue capacity should be positive: 0",
		},
		{
			name:          "zero loaned chunks",
			opt:           shmbus.WithMaxLoanedChunks(0),
			expectedError: "max loaned chunks should be positive: 0",
		},
		{
			name:          "nil registry",
			opt:           shmbus.WithRegistry(nil),
			expectedError: "registry should be set",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := shmbus.NewArea(test.opt)
			require.EqualError(t, err, test.expectedError)
		})
	}
}

func TestNoQueues(t *testing.T) {
	t.Parallel()

	area, err := shmbus.NewArea(shmbus.WithNumQueues(0))
	require.NoError(t, err)

	_, _, err = area.ClaimQueue(queue.DiscardOldest)
	assert.ErrorIs(t, err, shmbus.ErrNoFreeQueue)

	_, err = area.AttachQueue(0)
	assert.Error(t, err)

	assert.NoError(t, area.Close())
}
